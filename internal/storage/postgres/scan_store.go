// Package postgres provides Postgres-backed persistence for scans and their
// violations.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/a11yops/scan-engine/internal/scan"
)

// Schema creates the scans and violations tables. Deleting a scan cascades
// to its violations per the data-retention contract.
const Schema = `
CREATE TABLE IF NOT EXISTS scans (
	id UUID PRIMARY KEY,
	url TEXT NOT NULL,
	domain TEXT NOT NULL,
	org_id TEXT NOT NULL,
	tier TEXT NOT NULL,
	depth INT NOT NULL,
	status TEXT NOT NULL DEFAULT 'queued',
	wcag_score INT NOT NULL DEFAULT 0,
	risk_score INT NOT NULL DEFAULT 0,
	lawsuit_probability INT NOT NULL DEFAULT 0,
	violation_counts JSONB NOT NULL DEFAULT '{}',
	pages_scanned INT NOT NULL DEFAULT 0,
	report_uri TEXT NOT NULL DEFAULT '',
	started_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ,
	error_message TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS violations (
	id UUID PRIMARY KEY,
	scan_id UUID NOT NULL REFERENCES scans(id) ON DELETE CASCADE,
	wcag_criterion TEXT NOT NULL,
	severity TEXT NOT NULL,
	element_selector TEXT NOT NULL DEFAULT '',
	element_snippet TEXT NOT NULL DEFAULT '',
	page_url TEXT NOT NULL,
	user_impact TEXT NOT NULL DEFAULT '',
	legal_risk TEXT NOT NULL,
	fix_description TEXT NOT NULL DEFAULT '',
	fix_snippet TEXT NOT NULL DEFAULT '',
	fix_effort_mins INT NOT NULL DEFAULT 0,
	quick_win BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS violations_scan_idx ON violations (scan_id);
`

// dbPool is the subset of pgxpool.Pool the store uses; pgxmock satisfies it.
type dbPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Config controls the Postgres connection pool used by the store.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// ScanStore implements scan.ScanStore on Postgres.
type ScanStore struct {
	pool dbPool
}

// NewScanStore creates a Postgres-backed ScanStore using the provided config.
func NewScanStore(ctx context.Context, cfg Config) (*ScanStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &ScanStore{pool: pool}, nil
}

// NewScanStoreWithPool constructs a store from an existing pool (for testing).
func NewScanStoreWithPool(pool dbPool) (*ScanStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &ScanStore{pool: pool}, nil
}

// EnsureSchema applies the store DDL.
func (s *ScanStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply scan schema: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *ScanStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// CreateScan inserts a new scan in queued status.
func (s *ScanStore) CreateScan(ctx context.Context, sc scan.Scan) error {
	query := `
		INSERT INTO scans (id, url, domain, org_id, tier, depth, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	status := sc.Status
	if status == "" {
		status = scan.ScanStatusQueued
	}
	_, err := s.pool.Exec(ctx, query,
		sc.ID, sc.URL, sc.Domain, sc.OrgID, string(sc.Tier), sc.Depth, string(status))
	if err != nil {
		return fmt.Errorf("insert scan: %w", err)
	}
	return nil
}

// UpdateScanStatus records a state-machine transition. Entering starting
// stamps started_at; entering a terminal state stamps completed_at.
func (s *ScanStore) UpdateScanStatus(ctx context.Context, scanID string, status scan.ScanStatus, errMsg string) error {
	query := `
		UPDATE scans
		SET status = $2,
			error_message = $3,
			started_at = CASE WHEN $2 = 'starting' AND started_at IS NULL THEN NOW() ELSE started_at END,
			completed_at = CASE WHEN $2 IN ('completed', 'failed') THEN NOW() ELSE completed_at END
		WHERE id = $1
	`
	tag, err := s.pool.Exec(ctx, query, scanID, string(status), errMsg)
	if err != nil {
		return fmt.Errorf("update scan status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return scan.ErrNotFound
	}
	return nil
}

// SaveResult persists the scores and summary for a completed scan.
func (s *ScanStore) SaveResult(ctx context.Context, scanID string, result scan.Result, pagesScanned int, reportURI string) error {
	counts, err := json.Marshal(result.Summary.BySeverity)
	if err != nil {
		return fmt.Errorf("marshal violation counts: %w", err)
	}
	query := `
		UPDATE scans
		SET wcag_score = $2,
			risk_score = $3,
			lawsuit_probability = $4,
			violation_counts = $5,
			pages_scanned = $6,
			report_uri = $7
		WHERE id = $1
	`
	tag, err := s.pool.Exec(ctx, query,
		scanID, result.WCAGScore, result.RiskScore, result.LawsuitProbability,
		counts, pagesScanned, reportURI)
	if err != nil {
		return fmt.Errorf("save scan result: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return scan.ErrNotFound
	}
	return nil
}

// GetScan fetches a scan by ID.
func (s *ScanStore) GetScan(ctx context.Context, scanID string) (scan.Scan, error) {
	query := `
		SELECT id, url, domain, org_id, tier, depth, status,
			wcag_score, risk_score, lawsuit_probability, violation_counts,
			pages_scanned, report_uri, started_at, completed_at, error_message, created_at
		FROM scans WHERE id = $1
	`
	var (
		sc        scan.Scan
		tier      string
		status    string
		countsRaw []byte
	)
	err := s.pool.QueryRow(ctx, query, scanID).Scan(
		&sc.ID, &sc.URL, &sc.Domain, &sc.OrgID, &tier, &sc.Depth, &status,
		&sc.WCAGScore, &sc.RiskScore, &sc.LawsuitProbability, &countsRaw,
		&sc.PagesScanned, &sc.ReportURI, &sc.StartedAt, &sc.CompletedAt,
		&sc.ErrorMessage, &sc.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return scan.Scan{}, scan.ErrNotFound
		}
		return scan.Scan{}, fmt.Errorf("get scan: %w", err)
	}
	sc.Tier = scan.Tier(tier)
	sc.Status = scan.ScanStatus(status)
	if len(countsRaw) > 0 {
		if err := json.Unmarshal(countsRaw, &sc.ViolationCounts); err != nil {
			return scan.Scan{}, fmt.Errorf("unmarshal violation counts: %w", err)
		}
	}
	return sc, nil
}

// RecordViolations replaces the scan's violation rows with the given set.
// Replace-not-append keeps a retried attempt from stacking duplicates on rows
// a failed attempt already persisted.
func (s *ScanStore) RecordViolations(ctx context.Context, scanID string, violations []scan.Violation) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM violations WHERE scan_id = $1`, scanID); err != nil {
		return fmt.Errorf("clear violations: %w", err)
	}
	query := `
		INSERT INTO violations (id, scan_id, wcag_criterion, severity, element_selector,
			element_snippet, page_url, user_impact, legal_risk, fix_description,
			fix_snippet, fix_effort_mins, quick_win)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	for _, v := range violations {
		_, err := s.pool.Exec(ctx, query,
			v.ID, v.ScanID, v.WCAGCriterion, string(v.Severity), v.ElementSelector,
			v.ElementSnippet, v.PageURL, v.UserImpact, string(v.LegalRisk),
			v.FixDescription, v.FixSnippet, v.FixEffortMins, v.QuickWin)
		if err != nil {
			return fmt.Errorf("insert violation: %w", err)
		}
	}
	return nil
}

// ListViolations returns all violations for a scan in insertion order.
func (s *ScanStore) ListViolations(ctx context.Context, scanID string) ([]scan.Violation, error) {
	query := `
		SELECT id, scan_id, wcag_criterion, severity, element_selector,
			element_snippet, page_url, user_impact, legal_risk, fix_description,
			fix_snippet, fix_effort_mins, quick_win
		FROM violations WHERE scan_id = $1
	`
	rows, err := s.pool.Query(ctx, query, scanID)
	if err != nil {
		return nil, fmt.Errorf("list violations: %w", err)
	}
	defer rows.Close()

	var violations []scan.Violation
	for rows.Next() {
		var (
			v         scan.Violation
			severity  string
			legalRisk string
		)
		if err := rows.Scan(
			&v.ID, &v.ScanID, &v.WCAGCriterion, &severity, &v.ElementSelector,
			&v.ElementSnippet, &v.PageURL, &v.UserImpact, &legalRisk,
			&v.FixDescription, &v.FixSnippet, &v.FixEffortMins, &v.QuickWin,
		); err != nil {
			return nil, fmt.Errorf("scan violation row: %w", err)
		}
		v.Severity = scan.Severity(severity)
		v.LegalRisk = scan.LegalRisk(legalRisk)
		violations = append(violations, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate violation rows: %w", err)
	}
	return violations, nil
}

// DeleteScan removes a scan; the violations cascade at the schema level.
func (s *ScanStore) DeleteScan(ctx context.Context, scanID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM scans WHERE id = $1`, scanID)
	if err != nil {
		return fmt.Errorf("delete scan: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return scan.ErrNotFound
	}
	return nil
}
