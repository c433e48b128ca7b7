// Package postgres provides the durable Postgres-backed work queue.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/a11yops/scan-engine/internal/scan"
)

// Schema creates the scan_jobs table. Applied by EnsureSchema; kept here so
// the claim query and the shape it depends on live together.
const Schema = `
CREATE TABLE IF NOT EXISTS scan_jobs (
	id UUID PRIMARY KEY,
	scan_id UUID NOT NULL,
	url TEXT NOT NULL,
	tier TEXT NOT NULL,
	depth INT NOT NULL,
	priority INT NOT NULL DEFAULT 1,
	status TEXT NOT NULL DEFAULT 'pending',
	attempts INT NOT NULL DEFAULT 0,
	max_attempts INT NOT NULL DEFAULT 3,
	worker_id TEXT NOT NULL DEFAULT '',
	claimed_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ,
	failed_at TIMESTAMPTZ,
	error_message TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS scan_jobs_claim_idx
	ON scan_jobs (priority DESC, created_at ASC)
	WHERE status = 'pending';
`

const jobColumns = `id, scan_id, url, tier, depth, priority, status, attempts, max_attempts,
	worker_id, claimed_at, completed_at, failed_at, error_message, created_at`

// dbPool is the subset of pgxpool.Pool the queue uses; pgxmock satisfies it.
type dbPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Config controls the Postgres connection pool used for the queue.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// Queue implements scan.JobQueue on Postgres. Claim relies on
// FOR UPDATE SKIP LOCKED so concurrent workers never block on, or double
// claim, the same row.
type Queue struct {
	pool dbPool
}

// NewQueue creates a Postgres-backed queue using the provided config.
func NewQueue(ctx context.Context, cfg Config) (*Queue, error) {
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
	return &Queue{pool: pool}, nil
}

// NewQueueWithPool constructs a queue from an existing pool (for testing).
func NewQueueWithPool(pool dbPool) (*Queue, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Queue{pool: pool}, nil
}

// EnsureSchema applies the queue DDL.
func (q *Queue) EnsureSchema(ctx context.Context) error {
	if _, err := q.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply queue schema: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (q *Queue) Close() {
	if q == nil || q.pool == nil {
		return
	}
	q.pool.Close()
}

// Enqueue inserts a pending job.
func (q *Queue) Enqueue(ctx context.Context, job scan.ScanJob) (string, error) {
	if job.ID == "" {
		return "", fmt.Errorf("job id is required")
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = 3
	}
	query := `
		INSERT INTO scan_jobs (id, scan_id, url, tier, depth, priority, status, max_attempts)
		VALUES ($1, $2, $3, $4, $5, $6, 'pending', $7)
	`
	_, err := q.pool.Exec(ctx, query,
		job.ID, job.ScanID, job.URL, string(job.Tier), job.Depth, job.Priority, job.MaxAttempts)
	if err != nil {
		return "", fmt.Errorf("insert job: %w", err)
	}
	return job.ID, nil
}

// Claim selects the single highest-priority, oldest eligible pending job,
// locks it, marks it claimed, stamps the worker and claim time, and
// increments attempts, all in one statement. SKIP LOCKED lets concurrent
// claimers pass over rows another worker is claiming instead of waiting.
func (q *Queue) Claim(ctx context.Context, workerID string) (scan.ScanJob, error) {
	query := `
		WITH next_job AS (
			SELECT id FROM scan_jobs
			WHERE status = 'pending' AND attempts < max_attempts
			ORDER BY priority DESC, created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE scan_jobs j
		SET status = 'claimed',
			worker_id = $1,
			claimed_at = NOW(),
			attempts = j.attempts + 1
		FROM next_job
		WHERE j.id = next_job.id
		RETURNING ` + qualify(jobColumns, "j.")

	job, err := scanJobRow(q.pool.QueryRow(ctx, query, workerID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return scan.ScanJob{}, scan.ErrNoJob
		}
		return scan.ScanJob{}, &scan.JobInfrastructureError{Op: "claim", Err: err}
	}
	return job, nil
}

// MarkProcessing moves a claimed job into processing.
func (q *Queue) MarkProcessing(ctx context.Context, jobID string) error {
	tag, err := q.pool.Exec(ctx,
		`UPDATE scan_jobs SET status = 'processing' WHERE id = $1 AND status = 'claimed'`, jobID)
	if err != nil {
		return &scan.JobInfrastructureError{Op: "mark processing", Err: err}
	}
	if tag.RowsAffected() == 0 {
		return scan.ErrNotFound
	}
	return nil
}

// Complete records terminal success; completed jobs admit no transitions.
func (q *Queue) Complete(ctx context.Context, jobID string) error {
	tag, err := q.pool.Exec(ctx, `
		UPDATE scan_jobs
		SET status = 'done', completed_at = NOW()
		WHERE id = $1 AND status NOT IN ('done', 'failed')
	`, jobID)
	if err != nil {
		return &scan.JobInfrastructureError{Op: "complete", Err: err}
	}
	if tag.RowsAffected() == 0 {
		return scan.ErrNotFound
	}
	return nil
}

// Fail records the error. Jobs with attempts remaining return to pending;
// jobs out of attempts are dead-lettered as failed.
func (q *Queue) Fail(ctx context.Context, jobID string, errMsg string) error {
	tag, err := q.pool.Exec(ctx, `
		UPDATE scan_jobs
		SET error_message = $2,
			status = CASE WHEN attempts < max_attempts THEN 'pending' ELSE 'failed' END,
			worker_id = CASE WHEN attempts < max_attempts THEN '' ELSE worker_id END,
			claimed_at = CASE WHEN attempts < max_attempts THEN NULL ELSE claimed_at END,
			failed_at = CASE WHEN attempts < max_attempts THEN NULL ELSE NOW() END
		WHERE id = $1 AND status NOT IN ('done', 'failed')
	`, jobID, errMsg)
	if err != nil {
		return &scan.JobInfrastructureError{Op: "fail", Err: err}
	}
	if tag.RowsAffected() == 0 {
		return scan.ErrNotFound
	}
	return nil
}

// GetJob fetches a job by ID.
func (q *Queue) GetJob(ctx context.Context, jobID string) (scan.ScanJob, error) {
	query := `SELECT ` + jobColumns + ` FROM scan_jobs WHERE id = $1`
	job, err := scanJobRow(q.pool.QueryRow(ctx, query, jobID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return scan.ScanJob{}, scan.ErrNotFound
		}
		return scan.ScanJob{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// ReleaseStale requeues claimed/processing jobs whose claim predates the
// cutoff. Jobs out of attempts are dead-lettered instead.
func (q *Queue) ReleaseStale(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	tag, err := q.pool.Exec(ctx, `
		UPDATE scan_jobs
		SET status = CASE WHEN attempts < max_attempts THEN 'pending' ELSE 'failed' END,
			worker_id = CASE WHEN attempts < max_attempts THEN '' ELSE worker_id END,
			claimed_at = CASE WHEN attempts < max_attempts THEN NULL ELSE claimed_at END,
			failed_at = CASE WHEN attempts < max_attempts THEN NULL ELSE NOW() END,
			error_message = CASE WHEN attempts < max_attempts
				THEN error_message ELSE 'claim expired with no attempts remaining' END
		WHERE status IN ('claimed', 'processing') AND claimed_at < $1
	`, cutoff)
	if err != nil {
		return 0, &scan.JobInfrastructureError{Op: "release stale", Err: err}
	}
	return int(tag.RowsAffected()), nil
}

func scanJobRow(row pgx.Row) (scan.ScanJob, error) {
	var (
		job  scan.ScanJob
		tier string
	)
	err := row.Scan(
		&job.ID,
		&job.ScanID,
		&job.URL,
		&tier,
		&job.Depth,
		&job.Priority,
		&job.Status,
		&job.Attempts,
		&job.MaxAttempts,
		&job.WorkerID,
		&job.ClaimedAt,
		&job.CompletedAt,
		&job.FailedAt,
		&job.ErrorMessage,
		&job.CreatedAt,
	)
	if err != nil {
		return scan.ScanJob{}, err
	}
	job.Tier = scan.Tier(tier)
	return job, nil
}

// qualify prefixes each column in a comma-separated list, for RETURNING
// clauses on aliased tables.
func qualify(columns, prefix string) string {
	parts := strings.Split(columns, ",")
	for i, part := range parts {
		parts[i] = prefix + strings.TrimSpace(part)
	}
	return strings.Join(parts, ", ")
}
