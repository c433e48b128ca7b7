// Package memory provides an in-memory scan.ScanStore used in tests and
// single-process deployments.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/a11yops/scan-engine/internal/scan"
)

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// ScanStore keeps scans and violations in process memory guarded by a mutex.
type ScanStore struct {
	mu         sync.RWMutex
	scans      map[string]scan.Scan
	violations map[string][]scan.Violation
	clock      Clock
}

// NewScanStore creates an empty store.
func NewScanStore() *ScanStore {
	return NewScanStoreWithClock(systemClock{})
}

// NewScanStoreWithClock creates a store using the given clock.
func NewScanStoreWithClock(clock Clock) *ScanStore {
	return &ScanStore{
		scans:      make(map[string]scan.Scan),
		violations: make(map[string][]scan.Violation),
		clock:      clock,
	}
}

func (s *ScanStore) CreateScan(_ context.Context, sc scan.Scan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sc.Status == "" {
		sc.Status = scan.ScanStatusQueued
	}
	if sc.CreatedAt.IsZero() {
		sc.CreatedAt = s.clock.Now()
	}
	s.scans[sc.ID] = sc
	return nil
}

func (s *ScanStore) UpdateScanStatus(_ context.Context, scanID string, status scan.ScanStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.scans[scanID]
	if !ok {
		return scan.ErrNotFound
	}
	sc.Status = status
	sc.ErrorMessage = errMsg
	now := s.clock.Now()
	if status == scan.ScanStatusStarting && sc.StartedAt == nil {
		sc.StartedAt = &now
	}
	if status.IsTerminal() {
		sc.CompletedAt = &now
	}
	s.scans[scanID] = sc
	return nil
}

func (s *ScanStore) SaveResult(_ context.Context, scanID string, result scan.Result, pagesScanned int, reportURI string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.scans[scanID]
	if !ok {
		return scan.ErrNotFound
	}
	sc.WCAGScore = result.WCAGScore
	sc.RiskScore = result.RiskScore
	sc.LawsuitProbability = result.LawsuitProbability
	sc.ViolationCounts = result.Summary.BySeverity
	sc.PagesScanned = pagesScanned
	sc.ReportURI = reportURI
	s.scans[scanID] = sc
	return nil
}

func (s *ScanStore) GetScan(_ context.Context, scanID string) (scan.Scan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.scans[scanID]
	if !ok {
		return scan.Scan{}, scan.ErrNotFound
	}
	return sc, nil
}

// RecordViolations replaces the scan's violation rows with the given set, so
// a retried attempt never stacks duplicates on a partially persisted one.
func (s *ScanStore) RecordViolations(_ context.Context, scanID string, violations []scan.Violation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := make([]scan.Violation, len(violations))
	copy(stored, violations)
	s.violations[scanID] = stored
	return nil
}

func (s *ScanStore) ListViolations(_ context.Context, scanID string) ([]scan.Violation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored := s.violations[scanID]
	out := make([]scan.Violation, len(stored))
	copy(out, stored)
	return out, nil
}

// DeleteScan removes a scan and its violations.
func (s *ScanStore) DeleteScan(_ context.Context, scanID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.scans[scanID]; !ok {
		return scan.ErrNotFound
	}
	delete(s.scans, scanID)
	delete(s.violations, scanID)
	return nil
}
