// Package memory provides an in-process work queue for development and tests.
// It honors the same ordering and claim-exclusivity contract as the Postgres
// queue: a single mutex serializes claims, so no two callers ever observe the
// same job as available.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/a11yops/scan-engine/internal/scan"
)

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Queue is a priority-ordered, mutex-guarded job store.
type Queue struct {
	mu    sync.Mutex
	jobs  map[string]*scan.ScanJob
	order map[string]int64
	clock Clock
	seq   int64
}

// NewQueue constructs an empty queue.
func NewQueue(clock Clock) *Queue {
	if clock == nil {
		clock = systemClock{}
	}
	return &Queue{
		jobs:  make(map[string]*scan.ScanJob),
		order: make(map[string]int64),
		clock: clock,
	}
}

// Enqueue stores a new pending job and returns its ID.
func (q *Queue) Enqueue(_ context.Context, job scan.ScanJob) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = 3
	}
	job.Status = scan.JobStatusPending
	job.Attempts = 0
	if job.CreatedAt.IsZero() {
		job.CreatedAt = q.clock.Now()
	}
	q.seq++
	q.order[job.ID] = q.seq
	stored := job
	q.jobs[job.ID] = &stored
	return job.ID, nil
}

// Claim atomically selects the highest-priority, oldest eligible pending job,
// marks it claimed, stamps the worker and claim time, and increments attempts.
// It returns scan.ErrNoJob when nothing is eligible and never blocks.
func (q *Queue) Claim(_ context.Context, workerID string) (scan.ScanJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var eligible []*scan.ScanJob
	for _, job := range q.jobs {
		if job.Status == scan.JobStatusPending && job.Attempts < job.MaxAttempts {
			eligible = append(eligible, job)
		}
	}
	if len(eligible) == 0 {
		return scan.ScanJob{}, scan.ErrNoJob
	}
	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].Priority != eligible[j].Priority {
			return eligible[i].Priority > eligible[j].Priority
		}
		if !eligible[i].CreatedAt.Equal(eligible[j].CreatedAt) {
			return eligible[i].CreatedAt.Before(eligible[j].CreatedAt)
		}
		// Enqueue sequence breaks ties within the same clock instant.
		return q.order[eligible[i].ID] < q.order[eligible[j].ID]
	})

	job := eligible[0]
	now := q.clock.Now()
	job.Status = scan.JobStatusClaimed
	job.WorkerID = workerID
	job.ClaimedAt = &now
	job.Attempts++
	return *job, nil
}

// MarkProcessing moves a claimed job into processing. As with the SQL
// backend's status predicate, any other starting state reports ErrNotFound.
func (q *Queue) MarkProcessing(_ context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[jobID]
	if !ok || job.Status != scan.JobStatusClaimed {
		return scan.ErrNotFound
	}
	job.Status = scan.JobStatusProcessing
	return nil
}

// Complete records terminal success. No further transitions are permitted.
func (q *Queue) Complete(_ context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[jobID]
	if !ok || isTerminal(job.Status) {
		return scan.ErrNotFound
	}
	now := q.clock.Now()
	job.Status = scan.JobStatusDone
	job.CompletedAt = &now
	return nil
}

// Fail records the error and either requeues the job (attempts remain) or
// dead-letters it (attempts exhausted). Terminal jobs are never reopened.
func (q *Queue) Fail(_ context.Context, jobID string, errMsg string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[jobID]
	if !ok || isTerminal(job.Status) {
		return scan.ErrNotFound
	}
	job.ErrorMessage = errMsg
	if job.Attempts < job.MaxAttempts {
		job.Status = scan.JobStatusPending
		job.WorkerID = ""
		job.ClaimedAt = nil
		return nil
	}
	now := q.clock.Now()
	job.Status = scan.JobStatusFailed
	job.FailedAt = &now
	return nil
}

func isTerminal(status scan.JobStatus) bool {
	return status == scan.JobStatusDone || status == scan.JobStatusFailed
}

// GetJob fetches a job by ID.
func (q *Queue) GetJob(_ context.Context, jobID string) (scan.ScanJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[jobID]
	if !ok {
		return scan.ScanJob{}, scan.ErrNotFound
	}
	return *job, nil
}

// ReleaseStale requeues claimed/processing jobs whose claim is older than the
// cutoff. Attempts already charged by the claim are kept; jobs out of
// attempts are dead-lettered instead.
func (q *Queue) ReleaseStale(_ context.Context, olderThan time.Duration) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	cutoff := q.clock.Now().Add(-olderThan)
	released := 0
	for _, job := range q.jobs {
		if job.Status != scan.JobStatusClaimed && job.Status != scan.JobStatusProcessing {
			continue
		}
		if job.ClaimedAt == nil || job.ClaimedAt.After(cutoff) {
			continue
		}
		if job.Attempts < job.MaxAttempts {
			job.Status = scan.JobStatusPending
			job.WorkerID = ""
			job.ClaimedAt = nil
		} else {
			now := q.clock.Now()
			job.Status = scan.JobStatusFailed
			job.FailedAt = &now
			job.ErrorMessage = "claim expired with no attempts remaining"
		}
		released++
	}
	return released, nil
}
