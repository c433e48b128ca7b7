package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/a11yops/scan-engine/internal/scan"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0).UTC()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestClaimOrdersByPriorityThenAge(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	q := NewQueue(clock)
	ctx := context.Background()

	freeID, err := q.Enqueue(ctx, scan.ScanJob{ScanID: "s-free", Priority: scan.PriorityFree})
	require.NoError(t, err)
	clock.Advance(time.Second)
	entID, err := q.Enqueue(ctx, scan.ScanJob{ScanID: "s-ent", Priority: scan.PriorityEnterprise})
	require.NoError(t, err)
	clock.Advance(time.Second)
	proID, err := q.Enqueue(ctx, scan.ScanJob{ScanID: "s-pro", Priority: scan.PriorityPro})
	require.NoError(t, err)

	want := []string{entID, proID, freeID}
	for _, id := range want {
		job, err := q.Claim(ctx, "w1")
		require.NoError(t, err)
		require.Equal(t, id, job.ID)
		require.Equal(t, scan.JobStatusClaimed, job.Status)
		require.Equal(t, "w1", job.WorkerID)
		require.Equal(t, 1, job.Attempts)
	}

	_, err = q.Claim(ctx, "w1")
	require.ErrorIs(t, err, scan.ErrNoJob)
}

func TestClaimFIFOWithinPriority(t *testing.T) {
	t.Parallel()

	q := NewQueue(newFakeClock())
	ctx := context.Background()

	first, err := q.Enqueue(ctx, scan.ScanJob{Priority: scan.PriorityPro})
	require.NoError(t, err)
	second, err := q.Enqueue(ctx, scan.ScanJob{Priority: scan.PriorityPro})
	require.NoError(t, err)

	job, err := q.Claim(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, first, job.ID)

	job, err = q.Claim(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, second, job.ID)
}

// TestClaimExclusiveUnderConcurrency runs many concurrent claims against a
// smaller set of jobs: exactly min(N, M) succeed and no job is handed out
// twice.
func TestClaimExclusiveUnderConcurrency(t *testing.T) {
	t.Parallel()

	const jobs = 20
	const claimers = 50

	q := NewQueue(nil)
	ctx := context.Background()
	for i := 0; i < jobs; i++ {
		_, err := q.Enqueue(ctx, scan.ScanJob{Priority: scan.PriorityFree})
		require.NoError(t, err)
	}

	var (
		mu      sync.Mutex
		claimed = make(map[string]int)
		misses  int
		errs    []error
		wg      sync.WaitGroup
	)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job, err := q.Claim(ctx, "w")
			mu.Lock()
			defer mu.Unlock()
			if errors.Is(err, scan.ErrNoJob) {
				misses++
				return
			}
			if err != nil {
				errs = append(errs, err)
				return
			}
			claimed[job.ID]++
		}()
	}
	wg.Wait()

	require.Empty(t, errs)

	require.Len(t, claimed, jobs)
	require.Equal(t, claimers-jobs, misses)
	for id, count := range claimed {
		require.Equalf(t, 1, count, "job %s claimed %d times", id, count)
	}
}

// TestRetryAccounting walks one job through three failed attempts and checks
// it dead-letters and is never reclaimed.
func TestRetryAccounting(t *testing.T) {
	t.Parallel()

	q := NewQueue(newFakeClock())
	ctx := context.Background()

	id, err := q.Enqueue(ctx, scan.ScanJob{MaxAttempts: 3})
	require.NoError(t, err)

	for attempt := 1; attempt <= 3; attempt++ {
		job, err := q.Claim(ctx, "w1")
		require.NoError(t, err)
		require.Equal(t, attempt, job.Attempts)
		require.NoError(t, q.Fail(ctx, id, "boom"))
	}

	job, err := q.GetJob(ctx, id)
	require.NoError(t, err)
	require.Equal(t, scan.JobStatusFailed, job.Status)
	require.Equal(t, 3, job.Attempts)
	require.NotNil(t, job.FailedAt)
	require.Equal(t, "boom", job.ErrorMessage)

	_, err = q.Claim(ctx, "w1")
	require.ErrorIs(t, err, scan.ErrNoJob)
}

func TestFailRequeuesWhileAttemptsRemain(t *testing.T) {
	t.Parallel()

	q := NewQueue(newFakeClock())
	ctx := context.Background()

	id, err := q.Enqueue(ctx, scan.ScanJob{MaxAttempts: 3})
	require.NoError(t, err)

	_, err = q.Claim(ctx, "w1")
	require.NoError(t, err)
	require.NoError(t, q.Fail(ctx, id, "transient"))

	job, err := q.GetJob(ctx, id)
	require.NoError(t, err)
	require.Equal(t, scan.JobStatusPending, job.Status)
	require.Empty(t, job.WorkerID)
	require.Nil(t, job.ClaimedAt)
	require.Equal(t, 1, job.Attempts)
}

func TestCompleteIsTerminal(t *testing.T) {
	t.Parallel()

	q := NewQueue(newFakeClock())
	ctx := context.Background()

	id, err := q.Enqueue(ctx, scan.ScanJob{})
	require.NoError(t, err)
	_, err = q.Claim(ctx, "w1")
	require.NoError(t, err)
	require.NoError(t, q.MarkProcessing(ctx, id))
	require.NoError(t, q.Complete(ctx, id))

	job, err := q.GetJob(ctx, id)
	require.NoError(t, err)
	require.Equal(t, scan.JobStatusDone, job.Status)
	require.NotNil(t, job.CompletedAt)

	_, err = q.Claim(ctx, "w2")
	require.ErrorIs(t, err, scan.ErrNoJob)

	// A straggling Fail after completion must not reopen the job.
	require.ErrorIs(t, q.Fail(ctx, id, "late failure"), scan.ErrNotFound)
	require.ErrorIs(t, q.Complete(ctx, id), scan.ErrNotFound)

	job, err = q.GetJob(ctx, id)
	require.NoError(t, err)
	require.Equal(t, scan.JobStatusDone, job.Status)
	require.Empty(t, job.ErrorMessage)

	_, err = q.Claim(ctx, "w3")
	require.ErrorIs(t, err, scan.ErrNoJob)
}

func TestFailedJobAdmitsNoTransitions(t *testing.T) {
	t.Parallel()

	q := NewQueue(newFakeClock())
	ctx := context.Background()

	id, err := q.Enqueue(ctx, scan.ScanJob{MaxAttempts: 1})
	require.NoError(t, err)
	_, err = q.Claim(ctx, "w1")
	require.NoError(t, err)
	require.NoError(t, q.Fail(ctx, id, "boom"))

	require.ErrorIs(t, q.Complete(ctx, id), scan.ErrNotFound)
	require.ErrorIs(t, q.MarkProcessing(ctx, id), scan.ErrNotFound)

	job, err := q.GetJob(ctx, id)
	require.NoError(t, err)
	require.Equal(t, scan.JobStatusFailed, job.Status)
}

func TestMarkProcessingRequiresClaim(t *testing.T) {
	t.Parallel()

	q := NewQueue(newFakeClock())
	ctx := context.Background()

	id, err := q.Enqueue(ctx, scan.ScanJob{})
	require.NoError(t, err)
	require.ErrorIs(t, q.MarkProcessing(ctx, id), scan.ErrNotFound)

	_, err = q.Claim(ctx, "w1")
	require.NoError(t, err)
	require.NoError(t, q.MarkProcessing(ctx, id))
}

func TestReleaseStaleRequeuesExpiredClaims(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	q := NewQueue(clock)
	ctx := context.Background()

	staleID, err := q.Enqueue(ctx, scan.ScanJob{MaxAttempts: 3})
	require.NoError(t, err)
	_, err = q.Claim(ctx, "w1")
	require.NoError(t, err)

	clock.Advance(10 * time.Minute)
	freshID, err := q.Enqueue(ctx, scan.ScanJob{MaxAttempts: 3})
	require.NoError(t, err)
	fresh, err := q.Claim(ctx, "w2")
	require.NoError(t, err)
	require.Equal(t, freshID, fresh.ID)

	released, err := q.ReleaseStale(ctx, 5*time.Minute)
	require.NoError(t, err)
	require.Equal(t, 1, released)

	stale, err := q.GetJob(ctx, staleID)
	require.NoError(t, err)
	require.Equal(t, scan.JobStatusPending, stale.Status)
	require.Equal(t, 1, stale.Attempts)

	held, err := q.GetJob(ctx, freshID)
	require.NoError(t, err)
	require.Equal(t, scan.JobStatusClaimed, held.Status)
}

func TestReleaseStaleDeadLettersExhaustedJobs(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	q := NewQueue(clock)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, scan.ScanJob{MaxAttempts: 1})
	require.NoError(t, err)
	_, err = q.Claim(ctx, "w1")
	require.NoError(t, err)

	clock.Advance(time.Hour)
	released, err := q.ReleaseStale(ctx, 5*time.Minute)
	require.NoError(t, err)
	require.Equal(t, 1, released)

	job, err := q.GetJob(ctx, id)
	require.NoError(t, err)
	require.Equal(t, scan.JobStatusFailed, job.Status)
}

func TestGetJobNotFound(t *testing.T) {
	t.Parallel()

	q := NewQueue(nil)
	_, err := q.GetJob(context.Background(), "nope")
	require.ErrorIs(t, err, scan.ErrNotFound)
}
