package scan

import (
	"errors"
	"fmt"
)

// ErrNoJob is returned by JobQueue.Claim when no eligible job exists.
// Callers should check with errors.Is() and sleep before retrying.
var ErrNoJob = errors.New("no eligible job in queue")

// ErrNotFound is returned by stores when a scan or job does not exist.
var ErrNotFound = errors.New("not found")

// ValidationError rejects bad input (URL, tier, depth) before enqueue.
// It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// SafetyRejection indicates a URL resolved to a disallowed target. It is a
// terminal per-URL skip, never a job failure.
type SafetyRejection struct {
	URL    string
	Reason string
}

func (e *SafetyRejection) Error() string {
	return fmt.Sprintf("unsafe url %s: %s", e.URL, e.Reason)
}

// TransientFetchError wraps timeouts, DNS failures, and non-2xx responses.
// The crawl logs it per page and continues.
type TransientFetchError struct {
	URL string
	Err error
}

func (e *TransientFetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *TransientFetchError) Unwrap() error { return e.Err }

// JobInfrastructureError wraps claim/persist failures. The coordinator
// resolves the job via Fail() and lets attempt counting decide retry.
type JobInfrastructureError struct {
	Op  string
	Err error
}

func (e *JobInfrastructureError) Error() string {
	return fmt.Sprintf("job infrastructure: %s: %v", e.Op, e.Err)
}

func (e *JobInfrastructureError) Unwrap() error { return e.Err }
