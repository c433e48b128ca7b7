package scan

import (
	"context"
	"time"
)

// JobQueue provides durable, priority-ordered job storage with atomic claim
// semantics. Claim never blocks; it returns ErrNoJob when nothing is eligible.
type JobQueue interface {
	Enqueue(ctx context.Context, job ScanJob) (string, error)
	Claim(ctx context.Context, workerID string) (ScanJob, error)
	MarkProcessing(ctx context.Context, jobID string) error
	Complete(ctx context.Context, jobID string) error
	Fail(ctx context.Context, jobID string, errMsg string) error
	GetJob(ctx context.Context, jobID string) (ScanJob, error)
	// ReleaseStale requeues claimed/processing jobs whose claim is older than
	// the cutoff. It exists for the external liveness sweep.
	ReleaseStale(ctx context.Context, olderThan time.Duration) (int, error)
}

// ScanStore persists scans and their violations.
type ScanStore interface {
	CreateScan(ctx context.Context, s Scan) error
	UpdateScanStatus(ctx context.Context, scanID string, status ScanStatus, errMsg string) error
	SaveResult(ctx context.Context, scanID string, result Result, pagesScanned int, reportURI string) error
	GetScan(ctx context.Context, scanID string) (Scan, error)
	RecordViolations(ctx context.Context, scanID string, violations []Violation) error
	ListViolations(ctx context.Context, scanID string) ([]Violation, error)
	DeleteScan(ctx context.Context, scanID string) error
}

// Renderer produces a rendered DOM snapshot for one page.
type Renderer interface {
	Render(ctx context.Context, url string) (Page, error)
	Close(ctx context.Context) error
}

// Auditor evaluates a rendered page against the rule catalog.
type Auditor interface {
	Audit(page Page) []Violation
}

// Publisher pushes scan completion events to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// BlobStore writes report artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces scan and job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
