// Package scan defines core types shared across the scan engine subsystems.
package scan

import (
	"time"
)

// JobStatus represents the lifecycle state of a queued scan job.
type JobStatus string

// Job status values persisted in the work queue.
const (
	JobStatusPending    JobStatus = "pending"
	JobStatusClaimed    JobStatus = "claimed"
	JobStatusProcessing JobStatus = "processing"
	JobStatusDone       JobStatus = "done"
	JobStatusFailed     JobStatus = "failed"
)

// ScanStatus mirrors the coordinator state machine for a scan.
type ScanStatus string

// Scan status values. failed is reachable from any non-terminal state.
const (
	ScanStatusQueued           ScanStatus = "queued"
	ScanStatusStarting         ScanStatus = "starting"
	ScanStatusCrawling         ScanStatus = "crawling"
	ScanStatusAnalyzing        ScanStatus = "analyzing"
	ScanStatusGeneratingReport ScanStatus = "generating_report"
	ScanStatusCompleted        ScanStatus = "completed"
	ScanStatusFailed           ScanStatus = "failed"
)

// IsTerminal reports whether the scan has reached a final state.
func (s ScanStatus) IsTerminal() bool {
	return s == ScanStatusCompleted || s == ScanStatusFailed
}

// Tier is a customer plan level controlling crawl budget and job priority.
type Tier string

// Supported tiers.
const (
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// Severity classifies the user impact of a violation. Fixed per rule.
type Severity string

// Severity levels in decreasing order of impact.
const (
	SeverityCritical Severity = "critical"
	SeveritySerious  Severity = "serious"
	SeverityModerate Severity = "moderate"
	SeverityMinor    Severity = "minor"
)

// LegalRisk is the litigation exposure tier assigned to a violation.
type LegalRisk string

// Legal risk tiers.
const (
	LegalRiskHigh   LegalRisk = "high"
	LegalRiskMedium LegalRisk = "medium"
	LegalRiskLow    LegalRisk = "low"
)

// ScanJob is a unit of work in the durable queue. At most one worker holds
// a non-terminal job at a time; the claim operation enforces this.
type ScanJob struct {
	ID           string     `json:"id"`
	ScanID       string     `json:"scan_id"`
	URL          string     `json:"url"`
	Tier         Tier       `json:"tier"`
	Depth        int        `json:"depth"`
	Priority     int        `json:"priority"`
	Status       JobStatus  `json:"status"`
	Attempts     int        `json:"attempts"`
	MaxAttempts  int        `json:"max_attempts"`
	WorkerID     string     `json:"worker_id,omitempty"`
	ClaimedAt    *time.Time `json:"claimed_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	FailedAt     *time.Time `json:"failed_at,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Scan is the system of record for one audit of a site. Its lifecycle
// outlives the job if the job is retried.
type Scan struct {
	ID                 string         `json:"id"`
	URL                string         `json:"url"`
	Domain             string         `json:"domain"`
	OrgID              string         `json:"org_id"`
	Tier               Tier           `json:"tier"`
	Depth              int            `json:"depth"`
	Status             ScanStatus     `json:"status"`
	WCAGScore          int            `json:"wcag_score"`
	RiskScore          int            `json:"risk_score"`
	LawsuitProbability int            `json:"lawsuit_probability"`
	ViolationCounts    SeverityCounts `json:"violation_counts"`
	PagesScanned       int            `json:"pages_scanned"`
	ReportURI          string         `json:"report_uri,omitempty"`
	StartedAt          *time.Time     `json:"started_at,omitempty"`
	CompletedAt        *time.Time     `json:"completed_at,omitempty"`
	ErrorMessage       string         `json:"error_message,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
}

// Violation is a single accessibility finding. Immutable once written.
type Violation struct {
	ID              string    `json:"id"`
	ScanID          string    `json:"scan_id"`
	WCAGCriterion   string    `json:"wcag_criterion"`
	Severity        Severity  `json:"severity"`
	ElementSelector string    `json:"element_selector"`
	ElementSnippet  string    `json:"element_snippet"`
	PageURL         string    `json:"page_url"`
	UserImpact      string    `json:"user_impact"`
	LegalRisk       LegalRisk `json:"legal_risk"`
	FixDescription  string    `json:"fix_description"`
	FixSnippet      string    `json:"fix_snippet"`
	FixEffortMins   int       `json:"estimated_fix_effort"`
	QuickWin        bool      `json:"quick_win"`
}

// SeverityCounts groups violation totals by severity.
type SeverityCounts struct {
	Critical int `json:"critical"`
	Serious  int `json:"serious"`
	Moderate int `json:"moderate"`
	Minor    int `json:"minor"`
}

// Total sums all severities.
func (c SeverityCounts) Total() int {
	return c.Critical + c.Serious + c.Moderate + c.Minor
}

// Summary aggregates a violation list for reporting.
type Summary struct {
	BySeverity      SeverityCounts `json:"by_severity"`
	ByCriterion     map[string]int `json:"by_criterion"`
	TotalViolations int            `json:"total_violations"`
	QuickWins       int            `json:"quick_wins"`
	FixEffortMins   int            `json:"estimated_fix_effort_mins"`
}

// Result bundles the scores and summary produced for one scan.
type Result struct {
	WCAGScore          int       `json:"wcag_score"`
	RiskScore          int       `json:"risk_score"`
	LawsuitProbability int       `json:"lawsuit_probability"`
	Summary            Summary   `json:"summary"`
	ScoredAt           time.Time `json:"scored_at"`
}

// Page is a rendered DOM snapshot returned by the headless renderer.
// Body holds the serialized document after JavaScript execution, with
// computed-style annotations applied by the renderer.
type Page struct {
	URL        string
	FinalURL   string
	StatusCode int
	Body       []byte
	Duration   time.Duration
}
