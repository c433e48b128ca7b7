// Package coordinator drives one claimed scan job through its full
// lifecycle: crawl, per-page audit, scoring, persistence, and completion.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/a11yops/scan-engine/internal/crawl"
	"github.com/a11yops/scan-engine/internal/metrics"
	"github.com/a11yops/scan-engine/internal/progress"
	"github.com/a11yops/scan-engine/internal/scan"
	"github.com/a11yops/scan-engine/internal/score"
)

// Config controls Coordinator behavior.
type Config struct {
	CompletionTopic string
	ReportPrefix    string
}

// Coordinator executes claimed scan jobs. One Coordinator is shared by all
// workers in a process; per-job state lives on the stack of Execute.
type Coordinator struct {
	queue     scan.JobQueue
	store     scan.ScanStore
	crawler   *crawl.Orchestrator
	renderer  scan.Renderer
	auditor   scan.Auditor
	registry  *progress.Registry
	publisher scan.Publisher
	blobs     scan.BlobStore
	clock     scan.Clock
	ids       scan.IDGenerator
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Coordinator.
func New(
	queue scan.JobQueue,
	store scan.ScanStore,
	crawler *crawl.Orchestrator,
	renderer scan.Renderer,
	auditor scan.Auditor,
	registry *progress.Registry,
	publisher scan.Publisher,
	blobs scan.BlobStore,
	clock scan.Clock,
	ids scan.IDGenerator,
	cfg Config,
	logger *zap.Logger,
) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ReportPrefix == "" {
		cfg.ReportPrefix = "reports"
	}
	return &Coordinator{
		queue:     queue,
		store:     store,
		crawler:   crawler,
		renderer:  renderer,
		auditor:   auditor,
		registry:  registry,
		publisher: publisher,
		blobs:     blobs,
		clock:     clock,
		ids:       ids,
		cfg:       cfg,
		logger:    logger,
	}
}

// Execute runs a claimed job to a terminal state. The job is always marked
// done or failed in the queue, and the scan row and progress tracker always
// reach a terminal status, whatever happens in between.
func (c *Coordinator) Execute(ctx context.Context, job scan.ScanJob) {
	logger := c.logger.With(
		zap.String("job_id", job.ID),
		zap.String("scan_id", job.ScanID),
		zap.String("url", job.URL),
	)

	tracker := c.registry.Track(job.ScanID)
	if job.Attempts > 1 {
		tracker.Reset()
	}
	startedAt := c.clock.Now()

	if err := c.queue.MarkProcessing(ctx, job.ID); err != nil {
		logger.Error("mark processing failed", zap.Error(err))
		c.finishFailed(ctx, job, tracker, startedAt, fmt.Sprintf("mark processing: %v", err))
		return
	}

	tracker.SetStatus(scan.ScanStatusStarting, "starting scan", 2)
	if err := c.store.UpdateScanStatus(ctx, job.ScanID, scan.ScanStatusStarting, ""); err != nil {
		logger.Error("scan status update failed", zap.Error(err))
		c.finishFailed(ctx, job, tracker, startedAt, fmt.Sprintf("update scan status: %v", err))
		return
	}

	violations, pagesScanned, err := c.crawlAndAudit(ctx, job, tracker, logger)
	if err != nil {
		logger.Error("scan failed", zap.Error(err))
		c.finishFailed(ctx, job, tracker, startedAt, err.Error())
		return
	}
	if pagesScanned == 0 {
		c.finishFailed(ctx, job, tracker, startedAt, "no pages could be audited")
		return
	}

	tracker.SetStatus(scan.ScanStatusAnalyzing, "scoring results", 85)
	if err := c.store.UpdateScanStatus(ctx, job.ScanID, scan.ScanStatusAnalyzing, ""); err != nil {
		logger.Warn("scan status update failed", zap.Error(err))
	}

	result := score.Score(violations)
	result.ScoredAt = c.clock.Now()

	tracker.SetStatus(scan.ScanStatusGeneratingReport, "generating report", 90)
	if err := c.store.UpdateScanStatus(ctx, job.ScanID, scan.ScanStatusGeneratingReport, ""); err != nil {
		logger.Warn("scan status update failed", zap.Error(err))
	}

	// Replaces any rows a prior attempt left behind, so a retry after a
	// partial persistence failure cannot double-count.
	if err := c.store.RecordViolations(ctx, job.ScanID, violations); err != nil {
		c.finishFailed(ctx, job, tracker, startedAt, fmt.Sprintf("record violations: %v", err))
		return
	}

	reportURI := c.archiveReport(ctx, job, result, violations, pagesScanned, logger)

	if err := c.store.SaveResult(ctx, job.ScanID, result, pagesScanned, reportURI); err != nil {
		c.finishFailed(ctx, job, tracker, startedAt, fmt.Sprintf("save result: %v", err))
		return
	}
	if err := c.store.UpdateScanStatus(ctx, job.ScanID, scan.ScanStatusCompleted, ""); err != nil {
		logger.Warn("final scan status update failed", zap.Error(err))
	}
	if err := c.queue.Complete(ctx, job.ID); err != nil {
		logger.Error("complete job failed", zap.Error(err))
	}

	c.publishCompletion(ctx, job, result, pagesScanned, reportURI, logger)
	c.observeViolations(result)
	metrics.ObserveScan(string(scan.ScanStatusCompleted), string(job.Tier), c.clock.Now().Sub(startedAt))
	tracker.SetStatus(scan.ScanStatusCompleted, "scan complete", 100)

	logger.Info("scan completed",
		zap.Int("pages_scanned", pagesScanned),
		zap.Int("violations", result.Summary.TotalViolations),
		zap.Int("wcag_score", result.WCAGScore),
	)
}

// crawlAndAudit walks the site within the tier budget, rendering and
// auditing each page. Pages that fail to render are skipped; partial results
// are valid as long as at least one page was audited. The time budget is
// checked before each audit so a slow site cannot run unbounded.
func (c *Coordinator) crawlAndAudit(
	ctx context.Context,
	job scan.ScanJob,
	tracker *progress.Tracker,
	logger *zap.Logger,
) ([]scan.Violation, int, error) {
	budget := scan.BudgetFor(job.Tier, job.Depth)
	deadline := c.clock.Now().Add(budget.MaxTime)

	tracker.SetStatus(scan.ScanStatusCrawling, "discovering pages", 5)
	if err := c.store.UpdateScanStatus(ctx, job.ScanID, scan.ScanStatusCrawling, ""); err != nil {
		logger.Warn("scan status update failed", zap.Error(err))
	}

	var (
		violations   []scan.Violation
		pagesScanned int
		visited      int
	)

	visit := func(url string, depth int) error {
		visited++
		if c.clock.Now().After(deadline) {
			logger.Info("time budget exhausted", zap.Int("pages_scanned", pagesScanned))
			return crawl.ErrStopCrawl
		}

		page, err := c.renderer.Render(ctx, url)
		if err != nil {
			var transient *scan.TransientFetchError
			if errors.As(err, &transient) || errors.Is(err, context.DeadlineExceeded) {
				logger.Warn("page render failed", zap.String("page_url", url), zap.Error(err))
				tracker.RecordError(fmt.Sprintf("render %s: %v", url, err))
				metrics.ObservePage(url, "render_failed")
				return nil
			}
			return fmt.Errorf("render %s: %w", url, err)
		}

		metrics.ObserveRender(url, page.Duration)

		pageViolations := c.auditor.Audit(page)
		for i := range pageViolations {
			id, idErr := c.ids.NewID()
			if idErr != nil {
				return fmt.Errorf("generate violation id: %w", idErr)
			}
			pageViolations[i].ID = id
			pageViolations[i].ScanID = job.ScanID
		}
		violations = append(violations, pageViolations...)
		pagesScanned++
		metrics.ObservePage(url, "audited")

		percent := 10 + (70*pagesScanned)/budget.MaxPages
		tracker.PageCrawled(url, pagesScanned, visited)
		tracker.SetStatus(scan.ScanStatusCrawling, "auditing pages", percent)
		return nil
	}

	crawlCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	if err := c.crawler.Discover(crawlCtx, job.URL, budget, visit); err != nil {
		return nil, pagesScanned, fmt.Errorf("crawl %s: %w", job.URL, err)
	}
	return violations, pagesScanned, nil
}

// archiveReport serializes the scan report and stores it; archival failures
// are non-fatal since the database remains the system of record.
func (c *Coordinator) archiveReport(
	ctx context.Context,
	job scan.ScanJob,
	result scan.Result,
	violations []scan.Violation,
	pagesScanned int,
	logger *zap.Logger,
) string {
	if c.blobs == nil {
		return ""
	}
	report := map[string]any{
		"scan_id":       job.ScanID,
		"url":           job.URL,
		"tier":          job.Tier,
		"pages_scanned": pagesScanned,
		"result":        result,
		"violations":    violations,
		"generated_at":  c.clock.Now().Format(time.RFC3339),
	}
	data, err := json.Marshal(report)
	if err != nil {
		logger.Warn("marshal report failed", zap.Error(err))
		return ""
	}
	path := fmt.Sprintf("%s/%s.json", c.cfg.ReportPrefix, job.ScanID)
	uri, err := c.blobs.PutObject(ctx, path, "application/json", data)
	if err != nil {
		logger.Warn("archive report failed", zap.Error(err))
		return ""
	}
	return uri
}

func (c *Coordinator) publishCompletion(
	ctx context.Context,
	job scan.ScanJob,
	result scan.Result,
	pagesScanned int,
	reportURI string,
	logger *zap.Logger,
) {
	if c.publisher == nil || c.cfg.CompletionTopic == "" {
		return
	}
	payload := map[string]any{
		"scan_id":             job.ScanID,
		"job_id":              job.ID,
		"url":                 job.URL,
		"status":              scan.ScanStatusCompleted,
		"wcag_score":          result.WCAGScore,
		"risk_score":          result.RiskScore,
		"lawsuit_probability": result.LawsuitProbability,
		"total_violations":    result.Summary.TotalViolations,
		"pages_scanned":       pagesScanned,
		"report_uri":          reportURI,
		"timestamp":           c.clock.Now().Format(time.RFC3339),
	}
	if _, err := c.publisher.Publish(ctx, c.cfg.CompletionTopic, payload); err != nil {
		logger.Warn("publish completion failed", zap.Error(err))
	}
}

// finishFailed marks the job failed (or requeued for retry), records the
// failure on the scan row only when no attempts remain, and tears down the
// tracker.
func (c *Coordinator) finishFailed(
	ctx context.Context,
	job scan.ScanJob,
	tracker *progress.Tracker,
	startedAt time.Time,
	errMsg string,
) {
	logger := c.logger.With(zap.String("job_id", job.ID), zap.String("scan_id", job.ScanID))

	if err := c.queue.Fail(ctx, job.ID, errMsg); err != nil {
		logger.Error("fail job failed", zap.Error(err))
	}

	// Attempts was already incremented when the job was claimed, so this
	// attempt was the last one iff attempts >= max.
	if job.Attempts < job.MaxAttempts {
		logger.Info("scan attempt failed, job requeued",
			zap.Int("attempt", job.Attempts),
			zap.Int("max_attempts", job.MaxAttempts),
			zap.String("error", errMsg),
		)
		tracker.SetStatus(scan.ScanStatusQueued, "retry pending", 0)
		return
	}

	if err := c.store.UpdateScanStatus(ctx, job.ScanID, scan.ScanStatusFailed, errMsg); err != nil {
		logger.Error("failed scan status update failed", zap.Error(err))
	}
	metrics.ObserveScan(string(scan.ScanStatusFailed), string(job.Tier), c.clock.Now().Sub(startedAt))
	tracker.SetStatus(scan.ScanStatusFailed, errMsg, 0)
	logger.Warn("scan failed permanently", zap.String("error", errMsg))
}

func (c *Coordinator) observeViolations(result scan.Result) {
	metrics.ObserveViolations(string(scan.SeverityCritical), result.Summary.BySeverity.Critical)
	metrics.ObserveViolations(string(scan.SeveritySerious), result.Summary.BySeverity.Serious)
	metrics.ObserveViolations(string(scan.SeverityModerate), result.Summary.BySeverity.Moderate)
	metrics.ObserveViolations(string(scan.SeverityMinor), result.Summary.BySeverity.Minor)
}
