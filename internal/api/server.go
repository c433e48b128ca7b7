// Package api exposes the HTTP interface for the scan engine.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/a11yops/scan-engine/internal/config"
	"github.com/a11yops/scan-engine/internal/metrics"
	"github.com/a11yops/scan-engine/internal/progress"
	"github.com/a11yops/scan-engine/internal/scan"
)

// Server wires HTTP handlers to the queue, store, and progress registry.
type Server struct {
	router   chi.Router
	queue    scan.JobQueue
	store    scan.ScanStore
	registry *progress.Registry
	safety   *scan.SafetyFilter
	idGen    scan.IDGenerator
	clock    scan.Clock
	cfg      config.Config
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	queue scan.JobQueue,
	store scan.ScanStore,
	registry *progress.Registry,
	safety *scan.SafetyFilter,
	idGen scan.IDGenerator,
	clock scan.Clock,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		queue:    queue,
		store:    store,
		registry: registry,
		safety:   safety,
		idGen:    idGen,
		clock:    clock,
		cfg:      cfg,
		logger:   logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/scans", func(r chi.Router) {
			r.With(timeoutMiddleware(30 * time.Second)).Post("/", s.submitScan)
			r.Route("/{scan_id}", func(r chi.Router) {
				r.With(timeoutMiddleware(10*time.Second)).Get("/status", s.getScanStatus)
				r.With(timeoutMiddleware(10*time.Second)).Get("/result", s.getScanResult)
				r.With(timeoutMiddleware(10*time.Second)).Delete("/", s.deleteScan)
				// SSE stream; no timeout middleware, bounded by client
				// disconnect and scan terminal state.
				r.Get("/events", s.streamScanEvents)
			})
		})
		r.With(timeoutMiddleware(10 * time.Second)).Get("/jobs/{job_id}/status", s.getJobStatus)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	// The store is the hard dependency; a probe read confirms connectivity.
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if _, err := s.store.GetScan(ctx, "00000000-0000-0000-0000-000000000000"); err != nil && !errors.Is(err, scan.ErrNotFound) {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type submitScanRequest struct {
	URL            string `json:"url"`
	OrganizationID string `json:"organization_id"`
	Tier           string `json:"tier"`
	Depth          int    `json:"depth"`
}

type submitScanResponse struct {
	ScanID               string `json:"scan_id"`
	JobID                string `json:"job_id"`
	EstimatedTimeSeconds int    `json:"estimated_time_seconds"`
}

func (s *Server) submitScan(w http.ResponseWriter, r *http.Request) {
	var req submitScanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := s.validateSubmit(r.Context(), req); err != nil {
		var rejection *scan.SafetyRejection
		if errors.As(err, &rejection) {
			writeError(w, http.StatusUnprocessableEntity, rejection.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := s.enqueueScan(r.Context(), req)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusRequestTimeout
		}
		s.logger.Error("submit scan failed", zap.Error(err))
		writeError(w, status, "failed to enqueue scan")
		return
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) validateSubmit(ctx context.Context, req submitScanRequest) error {
	normalized, err := scan.NormalizeURL(req.URL)
	if err != nil {
		return &scan.ValidationError{Field: "url", Reason: err.Error()}
	}
	if err := s.safety.Allowed(ctx, normalized); err != nil {
		return err
	}
	if req.OrganizationID == "" {
		return &scan.ValidationError{Field: "organization_id", Reason: "is required"}
	}
	if !scan.ValidTier(scan.Tier(req.Tier)) {
		return &scan.ValidationError{Field: "tier", Reason: fmt.Sprintf("unknown tier %q", req.Tier)}
	}
	if req.Depth != 0 && !scan.ValidDepth(req.Depth) {
		return &scan.ValidationError{Field: "depth", Reason: fmt.Sprintf("depth %d is not allowed", req.Depth)}
	}
	return nil
}

func (s *Server) enqueueScan(ctx context.Context, req submitScanRequest) (submitScanResponse, error) {
	normalized, err := scan.NormalizeURL(req.URL)
	if err != nil {
		return submitScanResponse{}, fmt.Errorf("normalize url: %w", err)
	}
	scanID, err := s.idGen.NewID()
	if err != nil {
		return submitScanResponse{}, fmt.Errorf("generate scan id: %w", err)
	}
	tier := scan.Tier(req.Tier)
	now := s.clock.Now()

	sc := scan.Scan{
		ID:        scanID,
		URL:       normalized,
		Domain:    scan.HostOf(normalized),
		OrgID:     req.OrganizationID,
		Tier:      tier,
		Depth:     req.Depth,
		Status:    scan.ScanStatusQueued,
		CreatedAt: now,
	}
	if err := s.store.CreateScan(ctx, sc); err != nil {
		return submitScanResponse{}, fmt.Errorf("create scan: %w", err)
	}

	jobID, err := s.idGen.NewID()
	if err != nil {
		return submitScanResponse{}, fmt.Errorf("generate job id: %w", err)
	}
	job := scan.ScanJob{
		ID:          jobID,
		ScanID:      scanID,
		URL:         normalized,
		Tier:        tier,
		Depth:       req.Depth,
		Priority:    scan.PriorityFor(tier),
		MaxAttempts: s.cfg.Worker.MaxJobAttempts,
		CreatedAt:   now,
	}
	queueCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := s.queue.Enqueue(queueCtx, job); err != nil {
		return submitScanResponse{}, fmt.Errorf("enqueue job: %w", err)
	}

	s.registry.Track(scanID)
	return submitScanResponse{
		ScanID:               scanID,
		JobID:                jobID,
		EstimatedTimeSeconds: estimateSeconds(scan.BudgetFor(tier, req.Depth)),
	}, nil
}

// estimateSeconds is a rough wall-clock estimate assuming a few seconds per
// page, capped by the tier's time budget.
func estimateSeconds(budget scan.Budget) int {
	est := budget.MaxPages * 3
	if limit := int(budget.MaxTime.Seconds()); est > limit {
		est = limit
	}
	return est
}

type statusResponse struct {
	ScanID          string `json:"scan_id"`
	Status          string `json:"status"`
	ProgressPercent int    `json:"progress_percent"`
	Message         string `json:"message,omitempty"`
	ElapsedSeconds  int    `json:"elapsed_seconds"`
	Error           string `json:"error,omitempty"`
}

func (s *Server) getScanStatus(w http.ResponseWriter, r *http.Request) {
	scanID := chi.URLParam(r, "scan_id")
	s.writeStatus(w, r, scanID)
}

// getJobStatus resolves a job ID to its scan and reports the same status
// payload as the scan status endpoint.
func (s *Server) getJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.queue.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, scan.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error("get job failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	s.writeStatus(w, r, job.ScanID)
}

// writeStatus prefers the live in-process tracker and falls back to the
// persisted scan row when the scan runs (or ran) in another process.
func (s *Server) writeStatus(w http.ResponseWriter, r *http.Request, scanID string) {
	sc, err := s.store.GetScan(r.Context(), scanID)
	if err != nil {
		if errors.Is(err, scan.ErrNotFound) {
			writeError(w, http.StatusNotFound, "scan not found")
			return
		}
		s.logger.Error("get scan failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load scan")
		return
	}

	resp := statusResponse{
		ScanID:         scanID,
		Status:         string(sc.Status),
		ElapsedSeconds: elapsedSeconds(sc, s.clock.Now()),
		Error:          sc.ErrorMessage,
	}
	if sc.Status == scan.ScanStatusCompleted {
		resp.ProgressPercent = 100
	}
	if tracker := s.registry.Lookup(scanID); tracker != nil {
		state := tracker.Snapshot()
		resp.Status = string(state.Status)
		resp.ProgressPercent = state.Percent
		resp.Message = state.CurrentStep
	}
	writeJSON(w, http.StatusOK, resp)
}

func elapsedSeconds(sc scan.Scan, now time.Time) int {
	if sc.StartedAt == nil {
		return 0
	}
	end := now
	if sc.CompletedAt != nil {
		end = *sc.CompletedAt
	}
	return int(end.Sub(*sc.StartedAt).Seconds())
}

type resultResponse struct {
	ScanID             string           `json:"scan_id"`
	URL                string           `json:"url"`
	WCAGScore          int              `json:"wcag_score"`
	RiskScore          int              `json:"risk_score"`
	LawsuitProbability int              `json:"lawsuit_probability"`
	PagesScanned       int              `json:"pages_scanned"`
	ReportURI          string           `json:"report_uri,omitempty"`
	Violations         []scan.Violation `json:"violations"`
	Summary            scan.Summary     `json:"summary"`
}

func (s *Server) getScanResult(w http.ResponseWriter, r *http.Request) {
	scanID := chi.URLParam(r, "scan_id")
	sc, err := s.store.GetScan(r.Context(), scanID)
	if err != nil {
		if errors.Is(err, scan.ErrNotFound) {
			writeError(w, http.StatusNotFound, "scan not found")
			return
		}
		s.logger.Error("get scan failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load scan")
		return
	}
	if sc.Status != scan.ScanStatusCompleted {
		writeError(w, http.StatusConflict, fmt.Sprintf("scan is %s, result available once completed", sc.Status))
		return
	}
	violations, err := s.store.ListViolations(r.Context(), scanID)
	if err != nil {
		s.logger.Error("list violations failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load violations")
		return
	}
	if violations == nil {
		violations = []scan.Violation{}
	}
	writeJSON(w, http.StatusOK, resultResponse{
		ScanID:             scanID,
		URL:                sc.URL,
		WCAGScore:          sc.WCAGScore,
		RiskScore:          sc.RiskScore,
		LawsuitProbability: sc.LawsuitProbability,
		PagesScanned:       sc.PagesScanned,
		ReportURI:          sc.ReportURI,
		Violations:         violations,
		Summary:            summarize(sc, violations),
	})
}

// summarize rebuilds the summary from stable persisted data so the result
// endpoint never disagrees with the violation rows.
func summarize(sc scan.Scan, violations []scan.Violation) scan.Summary {
	summary := scan.Summary{
		BySeverity:      sc.ViolationCounts,
		ByCriterion:     make(map[string]int),
		TotalViolations: len(violations),
	}
	for _, v := range violations {
		summary.ByCriterion[v.WCAGCriterion]++
		summary.FixEffortMins += v.FixEffortMins
		if v.QuickWin {
			summary.QuickWins++
		}
	}
	return summary
}

func (s *Server) deleteScan(w http.ResponseWriter, r *http.Request) {
	scanID := chi.URLParam(r, "scan_id")
	sc, err := s.store.GetScan(r.Context(), scanID)
	if err != nil {
		if errors.Is(err, scan.ErrNotFound) {
			writeError(w, http.StatusNotFound, "scan not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load scan")
		return
	}
	if !sc.Status.IsTerminal() {
		writeError(w, http.StatusConflict, "scan is still running")
		return
	}
	if err := s.store.DeleteScan(r.Context(), scanID); err != nil {
		s.logger.Error("delete scan failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to delete scan")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"scan_id": scanID, "status": "deleted"})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			duration := time.Since(start)
			metrics.ObserveHTTPRequest(r.Method, routePattern(r), ww.status, duration)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", duration.Milliseconds()),
			)
		})
	}
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type requestIDKey struct{}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
