// Package render drives the external headless browser and returns DOM
// snapshots annotated with the computed styles the audit rules need.
package render

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/a11yops/scan-engine/internal/scan"
)

// Config controls the behavior of the chromedp renderer.
type Config struct {
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	DomainQPS         float64
}

// annotateScript copies the computed styles relevant to auditing onto each
// element as data attributes, so they survive DOM serialization.
const annotateScript = `(function () {
	var els = document.querySelectorAll('*');
	for (var i = 0; i < els.length; i++) {
		var el = els[i];
		var cs = window.getComputedStyle(el);
		el.setAttribute('data-cs-color', cs.color);
		el.setAttribute('data-cs-bg', cs.backgroundColor);
		el.setAttribute('data-cs-font-size', cs.fontSize);
		el.setAttribute('data-cs-font-weight', cs.fontWeight);
		el.setAttribute('data-cs-display', cs.display);
		el.setAttribute('data-cs-visibility', cs.visibility);
		el.setAttribute('data-cs-w', String(el.offsetWidth));
		el.setAttribute('data-cs-h', String(el.offsetHeight));
	}
	return els.length;
})()`

// Renderer implements scan.Renderer using chromedp and headless Chrome.
// Every document request the browser makes, including each redirect hop, is
// paused and vetted against the safety filter before it leaves the browser.
type Renderer struct {
	cfg            Config
	safety         *scan.SafetyFilter
	logger         *zap.Logger
	limiter        chan struct{}
	allocator      context.Context
	allocCancel    context.CancelFunc
	domainLimiters sync.Map
}

// New creates a renderer backed by a shared Chrome exec allocator.
func New(cfg Config, safety *scan.SafetyFilter, logger *zap.Logger) (*Renderer, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Renderer{
		cfg:         cfg,
		safety:      safety,
		logger:      logger,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close cancels the allocator context, tearing down the browser.
func (r *Renderer) Close(_ context.Context) error {
	r.allocCancel()
	return nil
}

// Render navigates to the URL, waits for the body, annotates computed styles,
// and returns the serialized DOM.
func (r *Renderer) Render(ctx context.Context, rawURL string) (scan.Page, error) {
	if err := r.acquire(ctx); err != nil {
		return scan.Page{}, err
	}
	defer r.release()

	if err := r.waitDomainBudget(ctx, rawURL); err != nil {
		return scan.Page{}, fmt.Errorf("render rate limit: %w", err)
	}

	taskCtx, taskCancel := chromedp.NewContext(r.allocator)
	defer taskCancel()

	taskCtx, cancel := context.WithTimeout(taskCtx, r.cfg.NavigationTimeout)
	defer cancel()

	stopForward := forwardCancel(ctx, cancel)
	defer stopForward()

	meta := newResponseMeta()
	chromedp.ListenTarget(taskCtx, meta.captureEvent)

	guard := newHopGuard(r.safety, r.logger)
	guard.listen(taskCtx)

	start := time.Now()
	html, finalURL, err := r.run(taskCtx, rawURL, guard)
	if err != nil {
		// A blocked hop aborts the navigation inside Chrome; surface the
		// rejection rather than the resulting net error.
		if rej := guard.rejection(); rej != nil {
			return scan.Page{}, rej
		}
		return scan.Page{}, &scan.TransientFetchError{URL: rawURL, Err: err}
	}
	if rej := guard.rejection(); rej != nil {
		return scan.Page{}, rej
	}

	status, responseURL := meta.snapshotWithFallbacks(rawURL, finalURL)

	// Belt over the interception: the final document URL is re-vetted in
	// case the page navigated itself after load.
	if r.safety != nil && responseURL != rawURL {
		if safeErr := r.safety.Allowed(ctx, responseURL); safeErr != nil {
			r.logger.Warn("redirect target rejected by safety filter",
				zap.String("url", rawURL),
				zap.String("final_url", responseURL),
			)
			return scan.Page{}, safeErr
		}
	}

	return scan.Page{
		URL:        rawURL,
		FinalURL:   responseURL,
		StatusCode: status,
		Body:       []byte(html),
		Duration:   time.Since(start),
	}, nil
}

func (r *Renderer) run(ctx context.Context, rawURL string, guard *hopGuard) (string, string, error) {
	var (
		html     string
		finalURL string
		count    int
	)
	actions := []chromedp.Action{
		r.networkSetupAction(),
		guard.enableAction(),
		chromedp.Navigate(rawURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(500 * time.Millisecond),
		chromedp.Evaluate(annotateScript, &count),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(ctx, actions...); err != nil {
		return "", "", fmt.Errorf("chromedp run: %w", err)
	}
	return html, finalURL, nil
}

func (r *Renderer) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if r.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(r.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

// hopGuard pauses every document request, the initial navigation and each
// redirect hop alike, and fails disallowed ones inside the browser so the
// blocked target never receives the request.
type hopGuard struct {
	safety *scan.SafetyFilter
	logger *zap.Logger

	mu             sync.Mutex
	firstRejection error
}

func newHopGuard(safety *scan.SafetyFilter, logger *zap.Logger) *hopGuard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &hopGuard{safety: safety, logger: logger}
}

// enableAction turns on request interception for document requests.
func (g *hopGuard) enableAction() chromedp.Action {
	if g.safety == nil {
		return chromedp.ActionFunc(func(context.Context) error { return nil })
	}
	return fetch.Enable().WithPatterns([]*fetch.RequestPattern{{
		URLPattern:   "*",
		ResourceType: network.ResourceTypeDocument,
		RequestStage: fetch.RequestStageRequest,
	}})
}

func (g *hopGuard) listen(ctx context.Context) {
	if g.safety == nil {
		return
	}
	chromedp.ListenTarget(ctx, func(ev any) {
		paused, ok := ev.(*fetch.EventRequestPaused)
		if !ok {
			return
		}
		// CDP event handlers must not block; resolve on a fresh goroutine.
		go g.resolve(ctx, paused)
	})
}

func (g *hopGuard) resolve(ctx context.Context, paused *fetch.EventRequestPaused) {
	execCtx := cdp.WithExecutor(ctx, chromedp.FromContext(ctx).Target)
	if err := g.vet(ctx, paused.Request.URL); err != nil {
		g.logger.Warn("document request blocked by safety filter",
			zap.String("url", paused.Request.URL),
		)
		if failErr := fetch.FailRequest(paused.RequestID, network.ErrorReasonBlockedByClient).Do(execCtx); failErr != nil {
			g.logger.Debug("fail paused request", zap.Error(failErr))
		}
		return
	}
	if err := fetch.ContinueRequest(paused.RequestID).Do(execCtx); err != nil {
		g.logger.Debug("continue paused request", zap.Error(err))
	}
}

// vet records the first rejection and reports whether the hop may proceed.
func (g *hopGuard) vet(ctx context.Context, url string) error {
	if g.safety == nil {
		return nil
	}
	err := g.safety.Allowed(ctx, url)
	if err != nil {
		g.mu.Lock()
		if g.firstRejection == nil {
			g.firstRejection = err
		}
		g.mu.Unlock()
	}
	return err
}

// rejection returns the first hop rejection observed, if any.
func (g *hopGuard) rejection() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.firstRejection
}

func (r *Renderer) acquire(ctx context.Context) error {
	if r.limiter == nil {
		return nil
	}
	select {
	case r.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("render slot wait canceled: %w", ctx.Err())
	}
}

func (r *Renderer) release() {
	if r.limiter == nil {
		return
	}
	select {
	case <-r.limiter:
	default:
	}
}

func (r *Renderer) waitDomainBudget(ctx context.Context, rawURL string) error {
	if r.cfg.DomainQPS <= 0 {
		return nil
	}
	host := scan.HostOf(rawURL)
	if host == "" {
		return fmt.Errorf("parse render url %q", rawURL)
	}
	val, _ := r.domainLimiters.LoadOrStore(host, rate.NewLimiter(rate.Limit(r.cfg.DomainQPS), 1))
	limiter, ok := val.(*rate.Limiter)
	if !ok {
		return fmt.Errorf("unexpected limiter type %T", val)
	}
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("wait limiter: %w", err)
	}
	return nil
}

func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}

type responseMeta struct {
	mu     sync.RWMutex
	status int
	url    string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{}
}

func (m *responseMeta) captureEvent(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	m.mu.Lock()
	m.status = int(resp.Response.Status)
	m.url = resp.Response.URL
	m.mu.Unlock()
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, string) {
	m.mu.RLock()
	status, url := m.status, m.url
	m.mu.RUnlock()
	switch {
	case url != "":
	case finalURL != "" && !strings.HasPrefix(finalURL, "about:"):
		url = finalURL
	default:
		url = requestURL
	}
	if status == 0 {
		status = 200
	}
	return status, url
}
