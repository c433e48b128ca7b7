// Package crawl discovers same-host pages from a start URL, within a budget.
package crawl

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/a11yops/scan-engine/internal/scan"
)

// LinkFetcher fetches a single page and extracts its outbound links. It is
// the light probe used for frontier expansion; page auditing goes through the
// headless renderer instead.
type LinkFetcher struct {
	safety    *scan.SafetyFilter
	userAgent string
	timeout   time.Duration
	logger    *zap.Logger
}

// NewLinkFetcher builds a fetcher. The safety filter is consulted on every
// redirect hop, because redirects are a standard filter-bypass vector.
func NewLinkFetcher(safety *scan.SafetyFilter, userAgent string, timeout time.Duration, logger *zap.Logger) *LinkFetcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LinkFetcher{
		safety:    safety,
		userAgent: userAgent,
		timeout:   timeout,
		logger:    logger,
	}
}

// FetchLinks fetches one page and returns the absolute URLs of its anchors.
// Non-2xx responses and transport failures surface as TransientFetchError.
func (f *LinkFetcher) FetchLinks(ctx context.Context, pageURL string) ([]string, error) {
	collector := colly.NewCollector(
		colly.UserAgent(f.userAgent),
		colly.MaxDepth(1),
		colly.IgnoreRobotsTxt(),
	)
	collector.SetRequestTimeout(f.timeout)
	collector.SetRedirectHandler(func(req *http.Request, via []*http.Request) error {
		if f.safety == nil {
			return nil
		}
		if err := f.safety.Allowed(req.Context(), req.URL.String()); err != nil {
			f.logger.Warn("redirect blocked by safety filter",
				zap.String("from", pageURL),
				zap.String("to", req.URL.String()),
			)
			return err
		}
		return nil
	})

	var (
		mu       sync.Mutex
		links    []string
		fetchErr error
	)
	collector.OnHTML("a[href]", func(e *colly.HTMLElement) {
		link := e.Request.AbsoluteURL(e.Attr("href"))
		if link == "" {
			return
		}
		mu.Lock()
		links = append(links, link)
		mu.Unlock()
	})
	collector.OnError(func(r *colly.Response, err error) {
		mu.Lock()
		fetchErr = &scan.TransientFetchError{URL: pageURL, Err: err}
		mu.Unlock()
	})

	if err := ctx.Err(); err != nil {
		return nil, &scan.TransientFetchError{URL: pageURL, Err: err}
	}
	if err := collector.Visit(pageURL); err != nil {
		return nil, &scan.TransientFetchError{URL: pageURL, Err: err}
	}
	collector.Wait()

	if fetchErr != nil {
		return nil, fetchErr
	}
	return links, nil
}
