package crawl

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/a11yops/scan-engine/internal/scan"
)

// ErrStopCrawl can be returned from a VisitFunc to end the crawl early
// without Discover reporting an error.
var ErrStopCrawl = errors.New("stop crawl")

// PageFetcher yields the outbound links of one page.
type PageFetcher interface {
	FetchLinks(ctx context.Context, pageURL string) ([]string, error)
}

// FrontierSeeder supplies extra frontier URLs for a start URL (sitemaps).
type FrontierSeeder interface {
	Load(ctx context.Context, startURL string) []string
}

// VisitFunc receives each discovered URL in crawl order. Returning an error
// stops the crawl and propagates the error to the Discover caller.
type VisitFunc func(url string, depth int) error

// Orchestrator performs a breadth-first, same-host, budget-bounded crawl.
// A fresh Discover call re-crawls from scratch; crawl state is local to the
// call and discarded afterwards.
type Orchestrator struct {
	fetcher PageFetcher
	seeder  FrontierSeeder
	safety  *scan.SafetyFilter
	logger  *zap.Logger
}

// NewOrchestrator wires a crawl orchestrator. The seeder may be nil.
func NewOrchestrator(fetcher PageFetcher, seeder FrontierSeeder, safety *scan.SafetyFilter, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		fetcher: fetcher,
		seeder:  seeder,
		safety:  safety,
		logger:  logger,
	}
}

type frontierEntry struct {
	url   string
	depth int
}

// Discover walks the site breadth-first from startURL and invokes visit for
// each page, never yielding more than budget.MaxPages URLs nor going deeper
// than budget.MaxDepth. Cross-host links are discarded; URLs the safety
// filter rejects are skipped; per-page fetch failures are logged and the
// crawl continues.
func (o *Orchestrator) Discover(ctx context.Context, startURL string, budget scan.Budget, visit VisitFunc) error {
	start, err := scan.NormalizeURL(startURL)
	if err != nil {
		return &scan.ValidationError{Field: "url", Reason: err.Error()}
	}

	visited := make(map[string]bool)
	frontier := []frontierEntry{{url: start, depth: 0}}

	if o.seeder != nil {
		for _, raw := range o.seeder.Load(ctx, startURL) {
			normalized, normErr := scan.NormalizeURL(raw)
			if normErr != nil || !scan.SameHost(start, normalized) {
				continue
			}
			frontier = append(frontier, frontierEntry{url: normalized, depth: 0})
		}
	}

	var deadline time.Time
	if budget.MaxTime > 0 {
		deadline = time.Now().Add(budget.MaxTime)
	}

	yielded := 0
	for len(frontier) > 0 {
		if err := ctx.Err(); err != nil {
			// The caller bounds the crawl with a context deadline derived
			// from the tier's time budget; expiry ends the crawl cleanly so
			// pages already yielded keep their results. Cancellation still
			// aborts.
			if errors.Is(err, context.DeadlineExceeded) {
				o.logger.Info("crawl time budget exhausted",
					zap.String("start_url", start),
					zap.Int("pages_yielded", yielded),
				)
				return nil
			}
			return err
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			o.logger.Info("crawl time budget exhausted",
				zap.String("start_url", start),
				zap.Int("pages_yielded", yielded),
			)
			return nil
		}

		entry := frontier[0]
		frontier = frontier[1:]

		if visited[entry.url] {
			continue
		}
		if o.safety != nil {
			if safeErr := o.safety.Allowed(ctx, entry.url); safeErr != nil {
				o.logger.Debug("frontier url skipped", zap.String("url", entry.url), zap.Error(safeErr))
				continue
			}
		}
		visited[entry.url] = true

		if err := visit(entry.url, entry.depth); err != nil {
			if errors.Is(err, ErrStopCrawl) {
				return nil
			}
			return err
		}
		yielded++
		if budget.MaxPages > 0 && yielded >= budget.MaxPages {
			return nil
		}
		if entry.depth >= budget.MaxDepth {
			continue
		}

		links, fetchErr := o.fetcher.FetchLinks(ctx, entry.url)
		if fetchErr != nil {
			// Per-page discovery failures degrade the crawl, never abort it.
			o.logger.Warn("link discovery failed",
				zap.String("url", entry.url),
				zap.Error(fetchErr),
			)
			continue
		}
		for _, link := range links {
			normalized, normErr := scan.NormalizeURL(link)
			if normErr != nil {
				continue
			}
			if !scan.SameHost(start, normalized) || visited[normalized] {
				continue
			}
			frontier = append(frontier, frontierEntry{url: normalized, depth: entry.depth + 1})
		}
	}
	return nil
}
