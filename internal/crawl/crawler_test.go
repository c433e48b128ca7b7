package crawl

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/a11yops/scan-engine/internal/scan"
)

// fakeFetcher serves a static link graph keyed by page URL.
type fakeFetcher struct {
	links map[string][]string
	errs  map[string]error
	calls []string
}

func (f *fakeFetcher) FetchLinks(_ context.Context, pageURL string) ([]string, error) {
	f.calls = append(f.calls, pageURL)
	if err := f.errs[pageURL]; err != nil {
		return nil, err
	}
	return f.links[pageURL], nil
}

type fakeSeeder struct {
	urls []string
}

func (s *fakeSeeder) Load(_ context.Context, _ string) []string {
	return s.urls
}

type visitRecord struct {
	url   string
	depth int
}

func collectVisits(t *testing.T, o *Orchestrator, startURL string, budget scan.Budget) []visitRecord {
	t.Helper()
	var visits []visitRecord
	err := o.Discover(context.Background(), startURL, budget, func(url string, depth int) error {
		visits = append(visits, visitRecord{url: url, depth: depth})
		return nil
	})
	require.NoError(t, err)
	return visits
}

func TestDiscoverBreadthFirstWithinDepth(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{links: map[string][]string{
		"https://example.com/":  {"https://example.com/a", "https://example.com/b"},
		"https://example.com/a": {"https://example.com/a/deep"},
		"https://example.com/b": {"https://example.com/b/deep"},
	}}
	o := NewOrchestrator(fetcher, nil, nil, nil)

	visits := collectVisits(t, o, "https://example.com/", scan.Budget{MaxPages: 10, MaxDepth: 1})

	require.Equal(t, []visitRecord{
		{"https://example.com/", 0},
		{"https://example.com/a", 1},
		{"https://example.com/b", 1},
	}, visits)
	// Depth-1 pages are visited but their links are never fetched.
	require.NotContains(t, fetcher.calls, "https://example.com/a")
}

func TestDiscoverStopsAtPageBudget(t *testing.T) {
	t.Parallel()

	links := make([]string, 0, 10)
	for i := 0; i < 10; i++ {
		links = append(links, "https://example.com/p"+string(rune('a'+i)))
	}
	fetcher := &fakeFetcher{links: map[string][]string{"https://example.com/": links}}
	o := NewOrchestrator(fetcher, nil, nil, nil)

	visits := collectVisits(t, o, "https://example.com/", scan.Budget{MaxPages: 1, MaxDepth: 3})
	require.Len(t, visits, 1)
	require.Equal(t, "https://example.com/", visits[0].url)
}

func TestDiscoverDiscardsCrossHostLinks(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{links: map[string][]string{
		"https://example.com/": {
			"https://example.com/about",
			"https://other.com/",
			"https://www.example.com/", // subdomain is a different host
		},
	}}
	o := NewOrchestrator(fetcher, nil, nil, nil)

	visits := collectVisits(t, o, "https://example.com/", scan.Budget{MaxPages: 10, MaxDepth: 2})
	require.Equal(t, []visitRecord{
		{"https://example.com/", 0},
		{"https://example.com/about", 1},
	}, visits)
}

func TestDiscoverDeduplicatesNormalizedURLs(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{links: map[string][]string{
		"https://example.com/": {
			"https://example.com/page",
			"https://EXAMPLE.com/page#section",
			"https://example.com:443/page",
		},
	}}
	o := NewOrchestrator(fetcher, nil, nil, nil)

	visits := collectVisits(t, o, "https://example.com/", scan.Budget{MaxPages: 10, MaxDepth: 2})
	require.Len(t, visits, 2)
	require.Equal(t, "https://example.com/page", visits[1].url)
}

func TestDiscoverStopSentinelEndsCrawlCleanly(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{links: map[string][]string{
		"https://example.com/": {"https://example.com/a", "https://example.com/b"},
	}}
	o := NewOrchestrator(fetcher, nil, nil, nil)

	visited := 0
	err := o.Discover(context.Background(), "https://example.com/",
		scan.Budget{MaxPages: 10, MaxDepth: 2},
		func(url string, depth int) error {
			visited++
			if visited == 2 {
				return ErrStopCrawl
			}
			return nil
		})
	require.NoError(t, err)
	require.Equal(t, 2, visited)
}

func TestDiscoverPropagatesVisitErrors(t *testing.T) {
	t.Parallel()

	o := NewOrchestrator(&fakeFetcher{}, nil, nil, nil)

	boom := errors.New("boom")
	err := o.Discover(context.Background(), "https://example.com/",
		scan.Budget{MaxPages: 10, MaxDepth: 2},
		func(string, int) error { return boom })
	require.ErrorIs(t, err, boom)
}

func TestDiscoverContinuesPastFetchFailures(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{
		links: map[string][]string{
			"https://example.com/":  {"https://example.com/a", "https://example.com/b"},
			"https://example.com/b": {"https://example.com/c"},
		},
		errs: map[string]error{
			"https://example.com/a": errors.New("connection refused"),
		},
	}
	o := NewOrchestrator(fetcher, nil, nil, nil)

	visits := collectVisits(t, o, "https://example.com/", scan.Budget{MaxPages: 10, MaxDepth: 3})
	require.Len(t, visits, 4)
	require.Equal(t, "https://example.com/c", visits[3].url)
}

func TestDiscoverSeedsSameHostSitemapURLs(t *testing.T) {
	t.Parallel()

	seeder := &fakeSeeder{urls: []string{
		"https://example.com/from-sitemap",
		"https://other.com/ignored",
		"::bad::",
	}}
	o := NewOrchestrator(&fakeFetcher{}, seeder, nil, nil)

	visits := collectVisits(t, o, "https://example.com/", scan.Budget{MaxPages: 10, MaxDepth: 1})
	require.Equal(t, []visitRecord{
		{"https://example.com/", 0},
		{"https://example.com/from-sitemap", 0},
	}, visits)
}

func TestDiscoverHonorsContextCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	o := NewOrchestrator(&fakeFetcher{}, nil, nil, nil)
	err := o.Discover(ctx, "https://example.com/", scan.Budget{MaxPages: 10, MaxDepth: 1},
		func(string, int) error { return nil })
	require.ErrorIs(t, err, context.Canceled)
}

func TestDiscoverDeadlineExpiryEndsCrawlCleanly(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{links: map[string][]string{
		"https://example.com/": {"https://example.com/a"},
	}}
	o := NewOrchestrator(fetcher, nil, nil, nil)

	// The deadline runs out while the first page is being visited, leaving
	// /a still in the frontier.
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(50*time.Millisecond))
	defer cancel()
	var visits int
	err := o.Discover(ctx, "https://example.com/", scan.Budget{MaxPages: 10, MaxDepth: 2},
		func(string, int) error {
			visits++
			time.Sleep(120 * time.Millisecond)
			return nil
		})
	require.NoError(t, err)
	require.Equal(t, 1, visits)
}

func TestDiscoverRejectsInvalidStartURL(t *testing.T) {
	t.Parallel()

	o := NewOrchestrator(&fakeFetcher{}, nil, nil, nil)
	err := o.Discover(context.Background(), "http://exa mple.com/%zz",
		scan.Budget{MaxPages: 1, MaxDepth: 1},
		func(string, int) error { return nil })

	var validationErr *scan.ValidationError
	require.ErrorAs(t, err, &validationErr)
}

func TestDiscoverStopsWhenTimeBudgetExpired(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{links: map[string][]string{
		"https://example.com/": {"https://example.com/a"},
	}}
	o := NewOrchestrator(fetcher, nil, nil, nil)

	visited := 0
	err := o.Discover(context.Background(), "https://example.com/",
		scan.Budget{MaxPages: 10, MaxDepth: 3, MaxTime: time.Nanosecond},
		func(string, int) error {
			visited++
			time.Sleep(time.Millisecond)
			return nil
		})
	require.NoError(t, err)
	require.LessOrEqual(t, visited, 1)
}
