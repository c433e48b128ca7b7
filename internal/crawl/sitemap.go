package crawl

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/temoto/robotstxt"
	"go.uber.org/zap"
)

const (
	maxSitemapBytes   = 2 * 1024 * 1024
	maxSitemapEntries = 500
	maxSitemapFiles   = 3
)

// SitemapLoader seeds the crawl frontier from robots.txt sitemap entries.
// Everything here is best-effort: a site without robots.txt or sitemaps is
// not an error.
type SitemapLoader struct {
	client    *http.Client
	userAgent string
	logger    *zap.Logger
}

// NewSitemapLoader builds a loader with its own short-timeout client.
func NewSitemapLoader(userAgent string, timeout time.Duration, logger *zap.Logger) *SitemapLoader {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SitemapLoader{
		client:    &http.Client{Timeout: timeout},
		userAgent: userAgent,
		logger:    logger,
	}
}

// Load fetches robots.txt for the start URL's host and returns the URLs
// listed in any declared sitemap. Failures return an empty slice.
func (l *SitemapLoader) Load(ctx context.Context, startURL string) []string {
	parsed, err := url.Parse(startURL)
	if err != nil || parsed.Host == "" {
		return nil
	}
	robotsURL := fmt.Sprintf("%s://%s/robots.txt", parsed.Scheme, parsed.Host)
	body, err := l.get(ctx, robotsURL)
	if err != nil {
		l.logger.Debug("robots.txt unavailable", zap.String("url", robotsURL), zap.Error(err))
		return nil
	}
	data, err := robotstxt.FromBytes(body)
	if err != nil {
		l.logger.Debug("robots.txt unparseable", zap.String("url", robotsURL), zap.Error(err))
		return nil
	}

	var urls []string
	for i, sitemapURL := range data.Sitemaps {
		if i >= maxSitemapFiles || len(urls) >= maxSitemapEntries {
			break
		}
		entries, err := l.loadSitemap(ctx, sitemapURL)
		if err != nil {
			l.logger.Debug("sitemap fetch failed", zap.String("url", sitemapURL), zap.Error(err))
			continue
		}
		urls = append(urls, entries...)
	}
	if len(urls) > maxSitemapEntries {
		urls = urls[:maxSitemapEntries]
	}
	return urls
}

func (l *SitemapLoader) loadSitemap(ctx context.Context, sitemapURL string) ([]string, error) {
	body, err := l.get(ctx, sitemapURL)
	if err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("parse sitemap: %w", err)
	}
	var urls []string
	doc.Find("url loc, sitemap loc, loc").Each(func(_ int, sel *goquery.Selection) {
		loc := strings.TrimSpace(sel.Text())
		if loc != "" {
			urls = append(urls, loc)
		}
	})
	return urls, nil
}

func (l *SitemapLoader) get(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	if l.userAgent != "" {
		req.Header.Set("User-Agent", l.userAgent)
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", rawURL, err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get %s: status %d", rawURL, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSitemapBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", rawURL, err)
	}
	return body, nil
}
