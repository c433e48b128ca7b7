package crawl

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSitemapLoaderReadsRobotsDeclaredSitemaps(t *testing.T) {
	t.Parallel()

	var srv *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "User-agent: *\nAllow: /\nSitemap: %s/sitemap.xml\n", srv.URL)
	})
	mux.HandleFunc("/sitemap.xml", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
	<url><loc>%[1]s/</loc></url>
	<url><loc>%[1]s/pricing</loc></url>
	<url><loc>%[1]s/about</loc></url>
</urlset>`, srv.URL)
	})
	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	loader := NewSitemapLoader("testbot/1.0", 5*time.Second, nil)
	urls := loader.Load(context.Background(), srv.URL+"/")

	require.Equal(t, []string{srv.URL + "/", srv.URL + "/pricing", srv.URL + "/about"}, urls)
}

func TestSitemapLoaderNoRobots(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)

	loader := NewSitemapLoader("testbot/1.0", 5*time.Second, nil)
	require.Empty(t, loader.Load(context.Background(), srv.URL+"/"))
}

func TestSitemapLoaderSkipsUnreachableSitemap(t *testing.T) {
	t.Parallel()

	var srv *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, "Sitemap: %s/missing.xml\nSitemap: %s/sitemap.xml\n", srv.URL, srv.URL)
	})
	mux.HandleFunc("/sitemap.xml", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, `<urlset><url><loc>%s/only</loc></url></urlset>`, srv.URL)
	})
	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	loader := NewSitemapLoader("testbot/1.0", 5*time.Second, nil)
	urls := loader.Load(context.Background(), srv.URL+"/")
	require.Equal(t, []string{srv.URL + "/only"}, urls)
}

func TestSitemapLoaderBadStartURL(t *testing.T) {
	t.Parallel()

	loader := NewSitemapLoader("testbot/1.0", time.Second, nil)
	require.Empty(t, loader.Load(context.Background(), "::not-a-url::"))
	require.Empty(t, loader.Load(context.Background(), "/relative/only"))
}
