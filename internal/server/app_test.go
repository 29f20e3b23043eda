package server

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/url-crawler/internal/config"
)

func testConfig(driver string) config.Config {
	return config.Config{
		Server:  config.ServerConfig{Port: 8080, RequestTimeoutSeconds: 5},
		Crawler: config.CrawlerConfig{Concurrency: 4, MaxDepthDefault: 2, MaxPagesPerBatch: 20},
		HTTP: config.HTTPConfig{
			TimeoutMs:    2000,
			MaxRedirects: 4,
			UserAgent:    "url-crawler-test",
			MaxBodyBytes: 1 << 20,
		},
		Storage:  config.StorageConfig{Driver: driver},
		Progress: config.ProgressConfig{BufferSize: 16, PubSubTopic: "crawl-batches"},
	}
}

func newSite(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><body><a href="/a">a</a><a href="/b">b</a></body></html>`)
	})
	mux.HandleFunc("/a", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><body><a href="/">home</a></body></html>`)
	})
	mux.HandleFunc("/b", func(w http.ResponseWriter, _ *http.Request) {
		http.NotFound(w, nil)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestBuildAndCrawl(t *testing.T) {
	ctx := context.Background()
	site := newSite(t)

	app, err := Build(ctx, testConfig(config.DriverMemory),
		WithLogger(zap.NewNop()), WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })

	depth := 1
	res, err := app.Crawl(ctx, []string{site.URL + "/"}, &depth)
	require.NoError(t, err)
	require.Equal(t, "completed", res.Status)
	require.NotNil(t, res.CompletedAt)
	require.Len(t, res.Pages, 3)

	codes := map[string]int{}
	for _, p := range res.Pages {
		require.NotNil(t, p.StatusCode, p.URL)
		codes[p.URL] = *p.StatusCode
		require.Nil(t, p.Content)
	}
	require.Equal(t, http.StatusOK, codes[site.URL+"/"])
	require.Equal(t, http.StatusOK, codes[site.URL+"/a"])
	require.Equal(t, http.StatusNotFound, codes[site.URL+"/b"])
}

func TestCrawlReturnsEveryPage(t *testing.T) {
	ctx := context.Background()
	const children = 700
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		var b strings.Builder
		b.WriteString("<html><body>")
		for i := range children {
			fmt.Fprintf(&b, `<a href="/p/%d">%d</a>`, i, i)
		}
		b.WriteString("</body></html>")
		fmt.Fprint(w, b.String())
	})
	mux.HandleFunc("/p/", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, "leaf")
	})
	site := httptest.NewServer(mux)
	t.Cleanup(site.Close)

	cfg := testConfig(config.DriverMemory)
	cfg.Crawler.Concurrency = 32
	cfg.Crawler.MaxPagesPerBatch = 1000
	app, err := Build(ctx, cfg, WithLogger(zap.NewNop()), WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })

	depth := 1
	res, err := app.Crawl(ctx, []string{site.URL + "/"}, &depth)
	require.NoError(t, err)
	require.Equal(t, "completed", res.Status)
	require.Len(t, res.Pages, children+1)

	seen := make(map[string]struct{}, len(res.Pages))
	for _, p := range res.Pages {
		seen[p.URL] = struct{}{}
	}
	require.Len(t, seen, children+1)
	require.Equal(t, site.URL+"/", res.Pages[0].URL)
}

func TestBuildWithSQLite(t *testing.T) {
	ctx := context.Background()
	site := newSite(t)

	cfg := testConfig(config.DriverSQLite)
	cfg.Storage.SQLitePath = filepath.Join(t.TempDir(), "crawl.db")
	app, err := Build(ctx, cfg, WithLogger(zap.NewNop()), WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })

	res, err := app.Crawl(ctx, []string{site.URL + "/a"}, nil)
	require.NoError(t, err)
	require.Equal(t, "completed", res.Status)
	require.Len(t, res.Pages, 3)

	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/fetch/"+res.BatchID, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"completed"`)
}

func TestBuildFailsOnBadStore(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))
	cfg := testConfig(config.DriverSQLite)
	cfg.Storage.SQLitePath = filepath.Join(blocker, "crawl.db")
	_, err := Build(context.Background(), cfg, WithLogger(zap.NewNop()), WithRegisterer(prometheus.NewRegistry()))
	require.Error(t, err)
}

func TestCloseIsSafeOnPartialApp(t *testing.T) {
	app := &App{logger: zap.NewNop()}
	require.NoError(t, app.Close(context.Background()))
}
