// Package collyfetcher implements crawler.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/url-crawler/internal/crawler"
)

// DefaultUserAgent identifies the crawler to remote servers.
const DefaultUserAgent = "Mozilla/5.0 (compatible; url-crawler/1.0)"

// Config controls collector behavior.
type Config struct {
	UserAgent    string
	Timeout      time.Duration
	MaxRedirects int
	MaxBodyBytes int
}

// DefaultConfig mirrors the service defaults.
func DefaultConfig() Config {
	return Config{
		UserAgent:    DefaultUserAgent,
		Timeout:      10 * time.Second,
		MaxRedirects: 4,
		MaxBodyBytes: 10 << 20,
	}
}

// Fetcher implements crawler.Fetcher using a fresh Colly collector per call
// over a shared, pooled transport.
type Fetcher struct {
	cfg       Config
	transport http.RoundTripper
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// capture holds what the collector callbacks observed for one visit.
type capture struct {
	result     crawler.FetchResult
	err        error
	redirected string
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	def := DefaultConfig()
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxRedirects < 0 {
		cfg.MaxRedirects = 0
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = def.MaxBodyBytes
	}
	return &Fetcher{cfg: cfg, transport: newHTTPTransport()}
}

// Fetch executes a single HTTP GET. Every HTTP status is a result; only
// transport-level failures return an error, wrapped with crawler.ErrTransport.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (crawler.FetchResult, error) {
	start := time.Now()
	capt := &capture{}
	collector := f.buildCollector(ctx, capt)
	f.configureCollectorHooks(collector, start, capt)

	if err := f.runCollector(ctx, collector, rawURL, capt); err != nil {
		return crawler.FetchResult{}, fmt.Errorf("%w: %w", crawler.ErrTransport, err)
	}
	if capt.result.FinalURL == "" {
		capt.result.FinalURL = rawURL
	}
	return capt.result, nil
}

func (f *Fetcher) buildCollector(ctx context.Context, capt *capture) *colly.Collector {
	collector := colly.NewCollector(
		colly.Async(false),
		colly.UserAgent(f.cfg.UserAgent),
		colly.MaxBodySize(f.cfg.MaxBodyBytes),
		colly.AllowURLRevisit(),
		colly.IgnoreRobotsTxt(),
		colly.ParseHTTPErrorResponse(),
		colly.StdlibContext(ctx),
	)
	collector.WithTransport(f.transport)
	collector.SetRequestTimeout(f.cfg.Timeout)

	maxRedirects := f.cfg.MaxRedirects
	collector.SetRedirectHandler(func(req *http.Request, via []*http.Request) error {
		if len(via) > maxRedirects {
			return fmt.Errorf("stopped after %d redirects", maxRedirects)
		}
		capt.redirected = req.URL.String()
		return nil
	})
	return collector
}

func (f *Fetcher) configureCollectorHooks(hooks collectorHooks, start time.Time, capt *capture) {
	hooks.OnResponse(func(r *colly.Response) {
		var headers http.Header
		if r.Headers != nil {
			headers = r.Headers.Clone()
		}
		finalURL := capt.redirected
		if finalURL == "" && r.Request != nil && r.Request.URL != nil {
			finalURL = r.Request.URL.String()
		}
		body := ""
		if isHTML(headers) {
			body = string(r.Body)
		}
		capt.result = crawler.FetchResult{
			StatusCode: r.StatusCode,
			Headers:    headers,
			Body:       body,
			Duration:   time.Since(start),
			FinalURL:   finalURL,
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		capt.err = err
	})
}

// runCollector visits url on a separate goroutine so that ctx cancellation
// returns promptly; capt is only read after the visit has finished.
func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, capt *capture) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if capt.err != nil {
			return fmt.Errorf("colly response failed: %w", capt.err)
		}
		return nil
	}
}

func isHTML(headers http.Header) bool {
	if headers == nil {
		return false
	}
	return strings.Contains(strings.ToLower(headers.Get("Content-Type")), "text/html")
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          200,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
	}
}
