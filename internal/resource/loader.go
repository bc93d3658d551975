// Package resource loads plain resources (feeds, JSON, images) without a
// browser, using a Colly collector.
package resource

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/browser-fetch-engine/internal/crawler"
)

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	MaxBodySize   int
	Headers       http.Header
	Proxy         string
}

// StatusError is returned for responses worth retrying: 429 and 5xx.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s responded %d", e.URL, e.StatusCode)
}

// Loader implements crawler.ResourceLoader.
type Loader struct {
	cfg           Config
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Loader.
func New(cfg Config) (*Loader, error) {
	transport := newHTTPTransport()
	if cfg.Proxy != "" {
		proxyURL, err := url.Parse(cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("parse resource proxy: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.WithTransport(transport)
	c.ParseHTTPErrorResponse = true
	if cfg.MaxBodySize > 0 {
		c.MaxBodySize = cfg.MaxBodySize
	}
	return &Loader{cfg: cfg, baseCollector: c}, nil
}

// Load fetches rawURL with a single GET.
func (l *Loader) Load(ctx context.Context, rawURL string) (crawler.ResourceResponse, error) {
	var (
		result  crawler.ResourceResponse
		loadErr error
	)
	collector := l.buildCollector()
	l.configureCollectorHooks(collector, &result, &loadErr)

	if err := l.runCollector(ctx, collector, rawURL, &loadErr); err != nil {
		return crawler.ResourceResponse{}, err
	}
	if result.StatusCode == http.StatusTooManyRequests || result.StatusCode >= http.StatusInternalServerError {
		return result, &StatusError{URL: rawURL, StatusCode: result.StatusCode}
	}
	return result, nil
}

func (l *Loader) buildCollector() *colly.Collector {
	collector := l.baseCollector.Clone()
	if l.cfg.UserAgent != "" {
		collector.UserAgent = l.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = !l.cfg.RespectRobots
	collector.ParseHTTPErrorResponse = true
	timeout := l.cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	collector.SetRequestTimeout(timeout)
	return collector
}

func (l *Loader) configureCollectorHooks(hooks collectorHooks, result *crawler.ResourceResponse, loadErr *error) {
	hooks.OnRequest(func(r *colly.Request) {
		for key, values := range l.cfg.Headers {
			for _, v := range values {
				r.Headers.Add(key, v)
			}
		}
	})

	hooks.OnResponse(func(r *colly.Response) {
		var headers http.Header
		if r.Headers != nil {
			headers = r.Headers.Clone()
		}
		*result = crawler.ResourceResponse{
			URL:         r.Request.URL.String(),
			StatusCode:  r.StatusCode,
			Headers:     headers,
			ContentType: headers.Get("Content-Type"),
			Body:        append([]byte(nil), r.Body...),
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*loadErr = err
	})
}

func (l *Loader) runCollector(ctx context.Context, collector *colly.Collector, rawURL string, loadErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(rawURL)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("resource load canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("resource visit failed: %w", err)
		}
		if *loadErr != nil {
			return fmt.Errorf("resource response failed: %w", *loadErr)
		}
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
