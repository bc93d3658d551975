package chrome

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/browser-fetch-engine/internal/crawler"
)

const (
	defaultScriptTimeout   = 60 * time.Second
	defaultPageLoadTimeout = 3 * time.Minute
	stopTimeout            = 5 * time.Second
)

// Session drives one Chrome tab.
type Session struct {
	id     int64
	tabCtx context.Context
	cancel func()
	meta   *responseMeta

	active    atomic.Bool
	pageViews atomic.Int32

	mu              sync.Mutex
	scriptTimeout   time.Duration
	pageLoadTimeout time.Duration
	interrupt       context.CancelFunc
	interrupted     bool
}

func newSession(id int64, tabCtx context.Context, cancel func()) *Session {
	s := &Session{
		id:              id,
		tabCtx:          tabCtx,
		cancel:          cancel,
		meta:            newResponseMeta(),
		scriptTimeout:   defaultScriptTimeout,
		pageLoadTimeout: defaultPageLoadTimeout,
	}
	s.active.Store(true)
	return s
}

// ID returns the pool-assigned session id.
func (s *Session) ID() int64 { return s.id }

// BrowserType reports chrome.
func (s *Session) BrowserType() crawler.BrowserType { return crawler.BrowserChrome }

// SupportsScripting is always true for Chrome.
func (s *Session) SupportsScripting() bool { return true }

// PageViews counts completed navigations.
func (s *Session) PageViews() int { return int(s.pageViews.Load()) }

// IsActive reports whether the tab is still usable.
func (s *Session) IsActive() bool {
	return s.active.Load() && s.tabCtx.Err() == nil
}

// Retire marks the session unusable. The pool closes it.
func (s *Session) Retire() { s.active.Store(false) }

// SetTimeouts applies the protocol timeouts to subsequent calls.
func (s *Session) SetTimeouts(settings crawler.EmulateSettings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if settings.ScriptTimeout > 0 {
		s.scriptTimeout = settings.ScriptTimeout
	}
	if settings.PageLoadTimeout > 0 {
		s.pageLoadTimeout = settings.PageLoadTimeout
	}
}

// NavigateTo loads entry.Location and waits for the load event.
func (s *Session) NavigateTo(ctx context.Context, entry crawler.NavigateEntry) error {
	s.meta.reset()
	if err := s.run(ctx, "navigate", s.timeouts().pageLoad, chromedp.Navigate(entry.Location)); err != nil {
		return err
	}
	s.pageViews.Add(1)
	return nil
}

// Evaluate runs expr and awaits a returned promise. null and undefined both
// come back as nil.
func (s *Session) Evaluate(ctx context.Context, expr string) (any, error) {
	var res any
	err := s.run(ctx, "evaluate", s.timeouts().script, chromedp.Evaluate(expr, &res, awaitPromise))
	if errors.Is(err, chromedp.ErrJSUndefined) || errors.Is(err, chromedp.ErrJSNull) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

// PageSource returns the serialized DOM.
func (s *Session) PageSource(ctx context.Context) (string, error) {
	var html string
	err := s.run(ctx, "page source", s.timeouts().script,
		chromedp.Evaluate(`document.documentElement ? document.documentElement.outerHTML : ""`, &html))
	if err != nil {
		return "", err
	}
	return html, nil
}

// Stop halts any loading still in progress.
func (s *Session) Stop(ctx context.Context) error {
	return s.run(ctx, "stop", stopTimeout, page.StopLoading())
}

// LastResponse returns the main document response of the last navigation.
func (s *Session) LastResponse() crawler.ResourceResponse {
	status, headers, url := s.meta.snapshot()
	return crawler.ResourceResponse{
		URL:         url,
		StatusCode:  status,
		Headers:     headers,
		ContentType: headers.Get("Content-Type"),
	}
}

// Interrupt aborts the call in flight, if any. The aborted call reports
// crawler.ErrCanceled.
func (s *Session) Interrupt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.interrupt != nil {
		s.interrupted = true
		s.interrupt()
	}
}

// Close shuts the tab and the browser process.
func (s *Session) Close() error {
	s.active.Store(false)
	s.cancel()
	return nil
}

type timeouts struct {
	script   time.Duration
	pageLoad time.Duration
}

func (s *Session) timeouts() timeouts {
	s.mu.Lock()
	defer s.mu.Unlock()
	return timeouts{script: s.scriptTimeout, pageLoad: s.pageLoadTimeout}
}

func (s *Session) run(ctx context.Context, op string, timeout time.Duration, actions ...chromedp.Action) error {
	if !s.IsActive() {
		return &crawler.SessionError{SessionID: s.id, Op: op, Err: crawler.ErrSessionClosed}
	}

	runCtx, cancel := context.WithTimeout(s.tabCtx, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	s.mu.Lock()
	s.interrupt = cancel
	s.interrupted = false
	s.mu.Unlock()

	err := chromedp.Run(runCtx, actions...)

	s.mu.Lock()
	interrupted := s.interrupted
	s.interrupt = nil
	s.interrupted = false
	s.mu.Unlock()

	if err == nil {
		return nil
	}
	return &crawler.SessionError{SessionID: s.id, Op: op, Err: s.mapError(ctx, runCtx, interrupted, err)}
}

// mapError translates driver errors into the crawler error taxonomy.
func (s *Session) mapError(ctx, runCtx context.Context, interrupted bool, err error) error {
	switch {
	case interrupted:
		return fmt.Errorf("%w: %w", crawler.ErrCanceled, err)
	case ctx.Err() != nil:
		return fmt.Errorf("%w: %w", ctx.Err(), err)
	case s.tabCtx.Err() != nil:
		return fmt.Errorf("%w: %w", crawler.ErrSessionClosed, err)
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", context.DeadlineExceeded, err)
	}
	return classifyDriverError(err)
}

func classifyDriverError(err error) error {
	var (
		cdpErr *cdproto.Error
		netErr net.Error
	)
	switch {
	case errors.Is(err, chromedp.ErrInvalidContext),
		errors.Is(err, chromedp.ErrInvalidTarget),
		errors.Is(err, chromedp.ErrChannelClosed):
		return fmt.Errorf("%w: %w", crawler.ErrSessionClosed, err)
	case strings.Contains(err.Error(), "net::ERR_"):
		return fmt.Errorf("%w: %w", crawler.ErrFatalPage, err)
	case errors.As(err, &cdpErr):
		return fmt.Errorf("%w: %w", crawler.ErrTransport, err)
	case errors.As(err, &netErr):
		return fmt.Errorf("%w: %w", crawler.ErrSessionState, err)
	default:
		return err
	}
}

func awaitPromise(p *runtime.EvaluateParams) *runtime.EvaluateParams {
	return p.WithAwaitPromise(true)
}

type responseMeta struct {
	mu      sync.RWMutex
	status  int
	headers http.Header
	url     string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{headers: http.Header{}}
}

func (m *responseMeta) reset() {
	m.mu.Lock()
	m.status = 0
	m.headers = http.Header{}
	m.url = ""
	m.mu.Unlock()
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	headers := http.Header{}
	for key, value := range event.Response.Headers {
		switch v := value.(type) {
		case string:
			headers.Add(key, v)
		case []string:
			for _, entry := range v {
				headers.Add(key, entry)
			}
		case []any:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	m.mu.Lock()
	m.status = int(event.Response.Status)
	m.headers = headers
	m.url = event.Response.URL
	m.mu.Unlock()
}

func (m *responseMeta) snapshot() (int, http.Header, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status, m.headers.Clone(), m.url
}
