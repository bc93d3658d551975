// Package emulator drives a browser session through the browse protocol:
// navigate, wait for the DOM, scroll, compute features, interact, stop. Every
// failure is converted into a typed crawler.FetchResult at its boundary.
package emulator

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/browser-fetch-engine/internal/clock/system"
	"github.com/JakeFAU/browser-fetch-engine/internal/crawler"
	"github.com/JakeFAU/browser-fetch-engine/internal/metrics"
)

// Emulator executes fetch tasks against pooled sessions.
type Emulator struct {
	pool       crawler.SessionPool
	state      crawler.ActiveChecker
	settings   crawler.EmulateSettings
	resources  crawler.ResourceLoader
	errorPages ErrorPageHandler
	hooks      *crawler.EventHooks
	clock      crawler.Clock
	logger     *zap.Logger

	randMu sync.Mutex
	rand   crawler.Random
}

// Option customizes an Emulator.
type Option func(*Emulator)

// WithResourceLoader sets the loader used for resource pages.
func WithResourceLoader(loader crawler.ResourceLoader) Option {
	return func(e *Emulator) { e.resources = loader }
}

// WithErrorPageHandler replaces the default browser error page classifier.
func WithErrorPageHandler(h ErrorPageHandler) Option {
	return func(e *Emulator) { e.errorPages = h }
}

// WithHooks sets the hooks used when a task carries none.
func WithHooks(hooks *crawler.EventHooks) Option {
	return func(e *Emulator) { e.hooks = hooks }
}

// WithClock injects the clock used for delays and timestamps.
func WithClock(clock crawler.Clock) Option {
	return func(e *Emulator) { e.clock = clock }
}

// WithRandom injects the jitter source.
func WithRandom(r crawler.Random) Option {
	return func(e *Emulator) { e.rand = r }
}

// New constructs an Emulator.
func New(
	pool crawler.SessionPool,
	state crawler.ActiveChecker,
	settings crawler.EmulateSettings,
	logger *zap.Logger,
	opts ...Option,
) *Emulator {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Emulator{
		pool:     pool,
		state:    state,
		settings: settings,
		logger:   logger.Named("emulator"),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.errorPages == nil {
		e.errorPages = NewErrorPageHandler(e.logger)
	}
	if e.clock == nil {
		e.clock = system.New()
	}
	if e.rand == nil {
		e.rand = rand.New(rand.NewSource(time.Now().UnixNano())) //nolint:gosec // jitter only
	}
	return e
}

// Settings returns the protocol settings.
func (e *Emulator) Settings() crawler.EmulateSettings {
	return e.settings
}

// Run acquires a session, fetches the task, and hands the session back:
// retired after fatal session errors, released otherwise. The returned error
// is non-nil only when the application is shutting down.
func (e *Emulator) Run(ctx context.Context, task *crawler.FetchTask) (crawler.FetchResult, error) {
	if !e.isActive() {
		return crawler.CanceledResult(task), crawler.ErrApplicationClosed
	}
	if e.shouldCancel(task) {
		return crawler.CanceledResult(task), nil
	}

	waitStart := e.clock.Now()
	session, err := e.pool.Acquire(ctx, task)
	metrics.ObserveSessionAcquire(e.clock.Now().Sub(waitStart))
	if err != nil {
		return e.acquireFailed(ctx, task, err)
	}

	var result crawler.FetchResult
	defer func() {
		if rec, ok := e.pool.(crawler.SessionHealthRecorder); ok && !result.SessionRetired {
			rec.RecordOutcome(session, result.Status)
		}
		if result.SessionRetired {
			e.pool.Retire(session)
		} else {
			e.pool.Release(session)
		}
	}()

	result = e.Fetch(ctx, task, session)
	return result, nil
}

func (e *Emulator) acquireFailed(ctx context.Context, task *crawler.FetchTask, err error) (crawler.FetchResult, error) {
	switch {
	case !e.isActive(), errors.Is(err, crawler.ErrPoolClosed):
		return crawler.CanceledResult(task), crawler.ErrApplicationClosed
	case task.IsCanceled(), errors.Is(ctx.Err(), context.Canceled):
		return crawler.CanceledResult(task), nil
	default:
		// An attempt that never got a session still counts toward retry limits.
		task.Page.FetchCount++
		e.logger.Warn("failed to acquire session",
			zap.String("task_id", task.ID),
			zap.String("url", task.URL),
			zap.Error(err),
		)
		return crawler.NewFetchResult(task, crawler.RetryWithCause(crawler.RetryScopeCrawl, err), err), nil
	}
}

// Fetch runs the browse protocol for task on an already acquired session.
func (e *Emulator) Fetch(ctx context.Context, task *crawler.FetchTask, session crawler.Session) crawler.FetchResult {
	if !e.isActive() {
		return crawler.CanceledResult(task)
	}

	task.Page.LastBrowser = session.BrowserType()

	if e.shouldCancel(task) {
		return crawler.CanceledResult(task)
	}

	start := e.clock.Now()
	task.Page.FetchCount++
	result := e.browseWithSession(ctx, task, session)
	metrics.ObserveFetch(task.URL, string(result.Status.Code), string(result.Status.Scope), e.clock.Now().Sub(start))
	return result
}

// Cancel flags the task and interrupts any session work bound to it.
func (e *Emulator) Cancel(task *crawler.FetchTask) {
	metrics.IncCancels()
	task.Cancel()
	if e.pool != nil {
		e.pool.Cancel(task.Key())
	}
}

func (e *Emulator) shouldCancel(task *crawler.FetchTask) bool {
	if task.IsCanceled() {
		return true
	}
	if task.Page != nil && task.Page.Dead {
		e.logger.Info("page is dead, cancel the task", zap.String("url", task.URL))
		return true
	}
	return false
}

func (e *Emulator) browseWithSession(
	ctx context.Context,
	task *crawler.FetchTask,
	session crawler.Session,
) (result crawler.FetchResult) {
	defer func() {
		if r := recover(); r != nil {
			result = e.classify(task, session, &crawler.PanicError{Value: r})
		}
	}()

	var (
		status crawler.ProtocolStatus
		err    error
	)
	if task.Page.IsResource {
		status, err = e.loadResourceWithoutRendering(ctx, task, session)
	} else {
		status, err = e.browse(ctx, task, session)
	}
	if err != nil {
		return e.classify(task, session, err)
	}
	return crawler.NewFetchResult(task, status, nil)
}

func (e *Emulator) loadResourceWithoutRendering(
	ctx context.Context,
	task *crawler.FetchTask,
	session crawler.Session,
) (crawler.ProtocolStatus, error) {
	page := task.Page
	if e.resources == nil {
		if err := session.NavigateTo(ctx, crawler.NavigateEntry{Location: task.Location(), PageID: page.ID, PageURL: page.URL}); err != nil {
			return crawler.ProtocolStatus{}, fmt.Errorf("navigate resource: %w", err)
		}
		source, err := session.PageSource(ctx)
		if err != nil {
			return crawler.ProtocolStatus{}, fmt.Errorf("resource page source: %w", err)
		}
		page.Content = []byte(source)
		return crawler.StatusSuccess(), nil
	}

	resp, err := e.resources.Load(ctx, task.Location())
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return crawler.ProtocolStatus{}, fmt.Errorf("load resource: %w", ctxErr)
		}
		e.logger.Warn("failed to load resource", zap.String("url", task.URL), zap.Error(err))
		return crawler.RetryWithCause(crawler.RetryScopeCrawl, err), nil
	}
	page.Headers = resp.Headers
	page.ContentType = resp.ContentType
	page.Content = resp.Body
	return crawler.StatusSuccess(), nil
}

func (e *Emulator) isActive() bool {
	return e.state == nil || e.state.IsActive()
}

func (e *Emulator) intn(n int) int {
	if n <= 0 {
		return 0
	}
	e.randMu.Lock()
	defer e.randMu.Unlock()
	return e.rand.Intn(n)
}
