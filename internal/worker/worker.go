// Package worker implements the fetch execution loop.
package worker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/browser-fetch-engine/internal/crawler"
	"github.com/JakeFAU/browser-fetch-engine/internal/metrics"
	"github.com/JakeFAU/browser-fetch-engine/internal/taskcache"
)

// Runner executes one task; *emulator.Emulator satisfies it.
type Runner interface {
	Run(ctx context.Context, task *crawler.FetchTask) (crawler.FetchResult, error)
}

// Throttle paces fetches per site; *ratelimit.Limiter satisfies it.
type Throttle interface {
	Wait(ctx context.Context, rawURL string) error
}

// LinkTracker routes finished tail tasks to their fat link group.
type LinkTracker interface {
	FinishTask(ctx context.Context, result crawler.FetchResult) bool
}

// Config controls Worker behavior.
type Config struct {
	// MaxAttempts bounds how many times a retryable task is executed.
	// Values below 2 disable requeueing.
	MaxAttempts int
}

// Worker takes tasks from the tiers and executes them one at a time.
type Worker struct {
	id       int
	tiers    *taskcache.Tiers[*crawler.FetchTask]
	retry    *taskcache.Cache[*crawler.FetchTask]
	runner   Runner
	throttle Throttle
	links    LinkTracker
	handlers []crawler.ResultHandler
	cfg      Config
	logger   *zap.Logger
}

// Option customizes a Worker.
type Option func(*Worker)

// WithThrottle sets the per-site throttle applied before each fetch.
func WithThrottle(t Throttle) Option {
	return func(w *Worker) { w.throttle = t }
}

// WithLinkTracker routes tail results to fat link groups.
func WithLinkTracker(l LinkTracker) Option {
	return func(w *Worker) { w.links = l }
}

// WithResultHandlers appends result consumers.
func WithResultHandlers(handlers ...crawler.ResultHandler) Option {
	return func(w *Worker) { w.handlers = append(w.handlers, handlers...) }
}

// WithRetryCache sets the cache retryable tasks are offered back to.
func WithRetryCache(c *taskcache.Cache[*crawler.FetchTask]) Option {
	return func(w *Worker) { w.retry = c }
}

// New constructs a Worker.
func New(
	id int,
	tiers *taskcache.Tiers[*crawler.FetchTask],
	runner Runner,
	cfg Config,
	logger *zap.Logger,
	opts ...Option,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Worker{
		id:     id,
		tiers:  tiers,
		runner: runner,
		cfg:    cfg,
		logger: logger.Named("worker").With(zap.Int("worker", id)),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run blocks, executing tasks until the context finishes or the application
// shuts down. It only returns an error when the tiers fail unexpectedly.
func (w *Worker) Run(ctx context.Context) error {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	for {
		task, err := w.tiers.Take(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("take task: %w", err)
		}
		if err := w.Process(ctx, task); err != nil {
			if errors.Is(err, crawler.ErrApplicationClosed) {
				w.logger.Info("application closed, worker exiting")
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
		}
	}
}

// Process executes a single task and delivers its result. The returned error
// is crawler.ErrApplicationClosed or a context error; task failures are
// reported through the result.
func (w *Worker) Process(ctx context.Context, task *crawler.FetchTask) (err error) {
	defer func() {
		if r := recover(); r != nil {
			panicErr := &crawler.PanicError{Value: r}
			w.logger.Error("task execution panicked",
				zap.String("task_id", task.ID),
				zap.String("url", task.URL),
				zap.Error(panicErr),
				zap.Stack("stack"),
			)
			w.deliver(ctx, crawler.NewFetchResult(task, crawler.RetryWithCause(crawler.RetryScopeCrawl, panicErr), panicErr))
		}
	}()

	if w.throttle != nil && !task.IsCanceled() {
		if err := w.throttle.Wait(ctx, task.Location()); err != nil {
			w.deliver(ctx, crawler.CanceledResult(task))
			return err
		}
	}

	result, err := w.runner.Run(ctx, task)
	if err != nil {
		w.deliver(ctx, crawler.CanceledResult(task))
		return err
	}
	if result.IsRetry() && w.requeue(task) {
		w.logger.Debug("task requeued",
			zap.String("task_id", task.ID),
			zap.String("url", task.URL),
			zap.Stringer("status", result.Status),
			zap.Int("attempt", task.Page.FetchCount),
		)
		return nil
	}
	w.deliver(ctx, result)
	return nil
}

func (w *Worker) requeue(task *crawler.FetchTask) bool {
	if w.retry == nil || w.cfg.MaxAttempts < 2 || task.IsCanceled() {
		return false
	}
	if task.Page.FetchCount >= w.cfg.MaxAttempts {
		return false
	}
	return w.retry.Offer(task) == 1
}

// deliver completes the task and fans the result out to every handler. A
// failing or panicking handler never stops the others.
func (w *Worker) deliver(ctx context.Context, result crawler.FetchResult) {
	task := result.Task
	if w.links != nil && task.Referrer != "" {
		tracked := result
		if tracked.IsRetry() {
			// The task is not coming back, so the tail is done.
			tracked.Status = crawler.Failed(result.Status.Cause)
		}
		w.links.FinishTask(ctx, tracked)
	}
	if !task.Complete(result) {
		return
	}
	for _, h := range w.handlers {
		w.handle(ctx, h, result)
	}
}

func (w *Worker) handle(ctx context.Context, h crawler.ResultHandler, result crawler.FetchResult) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("result handler panicked",
				zap.String("task_id", result.Task.ID),
				zap.Error(&crawler.PanicError{Value: r}),
				zap.Stack("stack"),
			)
		}
	}()
	if err := h.HandleResult(ctx, result); err != nil {
		w.logger.Warn("result handler failed",
			zap.String("task_id", result.Task.ID),
			zap.String("url", result.Task.URL),
			zap.Error(err),
		)
	}
}
