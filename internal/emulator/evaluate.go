package emulator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/browser-fetch-engine/internal/crawler"
	"github.com/JakeFAU/browser-fetch-engine/internal/metrics"
)

// evaluate runs expr on the session. A nil value with a nil error means the
// evaluation was skipped because the session is going away; a process
// shutdown or task cancel surfaces as crawler.ErrCanceled.
func (e *Emulator) evaluate(ctx context.Context, it *interactTask, expr string) (any, error) {
	if err := e.checkState(ctx, it); err != nil {
		return nil, err
	}
	if !it.session.IsActive() {
		return nil, nil
	}

	metrics.IncEvaluations()
	v, err := it.session.Evaluate(ctx, expr)
	if err != nil {
		return nil, fmt.Errorf("evaluate %q: %w", expr, err)
	}
	return v, nil
}

// evaluateSilently runs expr and drops any failure.
func (e *Emulator) evaluateSilently(ctx context.Context, it *interactTask, expr string) {
	if _, err := e.evaluate(ctx, it, expr); err != nil {
		e.logger.Debug("ignored evaluation failure",
			zap.String("url", it.task.URL),
			zap.Error(err),
		)
	}
}

// checkState returns an error when the task must stop now.
func (e *Emulator) checkState(ctx context.Context, it *interactTask) error {
	if !e.isActive() {
		return fmt.Errorf("%w: application is shutting down", crawler.ErrCanceled)
	}
	if it.task.IsCanceled() {
		return fmt.Errorf("%w: %s", crawler.ErrCanceled, it.task.URL)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return nil
}

// sleep waits between protocol steps and re-checks the task and the process
// on both sides of the wait.
func (e *Emulator) sleep(ctx context.Context, it *interactTask, d time.Duration) error {
	if err := e.checkState(ctx, it); err != nil {
		return err
	}
	if err := crawler.Sleep(ctx, e.clock, d); err != nil {
		return err
	}
	return e.checkState(ctx, it)
}

func (e *Emulator) hooksFor(task *crawler.FetchTask) *crawler.EventHooks {
	if task.Hooks != nil {
		return task.Hooks
	}
	return e.hooks
}

// runHook invokes an optional callback. Failures and panics are logged and
// never abort the protocol.
func (e *Emulator) runHook(ctx context.Context, it *interactTask, point crawler.HookPoint) {
	hook := it.hooks.Slot(point)
	if hook == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Warn("hook panicked",
				zap.String("hook", string(point)),
				zap.String("url", it.task.URL),
				zap.Error(&crawler.PanicError{Value: r}),
			)
		}
	}()
	if err := hook(ctx, it.task.Page, it.session); err != nil {
		level := e.logger.Warn
		if errors.Is(err, context.Canceled) {
			level = e.logger.Debug
		}
		level("hook failed",
			zap.String("hook", string(point)),
			zap.String("url", it.task.URL),
			zap.Error(err),
		)
	}
}
