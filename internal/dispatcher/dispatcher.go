// Package dispatcher fans execution out over a set of workers.
package dispatcher

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Loop is a long-running component; *worker.Worker satisfies it.
type Loop interface {
	Run(ctx context.Context) error
}

// LoopFunc adapts a function to Loop.
type LoopFunc func(ctx context.Context) error

// Run calls f.
func (f LoopFunc) Run(ctx context.Context) error { return f(ctx) }

// Dispatcher runs workers and background loops together. The first loop to
// fail cancels the rest.
type Dispatcher struct {
	workers    []Loop
	background []Loop
}

// New creates a Dispatcher over workers and optional background loops such as
// the fat link watchdog.
func New(workers []Loop, background ...Loop) *Dispatcher {
	return &Dispatcher{workers: workers, background: background}
}

// Run starts every loop and blocks until they all return. Background loops are
// stopped once every worker has exited.
func (d *Dispatcher) Run(ctx context.Context) error {
	if len(d.workers) == 0 {
		return fmt.Errorf("dispatcher needs at least one worker")
	}

	g, gctx := errgroup.WithContext(ctx)
	bgCtx, stopBackground := context.WithCancel(gctx)
	defer stopBackground()

	for _, bg := range d.background {
		g.Go(func() error {
			return bg.Run(bgCtx)
		})
	}

	workers, wctx := errgroup.WithContext(gctx)
	for _, w := range d.workers {
		workers.Go(func() error {
			return w.Run(wctx)
		})
	}
	g.Go(func() error {
		defer stopBackground()
		if err := workers.Wait(); err != nil {
			return fmt.Errorf("worker failed: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("dispatcher: %w", err)
	}
	return nil
}
