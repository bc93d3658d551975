// Package ingest is the boundary where callers submit fetch tasks, query
// their status and run synchronous fetches.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/browser-fetch-engine/internal/clock/system"
	"github.com/JakeFAU/browser-fetch-engine/internal/crawler"
	"github.com/JakeFAU/browser-fetch-engine/internal/fatlink"
	"github.com/JakeFAU/browser-fetch-engine/internal/store"
	"github.com/JakeFAU/browser-fetch-engine/internal/taskcache"
)

var (
	// ErrInvalidRequest wraps request validation failures.
	ErrInvalidRequest = errors.New("invalid fetch request")
	// ErrCacheFull is returned when the target task cache is at capacity.
	ErrCacheFull = errors.New("task cache is full")
)

// Request describes one fetch submitted by a caller.
type Request struct {
	URL     string   `json:"url"`
	Href    string   `json:"href,omitempty"`
	BatchID string   `json:"batch_id,omitempty"`
	Tails   []string `json:"tails,omitempty"`
	// Resource loads the URL as a raw resource without rendering it.
	Resource bool `json:"resource,omitempty"`
}

// Validate checks the request URLs.
func (r Request) Validate() error {
	if err := validateURL(r.URL); err != nil {
		return fmt.Errorf("%w: url: %w", ErrInvalidRequest, err)
	}
	if r.Href != "" {
		if err := validateURL(r.Href); err != nil {
			return fmt.Errorf("%w: href: %w", ErrInvalidRequest, err)
		}
	}
	for _, tail := range r.Tails {
		if err := validateURL(tail); err != nil {
			return fmt.Errorf("%w: tail %q: %w", ErrInvalidRequest, tail, err)
		}
	}
	return nil
}

func validateURL(raw string) error {
	if raw == "" {
		return errors.New("is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

// Canceler interrupts a running task; *emulator.Emulator satisfies it.
type Canceler interface {
	Cancel(task *crawler.FetchTask)
}

// Config tunes the Service.
type Config struct {
	// SubmitCache names the tier Submit offers to.
	SubmitCache string
	// ExecuteTimeout bounds ExecuteAndWait when the caller sets no earlier
	// deadline. Zero waits for the caller's context only.
	ExecuteTimeout time.Duration
}

// Service schedules tasks onto the task cache tiers and tracks them until
// they resolve.
type Service struct {
	realtime *taskcache.Cache[*crawler.FetchTask]
	submit   *taskcache.Cache[*crawler.FetchTask]
	canceler Canceler
	statuses store.StatusStore
	links    *fatlink.Registry
	ids      crawler.IDGenerator
	clock    crawler.Clock
	cfg      Config
	logger   *zap.Logger

	mu       sync.Mutex
	inflight map[string]*crawler.FetchTask
}

// Option customizes a Service.
type Option func(*Service)

// WithLinkRegistry enables fat link groups for requests that carry tails.
func WithLinkRegistry(r *fatlink.Registry) Option {
	return func(s *Service) { s.links = r }
}

// WithClock injects the clock used for status timestamps.
func WithClock(clock crawler.Clock) Option {
	return func(s *Service) { s.clock = clock }
}

// NewService wires a Service over the tiers. ExecuteAndWait uses the highest
// tier, Submit the tier named by cfg.SubmitCache.
func NewService(
	tiers *taskcache.Tiers[*crawler.FetchTask],
	canceler Canceler,
	statuses store.StatusStore,
	ids crawler.IDGenerator,
	cfg Config,
	logger *zap.Logger,
	opts ...Option,
) (*Service, error) {
	if tiers == nil || canceler == nil || statuses == nil || ids == nil {
		return nil, errors.New("ingest: tiers, canceler, status store and id generator are required")
	}
	realtime := tiers.Highest()
	if realtime == nil {
		return nil, errors.New("ingest: no task cache registered")
	}
	submit, ok := tiers.Lookup(cfg.SubmitCache)
	if !ok {
		return nil, fmt.Errorf("ingest: unknown submit cache %q", cfg.SubmitCache)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		realtime: realtime,
		submit:   submit,
		canceler: canceler,
		statuses: statuses,
		ids:      ids,
		cfg:      cfg,
		logger:   logger.Named("ingest"),
		inflight: make(map[string]*crawler.FetchTask),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.clock == nil {
		s.clock = system.New()
	}
	return s, nil
}

// Submit queues the request on the submit tier and returns the task id.
// Tails register a fat link group keyed by the request URL and are queued
// behind the seed as tasks referring to it.
func (s *Service) Submit(ctx context.Context, req Request) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	task, err := s.enqueue(ctx, s.submit, req, "")
	if err != nil {
		return "", err
	}
	if len(req.Tails) == 0 {
		return task.ID, nil
	}
	if s.links == nil {
		s.logger.Warn("tails ignored without a fat link registry", zap.String("task_id", task.ID))
		return task.ID, nil
	}
	link, err := s.links.Create(req.URL, req.Tails)
	if err != nil {
		return task.ID, fmt.Errorf("register fat link: %w", err)
	}
	for _, tail := range link.Tails() {
		if _, err := s.enqueue(ctx, s.submit, Request{URL: tail.URL, BatchID: req.BatchID}, req.URL); err != nil {
			// Tails already queued finish against a missing group and are ignored.
			s.links.Remove(link)
			return task.ID, fmt.Errorf("queue tail %s: %w", tail.URL, err)
		}
	}
	return task.ID, nil
}

// Status reports the stored state of a task. Unknown ids resolve to a
// not_found status rather than an error.
func (s *Service) Status(ctx context.Context, id string) (store.TaskStatus, error) {
	st, err := s.statuses.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return store.NotFound(id), nil
	}
	if err != nil {
		return store.TaskStatus{}, fmt.Errorf("get task status: %w", err)
	}
	return st, nil
}

// ExecuteAndWait queues the request on the highest tier and blocks until
// the task completes. When the caller's deadline or the configured timeout
// passes first the task is canceled and the canceled result is returned.
func (s *Service) ExecuteAndWait(ctx context.Context, req Request) (crawler.FetchResult, error) {
	if err := req.Validate(); err != nil {
		return crawler.FetchResult{}, err
	}
	task, err := s.enqueue(ctx, s.realtime, req, "")
	if err != nil {
		return crawler.FetchResult{}, err
	}

	waitCtx := ctx
	if s.cfg.ExecuteTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, s.cfg.ExecuteTimeout)
		defer cancel()
	}

	select {
	case <-task.Done():
		return task.Result(), nil
	case <-waitCtx.Done():
		s.logger.Info("execute deadline passed, canceling task",
			zap.String("task_id", task.ID),
			zap.String("url", task.URL),
			zap.Error(context.Cause(waitCtx)),
		)
		s.resolveCanceled(context.WithoutCancel(ctx), task)
		return task.Result(), nil
	}
}

// Cancel cancels an in-flight task. It returns store.ErrNotFound when the
// task is unknown or already resolved.
func (s *Service) Cancel(ctx context.Context, id string) error {
	s.mu.Lock()
	task, ok := s.inflight[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("task %s is not in flight: %w", id, store.ErrNotFound)
	}
	s.resolveCanceled(ctx, task)
	return nil
}

// HandleResult records a delivered result. Workers call it after the task
// completes.
func (s *Service) HandleResult(ctx context.Context, result crawler.FetchResult) error {
	if result.Task == nil {
		return nil
	}
	s.forget(result.Task.ID)
	if err := s.statuses.Put(ctx, store.FromResult(result, s.clock.Now().UTC())); err != nil {
		return fmt.Errorf("store task status: %w", err)
	}
	return nil
}

// InFlight is the number of tasks submitted and not yet resolved.
func (s *Service) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

func (s *Service) enqueue(
	ctx context.Context,
	cache *taskcache.Cache[*crawler.FetchTask],
	req Request,
	referrer string,
) (*crawler.FetchTask, error) {
	id, err := s.ids.NewID()
	if err != nil {
		return nil, fmt.Errorf("generate task id: %w", err)
	}
	now := s.clock.Now().UTC()
	task := crawler.NewFetchTask(id, req.URL, cache.Priority())
	task.Href = req.Href
	task.Page.Href = req.Href
	task.Page.IsResource = req.Resource
	task.Referrer = referrer
	task.BatchID = req.BatchID
	task.CreatedAt = now

	queued := store.TaskStatus{
		ID:        id,
		URL:       req.URL,
		State:     store.StateQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.statuses.Put(ctx, queued); err != nil {
		return nil, fmt.Errorf("store queued status: %w", err)
	}

	s.mu.Lock()
	s.inflight[id] = task
	s.mu.Unlock()

	if cache.Offer(task) == 0 {
		s.forget(id)
		failed := queued
		failed.State = crawler.StatusCodeFailed
		failed.Message = ErrCacheFull.Error()
		if err := s.statuses.Put(ctx, failed); err != nil {
			s.logger.Warn("failed to store rejected status", zap.String("task_id", id), zap.Error(err))
		}
		return nil, fmt.Errorf("%w: %s", ErrCacheFull, cache.Name())
	}
	s.logger.Debug("task queued",
		zap.String("task_id", id),
		zap.String("url", req.URL),
		zap.String("cache", cache.Name()),
	)
	return task, nil
}

// resolveCanceled cancels the task and, when this call completes it, stores
// the canceled status. A result that won the race is left untouched. The
// page record still belongs to the executing goroutine, so it is not read.
func (s *Service) resolveCanceled(ctx context.Context, task *crawler.FetchTask) {
	s.canceler.Cancel(task)
	if !task.Complete(crawler.FetchResult{Task: task, Status: crawler.StatusCanceled()}) {
		return
	}
	s.forget(task.ID)
	canceled := store.TaskStatus{
		ID:        task.ID,
		URL:       task.URL,
		State:     crawler.StatusCodeCanceled,
		CreatedAt: task.CreatedAt,
		UpdatedAt: s.clock.Now().UTC(),
	}
	if err := s.statuses.Put(ctx, canceled); err != nil {
		s.logger.Warn("failed to store canceled status", zap.String("task_id", task.ID), zap.Error(err))
	}
}

func (s *Service) forget(id string) {
	s.mu.Lock()
	delete(s.inflight, id)
	s.mu.Unlock()
}
