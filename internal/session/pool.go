// Package session pools browser sessions for the emulator. Sessions are
// created on demand through a Factory, scored on every fetch outcome, and
// recycled until they wear out.
package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/browser-fetch-engine/internal/clock/system"
	"github.com/JakeFAU/browser-fetch-engine/internal/crawler"
	"github.com/JakeFAU/browser-fetch-engine/internal/metrics"
)

// Managed is a session the pool owns and must eventually close.
type Managed interface {
	crawler.Session
	Close() error
}

// Interrupter is implemented by sessions that can abort their in-flight call.
type Interrupter interface {
	Interrupt()
}

// Factory launches new sessions.
type Factory interface {
	Create(ctx context.Context, id int64, identity crawler.Identity) (Managed, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ctx context.Context, id int64, identity crawler.Identity) (Managed, error)

// Create calls f.
func (f FactoryFunc) Create(ctx context.Context, id int64, identity crawler.Identity) (Managed, error) {
	return f(ctx, id, identity)
}

// Config bounds the pool and its health thresholds.
type Config struct {
	MaxSessions   int
	MaxUses       int
	MaxAge        time.Duration
	MaxErrorScore float64
	Backoff       Backoff
}

// DefaultConfig returns the pool settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		MaxSessions:   4,
		MaxUses:       50,
		MaxAge:        50 * time.Minute,
		MaxErrorScore: 3,
		Backoff:       DefaultBackoff(),
	}
}

type handle struct {
	session  Managed
	identity crawler.Identity
	created  time.Time
	errScore float64
	uses     int
	inUse    bool
	taskKey  string
}

func (h *handle) recordSuccess() {
	h.errScore -= 0.5
	if h.errScore < 0 {
		h.errScore = 0
	}
}

func (h *handle) recordFailure() {
	h.errScore++
}

// retireReason returns why the handle should not be reused, or "".
func (h *handle) retireReason(cfg Config, now time.Time) string {
	switch {
	case !h.session.IsActive():
		return "inactive"
	case cfg.MaxErrorScore > 0 && h.errScore >= cfg.MaxErrorScore:
		return "error_score"
	case cfg.MaxUses > 0 && h.uses >= cfg.MaxUses:
		return "max_uses"
	case cfg.MaxAge > 0 && now.Sub(h.created) >= cfg.MaxAge:
		return "max_age"
	default:
		return ""
	}
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Open    int   `json:"open"`
	Idle    int   `json:"idle"`
	InUse   int   `json:"in_use"`
	Created int64 `json:"created"`
	Closed  bool  `json:"closed"`
}

// Pool is a crawler.SessionPool backed by a Factory.
type Pool struct {
	cfg     Config
	factory Factory
	proxies crawler.ProxySource
	clock   crawler.Clock
	logger  *zap.Logger

	slots  chan struct{}
	nextID atomic.Int64

	mu      sync.Mutex
	idle    []*handle
	handles map[int64]*handle
	bound   map[string]*handle
	closed  bool
}

// Option customizes a Pool.
type Option func(*Pool)

// WithProxySource sets where new sessions get their identity from.
func WithProxySource(src crawler.ProxySource) Option {
	return func(p *Pool) { p.proxies = src }
}

// WithClock injects the clock used for session age and launch backoff.
func WithClock(clock crawler.Clock) Option {
	return func(p *Pool) { p.clock = clock }
}

// NewPool constructs a pool.
func NewPool(factory Factory, cfg Config, logger *zap.Logger, opts ...Option) (*Pool, error) {
	if factory == nil {
		return nil, fmt.Errorf("session factory is required")
	}
	if cfg.MaxSessions <= 0 {
		return nil, fmt.Errorf("max sessions must be > 0, got %d", cfg.MaxSessions)
	}
	if cfg.Backoff.MaxAttempts <= 0 {
		cfg.Backoff = DefaultBackoff()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pool{
		cfg:     cfg,
		factory: factory,
		logger:  logger.Named("session_pool"),
		slots:   make(chan struct{}, cfg.MaxSessions),
		handles: make(map[int64]*handle),
		bound:   make(map[string]*handle),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.clock == nil {
		p.clock = system.New()
	}
	return p, nil
}

// Acquire waits for a free slot and returns an idle session or a new one.
func (p *Pool) Acquire(ctx context.Context, task *crawler.FetchTask) (crawler.Session, error) {
	if p.isClosed() {
		return nil, crawler.ErrPoolClosed
	}
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("session slot wait canceled: %w", ctx.Err())
	}

	h := p.popIdle()
	if h == nil {
		var err error
		h, err = p.launch(ctx)
		if err != nil {
			<-p.slots
			return nil, err
		}
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.destroy(h, "")
		<-p.slots
		return nil, crawler.ErrPoolClosed
	}
	h.uses++
	h.inUse = true
	if task != nil {
		h.taskKey = task.Key()
		p.bound[h.taskKey] = h
	}
	p.mu.Unlock()
	return h.session, nil
}

// Release hands a session back. Worn out sessions are closed instead of
// being returned to the idle list.
func (p *Pool) Release(s crawler.Session) {
	h, ok := p.checkIn(s)
	if !ok {
		return
	}
	defer func() { <-p.slots }()

	reason := h.retireReason(p.cfg, p.clock.Now())
	p.mu.Lock()
	if p.closed && reason == "" {
		reason = "pool_closed"
	}
	if reason == "" {
		p.idle = append(p.idle, h)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	p.destroy(h, reason)
}

// Retire closes the session; the emulator calls this after fatal session
// errors.
func (p *Pool) Retire(s crawler.Session) {
	h, ok := p.checkIn(s)
	if !ok {
		return
	}
	defer func() { <-p.slots }()
	p.destroy(h, "")
}

// Cancel interrupts whatever the session bound to taskKey is doing.
func (p *Pool) Cancel(taskKey string) {
	p.mu.Lock()
	h := p.bound[taskKey]
	p.mu.Unlock()
	if h == nil {
		return
	}
	if in, ok := h.session.(Interrupter); ok {
		p.logger.Debug("interrupting session",
			zap.Int64("session_id", h.session.ID()),
			zap.String("task", taskKey),
		)
		in.Interrupt()
	}
}

// RecordOutcome updates the health score of s.
func (p *Pool) RecordOutcome(s crawler.Session, status crawler.ProtocolStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h := p.handles[s.ID()]
	if h == nil {
		return
	}
	switch {
	case status.IsSuccess():
		h.recordSuccess()
	case status.IsRetry():
		h.recordFailure()
	}
}

// Close shuts every idle session and rejects future acquisitions. Sessions in
// use are closed when they are handed back.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	for _, h := range idle {
		p.destroy(h, "pool_closed")
	}
	return nil
}

// Stats returns a snapshot of the pool.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Open:    len(p.handles),
		Idle:    len(p.idle),
		InUse:   len(p.handles) - len(p.idle),
		Created: p.nextID.Load(),
		Closed:  p.closed,
	}
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// popIdle returns the most recently used healthy idle session.
func (p *Pool) popIdle() *handle {
	now := p.clock.Now()
	for {
		p.mu.Lock()
		n := len(p.idle)
		if n == 0 {
			p.mu.Unlock()
			return nil
		}
		h := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()

		if reason := h.retireReason(p.cfg, now); reason != "" {
			p.destroy(h, reason)
			continue
		}
		return h
	}
}

func (p *Pool) launch(ctx context.Context) (*handle, error) {
	identity := crawler.Identity{}
	if p.proxies != nil {
		var err error
		identity, err = p.proxies.CurrentIdentity(ctx)
		if err != nil {
			return nil, fmt.Errorf("resolve session identity: %w", err)
		}
	}

	id := p.nextID.Add(1)
	for attempt := 0; ; attempt++ {
		s, err := p.factory.Create(ctx, id, identity)
		if err == nil {
			h := &handle{session: s, identity: identity, created: p.clock.Now()}
			p.mu.Lock()
			p.handles[id] = h
			p.mu.Unlock()
			p.logger.Info("session launched",
				zap.Int64("session_id", id),
				zap.String("proxy", identity.Proxy),
			)
			return h, nil
		}
		if !p.cfg.Backoff.ShouldRetry(err, attempt+1) {
			return nil, fmt.Errorf("launch session #%d: %w", id, err)
		}
		delay := p.cfg.Backoff.Delay(attempt)
		p.logger.Warn("session launch failed, backing off",
			zap.Int64("session_id", id),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if err := crawler.Sleep(ctx, p.clock, delay); err != nil {
			return nil, fmt.Errorf("launch session #%d: %w", id, err)
		}
	}
}

// checkIn unbinds s from its task. It reports false when s is unknown or was
// already handed back.
func (p *Pool) checkIn(s crawler.Session) (*handle, bool) {
	if s == nil {
		return nil, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	h := p.handles[s.ID()]
	if h == nil || !h.inUse {
		return nil, false
	}
	h.inUse = false
	if h.taskKey != "" && p.bound[h.taskKey] == h {
		delete(p.bound, h.taskKey)
	}
	h.taskKey = ""
	return h, true
}

// destroy closes the session. A non-empty reason is recorded as a pool
// initiated retirement.
func (p *Pool) destroy(h *handle, reason string) {
	p.mu.Lock()
	delete(p.handles, h.session.ID())
	p.mu.Unlock()

	if reason != "" {
		metrics.ObserveSessionRetired(reason)
	}
	if err := h.session.Close(); err != nil {
		p.logger.Warn("failed to close session",
			zap.Int64("session_id", h.session.ID()),
			zap.Error(err),
		)
		return
	}
	p.logger.Debug("session closed",
		zap.Int64("session_id", h.session.ID()),
		zap.Int("uses", h.uses),
		zap.Float64("error_score", h.errScore),
		zap.String("reason", reason),
	)
}
