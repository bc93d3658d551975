package fatlink

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/JakeFAU/browser-fetch-engine/internal/clock/system"
	"github.com/JakeFAU/browser-fetch-engine/internal/crawler"
	"github.com/JakeFAU/browser-fetch-engine/internal/metrics"
)

// Terminal tail statuses for results that did not succeed.
const (
	StatusCanceled = 499
	StatusFailed   = 500
)

// Listener receives group lifecycle events.
type Listener interface {
	OnFinished(ctx context.Context, link *FatLink)
	OnAborted(ctx context.Context, link *FatLink)
}

// Registry holds live groups keyed by seed URL.
type Registry struct {
	clock    crawler.Clock
	listener Listener
	logger   *zap.Logger

	mu     sync.Mutex
	groups map[string]*FatLink
}

// NewRegistry creates a Registry. listener may be nil.
func NewRegistry(clock crawler.Clock, listener Listener, logger *zap.Logger) *Registry {
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		clock:    clock,
		listener: listener,
		logger:   logger.Named("fatlink"),
		groups:   make(map[string]*FatLink),
	}
}

// Create builds and registers a group for seedURL and its tail URLs.
func (r *Registry) Create(seedURL string, tailURLs []string) (*FatLink, error) {
	tails := lo.Map(lo.Uniq(lo.Compact(tailURLs)), func(u string, _ int) *TailLink {
		return NewTailLink(u, seedURL)
	})
	if len(tails) == 0 {
		return nil, fmt.Errorf("fat link %s has no tails", seedURL)
	}
	link := New(seedURL, tails, r.clock)
	if err := r.Register(link); err != nil {
		return nil, err
	}
	return link, nil
}

// Register adds a group. A seed URL may only be tracked once at a time.
func (r *Registry) Register(link *FatLink) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.groups[link.URL]; exists {
		return fmt.Errorf("fat link already registered: %s", link.URL)
	}
	r.groups[link.URL] = link
	return nil
}

// Remove drops link if it is still the live group for its seed URL. It
// reports whether anything was removed.
func (r *Registry) Remove(link *FatLink) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.groups[link.URL]
	if !ok || current != link {
		return false
	}
	delete(r.groups, link.URL)
	return true
}

// Lookup returns the live group for a seed URL.
func (r *Registry) Lookup(seedURL string) (*FatLink, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	link, ok := r.groups[seedURL]
	return link, ok
}

// Len is the number of live groups.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.groups)
}

// FinishTask routes a completed tail task to its group via the task's
// referrer. Retry results are not terminal and leave the group unchanged.
func (r *Registry) FinishTask(ctx context.Context, result crawler.FetchResult) bool {
	task := result.Task
	if task == nil || task.Referrer == "" {
		return false
	}
	status, terminal := tailStatus(result.Status)
	if !terminal {
		return false
	}
	link, ok := r.Lookup(task.Referrer)
	if !ok {
		return false
	}
	tail, ok := link.Lookup(task.URL)
	if !ok {
		r.logger.Warn("tail link is not a member of its referrer group",
			zap.String("url", task.URL),
			zap.String("referrer", task.Referrer),
		)
		return false
	}
	if !link.Finish(tail, status) {
		return false
	}
	if link.IsFinished() {
		r.complete(ctx, link)
	}
	return true
}

func (r *Registry) complete(ctx context.Context, link *FatLink) {
	r.mu.Lock()
	current, ok := r.groups[link.URL]
	if ok && current == link {
		delete(r.groups, link.URL)
	}
	r.mu.Unlock()
	if !ok || current != link {
		return
	}
	metrics.ObserveFatLink("finished")
	r.logger.Debug("fat link finished", zap.String("link", link.String()))
	if r.listener != nil {
		r.listener.OnFinished(ctx, link)
	}
}

// AbortIdle aborts and evicts unfinished groups idle for longer than maxIdle.
func (r *Registry) AbortIdle(ctx context.Context, maxIdle time.Duration) []*FatLink {
	r.mu.Lock()
	var aborted []*FatLink
	for seed, link := range r.groups {
		if link.IsFinished() || link.IdleTime() <= maxIdle {
			continue
		}
		link.Abort()
		delete(r.groups, seed)
		aborted = append(aborted, link)
	}
	r.mu.Unlock()

	for _, link := range aborted {
		metrics.ObserveFatLink("aborted")
		r.logger.Info("fat link aborted after idle timeout",
			zap.String("link", link.String()),
			zap.Duration("max_idle", maxIdle),
		)
		if r.listener != nil {
			r.listener.OnAborted(ctx, link)
		}
	}
	return aborted
}

// RunWatchdog calls AbortIdle every interval until ctx ends.
func (r *Registry) RunWatchdog(ctx context.Context, interval, maxIdle time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("watchdog interval must be > 0")
	}
	for {
		if err := crawler.Sleep(ctx, r.clock, interval); err != nil {
			return nil
		}
		r.AbortIdle(ctx, maxIdle)
	}
}

func tailStatus(status crawler.ProtocolStatus) (int, bool) {
	switch status.Code {
	case crawler.StatusCodeSuccess:
		return StatusOK, true
	case crawler.StatusCodeCanceled:
		return StatusCanceled, true
	case crawler.StatusCodeFailed, crawler.StatusCodeNotFound:
		return StatusFailed, true
	default:
		return 0, false
	}
}
