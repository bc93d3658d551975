package taskcache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrDuplicateName is returned when a cache name is registered twice.
var ErrDuplicateName = errors.New("task cache already registered")

// Tiers composes caches into one logical queue. Lower priority values are
// served first; ties go to the earlier registration, then FIFO.
type Tiers[T any] struct {
	mu     sync.RWMutex
	caches []*Cache[T]
	notify chan struct{}
}

// NewTiers returns an empty composition.
func NewTiers[T any]() *Tiers[T] {
	return &Tiers[T]{notify: make(chan struct{}, 1)}
}

// Register adds a cache to the composition.
func (t *Tiers[T]) Register(c *Cache[T]) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, existing := range t.caches {
		if existing.name == c.name {
			return fmt.Errorf("%w: %s", ErrDuplicateName, c.name)
		}
	}
	t.caches = append(t.caches, c)
	sort.SliceStable(t.caches, func(i, j int) bool {
		return t.caches[i].priority < t.caches[j].priority
	})
	c.attach(t.notify)
	return nil
}

// Caches returns the registered caches in service order.
func (t *Tiers[T]) Caches() []*Cache[T] {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Cache[T], len(t.caches))
	copy(out, t.caches)
	return out
}

// Highest returns the cache served first, nil when none are registered.
func (t *Tiers[T]) Highest() *Cache[T] {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.caches) == 0 {
		return nil
	}
	return t.caches[0]
}

// Lowest returns the cache served last, nil when none are registered.
func (t *Tiers[T]) Lowest() *Cache[T] {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.caches) == 0 {
		return nil
	}
	return t.caches[len(t.caches)-1]
}

// Lookup finds a cache by name.
func (t *Tiers[T]) Lookup(name string) (*Cache[T], bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, c := range t.caches {
		if c.name == name {
			return c, true
		}
	}
	return nil, false
}

// Poll drains up to maxItems from the first non-empty tier.
func (t *Tiers[T]) Poll(maxItems int) []T {
	for _, c := range t.Caches() {
		if c.IsEmpty() {
			continue
		}
		if items := c.Drain(maxItems); len(items) > 0 {
			return items
		}
	}
	return nil
}

// Take blocks until one item is available or ctx ends.
func (t *Tiers[T]) Take(ctx context.Context) (T, error) {
	for {
		if items := t.Poll(1); len(items) == 1 {
			// hand the wakeup on so concurrent takers see the remaining items
			if t.Size() > 0 {
				t.signal()
			}
			return items[0], nil
		}
		select {
		case <-ctx.Done():
			var zero T
			return zero, fmt.Errorf("take canceled: %w", ctx.Err())
		case <-t.notify:
		}
	}
}

func (t *Tiers[T]) signal() {
	select {
	case t.notify <- struct{}{}:
	default:
	}
}

// Size is the total number of queued items.
func (t *Tiers[T]) Size() int {
	total := 0
	for _, c := range t.Caches() {
		total += c.Size()
	}
	return total
}

// HasMore reports whether any tier still has or may produce items.
func (t *Tiers[T]) HasMore() bool {
	for _, c := range t.Caches() {
		if !c.IsEmpty() || c.HasMore() {
			return true
		}
	}
	return false
}
