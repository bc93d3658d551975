// Package taskcache provides capacity-bounded FIFO caches of pending work and
// their composition into priority tiers.
package taskcache

import (
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/browser-fetch-engine/internal/clock/system"
	"github.com/JakeFAU/browser-fetch-engine/internal/crawler"
	"github.com/JakeFAU/browser-fetch-engine/internal/metrics"
)

// DefaultCapacity bounds a cache when no capacity is given.
const DefaultCapacity = 1000

// Source is an upstream that may still produce items for a cache.
type Source interface {
	HasMore() bool
	EstimatedSize() int
}

// Stats is a point-in-time snapshot of the collect counters.
type Stats struct {
	Name              string
	Priority          int
	Size              int
	Capacity          int
	CollectCount      int
	CollectedCount    int
	FirstCollectTime  time.Time
	LastCollectedTime time.Time
}

// Cache is a capacity-bounded FIFO. Producers may offer concurrently.
type Cache[T any] struct {
	name     string
	priority int
	capacity int
	clock    crawler.Clock
	source   Source

	mu                sync.Mutex
	items             []T
	collectCount      int
	collectedCount    int
	firstCollectTime  time.Time
	lastCollectedTime time.Time
	notify            chan struct{}
}

// Option customizes a Cache.
type Option func(*cacheOptions)

type cacheOptions struct {
	capacity int
	clock    crawler.Clock
	source   Source
}

// WithCapacity overrides DefaultCapacity.
func WithCapacity(capacity int) Option {
	return func(o *cacheOptions) { o.capacity = capacity }
}

// WithClock injects the clock used for collect timestamps.
func WithClock(clock crawler.Clock) Option {
	return func(o *cacheOptions) { o.clock = clock }
}

// WithSource attaches an upstream that drives HasMore and EstimatedSize.
func WithSource(source Source) Option {
	return func(o *cacheOptions) { o.source = source }
}

// New creates a Cache with the given name and priority.
func New[T any](name string, priority int, opts ...Option) *Cache[T] {
	o := cacheOptions{capacity: DefaultCapacity}
	for _, opt := range opts {
		opt(&o)
	}
	if o.capacity <= 0 {
		o.capacity = DefaultCapacity
	}
	if o.clock == nil {
		o.clock = system.New()
	}
	return &Cache[T]{
		name:     name,
		priority: priority,
		capacity: o.capacity,
		clock:    o.clock,
		source:   o.source,
	}
}

// Name returns the cache name.
func (c *Cache[T]) Name() string { return c.name }

// Priority returns the tier priority; lower values are served first.
func (c *Cache[T]) Priority() int { return c.priority }

// Capacity returns the maximum number of queued items.
func (c *Cache[T]) Capacity() int { return c.capacity }

// Offer appends item and returns the number inserted: 1, or 0 when full.
func (c *Cache[T]) Offer(item T) int {
	return c.insert(-1, item)
}

// OfferAt inserts item at index, clamped to the queue bounds.
func (c *Cache[T]) OfferAt(index int, item T) int {
	return c.insert(index, item)
}

func (c *Cache[T]) insert(index int, item T) int {
	c.mu.Lock()
	if len(c.items) >= c.capacity {
		c.mu.Unlock()
		return 0
	}
	if index < 0 || index >= len(c.items) {
		c.items = append(c.items, item)
	} else {
		c.items = append(c.items, item)
		copy(c.items[index+1:], c.items[index:])
		c.items[index] = item
	}
	size := len(c.items)
	notify := c.notify
	c.mu.Unlock()

	metrics.SetTaskCacheSize(c.name, size)
	if notify != nil {
		select {
		case notify <- struct{}{}:
		default:
		}
	}
	return 1
}

// Drain removes up to maxItems in FIFO order.
func (c *Cache[T]) Drain(maxItems int) []T {
	c.mu.Lock()
	now := c.clock.Now()
	if c.firstCollectTime.IsZero() {
		c.firstCollectTime = now
	}
	c.collectCount++

	n := maxItems
	if n > len(c.items) {
		n = len(c.items)
	}
	if n <= 0 {
		c.mu.Unlock()
		return nil
	}
	out := make([]T, n)
	copy(out, c.items[:n])
	var zero T
	for i := 0; i < n; i++ {
		c.items[i] = zero
	}
	c.items = c.items[n:]
	c.collectedCount += n
	c.lastCollectedTime = now
	size := len(c.items)
	c.mu.Unlock()

	metrics.SetTaskCacheSize(c.name, size)
	return out
}

// HasMore reports whether an upstream may still yield items. A finite cache
// without a source reports false.
func (c *Cache[T]) HasMore() bool {
	if c.source == nil {
		return false
	}
	return c.source.HasMore()
}

// Size returns the number of queued items.
func (c *Cache[T]) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// IsEmpty reports whether nothing is queued.
func (c *Cache[T]) IsEmpty() bool {
	return c.Size() == 0
}

// EstimatedSize includes items the upstream has not materialized yet.
func (c *Cache[T]) EstimatedSize() int {
	size := c.Size()
	if c.source != nil {
		size += c.source.EstimatedSize()
	}
	return size
}

// Clear drops every queued item.
func (c *Cache[T]) Clear() {
	c.mu.Lock()
	c.items = nil
	c.mu.Unlock()
	metrics.SetTaskCacheSize(c.name, 0)
}

// Stats snapshots the counters.
func (c *Cache[T]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Name:              c.name,
		Priority:          c.priority,
		Size:              len(c.items),
		Capacity:          c.capacity,
		CollectCount:      c.collectCount,
		CollectedCount:    c.collectedCount,
		FirstCollectTime:  c.firstCollectTime,
		LastCollectedTime: c.lastCollectedTime,
	}
}

// Throughput is collected items per second since the first collect.
func (c *Cache[T]) Throughput() float64 {
	st := c.Stats()
	if st.FirstCollectTime.IsZero() {
		return 0
	}
	elapsed := c.clock.Now().Sub(st.FirstCollectTime).Seconds()
	if elapsed < 1 {
		elapsed = 1
	}
	return float64(st.CollectedCount) / elapsed
}

func (c *Cache[T]) String() string {
	st := c.Stats()
	return fmt.Sprintf("%s(%d) - collected %d/%d/%d/%d in %s, remaining %d/%d, %.2f items/s",
		st.Name, st.Priority,
		st.CollectedCount, st.CollectCount, st.Size, st.Capacity,
		elapsedSince(c.clock, st.FirstCollectTime),
		c.EstimatedSize(), st.Capacity,
		c.Throughput())
}

func (c *Cache[T]) attach(notify chan struct{}) {
	c.mu.Lock()
	c.notify = notify
	c.mu.Unlock()
}

func elapsedSince(clock crawler.Clock, t time.Time) time.Duration {
	if t.IsZero() {
		return 0
	}
	return clock.Now().Sub(t).Truncate(time.Second)
}
