// Package derived holds TTL-bound caches of values computed from the local store.
package derived

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"dinecache/internal/metrics"
)

// Snapshot is what a reader gets back. Loading is set when a stale value is being served
// while a recomputation runs. Err reports a failed computation; Value is then the previous
// value or the empty value.
type Snapshot[T any] struct {
	Value      T
	ComputedAt time.Time
	Loading    bool
	Err        error
}

type ComputeFunc[T any] func(ctx context.Context) (T, error)

type entry[T any] struct {
	value      T
	computedAt time.Time
}

// Cache memoizes one computed value for a TTL. At most one computation runs at a time;
// concurrent readers share it.
type Cache[T any] struct {
	kind    string
	ttl     time.Duration
	compute ComputeFunc[T]
	empty   func() T
	now     func() time.Time
	log     logrus.FieldLogger
	metrics *metrics.Registry

	group singleflight.Group

	mu    sync.Mutex
	entry *entry[T]
	gen   uint64
}

type CacheOption[T any] func(*Cache[T])

func WithEmpty[T any](empty func() T) CacheOption[T] {
	return func(c *Cache[T]) { c.empty = empty }
}

func WithNow[T any](now func() time.Time) CacheOption[T] {
	return func(c *Cache[T]) { c.now = now }
}

func WithLogger[T any](l logrus.FieldLogger) CacheOption[T] {
	return func(c *Cache[T]) { c.log = l }
}

func NewCache[T any](kind string, ttl time.Duration, compute ComputeFunc[T], reg *metrics.Registry, opts ...CacheOption[T]) *Cache[T] {
	c := &Cache[T]{
		kind:    kind,
		ttl:     ttl,
		compute: compute,
		empty: func() T {
			var zero T
			return zero
		},
		now:     time.Now,
		log:     logrus.StandardLogger(),
		metrics: reg,
	}
	for _, o := range opts {
		o(c)
	}
	c.log = c.log.WithField("cache", kind)
	return c
}

// Read returns the cached value when fresh. A stale value is returned immediately while a
// background recomputation runs; with no value at all Read waits for the computation.
func (c *Cache[T]) Read(ctx context.Context) Snapshot[T] {
	c.mu.Lock()
	e := c.entry
	c.mu.Unlock()

	if e != nil && c.now().Sub(e.computedAt) < c.ttl {
		c.metrics.CacheHits.WithLabelValues(c.kind).Inc()
		return Snapshot[T]{Value: e.value, ComputedAt: e.computedAt}
	}
	c.metrics.CacheMisses.WithLabelValues(c.kind).Inc()

	ch := c.group.DoChan(c.kind, c.load(context.WithoutCancel(ctx)))
	if e != nil {
		return Snapshot[T]{Value: e.value, ComputedAt: e.computedAt, Loading: true}
	}

	select {
	case <-ctx.Done():
		return Snapshot[T]{Value: c.empty(), Loading: true, Err: ctx.Err()}
	case res := <-ch:
		if res.Err != nil {
			return c.fallback(res.Err)
		}
		got := res.Val.(entry[T])
		return Snapshot[T]{Value: got.value, ComputedAt: got.computedAt}
	}
}

func (c *Cache[T]) fallback(err error) Snapshot[T] {
	c.mu.Lock()
	e := c.entry
	c.mu.Unlock()
	if e != nil {
		return Snapshot[T]{Value: e.value, ComputedAt: e.computedAt, Err: err}
	}
	return Snapshot[T]{Value: c.empty(), Err: err}
}

func (c *Cache[T]) load(ctx context.Context) func() (any, error) {
	return func() (any, error) {
		for {
			c.mu.Lock()
			gen := c.gen
			c.mu.Unlock()

			c.metrics.CacheComputes.WithLabelValues(c.kind).Inc()
			v, err := c.compute(ctx)
			if err != nil {
				c.metrics.CacheFailures.WithLabelValues(c.kind).Inc()
				c.log.WithError(err).Warn("derived compute failed")
				return nil, err
			}
			got := entry[T]{value: v, computedAt: c.now()}

			c.mu.Lock()
			if c.gen == gen {
				c.entry = &got
				c.mu.Unlock()
				return got, nil
			}
			c.mu.Unlock()
			// Invalidated while computing: v may predate the mutation, so compute again
			// inside the same flight. Readers that joined after the Invalidate wait for it.
		}
	}
}

// Invalidate drops the cached value; the next Read recomputes. A computation already in
// flight is not forgotten: it notices the new generation and recomputes before answering.
func (c *Cache[T]) Invalidate() {
	c.mu.Lock()
	c.entry = nil
	c.gen++
	c.mu.Unlock()
}
