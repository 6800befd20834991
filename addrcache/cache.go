// Package addrcache provides a concurrent key/value cache whose readers can
// block until a value for their key is published.
package addrcache

import (
	"context"
	"sync"
	"time"
)

// Cache maps fixed-size keys to values. Get and Wait block until another
// goroutine Puts the key, so a resolver's send path can wait on replies that
// its receive path stores. Entries are never evicted.
type Cache[K comparable, V any] struct {
	mu      sync.Mutex
	entries map[K]V
	waiters map[K]*waitList
}

// waitList is shared by every caller blocked on one key. Put closes ready.
type waitList struct {
	ready chan struct{}
	n     int
}

// New creates an empty cache.
func New[K comparable, V any]() *Cache[K, V] {
	return &Cache[K, V]{
		entries: make(map[K]V),
		waiters: make(map[K]*waitList),
	}
}

// Put stores v under k and releases every caller blocked on k.
func (c *Cache[K, V]) Put(k K, v V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[k] = v
	if w, ok := c.waiters[k]; ok {
		close(w.ready)
		delete(c.waiters, k)
	}
}

// Lookup returns the value for k without blocking.
func (c *Cache[K, V]) Lookup(k K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, ok := c.entries[k]
	return v, ok
}

// Get returns the value for k, waiting up to timeout for it to be Put. A
// timeout reports absence rather than an error.
func (c *Cache[K, V]) Get(k K, timeout time.Duration) (V, bool) {
	if timeout <= 0 {
		return c.Lookup(k)
	}
	v, w, ok := c.enqueue(k)
	if ok {
		return v, true
	}
	defer c.dequeue(k, w)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-w.ready:
	case <-timer.C:
		// A Put may have raced the timer.
	}
	return c.Lookup(k)
}

// Wait blocks until a value for k is available or ctx is done.
func (c *Cache[K, V]) Wait(ctx context.Context, k K) (V, error) {
	v, w, ok := c.enqueue(k)
	if ok {
		return v, nil
	}
	defer c.dequeue(k, w)

	select {
	case <-w.ready:
		v, _ = c.Lookup(k)
		return v, nil
	case <-ctx.Done():
		return v, ctx.Err()
	}
}

// Len returns the number of stored entries.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Waiting reports whether any caller is currently blocked on k.
func (c *Cache[K, V]) Waiting(k K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.waiters[k]
	return ok
}

// Snapshot returns a copy of the stored entries.
func (c *Cache[K, V]) Snapshot() map[K]V {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[K]V, len(c.entries))
	for k, v := range c.entries {
		out[k] = v
	}
	return out
}

// enqueue returns the stored value for k, or registers the caller on the
// wait list that the next Put of k will release.
func (c *Cache[K, V]) enqueue(k K) (V, *waitList, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v, ok := c.entries[k]; ok {
		return v, nil, true
	}
	w, ok := c.waiters[k]
	if !ok {
		w = &waitList{ready: make(chan struct{})}
		c.waiters[k] = w
	}
	w.n++
	var zero V
	return zero, w, false
}

func (c *Cache[K, V]) dequeue(k K, w *waitList) {
	c.mu.Lock()
	defer c.mu.Unlock()

	w.n--
	if w.n == 0 && c.waiters[k] == w {
		delete(c.waiters, k)
	}
}
