// Package dedupe deduplicates concurrent work keyed by a string.
//
// Unlike golang.org/x/sync/singleflight, the caller that creates a Call owns
// its execution and decides when it is finished and when it is unregistered.
// An owner that has to release waiters before its work has wound down can
// Replace the call with a fresh one, keeping the key reserved without
// handing the early result to later joiners.
package dedupe

import (
	"context"
	"sync"
	"sync/atomic"
)

// Call is an in-flight execution shared by every caller that joins it.
type Call[V any] struct {
	done   chan struct{}
	once   sync.Once
	val    V
	err    error
	joined atomic.Int64
}

// NewCall returns an unfinished call.
func NewCall[V any]() *Call[V] {
	return &Call[V]{done: make(chan struct{})}
}

// Finish publishes the result to every waiter. Only the first call has an
// effect; it reports whether this invocation was the one that finished c.
func (c *Call[V]) Finish(v V, err error) bool {
	finished := false
	c.once.Do(func() {
		c.val = v
		c.err = err
		close(c.done)
		finished = true
	})
	return finished
}

// Done is closed once the call has finished.
func (c *Call[V]) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the call finishes or ctx is done. Abandoning a wait does
// not affect the call or other waiters.
func (c *Call[V]) Wait(ctx context.Context) (V, error) {
	select {
	case <-c.done:
		return c.val, c.err
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	}
}

// Joined returns how many callers attached to c after it was created.
func (c *Call[V]) Joined() int64 {
	return c.joined.Load()
}

// Group is a concurrency-safe map from key to in-flight Call.
type Group[V any] struct {
	mu sync.Mutex
	m  map[string]*Call[V]
}

// NewGroup returns an empty group.
func NewGroup[V any]() *Group[V] {
	return &Group[V]{m: make(map[string]*Call[V])}
}

// Join returns the in-flight call for key with shared set to true, or, if
// there is none, registers and returns the call produced by create. create
// runs with the group locked, so the check and the insert are one atomic
// step. If create returns nil nothing is registered and Join returns nil.
func (g *Group[V]) Join(key string, create func() *Call[V]) (c *Call[V], shared bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if existing, ok := g.m[key]; ok {
		existing.joined.Add(1)
		return existing, true
	}

	c = create()
	if c == nil {
		return nil, false
	}
	g.m[key] = c
	return c, false
}

// Forget unregisters key only if it still maps to c. It reports whether an
// entry was removed.
func (g *Group[V]) Forget(key string, c *Call[V]) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if current, ok := g.m[key]; ok && current == c {
		delete(g.m, key)
		return true
	}
	return false
}

// ForgetFunc unregisters key if it still maps to c and cond returns true.
// cond runs with the group locked, so no caller can join c or register a new
// call for key while it runs. It reports whether an entry was removed.
func (g *Group[V]) ForgetFunc(key string, c *Call[V], cond func() bool) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if current, ok := g.m[key]; ok && current == c && cond() {
		delete(g.m, key)
		return true
	}
	return false
}

// Replace registers next for key if key still maps to old. It reports
// whether the swap happened.
func (g *Group[V]) Replace(key string, old, next *Call[V]) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if current, ok := g.m[key]; ok && current == old {
		g.m[key] = next
		return true
	}
	return false
}

// Lookup returns the call currently registered for key, if any.
func (g *Group[V]) Lookup(key string) (*Call[V], bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	c, ok := g.m[key]
	return c, ok
}

// Len returns the number of registered calls.
func (g *Group[V]) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.m)
}
