package dedupe

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestJoinCreatesOnce(t *testing.T) {
	g := NewGroup[int]()

	var created atomic.Int64
	var wg sync.WaitGroup
	calls := make([]*Call[int], 50)
	for i := range calls {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, _ := g.Join("k", func() *Call[int] {
				created.Add(1)
				return NewCall[int]()
			})
			calls[i] = c
		}(i)
	}
	wg.Wait()

	if created.Load() != 1 {
		t.Fatalf("expected exactly one call to be created, got %d", created.Load())
	}
	for i, c := range calls {
		if c != calls[0] {
			t.Fatalf("caller %d got a different call", i)
		}
	}
	if calls[0].Joined() != 49 {
		t.Fatalf("expected 49 joins, got %d", calls[0].Joined())
	}
}

func TestJoinNilCreateRegistersNothing(t *testing.T) {
	g := NewGroup[int]()

	c, shared := g.Join("k", func() *Call[int] { return nil })
	if c != nil || shared {
		t.Fatalf("expected nil, false; got %v, %v", c, shared)
	}
	if g.Len() != 0 {
		t.Fatalf("expected empty group, got %d", g.Len())
	}
}

func TestFinishSharedByAllWaiters(t *testing.T) {
	g := NewGroup[string]()
	c, _ := g.Join("k", NewCall[string])

	var wg sync.WaitGroup
	results := make([]string, 10)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			joined, shared := g.Join("k", NewCall[string])
			if !shared {
				t.Errorf("expected shared call")
				return
			}
			v, err := joined.Wait(context.Background())
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			results[i] = v
		}(i)
	}

	time.Sleep(10 * time.Millisecond)
	if !c.Finish("done", nil) {
		t.Fatalf("expected first Finish to win")
	}
	if c.Finish("again", errors.New("ignored")) {
		t.Fatalf("expected second Finish to be a no-op")
	}
	wg.Wait()

	for i, r := range results {
		if r != "done" {
			t.Fatalf("waiter %d got %q", i, r)
		}
	}
}

func TestForgetIsCompareAndRemove(t *testing.T) {
	g := NewGroup[int]()

	old, _ := g.Join("k", NewCall[int])
	if !g.Forget("k", old) {
		t.Fatalf("expected forget of current call to succeed")
	}

	fresh, shared := g.Join("k", NewCall[int])
	if shared || fresh == old {
		t.Fatalf("expected a fresh call after forget")
	}

	// A late cleanup from the old call must not remove the fresh one.
	if g.Forget("k", old) {
		t.Fatalf("stale forget removed the newer call")
	}
	if got, ok := g.Lookup("k"); !ok || got != fresh {
		t.Fatalf("expected fresh call to remain registered")
	}
}

func TestWaitRespectsContext(t *testing.T) {
	c := NewCall[int]()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if _, err := c.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	// Abandoning the wait leaves the call usable.
	c.Finish(7, nil)
	v, err := c.Wait(context.Background())
	if err != nil || v != 7 {
		t.Fatalf("expected 7, nil; got %d, %v", v, err)
	}
}

func TestReplaceHandsKeyToNextCall(t *testing.T) {
	g := NewGroup[int]()

	old, _ := g.Join("k", NewCall[int])
	next := NewCall[int]()
	if !g.Replace("k", old, next) {
		t.Fatalf("expected replace of current call to succeed")
	}
	old.Finish(0, errors.New("gave up"))

	// Later callers join the unfinished replacement, not the finished call.
	joined, shared := g.Join("k", NewCall[int])
	if !shared || joined != next {
		t.Fatalf("expected to join the replacement call")
	}
	select {
	case <-joined.Done():
		t.Fatalf("replacement call should not be finished")
	default:
	}

	if g.Replace("k", old, NewCall[int]()) {
		t.Fatalf("replace with a stale call should fail")
	}
	if g.Forget("k", old) {
		t.Fatalf("forget with a replaced call should fail")
	}
}

func TestForgetFuncRunsUnderLock(t *testing.T) {
	g := NewGroup[int]()

	c, _ := g.Join("k", NewCall[int])
	g.Join("k", NewCall[int])

	idle := func() bool { return c.Joined() == 0 }
	if g.ForgetFunc("k", c, idle) {
		t.Fatalf("expected a joined call to stay registered")
	}

	ran := false
	if !g.ForgetFunc("k", c, func() bool { ran = true; return true }) {
		t.Fatalf("expected forget to succeed")
	}
	if !ran || g.Len() != 0 {
		t.Fatalf("expected cond to run and the key to be removed")
	}

	ran = false
	if g.ForgetFunc("k", c, func() bool { ran = true; return true }) || ran {
		t.Fatalf("cond should not run for a call that is no longer registered")
	}
}
