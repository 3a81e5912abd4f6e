package infra

import (
	"sync"
	"sync/atomic"
)

// Group suppresses duplicate in-flight work: while one execution for a key is
// running, callers arriving with the same key block and receive the original
// result instead of triggering a second execution. Keys are forgotten as soon
// as the execution finishes, so completed results are never served (that is
// the cache's job).
type Group[K comparable, V any] struct {
	mu     sync.Mutex
	flight map[K]*flight[V]

	deduped  atomic.Uint64
	executed atomic.Uint64
}

type flight[V any] struct {
	wg     sync.WaitGroup
	val    V
	err    error
	shared bool
}

// Do runs fn once per concurrently-requested key. The bool reports whether
// the returned value was shared with at least one other caller.
func (g *Group[K, V]) Do(key K, fn func() (V, error)) (V, error, bool) {
	g.mu.Lock()
	if g.flight == nil {
		g.flight = make(map[K]*flight[V])
	}
	if f, ok := g.flight[key]; ok {
		f.shared = true
		g.mu.Unlock()
		g.deduped.Add(1)
		f.wg.Wait()
		return f.val, f.err, true
	}

	f := new(flight[V])
	f.wg.Add(1)
	g.flight[key] = f
	g.mu.Unlock()
	g.executed.Add(1)

	f.val, f.err = fn()

	g.mu.Lock()
	if g.flight[key] == f { // Forget may have replaced the entry mid-flight
		delete(g.flight, key)
	}
	g.mu.Unlock()
	f.wg.Done()

	return f.val, f.err, f.shared
}

// Forget drops the in-flight entry for key so the next Do executes fresh.
// Callers already waiting still receive the original result.
func (g *Group[K, V]) Forget(key K) {
	g.mu.Lock()
	delete(g.flight, key)
	g.mu.Unlock()
}

// InFlight reports whether an execution for key is currently running.
func (g *Group[K, V]) InFlight(key K) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.flight[key]
	return ok
}

// Stats returns how many calls executed versus how many were coalesced onto
// another caller's execution.
func (g *Group[K, V]) Stats() GroupStats {
	return GroupStats{
		Deduped:  g.deduped.Load(),
		Executed: g.executed.Load(),
	}
}

// GroupStats counts executions and avoided duplicates.
type GroupStats struct {
	Deduped  uint64
	Executed uint64
}
