package infra

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrAwaiterDuplicate is returned when an id is registered twice.
var ErrAwaiterDuplicate = errors.New("awaiter id already registered")

// ErrAwaiterTimeout is wrapped into the rejection when a deadline elapses
// before the awaiter settles.
var ErrAwaiterTimeout = errors.New("awaiter deadline elapsed")

// Awaiters correlates request ids with their eventual outcomes. Each
// registered id settles exactly once: resolved with a value, rejected with an
// error, cancelled, or timed out at its deadline. The registry owns the
// deadline timers, so an abandoned awaiter can never outlive its deadline.
type Awaiters[K comparable, V any] struct {
	mu      sync.Mutex
	pending map[K]*Awaiter[V]

	issued    uint64
	resolved  uint64
	rejected  uint64
	cancelled uint64
}

// Awaiter is one settled-exactly-once future.
type Awaiter[V any] struct {
	ch    chan awaitOutcome[V]
	timer *time.Timer
}

type awaitOutcome[V any] struct {
	val V
	err error
}

// NewAwaiters creates an empty registry.
func NewAwaiters[K comparable, V any]() *Awaiters[K, V] {
	return &Awaiters[K, V]{pending: make(map[K]*Awaiter[V])}
}

// Register creates an awaiter for id with the given deadline. A zero deadline
// means no timeout. Registering an id that is already pending is a caller bug
// and returns ErrAwaiterDuplicate.
func (a *Awaiters[K, V]) Register(id K, deadline time.Duration) (*Awaiter[V], error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.pending[id]; ok {
		return nil, fmt.Errorf("%w: %v", ErrAwaiterDuplicate, id)
	}

	w := &Awaiter[V]{ch: make(chan awaitOutcome[V], 1)}
	a.pending[id] = w
	a.issued++

	if deadline > 0 {
		w.timer = time.AfterFunc(deadline, func() {
			a.settle(id, awaitOutcome[V]{err: fmt.Errorf("%w after %s", ErrAwaiterTimeout, deadline)}, &a.rejected)
		})
	}

	return w, nil
}

// Resolve settles id with a value. Returns false if the id is not pending.
func (a *Awaiters[K, V]) Resolve(id K, val V) bool {
	return a.settle(id, awaitOutcome[V]{val: val}, &a.resolved)
}

// Reject settles id with an error.
func (a *Awaiters[K, V]) Reject(id K, err error) bool {
	return a.settle(id, awaitOutcome[V]{err: err}, &a.rejected)
}

// Cancel settles id with a cancellation error.
func (a *Awaiters[K, V]) Cancel(id K, err error) bool {
	if err == nil {
		err = context.Canceled
	}
	return a.settle(id, awaitOutcome[V]{err: err}, &a.cancelled)
}

// RejectAll settles every pending awaiter with err. Used on shutdown and on
// fatal transport errors so no caller is left hanging.
func (a *Awaiters[K, V]) RejectAll(err error) int {
	a.mu.Lock()
	ids := make([]K, 0, len(a.pending))
	for id := range a.pending {
		ids = append(ids, id)
	}
	a.mu.Unlock()

	n := 0
	for _, id := range ids {
		if a.settle(id, awaitOutcome[V]{err: err}, &a.rejected) {
			n++
		}
	}
	return n
}

// settle removes id from the pending map and delivers the outcome. Removal
// under the mutex is the exactly-once guard: only one settle call wins.
func (a *Awaiters[K, V]) settle(id K, out awaitOutcome[V], counter *uint64) bool {
	a.mu.Lock()
	w, ok := a.pending[id]
	if ok {
		delete(a.pending, id)
		*counter++
	}
	a.mu.Unlock()

	if !ok {
		return false
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.ch <- out
	return true
}

// Pending returns the number of unsettled awaiters.
func (a *Awaiters[K, V]) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// Stats returns lifetime counters. At any quiescent point
// issued == resolved + rejected + cancelled + pending.
func (a *Awaiters[K, V]) Stats() AwaiterStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return AwaiterStats{
		Issued:    a.issued,
		Resolved:  a.resolved,
		Rejected:  a.rejected,
		Cancelled: a.cancelled,
		Pending:   len(a.pending),
	}
}

// AwaiterStats counts awaiter outcomes.
type AwaiterStats struct {
	Issued    uint64
	Resolved  uint64
	Rejected  uint64
	Cancelled uint64
	Pending   int
}

// Wait blocks until the awaiter settles or ctx is done. Context cancellation
// does NOT settle the awaiter; the owner must Cancel explicitly so that the
// settle counters stay truthful.
func (w *Awaiter[V]) Wait(ctx context.Context) (V, error) {
	select {
	case out := <-w.ch:
		return out.val, out.err
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	}
}
