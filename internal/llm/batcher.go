package llm

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const defaultBatchParallel = 3

// batcher coalesces batchable requests into per-kind queues. A queue
// flushes when it reaches maxSize or when the debounce timer started
// by its first entry elapses. A flush currently runs its items as
// parallel single completions under a small cap; swapping in a true
// multi-request call later only changes flush.
type batcher struct {
	maxSize  int
	debounce time.Duration
	parallel int
	run      func(ctx context.Context, model string, req Request) (Result, error)
	logger   *slog.Logger

	mu     sync.Mutex
	queues map[Kind]*kindQueue
}

type kindQueue struct {
	items []*batchItem
	timer *time.Timer
}

type batchItem struct {
	ctx   context.Context
	model string
	req   Request
	out   chan batchOutcome
}

type batchOutcome struct {
	res Result
	err error
}

func newBatcher(maxSize int, debounce time.Duration, run func(ctx context.Context, model string, req Request) (Result, error), logger *slog.Logger) *batcher {
	if maxSize <= 0 {
		maxSize = 5
	}
	if debounce <= 0 {
		debounce = 100 * time.Millisecond
	}
	return &batcher{
		maxSize:  maxSize,
		debounce: debounce,
		parallel: defaultBatchParallel,
		run:      run,
		logger:   logger,
		queues:   make(map[Kind]*kindQueue),
	}
}

// enqueue parks the request in its kind's queue and blocks until the
// flush delivers an outcome or ctx ends.
func (b *batcher) enqueue(ctx context.Context, model string, req Request) (Result, error) {
	item := &batchItem{ctx: ctx, model: model, req: req, out: make(chan batchOutcome, 1)}

	b.mu.Lock()
	q := b.queues[req.Kind]
	if q == nil {
		q = &kindQueue{}
		b.queues[req.Kind] = q
	}
	q.items = append(q.items, item)
	switch {
	case len(q.items) >= b.maxSize:
		if q.timer != nil {
			q.timer.Stop()
		}
		items := q.items
		q.items = nil
		q.timer = nil
		b.mu.Unlock()
		go b.flush(req.Kind, items)
	case q.timer == nil:
		kind := req.Kind
		q.timer = time.AfterFunc(b.debounce, func() { b.flushKind(kind) })
		b.mu.Unlock()
	default:
		b.mu.Unlock()
	}

	select {
	case outcome := <-item.out:
		return outcome.res, outcome.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (b *batcher) flushKind(kind Kind) {
	b.mu.Lock()
	q := b.queues[kind]
	if q == nil || len(q.items) == 0 {
		if q != nil {
			q.timer = nil
		}
		b.mu.Unlock()
		return
	}
	items := q.items
	q.items = nil
	q.timer = nil
	b.mu.Unlock()
	b.flush(kind, items)
}

func (b *batcher) flush(kind Kind, items []*batchItem) {
	b.logger.Debug("flushing request batch", "kind", kind, "size", len(items))
	sem := make(chan struct{}, b.parallel)
	for _, item := range items {
		sem <- struct{}{}
		go func(it *batchItem) {
			defer func() { <-sem }()
			if err := it.ctx.Err(); err != nil {
				it.out <- batchOutcome{err: err}
				return
			}
			res, err := b.run(it.ctx, it.model, it.req)
			it.out <- batchOutcome{res: res, err: err}
		}(item)
	}
}
