package llm

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestBatcherFlushesAtMaxSize(t *testing.T) {
	var calls atomic.Int32
	run := func(_ context.Context, model string, req Request) (Result, error) {
		calls.Add(1)
		return Result{Content: req.Messages[0].Content, Model: model}, nil
	}
	b := newBatcher(2, time.Hour, run, testLogger())

	var wg sync.WaitGroup
	results := make([]Result, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			content := string(rune('a' + i))
			res, err := b.enqueue(context.Background(), "m", Request{
				Kind:     KindToolPlanning,
				Messages: []Message{{Role: "user", Content: content}},
			})
			if err != nil {
				t.Errorf("enqueue %d: %v", i, err)
			}
			results[i] = res
		}(i)
	}
	wg.Wait()

	if got := calls.Load(); got != 2 {
		t.Fatalf("run calls = %d, want 2", got)
	}
	for i, res := range results {
		if want := string(rune('a' + i)); res.Content != want {
			t.Errorf("result %d content = %q, want %q", i, res.Content, want)
		}
	}
}

func TestBatcherFlushesOnDebounce(t *testing.T) {
	var calls atomic.Int32
	run := func(context.Context, string, Request) (Result, error) {
		calls.Add(1)
		return Result{Content: "done"}, nil
	}
	b := newBatcher(10, 10*time.Millisecond, run, testLogger())

	start := time.Now()
	res, err := b.enqueue(context.Background(), "m", Request{
		Kind:     KindModeSelection,
		Messages: []Message{{Role: "user", Content: "solo"}},
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if res.Content != "done" {
		t.Fatalf("content = %q", res.Content)
	}
	if elapsed := time.Since(start); elapsed < 10*time.Millisecond {
		t.Fatalf("flush fired after %v, inside the debounce window", elapsed)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("run calls = %d", got)
	}
}

func TestBatcherKeepsKindsSeparate(t *testing.T) {
	var mu sync.Mutex
	kinds := map[Kind]int{}
	run := func(_ context.Context, _ string, req Request) (Result, error) {
		mu.Lock()
		kinds[req.Kind]++
		mu.Unlock()
		return Result{Content: "ok"}, nil
	}
	b := newBatcher(5, 5*time.Millisecond, run, testLogger())

	var wg sync.WaitGroup
	for _, kind := range []Kind{KindModeSelection, KindServerSelection, KindModeSelection} {
		wg.Add(1)
		go func(k Kind) {
			defer wg.Done()
			if _, err := b.enqueue(context.Background(), "m", Request{
				Kind:     k,
				Messages: []Message{{Role: "user", Content: string(k)}},
			}); err != nil {
				t.Errorf("enqueue %s: %v", k, err)
			}
		}(kind)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if kinds[KindModeSelection] != 2 || kinds[KindServerSelection] != 1 {
		t.Fatalf("per-kind runs = %v", kinds)
	}
}

func TestBatcherHonorsCallerContext(t *testing.T) {
	run := func(context.Context, string, Request) (Result, error) {
		return Result{Content: "too late"}, nil
	}
	b := newBatcher(10, time.Hour, run, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := b.enqueue(ctx, "m", Request{
		Kind:     KindModeSelection,
		Messages: []Message{{Role: "user", Content: "never"}},
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
