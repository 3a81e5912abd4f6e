package infra

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestGroup_SingleCaller(t *testing.T) {
	var g Group[string, int]

	val, err, shared := g.Do("k", func() (int, error) { return 42, nil })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if val != 42 {
		t.Errorf("val = %d, want 42", val)
	}
	if shared {
		t.Error("single caller must not report shared")
	}
}

func TestGroup_ConcurrentCallersShareOneExecution(t *testing.T) {
	var g Group[string, string]
	var executions atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})

	fn := func() (string, error) {
		executions.Add(1)
		close(started)
		<-release
		return "body", nil
	}

	var wg sync.WaitGroup
	results := make([]string, 5)
	sharedFlags := make([]bool, 5)

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], _, sharedFlags[0] = g.Do("fp", fn)
	}()

	<-started
	for i := 1; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _, sharedFlags[i] = g.Do("fp", func() (string, error) {
				executions.Add(1)
				return "dup", nil
			})
		}(i)
	}

	// Give the duplicates time to join the in-flight call.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := executions.Load(); got != 1 {
		t.Fatalf("executions = %d, want 1", got)
	}
	for i, r := range results {
		if r != "body" {
			t.Errorf("caller %d got %q, want body", i, r)
		}
	}

	stats := g.Stats()
	if stats.Executed != 1 {
		t.Errorf("executed = %d, want 1", stats.Executed)
	}
	if stats.Deduped != 4 {
		t.Errorf("deduped = %d, want 4", stats.Deduped)
	}
}

func TestGroup_ErrorsAreShared(t *testing.T) {
	var g Group[string, int]
	boom := errors.New("boom")
	started := make(chan struct{})
	release := make(chan struct{})

	done := make(chan error, 2)
	go func() {
		_, err, _ := g.Do("k", func() (int, error) {
			close(started)
			<-release
			return 0, boom
		})
		done <- err
	}()

	<-started
	go func() {
		_, err, _ := g.Do("k", func() (int, error) { return 0, nil })
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	close(release)

	for i := 0; i < 2; i++ {
		if err := <-done; !errors.Is(err, boom) {
			t.Errorf("caller %d err = %v, want boom", i, err)
		}
	}
}

func TestGroup_KeyForgottenAfterCompletion(t *testing.T) {
	var g Group[string, int]
	var executions atomic.Int32

	for i := 0; i < 3; i++ {
		_, _, _ = g.Do("k", func() (int, error) {
			executions.Add(1)
			return i, nil
		})
	}

	if got := executions.Load(); got != 3 {
		t.Errorf("sequential calls must each execute, got %d executions", got)
	}
	if g.InFlight("k") {
		t.Error("key should not remain in flight after completion")
	}
}

func TestGroup_Forget(t *testing.T) {
	var g Group[string, int]
	started := make(chan struct{})
	release := make(chan struct{})

	go g.Do("k", func() (int, error) {
		close(started)
		<-release
		return 1, nil
	})

	<-started
	g.Forget("k")

	// After Forget, a new Do must execute fresh rather than join.
	ran := false
	val, _, _ := g.Do("k", func() (int, error) { ran = true; return 2, nil })
	close(release)

	if !ran || val != 2 {
		t.Errorf("post-Forget Do did not execute fresh (ran=%v val=%d)", ran, val)
	}
}
