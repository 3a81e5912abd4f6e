package container

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func value(v any) Factory {
	return func(ctx context.Context, deps Deps) (any, error) { return v, nil }
}

func TestRegisterValidates(t *testing.T) {
	noop := func(ctx context.Context, instance any) error { return nil }

	tests := []struct {
		name    string
		service string
		factory Factory
		opts    []Option
		wantErr string
	}{
		{
			name:    "empty name",
			service: "",
			factory: value(1),
			wantErr: "name is required",
		},
		{
			name:    "nil factory",
			service: "a",
			wantErr: "factory is required",
		},
		{
			name:    "hooks on transient",
			service: "a",
			factory: value(1),
			opts:    []Option{OnStart(noop)},
			wantErr: "lifecycle hooks require a singleton",
		},
		{
			name:    "valid singleton with hooks",
			service: "a",
			factory: value(1),
			opts:    []Option{Singleton(), OnInit(noop), OnStop(noop)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(testLogger())
			err := c.Register(tt.service, tt.factory, tt.opts...)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Register() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Register() error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestRegisterDuplicatePolicy(t *testing.T) {
	ctx := context.Background()
	c := New(testLogger())

	if err := c.Register("store", value("first"), Singleton()); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	// Before the singleton is resolved, a duplicate is rejected.
	err := c.Register("store", value("second"), Singleton())
	if err == nil || !strings.Contains(err.Error(), "already registered") {
		t.Fatalf("duplicate Register() error = %v, want already registered", err)
	}

	if _, err := c.Resolve(ctx, "store"); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	// After resolution, re-registration is an idempotent no-op.
	if err := c.Register("store", value("second"), Singleton()); err != nil {
		t.Fatalf("Register() after resolve error = %v", err)
	}
	got, err := c.Resolve(ctx, "store")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got != "first" {
		t.Fatalf("Resolve() = %v, want cached first instance", got)
	}

	// Explicit override replaces the registration and drops the cache.
	if err := c.Register("store", value("third"), Singleton(), Override()); err != nil {
		t.Fatalf("Register() with Override error = %v", err)
	}
	got, err = c.Resolve(ctx, "store")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got != "third" {
		t.Fatalf("Resolve() after override = %v, want third", got)
	}
}

func TestResolveBuildsDependencies(t *testing.T) {
	ctx := context.Background()
	c := New(testLogger())

	builds := 0
	if err := c.Register("base", func(ctx context.Context, deps Deps) (any, error) {
		builds++
		return 40, nil
	}, Singleton()); err != nil {
		t.Fatalf("Register(base) error = %v", err)
	}
	if err := c.Register("derived", func(ctx context.Context, deps Deps) (any, error) {
		base, err := Dep[int](deps, "base")
		if err != nil {
			return nil, err
		}
		return base + 2, nil
	}, DependsOn("base")); err != nil {
		t.Fatalf("Register(derived) error = %v", err)
	}

	for i := 0; i < 2; i++ {
		got, err := c.Resolve(ctx, "derived")
		if err != nil {
			t.Fatalf("Resolve() error = %v", err)
		}
		if got != 42 {
			t.Fatalf("Resolve(derived) = %v, want 42", got)
		}
	}
	if builds != 1 {
		t.Fatalf("singleton base built %d times, want 1", builds)
	}
}

func TestResolveTransientRebuilds(t *testing.T) {
	ctx := context.Background()
	c := New(testLogger())

	builds := 0
	if err := c.Register("worker", func(ctx context.Context, deps Deps) (any, error) {
		builds++
		return builds, nil
	}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	for want := 1; want <= 3; want++ {
		got, err := c.Resolve(ctx, "worker")
		if err != nil {
			t.Fatalf("Resolve() error = %v", err)
		}
		if got != want {
			t.Fatalf("Resolve() = %v, want %d", got, want)
		}
	}
}

func TestResolveUnknownService(t *testing.T) {
	ctx := context.Background()
	c := New(testLogger())

	_, err := c.Resolve(ctx, "ghost")
	if err == nil || !strings.Contains(err.Error(), `unknown service "ghost"`) {
		t.Fatalf("Resolve(ghost) error = %v", err)
	}

	if err := c.Register("a", value(1), DependsOn("ghost")); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	_, err = c.Resolve(ctx, "a")
	if err == nil || !strings.Contains(err.Error(), "required by a") {
		t.Fatalf("Resolve(a) error = %v, want required-by context", err)
	}
}

func TestResolveCycleReportsChain(t *testing.T) {
	ctx := context.Background()
	c := New(testLogger())

	deps := map[string]string{"a": "b", "b": "c", "c": "a"}
	for name, dep := range deps {
		if err := c.Register(name, value(name), DependsOn(dep)); err != nil {
			t.Fatalf("Register(%s) error = %v", name, err)
		}
	}

	_, err := c.Resolve(ctx, "a")
	if err == nil {
		t.Fatal("Resolve() did not detect the cycle")
	}
	if !strings.Contains(err.Error(), "dependency cycle: a -> b -> c -> a") {
		t.Fatalf("Resolve() error = %v, want full chain", err)
	}
}

func TestResolveSelfCycle(t *testing.T) {
	ctx := context.Background()
	c := New(testLogger())

	if err := c.Register("a", value(1), DependsOn("a")); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	_, err := c.Resolve(ctx, "a")
	if err == nil || !strings.Contains(err.Error(), "dependency cycle: a -> a") {
		t.Fatalf("Resolve() error = %v, want self cycle", err)
	}
}

func TestDepsRejectUndeclared(t *testing.T) {
	ctx := context.Background()
	c := New(testLogger())

	if err := c.Register("hidden", value("secret"), Singleton()); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := c.Register("sneaky", func(ctx context.Context, deps Deps) (any, error) {
		return deps.Get("hidden")
	}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	_, err := c.Resolve(ctx, "sneaky")
	if err == nil || !strings.Contains(err.Error(), `undeclared dependency "hidden"`) {
		t.Fatalf("Resolve() error = %v, want undeclared dependency", err)
	}
}

func TestDepTypeMismatch(t *testing.T) {
	d := Deps{values: map[string]any{"n": "not a number"}}
	_, err := Dep[int](d, "n")
	if err == nil || !strings.Contains(err.Error(), "is string, not int") {
		t.Fatalf("Dep() error = %v, want type mismatch", err)
	}
}

func TestAsResolvesTyped(t *testing.T) {
	ctx := context.Background()
	c := New(testLogger())

	if err := c.Register("answer", value(42), Singleton()); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	n, err := As[int](ctx, c, "answer")
	if err != nil {
		t.Fatalf("As() error = %v", err)
	}
	if n != 42 {
		t.Fatalf("As() = %d, want 42", n)
	}
	if _, err := As[string](ctx, c, "answer"); err == nil || !strings.Contains(err.Error(), "is int, not string") {
		t.Fatalf("As() error = %v, want type mismatch", err)
	}
	if _, err := As[int](ctx, c, "ghost"); err == nil || !strings.Contains(err.Error(), "unknown service") {
		t.Fatalf("As() error = %v, want unknown service", err)
	}
}

func TestInitializeOrder(t *testing.T) {
	ctx := context.Background()
	c := New(testLogger())

	var events []string
	record := func(tag string) Factory {
		return func(ctx context.Context, deps Deps) (any, error) {
			events = append(events, "build:"+tag)
			return tag, nil
		}
	}
	initHook := func(tag string) Hook {
		return func(ctx context.Context, instance any) error {
			events = append(events, "init:"+tag)
			return nil
		}
	}

	// b is registered first but depends on a, so a builds first while init
	// hooks still follow registration order.
	if err := c.Register("b", record("b"), Singleton(), DependsOn("a"), OnInit(initHook("b"))); err != nil {
		t.Fatalf("Register(b) error = %v", err)
	}
	if err := c.Register("a", record("a"), Singleton(), OnInit(initHook("a"))); err != nil {
		t.Fatalf("Register(a) error = %v", err)
	}

	if err := c.Initialize(ctx); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	want := []string{"build:a", "build:b", "init:b", "init:a"}
	if len(events) != len(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("events[%d] = %s, want %s (all: %v)", i, events[i], want[i], events)
		}
	}

	// Initialize is idempotent.
	if err := c.Initialize(ctx); err != nil {
		t.Fatalf("second Initialize() error = %v", err)
	}
	if len(events) != len(want) {
		t.Fatalf("second Initialize() re-ran work: %v", events)
	}
}

func TestInitHookFailureBlocksStart(t *testing.T) {
	ctx := context.Background()
	c := New(testLogger())

	if err := c.Register("a", value(1), Singleton(), OnInit(func(ctx context.Context, instance any) error {
		return errors.New("boom")
	})); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	err := c.Initialize(ctx)
	if err == nil || !strings.Contains(err.Error(), "init a: boom") {
		t.Fatalf("Initialize() error = %v", err)
	}

	if err := c.Start(ctx); err == nil || !strings.Contains(err.Error(), "not initialized") {
		t.Fatalf("Start() error = %v, want not initialized", err)
	}
}

func TestStartStopOrder(t *testing.T) {
	ctx := context.Background()
	c := New(testLogger())

	var events []string
	hook := func(tag string) Hook {
		return func(ctx context.Context, instance any) error {
			events = append(events, tag)
			return nil
		}
	}
	for _, name := range []string{"a", "b", "c"} {
		if err := c.Register(name, value(name), Singleton(),
			OnStart(hook("start:"+name)), OnStop(hook("stop:"+name))); err != nil {
			t.Fatalf("Register(%s) error = %v", name, err)
		}
	}

	if err := c.Initialize(ctx); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := c.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	want := []string{"start:a", "start:b", "start:c", "stop:c", "stop:b", "stop:a"}
	if len(events) != len(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("events[%d] = %s, want %s (all: %v)", i, events[i], want[i], events)
		}
	}
}

func TestStartStopsAtFirstFailure(t *testing.T) {
	ctx := context.Background()
	c := New(testLogger())

	var started []string
	ok := func(tag string) Hook {
		return func(ctx context.Context, instance any) error {
			started = append(started, tag)
			return nil
		}
	}
	if err := c.Register("a", value(1), Singleton(), OnStart(ok("a"))); err != nil {
		t.Fatalf("Register(a) error = %v", err)
	}
	if err := c.Register("b", value(2), Singleton(), OnStart(func(ctx context.Context, instance any) error {
		return errors.New("bind: address already in use")
	})); err != nil {
		t.Fatalf("Register(b) error = %v", err)
	}
	if err := c.Register("c", value(3), Singleton(), OnStart(ok("c"))); err != nil {
		t.Fatalf("Register(c) error = %v", err)
	}

	if err := c.Initialize(ctx); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	err := c.Start(ctx)
	if err == nil || !strings.Contains(err.Error(), "start b:") {
		t.Fatalf("Start() error = %v, want start b failure", err)
	}
	if len(started) != 1 || started[0] != "a" {
		t.Fatalf("started = %v, want only a", started)
	}
}

func TestStopContinuesPastFailure(t *testing.T) {
	ctx := context.Background()
	c := New(testLogger())

	var stopped []string
	ok := func(tag string) Hook {
		return func(ctx context.Context, instance any) error {
			stopped = append(stopped, tag)
			return nil
		}
	}
	if err := c.Register("a", value(1), Singleton(), OnStop(ok("a"))); err != nil {
		t.Fatalf("Register(a) error = %v", err)
	}
	if err := c.Register("b", value(2), Singleton(), OnStop(func(ctx context.Context, instance any) error {
		return errors.New("flush failed")
	})); err != nil {
		t.Fatalf("Register(b) error = %v", err)
	}
	if err := c.Register("c", value(3), Singleton(), OnStop(ok("c"))); err != nil {
		t.Fatalf("Register(c) error = %v", err)
	}

	if err := c.Initialize(ctx); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	err := c.Stop(ctx)
	if err == nil || !strings.Contains(err.Error(), "stop b: flush failed") {
		t.Fatalf("Stop() error = %v, want stop b failure", err)
	}
	if len(stopped) != 2 || stopped[0] != "c" || stopped[1] != "a" {
		t.Fatalf("stopped = %v, want [c a]", stopped)
	}
}

func TestHooksReceiveInstance(t *testing.T) {
	ctx := context.Background()
	c := New(testLogger())

	var got any
	if err := c.Register("svc", value("payload"), Singleton(),
		OnStart(func(ctx context.Context, instance any) error {
			got = instance
			return nil
		})); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	if err := c.Initialize(ctx); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if got != "payload" {
		t.Fatalf("start hook instance = %v, want payload", got)
	}
}

func TestFactoryHonorsContext(t *testing.T) {
	c := New(testLogger())

	if err := c.Register("slow", func(ctx context.Context, deps Deps) (any, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return "never", nil
		}
	}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Resolve(ctx, "slow")
	if err == nil || !strings.Contains(err.Error(), "build slow:") {
		t.Fatalf("Resolve() error = %v, want build failure", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Resolve() error = %v, want context.Canceled", err)
	}
}

func TestNamesAndResolved(t *testing.T) {
	ctx := context.Background()
	c := New(testLogger())

	for _, name := range []string{"config", "catalog", "engine"} {
		if err := c.Register(name, value(name), Singleton()); err != nil {
			t.Fatalf("Register(%s) error = %v", name, err)
		}
	}

	names := c.Names()
	if len(names) != 3 || names[0] != "config" || names[2] != "engine" {
		t.Fatalf("Names() = %v", names)
	}
	if c.Resolved("catalog") {
		t.Fatal("Resolved(catalog) = true before resolve")
	}
	if _, err := c.Resolve(ctx, "catalog"); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if !c.Resolved("catalog") {
		t.Fatal("Resolved(catalog) = false after resolve")
	}
	if c.Resolved("ghost") {
		t.Fatal("Resolved(ghost) = true for unknown service")
	}
}
