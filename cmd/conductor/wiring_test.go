package main

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/haasonsaas/conductor/internal/config"
	"github.com/haasonsaas/conductor/internal/container"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *config.Config {
	return &config.Config{
		Providers: map[string]config.ProviderConfig{
			"filesystem": {Command: "mcp-filesystem", Enabled: true},
		},
		History:  config.HistoryConfig{Capacity: 64},
		Workflow: config.WorkflowConfig{MaxAttemptsPerItem: 2, ParallelItems: 2},
		Session:  config.SessionConfig{TTLMS: 60000},
	}
}

func TestBuildCoreWiresAllServices(t *testing.T) {
	ctx := context.Background()
	logger := testLogger()
	cfg := testConfig()

	c, err := buildCore(cfg, logger, nil)
	if err != nil {
		t.Fatalf("buildCore() error = %v", err)
	}
	if err := registerServeExtras(c, cfg, "conductor.yaml", nil, logger); err != nil {
		t.Fatalf("registerServeExtras() error = %v", err)
	}

	// Initialize resolves the whole graph; a broken edge or a cycle
	// surfaces here.
	if err := c.Initialize(ctx); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	defer stopContainer(c, logger)

	want := []string{
		"metrics", "ratelimit", "optimizer", "supervisor", "catalog",
		"history", "validate", "inspect", "dispatcher", "sessions",
		"engine", "runner", "scheduler", "config-watcher",
	}
	names := c.Names()
	if len(names) != len(want) {
		t.Fatalf("Names() = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("Names()[%d] = %s, want %s", i, names[i], want[i])
		}
	}
	for _, name := range want {
		if !c.Resolved(name) {
			t.Fatalf("service %s not resolved after Initialize", name)
		}
	}

	if _, err := container.As[*sessionRunner](ctx, c, "runner"); err != nil {
		t.Fatalf("resolve runner: %v", err)
	}
}

func TestBuildCoreSkipsOptionalServices(t *testing.T) {
	logger := testLogger()
	cfg := testConfig()

	c, err := buildCore(cfg, logger, nil)
	if err != nil {
		t.Fatalf("buildCore() error = %v", err)
	}
	if err := registerServeExtras(c, cfg, "conductor.yaml", nil, logger); err != nil {
		t.Fatalf("registerServeExtras() error = %v", err)
	}

	for _, name := range c.Names() {
		if name == "audit" {
			t.Fatal("audit store registered without history.database")
		}
		if name == "metrics-server" {
			t.Fatal("metrics server registered while metrics.enabled is false")
		}
	}
}
