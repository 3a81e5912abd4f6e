package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/conductor/internal/catalog"
	"github.com/haasonsaas/conductor/internal/config"
	"github.com/haasonsaas/conductor/internal/container"
	"github.com/haasonsaas/conductor/internal/dispatch"
	"github.com/haasonsaas/conductor/internal/history"
	"github.com/haasonsaas/conductor/internal/llm"
	"github.com/haasonsaas/conductor/internal/mcp"
	"github.com/haasonsaas/conductor/internal/workflow"
)

// =============================================================================
// Serve Command Handler
// =============================================================================

// runServe implements the serve command: wire everything, start, wait for a
// shutdown signal, stop in reverse order.
func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	level := new(slog.LevelVar)
	level.Set(parseLevel(cfg.Logging.Level))
	if debug {
		level.Set(slog.LevelDebug)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	// --debug pins the level; config reloads may not lower it.
	reloadLevel := level
	if debug {
		reloadLevel = nil
	}

	slog.Info("starting conductor",
		"version", version,
		"commit", commit,
		"config", configPath,
		"providers", len(cfg.Providers),
		"schedules", len(cfg.Workflow.Schedules),
	)

	c, err := buildCore(cfg, logger, nil)
	if err != nil {
		return fmt.Errorf("failed to wire services: %w", err)
	}
	if err := registerServeExtras(c, cfg, configPath, reloadLevel, logger); err != nil {
		return fmt.Errorf("failed to wire daemon services: %w", err)
	}

	// Cancel on shutdown signals.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := c.Initialize(ctx); err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}
	if err := c.Start(ctx); err != nil {
		stopContainer(c, logger)
		return fmt.Errorf("startup failed: %w", err)
	}

	slog.Info("conductor started", "services", strings.Join(c.Names(), ", "))

	<-ctx.Done()
	slog.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := c.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}

	slog.Info("conductor stopped gracefully")
	return nil
}

// stopContainer tears a container down with a bounded grace period. Used on
// startup failures and by the one-shot commands.
func stopContainer(c *container.Container, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.Stop(ctx); err != nil {
		logger.Warn("shutdown reported errors", "error", err)
	}
}

// startCore builds, initializes, and starts the core container for one-shot
// commands that need live providers.
func startCore(ctx context.Context, configPath string, events workflow.Sink) (*container.Container, *config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(cfg.Logging.Level),
	}))

	c, err := buildCore(cfg, logger, events)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to wire services: %w", err)
	}
	if err := c.Initialize(ctx); err != nil {
		return nil, nil, nil, fmt.Errorf("initialization failed: %w", err)
	}
	if err := c.Start(ctx); err != nil {
		stopContainer(c, logger)
		return nil, nil, nil, fmt.Errorf("startup failed: %w", err)
	}
	return c, cfg, logger, nil
}

// =============================================================================
// Provider and Tool Command Handlers
// =============================================================================

func runProviders(cmd *cobra.Command, configPath string) error {
	c, _, logger, err := startCore(cmd.Context(), configPath, nil)
	if err != nil {
		return err
	}
	defer stopContainer(c, logger)

	sup, err := container.As[*mcp.Supervisor](cmd.Context(), c, "supervisor")
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	statuses := sup.Statuses()
	if len(statuses) == 0 {
		fmt.Fprintln(out, "No providers configured.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PROVIDER\tSTATE\tTOOLS\tPENDING")
	for _, st := range statuses {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\n", st.Name, st.State, st.Tools, st.Pending)
	}
	return w.Flush()
}

func runTools(cmd *cobra.Command, configPath, provider string, detailed bool) error {
	c, _, logger, err := startCore(cmd.Context(), configPath, nil)
	if err != nil {
		return err
	}
	defer stopContainer(c, logger)

	cat, err := container.As[*catalog.Catalog](cmd.Context(), c, "catalog")
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	snap := cat.Snapshot()
	if snap.Len() == 0 {
		fmt.Fprintln(out, "No tools advertised.")
		return nil
	}

	var providers []string
	if provider != "" {
		if !snap.HasProvider(provider) {
			return fmt.Errorf("unknown provider %q (known: %s)", provider, strings.Join(snap.Providers(), ", "))
		}
		providers = []string{provider}
	}

	if detailed {
		fmt.Fprint(out, snap.Detailed(providers...))
	} else {
		fmt.Fprint(out, snap.Summary(providers...))
	}
	return nil
}

type callOptions struct {
	configPath  string
	provider    string
	tool        string
	params      string
	sessionID   string
	mode        string
	intent      string
	readonly    bool
	autoApprove bool
	asJSON      bool
}

func runCall(cmd *cobra.Command, opts callOptions) error {
	var params map[string]any
	if err := json.Unmarshal([]byte(opts.params), &params); err != nil {
		return fmt.Errorf("invalid --params: %w", err)
	}

	c, _, logger, err := startCore(cmd.Context(), opts.configPath, nil)
	if err != nil {
		return err
	}
	defer stopContainer(c, logger)

	d, err := container.As[*dispatch.Dispatcher](cmd.Context(), c, "dispatcher")
	if err != nil {
		return err
	}

	batch, err := d.Dispatch(cmd.Context(), dispatch.Request{
		SessionID:    opts.sessionID,
		Mode:         opts.mode,
		ReadonlyMode: opts.readonly,
		AutoApprove:  opts.autoApprove,
		Intent:       opts.intent,
		Calls: []catalog.ToolCall{{
			Provider:   opts.provider,
			Tool:       opts.tool,
			Parameters: params,
			Origin:     "user",
		}},
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if opts.asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(batch)
	}

	for _, r := range batch.Results {
		fmt.Fprintf(out, "%s\n", r.Tool)
		fmt.Fprintf(out, "  Verdict:  %s\n", r.Verdict)
		fmt.Fprintf(out, "  Executed: %t\n", r.Executed)
		if r.Executed {
			fmt.Fprintf(out, "  Success:  %t\n", r.Success)
			fmt.Fprintf(out, "  Duration: %s\n", r.Duration.Round(time.Millisecond))
		}
		if r.Output != "" {
			fmt.Fprintf(out, "  Output:   %s\n", r.Output)
		}
		if r.Error != "" {
			fmt.Fprintf(out, "  Error:    %s (%s)\n", r.Error, r.ErrorKind)
		}
		for _, s := range r.Suggestions {
			fmt.Fprintf(out, "  Hint:     %s\n", s)
		}
	}
	for _, warn := range batch.Warnings {
		fmt.Fprintf(out, "Warning: %s\n", warn.Message)
	}
	return nil
}

func runModels(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(cfg.Logging.Level),
	}))

	// Models need only the optimizer chain; no providers are spawned.
	c, err := buildCore(cfg, logger, nil)
	if err != nil {
		return fmt.Errorf("failed to wire services: %w", err)
	}
	defer stopContainer(c, logger)

	opt, err := container.As[*llm.Optimizer](cmd.Context(), c, "optimizer")
	if err != nil {
		return err
	}

	records, err := opt.Checker().Models(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to list models: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(records) == 0 {
		fmt.Fprintln(out, "No models advertised.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "MODEL\tPROVIDER\tRATE LIMIT")
	for _, rec := range records {
		limit := "-"
		if rec.RateLimit != nil && rec.RateLimit.PerMinute > 0 {
			limit = fmt.Sprintf("%.0f/min", rec.RateLimit.PerMinute)
		}
		provider := rec.Provider
		if provider == "" {
			provider = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", rec.ID, provider, limit)
	}
	return w.Flush()
}

// =============================================================================
// Workflow Command Handlers
// =============================================================================

type workflowRunOptions struct {
	configPath  string
	message     string
	mode        string
	sessionID   string
	autoApprove bool
	verbose     bool
	asJSON      bool
}

func runWorkflowRun(cmd *cobra.Command, opts workflowRunOptions) error {
	var sink workflow.Sink
	if opts.verbose {
		errOut := cmd.ErrOrStderr()
		sink = func(e workflow.Event) {
			if e.ItemID != "" {
				fmt.Fprintf(errOut, "[%d] %s %s\n", e.Seq, e.Type, e.ItemID)
				return
			}
			fmt.Fprintf(errOut, "[%d] %s\n", e.Seq, e.Type)
		}
	}

	c, _, logger, err := startCore(cmd.Context(), opts.configPath, sink)
	if err != nil {
		return err
	}
	defer stopContainer(c, logger)

	runner, err := container.As[*sessionRunner](cmd.Context(), c, "runner")
	if err != nil {
		return err
	}

	outcome, err := runner.Run(cmd.Context(), workflow.Request{
		SessionID:   opts.sessionID,
		UserMessage: opts.message,
		Mode:        opts.mode,
		AutoApprove: opts.autoApprove,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if opts.asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(outcome)
	}

	fmt.Fprintf(out, "Session: %s (mode: %s)\n", outcome.SessionID, outcome.Mode)
	if outcome.Throttled {
		fmt.Fprintf(out, "Throttled: retry in %s\n", outcome.RetryIn)
	}
	fmt.Fprintf(out, "Summary: %s\n", outcome.Summary)
	if len(outcome.Items) > 0 {
		fmt.Fprintln(out, "Items:")
		for _, it := range outcome.Items {
			line := fmt.Sprintf("  [%s] %s", it.Status, it.Action)
			if it.Attempts > 1 {
				line += fmt.Sprintf(" (attempts: %d)", it.Attempts)
			}
			if it.FailureKind != "" {
				line += " - " + it.FailureKind
			}
			fmt.Fprintln(out, line)
		}
	}
	return nil
}

func runWorkflowSchedules(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(cfg.Workflow.Schedules) == 0 {
		fmt.Fprintln(out, "No schedules configured.")
		return nil
	}

	// A nil runner is fine for listing; the scheduler is never started.
	sched, err := workflow.NewScheduler(cfg.Workflow.Schedules, nil, slog.Default())
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSPEC\tMODE\tNEXT RUN")
	for _, en := range sched.Entries() {
		next := "-"
		if !en.NextRun.IsZero() {
			next = en.NextRun.Format(time.RFC3339)
		}
		mode := en.Mode
		if mode == "" {
			mode = "task"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", en.Name, en.Spec, mode, next)
	}
	return w.Flush()
}

// =============================================================================
// History and Config Command Handlers
// =============================================================================

func runHistory(cmd *cobra.Command, configPath string, limit int) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	out := cmd.OutOrStdout()
	if cfg.History.Database == "" {
		fmt.Fprintln(out, "No audit store configured (set history.database to a sqlite path).")
		return nil
	}

	store, err := history.OpenStore(cfg.History.Database, slog.Default())
	if err != nil {
		return fmt.Errorf("failed to open audit store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Warn("failed to close audit store", "error", err)
		}
	}()

	entries, err := store.Recent(cmd.Context(), limit)
	if err != nil {
		return fmt.Errorf("failed to read audit store: %w", err)
	}
	if len(entries) == 0 {
		fmt.Fprintln(out, "No recorded calls.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tSESSION\tTOOL\tOK\tERROR\tDURATION")
	for _, e := range entries {
		status := "yes"
		errKind := "-"
		if !e.Success {
			status = "no"
			errKind = e.ErrorKind
		}
		session := e.SessionID
		if session == "" {
			session = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.At.Format("2006-01-02 15:04:05"),
			session,
			e.Qualified,
			status,
			errKind,
			e.Duration.Round(time.Millisecond))
	}
	return w.Flush()
}

func runConfigValidate(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	enabled := 0
	for _, p := range cfg.Providers {
		if p.Enabled {
			enabled++
		}
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Configuration OK: %s\n", configPath)
	fmt.Fprintf(out, "  Providers: %d configured, %d enabled\n", len(cfg.Providers), enabled)
	fmt.Fprintf(out, "  Schedules: %d\n", len(cfg.Workflow.Schedules))
	fmt.Fprintf(out, "  LLM provider: %s\n", cfg.LLM.Provider)
	if cfg.Metrics.Enabled {
		fmt.Fprintf(out, "  Metrics: enabled on %s\n", cfg.Metrics.Listen)
	} else {
		fmt.Fprintln(out, "  Metrics: disabled")
	}
	return nil
}
