package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/haasonsaas/conductor/internal/catalog"
	"github.com/haasonsaas/conductor/internal/config"
	"github.com/haasonsaas/conductor/internal/container"
	"github.com/haasonsaas/conductor/internal/dispatch"
	"github.com/haasonsaas/conductor/internal/history"
	"github.com/haasonsaas/conductor/internal/infra"
	"github.com/haasonsaas/conductor/internal/inspect"
	"github.com/haasonsaas/conductor/internal/llm"
	"github.com/haasonsaas/conductor/internal/mcp"
	"github.com/haasonsaas/conductor/internal/observability"
	"github.com/haasonsaas/conductor/internal/ratelimit"
	"github.com/haasonsaas/conductor/internal/session"
	"github.com/haasonsaas/conductor/internal/validate"
	"github.com/haasonsaas/conductor/internal/workflow"
)

// buildCore registers the orchestrator's components on a container, in
// dependency order: metrics, rate limiter, optimizer, supervisor, catalog,
// history, validation, inspection, dispatcher, sessions, engine, runner.
// Serve-only components (scheduler, metrics server, config watcher) are
// registered by runServe on top. Events may be nil; the engine debug-logs
// every event regardless.
func buildCore(cfg *config.Config, logger *slog.Logger, events workflow.Sink) (*container.Container, error) {
	c := container.New(logger)

	err := c.Register("metrics", func(ctx context.Context, deps container.Deps) (any, error) {
		return observability.NewMetrics(), nil
	}, container.Singleton())
	if err != nil {
		return nil, err
	}

	err = c.Register("ratelimit", func(ctx context.Context, deps container.Deps) (any, error) {
		metrics, err := container.Dep[*observability.Metrics](deps, "metrics")
		if err != nil {
			return nil, err
		}
		return ratelimit.New(ratelimit.Options{
			MaxConcurrent:  cfg.RateLimiter.MaxConcurrent,
			BaseDelay:      cfg.RateLimiter.BaseDelay(),
			MaxDelay:       cfg.RateLimiter.MaxDelay(),
			QueueSoftLimit: cfg.RateLimiter.QueueSoftLimit,
			Breaker: infra.CircuitBreakerConfig{
				Name:              "llm",
				FailureThreshold:  cfg.CircuitBreaker.FailureThreshold,
				HalfOpenSuccesses: cfg.CircuitBreaker.HalfOpenAdmitMax,
				RecoveryAfter:     cfg.CircuitBreaker.Recovery(),
			},
			Metrics: metrics,
			Logger:  logger,
		}), nil
	}, container.Singleton(), container.DependsOn("metrics"),
		container.OnStop(func(ctx context.Context, v any) error {
			v.(*ratelimit.Limiter).Close()
			return nil
		}))
	if err != nil {
		return nil, err
	}

	err = c.Register("optimizer", func(ctx context.Context, deps container.Deps) (any, error) {
		limiter, err := container.Dep[*ratelimit.Limiter](deps, "ratelimit")
		if err != nil {
			return nil, err
		}
		metrics, err := container.Dep[*observability.Metrics](deps, "metrics")
		if err != nil {
			return nil, err
		}
		return llm.NewOptimizer(cfg.LLM, limiter, metrics, logger), nil
	}, container.Singleton(), container.DependsOn("ratelimit", "metrics"),
		container.OnStop(func(ctx context.Context, v any) error {
			v.(*llm.Optimizer).Close()
			return nil
		}))
	if err != nil {
		return nil, err
	}

	err = c.Register("supervisor", func(ctx context.Context, deps container.Deps) (any, error) {
		specs := make(map[string]mcp.LaunchSpec)
		for name, p := range cfg.Providers {
			if !p.Enabled {
				continue
			}
			specs[name] = mcp.LaunchSpec{Command: p.Command, Args: p.Args, Env: p.Env}
		}
		return mcp.NewSupervisor(specs, mcp.Options{
			InitializeTimeout: cfg.MCP.InitializeTimeout(),
			ToolCallTimeout:   cfg.MCP.ToolCallTimeout(),
			ShutdownGrace:     cfg.MCP.ShutdownGrace(),
			StrictHandshake:   cfg.MCP.StrictHandshake,
		}, logger), nil
	}, container.Singleton(),
		container.OnStart(func(ctx context.Context, v any) error {
			return v.(*mcp.Supervisor).StartAll(ctx)
		}),
		container.OnStop(func(ctx context.Context, v any) error {
			return v.(*mcp.Supervisor).Shutdown(ctx)
		}))
	if err != nil {
		return nil, err
	}

	err = c.Register("catalog", func(ctx context.Context, deps container.Deps) (any, error) {
		sup, err := container.Dep[*mcp.Supervisor](deps, "supervisor")
		if err != nil {
			return nil, err
		}
		metrics, err := container.Dep[*observability.Metrics](deps, "metrics")
		if err != nil {
			return nil, err
		}
		cat := catalog.New(sup, logger)
		// The hook fires after every successful tools refresh; resync the
		// per-provider up gauge from the full status list on each one.
		sup.SetToolsChangedHook(func(provider string) {
			cat.Rebuild()
			for _, st := range sup.Statuses() {
				metrics.SetProviderUp(st.Name, st.State == mcp.StateReady)
			}
			logger.Debug("catalog rebuilt", "trigger", provider)
		})
		return cat, nil
	}, container.Singleton(), container.DependsOn("supervisor", "metrics"),
		container.OnStart(func(ctx context.Context, v any) error {
			v.(*catalog.Catalog).Rebuild()
			return nil
		}))
	if err != nil {
		return nil, err
	}

	err = c.Register("history", func(ctx context.Context, deps container.Deps) (any, error) {
		return history.NewRing(cfg.History.Capacity), nil
	}, container.Singleton())
	if err != nil {
		return nil, err
	}

	auditDeps := []string{"history"}
	if cfg.History.Database != "" {
		err = c.Register("audit", func(ctx context.Context, deps container.Deps) (any, error) {
			return history.OpenStore(cfg.History.Database, logger)
		}, container.Singleton(),
			container.OnStop(func(ctx context.Context, v any) error {
				return v.(*history.Store).Close()
			}))
		if err != nil {
			return nil, err
		}
		auditDeps = append(auditDeps, "audit")
	}

	err = c.Register("validate", func(ctx context.Context, deps container.Deps) (any, error) {
		cat, err := container.Dep[*catalog.Catalog](deps, "catalog")
		if err != nil {
			return nil, err
		}
		sup, err := container.Dep[*mcp.Supervisor](deps, "supervisor")
		if err != nil {
			return nil, err
		}
		ring, err := container.Dep[*history.Ring](deps, "history")
		if err != nil {
			return nil, err
		}
		return validatePipeline(cfg, cat, sup, ring, logger), nil
	}, container.Singleton(), container.DependsOn("catalog", "supervisor", "history"))
	if err != nil {
		return nil, err
	}

	err = c.Register("inspect", func(ctx context.Context, deps container.Deps) (any, error) {
		ring, err := container.Dep[*history.Ring](deps, "history")
		if err != nil {
			return nil, err
		}
		opt, err := container.Dep[*llm.Optimizer](deps, "optimizer")
		if err != nil {
			return nil, err
		}
		return inspect.NewChain(inspect.Options{
			Inspection: cfg.Inspection,
			Ring:       ring,
			Reviewer:   llm.NewReviewer(opt, cfg.Inspection.LLMValidator.Model),
			Logger:     logger,
		}), nil
	}, container.Singleton(), container.DependsOn("history", "optimizer"))
	if err != nil {
		return nil, err
	}

	dispatcherDeps := append([]string{"supervisor", "catalog", "validate", "inspect", "metrics"}, auditDeps...)
	err = c.Register("dispatcher", func(ctx context.Context, deps container.Deps) (any, error) {
		sup, err := container.Dep[*mcp.Supervisor](deps, "supervisor")
		if err != nil {
			return nil, err
		}
		cat, err := container.Dep[*catalog.Catalog](deps, "catalog")
		if err != nil {
			return nil, err
		}
		pipeline, err := container.Dep[*validate.Pipeline](deps, "validate")
		if err != nil {
			return nil, err
		}
		chain, err := container.Dep[*inspect.Chain](deps, "inspect")
		if err != nil {
			return nil, err
		}
		ring, err := container.Dep[*history.Ring](deps, "history")
		if err != nil {
			return nil, err
		}
		metrics, err := container.Dep[*observability.Metrics](deps, "metrics")
		if err != nil {
			return nil, err
		}
		// The audit store is optional; absence leaves it nil.
		store, _ := container.Dep[*history.Store](deps, "audit")

		rewrite := make(map[string]bool, len(cfg.Providers))
		for name, p := range cfg.Providers {
			rewrite[name] = p.TmpRewrite()
		}
		return dispatch.New(dispatch.Options{
			Caller:     sup,
			Pipeline:   pipeline,
			Chain:      chain,
			Snapshot:   cat.Snapshot,
			Ring:       ring,
			Store:      store,
			TmpRewrite: rewrite,
			Metrics:    metrics,
			Logger:     logger,
		}), nil
	}, container.Singleton(), container.DependsOn(dispatcherDeps...))
	if err != nil {
		return nil, err
	}

	err = c.Register("sessions", func(ctx context.Context, deps container.Deps) (any, error) {
		metrics, err := container.Dep[*observability.Metrics](deps, "metrics")
		if err != nil {
			return nil, err
		}
		return session.New(cfg.Session, metrics, logger), nil
	}, container.Singleton(), container.DependsOn("metrics"),
		container.OnStop(func(ctx context.Context, v any) error {
			v.(*session.Store).Close()
			return nil
		}))
	if err != nil {
		return nil, err
	}

	err = c.Register("engine", func(ctx context.Context, deps container.Deps) (any, error) {
		opt, err := container.Dep[*llm.Optimizer](deps, "optimizer")
		if err != nil {
			return nil, err
		}
		d, err := container.Dep[*dispatch.Dispatcher](deps, "dispatcher")
		if err != nil {
			return nil, err
		}
		cat, err := container.Dep[*catalog.Catalog](deps, "catalog")
		if err != nil {
			return nil, err
		}
		metrics, err := container.Dep[*observability.Metrics](deps, "metrics")
		if err != nil {
			return nil, err
		}
		return workflow.NewEngine(workflow.Options{
			Config:     cfg.Workflow,
			LLM:        opt,
			Dispatcher: d,
			Snapshot:   cat.Snapshot,
			Events:     events,
			Metrics:    metrics,
			Logger:     logger,
		}), nil
	}, container.Singleton(), container.DependsOn("optimizer", "dispatcher", "catalog", "metrics"))
	if err != nil {
		return nil, err
	}

	err = c.Register("runner", func(ctx context.Context, deps container.Deps) (any, error) {
		engine, err := container.Dep[*workflow.Engine](deps, "engine")
		if err != nil {
			return nil, err
		}
		sessions, err := container.Dep[*session.Store](deps, "sessions")
		if err != nil {
			return nil, err
		}
		return &sessionRunner{engine: engine, sessions: sessions, logger: logger}, nil
	}, container.Singleton(), container.DependsOn("engine", "sessions"))
	if err != nil {
		return nil, err
	}

	return c, nil
}

// registerServeExtras adds the daemon-only components: the workflow
// scheduler, the metrics exposition server, and the config file watcher.
// A nil level pins the log level against reloads.
func registerServeExtras(c *container.Container, cfg *config.Config, configPath string, level *slog.LevelVar, logger *slog.Logger) error {
	err := c.Register("scheduler", func(ctx context.Context, deps container.Deps) (any, error) {
		runner, err := container.Dep[*sessionRunner](deps, "runner")
		if err != nil {
			return nil, err
		}
		return workflow.NewScheduler(cfg.Workflow.Schedules, runner, logger)
	}, container.Singleton(), container.DependsOn("runner"),
		container.OnStart(func(ctx context.Context, v any) error {
			v.(*workflow.Scheduler).Start(ctx)
			return nil
		}),
		container.OnStop(func(ctx context.Context, v any) error {
			v.(*workflow.Scheduler).Stop()
			return nil
		}))
	if err != nil {
		return err
	}

	if cfg.Metrics.Enabled {
		err = c.Register("metrics-server", func(ctx context.Context, deps container.Deps) (any, error) {
			return observability.NewServer(cfg.Metrics.Listen, logger), nil
		}, container.Singleton(),
			container.OnStart(func(ctx context.Context, v any) error {
				return v.(*observability.Server).Start()
			}),
			container.OnStop(func(ctx context.Context, v any) error {
				return v.(*observability.Server).Stop(ctx)
			}))
		if err != nil {
			return err
		}
	}

	err = c.Register("config-watcher", func(ctx context.Context, deps container.Deps) (any, error) {
		w := config.NewWatcher(configPath, logger, 500*time.Millisecond)
		w.Subscribe(func(next *config.Config) {
			// The log level applies immediately; every other component
			// holds its startup config until restart.
			if level != nil {
				level.Set(parseLevel(next.Logging.Level))
			}
			logger.Info("configuration file changed; most changes apply on restart",
				"path", configPath,
				"level", next.Logging.Level,
				"providers", len(next.Providers),
				"schedules", len(next.Workflow.Schedules))
		})
		return w, nil
	}, container.Singleton(),
		container.OnStart(func(ctx context.Context, v any) error {
			return v.(*config.Watcher).Start(ctx)
		}),
		container.OnStop(func(ctx context.Context, v any) error {
			return v.(*config.Watcher).Close()
		}))
	return err
}

// sessionRunner threads the session store around engine runs: history in,
// mode and turn transcript out. The scheduler and the CLI both drive it.
type sessionRunner struct {
	engine   *workflow.Engine
	sessions *session.Store
	logger   *slog.Logger
}

func (r *sessionRunner) Run(ctx context.Context, req workflow.Request) (*workflow.Outcome, error) {
	ses := r.sessions.GetOrCreate(req.SessionID)
	req.SessionID = ses.ID
	if len(req.History) == 0 {
		req.History = ses.History
	}

	out, err := r.engine.Run(ctx, req)
	if err != nil {
		return nil, err
	}

	if err := r.sessions.SetMode(out.SessionID, out.Mode); err != nil {
		r.logger.Warn("failed to record session mode", "session_id", out.SessionID, "error", err)
	}
	turn := []llm.Message{
		{Role: "user", Content: req.UserMessage},
		{Role: "assistant", Content: out.Summary},
	}
	if err := r.sessions.AppendTurn(out.SessionID, turn...); err != nil {
		r.logger.Warn("failed to record session turn", "session_id", out.SessionID, "error", err)
	}
	return out, nil
}

var _ workflow.Runner = (*sessionRunner)(nil)

// validatePipeline assembles the validation pipeline from configuration.
func validatePipeline(cfg *config.Config, cat *catalog.Catalog, sup *mcp.Supervisor, ring *history.Ring, logger *slog.Logger) *validate.Pipeline {
	return validate.NewPipeline(validate.Options{
		Snapshot:        cat.Snapshot,
		Ready:           sup.Ready,
		Ring:            ring,
		Autocorrect:     cfg.Validation.Autocorrect,
		RepeatThreshold: cfg.Validation.RepeatThreshold,
		MaxToolFailures: cfg.Validation.MaxToolFailures,
		HistoryWindow:   cfg.Inspection.HistoryWindow,
		Logger:          logger,
	})
}
