package llm

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/haasonsaas/conductor/internal/config"
	"github.com/haasonsaas/conductor/internal/errs"
	"github.com/haasonsaas/conductor/internal/infra"
	"github.com/haasonsaas/conductor/internal/observability"
	"github.com/haasonsaas/conductor/internal/ratelimit"
)

// Optimizer is the facade every completion flows through. A request is
// served, in order, from the response cache, from an identical request
// already in flight, or from a fresh completion; fresh completions ride
// the shared limiter and fall back through the configured model chain
// when the primary is saturated or failing.
type Optimizer struct {
	cfg      config.LLMConfig
	backends map[string]Backend
	limiter  *ratelimit.Limiter
	checker  *Checker
	cache    *infra.TTLCache[string, Result]
	flight   *infra.Group[string, Result]
	batch    *batcher
	metrics  *observability.Metrics
	logger   *slog.Logger
}

// NewOptimizer wires backends, the availability checker, the response
// cache, and the batcher from cfg. limiter may be nil, in which case
// completions go out unthrottled.
func NewOptimizer(cfg config.LLMConfig, limiter *ratelimit.Limiter, metrics *observability.Metrics, logger *slog.Logger) *Optimizer {
	if logger == nil {
		logger = slog.Default()
	}
	backends := map[string]Backend{"openai": NewOpenAIBackend(cfg)}
	if cfg.AnthropicAPIKey != "" {
		backends["anthropic"] = NewAnthropicBackend(cfg.AnthropicAPIKey, "")
	}
	o := &Optimizer{
		cfg:      cfg,
		backends: backends,
		limiter:  limiter,
		metrics:  metrics,
		logger:   logger,
		cache: infra.NewTTLCache[string, Result](infra.CacheConfig{
			DefaultTTL: cfg.CacheTTL(),
			Capacity:   cfg.CacheCapacity,
		}),
		flight: &infra.Group[string, Result]{},
		checker: NewChecker(CheckerOptions{
			Endpoint: cfg.Endpoint,
			APIKey:   cfg.APIKey,
			Backend:  backends["openai"],
			Logger:   logger,
		}),
	}
	o.batch = newBatcher(cfg.Batch.MaxSize, cfg.Batch.Debounce(), o.execute, logger)
	return o
}

// Do resolves the model for req and returns a reply from the cache, a
// shared in-flight execution, or a fresh completion.
func (o *Optimizer) Do(ctx context.Context, req Request) (Result, error) {
	model := req.Model
	if model == "" {
		model = modelFor(req.Kind, o.cfg.Models)
	}
	fp := Fingerprint(string(req.Kind), model, req.Messages, req.Params)

	if res, ok := o.cache.Get(fp); ok {
		o.metrics.RecordCacheEvent("hit")
		res.Cached = true
		return res, nil
	}
	o.metrics.RecordCacheEvent("miss")

	res, err, shared := o.flight.Do(fp, func() (Result, error) {
		var (
			res Result
			err error
		)
		if req.Kind.Batchable() {
			res, err = o.batch.enqueue(ctx, model, req)
		} else {
			res, err = o.execute(ctx, model, req)
		}
		if err == nil {
			o.cache.Set(fp, res)
		}
		return res, err
	})
	if err != nil {
		return Result{}, err
	}
	if shared {
		o.metrics.RecordCacheEvent("dedup")
		res.Shared = true
	}
	return res, nil
}

// execute runs one completion with availability-aware fallback. A
// primary the checker already knows is rate-limited is skipped without
// an HTTP attempt.
func (o *Optimizer) execute(ctx context.Context, model string, req Request) (Result, error) {
	if o.checker.RateLimited(ctx, model) {
		o.logger.Info("primary model rate limited, falling back", "model", model, "kind", req.Kind)
		return o.fallbackChain(ctx, model, req, errs.E(errs.KindLLMRateLimited, "model %s is rate limited", model))
	}

	content, err := o.attempt(ctx, model, req, req.MaxTokens, o.cfg.Timeout())
	if err == nil {
		return Result{Content: content, Model: model}, nil
	}
	if !shouldFallback(err) {
		return Result{}, err
	}
	return o.fallbackChain(ctx, model, req, err)
}

// attempt runs a single completion through the limiter, observing the
// outcome for metrics and feeding 429s back to the checker.
func (o *Optimizer) attempt(ctx context.Context, model string, req Request, maxTokens int, timeout time.Duration) (string, error) {
	backend := o.backendFor(model)
	complete := func(ctx context.Context) (any, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		start := time.Now()
		content, err := backend.Complete(attemptCtx, CompletionRequest{
			Model:       model,
			System:      req.System,
			Messages:    req.Messages,
			MaxTokens:   maxTokens,
			Temperature: req.Temperature,
		})
		status := "success"
		if err != nil {
			status = "error"
			if kind, ok := errs.KindOf(err); ok && kind == errs.KindLLMRateLimited {
				o.checker.Observe429(model)
			}
		}
		o.metrics.RecordLLMRequest(backend.Name(), model, status, time.Since(start).Seconds())
		return content, err
	}

	var (
		v   any
		err error
	)
	if o.limiter != nil {
		v, err = o.limiter.Do(ctx, ratelimit.Submit{
			Priority: priorityFor(req.Kind),
			Deadline: timeout,
			Retries:  1,
			Label:    string(req.Kind),
		}, complete)
	} else {
		v, err = complete(ctx)
	}
	if err != nil {
		return "", err
	}
	content, _ := v.(string)
	return content, nil
}

// fallbackChain walks the configured fallbacks with a halved timeout
// and reduced max_tokens. A non-failover error aborts the walk; the
// chain otherwise keeps the last failure as the exhaustion cause.
func (o *Optimizer) fallbackChain(ctx context.Context, primary string, req Request, cause error) (Result, error) {
	chain := o.cfg.Models.Fallbacks
	if len(chain) == 0 {
		return Result{}, cause
	}
	timeout := o.cfg.Timeout() / 2
	tokens := reducedTokens(req.MaxTokens)
	lastErr := cause
	for _, model := range chain {
		if ctx.Err() != nil {
			break
		}
		if model == primary {
			continue
		}
		if o.checker.RateLimited(ctx, model) {
			continue
		}
		content, err := o.attempt(ctx, model, req, tokens, timeout)
		if err == nil {
			o.logger.Info("model fallback succeeded", "from", primary, "to", model, "kind", req.Kind)
			return Result{Content: content, Model: model, Fallback: true}, nil
		}
		if !shouldFallback(err) {
			return Result{}, err
		}
		lastErr = err
	}
	return Result{}, errs.Wrap(errs.KindLLMUnavailable, lastErr, "model %s and all fallbacks exhausted", primary)
}

// backendFor routes claude models over the native Anthropic SDK when
// one is configured; everything else goes to the configured provider.
func (o *Optimizer) backendFor(model string) Backend {
	if strings.HasPrefix(model, "claude") {
		if b, ok := o.backends["anthropic"]; ok {
			return b
		}
	}
	if b, ok := o.backends[o.cfg.Provider]; ok {
		return b
	}
	return o.backends["openai"]
}

func shouldFallback(err error) bool {
	kind, ok := errs.KindOf(err)
	return ok && (kind == errs.KindLLMUnavailable || kind == errs.KindLLMRateLimited)
}

// reducedTokens halves the token budget for fallback attempts,
// defaulting conservatively when the caller left it unset.
func reducedTokens(n int) int {
	if n <= 0 {
		return 512
	}
	if n < 2 {
		return 1
	}
	return n / 2
}

// DuplicatesAvoided reports how many requests were answered by joining
// another caller's identical in-flight execution.
func (o *Optimizer) DuplicatesAvoided() uint64 { return o.flight.Stats().Deduped }

// Checker exposes the availability checker for model selection.
func (o *Optimizer) Checker() *Checker { return o.checker }

// CacheStats reports response cache counters.
func (o *Optimizer) CacheStats() infra.CacheStats { return o.cache.Stats() }

// Close stops the response cache and the availability checker.
func (o *Optimizer) Close() {
	o.cache.Stop()
	o.checker.Close()
}
