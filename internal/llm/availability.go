package llm

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/conductor/internal/errs"
	"github.com/haasonsaas/conductor/internal/infra"
)

// RateLimitInfo mirrors the nonstandard rate_limit extension some
// OpenAI-compatible gateways attach to /models entries. Timestamps are
// unix seconds.
type RateLimitInfo struct {
	PerMinute         float64 `json:"per_minute,omitempty"`
	AdaptiveHardCap   bool    `json:"adaptive_hard_cap,omitempty"`
	AdaptiveGuess     float64 `json:"adaptive_guess,omitempty"`
	AdaptiveLast429At float64 `json:"adaptive_last429_at,omitempty"`
	WindowSeconds     float64 `json:"window_seconds,omitempty"`
}

// ModelRecord is one /models entry.
type ModelRecord struct {
	ID        string         `json:"id"`
	Provider  string         `json:"provider,omitempty"`
	RateLimit *RateLimitInfo `json:"rate_limit,omitempty"`
}

// Availability is a cached per-model health verdict. Saturated means
// the model exists but answered 429 recently, so it should not get new
// traffic until its window passes.
type Availability struct {
	Model     string
	Available bool
	Saturated bool
	CheckedAt time.Time
}

// Selection is the outcome of a preferred-or-fallback model pick.
type Selection struct {
	Model     string `json:"model"`
	Available bool   `json:"available"`
	Source    string `json:"source"`
}

// Selection sources.
const (
	SourcePreferred   = "preferred"
	SourceFallback    = "fallback"
	SourceAlternative = "alternative"
	SourceNone        = "none"
)

const (
	listKey                 = "models"
	defaultRateLimitWindow  = time.Minute
	alternativeScanLimit    = 5
	defaultListTTL          = 30 * time.Second
	defaultVerdictTTL       = time.Minute
	defaultProbeLimit       = 2
	defaultProbeSpacing     = 500 * time.Millisecond
	defaultListFetchTimeout = 10 * time.Second
	negativeListTTL         = 5 * time.Second
)

// CheckerOptions configures a Checker. Zero values select defaults.
type CheckerOptions struct {
	Endpoint     string
	APIKey       string
	Backend      Backend
	HTTPClient   *http.Client
	ListTTL      time.Duration
	VerdictTTL   time.Duration
	ProbeLimit   int
	ProbeSpacing time.Duration
	Logger       *slog.Logger
	Now          func() time.Time
}

// Checker answers "can this model take traffic right now" from the
// endpoint's model list, recently observed 429s, and bounded probes.
type Checker struct {
	endpoint     string
	apiKey       string
	client       *http.Client
	backend      Backend
	logger       *slog.Logger
	now          func() time.Time
	probeSpacing time.Duration

	models   *infra.TTLCache[string, []ModelRecord]
	verdicts *infra.TTLCache[string, Availability]

	probeSem chan struct{}

	mu        sync.Mutex
	lastProbe time.Time
	last429   map[string]time.Time
}

// NewChecker builds a Checker over an OpenAI-compatible endpoint.
func NewChecker(opts CheckerOptions) *Checker {
	if opts.Endpoint == "" {
		opts.Endpoint = "https://api.openai.com/v1"
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: defaultListFetchTimeout}
	}
	if opts.ListTTL <= 0 {
		opts.ListTTL = defaultListTTL
	}
	if opts.VerdictTTL <= 0 {
		opts.VerdictTTL = defaultVerdictTTL
	}
	if opts.ProbeLimit <= 0 {
		opts.ProbeLimit = defaultProbeLimit
	}
	if opts.ProbeSpacing < 0 {
		opts.ProbeSpacing = 0
	} else if opts.ProbeSpacing == 0 {
		opts.ProbeSpacing = defaultProbeSpacing
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Checker{
		endpoint:     opts.Endpoint,
		apiKey:       opts.APIKey,
		client:       opts.HTTPClient,
		backend:      opts.Backend,
		logger:       opts.Logger,
		now:          opts.Now,
		probeSpacing: opts.ProbeSpacing,
		models:       infra.NewTTLCache[string, []ModelRecord](infra.CacheConfig{DefaultTTL: opts.ListTTL, Now: opts.Now}),
		verdicts:     infra.NewTTLCache[string, Availability](infra.CacheConfig{DefaultTTL: opts.VerdictTTL, Now: opts.Now}),
		probeSem:     make(chan struct{}, opts.ProbeLimit),
		last429:      make(map[string]time.Time),
	}
}

// Close stops the cache janitors.
func (c *Checker) Close() {
	c.models.Stop()
	c.verdicts.Stop()
}

// Models returns the endpoint's model list, served from cache within
// the list TTL.
func (c *Checker) Models(ctx context.Context) ([]ModelRecord, error) {
	if records, ok := c.models.Get(listKey); ok {
		return records, nil
	}
	records, err := c.fetchModels(ctx)
	if err != nil {
		// Negative-cache the failure briefly so per-request rate-limit
		// checks do not hammer a dead /models route.
		c.models.SetWithTTL(listKey, nil, negativeListTTL)
		return nil, err
	}
	c.models.Set(listKey, records)
	return records, nil
}

// fetchModels decodes GET /models by hand: the per-model rate_limit
// extension is not part of the standard wire format, so the typed SDK
// client cannot surface it.
func (c *Checker) fetchModels(ctx context.Context) ([]ModelRecord, error) {
	url := strings.TrimRight(c.endpoint, "/") + "/models"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errs.Wrap(errs.KindLLMUnavailable, err, "build model list request")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errs.Wrap(errs.KindLLMUnavailable, err, "fetch model list")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, errs.E(errs.ClassifyHTTPStatus(resp.StatusCode), "model list returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var wire struct {
		Data []ModelRecord `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, errs.Wrap(errs.KindLLMParse, err, "decode model list")
	}
	return wire.Data, nil
}

func (c *Checker) record(ctx context.Context, model string) *ModelRecord {
	records, err := c.Models(ctx)
	if err != nil {
		c.logger.Debug("model list unavailable", "error", err)
		return nil
	}
	for i := range records {
		if records[i].ID == model {
			return &records[i]
		}
	}
	return nil
}

// Observe429 marks model as saturated for its advertised window. The
// optimizer calls this whenever a completion comes back 429 so the
// next selection skips the model without probing.
func (c *Checker) Observe429(model string) {
	now := c.now()
	c.mu.Lock()
	c.last429[model] = now
	c.mu.Unlock()
	c.verdicts.Set(model, Availability{Model: model, Available: true, Saturated: true, CheckedAt: now})
}

// RateLimited reports whether model is inside a hard cap or a 429
// window, combining the advertised rate_limit info with locally
// observed 429s. Models the endpoint does not list are treated as not
// rate-limited.
func (c *Checker) RateLimited(ctx context.Context, model string) bool {
	window := defaultRateLimitWindow
	if rec := c.record(ctx, model); rec != nil && rec.RateLimit != nil {
		info := rec.RateLimit
		if info.AdaptiveHardCap {
			return true
		}
		if info.WindowSeconds > 0 {
			window = time.Duration(info.WindowSeconds * float64(time.Second))
		}
		if info.AdaptiveLast429At > 0 {
			last := time.Unix(int64(info.AdaptiveLast429At), 0)
			if c.now().Sub(last) < window {
				return true
			}
		}
	}
	c.mu.Lock()
	last, ok := c.last429[model]
	c.mu.Unlock()
	return ok && c.now().Sub(last) < window
}

// Check returns the cached verdict for model, probing on a miss. A
// model inside a rate-limit window is reported available but saturated
// without spending a probe on it.
func (c *Checker) Check(ctx context.Context, model string) Availability {
	if v, ok := c.verdicts.Get(model); ok {
		return v
	}
	if c.RateLimited(ctx, model) {
		v := Availability{Model: model, Available: true, Saturated: true, CheckedAt: c.now()}
		c.verdicts.Set(model, v)
		return v
	}
	return c.Probe(ctx, model)
}

// Probe issues a minimal completion against model and classifies the
// outcome: success means available, 429 means available but saturated,
// anything else means unavailable. Probes hold one of a small number
// of slots and keep a minimum spacing so the checker never causes the
// burst it is trying to detect.
func (c *Checker) Probe(ctx context.Context, model string) Availability {
	select {
	case c.probeSem <- struct{}{}:
	case <-ctx.Done():
		return Availability{Model: model, CheckedAt: c.now()}
	}
	defer func() { <-c.probeSem }()
	c.pace()

	_, err := c.backend.Complete(ctx, CompletionRequest{
		Model:     model,
		Messages:  []Message{{Role: "user", Content: "ping"}},
		MaxTokens: 1,
	})
	verdict := Availability{Model: model, Available: true, CheckedAt: c.now()}
	if err != nil {
		if kind, ok := errs.KindOf(err); ok && kind == errs.KindLLMRateLimited {
			verdict.Saturated = true
			c.mu.Lock()
			c.last429[model] = c.now()
			c.mu.Unlock()
		} else {
			verdict.Available = false
			c.logger.Debug("availability probe failed", "model", model, "error", err)
		}
	}
	c.verdicts.Set(model, verdict)
	return verdict
}

// pace reserves the next probe departure slot and sleeps until it.
func (c *Checker) pace() {
	c.mu.Lock()
	now := c.now()
	next := c.lastProbe.Add(c.probeSpacing)
	if next.Before(now) {
		next = now
	}
	c.lastProbe = next
	wait := next.Sub(now)
	c.mu.Unlock()
	if wait > 0 {
		time.Sleep(wait)
	}
}

// GetAvailable picks a model that can take traffic: the preferred one
// first, then the explicit fallback, then the head of the cached model
// list. Rate-limited models are skipped without probing, and only the
// first few alternatives are scanned so a dead endpoint does not turn
// selection into a probe storm.
func (c *Checker) GetAvailable(ctx context.Context, preferred, fallback, task string) Selection {
	tried := make(map[string]bool, 2)

	if preferred != "" {
		tried[preferred] = true
		if !c.RateLimited(ctx, preferred) {
			if v := c.Check(ctx, preferred); v.Available && !v.Saturated {
				return Selection{Model: preferred, Available: true, Source: SourcePreferred}
			}
		}
	}
	if fallback != "" && !tried[fallback] {
		tried[fallback] = true
		if !c.RateLimited(ctx, fallback) {
			if v := c.Check(ctx, fallback); v.Available && !v.Saturated {
				return Selection{Model: fallback, Available: true, Source: SourceFallback}
			}
		}
	}

	records, err := c.Models(ctx)
	if err != nil {
		c.logger.Warn("model scan unavailable", "task", task, "error", err)
		return Selection{Source: SourceNone}
	}
	limit := alternativeScanLimit
	if len(records) < limit {
		limit = len(records)
	}
	for _, rec := range records[:limit] {
		if tried[rec.ID] || c.RateLimited(ctx, rec.ID) {
			continue
		}
		if v := c.Check(ctx, rec.ID); v.Available && !v.Saturated {
			return Selection{Model: rec.ID, Available: true, Source: SourceAlternative}
		}
	}
	return Selection{Source: SourceNone}
}
