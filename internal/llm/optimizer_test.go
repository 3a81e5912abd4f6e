package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haasonsaas/conductor/internal/config"
	"github.com/haasonsaas/conductor/internal/errs"
	"github.com/haasonsaas/conductor/internal/infra"
	"github.com/haasonsaas/conductor/internal/ratelimit"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func chatReply(content string) string {
	b, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"role": "assistant", "content": content}, "finish_reason": "stop"},
		},
	})
	return string(b)
}

func openaiError(msg string) string {
	return fmt.Sprintf(`{"error":{"message":%q,"type":"test_error"}}`, msg)
}

type chatCall struct {
	Model     string
	MaxTokens int
}

// fakeLLM is an OpenAI-compatible test endpoint. respond decides status
// and body per completion; the models route serves a static list.
type fakeLLM struct {
	t       *testing.T
	srv     *httptest.Server
	respond func(call chatCall, hit int) (int, string)

	mu    sync.Mutex
	calls []chatCall
}

func newFakeLLM(t *testing.T, modelsJSON string, respond func(call chatCall, hit int) (int, string)) *fakeLLM {
	t.Helper()
	if modelsJSON == "" {
		modelsJSON = `{"data":[]}`
	}
	f := &fakeLLM{t: t, respond: respond}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/models", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, modelsJSON)
	})
	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Model     string `json:"model"`
			MaxTokens int    `json:"max_tokens"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode chat request: %v", err)
		}
		call := chatCall{Model: req.Model, MaxTokens: req.MaxTokens}
		f.mu.Lock()
		f.calls = append(f.calls, call)
		hit := len(f.calls)
		f.mu.Unlock()

		status, body := http.StatusOK, chatReply("pong")
		if f.respond != nil {
			status, body = f.respond(call, hit)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		fmt.Fprint(w, body)
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeLLM) chatHits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeLLM) callsFor(model string) []chatCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []chatCall
	for _, c := range f.calls {
		if c.Model == model {
			out = append(out, c)
		}
	}
	return out
}

func newTestOptimizer(t *testing.T, f *fakeLLM, mutate func(*config.LLMConfig), limiter *ratelimit.Limiter) *Optimizer {
	t.Helper()
	cfg := config.LLMConfig{
		Endpoint:      f.srv.URL + "/v1",
		APIKey:        "test-key",
		Provider:      "openai",
		TimeoutMS:     2000,
		CacheTTLMS:    60000,
		CacheCapacity: 100,
		Batch:         config.BatchConfig{MaxSize: 5, DebounceMS: 5},
		Models:        config.ModelTableConfig{Default: "m-default"},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	o := NewOptimizer(cfg, limiter, nil, testLogger())
	t.Cleanup(o.Close)
	return o
}

func userRequest(kind Kind, content string) Request {
	return Request{Kind: kind, Messages: []Message{{Role: "user", Content: content}}}
}

func TestOptimizerServesCachedReplies(t *testing.T) {
	f := newFakeLLM(t, "", nil)
	o := newTestOptimizer(t, f, nil, nil)

	req := userRequest(KindChat, "hello")
	first, err := o.Do(context.Background(), req)
	if err != nil {
		t.Fatalf("first Do: %v", err)
	}
	if first.Content != "pong" || first.Model != "m-default" {
		t.Fatalf("first result = %+v", first)
	}
	if first.Cached {
		t.Fatal("first result claims to be cached")
	}

	second, err := o.Do(context.Background(), req)
	if err != nil {
		t.Fatalf("second Do: %v", err)
	}
	if !second.Cached {
		t.Fatal("second result should come from cache")
	}
	if second.Content != first.Content {
		t.Fatalf("cached content %q differs from original %q", second.Content, first.Content)
	}
	if hits := f.chatHits(); hits != 1 {
		t.Fatalf("endpoint saw %d completions, want 1", hits)
	}
}

func TestOptimizerDeduplicatesConcurrentRequests(t *testing.T) {
	f := newFakeLLM(t, "", func(chatCall, int) (int, string) {
		time.Sleep(250 * time.Millisecond)
		return http.StatusOK, chatReply("shared answer")
	})
	o := newTestOptimizer(t, f, nil, nil)

	req := userRequest(KindChat, "expensive question")
	var wg sync.WaitGroup
	results := make([]Result, 2)
	failures := make([]error, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], failures[i] = o.Do(context.Background(), req)
		}(i)
	}
	wg.Wait()

	for i, err := range failures {
		if err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}
	if results[0].Content != "shared answer" || results[1].Content != results[0].Content {
		t.Fatalf("callers disagree: %q vs %q", results[0].Content, results[1].Content)
	}
	if hits := f.chatHits(); hits != 1 {
		t.Fatalf("endpoint saw %d completions, want 1", hits)
	}
	if got := o.DuplicatesAvoided(); got != 1 {
		t.Fatalf("duplicates avoided = %d, want 1", got)
	}
	if !results[0].Shared && !results[1].Shared {
		t.Fatal("neither result is marked shared")
	}
}

func TestOptimizerFallsBackOnServerError(t *testing.T) {
	f := newFakeLLM(t, "", func(call chatCall, _ int) (int, string) {
		if call.Model == "m-default" {
			return http.StatusServiceUnavailable, openaiError("overloaded")
		}
		return http.StatusOK, chatReply("fallback answer")
	})
	o := newTestOptimizer(t, f, func(cfg *config.LLMConfig) {
		cfg.Models.Fallbacks = []string{"m-small"}
	}, nil)

	req := userRequest(KindChat, "do something")
	req.MaxTokens = 400
	res, err := o.Do(context.Background(), req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if res.Model != "m-small" || !res.Fallback {
		t.Fatalf("result = %+v, want fallback to m-small", res)
	}
	if res.Content != "fallback answer" {
		t.Fatalf("content = %q", res.Content)
	}

	primary := f.callsFor("m-default")
	if len(primary) != 1 || primary[0].MaxTokens != 400 {
		t.Fatalf("primary attempts = %+v", primary)
	}
	small := f.callsFor("m-small")
	if len(small) != 1 || small[0].MaxTokens != 200 {
		t.Fatalf("fallback attempts = %+v, want one with halved max_tokens", small)
	}
}

func TestOptimizerExhaustsFallbacks(t *testing.T) {
	f := newFakeLLM(t, "", func(chatCall, int) (int, string) {
		return http.StatusServiceUnavailable, openaiError("everything is down")
	})
	o := newTestOptimizer(t, f, func(cfg *config.LLMConfig) {
		cfg.Models.Fallbacks = []string{"m-small", "m-tiny"}
	}, nil)

	_, err := o.Do(context.Background(), userRequest(KindChat, "doomed"))
	if kind, ok := errs.KindOf(err); !ok || kind != errs.KindLLMUnavailable {
		t.Fatalf("kind = %q (%v), want LLM_UNAVAILABLE", kind, err)
	}
	if hits := f.chatHits(); hits != 3 {
		t.Fatalf("endpoint saw %d completions, want primary + 2 fallbacks", hits)
	}
}

func TestOptimizerSkipsRateLimitedPrimary(t *testing.T) {
	models := `{"data":[{"id":"m-default","rate_limit":{"adaptive_hard_cap":true}},{"id":"m-small"}]}`
	f := newFakeLLM(t, models, nil)
	o := newTestOptimizer(t, f, func(cfg *config.LLMConfig) {
		cfg.Models.Fallbacks = []string{"m-small"}
	}, nil)

	res, err := o.Do(context.Background(), userRequest(KindChat, "route around"))
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if res.Model != "m-small" || !res.Fallback {
		t.Fatalf("result = %+v, want fallback to m-small", res)
	}
	if hit := f.callsFor("m-default"); len(hit) != 0 {
		t.Fatalf("hard-capped primary still saw %d completions", len(hit))
	}
}

func TestOptimizerCircuitTripAndRecovery(t *testing.T) {
	var failing atomic.Bool
	failing.Store(true)
	f := newFakeLLM(t, "", func(chatCall, int) (int, string) {
		if failing.Load() {
			return http.StatusInternalServerError, openaiError("exploding")
		}
		return http.StatusOK, chatReply("recovered")
	})

	lim := ratelimit.New(ratelimit.Options{
		MaxConcurrent: 1,
		BaseDelay:     time.Millisecond,
		AdjustEvery:   time.Hour,
		Breaker: infra.CircuitBreakerConfig{
			FailureThreshold:  3,
			HalfOpenSuccesses: 3,
			RecoveryAfter:     200 * time.Millisecond,
		},
		Logger: testLogger(),
	})
	t.Cleanup(lim.Close)
	o := newTestOptimizer(t, f, nil, lim)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := o.Do(ctx, userRequest(KindChat, fmt.Sprintf("q%d", i)))
		if err == nil {
			t.Fatalf("request %d should have failed", i)
		}
		if kind, _ := errs.KindOf(err); kind != errs.KindLLMUnavailable {
			t.Fatalf("request %d kind = %q, want LLM_UNAVAILABLE", i, kind)
		}
	}
	if hits := f.chatHits(); hits != 3 {
		t.Fatalf("endpoint saw %d completions before the trip, want 3", hits)
	}

	_, err := o.Do(ctx, userRequest(KindChat, "q3"))
	if kind, _ := errs.KindOf(err); kind != errs.KindLLMRateLimited {
		t.Fatalf("open-circuit kind = %q (%v), want LLM_RATE_LIMITED", kind, err)
	}
	if !errors.Is(err, infra.ErrCircuitOpen) {
		t.Fatalf("err = %v, want the circuit rejection", err)
	}
	if hits := f.chatHits(); hits != 3 {
		t.Fatalf("open circuit still issued HTTP: %d hits", hits)
	}

	failing.Store(false)
	time.Sleep(250 * time.Millisecond)
	for i := 0; i < 3; i++ {
		res, err := o.Do(ctx, userRequest(KindChat, fmt.Sprintf("r%d", i)))
		if err != nil {
			t.Fatalf("recovery request %d: %v", i, err)
		}
		if res.Content != "recovered" {
			t.Fatalf("recovery content = %q", res.Content)
		}
	}
	if state := lim.Stats().BreakerState; state != infra.CircuitClosed {
		t.Fatalf("breaker state = %s after three successes, want closed", state)
	}
	if hits := f.chatHits(); hits != 6 {
		t.Fatalf("endpoint saw %d completions total, want 6", hits)
	}
}

func TestOptimizerRoutesClaudeModels(t *testing.T) {
	f := newFakeLLM(t, "", nil)
	o := newTestOptimizer(t, f, nil, nil)
	claude := &staticBackend{name: "anthropic", content: "claude says"}
	o.backends["anthropic"] = claude

	res, err := o.Do(context.Background(), Request{
		Kind:     KindChat,
		Model:    "claude-3-5-haiku-20241022",
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if res.Content != "claude says" {
		t.Fatalf("content = %q", res.Content)
	}
	if got := claude.calls.Load(); got != 1 {
		t.Fatalf("anthropic backend calls = %d", got)
	}
	if hits := f.chatHits(); hits != 0 {
		t.Fatalf("claude request leaked to the openai endpoint: %d hits", hits)
	}

	if _, err := o.Do(context.Background(), userRequest(KindChat, "plain")); err != nil {
		t.Fatalf("openai-bound Do: %v", err)
	}
	if hits := f.chatHits(); hits != 1 {
		t.Fatalf("default model should use the openai endpoint, saw %d hits", hits)
	}
}

type staticBackend struct {
	name    string
	content string
	err     error
	calls   atomic.Int32
}

func (s *staticBackend) Name() string { return s.name }

func (s *staticBackend) Complete(context.Context, CompletionRequest) (string, error) {
	s.calls.Add(1)
	return s.content, s.err
}

func TestBatchSystemSelectionParsesCombinedReply(t *testing.T) {
	reply := "```json\n" + `{
  "mode_selection": {"mode": "task"},
  "server_selection": {"providers": ["filesystem"]},
  "tool_planning": {"tool_calls": [{"provider": "filesystem", "tool": "read_file", "parameters": {"path": "/tmp/x"}}]},
  "optimization_metadata": {"strategy": "batched"}
}` + "\n```"
	f := newFakeLLM(t, "", func(chatCall, int) (int, string) {
		return http.StatusOK, chatReply(reply)
	})
	o := newTestOptimizer(t, f, nil, nil)

	sel, err := o.BatchSystemSelection(context.Background(), "read the temp file", SystemContext{
		SessionID: "s-1",
		Providers: []string{"filesystem"},
		Tools:     []string{"filesystem:read_file"},
	})
	if err != nil {
		t.Fatalf("BatchSystemSelection: %v", err)
	}
	if sel.Mode != "task" {
		t.Errorf("mode = %q, want task", sel.Mode)
	}
	if len(sel.SelectedProviders) != 1 || sel.SelectedProviders[0] != "filesystem" {
		t.Errorf("providers = %v", sel.SelectedProviders)
	}
	if len(sel.PlannedToolCalls) != 1 {
		t.Fatalf("planned calls = %d, want 1", len(sel.PlannedToolCalls))
	}
	call := sel.PlannedToolCalls[0]
	if call.Provider != "filesystem" || call.Tool != "read_file" {
		t.Errorf("call = %+v", call)
	}
	if call.Parameters["path"] != "/tmp/x" {
		t.Errorf("parameters = %v", call.Parameters)
	}
	if sel.Meta.Strategy != "batched" || sel.Meta.Fallback {
		t.Errorf("meta = %+v, want a clean batched selection", sel.Meta)
	}
}

func TestBatchSystemSelectionDefaultsMissingFields(t *testing.T) {
	cases := []struct {
		name     string
		reply    string
		wantMode string
	}{
		{"empty object", `{}`, "chat"},
		{"unknown mode", `{"mode_selection":{"mode":"wizard"}}`, "chat"},
		{"dev mode", `{"mode_selection":{"mode":"dev"}}`, "dev"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFakeLLM(t, "", func(chatCall, int) (int, string) {
				return http.StatusOK, chatReply(tc.reply)
			})
			o := newTestOptimizer(t, f, nil, nil)

			sel, err := o.BatchSystemSelection(context.Background(), "message for "+tc.name, SystemContext{SessionID: "s-2"})
			if err != nil {
				t.Fatalf("BatchSystemSelection: %v", err)
			}
			if sel.Mode != tc.wantMode {
				t.Errorf("mode = %q, want %q", sel.Mode, tc.wantMode)
			}
			if len(sel.SelectedProviders) != 0 || len(sel.PlannedToolCalls) != 0 {
				t.Errorf("defaults carried providers=%v calls=%v", sel.SelectedProviders, sel.PlannedToolCalls)
			}
			if sel.Meta.Strategy != "batched" {
				t.Errorf("strategy = %q", sel.Meta.Strategy)
			}
		})
	}
}

func TestBatchSystemSelectionDegradesOnGarbage(t *testing.T) {
	f := newFakeLLM(t, "", func(_ chatCall, hit int) (int, string) {
		if hit == 1 {
			return http.StatusOK, chatReply("sorry, I cannot answer in JSON today")
		}
		return http.StatusOK, chatReply("task")
	})
	o := newTestOptimizer(t, f, nil, nil)

	sel, err := o.BatchSystemSelection(context.Background(), "do the thing", SystemContext{SessionID: "s-3"})
	if err != nil {
		t.Fatalf("BatchSystemSelection: %v", err)
	}
	if sel.Mode != "task" {
		t.Errorf("mode = %q, want the sequentially selected task", sel.Mode)
	}
	if sel.Meta.Strategy != "sequential" || !sel.Meta.Fallback {
		t.Errorf("meta = %+v, want a sequential fallback", sel.Meta)
	}
	if hits := f.chatHits(); hits != 2 {
		t.Fatalf("endpoint saw %d completions, want combined + mode selection", hits)
	}
}
