package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/haasonsaas/conductor/internal/llm"
)

const analysisSystemPrompt = `You analyze the state of this tool orchestrator for its operator. Review the provider and tool inventory below against the operator's request and report anything notable: missing capabilities, likely misconfigurations, and suggested next steps. Plain text.`

// analysisGate throttles dev-mode self-analysis. One successful acquire
// starts the cooldown; further requests inside it are refused with the
// remaining wait, which keeps an analysis loop from feeding itself.
type analysisGate struct {
	mu       sync.Mutex
	cooldown time.Duration
	last     time.Time
	now      func() time.Time
}

func newAnalysisGate(cooldown time.Duration, now func() time.Time) *analysisGate {
	return &analysisGate{cooldown: cooldown, now: now}
}

// tryAcquire reports whether an analysis may run now. When refused, it
// returns the remaining cooldown.
func (g *analysisGate) tryAcquire() (time.Duration, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	if !g.last.IsZero() {
		if elapsed := now.Sub(g.last); elapsed < g.cooldown {
			return g.cooldown - elapsed, false
		}
	}
	g.last = now
	return 0, true
}

// runDev gates and runs a self-analysis turn. A throttled request is a
// normal outcome, not an error: the summary names the remaining wait so
// the caller can schedule a retry.
func (e *Engine) runDev(ctx context.Context, ses *session, meta llm.OptimizationMeta) (*Outcome, error) {
	remaining, ok := e.gate.tryAcquire()
	if !ok {
		summary := fmt.Sprintf("self-analysis throttled; next run allowed in %s", remaining.Round(time.Second))
		ses.em.emit(EventSessionSummary, "", map[string]any{
			"summary":     summary,
			"throttled":   true,
			"retry_in_ms": remaining.Milliseconds(),
		})
		return &Outcome{
			SessionID: ses.id,
			Mode:      "dev",
			Summary:   summary,
			Throttled: true,
			RetryIn:   remaining,
			Meta:      meta,
		}, nil
	}

	snap := e.snapshot()
	prompt := "Operator request:\n" + ses.userMessage + "\n\n" + snap.Summary()
	res, err := e.llm.Do(ctx, llm.Request{
		Kind:     llm.KindChat,
		System:   analysisSystemPrompt,
		Messages: []llm.Message{{Role: "user", Content: prompt}},
		Params:   map[string]any{"session": ses.id, "stage": "self_analysis"},
	})
	if err != nil {
		return nil, err
	}
	ses.em.emit(EventSessionSummary, "", map[string]any{"summary": res.Content})
	return &Outcome{SessionID: ses.id, Mode: "dev", Summary: res.Content, Meta: meta}, nil
}
