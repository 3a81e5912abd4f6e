package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/haasonsaas/conductor/internal/catalog"
	"github.com/haasonsaas/conductor/internal/config"
)

func TestAnalysisGate(t *testing.T) {
	current := time.Unix(1700000000, 0)
	g := newAnalysisGate(5*time.Minute, func() time.Time { return current })

	if remaining, ok := g.tryAcquire(); !ok || remaining != 0 {
		t.Fatalf("first acquire = (%s, %v), want granted", remaining, ok)
	}

	current = current.Add(time.Minute)
	remaining, ok := g.tryAcquire()
	if ok {
		t.Fatal("acquire inside the cooldown should be refused")
	}
	if remaining != 4*time.Minute {
		t.Fatalf("remaining = %s, want 4m0s", remaining)
	}

	current = current.Add(4 * time.Minute)
	if _, ok := g.tryAcquire(); !ok {
		t.Fatal("acquire after the cooldown should be granted")
	}
}

func newDevEngine(t *testing.T, s *scriptedLLM, now func() time.Time) (*Engine, *eventLog) {
	t.Helper()
	snap := buildSnapshot(t, taskTools())
	log := &eventLog{}
	eng := NewEngine(Options{
		Config: config.WorkflowConfig{
			MaxAttemptsPerItem:     3,
			ParallelItems:          2,
			SelfAnalysisCooldownMS: 300000,
		},
		LLM:        s,
		Dispatcher: newFakeDispatcher(nil),
		Snapshot:   func() *catalog.Snapshot { return snap },
		Events:     log.sink,
		Logger:     testLogger(),
		Now:        now,
	})
	return eng, log
}

func TestRunDevCooldown(t *testing.T) {
	current := time.Unix(1700000000, 0)
	s := &scriptedLLM{analysis: reply("all systems nominal")}
	eng, log := newDevEngine(t, s, func() time.Time { return current })

	out, err := eng.Run(context.Background(), Request{UserMessage: "how are we doing", Mode: "dev"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Throttled || out.Summary != "all systems nominal" {
		t.Fatalf("outcome = %+v", out)
	}

	current = current.Add(time.Minute)
	out, err = eng.Run(context.Background(), Request{UserMessage: "again", Mode: "dev"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !out.Throttled {
		t.Fatal("second run inside the cooldown should be throttled")
	}
	if out.RetryIn != 4*time.Minute {
		t.Fatalf("retry in = %s, want 4m0s", out.RetryIn)
	}
	if out.Summary != "self-analysis throttled; next run allowed in 4m0s" {
		t.Fatalf("summary = %q", out.Summary)
	}
	if s.stageCount("self_analysis") != 1 {
		t.Fatalf("analysis calls = %d, want 1", s.stageCount("self_analysis"))
	}

	summaries := log.byType(EventSessionSummary)
	last := summaries[len(summaries)-1]
	if last.Data["throttled"] != true || last.Data["retry_in_ms"] != int64(240000) {
		t.Fatalf("throttled event data = %v", last.Data)
	}

	current = current.Add(5 * time.Minute)
	out, err = eng.Run(context.Background(), Request{UserMessage: "once more", Mode: "dev"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Throttled {
		t.Fatal("run after the cooldown should not be throttled")
	}
	if s.stageCount("self_analysis") != 2 {
		t.Fatalf("analysis calls = %d, want 2", s.stageCount("self_analysis"))
	}
}

func TestRunDevFailureStillConsumesCooldown(t *testing.T) {
	current := time.Unix(1700000000, 0)
	s := &scriptedLLM{} // analysis unavailable
	eng, _ := newDevEngine(t, s, func() time.Time { return current })

	if _, err := eng.Run(context.Background(), Request{UserMessage: "report", Mode: "dev"}); err == nil {
		t.Fatal("expected error when the analysis model is unavailable")
	}

	out, err := eng.Run(context.Background(), Request{UserMessage: "report", Mode: "dev"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !out.Throttled || out.RetryIn != 5*time.Minute {
		t.Fatalf("outcome = %+v, want throttled with the full cooldown", out)
	}
}
