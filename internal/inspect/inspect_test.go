package inspect

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/haasonsaas/conductor/internal/catalog"
	"github.com/haasonsaas/conductor/internal/config"
	"github.com/haasonsaas/conductor/internal/history"
)

func TestWorseOrdering(t *testing.T) {
	cases := []struct {
		a, b, want Verdict
	}{
		{VerdictApproved, VerdictApproved, VerdictApproved},
		{VerdictApproved, VerdictRequiresApproval, VerdictRequiresApproval},
		{VerdictRequiresApproval, VerdictApproved, VerdictRequiresApproval},
		{VerdictRequiresApproval, VerdictDenied, VerdictDenied},
		{VerdictDenied, VerdictRequiresApproval, VerdictDenied},
		{VerdictDenied, VerdictApproved, VerdictDenied},
	}
	for _, tc := range cases {
		if got := worse(tc.a, tc.b); got != tc.want {
			t.Errorf("worse(%s, %s) = %s, want %s", tc.a, tc.b, got, tc.want)
		}
	}
}

type stubInspector struct {
	name     string
	findings []Finding
}

func (s *stubInspector) Name() string { return s.name }

func (s *stubInspector) Inspect(context.Context, Request) []Finding { return s.findings }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type reviewerFunc func(ctx context.Context, intent string, calls []catalog.ToolCall) (string, error)

func (f reviewerFunc) ReviewCalls(ctx context.Context, intent string, calls []catalog.ToolCall) (string, error) {
	return f(ctx, intent, calls)
}

func TestChainCombinesWorstVerdict(t *testing.T) {
	chain := &Chain{
		defaultMode: "auto",
		logger:      testLogger(),
		inspectors: []Inspector{
			&stubInspector{name: "first", findings: []Finding{
				{Index: 0, Verdict: VerdictRequiresApproval, Reason: "looks repeated"},
			}},
			&stubInspector{name: "second", findings: []Finding{
				{Index: 0, Verdict: VerdictDenied, Reason: "forbidden payload"},
				{Index: 1, Reason: "advisory only"},
			}},
		},
	}

	decisions := chain.Inspect(context.Background(), Request{Calls: []catalog.ToolCall{
		{Provider: "a", Tool: "a__x"},
		{Provider: "a", Tool: "a__y"},
	}})

	if decisions[0].Verdict != VerdictDenied {
		t.Errorf("call 0 verdict = %s, want DENIED", decisions[0].Verdict)
	}
	if got := decisions[0].Reason(); got != "forbidden payload" {
		t.Errorf("call 0 reason = %q", got)
	}
	if len(decisions[0].Findings) != 2 {
		t.Errorf("call 0 findings = %d, want 2", len(decisions[0].Findings))
	}
	if decisions[0].Findings[0].Inspector != "first" {
		t.Errorf("inspector not stamped: %+v", decisions[0].Findings[0])
	}

	// Advisory findings never raise the verdict.
	if decisions[1].Verdict != VerdictApproved {
		t.Errorf("call 1 verdict = %s, want APPROVED", decisions[1].Verdict)
	}
	if len(decisions[1].Findings) != 1 {
		t.Errorf("call 1 findings = %d, want 1", len(decisions[1].Findings))
	}
}

func TestChainIgnoresOutOfRangeFindings(t *testing.T) {
	chain := &Chain{
		defaultMode: "auto",
		logger:      testLogger(),
		inspectors: []Inspector{
			&stubInspector{name: "bad", findings: []Finding{
				{Index: -1, Verdict: VerdictDenied, Reason: "stray"},
				{Index: 5, Verdict: VerdictDenied, Reason: "stray"},
			}},
		},
	}
	decisions := chain.Inspect(context.Background(), Request{Calls: []catalog.ToolCall{
		{Provider: "a", Tool: "a__x"},
	}})
	if decisions[0].Verdict != VerdictApproved || len(decisions[0].Findings) != 0 {
		t.Errorf("stray findings leaked: %+v", decisions[0])
	}
}

func TestNewChainDefaults(t *testing.T) {
	chain := NewChain(Options{
		Inspection: config.InspectionConfig{},
		Ring:       history.NewRing(10),
	})
	if chain.defaultMode != "auto" {
		t.Errorf("default mode = %q, want auto", chain.defaultMode)
	}
	if len(chain.inspectors) != 3 {
		t.Errorf("inspectors = %d, want 3 without a reviewer", len(chain.inspectors))
	}
}

func TestNewChainAttachesReviewer(t *testing.T) {
	chain := NewChain(Options{
		Inspection: config.InspectionConfig{
			LLMValidator: config.LLMValidatorConfig{Enabled: true},
		},
		Ring:     history.NewRing(10),
		Reviewer: reviewerFunc(func(context.Context, string, []catalog.ToolCall) (string, error) { return "[]", nil }),
	})
	if len(chain.inspectors) != 4 {
		t.Errorf("inspectors = %d, want 4 with a reviewer", len(chain.inspectors))
	}
}

func TestDecisionReasonFallsBackToFirstFinding(t *testing.T) {
	d := Decision{
		Verdict: VerdictApproved,
		Findings: []Finding{
			{Reason: "advisory one"},
			{Reason: "advisory two"},
		},
	}
	if got := d.Reason(); got != "advisory one" {
		t.Errorf("reason = %q", got)
	}
	if (Decision{Verdict: VerdictApproved}).Reason() != "" {
		t.Error("empty decision should have empty reason")
	}
}
