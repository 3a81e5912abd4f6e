package inspect

import (
	"context"
	"errors"
	"testing"

	"github.com/haasonsaas/conductor/internal/catalog"
	"github.com/haasonsaas/conductor/internal/config"
)

func staticReviewer(reply string, err error) Reviewer {
	return reviewerFunc(func(context.Context, string, []catalog.ToolCall) (string, error) {
		return reply, err
	})
}

func twoCalls() []catalog.ToolCall {
	return []catalog.ToolCall{
		{Provider: "filesystem", Tool: "filesystem__write_file"},
		{Provider: "filesystem", Tool: "filesystem__read_file"},
	}
}

func TestParseReviewWrapperObject(t *testing.T) {
	items, err := parseReview(`{"validations":[{"valid":true,"risk":"none"},{"valid":false,"risk":"high","reasoning":"overwrites config"}]}`)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 || items[1].Risk != "high" {
		t.Errorf("items = %+v", items)
	}
}

func TestParseReviewBareArray(t *testing.T) {
	items, err := parseReview(`[{"valid":true,"risk":"low"}]`)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].Risk != "low" {
		t.Errorf("items = %+v", items)
	}
}

func TestParseReviewStripsCodeFences(t *testing.T) {
	raw := "Here is my assessment:\n```json\n[{\"valid\":true,\"risk\":\"none\"}]\n```\n"
	items, err := parseReview(raw)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 {
		t.Errorf("items = %+v", items)
	}
}

func TestParseReviewRejectsProse(t *testing.T) {
	if _, err := parseReview("these calls look fine to me"); err == nil {
		t.Error("prose accepted as review")
	}
}

func TestLLMInspectorMapsRisks(t *testing.T) {
	reply := `[
		{"valid":false,"risk":"critical","reasoning":"destroys data"},
		{"valid":true,"risk":"medium","reasoning":"touches shared state"}
	]`
	ins := newLLMInspector(staticReviewer(reply, nil), config.LLMValidatorConfig{}, testLogger())

	findings := ins.Inspect(context.Background(), Request{Intent: "clean up", Calls: twoCalls()})
	if len(findings) != 2 {
		t.Fatalf("findings = %+v", findings)
	}
	if findings[0].Verdict != VerdictDenied {
		t.Errorf("critical risk verdict = %s", findings[0].Verdict)
	}
	// Medium risk is advisory.
	if findings[1].Verdict != "" {
		t.Errorf("medium risk verdict = %s, want advisory", findings[1].Verdict)
	}
}

func TestLLMInspectorInvalidLowRiskNeedsApproval(t *testing.T) {
	reply := `[{"valid":false,"risk":"low","reasoning":"unclear intent","suggestion":"narrow the path"}]`
	ins := newLLMInspector(staticReviewer(reply, nil), config.LLMValidatorConfig{}, testLogger())

	findings := ins.Inspect(context.Background(), Request{Calls: twoCalls()[:1]})
	if len(findings) != 1 || findings[0].Verdict != VerdictRequiresApproval {
		t.Fatalf("findings = %+v", findings)
	}
	if want := "unclear intent (suggestion: narrow the path)"; findings[0].Reason != want {
		t.Errorf("reason = %q, want %q", findings[0].Reason, want)
	}
}

func TestLLMInspectorFallbackDeny(t *testing.T) {
	ins := newLLMInspector(staticReviewer("", errors.New("timeout")),
		config.LLMValidatorConfig{FallbackOnError: "deny"}, testLogger())

	findings := ins.Inspect(context.Background(), Request{Calls: twoCalls()})
	if len(findings) != 2 {
		t.Fatalf("findings = %+v", findings)
	}
	for _, f := range findings {
		if f.Verdict != VerdictDenied {
			t.Errorf("verdict = %s, want DENIED", f.Verdict)
		}
	}
}

func TestLLMInspectorFallbackAllow(t *testing.T) {
	ins := newLLMInspector(staticReviewer("", errors.New("timeout")),
		config.LLMValidatorConfig{FallbackOnError: "allow"}, testLogger())

	findings := ins.Inspect(context.Background(), Request{Calls: twoCalls()})
	if len(findings) != 2 {
		t.Fatalf("findings = %+v", findings)
	}
	for _, f := range findings {
		if f.Verdict != "" {
			t.Errorf("fallback allow raised a verdict: %+v", f)
		}
	}
}

func TestLLMInspectorFallbackOnUnparseableReply(t *testing.T) {
	ins := newLLMInspector(staticReviewer("sure, those calls are fine", nil),
		config.LLMValidatorConfig{FallbackOnError: "deny"}, testLogger())

	findings := ins.Inspect(context.Background(), Request{Calls: twoCalls()[:1]})
	if len(findings) != 1 || findings[0].Verdict != VerdictDenied {
		t.Errorf("findings = %+v", findings)
	}
}

func TestLLMInspectorIgnoresExtraItems(t *testing.T) {
	reply := `[{"valid":true,"risk":"none"},{"valid":false,"risk":"critical","reasoning":"x"},{"valid":false,"risk":"critical","reasoning":"stray"}]`
	ins := newLLMInspector(staticReviewer(reply, nil), config.LLMValidatorConfig{}, testLogger())

	findings := ins.Inspect(context.Background(), Request{Calls: twoCalls()})
	for _, f := range findings {
		if f.Index >= 2 {
			t.Errorf("finding beyond batch: %+v", f)
		}
	}
}
