package inspect

import (
	"context"
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"

	"github.com/haasonsaas/conductor/internal/catalog"
	"github.com/haasonsaas/conductor/internal/config"
	"github.com/haasonsaas/conductor/internal/errs"
)

// Reviewer asks a model to assess a batch of calls against the declared
// user intent and returns the raw model text. The llm package provides
// the production implementation.
type Reviewer interface {
	ReviewCalls(ctx context.Context, intent string, calls []catalog.ToolCall) (string, error)
}

// reviewItem is one per-call assessment in the model reply. Items map to
// calls by position.
type reviewItem struct {
	Valid      bool   `json:"valid"`
	Risk       string `json:"risk"`
	Reasoning  string `json:"reasoning"`
	Suggestion string `json:"suggestion"`
}

// llmInspector defers risk assessment to a model. High and critical
// risks deny, medium surfaces as an advisory finding, and an invalid
// call at lower risk gates on approval. Service failures fall back per
// configuration.
type llmInspector struct {
	reviewer     Reviewer
	fallbackDeny bool
	logger       *slog.Logger
}

func newLLMInspector(reviewer Reviewer, cfg config.LLMValidatorConfig, logger *slog.Logger) *llmInspector {
	return &llmInspector{
		reviewer:     reviewer,
		fallbackDeny: cfg.FallbackOnError != "allow",
		logger:       logger,
	}
}

func (*llmInspector) Name() string { return "llm_validator" }

func (v *llmInspector) Inspect(ctx context.Context, req Request) []Finding {
	raw, err := v.reviewer.ReviewCalls(ctx, req.Intent, req.Calls)
	if err == nil {
		var items []reviewItem
		items, err = parseReview(raw)
		if err == nil {
			return v.assess(items, len(req.Calls))
		}
	}

	v.logger.Warn("call review unavailable", "error", err)
	findings := make([]Finding, 0, len(req.Calls))
	for i := range req.Calls {
		if v.fallbackDeny {
			findings = append(findings, Finding{
				Index:   i,
				Verdict: VerdictDenied,
				Reason:  "call review unavailable",
			})
		} else {
			findings = append(findings, Finding{
				Index:  i,
				Reason: "call review skipped, risk unknown",
			})
		}
	}
	return findings
}

func (v *llmInspector) assess(items []reviewItem, calls int) []Finding {
	var findings []Finding
	for i, item := range items {
		if i >= calls {
			break
		}
		reason := item.Reasoning
		if item.Suggestion != "" {
			reason += " (suggestion: " + item.Suggestion + ")"
		}
		switch strings.ToLower(item.Risk) {
		case "high", "critical":
			findings = append(findings, Finding{Index: i, Verdict: VerdictDenied, Reason: reason})
		case "medium":
			findings = append(findings, Finding{Index: i, Reason: reason})
		default:
			if !item.Valid {
				findings = append(findings, Finding{Index: i, Verdict: VerdictRequiresApproval, Reason: reason})
			}
		}
	}
	return findings
}

var fencedBlock = regexp.MustCompile("```[\\s\\S]*?```")

// stripFences extracts the first fenced code block when present,
// dropping the language line, so replies like "```json\n[...]\n```"
// parse cleanly.
func stripFences(s string) string {
	trimmed := strings.TrimSpace(s)
	match := fencedBlock.FindString(trimmed)
	if match == "" {
		return trimmed
	}
	content := strings.TrimPrefix(match, "```")
	content = strings.TrimSuffix(content, "```")
	if idx := strings.Index(content, "\n"); idx != -1 {
		first := strings.TrimSpace(content[:idx])
		if first != "" && !strings.HasPrefix(first, "{") && !strings.HasPrefix(first, "[") {
			content = content[idx+1:]
		}
	}
	return strings.TrimSpace(content)
}

// parseReview accepts both {"validations": [...]} and a bare array.
func parseReview(raw string) ([]reviewItem, error) {
	text := stripFences(raw)

	var wrapper struct {
		Validations []reviewItem `json:"validations"`
	}
	if err := json.Unmarshal([]byte(text), &wrapper); err == nil && wrapper.Validations != nil {
		return wrapper.Validations, nil
	}

	var items []reviewItem
	if err := json.Unmarshal([]byte(text), &items); err != nil {
		return nil, errs.E(errs.KindLLMParse, "call review reply is not a validation list: %v", err)
	}
	return items, nil
}
