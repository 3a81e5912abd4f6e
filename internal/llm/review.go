package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/haasonsaas/conductor/internal/catalog"
)

const reviewSystemPrompt = `You review planned tool calls for safety before execution. For each call judge whether it matches the user's intent and how much damage it could do. Reply with a JSON object {"validations": [{"valid": bool, "risk": "none"|"low"|"medium"|"high"|"critical", "reasoning": string, "suggestion": string}]}, one entry per call, in order. Reply with JSON only.`

// Reviewer implements the validation pipeline's call review on top of
// the optimizer. The raw reply text is returned as-is; the inspector
// owns parsing and verdict mapping.
type Reviewer struct {
	opt   *Optimizer
	model string
}

// NewReviewer builds a Reviewer. model overrides the verification
// entry of the model table when non-empty.
func NewReviewer(opt *Optimizer, model string) *Reviewer {
	return &Reviewer{opt: opt, model: model}
}

func (r *Reviewer) ReviewCalls(ctx context.Context, intent string, calls []catalog.ToolCall) (string, error) {
	payload, err := json.MarshalIndent(calls, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode calls for review: %w", err)
	}
	res, err := r.opt.Do(ctx, Request{
		Kind:     KindVerification,
		Model:    r.model,
		System:   reviewSystemPrompt,
		Messages: []Message{{Role: "user", Content: fmt.Sprintf("User intent:\n%s\n\nPlanned calls:\n%s", intent, payload)}},
	})
	if err != nil {
		return "", err
	}
	return res.Content, nil
}
