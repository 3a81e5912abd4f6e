// Package llm routes every model request through one optimizing front
// door: preferred-model resolution per request kind, short-TTL response
// caching, in-flight deduplication, debounced batching for selection
// traffic, and ordered fallback when the preferred model is saturated
// or down. All outbound HTTP rides the shared rate limiter.
package llm

import (
	"context"

	"github.com/haasonsaas/conductor/internal/config"
	"github.com/haasonsaas/conductor/internal/ratelimit"
)

// Kind names the purpose of a model request. The kind picks the
// preferred model from the configured table and decides whether the
// request may wait out the batch debounce window.
type Kind string

const (
	KindModeSelection   Kind = "mode_selection"
	KindServerSelection Kind = "server_selection"
	KindToolPlanning    Kind = "tool_planning"
	KindSystemSelection Kind = "system_selection"
	KindVerification    Kind = "verification"
	KindChat            Kind = "chat"
)

// Batchable reports whether requests of this kind tolerate the batch
// debounce delay. Chat and verification replies go straight out.
func (k Kind) Batchable() bool {
	switch k {
	case KindModeSelection, KindServerSelection, KindToolPlanning, KindSystemSelection:
		return true
	}
	return false
}

// Message is one turn of model input.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest is the provider-neutral payload a backend turns
// into its SDK's wire format.
type CompletionRequest struct {
	Model       string
	System      string
	Messages    []Message
	MaxTokens   int
	Temperature float64
}

// Backend adapts one provider SDK. Complete returns the assistant text
// of a single non-streaming completion. Implementations classify
// transport and status failures into errs kinds so the optimizer can
// decide between retry, fallback, and giving up.
type Backend interface {
	Name() string
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}

// Request is one optimizer call. Model overrides the configured table
// when set. Params joins the cache fingerprint so requests that differ
// only in parameters never share a cached reply.
type Request struct {
	Kind        Kind
	Model       string
	System      string
	Messages    []Message
	MaxTokens   int
	Temperature float64
	Params      map[string]any
}

// Result carries the reply text plus how it was produced.
type Result struct {
	Content  string
	Model    string
	Cached   bool
	Shared   bool
	Fallback bool
}

func modelFor(kind Kind, table config.ModelTableConfig) string {
	var model string
	switch kind {
	case KindModeSelection:
		model = table.ModeSelection
	case KindServerSelection:
		model = table.ServerSelection
	case KindToolPlanning:
		model = table.ToolPlanning
	case KindSystemSelection:
		model = table.SystemSelection
	case KindVerification:
		model = table.Verification
	case KindChat:
		model = table.Chat
	}
	if model == "" {
		model = table.Default
	}
	if model == "" {
		model = "gpt-4o-mini"
	}
	return model
}

// priorityFor maps request kinds onto limiter bands. Interactive kinds
// jump ahead of planning traffic when the queue backs up.
func priorityFor(kind Kind) int {
	switch kind {
	case KindChat, KindModeSelection:
		return ratelimit.PriorityHigh
	default:
		return ratelimit.PriorityNormal
	}
}
