package llm

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/haasonsaas/conductor/internal/catalog"
	"github.com/haasonsaas/conductor/internal/errs"
)

// SystemContext carries the session state the selection prompt sees.
type SystemContext struct {
	SessionID string
	Providers []string
	Tools     []string
	History   []Message
}

// OptimizationMeta reports how a selection reply was produced.
type OptimizationMeta struct {
	Strategy          string `json:"strategy"`
	Fallback          bool   `json:"fallback"`
	DuplicatesAvoided uint64 `json:"duplicates_avoided"`
}

// SystemSelection is the combined mode, provider, and tool-plan pick
// for one user message.
type SystemSelection struct {
	Mode              string             `json:"mode"`
	SelectedProviders []string           `json:"selected_providers"`
	PlannedToolCalls  []catalog.ToolCall `json:"planned_tool_calls"`
	Meta              OptimizationMeta   `json:"optimization_meta"`
}

const systemSelectionPrompt = `You orchestrate tool providers for a user request. Reply with a single JSON object with these top-level fields:
  "mode_selection": {"mode": "chat" | "task" | "dev"}
  "server_selection": {"providers": [provider names relevant to the request]}
  "tool_planning": {"tool_calls": [{"provider", "tool", "parameters"}]}
  "optimization_metadata": {}
Only reference providers and tools from the lists given. Reply with JSON only.`

// BatchSystemSelection asks one combined question: which mode, which
// providers, and which tool calls fit userMessage. A malformed reply
// degrades to a sequential mode selection so the caller always gets a
// usable mode.
func (o *Optimizer) BatchSystemSelection(ctx context.Context, userMessage string, sctx SystemContext) (SystemSelection, error) {
	messages := make([]Message, 0, len(sctx.History)+1)
	messages = append(messages, sctx.History...)
	messages = append(messages, Message{Role: "user", Content: selectionUserPrompt(userMessage, sctx)})

	res, err := o.Do(ctx, Request{
		Kind:     KindSystemSelection,
		System:   systemSelectionPrompt,
		Messages: messages,
		Params: map[string]any{
			"session":   sctx.SessionID,
			"providers": sctx.Providers,
		},
	})
	if err == nil {
		var sel SystemSelection
		if sel, err = parseSystemSelection(res.Content); err == nil {
			sel.Meta.Strategy = "batched"
			sel.Meta.Fallback = res.Fallback
			sel.Meta.DuplicatesAvoided = o.DuplicatesAvoided()
			return sel, nil
		}
	}

	o.logger.Warn("batched system selection degraded", "error", err)
	mode := o.selectMode(ctx, userMessage)
	return SystemSelection{
		Mode: mode,
		Meta: OptimizationMeta{
			Strategy:          "sequential",
			Fallback:          true,
			DuplicatesAvoided: o.DuplicatesAvoided(),
		},
	}, nil
}

func selectionUserPrompt(userMessage string, sctx SystemContext) string {
	var sb strings.Builder
	sb.WriteString("User message:\n")
	sb.WriteString(userMessage)
	if len(sctx.Providers) > 0 {
		sb.WriteString("\n\nAvailable providers: ")
		sb.WriteString(strings.Join(sctx.Providers, ", "))
	}
	if len(sctx.Tools) > 0 {
		sb.WriteString("\nAvailable tools: ")
		sb.WriteString(strings.Join(sctx.Tools, ", "))
	}
	return sb.String()
}

// parseSystemSelection decodes the combined reply. Missing sections
// default to a chat-mode selection with nothing planned; an unknown
// mode becomes chat rather than failing the whole reply.
func parseSystemSelection(content string) (SystemSelection, error) {
	var wire struct {
		ModeSelection *struct {
			Mode string `json:"mode"`
		} `json:"mode_selection"`
		ServerSelection *struct {
			Providers []string `json:"providers"`
		} `json:"server_selection"`
		ToolPlanning *struct {
			ToolCalls []catalog.ToolCall `json:"tool_calls"`
		} `json:"tool_planning"`
		OptimizationMetadata map[string]any `json:"optimization_metadata"`
	}
	text := StripFences(content)
	if err := json.Unmarshal([]byte(text), &wire); err != nil {
		return SystemSelection{}, errs.E(errs.KindLLMParse, "system selection reply is not JSON: %v", err)
	}

	sel := SystemSelection{Mode: "chat"}
	if wire.ModeSelection != nil && validMode(wire.ModeSelection.Mode) {
		sel.Mode = wire.ModeSelection.Mode
	}
	if wire.ServerSelection != nil {
		sel.SelectedProviders = wire.ServerSelection.Providers
	}
	if wire.ToolPlanning != nil {
		sel.PlannedToolCalls = wire.ToolPlanning.ToolCalls
	}
	return sel, nil
}

func validMode(mode string) bool {
	switch mode {
	case "chat", "task", "dev":
		return true
	}
	return false
}

const modeSelectionPrompt = `Classify the user message into exactly one mode: "chat" for conversation and questions, "task" for multi-step work with tools, "dev" for requests about this orchestrator itself. Reply with the single word.`

// selectMode is the sequential degradation path: a minimal
// mode_selection call whose reply tolerates bare words, JSON, and
// fenced blocks. Any failure means chat.
func (o *Optimizer) selectMode(ctx context.Context, userMessage string) string {
	res, err := o.Do(ctx, Request{
		Kind:     KindModeSelection,
		System:   modeSelectionPrompt,
		Messages: []Message{{Role: "user", Content: userMessage}},
	})
	if err != nil {
		o.logger.Warn("mode selection unavailable, defaulting to chat", "error", err)
		return "chat"
	}
	return normalizeMode(res.Content)
}

func normalizeMode(content string) string {
	text := StripFences(content)
	var wire struct {
		Mode string `json:"mode"`
	}
	if err := json.Unmarshal([]byte(text), &wire); err == nil && wire.Mode != "" {
		text = wire.Mode
	}
	text = strings.ToLower(strings.Trim(strings.TrimSpace(text), `"'.`))
	if fields := strings.Fields(text); len(fields) > 0 {
		text = fields[0]
	}
	if validMode(text) {
		return text
	}
	return "chat"
}

var fencedBlock = regexp.MustCompile("```[\\s\\S]*?```")

// StripFences extracts the first fenced code block when present,
// dropping the language line, so replies like "```json\n{...}\n```"
// parse cleanly.
func StripFences(s string) string {
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
