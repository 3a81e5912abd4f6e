package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/haasonsaas/conductor/internal/catalog"
	"github.com/haasonsaas/conductor/internal/dispatch"
	"github.com/haasonsaas/conductor/internal/errs"
	"github.com/haasonsaas/conductor/internal/llm"
)

const todoSystemPrompt = `Break the user request into TODO items. Reply with a single JSON object:
{"items": [{"id": "1", "action": "...", "dependencies": ["ids that must finish first"], "parallel": false}]}
Keep items small and concrete. Dependencies may only reference other item ids and must not form cycles. Set "parallel" only when an item's tool calls are independent of each other. Reply with JSON only.`

const planSystemPrompt = `Plan the tool calls that accomplish one task item. Reply with a single JSON object:
{"tool_calls": [{"provider": "...", "tool": "...", "parameters": {...}}]}
Use only the providers and tools listed. Reply with an empty list when the item needs no tools. Reply with JSON only.`

const verifySystemPrompt = `Judge whether a task item completed successfully from its tool results. Reply with a single JSON object: {"passed": true|false, "reason": "..."}. Reply with JSON only.`

const replanSystemPrompt = `A task item failed verification. Decide the next step. Reply with a single JSON object:
{"action": "retry" | "skip" | "block", "tool_calls": [{"provider", "tool", "parameters"}], "reason": "..."}
Use "retry" with rewritten tool_calls to try a different approach, "skip" when the item is unnecessary, "block" when it cannot proceed. Reply with JSON only.`

const summarySystemPrompt = `Summarize the session for the user in a short plain-text paragraph: what was accomplished, what failed and why, and anything skipped.`

// buildTodo asks the planner for a TODO list. Any failure, a malformed
// reply, a cycle, degrades to a single item wrapping the whole request
// so the session still runs.
func (e *Engine) buildTodo(ctx context.Context, ses *session) *Todo {
	messages := make([]llm.Message, 0, len(ses.history)+1)
	messages = append(messages, ses.history...)
	messages = append(messages, llm.Message{Role: "user", Content: ses.userMessage})

	res, err := e.llm.Do(ctx, llm.Request{
		Kind:     llm.KindToolPlanning,
		System:   todoSystemPrompt,
		Messages: messages,
		Params:   map[string]any{"session": ses.id, "stage": "todo"},
	})
	if err == nil {
		var items []Item
		if items, err = parseTodoItems(res.Content); err == nil {
			var todo *Todo
			if todo, err = NewTodo(items); err == nil {
				return todo
			}
		}
	}

	e.logger.Warn("todo building degraded to a single item", "session", ses.id, "error", err)
	todo, _ := NewTodo([]Item{{Action: ses.userMessage}})
	return todo
}

// parseTodoItems accepts {"items": [...]} or a bare array.
func parseTodoItems(content string) ([]Item, error) {
	text := llm.StripFences(content)
	var wire struct {
		Items []Item `json:"items"`
	}
	if err := json.Unmarshal([]byte(text), &wire); err != nil {
		if aerr := json.Unmarshal([]byte(text), &wire.Items); aerr != nil {
			return nil, fmt.Errorf("todo reply is not JSON: %w", err)
		}
	}
	return wire.Items, nil
}

// planTools asks for an item's tool calls against the provider subset.
func (e *Engine) planTools(ctx context.Context, it *Item, providers []string) ([]catalog.ToolCall, error) {
	var sb strings.Builder
	sb.WriteString("Task item:\n")
	sb.WriteString(it.Action)
	sb.WriteString("\n\n")
	sb.WriteString(e.snapshot().Summary(providers...))

	res, err := e.llm.Do(ctx, llm.Request{
		Kind:     llm.KindToolPlanning,
		System:   planSystemPrompt,
		Messages: []llm.Message{{Role: "user", Content: sb.String()}},
		Params:   map[string]any{"item": it.ID, "stage": "plan"},
	})
	if err != nil {
		return nil, err
	}
	return parsePlannedCalls(res.Content)
}

// parsePlannedCalls accepts {"tool_calls": [...]} or a bare array.
func parsePlannedCalls(content string) ([]catalog.ToolCall, error) {
	text := llm.StripFences(content)
	var wire struct {
		ToolCalls []catalog.ToolCall `json:"tool_calls"`
	}
	if err := json.Unmarshal([]byte(text), &wire); err != nil {
		if aerr := json.Unmarshal([]byte(text), &wire.ToolCalls); aerr != nil {
			return nil, fmt.Errorf("tool plan reply is not JSON: %w", err)
		}
	}
	return wire.ToolCalls, nil
}

// verifyItem judges one attempt. A batch-level execution error fails
// verification outright with the error as the reason. Otherwise the
// verifier model decides; when it is unreachable or unparseable the
// mechanical rule applies: passed means every call succeeded.
func (e *Engine) verifyItem(ctx context.Context, it *Item, results []dispatch.Result, execErr error) Verification {
	if execErr != nil {
		return Verification{Passed: false, Reason: "execution failed: " + errs.Redact(execErr)}
	}

	res, err := e.llm.Do(ctx, llm.Request{
		Kind:     llm.KindVerification,
		System:   verifySystemPrompt,
		Messages: []llm.Message{{Role: "user", Content: verificationPrompt(it, results)}},
		Params:   map[string]any{"item": it.ID, "stage": "verify"},
	})
	if err == nil {
		if v, perr := parseVerification(res.Content); perr == nil {
			return v
		}
	}

	for _, r := range results {
		if !r.Success {
			return Verification{Passed: false, Reason: fmt.Sprintf("call %s did not succeed: %s", r.Tool, r.Error)}
		}
	}
	return Verification{Passed: true, Reason: "all tool calls succeeded"}
}

func verificationPrompt(it *Item, results []dispatch.Result) string {
	var sb strings.Builder
	sb.WriteString("Task item:\n")
	sb.WriteString(it.Action)
	sb.WriteString("\n\nTool results:\n")
	if len(results) == 0 {
		sb.WriteString("(none)\n")
	}
	for _, r := range results {
		switch {
		case r.Success:
			fmt.Fprintf(&sb, "- %s: ok: %s\n", r.Tool, truncate(r.Output, 500))
		case r.Executed:
			fmt.Fprintf(&sb, "- %s: failed: %s\n", r.Tool, r.Error)
		default:
			fmt.Fprintf(&sb, "- %s: not executed: %s\n", r.Tool, r.Error)
		}
	}
	return sb.String()
}

func parseVerification(content string) (Verification, error) {
	text := llm.StripFences(content)
	var v Verification
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return Verification{}, fmt.Errorf("verification reply is not JSON: %w", err)
	}
	return v, nil
}

// Replan directives.
const (
	replanRetry = "retry"
	replanSkip  = "skip"
	replanBlock = "block"
)

type replanDirective struct {
	Action string             `json:"action"`
	Calls  []catalog.ToolCall `json:"tool_calls"`
	Reason string             `json:"reason"`
}

// replanItem asks what to do after a failed attempt. Any failure means
// retry with the same plan, which keeps the attempt budget honest.
func (e *Engine) replanItem(ctx context.Context, ses *session, it *Item) replanDirective {
	res, err := e.llm.Do(ctx, llm.Request{
		Kind:     llm.KindToolPlanning,
		System:   replanSystemPrompt,
		Messages: []llm.Message{{Role: "user", Content: replanPrompt(it)}},
		Params:   map[string]any{"item": it.ID, "stage": "replan", "attempt": it.Attempts},
	})
	if err != nil {
		e.logger.Warn("replanner unavailable, retrying item unchanged", "session", ses.id, "item", it.ID, "error", err)
		return replanDirective{Action: replanRetry}
	}
	d, perr := parseReplan(res.Content)
	if perr != nil {
		e.logger.Warn("replanner reply unusable, retrying item unchanged", "session", ses.id, "item", it.ID, "error", perr)
		return replanDirective{Action: replanRetry}
	}
	return d
}

func replanPrompt(it *Item) string {
	var sb strings.Builder
	sb.WriteString("Task item:\n")
	sb.WriteString(it.Action)
	if it.Verification != nil {
		sb.WriteString("\n\nVerification failed: ")
		sb.WriteString(it.Verification.Reason)
	}
	if len(it.PlannedCalls) > 0 {
		if plan, err := json.Marshal(it.PlannedCalls); err == nil {
			sb.WriteString("\n\nPrevious plan:\n")
			sb.Write(plan)
		}
	}
	for _, r := range it.Results {
		if !r.Success && r.Error != "" {
			fmt.Fprintf(&sb, "\nResult %s: %s", r.Tool, r.Error)
		}
	}
	fmt.Fprintf(&sb, "\n\nAttempt %d.", it.Attempts)
	return sb.String()
}

func parseReplan(content string) (replanDirective, error) {
	text := llm.StripFences(content)
	var d replanDirective
	if err := json.Unmarshal([]byte(text), &d); err != nil {
		return replanDirective{}, fmt.Errorf("replan reply is not JSON: %w", err)
	}
	switch d.Action {
	case replanRetry, replanSkip, replanBlock:
	default:
		d.Action = replanRetry
	}
	return d, nil
}

// summarize closes the session. When the model is unavailable the
// mechanical digest stands in.
func (e *Engine) summarize(ctx context.Context, ses *session, todo *Todo) string {
	digest := outcomeDigest(todo)
	res, err := e.llm.Do(ctx, llm.Request{
		Kind:     llm.KindChat,
		System:   summarySystemPrompt,
		Messages: []llm.Message{{Role: "user", Content: "Request:\n" + ses.userMessage + "\n\nItem outcomes:\n" + digest}},
	})
	if err != nil {
		e.logger.Warn("summary degraded to item digest", "session", ses.id, "error", err)
		return digest
	}
	return res.Content
}

func outcomeDigest(todo *Todo) string {
	counts := todo.StatusCounts()
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d/%d items done", counts[StatusDone], len(todo.Items()))
	for _, status := range []Status{StatusFailed, StatusSkipped, StatusBlocked} {
		if counts[status] > 0 {
			fmt.Fprintf(&sb, ", %d %s", counts[status], status)
		}
	}
	sb.WriteString("\n")
	for _, it := range todo.Items() {
		fmt.Fprintf(&sb, "- [%s] %s", it.Status, it.Action)
		if it.Verification != nil && !it.Verification.Passed && it.Verification.Reason != "" {
			fmt.Fprintf(&sb, " (%s)", it.Verification.Reason)
		}
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
