// Package errs defines the error taxonomy shared by every layer of the
// orchestrator. Each failure that crosses a component boundary is mapped to
// exactly one Kind; the kind decides which layer (if any) may retry it and
// what the session surface is allowed to show.
package errs

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind categorizes a failure for retry, fallback, and reporting decisions.
type Kind string

const (
	// KindConfig indicates bad startup configuration. Fatal; halts init.
	KindConfig Kind = "CONFIG"

	// KindProviderUnreachable indicates a tool provider subprocess failed to
	// spawn, exited, or its stdio broke.
	KindProviderUnreachable Kind = "PROVIDER_UNREACHABLE"

	// KindProviderNotReady indicates the provider is still spawning or is
	// draining. Transient.
	KindProviderNotReady Kind = "PROVIDER_NOT_READY"

	// KindToolNotFound indicates no descriptor matched after normalization.
	// Soft failure: carried inside a failed ToolResult with suggestions.
	KindToolNotFound Kind = "TOOL_NOT_FOUND"

	// KindToolSchemaViolation indicates a required parameter was missing or
	// mistyped and no autocorrection applied.
	KindToolSchemaViolation Kind = "TOOL_SCHEMA_VIOLATION"

	// KindToolTimeout indicates the tool-call awaiter deadline elapsed.
	KindToolTimeout Kind = "TOOL_TIMEOUT"

	// KindToolError indicates the provider returned a JSON-RPC error object.
	KindToolError Kind = "TOOL_ERROR"

	// KindInspectionDenied indicates a policy inspector denied the call.
	KindInspectionDenied Kind = "INSPECTION_DENIED"

	// KindValidationFailed indicates the validation pipeline rejected the
	// batch before dispatch.
	KindValidationFailed Kind = "VALIDATION_FAILED"

	// KindLLMRateLimited indicates a 429 or an open circuit.
	KindLLMRateLimited Kind = "LLM_RATE_LIMITED"

	// KindLLMUnavailable indicates every fallback model was exhausted.
	KindLLMUnavailable Kind = "LLM_UNAVAILABLE"

	// KindLLMParse indicates the model reply did not match the expected JSON
	// shape.
	KindLLMParse Kind = "LLM_PARSE"

	// KindWorkflowGiveup indicates a TODO item exceeded its attempt budget.
	KindWorkflowGiveup Kind = "WORKFLOW_GIVEUP"
)

// Transient reports whether the kind may be retried by the layer that owns
// its policy: the rate limiter retries HTTP, the workflow retries items.
// Nothing else retries transient errors, and structural kinds never retry.
func (k Kind) Transient() bool {
	switch k {
	case KindProviderNotReady, KindToolTimeout, KindLLMRateLimited:
		return true
	default:
		return false
	}
}

// Error is the structured error carried across component boundaries. Only
// Kind, Message, and Suggestions are allowed to reach the session surface;
// the wrapped cause stays internal.
type Error struct {
	Kind        Kind
	Message     string
	Provider    string
	Tool        string
	Suggestions []string
	Err         error
}

// E builds an Error with a formatted message.
func E(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error around a cause, keeping the cause available to
// errors.Is / errors.As.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

func (e *Error) Error() string {
	parts := []string{fmt.Sprintf("[%s]", e.Kind)}
	if e.Provider != "" {
		parts = append(parts, e.Provider)
	}
	if e.Tool != "" {
		parts = append(parts, fmt.Sprintf("tool=%s", e.Tool))
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Err != nil {
		parts = append(parts, e.Err.Error())
	}
	return strings.Join(parts, " ")
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// WithProvider attaches the provider name.
func (e *Error) WithProvider(name string) *Error {
	e.Provider = name
	return e
}

// WithTool attaches the qualified tool name.
func (e *Error) WithTool(name string) *Error {
	e.Tool = name
	return e
}

// WithSuggestions attaches nearest-match suggestions for soft failures.
func (e *Error) WithSuggestions(s ...string) *Error {
	e.Suggestions = append(e.Suggestions, s...)
	return e
}

// KindOf extracts the taxonomy kind from any error. Errors that never got
// classified report KindToolError for tool paths and are otherwise opaque,
// so callers that need precision classify at the failure site.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Is lets errors.Is match on a bare kind probe: errors.Is(err, &Error{Kind: k}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// ClassifyHTTPStatus maps an LLM endpoint status code to a taxonomy kind.
// 429 is "service busy": rate limited, never a circuit failure.
func ClassifyHTTPStatus(status int) Kind {
	switch {
	case status == http.StatusTooManyRequests:
		return KindLLMRateLimited
	case status >= 500:
		return KindLLMUnavailable
	default:
		return KindLLMUnavailable
	}
}

// ClassifyRPCCode maps a JSON-RPC error code from a provider to a kind.
func ClassifyRPCCode(code int) Kind {
	switch code {
	case -32601: // method not found
		return KindToolNotFound
	case -32602: // invalid params
		return KindToolSchemaViolation
	default:
		return KindToolError
	}
}

// Redact returns the short user-visible form: kind, human reason, and
// suggestions. Wrapped causes and stack detail never cross the session
// boundary.
func Redact(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		return "internal error"
	}
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if len(e.Suggestions) > 0 {
		msg += fmt.Sprintf(" (did you mean: %s)", strings.Join(e.Suggestions, ", "))
	}
	return msg
}
