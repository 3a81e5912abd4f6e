package validate

import (
	"fmt"
	"strings"

	"github.com/haasonsaas/conductor/internal/catalog"
	"github.com/haasonsaas/conductor/internal/errs"
)

// formatValidator enforces the structural minimum: a non-empty list where
// every call names a tool, carries a provider (derivable from a qualified
// name), and has an object for parameters.
type formatValidator struct{}

func (formatValidator) Name() string { return "format" }

func (formatValidator) Validate(in Input) Result {
	if len(in.Calls) == 0 {
		return Result{Errors: []Issue{{
			Index: -1, Kind: errs.KindValidationFailed, Message: "tool call list is empty",
		}}}
	}

	var issues []Issue
	corrected := make([]catalog.ToolCall, len(in.Calls))
	for i, call := range in.Calls {
		c := call.Clone()
		c.Tool = strings.TrimSpace(c.Tool)
		c.Provider = strings.TrimSpace(c.Provider)

		if c.Tool == "" {
			issues = append(issues, Issue{
				Index: i, Kind: errs.KindValidationFailed, Message: "missing tool name",
			})
			corrected[i] = c
			continue
		}
		if c.Provider == "" {
			if provider, _, ok := catalog.SplitQualified(c.Tool); ok {
				c.Provider = provider
			} else {
				issues = append(issues, Issue{
					Index:      i,
					Kind:       errs.KindValidationFailed,
					Message:    fmt.Sprintf("call to %q is missing a provider", c.Tool),
					Suggestion: "use the provider__tool form",
				})
			}
		}
		if c.Parameters == nil {
			c.Parameters = map[string]any{}
		}
		corrected[i] = c
	}

	if len(issues) > 0 {
		return Result{Errors: issues}
	}
	return Result{Valid: true, Corrected: corrected}
}
