package validate

import (
	"fmt"

	"github.com/haasonsaas/conductor/internal/catalog"
	"github.com/haasonsaas/conductor/internal/errs"
)

// syncValidator re-checks each call against live provider state: the
// provider must be ready right now and the tool must still be in its
// latest advertisement. Tool lists can shift between planning and
// dispatch, so with autocorrect on, a near-miss on the same provider is
// substituted rather than rejected.
type syncValidator struct {
	snapshot    func() *catalog.Snapshot
	ready       func(provider string) bool
	autocorrect bool
}

func (*syncValidator) Name() string { return "sync" }

func (v *syncValidator) Validate(in Input) Result {
	snap := v.snapshot()
	var issues, warnings []Issue
	corrected := make([]catalog.ToolCall, len(in.Calls))

	for i, call := range in.Calls {
		c := call.Clone()
		corrected[i] = c

		if v.ready != nil && !v.ready(c.Provider) {
			issues = append(issues, Issue{
				Index:   i,
				Kind:    errs.KindProviderNotReady,
				Message: fmt.Sprintf("provider %q is not ready", c.Provider),
			})
			continue
		}

		if _, ok := snap.Find(c.Tool); ok {
			continue
		}

		providerTools := make([]string, 0, 8)
		for _, d := range snap.ListFrom(c.Provider) {
			providerTools = append(providerTools, d.Qualified)
		}
		best, near := Suggest(c.Tool, providerTools)
		if near && v.autocorrect {
			warnings = append(warnings, Issue{
				Index:   i,
				Message: fmt.Sprintf("tool %q no longer advertised, substituted %q", c.Tool, best),
			})
			c.Tool = best
			corrected[i] = c
			continue
		}

		issue := Issue{
			Index:   i,
			Kind:    errs.KindToolNotFound,
			Message: fmt.Sprintf("tool %q is not in provider %q's current tool list", c.Tool, c.Provider),
		}
		if near {
			issue.Suggestion = best
		}
		issues = append(issues, issue)
	}

	return Result{
		Valid:     len(issues) == 0,
		Errors:    issues,
		Warnings:  warnings,
		Corrected: corrected,
	}
}
