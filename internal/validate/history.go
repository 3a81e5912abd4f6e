package validate

import (
	"fmt"

	"github.com/haasonsaas/conductor/internal/catalog"
	"github.com/haasonsaas/conductor/internal/errs"
	"github.com/haasonsaas/conductor/internal/history"
)

// historyValidator rejects calls the session has already burned: exact
// repeats of recently completed calls past the repeat threshold, and
// calls to a (provider, tool) pair that keeps failing. Calls that do not
// resolve yet pass through; the schema validator owns unknown-tool
// reporting.
type historyValidator struct {
	ring            *history.Ring
	snapshot        func() *catalog.Snapshot
	repeatThreshold int
	maxToolFailures int
	window          int
}

func (*historyValidator) Name() string { return "history" }

func (v *historyValidator) Validate(in Input) Result {
	if v.ring == nil || v.snapshot == nil {
		return Result{Valid: true}
	}

	snap := v.snapshot()
	var issues []Issue
	for i, call := range in.Calls {
		d, err := snap.Resolve(call.Provider, call.Tool)
		if err != nil {
			continue
		}

		params := history.CanonicalParams(call.Parameters)
		if n := v.ring.CompletedRepeats(d.Provider, d.RawName, params, v.window); n >= v.repeatThreshold {
			issues = append(issues, Issue{
				Index: i,
				Kind:  errs.KindValidationFailed,
				Message: fmt.Sprintf("%s completed %d times recently with identical parameters",
					d.Qualified, n),
			})
			continue
		}
		if n := v.ring.SessionFailures(in.SessionID, d.Provider, d.RawName); n >= v.maxToolFailures {
			issues = append(issues, Issue{
				Index: i,
				Kind:  errs.KindValidationFailed,
				Message: fmt.Sprintf("%s failed %d times in this session",
					d.Qualified, n),
			})
		}
	}

	return Result{Valid: len(issues) == 0, Errors: issues}
}
