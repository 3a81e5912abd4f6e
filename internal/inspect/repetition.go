package inspect

import (
	"context"
	"fmt"

	"github.com/haasonsaas/conductor/internal/config"
	"github.com/haasonsaas/conductor/internal/history"
)

// repetitionInspector flags calls the session keeps making. It scans the
// session's recent window: when the identical (name, parameters) pair has
// already completed max_repetitions times the call needs approval, and
// the same holds for the qualified name alone regardless of parameters.
// Strict mode denies instead.
type repetitionInspector struct {
	ring   *history.Ring
	window int
	limit  int
	strict bool
}

func newRepetitionInspector(ring *history.Ring, cfg config.InspectionConfig) *repetitionInspector {
	window := cfg.HistoryWindow
	if window <= 0 {
		window = 20
	}
	limit := cfg.MaxRepetitions
	if limit <= 0 {
		limit = 3
	}
	return &repetitionInspector{ring: ring, window: window, limit: limit, strict: cfg.Strict}
}

func (*repetitionInspector) Name() string { return "repetition" }

func (r *repetitionInspector) Inspect(ctx context.Context, req Request) []Finding {
	if r.ring == nil {
		return nil
	}
	recent := r.ring.SessionWindow(req.SessionID, r.window)
	if len(recent) == 0 {
		return nil
	}

	verdict := VerdictRequiresApproval
	if r.strict {
		verdict = VerdictDenied
	}

	var findings []Finding
	for i, call := range req.Calls {
		params := history.CanonicalParams(call.Parameters)
		nameCount, exactCount := 0, 0
		for _, e := range recent {
			if e.Qualified != call.Tool {
				continue
			}
			nameCount++
			if e.Params == params {
				exactCount++
			}
		}
		switch {
		case exactCount >= r.limit:
			findings = append(findings, Finding{
				Index:   i,
				Verdict: verdict,
				Reason:  "exact repetition within window",
			})
		case nameCount >= r.limit:
			findings = append(findings, Finding{
				Index:   i,
				Verdict: verdict,
				Reason: fmt.Sprintf("%s called %d times in the last %d calls",
					call.Tool, nameCount, len(recent)),
			})
		}
	}
	return findings
}
