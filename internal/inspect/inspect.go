// Package inspect categorizes validated tool calls before dispatch. An
// ordered inspector chain examines each call and the worst verdict wins:
// DENIED over REQUIRES_APPROVAL over APPROVED. Inspectors are policy,
// not schema; structurally invalid calls never reach them.
package inspect

import (
	"context"
	"log/slog"

	"github.com/haasonsaas/conductor/internal/catalog"
	"github.com/haasonsaas/conductor/internal/config"
	"github.com/haasonsaas/conductor/internal/history"
)

// Verdict is the outcome of inspection for one call.
type Verdict string

const (
	// VerdictApproved means the call may dispatch immediately.
	VerdictApproved Verdict = "APPROVED"
	// VerdictRequiresApproval defers the call unless the execution
	// context auto-approves.
	VerdictRequiresApproval Verdict = "REQUIRES_APPROVAL"
	// VerdictDenied blocks the call; dispatch produces a synthetic
	// failure for it.
	VerdictDenied Verdict = "DENIED"
)

func (v Verdict) rank() int {
	switch v {
	case VerdictDenied:
		return 2
	case VerdictRequiresApproval:
		return 1
	default:
		return 0
	}
}

func worse(a, b Verdict) Verdict {
	if b.rank() > a.rank() {
		return b
	}
	return a
}

// Finding is one inspector's observation about one call. An empty
// Verdict marks an advisory finding that never raises the decision.
type Finding struct {
	Index     int     `json:"index"`
	Inspector string  `json:"inspector"`
	Verdict   Verdict `json:"verdict,omitempty"`
	Reason    string  `json:"reason"`
}

// Decision is the combined verdict for one call with every finding that
// contributed to it.
type Decision struct {
	Verdict  Verdict   `json:"verdict"`
	Findings []Finding `json:"findings,omitempty"`
}

// Reason returns the finding text that set the final verdict, or the
// first finding when none did.
func (d Decision) Reason() string {
	for _, f := range d.Findings {
		if f.Verdict == d.Verdict {
			return f.Reason
		}
	}
	if len(d.Findings) > 0 {
		return d.Findings[0].Reason
	}
	return ""
}

// Request is one inspection pass over a validated batch. Mode overrides
// the configured default when set; ReadonlyMode marks an explicitly
// read-only execution context.
type Request struct {
	SessionID    string
	Mode         string
	ReadonlyMode bool
	Intent       string
	Calls        []catalog.ToolCall
}

// Inspector is one policy check over a batch.
type Inspector interface {
	Name() string
	Inspect(ctx context.Context, req Request) []Finding
}

// Chain runs inspectors in order and folds their findings into per-call
// decisions.
type Chain struct {
	inspectors  []Inspector
	defaultMode string
	logger      *slog.Logger
}

// Options wires the chain to configuration, call history, and the
// optional model-backed reviewer.
type Options struct {
	Inspection config.InspectionConfig
	Ring       *history.Ring
	Reviewer   Reviewer
	Logger     *slog.Logger
}

// NewChain assembles the standard chain: security, mode, repetition,
// and the LLM reviewer when enabled and available.
func NewChain(opts Options) *Chain {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	logger := opts.Logger.With("component", "inspect")

	inspectors := []Inspector{
		newSecurityInspector(),
		newModeInspector(opts.Inspection.ReadonlyTools),
		newRepetitionInspector(opts.Ring, opts.Inspection),
	}
	if opts.Inspection.LLMValidator.Enabled && opts.Reviewer != nil {
		inspectors = append(inspectors, newLLMInspector(
			opts.Reviewer, opts.Inspection.LLMValidator, logger))
	}

	mode := opts.Inspection.Mode
	if mode == "" {
		mode = "auto"
	}
	return &Chain{inspectors: inspectors, defaultMode: mode, logger: logger}
}

// Inspect returns one decision per call, in input order. Every call
// starts APPROVED and only findings raise it.
func (c *Chain) Inspect(ctx context.Context, req Request) []Decision {
	if req.Mode == "" {
		req.Mode = c.defaultMode
	}

	decisions := make([]Decision, len(req.Calls))
	for i := range decisions {
		decisions[i].Verdict = VerdictApproved
	}

	for _, ins := range c.inspectors {
		findings := ins.Inspect(ctx, req)
		for _, f := range findings {
			if f.Index < 0 || f.Index >= len(decisions) {
				continue
			}
			f.Inspector = ins.Name()
			d := &decisions[f.Index]
			d.Findings = append(d.Findings, f)
			if f.Verdict != "" && f.Verdict != d.Verdict {
				d.Verdict = worse(d.Verdict, f.Verdict)
			}
			if f.Verdict == VerdictDenied || f.Verdict == VerdictRequiresApproval {
				c.logger.Debug("call flagged",
					"inspector", ins.Name(),
					"call", req.Calls[f.Index].Tool,
					"verdict", f.Verdict,
					"reason", f.Reason)
			}
		}
	}
	return decisions
}
