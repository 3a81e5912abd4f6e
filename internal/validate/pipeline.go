// Package validate implements the pre-dispatch validation pipeline: an
// ordered chain of validators that each see the current, possibly
// corrected, tool-call list. The first hard failure rejects the batch;
// corrections flow forward to later validators and to dispatch.
package validate

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/haasonsaas/conductor/internal/catalog"
	"github.com/haasonsaas/conductor/internal/errs"
	"github.com/haasonsaas/conductor/internal/history"
)

// Input is one validation request. SessionID scopes the history checks.
type Input struct {
	SessionID string
	Calls     []catalog.ToolCall
}

// Issue is a single finding attached to the call it concerns. Index is
// -1 for batch-level findings.
type Issue struct {
	Index      int       `json:"index"`
	Kind       errs.Kind `json:"kind,omitempty"`
	Message    string    `json:"message"`
	Suggestion string    `json:"suggestion,omitempty"`
}

// Result is one validator's verdict over the current call list.
type Result struct {
	Valid     bool
	Errors    []Issue
	Warnings  []Issue
	Corrected []catalog.ToolCall
}

// Validator is one stage of the pipeline.
type Validator interface {
	Name() string
	Validate(in Input) Result
}

// Report aggregates the pipeline outcome. When Valid is false, Stage
// names the rejecting validator and Errors carries its diagnostics;
// Calls always holds the most corrected form of the batch.
type Report struct {
	Valid    bool
	Stage    string
	Calls    []catalog.ToolCall
	Errors   []Issue
	Warnings []Issue
}

// Err converts a rejecting report into a VALIDATION_FAILED error with
// per-call diagnostics. A valid report yields nil.
func (r Report) Err() error {
	if r.Valid {
		return nil
	}
	parts := make([]string, 0, len(r.Errors))
	for _, issue := range r.Errors {
		msg := issue.Message
		if issue.Suggestion != "" {
			msg += fmt.Sprintf(" (suggestion: %s)", issue.Suggestion)
		}
		if issue.Index >= 0 {
			msg = fmt.Sprintf("call %d: %s", issue.Index, msg)
		}
		parts = append(parts, msg)
	}
	return errs.E(errs.KindValidationFailed, "%s validation failed: %s",
		r.Stage, strings.Join(parts, "; "))
}

// Options wires the pipeline to the catalog, provider states, and the
// call-history ring.
type Options struct {
	Snapshot        func() *catalog.Snapshot
	Ready           func(provider string) bool
	Ring            *history.Ring
	Autocorrect     bool
	RepeatThreshold int
	MaxToolFailures int
	HistoryWindow   int
	Logger          *slog.Logger
}

// Pipeline runs validators in a fixed order: format, history, schema,
// sync.
type Pipeline struct {
	validators []Validator
	logger     *slog.Logger
}

// NewPipeline assembles the standard validator chain.
func NewPipeline(opts Options) *Pipeline {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.RepeatThreshold <= 0 {
		opts.RepeatThreshold = 5
	}
	if opts.MaxToolFailures <= 0 {
		opts.MaxToolFailures = 3
	}
	if opts.HistoryWindow <= 0 {
		opts.HistoryWindow = 20
	}

	return &Pipeline{
		logger: opts.Logger.With("component", "validate"),
		validators: []Validator{
			&formatValidator{},
			&historyValidator{
				ring:            opts.Ring,
				snapshot:        opts.Snapshot,
				repeatThreshold: opts.RepeatThreshold,
				maxToolFailures: opts.MaxToolFailures,
				window:          opts.HistoryWindow,
			},
			&schemaValidator{
				snapshot:    opts.Snapshot,
				autocorrect: opts.Autocorrect,
				logger:      opts.Logger,
			},
			&syncValidator{
				snapshot:    opts.Snapshot,
				ready:       opts.Ready,
				autocorrect: opts.Autocorrect,
			},
		},
	}
}

// Run pushes the batch through every validator, rejecting on the first
// hard failure. The input slice is never mutated.
func (p *Pipeline) Run(in Input) Report {
	calls := make([]catalog.ToolCall, len(in.Calls))
	copy(calls, in.Calls)

	report := Report{Valid: true}
	for _, v := range p.validators {
		res := v.Validate(Input{SessionID: in.SessionID, Calls: calls})
		report.Warnings = append(report.Warnings, res.Warnings...)
		if !res.Valid {
			report.Valid = false
			report.Stage = v.Name()
			report.Errors = res.Errors
			report.Calls = calls
			p.logger.Debug("batch rejected",
				"stage", v.Name(), "errors", len(res.Errors), "calls", len(calls))
			return report
		}
		if res.Corrected != nil {
			calls = res.Corrected
		}
	}
	report.Calls = calls
	return report
}
