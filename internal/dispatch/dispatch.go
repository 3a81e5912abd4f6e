// Package dispatch executes validated, categorized tool-call batches
// against the provider pool. It is the single normalization boundary:
// calls may arrive raw, qualified, or legacy-prefixed, and leave here as
// wire calls (raw name to the owning provider) with results keyed by the
// qualified name. Denied calls never reach a provider; they produce
// synthetic failures so the batch shape is preserved.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/conductor/internal/catalog"
	"github.com/haasonsaas/conductor/internal/errs"
	"github.com/haasonsaas/conductor/internal/history"
	"github.com/haasonsaas/conductor/internal/inspect"
	"github.com/haasonsaas/conductor/internal/mcp"
	"github.com/haasonsaas/conductor/internal/observability"
	"github.com/haasonsaas/conductor/internal/validate"
)

// Caller executes one tool call against a ready provider. The MCP
// supervisor implements it; tests substitute fakes.
type Caller interface {
	Call(ctx context.Context, provider, rawName string, args map[string]any) (*mcp.CallResult, error)
}

// Options wires the dispatcher to its collaborators. Store and Metrics
// are optional; TmpRewrite carries the per-provider /tmp toggle resolved
// from configuration.
type Options struct {
	Caller     Caller
	Pipeline   *validate.Pipeline
	Chain      *inspect.Chain
	Snapshot   func() *catalog.Snapshot
	Ring       *history.Ring
	Store      *history.Store
	TmpRewrite map[string]bool
	Metrics    *observability.Metrics
	Logger     *slog.Logger
}

// Dispatcher runs the validate, inspect, execute sequence for one batch
// at a time. It holds no per-batch state and is safe for concurrent use.
type Dispatcher struct {
	caller   Caller
	pipeline *validate.Pipeline
	chain    *inspect.Chain
	snapshot func() *catalog.Snapshot
	ring     *history.Ring
	store    *history.Store
	rewrite  map[string]bool
	metrics  *observability.Metrics
	logger   *slog.Logger
}

// New builds a dispatcher over the given collaborators.
func New(opts Options) *Dispatcher {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Dispatcher{
		caller:   opts.Caller,
		pipeline: opts.Pipeline,
		chain:    opts.Chain,
		snapshot: opts.Snapshot,
		ring:     opts.Ring,
		store:    opts.Store,
		rewrite:  opts.TmpRewrite,
		metrics:  opts.Metrics,
		logger:   opts.Logger.With("component", "dispatch"),
	}
}

// Request is one batch to dispatch. AutoApprove lets REQUIRES_APPROVAL
// calls execute; without it they are withheld with their reason. Mode
// and ReadonlyMode flow to the inspectors unchanged.
type Request struct {
	SessionID    string
	Mode         string
	ReadonlyMode bool
	AutoApprove  bool
	Intent       string
	Calls        []catalog.ToolCall
}

// Result is the outcome of one call. Executed marks calls the dispatcher
// attempted; denied and withheld calls never set it. Success is only
// meaningful when Executed is true.
type Result struct {
	RequestID   string
	Provider    string
	Tool        string // qualified name
	Verdict     inspect.Verdict
	Executed    bool
	Success     bool
	Output      string
	Error       string
	ErrorKind   errs.Kind
	Suggestions []string
	Duration    time.Duration
}

// Counts aggregates one batch: the first three sum over inspection
// verdicts, the last two over execution outcomes. Denied calls count as
// failed; withheld calls count as neither.
type Counts struct {
	Approved      int `json:"approved"`
	NeedsApproval int `json:"needs_approval"`
	Denied        int `json:"denied"`
	Successful    int `json:"successful"`
	Failed        int `json:"failed"`
}

// Batch is the aggregate return for one dispatched call list. Results
// preserve input order regardless of completion order.
type Batch struct {
	Results  []Result
	Counts   Counts
	Warnings []validate.Issue
}

// LLMBlock is one tool_result content block in the model-facing
// projection of a batch.
type LLMBlock struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	Content   string `json:"content"`
}

// FormattedForLLM projects results into tool_result blocks, one per call
// in input order. Calls that produced no output carry their error or
// withholding reason so the model sees why nothing ran.
func (b *Batch) FormattedForLLM() []LLMBlock {
	blocks := make([]LLMBlock, len(b.Results))
	for i, r := range b.Results {
		content := r.Output
		if !r.Success {
			content = r.Error
		}
		blocks[i] = LLMBlock{Type: "tool_result", RequestID: r.RequestID, Content: content}
	}
	return blocks
}

// execution pairs a runnable call with its resolved descriptor. The
// pre-rewrite parameters are what history records.
type execution struct {
	index int
	call  catalog.ToolCall
	desc  *catalog.Descriptor
}

// Dispatch validates, inspects, and executes one batch. A validation
// rejection fails the whole batch with a VALIDATION_FAILED error; every
// later failure is per-call and lands in its Result. Approved calls run
// concurrently; the per-call deadline is the supervisor's.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*Batch, error) {
	report := d.pipeline.Run(validate.Input{SessionID: req.SessionID, Calls: req.Calls})
	if !report.Valid {
		d.metrics.RecordValidationRejection(report.Stage)
		return nil, report.Err()
	}
	calls := report.Calls

	decisions := d.chain.Inspect(ctx, inspect.Request{
		SessionID:    req.SessionID,
		Mode:         req.Mode,
		ReadonlyMode: req.ReadonlyMode,
		Intent:       req.Intent,
		Calls:        calls,
	})

	snap := d.snapshot()
	batch := &Batch{
		Results:  make([]Result, len(calls)),
		Warnings: report.Warnings,
	}

	var runnable []execution
	for i, call := range calls {
		dec := decisions[i]
		d.metrics.RecordVerdict(string(dec.Verdict))
		switch dec.Verdict {
		case inspect.VerdictDenied:
			batch.Counts.Denied++
		case inspect.VerdictRequiresApproval:
			batch.Counts.NeedsApproval++
		default:
			batch.Counts.Approved++
		}

		r := Result{
			RequestID: call.RequestID,
			Provider:  call.Provider,
			Tool:      call.Tool,
			Verdict:   dec.Verdict,
		}
		if r.RequestID == "" {
			r.RequestID = uuid.NewString()
		}

		desc, err := snap.Resolve(call.Provider, call.Tool)
		if err == nil {
			r.Provider, r.Tool = desc.Provider, desc.Qualified
		}

		switch {
		case dec.Verdict == inspect.VerdictDenied:
			r.Error = dec.Reason()
			r.ErrorKind = errs.KindInspectionDenied
		case dec.Verdict == inspect.VerdictRequiresApproval && !req.AutoApprove:
			r.Error = dec.Reason()
		case err != nil:
			// The tool resolved during validation but the snapshot moved
			// underneath us. Soft failure with suggestions.
			applyCallError(&r, err)
			r.Executed = true
		default:
			runnable = append(runnable, execution{index: i, call: call, desc: desc})
		}
		batch.Results[i] = r
	}

	var wg sync.WaitGroup
	for _, ex := range runnable {
		wg.Add(1)
		go func(ex execution) {
			defer wg.Done()
			d.execute(ctx, ex, &batch.Results[ex.index])
		}(ex)
	}
	wg.Wait()

	// History sees executed calls only, in input order, with the logical
	// pre-rewrite parameters so repetition matching stays canonical.
	for _, ex := range runnable {
		r := batch.Results[ex.index]
		entry := history.Entry{
			RequestID: r.RequestID,
			SessionID: req.SessionID,
			Provider:  ex.desc.Provider,
			RawName:   ex.desc.RawName,
			Qualified: ex.desc.Qualified,
			Params:    history.CanonicalParams(ex.call.Parameters),
			Success:   r.Success,
			ErrorKind: string(r.ErrorKind),
			Duration:  r.Duration,
		}
		if d.ring != nil {
			d.ring.Record(entry)
		}
		if d.store != nil {
			d.store.Append(entry)
		}
	}

	for _, r := range batch.Results {
		switch {
		case r.Executed && r.Success:
			batch.Counts.Successful++
		case r.Executed, r.Verdict == inspect.VerdictDenied:
			batch.Counts.Failed++
		}
	}

	d.logger.Debug("batch dispatched",
		"session", req.SessionID,
		"calls", len(calls),
		"approved", batch.Counts.Approved,
		"needs_approval", batch.Counts.NeedsApproval,
		"denied", batch.Counts.Denied,
		"failed", batch.Counts.Failed)
	return batch, nil
}

// execute sends one wire call and fills the result in place. The /tmp
// rewrite applies only on the wire; the logical call stays untouched.
func (d *Dispatcher) execute(ctx context.Context, ex execution, r *Result) {
	args := ex.call.Parameters
	if d.rewrite[ex.desc.Provider] {
		args = catalog.RewriteTmpPaths(args)
	}

	start := time.Now()
	reply, err := d.caller.Call(ctx, ex.desc.Provider, ex.desc.RawName, args)
	r.Duration = time.Since(start)
	r.Executed = true

	switch {
	case err != nil:
		applyCallError(r, err)
	case reply.IsError:
		r.Error = reply.TextContent()
		r.ErrorKind = errs.KindToolError
	default:
		r.Success = true
		r.Output = reply.TextContent()
	}

	status := "success"
	if !r.Success {
		status = "error"
	}
	d.metrics.RecordToolCall(ex.desc.Provider, ex.desc.RawName, status, r.Duration.Seconds())
	d.logger.Debug("tool call executed",
		"provider", ex.desc.Provider,
		"tool", ex.desc.RawName,
		"success", r.Success,
		"duration_ms", r.Duration.Milliseconds())
}

// applyCallError maps an error from the call path onto the result,
// keeping only what may cross the session boundary.
func applyCallError(r *Result, err error) {
	r.Error = errs.Redact(err)
	r.ErrorKind = errs.KindToolError
	if kind, ok := errs.KindOf(err); ok {
		r.ErrorKind = kind
	}
	var e *errs.Error
	if errors.As(err, &e) {
		r.Suggestions = e.Suggestions
	}
}
