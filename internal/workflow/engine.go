package workflow

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/conductor/internal/catalog"
	"github.com/haasonsaas/conductor/internal/config"
	"github.com/haasonsaas/conductor/internal/dispatch"
	"github.com/haasonsaas/conductor/internal/errs"
	"github.com/haasonsaas/conductor/internal/llm"
	"github.com/haasonsaas/conductor/internal/observability"
)

// LLM is the slice of the optimizer the engine drives. Tests substitute
// scripted fakes.
type LLM interface {
	Do(ctx context.Context, req llm.Request) (llm.Result, error)
	BatchSystemSelection(ctx context.Context, userMessage string, sctx llm.SystemContext) (llm.SystemSelection, error)
}

// Dispatcher executes one validated tool-call batch. The dispatch
// package implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) (*dispatch.Batch, error)
}

// Options wires the engine to its collaborators. Events, Metrics, and
// Now are optional.
type Options struct {
	Config     config.WorkflowConfig
	LLM        LLM
	Dispatcher Dispatcher
	Snapshot   func() *catalog.Snapshot
	Events     Sink
	Metrics    *observability.Metrics
	Logger     *slog.Logger
	Now        func() time.Time
}

// Engine runs sessions: mode selection, TODO construction, the per-item
// plan, execute, verify, replan loop, and the closing summary. One
// engine serves many sessions concurrently; per-session state lives in
// the Run call.
type Engine struct {
	cfg        config.WorkflowConfig
	llm        LLM
	dispatcher Dispatcher
	snapshot   func() *catalog.Snapshot
	events     Sink
	metrics    *observability.Metrics
	logger     *slog.Logger
	gate       *analysisGate
	now        func() time.Time
}

// NewEngine builds an engine over the given collaborators.
func NewEngine(opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		cfg:        opts.Config,
		llm:        opts.LLM,
		dispatcher: opts.Dispatcher,
		snapshot:   opts.Snapshot,
		events:     opts.Events,
		metrics:    opts.Metrics,
		logger:     opts.Logger.With("component", "workflow"),
		gate:       newAnalysisGate(opts.Config.SelfAnalysisCooldown(), opts.Now),
		now:        opts.Now,
	}
}

// Request is one inbound session turn. Mode forces a branch when set to
// a known mode; otherwise the engine selects one. History carries prior
// conversation turns for the selection and chat prompts.
type Request struct {
	SessionID   string
	UserMessage string
	Mode        string
	AutoApprove bool
	History     []llm.Message
}

// Outcome is the terminal result of one session turn.
type Outcome struct {
	SessionID string               `json:"session_id"`
	Mode      string               `json:"mode"`
	Summary   string               `json:"summary"`
	Items     []Item               `json:"items,omitempty"`
	Throttled bool                 `json:"throttled,omitempty"`
	RetryIn   time.Duration        `json:"retry_in,omitempty"`
	Meta      llm.OptimizationMeta `json:"optimization_meta"`
}

// session is the per-run state. The mutex guards item Status fields,
// which the scheduler loop and item goroutines both touch; every other
// item field is owned by exactly one goroutine at a time.
type session struct {
	id          string
	userMessage string
	mode        string
	autoApprove bool
	history     []llm.Message
	em          *emitter

	mu sync.Mutex
}

func (s *session) setStatus(it *Item, status Status) {
	s.mu.Lock()
	it.Status = status
	s.mu.Unlock()
}

// Run executes one session turn to completion and returns its outcome.
func (e *Engine) Run(ctx context.Context, req Request) (*Outcome, error) {
	if strings.TrimSpace(req.UserMessage) == "" {
		return nil, errs.E(errs.KindValidationFailed, "user_message is required")
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}

	ses := &session{
		id:          req.SessionID,
		userMessage: req.UserMessage,
		autoApprove: req.AutoApprove,
		history:     req.History,
		em:          newEmitter(req.SessionID, e.events, e.logger, e.now),
	}

	snap := e.snapshot()
	var sel llm.SystemSelection
	if knownMode(req.Mode) {
		sel = llm.SystemSelection{Mode: req.Mode, Meta: llm.OptimizationMeta{Strategy: "explicit"}}
	} else {
		var err error
		sel, err = e.llm.BatchSystemSelection(ctx, req.UserMessage, llm.SystemContext{
			SessionID: ses.id,
			Providers: snap.Providers(),
			Tools:     snap.QualifiedNames(),
			History:   req.History,
		})
		if err != nil {
			return nil, err
		}
	}
	ses.mode = sel.Mode
	ses.em.emit(EventModeSelected, "", map[string]any{"mode": sel.Mode, "strategy": sel.Meta.Strategy})

	switch sel.Mode {
	case "chat":
		return e.runChat(ctx, ses, sel.Meta)
	case "dev":
		return e.runDev(ctx, ses, sel.Meta)
	default:
		return e.runTask(ctx, ses, snap, sel)
	}
}

func knownMode(mode string) bool {
	switch mode {
	case "chat", "task", "dev":
		return true
	}
	return false
}

// runChat answers in a single completion; no tools, no TODO.
func (e *Engine) runChat(ctx context.Context, ses *session, meta llm.OptimizationMeta) (*Outcome, error) {
	messages := make([]llm.Message, 0, len(ses.history)+1)
	messages = append(messages, ses.history...)
	messages = append(messages, llm.Message{Role: "user", Content: ses.userMessage})

	res, err := e.llm.Do(ctx, llm.Request{Kind: llm.KindChat, Messages: messages})
	if err != nil {
		return nil, err
	}
	ses.em.emit(EventSessionSummary, "", map[string]any{"summary": res.Content})
	return &Outcome{SessionID: ses.id, Mode: "chat", Summary: res.Content, Meta: meta}, nil
}

// runTask builds the TODO DAG and drives it to a fully terminal state.
func (e *Engine) runTask(ctx context.Context, ses *session, snap *catalog.Snapshot, sel llm.SystemSelection) (*Outcome, error) {
	providers := filterProviders(sel.SelectedProviders, snap)
	todo := e.buildTodo(ctx, ses)

	// The combined selection may have planned calls already; seed them
	// onto the first unplanned item instead of asking again.
	if len(sel.PlannedToolCalls) > 0 {
		for _, it := range todo.Items() {
			if len(it.PlannedCalls) == 0 {
				it.PlannedCalls = sel.PlannedToolCalls
				break
			}
		}
	}

	outline := make([]map[string]any, len(todo.Items()))
	for i, it := range todo.Items() {
		outline[i] = map[string]any{"id": it.ID, "action": it.Action, "dependencies": it.Dependencies}
	}
	ses.em.emit(EventTodoBuilt, "", map[string]any{"items": outline, "count": len(outline)})

	e.executeTodo(ctx, ses, todo, providers)

	summary := e.summarize(ctx, ses, todo)
	counts := todo.StatusCounts()
	ses.em.emit(EventSessionSummary, "", map[string]any{
		"summary": summary,
		"done":    counts[StatusDone],
		"failed":  counts[StatusFailed],
		"skipped": counts[StatusSkipped],
		"blocked": counts[StatusBlocked],
	})

	items := make([]Item, len(todo.Items()))
	for i, it := range todo.Items() {
		items[i] = *it
	}
	return &Outcome{SessionID: ses.id, Mode: "task", Summary: summary, Items: items, Meta: sel.Meta}, nil
}

// filterProviders keeps selected providers the snapshot actually has;
// an empty or useless selection falls back to every provider.
func filterProviders(selected []string, snap *catalog.Snapshot) []string {
	var kept []string
	for _, name := range selected {
		if snap.HasProvider(name) {
			kept = append(kept, name)
		}
	}
	if len(kept) == 0 {
		return snap.Providers()
	}
	return kept
}

// executeTodo drives every item to a terminal state. A single scheduler
// loop owns launches and terminal transitions; item goroutines report
// through the completions channel. Items whose dependencies can no
// longer be satisfied are blocked without starting.
func (e *Engine) executeTodo(ctx context.Context, ses *session, todo *Todo, providers []string) {
	pool := e.cfg.ParallelItems
	if pool < 1 {
		pool = 1
	}
	skippedDone := e.cfg.TreatSkippedAsDone

	type completion struct {
		item   *Item
		status Status
	}
	completions := make(chan completion)
	active := 0

	for {
		var blocked, launched []*Item
		ses.mu.Lock()
		for changed := true; changed; {
			changed = false
			for _, it := range todo.Items() {
				if it.Status != StatusPending {
					continue
				}
				if dep := todo.deadDep(it, skippedDone); dep != "" {
					it.Status = StatusBlocked
					it.FailureKind = "blocked_by:" + dep
					it.FinishedAt = e.now()
					blocked = append(blocked, it)
					changed = true
				}
			}
		}
		for _, it := range todo.Items() {
			if active >= pool {
				break
			}
			if it.Status != StatusPending || !todo.eligible(it, skippedDone) {
				continue
			}
			it.Status = StatusInProgress
			it.StartedAt = e.now()
			launched = append(launched, it)
			active++
		}
		ses.mu.Unlock()

		for _, it := range blocked {
			e.metrics.RecordWorkflowItem(string(StatusBlocked))
			ses.em.emit(EventItemBlocked, it.ID, map[string]any{"blocked_by": strings.TrimPrefix(it.FailureKind, "blocked_by:")})
		}
		for _, it := range launched {
			go func(it *Item) {
				completions <- completion{item: it, status: e.runItem(ctx, ses, it, providers)}
			}(it)
		}

		if active == 0 {
			return
		}

		c := <-completions
		active--
		ses.setStatus(c.item, c.status)
		c.item.FinishedAt = e.now()
		e.metrics.RecordWorkflowItem(string(c.status))
		switch c.status {
		case StatusDone:
			ses.em.emit(EventItemDone, c.item.ID, map[string]any{"attempts": c.item.Attempts})
		case StatusFailed:
			ses.em.emit(EventItemFailed, c.item.ID, map[string]any{
				"attempts": c.item.Attempts,
				"kind":     c.item.FailureKind,
				"reason":   verificationReason(c.item),
			})
		case StatusSkipped:
			ses.em.emit(EventItemSkipped, c.item.ID, map[string]any{"reason": verificationReason(c.item)})
		case StatusBlocked:
			ses.em.emit(EventItemBlocked, c.item.ID, map[string]any{"reason": verificationReason(c.item)})
		}
	}
}

func verificationReason(it *Item) string {
	if it.Verification == nil {
		return ""
	}
	return it.Verification.Reason
}

// runItem loops one item through plan, execute, verify, and replan
// until it passes, is redirected, or exhausts its attempts. It returns
// the terminal status; the scheduler applies it.
func (e *Engine) runItem(ctx context.Context, ses *session, it *Item, providers []string) Status {
	ses.em.emit(EventItemStarted, it.ID, map[string]any{"action": it.Action})

	maxAttempts := e.cfg.MaxAttemptsPerItem
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	for {
		it.Attempts++
		verification := e.attemptItem(ctx, ses, it, providers)
		it.Verification = &verification
		ses.em.emit(EventItemVerified, it.ID, map[string]any{
			"passed":  verification.Passed,
			"reason":  verification.Reason,
			"attempt": it.Attempts,
		})
		if verification.Passed {
			return StatusDone
		}
		if ctx.Err() != nil {
			it.FailureKind = "cancelled"
			return StatusFailed
		}
		if it.Attempts >= maxAttempts {
			it.FailureKind = string(errs.KindWorkflowGiveup)
			return StatusFailed
		}

		ses.setStatus(it, StatusReplanning)
		directive := e.replanItem(ctx, ses, it)
		switch directive.Action {
		case replanSkip:
			it.Verification = &Verification{Passed: false, Reason: directive.Reason}
			return StatusSkipped
		case replanBlock:
			it.Verification = &Verification{Passed: false, Reason: directive.Reason}
			return StatusBlocked
		default:
			if len(directive.Calls) > 0 {
				it.PlannedCalls = directive.Calls
			}
			ses.setStatus(it, StatusInProgress)
		}
	}
}

// attemptItem runs one plan-execute-verify pass. A plan that needs no
// tools passes immediately; a planning failure reads as a failed
// verification so the replanner sees why.
func (e *Engine) attemptItem(ctx context.Context, ses *session, it *Item, providers []string) Verification {
	if len(it.PlannedCalls) == 0 {
		calls, err := e.planTools(ctx, it, providers)
		if err != nil {
			return Verification{Passed: false, Reason: "tool planning failed: " + errs.Redact(err)}
		}
		if len(calls) == 0 {
			return Verification{Passed: true, Reason: "no tool calls required"}
		}
		it.PlannedCalls = calls
	}

	results, execErr := e.executeCalls(ctx, ses, it)
	it.Results = append(it.Results, results...)
	return e.verifyItem(ctx, it, results, execErr)
}

// executeCalls dispatches the item's planned calls: one batch when the
// item declares an independent sub-plan, otherwise one call at a time
// in declared order, stopping at the first call that does not succeed.
func (e *Engine) executeCalls(ctx context.Context, ses *session, it *Item) ([]dispatch.Result, error) {
	if it.Parallel {
		return e.dispatchCalls(ctx, ses, it, it.PlannedCalls)
	}
	var all []dispatch.Result
	for i := range it.PlannedCalls {
		results, err := e.dispatchCalls(ctx, ses, it, it.PlannedCalls[i:i+1])
		all = append(all, results...)
		if err != nil {
			return all, err
		}
		if len(results) > 0 && !results[len(results)-1].Success {
			break
		}
	}
	return all, nil
}

func (e *Engine) dispatchCalls(ctx context.Context, ses *session, it *Item, calls []catalog.ToolCall) ([]dispatch.Result, error) {
	for _, c := range calls {
		ses.em.emit(EventToolDispatched, it.ID, map[string]any{"provider": c.Provider, "tool": c.Tool})
	}
	batch, err := e.dispatcher.Dispatch(ctx, dispatch.Request{
		SessionID:   ses.id,
		Mode:        ses.mode,
		AutoApprove: ses.autoApprove,
		Intent:      it.Action,
		Calls:       calls,
	})
	if err != nil {
		ses.em.emit(EventToolResult, it.ID, map[string]any{"error": errs.Redact(err)})
		return nil, err
	}
	for _, r := range batch.Results {
		ses.em.emit(EventToolResult, it.ID, map[string]any{
			"request_id": r.RequestID,
			"tool":       r.Tool,
			"success":    r.Success,
			"error":      r.Error,
		})
	}
	return batch.Results, nil
}
