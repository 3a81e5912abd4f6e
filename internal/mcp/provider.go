package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/conductor/internal/errs"
	"github.com/haasonsaas/conductor/internal/infra"
)

// Provider owns one tool-provider subprocess: its lifecycle state, its
// advertised tools, and the pending awaiters correlating its replies.
type Provider struct {
	name      string
	spec      LaunchSpec
	opts      Options
	logger    *slog.Logger
	transport Transport

	nextID  atomic.Int64
	pending *infra.Awaiters[int64, *Envelope]

	mu        sync.RWMutex
	state     State
	tools     []ToolSpec
	info      serverInfo
	readyOnce sync.Once
	readyCh   chan struct{}

	// onToolsChanged fires after every successful tools/list refresh.
	onToolsChanged func(provider string)
}

// NewProvider creates a provider that will launch spec over stdio.
func NewProvider(name string, spec LaunchSpec, opts Options, logger *slog.Logger) *Provider {
	return NewProviderWithTransport(name, spec, opts, logger,
		NewStdioTransport(name, spec, logger))
}

// NewProviderWithTransport creates a provider on an explicit transport.
// Tests inject in-process transports here.
func NewProviderWithTransport(name string, spec LaunchSpec, opts Options, logger *slog.Logger, transport Transport) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		name:      name,
		spec:      spec,
		opts:      opts.withDefaults(),
		logger:    logger.With("provider", name),
		transport: transport,
		pending:   infra.NewAwaiters[int64, *Envelope](),
		state:     StateSpawning,
		readyCh:   make(chan struct{}),
	}
}

// Name returns the configured provider name.
func (p *Provider) Name() string { return p.name }

// State returns the current lifecycle state.
func (p *Provider) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// Ready reports whether the provider accepts tool calls.
func (p *Provider) Ready() bool { return p.State() == StateReady }

// Tools returns the latest tools/list snapshot.
func (p *Provider) Tools() []ToolSpec {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]ToolSpec, len(p.tools))
	copy(out, p.tools)
	return out
}

// PendingCalls returns the number of unanswered requests.
func (p *Provider) PendingCalls() int { return p.pending.Pending() }

// SetToolsChangedHook installs the catalog refresh callback. Must be called
// before Start.
func (p *Provider) SetToolsChangedHook(fn func(provider string)) {
	p.onToolsChanged = fn
}

// Start spawns the subprocess, performs the initialize handshake, and
// fetches the initial tool list. A handshake timeout forces the provider
// ready with a warning unless strict handshake is configured.
func (p *Provider) Start(ctx context.Context) error {
	if err := p.transport.Start(ctx, p.handleMessage, p.handleExit); err != nil {
		p.setState(StateExited)
		return errs.Wrap(errs.KindProviderUnreachable, err, "spawn failed").WithProvider(p.name)
	}
	p.setState(StateHandshaking)

	initParams := map[string]any{
		"protocolVersion": ProtocolVersion,
		"capabilities": map[string]any{
			"tools": map[string]any{"listChanged": true},
		},
		"clientInfo": map[string]any{
			"name":    clientName,
			"version": clientVersion,
		},
	}

	reply, err := p.call(ctx, "initialize", initParams, p.opts.InitializeTimeout)
	switch {
	case err == nil:
		var init initializeResult
		if jsonErr := json.Unmarshal(reply.Result, &init); jsonErr == nil {
			p.mu.Lock()
			p.info = init.ServerInfo
			p.mu.Unlock()
			p.logger.Info("provider handshake complete",
				"server", init.ServerInfo.Name,
				"version", init.ServerInfo.Version,
				"protocol", init.ProtocolVersion)
		}
		p.markReady()
	case errors.Is(err, infra.ErrAwaiterTimeout):
		if p.opts.StrictHandshake {
			p.Stop()
			return errs.Wrap(errs.KindProviderUnreachable, err, "handshake timed out").WithProvider(p.name)
		}
		p.logger.Warn("handshake timed out, forcing provider ready",
			"timeout", p.opts.InitializeTimeout)
		p.markReady()
	default:
		p.Stop()
		return errs.Wrap(errs.KindProviderUnreachable, err, "handshake failed").WithProvider(p.name)
	}

	// Acknowledge the handshake before using the session.
	_ = p.notify("notifications/initialized", nil)

	if err := p.refreshTools(ctx); err != nil {
		p.logger.Warn("initial tools/list failed", "error", err)
	}
	return nil
}

// markReady publishes the ready state exactly once.
func (p *Provider) markReady() {
	p.setState(StateReady)
	p.readyOnce.Do(func() { close(p.readyCh) })
}

// WaitReady blocks until the provider is ready or ctx is done.
func (p *Provider) WaitReady(ctx context.Context) error {
	select {
	case <-p.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CallTool invokes one tool by its raw (provider-local) name. The reply is
// awaited with the configured tool-call deadline.
func (p *Provider) CallTool(ctx context.Context, rawName string, args map[string]any) (*CallResult, error) {
	if state := p.State(); state != StateReady {
		return nil, errs.E(errs.KindProviderNotReady, "provider is %s", state).
			WithProvider(p.name).WithTool(rawName)
	}

	reply, err := p.call(ctx, "tools/call", callToolParams{Name: rawName, Arguments: args}, p.opts.ToolCallTimeout)
	if err != nil {
		var terr *errs.Error
		if errors.As(err, &terr) {
			return nil, terr
		}
		if errors.Is(err, infra.ErrAwaiterTimeout) {
			return nil, errs.Wrap(errs.KindToolTimeout, err, "no reply within %s", p.opts.ToolCallTimeout).
				WithProvider(p.name).WithTool(rawName)
		}
		return nil, errs.Wrap(errs.KindProviderUnreachable, err, "call failed").
			WithProvider(p.name).WithTool(rawName)
	}

	var result CallResult
	if err := json.Unmarshal(reply.Result, &result); err != nil {
		return nil, errs.Wrap(errs.KindToolError, err, "malformed tools/call result").
			WithProvider(p.name).WithTool(rawName)
	}
	return &result, nil
}

// call issues one request and awaits its reply. Ids are allocated from the
// per-provider monotonic counter; the awaiter enforces the deadline even if
// the caller abandons the context.
func (p *Provider) call(ctx context.Context, method string, params any, deadline time.Duration) (*Envelope, error) {
	id := p.nextID.Add(1)

	awaiter, err := p.pending.Register(id, deadline)
	if err != nil {
		return nil, err
	}

	env := &Envelope{JSONRPC: "2.0", ID: id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			p.pending.Cancel(id, err)
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		env.Params = raw
	}

	if err := p.transport.Send(env); err != nil {
		p.pending.Cancel(id, err)
		return nil, err
	}

	return awaiter.Wait(ctx)
}

// notify sends a request with no id; no reply is expected.
func (p *Provider) notify(method string, params any) error {
	env := &Envelope{JSONRPC: "2.0", Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return err
		}
		env.Params = raw
	}
	return p.transport.Send(env)
}

// refreshTools re-issues tools/list and publishes the new snapshot.
func (p *Provider) refreshTools(ctx context.Context) error {
	reply, err := p.call(ctx, "tools/list", nil, p.opts.ToolCallTimeout)
	if err != nil {
		return err
	}

	var listed listToolsResult
	if err := json.Unmarshal(reply.Result, &listed); err != nil {
		return fmt.Errorf("malformed tools/list result: %w", err)
	}

	p.mu.Lock()
	p.tools = listed.Tools
	p.mu.Unlock()

	p.logger.Info("tool list refreshed", "count", len(listed.Tools))
	if p.onToolsChanged != nil {
		p.onToolsChanged(p.name)
	}
	return nil
}

// handleMessage classifies one inbound envelope: replies settle their
// awaiter, known notifications drive the lifecycle, anything else is warned
// about and dropped.
func (p *Provider) handleMessage(env *Envelope) {
	if env.ID != nil && env.Method == "" {
		id, ok := numericID(env.ID)
		if !ok {
			p.logger.Warn("reply with unusable id dropped", "id", env.ID)
			return
		}
		if env.Error != nil {
			kind := errs.ClassifyRPCCode(env.Error.Code)
			settled := p.pending.Reject(id, errs.Wrap(kind, env.Error, "%s", env.Error.Message).WithProvider(p.name))
			if !settled {
				p.logger.Warn("error reply for unknown request id", "id", id, "code", env.Error.Code)
			}
			return
		}
		if !p.pending.Resolve(id, env) {
			p.logger.Warn("reply for unknown request id", "id", id)
		}
		return
	}

	switch trimNotificationPrefix(env.Method) {
	case "initialized":
		p.markReady()
	case "tools/listChanged", "tools/list_changed":
		p.logger.Debug("tools/listChanged received, refreshing")
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), p.opts.ToolCallTimeout)
			defer cancel()
			if err := p.refreshTools(ctx); err != nil {
				p.logger.Warn("tools refresh after listChanged failed", "error", err)
			}
		}()
	case "":
		p.logger.Warn("unclassifiable message dropped")
	default:
		p.logger.Warn("unhandled notification dropped", "method", env.Method)
	}
}

// handleExit tears the provider down after the process dies: every pending
// awaiter is rejected so no caller is left waiting on a dead process.
func (p *Provider) handleExit(exitErr error) {
	p.setState(StateExited)

	reason := "provider terminated"
	if exitErr != nil {
		reason = exitErr.Error()
	}
	rejected := p.pending.RejectAll(
		errs.E(errs.KindProviderUnreachable, "%s", reason).WithProvider(p.name))
	if rejected > 0 {
		p.logger.Warn("rejected pending calls on provider exit", "count", rejected, "reason", reason)
	}
	if exitErr != nil {
		p.logger.Error("provider exited", "error", exitErr)
	} else {
		p.logger.Info("provider exited cleanly")
	}
}

// Stop drains the provider: state moves to draining, the transport gets the
// grace period, and whatever is still pending is rejected by handleExit.
func (p *Provider) Stop() {
	p.mu.Lock()
	if p.state == StateExited || p.state == StateDraining {
		p.mu.Unlock()
		return
	}
	p.state = StateDraining
	p.mu.Unlock()

	p.transport.Stop(p.opts.ShutdownGrace)

	// The transport's exit path normally rejects pending awaiters; cover the
	// case where the process never produced an exit event.
	p.pending.RejectAll(errs.E(errs.KindProviderUnreachable, "terminated").WithProvider(p.name))
	p.setState(StateExited)
}

func (p *Provider) setState(s State) {
	p.mu.Lock()
	prev := p.state
	p.state = s
	p.mu.Unlock()
	if prev != s {
		p.logger.Debug("provider state change", "from", string(prev), "to", string(s))
	}
}

// trimNotificationPrefix accepts both the bare method names from the wire
// contract and the notifications/-prefixed forms some servers emit.
func trimNotificationPrefix(method string) string {
	return strings.TrimPrefix(method, "notifications/")
}
