package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/haasonsaas/conductor/internal/errs"
)

// Supervisor owns the full provider pool. It spawns every configured
// provider, isolates individual failures, routes tool calls to the owning
// provider, and tears everything down on shutdown.
type Supervisor struct {
	opts   Options
	logger *slog.Logger

	mu        sync.RWMutex
	providers map[string]*Provider
	specs     map[string]LaunchSpec
	started   bool

	// onToolsChanged propagates per-provider tool list refreshes upward,
	// typically into the catalog's snapshot rebuild.
	onToolsChanged func(provider string)
}

// NewSupervisor creates a supervisor for the given launch specs.
func NewSupervisor(specs map[string]LaunchSpec, opts Options, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		opts:      opts.withDefaults(),
		logger:    logger.With("component", "mcp"),
		providers: make(map[string]*Provider),
		specs:     specs,
	}
}

// SetToolsChangedHook installs the callback invoked after any provider
// refreshes its tool list. Must be called before StartAll.
func (s *Supervisor) SetToolsChangedHook(fn func(provider string)) {
	s.onToolsChanged = fn
}

// StartAll spawns every configured provider concurrently. Individual
// failures are logged and isolated; the call succeeds when at least one
// provider becomes ready and fails only when all of them fail.
func (s *Supervisor) StartAll(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	names := make([]string, 0, len(s.specs))
	for name := range s.specs {
		names = append(names, name)
	}
	s.mu.Unlock()

	if len(names) == 0 {
		s.logger.Warn("no providers configured")
		return nil
	}

	var wg sync.WaitGroup
	results := make(chan error, len(names))

	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			if err := s.startProvider(ctx, name); err != nil {
				s.logger.Error("provider failed to start", "provider", name, "error", err)
				results <- err
				return
			}
			results <- nil
		}(name)
	}
	wg.Wait()
	close(results)

	ready := 0
	var firstErr error
	for err := range results {
		if err == nil {
			ready++
		} else if firstErr == nil {
			firstErr = err
		}
	}

	if ready == 0 {
		return errs.Wrap(errs.KindProviderUnreachable, firstErr,
			"all %d providers failed to start", len(names))
	}
	s.logger.Info("provider pool started", "ready", ready, "configured", len(names))
	return nil
}

func (s *Supervisor) startProvider(ctx context.Context, name string) error {
	s.mu.RLock()
	spec, ok := s.specs[name]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("provider %q not configured", name)
	}

	p := NewProvider(name, spec, s.opts, s.logger)
	if s.onToolsChanged != nil {
		p.SetToolsChangedHook(s.onToolsChanged)
	}
	if err := p.Start(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	s.providers[name] = p
	s.mu.Unlock()
	return nil
}

// register adds an externally constructed provider. Tests use this to wire
// in-process transports.
func (s *Supervisor) register(p *Provider) {
	s.mu.Lock()
	s.providers[p.Name()] = p
	s.mu.Unlock()
}

// Provider returns the named provider.
func (s *Supervisor) Provider(name string) (*Provider, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.providers[name]
	return p, ok
}

// Names returns all running provider names, sorted.
func (s *Supervisor) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.providers))
	for name := range s.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Ready reports whether the named provider is ready for calls.
func (s *Supervisor) Ready(name string) bool {
	p, ok := s.Provider(name)
	return ok && p.Ready()
}

// Tools returns the latest tool snapshot per ready provider.
func (s *Supervisor) Tools() map[string][]ToolSpec {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]ToolSpec, len(s.providers))
	for name, p := range s.providers {
		if p.Ready() {
			out[name] = p.Tools()
		}
	}
	return out
}

// Call routes one tool call to its provider by raw tool name.
func (s *Supervisor) Call(ctx context.Context, provider, rawName string, args map[string]any) (*CallResult, error) {
	p, ok := s.Provider(provider)
	if !ok {
		return nil, errs.E(errs.KindProviderUnreachable, "provider %q is not running", provider).
			WithProvider(provider).WithTool(rawName)
	}
	return p.CallTool(ctx, rawName, args)
}

// Status describes one provider for operator surfaces.
type Status struct {
	Name    string `json:"name"`
	State   State  `json:"state"`
	Tools   int    `json:"tools"`
	Pending int    `json:"pending"`
}

// Statuses returns the status of every provider, sorted by name.
func (s *Supervisor) Statuses() []Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Status, 0, len(s.providers))
	for name, p := range s.providers {
		out = append(out, Status{
			Name:    name,
			State:   p.State(),
			Tools:   len(p.Tools()),
			Pending: p.PendingCalls(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Shutdown drains every provider concurrently. Each subprocess gets the
// grace period before a force kill; all pending awaiters are rejected.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	providers := make([]*Provider, 0, len(s.providers))
	for _, p := range s.providers {
		providers = append(providers, p)
	}
	s.providers = make(map[string]*Provider)
	s.started = false
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, p := range providers {
		wg.Add(1)
		go func(p *Provider) {
			defer wg.Done()
			p.Stop()
		}(p)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("all providers stopped", "count", len(providers))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
