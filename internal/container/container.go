// Package container wires named services together with explicit dependency
// edges and runs them through a two-phase lifecycle: Initialize resolves every
// singleton and fires init hooks, Start fires start hooks in registration
// order, Stop fires stop hooks in reverse. Factories may block (dial, spawn,
// handshake); resolution waits for them and honors the caller's context.
package container

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// Factory builds one service instance. Declared dependencies are resolved
// before the factory runs and are available through deps.
type Factory func(ctx context.Context, deps Deps) (any, error)

// Hook runs at a lifecycle phase with the resolved instance.
type Hook func(ctx context.Context, instance any) error

// Deps exposes the dependencies a service declared at registration.
// Undeclared names are not reachable, which keeps every edge explicit.
type Deps struct {
	values map[string]any
}

// Get returns a declared dependency by name.
func (d Deps) Get(name string) (any, error) {
	v, ok := d.values[name]
	if !ok {
		return nil, fmt.Errorf("undeclared dependency %q", name)
	}
	return v, nil
}

// Dep returns a declared dependency asserted to its concrete type.
func Dep[T any](d Deps, name string) (T, error) {
	var zero T
	v, err := d.Get(name)
	if err != nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("dependency %q is %T, not %T", name, v, zero)
	}
	return t, nil
}

// As resolves a service and asserts it to its concrete type.
func As[T any](ctx context.Context, c *Container, name string) (T, error) {
	var zero T
	v, err := c.Resolve(ctx, name)
	if err != nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("service %q is %T, not %T", name, v, zero)
	}
	return t, nil
}

type registration struct {
	name      string
	factory   Factory
	singleton bool
	deps      []string
	onInit    Hook
	onStart   Hook
	onStop    Hook
	override  bool

	instance any
	resolved bool
}

// Option configures a registration.
type Option func(*registration)

// Singleton caches the first resolved instance and returns it for every
// subsequent resolve. Lifecycle hooks require it.
func Singleton() Option {
	return func(r *registration) { r.singleton = true }
}

// DependsOn declares the services this registration needs. They are resolved
// first and handed to the factory.
func DependsOn(names ...string) Option {
	return func(r *registration) { r.deps = append(r.deps, names...) }
}

// OnInit runs after all singletons are resolved, in registration order.
func OnInit(h Hook) Option {
	return func(r *registration) { r.onInit = h }
}

// OnStart runs during Start, in registration order.
func OnStart(h Hook) Option {
	return func(r *registration) { r.onStart = h }
}

// OnStop runs during Stop, in reverse registration order.
func OnStop(h Hook) Option {
	return func(r *registration) { r.onStop = h }
}

// Override replaces an existing registration instead of rejecting the
// duplicate. Any cached instance of the old registration is dropped.
func Override() Option {
	return func(r *registration) { r.override = true }
}

// Container holds service registrations and drives their lifecycle.
type Container struct {
	logger *slog.Logger

	mu          sync.Mutex
	order       []string
	regs        map[string]*registration
	initialized bool
}

// New creates an empty container.
func New(logger *slog.Logger) *Container {
	if logger == nil {
		logger = slog.Default()
	}
	return &Container{
		logger: logger.With("component", "container"),
		regs:   make(map[string]*registration),
	}
}

// Register adds a named service. Re-registering an existing name fails unless
// the existing entry is a resolved singleton (the call is an idempotent no-op)
// or Override is requested.
func (c *Container) Register(name string, factory Factory, opts ...Option) error {
	if name == "" {
		return errors.New("service name is required")
	}
	if factory == nil {
		return fmt.Errorf("service %q: factory is required", name)
	}

	reg := &registration{name: name, factory: factory}
	for _, opt := range opts {
		opt(reg)
	}
	if !reg.singleton && (reg.onInit != nil || reg.onStart != nil || reg.onStop != nil) {
		return fmt.Errorf("service %q: lifecycle hooks require a singleton", name)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.regs[name]; ok {
		if reg.override {
			c.regs[name] = reg
			c.logger.Debug("service overridden", "service", name)
			return nil
		}
		if existing.singleton && existing.resolved {
			c.logger.Debug("re-registration ignored for resolved singleton", "service", name)
			return nil
		}
		return fmt.Errorf("service %q already registered", name)
	}

	c.regs[name] = reg
	c.order = append(c.order, name)
	c.logger.Debug("service registered",
		"service", name,
		"singleton", reg.singleton,
		"dependencies", len(reg.deps))
	return nil
}

// Resolve builds the named service, resolving its declared dependencies
// first. Singletons are built once and cached. A dependency cycle is reported
// with the full offending chain.
func (c *Container) Resolve(ctx context.Context, name string) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resolve(ctx, name, nil)
}

func (c *Container) resolve(ctx context.Context, name string, path []string) (any, error) {
	reg, ok := c.regs[name]
	if !ok {
		if len(path) > 0 {
			return nil, fmt.Errorf("unknown service %q (required by %s)", name, path[len(path)-1])
		}
		return nil, fmt.Errorf("unknown service %q", name)
	}
	for _, seen := range path {
		if seen == name {
			chain := strings.Join(append(path, name), " -> ")
			return nil, fmt.Errorf("dependency cycle: %s", chain)
		}
	}
	if reg.singleton && reg.resolved {
		return reg.instance, nil
	}

	path = append(path, name)
	values := make(map[string]any, len(reg.deps))
	for _, dep := range reg.deps {
		v, err := c.resolve(ctx, dep, path)
		if err != nil {
			return nil, err
		}
		values[dep] = v
	}

	instance, err := reg.factory(ctx, Deps{values: values})
	if err != nil {
		return nil, fmt.Errorf("build %s: %w", name, err)
	}
	if reg.singleton {
		reg.instance = instance
		reg.resolved = true
	}
	c.logger.Debug("service resolved", "service", name, "singleton", reg.singleton)
	return instance, nil
}

// Initialize resolves every registered singleton, then fires init hooks in
// registration order. Calling it again is a no-op.
func (c *Container) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.initialized {
		return nil
	}
	for _, name := range c.order {
		reg := c.regs[name]
		if !reg.singleton || reg.resolved {
			continue
		}
		if _, err := c.resolve(ctx, name, nil); err != nil {
			return err
		}
	}
	for _, name := range c.order {
		reg := c.regs[name]
		if reg.onInit == nil {
			continue
		}
		if err := reg.onInit(ctx, reg.instance); err != nil {
			return fmt.Errorf("init %s: %w", name, err)
		}
	}
	c.initialized = true
	c.logger.Debug("container initialized", "services", len(c.order))
	return nil
}

// Start fires start hooks in registration order. It stops at the first
// failure; the caller is expected to Stop, which still reaches everything
// already started.
func (c *Container) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialized {
		return errors.New("container not initialized")
	}
	for _, name := range c.order {
		reg := c.regs[name]
		if reg.onStart == nil || !reg.resolved {
			continue
		}
		if err := reg.onStart(ctx, reg.instance); err != nil {
			return fmt.Errorf("start %s: %w", name, err)
		}
		c.logger.Debug("service started", "service", name)
	}
	return nil
}

// Stop fires stop hooks in reverse registration order. It keeps going past
// failures so one bad service cannot strand the rest, and returns the joined
// errors.
func (c *Container) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	for i := len(c.order) - 1; i >= 0; i-- {
		reg := c.regs[c.order[i]]
		if reg.onStop == nil || !reg.resolved {
			continue
		}
		if err := reg.onStop(ctx, reg.instance); err != nil {
			c.logger.Error("error stopping service", "service", reg.name, "error", err)
			errs = append(errs, fmt.Errorf("stop %s: %w", reg.name, err))
			continue
		}
		c.logger.Debug("service stopped", "service", reg.name)
	}
	return errors.Join(errs...)
}

// Names returns the registered service names in registration order.
func (c *Container) Names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, len(c.order))
	copy(names, c.order)
	return names
}

// Resolved reports whether the named singleton has been built.
func (c *Container) Resolved(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	reg, ok := c.regs[name]
	return ok && reg.resolved
}
