// Package ratelimit bounds outbound LLM traffic. Work enters a priority
// queue and a single dispatch goroutine admits it under an adaptive
// concurrency cap, an adaptive pre-dispatch delay, and a circuit breaker.
// Only the dispatch goroutine pops the queue, which is what preserves
// priority ordering end to end.
package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/conductor/internal/errs"
	"github.com/haasonsaas/conductor/internal/infra"
	"github.com/haasonsaas/conductor/internal/observability"
)

// Priorities order the queue; lower dispatches first. Critical work
// bypasses soft-limit backpressure.
const (
	PriorityCritical = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
)

// Bounds for the adaptive concurrency cap.
const (
	minConcurrency = 1
	maxConcurrency = 5
)

// Submit describes one unit of work entering the queue.
type Submit struct {
	// Priority orders dispatch within the queue.
	Priority int

	// Deadline bounds total queue age. A request older than this when it
	// reaches the head is rejected without executing. Zero means no bound.
	Deadline time.Duration

	// Retries re-enqueues transient failures up to this many extra runs.
	Retries int

	// Label names the request in logs.
	Label string
}

// Options configures a Limiter. Zero values take the wire-facing
// defaults; Breaker is passed through to the circuit breaker with a
// 429-neutral classifier installed when none is set.
type Options struct {
	MaxConcurrent  int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	QueueSoftLimit int
	AdjustEvery    time.Duration
	Window         time.Duration
	Breaker        infra.CircuitBreakerConfig
	Metrics        *observability.Metrics
	Logger         *slog.Logger
}

type outcome struct {
	value any
	err   error
}

type pending struct {
	fn         func(context.Context) (any, error)
	ctx        context.Context
	priority   int
	deadline   time.Duration
	retries    int
	attempt    int
	label      string
	enqueuedAt time.Time
	result     chan outcome
}

type sample struct {
	at       time.Time
	duration time.Duration
	failed   bool
}

// Limiter is the adaptive priority limiter. Queue, active set, and the
// rolling sample window share one mutex.
type Limiter struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	softLimit   int
	window      time.Duration
	halfOpenCap int
	breaker     *infra.CircuitBreaker
	metrics     *observability.Metrics
	logger      *slog.Logger

	mu            sync.Mutex
	cond          *sync.Cond
	queue         []*pending
	active        int
	maxConcurrent int
	samples       []sample
	closed        bool

	stop chan struct{}
}

// New builds and starts a limiter. Callers own Close.
func New(opts Options) *Limiter {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 3
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 100 * time.Millisecond
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 5 * time.Second
	}
	if opts.QueueSoftLimit <= 0 {
		opts.QueueSoftLimit = 64
	}
	if opts.AdjustEvery <= 0 {
		opts.AdjustEvery = 10 * time.Second
	}
	if opts.Window <= 0 {
		opts.Window = time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Breaker.HalfOpenSuccesses <= 0 {
		opts.Breaker.HalfOpenSuccesses = 3
	}

	l := &Limiter{
		baseDelay:     opts.BaseDelay,
		maxDelay:      opts.MaxDelay,
		softLimit:     opts.QueueSoftLimit,
		window:        opts.Window,
		halfOpenCap:   opts.Breaker.HalfOpenSuccesses,
		metrics:       opts.Metrics,
		logger:        opts.Logger.With("component", "ratelimit"),
		maxConcurrent: opts.MaxConcurrent,
		stop:          make(chan struct{}),
	}
	l.cond = sync.NewCond(&l.mu)

	breakerCfg := opts.Breaker
	if breakerCfg.Name == "" {
		breakerCfg.Name = "llm"
	}
	if breakerCfg.Neutral == nil {
		// A 429 means the endpoint is alive and saturated; it must not
		// trip the circuit.
		breakerCfg.Neutral = func(err error) bool {
			kind, ok := errs.KindOf(err)
			return ok && kind == errs.KindLLMRateLimited
		}
	}
	inner := breakerCfg.OnStateChange
	breakerCfg.OnStateChange = func(from, to string) {
		l.metrics.SetBreakerState(breakerGauge(to))
		l.logger.Info("circuit state changed", "from", from, "to", to)
		l.cond.Broadcast()
		if inner != nil {
			inner(from, to)
		}
	}
	l.breaker = infra.NewCircuitBreaker(breakerCfg)

	go l.dispatchLoop()
	go l.adjustLoop(opts.AdjustEvery)
	return l
}

func breakerGauge(state string) float64 {
	switch state {
	case infra.CircuitOpen:
		return 1
	case infra.CircuitHalfOpen:
		return 2
	default:
		return 0
	}
}

// Do queues fn and blocks until it completes, is rejected, or ctx ends.
// Transient failures re-enqueue at the same priority up to Retries times;
// the original enqueue time keeps counting against the deadline.
func (l *Limiter) Do(ctx context.Context, sub Submit, fn func(context.Context) (any, error)) (any, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p := &pending{
		fn:         fn,
		ctx:        ctx,
		priority:   sub.Priority,
		deadline:   sub.Deadline,
		retries:    sub.Retries,
		label:      sub.Label,
		enqueuedAt: time.Now(),
		result:     make(chan outcome, 1),
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, errs.E(errs.KindLLMUnavailable, "rate limiter is closed")
	}
	if p.priority > PriorityCritical && len(l.queue) >= l.softLimit {
		depth := len(l.queue)
		l.mu.Unlock()
		return nil, errs.E(errs.KindLLMRateLimited,
			"request queue saturated (%d queued)", depth)
	}
	l.insert(p)
	l.metrics.SetLimiterDepth(len(l.queue), l.active)
	l.cond.Signal()
	l.mu.Unlock()

	select {
	case o := <-p.result:
		return o.value, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// insert keeps the queue sorted by priority with FIFO order inside each
// priority band. Must be called with mu held.
func (l *Limiter) insert(p *pending) {
	i := len(l.queue)
	for j, q := range l.queue {
		if q.priority > p.priority {
			i = j
			break
		}
	}
	l.queue = append(l.queue, nil)
	copy(l.queue[i+1:], l.queue[i:])
	l.queue[i] = p
}

// admitCap returns the live concurrency ceiling. Half-open circuits cap
// admissions at the breaker's probe budget.
func (l *Limiter) admitCap() int {
	limit := l.maxConcurrent
	if l.breaker.State() == infra.CircuitHalfOpen && l.halfOpenCap < limit {
		limit = l.halfOpenCap
	}
	return limit
}

func (l *Limiter) dispatchLoop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for {
		for !l.closed && (len(l.queue) == 0 || l.active >= l.admitCap()) {
			l.cond.Wait()
		}
		if l.closed {
			for _, p := range l.queue {
				p.result <- outcome{err: errs.E(errs.KindLLMUnavailable, "rate limiter is closed")}
			}
			l.queue = nil
			return
		}

		p := l.queue[0]
		l.queue = l.queue[1:]

		if err := p.ctx.Err(); err != nil {
			p.result <- outcome{err: err}
			continue
		}
		if age := time.Since(p.enqueuedAt); p.deadline > 0 && age > p.deadline {
			p.result <- outcome{err: errs.E(errs.KindLLMRateLimited,
				"request %q queued %s, past its %s deadline", p.label, age.Round(time.Millisecond), p.deadline)}
			continue
		}
		if err := l.breaker.Allow(); err != nil {
			p.result <- outcome{err: errs.Wrap(errs.KindLLMRateLimited, err,
				"endpoint circuit is open")}
			continue
		}

		delay := l.delayLocked()
		l.active++
		l.metrics.SetLimiterDepth(len(l.queue), l.active)
		l.mu.Unlock()

		if delay > 0 {
			time.Sleep(delay)
		}
		go l.run(p)

		l.mu.Lock()
	}
}

func (l *Limiter) run(p *pending) {
	start := time.Now()
	value, err := p.fn(p.ctx)
	elapsed := time.Since(start)

	l.breaker.Record(err)

	l.mu.Lock()
	l.active--
	// 429s stay out of the circuit but do feed the delay window: they are
	// exactly the signal to slow down.
	l.samples = append(l.samples, sample{at: time.Now(), duration: elapsed, failed: err != nil})
	l.pruneLocked(time.Now())

	retry := false
	if err != nil && p.attempt < p.retries && p.ctx.Err() == nil {
		if kind, ok := errs.KindOf(err); ok && kind.Transient() {
			retry = true
			p.attempt++
			l.insert(p)
		}
	}
	l.metrics.SetLimiterDepth(len(l.queue), l.active)
	l.cond.Signal()
	l.mu.Unlock()

	if retry {
		return
	}
	p.result <- outcome{value: value, err: err}
}

// pruneLocked drops samples older than the rolling window.
func (l *Limiter) pruneLocked(now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.samples) && l.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		l.samples = append(l.samples[:0], l.samples[i:]...)
	}
}

type windowStats struct {
	count      int
	errorRate  float64
	avgMS      float64
	throughput float64
}

func (l *Limiter) statsLocked(now time.Time) windowStats {
	l.pruneLocked(now)
	s := windowStats{count: len(l.samples)}
	if s.count == 0 {
		return s
	}
	failures := 0
	var total time.Duration
	for _, smp := range l.samples {
		if smp.failed {
			failures++
		}
		total += smp.duration
	}
	s.errorRate = float64(failures) / float64(s.count)
	s.avgMS = float64(total.Milliseconds()) / float64(s.count)
	s.throughput = float64(s.count) / l.window.Seconds()
	return s
}

// delayLocked computes the pre-dispatch pause: the base delay stretched by
// the error rate, scaled up when the endpoint is slow, halved when traffic
// is sparse, doubled while the circuit probes, clamped to [0, maxDelay].
func (l *Limiter) delayLocked() time.Duration {
	s := l.statsLocked(time.Now())
	delay := float64(l.baseDelay) * (1 + 2*s.errorRate)
	if s.avgMS > 2000 {
		delay *= s.avgMS / 1000
	}
	if s.throughput < 0.5 {
		delay /= 2
	}
	if l.breaker.State() == infra.CircuitHalfOpen {
		delay *= 2
	}
	if limit := float64(l.maxDelay); delay > limit {
		delay = limit
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

func (l *Limiter) adjustLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.adjust()
		}
	}
}

// adjust retunes the concurrency cap from the rolling window: sustained
// errors shed capacity, a clean fast window earns it back.
func (l *Limiter) adjust() {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := l.statsLocked(time.Now())
	if s.count == 0 {
		return
	}
	before := l.maxConcurrent
	switch {
	case s.errorRate > 0.2 && l.maxConcurrent > minConcurrency:
		l.maxConcurrent--
	case s.errorRate < 0.05 && s.avgMS < 1500 && l.maxConcurrent < maxConcurrency:
		l.maxConcurrent++
	}
	if l.maxConcurrent != before {
		l.logger.Info("concurrency adjusted",
			"from", before,
			"to", l.maxConcurrent,
			"error_rate", s.errorRate,
			"avg_ms", s.avgMS)
		l.cond.Signal()
	}
}

// Stats is a point-in-time view of the limiter.
type Stats struct {
	Queued        int     `json:"queued"`
	Active        int     `json:"active"`
	MaxConcurrent int     `json:"max_concurrent"`
	ErrorRate     float64 `json:"error_rate"`
	AvgResponseMS float64 `json:"avg_response_ms"`
	Throughput    float64 `json:"throughput_rps"`
	BreakerState  string  `json:"breaker_state"`
}

// Stats snapshots queue depth, active set, and window aggregates.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.statsLocked(time.Now())
	return Stats{
		Queued:        len(l.queue),
		Active:        l.active,
		MaxConcurrent: l.maxConcurrent,
		ErrorRate:     s.errorRate,
		AvgResponseMS: s.avgMS,
		Throughput:    s.throughput,
		BreakerState:  l.breaker.State(),
	}
}

// Close rejects all queued work and stops the background loops. In-flight
// requests finish and still deliver their results.
func (l *Limiter) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.cond.Broadcast()
	l.mu.Unlock()
	close(l.stop)
}
