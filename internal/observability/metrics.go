// Package observability centralizes Prometheus metrics and their HTTP
// exposition. Metrics register against the default registry once at
// startup; every record method is nil-safe so components can run without
// metrics in tests.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks the orchestrator's hot paths: tool dispatch, the
// validation and inspection funnels, LLM traffic with its cache, the
// rate limiter, and workflow progress.
type Metrics struct {
	// ToolCallCounter counts dispatched tool calls.
	// Labels: provider, tool (qualified), status (success|error)
	ToolCallCounter *prometheus.CounterVec

	// ToolCallDuration measures provider round-trip time in seconds.
	// Labels: provider, tool (qualified)
	ToolCallDuration *prometheus.HistogramVec

	// ValidationRejections counts batches rejected per pipeline stage.
	// Labels: stage (format|history|schema|sync)
	ValidationRejections *prometheus.CounterVec

	// InspectionVerdicts counts per-call inspection outcomes.
	// Labels: verdict (APPROVED|REQUIRES_APPROVAL|DENIED)
	InspectionVerdicts *prometheus.CounterVec

	// LLMRequestCounter counts chat-completion requests.
	// Labels: provider (openai|anthropic), model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMRequestDuration measures chat-completion latency in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMCacheEvents counts optimizer cache traffic.
	// Labels: outcome (hit|miss|dedup)
	LLMCacheEvents *prometheus.CounterVec

	// ProviderUp reports per-provider readiness.
	// Labels: provider
	ProviderUp *prometheus.GaugeVec

	// LimiterQueueDepth is the number of requests waiting for admission.
	LimiterQueueDepth prometheus.Gauge

	// LimiterActive is the number of requests currently executing.
	LimiterActive prometheus.Gauge

	// BreakerState is the circuit state as a number: 0 closed, 1 open,
	// 2 half-open.
	BreakerState prometheus.Gauge

	// WorkflowItems counts workflow items reaching a terminal state.
	// Labels: status (done|failed|blocked|skipped)
	WorkflowItems *prometheus.CounterVec

	// ActiveSessions tracks live session-store entries.
	ActiveSessions prometheus.Gauge
}

// NewMetrics registers every metric with the default registry. Call it
// once at startup; handing the result to components is wiring, not
// global state.
func NewMetrics() *Metrics {
	return &Metrics{
		ToolCallCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_tool_calls_total",
				Help: "Total dispatched tool calls by provider, tool, and status",
			},
			[]string{"provider", "tool", "status"},
		),
		ToolCallDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conductor_tool_call_duration_seconds",
				Help:    "Provider round-trip time for tool calls in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"provider", "tool"},
		),
		ValidationRejections: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_validation_rejections_total",
				Help: "Batches rejected by the validation pipeline, per stage",
			},
			[]string{"stage"},
		),
		InspectionVerdicts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_inspection_verdicts_total",
				Help: "Per-call inspection verdicts",
			},
			[]string{"verdict"},
		),
		LLMRequestCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_llm_requests_total",
				Help: "Chat-completion requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),
		LLMRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conductor_llm_request_duration_seconds",
				Help:    "Chat-completion latency in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),
		LLMCacheEvents: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_llm_cache_events_total",
				Help: "Optimizer cache hits, misses, and in-flight deduplications",
			},
			[]string{"outcome"},
		),
		ProviderUp: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "conductor_provider_up",
				Help: "Provider readiness: 1 ready, 0 otherwise",
			},
			[]string{"provider"},
		),
		LimiterQueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "conductor_limiter_queue_depth",
			Help: "Requests waiting for rate-limiter admission",
		}),
		LimiterActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "conductor_limiter_active",
			Help: "Requests currently executing under the rate limiter",
		}),
		BreakerState: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "conductor_breaker_state",
			Help: "Circuit breaker state: 0 closed, 1 open, 2 half-open",
		}),
		WorkflowItems: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_workflow_items_total",
				Help: "Workflow items reaching a terminal state",
			},
			[]string{"status"},
		),
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "conductor_active_sessions",
			Help: "Live entries in the session store",
		}),
	}
}

// RecordToolCall records one dispatched call and its round-trip time.
func (m *Metrics) RecordToolCall(provider, tool, status string, seconds float64) {
	if m == nil {
		return
	}
	m.ToolCallCounter.WithLabelValues(provider, tool, status).Inc()
	m.ToolCallDuration.WithLabelValues(provider, tool).Observe(seconds)
}

// RecordValidationRejection records a batch rejection at the given stage.
func (m *Metrics) RecordValidationRejection(stage string) {
	if m == nil {
		return
	}
	m.ValidationRejections.WithLabelValues(stage).Inc()
}

// RecordVerdict records one per-call inspection verdict.
func (m *Metrics) RecordVerdict(verdict string) {
	if m == nil {
		return
	}
	m.InspectionVerdicts.WithLabelValues(verdict).Inc()
}

// RecordLLMRequest records one chat-completion round trip.
func (m *Metrics) RecordLLMRequest(provider, model, status string, seconds float64) {
	if m == nil {
		return
	}
	m.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(seconds)
}

// RecordCacheEvent records optimizer cache traffic: hit, miss, or dedup.
func (m *Metrics) RecordCacheEvent(outcome string) {
	if m == nil {
		return
	}
	m.LLMCacheEvents.WithLabelValues(outcome).Inc()
}

// SetProviderUp publishes a provider's readiness.
func (m *Metrics) SetProviderUp(provider string, up bool) {
	if m == nil {
		return
	}
	v := 0.0
	if up {
		v = 1.0
	}
	m.ProviderUp.WithLabelValues(provider).Set(v)
}

// SetLimiterDepth publishes the limiter's queue depth and active count.
func (m *Metrics) SetLimiterDepth(queued, active int) {
	if m == nil {
		return
	}
	m.LimiterQueueDepth.Set(float64(queued))
	m.LimiterActive.Set(float64(active))
}

// SetBreakerState publishes the circuit state.
func (m *Metrics) SetBreakerState(state float64) {
	if m == nil {
		return
	}
	m.BreakerState.Set(state)
}

// RecordWorkflowItem records a workflow item reaching a terminal state.
func (m *Metrics) RecordWorkflowItem(status string) {
	if m == nil {
		return
	}
	m.WorkflowItems.WithLabelValues(status).Inc()
}

// SetActiveSessions publishes the session-store size.
func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}
