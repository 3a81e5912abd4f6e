// Package config loads and validates the orchestrator configuration. Files
// are YAML with environment-variable expansion; every duration-valued key is
// expressed in milliseconds to match the wire-facing defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
type Config struct {
	LLM            LLMConfig                 `yaml:"llm"`
	RateLimiter    RateLimiterConfig         `yaml:"rate_limiter"`
	CircuitBreaker CircuitBreakerConfig      `yaml:"circuit_breaker"`
	MCP            MCPConfig                 `yaml:"mcp"`
	Validation     ValidationConfig          `yaml:"validation"`
	Inspection     InspectionConfig          `yaml:"inspection"`
	Workflow       WorkflowConfig            `yaml:"workflow"`
	Session        SessionConfig             `yaml:"session"`
	History        HistoryConfig             `yaml:"history"`
	Providers      map[string]ProviderConfig `yaml:"providers"`
	Metrics        MetricsConfig             `yaml:"metrics"`
	Logging        LoggingConfig             `yaml:"logging"`
}

// LLMConfig configures the inference endpoints and the request optimizer.
type LLMConfig struct {
	Endpoint        string           `yaml:"endpoint"`
	APIKey          string           `yaml:"api_key"`
	Provider        string           `yaml:"provider"` // openai | anthropic
	AnthropicAPIKey string           `yaml:"anthropic_api_key"`
	TimeoutMS       int              `yaml:"timeout_ms"`
	CacheTTLMS      int              `yaml:"cache_ttl_ms"`
	CacheCapacity   int              `yaml:"cache_capacity"`
	Batch           BatchConfig      `yaml:"batch"`
	Models          ModelTableConfig `yaml:"models"`
}

// BatchConfig bounds the optimizer's per-kind batching queues.
type BatchConfig struct {
	MaxSize    int `yaml:"max_size"`
	DebounceMS int `yaml:"debounce_ms"`
}

// ModelTableConfig is the preferred-model table per request kind plus the
// ordered fallback chain used when a preferred model is unavailable.
type ModelTableConfig struct {
	ModeSelection   string   `yaml:"mode_selection"`
	ServerSelection string   `yaml:"server_selection"`
	ToolPlanning    string   `yaml:"tool_planning"`
	SystemSelection string   `yaml:"system_selection"`
	Verification    string   `yaml:"verification"`
	Chat            string   `yaml:"chat"`
	Default         string   `yaml:"default"`
	Fallbacks       []string `yaml:"fallbacks"`
}

// RateLimiterConfig bounds outbound LLM HTTP concurrency.
type RateLimiterConfig struct {
	MaxConcurrent  int `yaml:"max_concurrent"`
	BaseDelayMS    int `yaml:"base_delay_ms"`
	MaxDelayMS     int `yaml:"max_delay_ms"`
	QueueSoftLimit int `yaml:"queue_soft_limit"`
}

// CircuitBreakerConfig guards the LLM endpoint.
type CircuitBreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold"`
	RecoveryMS       int `yaml:"recovery_ms"`
	HalfOpenAdmitMax int `yaml:"half_open_admit_max"`
}

// MCPConfig governs provider subprocess lifecycles.
type MCPConfig struct {
	InitializeTimeoutMS int  `yaml:"initialize_timeout_ms"`
	ToolCallTimeoutMS   int  `yaml:"tool_call_timeout_ms"`
	ShutdownGraceMS     int  `yaml:"shutdown_grace_ms"`
	StrictHandshake     bool `yaml:"strict_handshake"`
}

// ValidationConfig tunes the pre-dispatch validation pipeline.
type ValidationConfig struct {
	Autocorrect     bool `yaml:"autocorrect"`
	RepeatThreshold int  `yaml:"repeat_threshold"`
	MaxToolFailures int  `yaml:"max_tool_failures"`
}

// InspectionConfig tunes the policy inspectors.
type InspectionConfig struct {
	Mode           string             `yaml:"mode"` // chat | task | auto
	MaxRepetitions int                `yaml:"max_repetitions"`
	HistoryWindow  int                `yaml:"history_window"`
	ReadonlyTools  []string           `yaml:"readonly_tools"`
	Strict         bool               `yaml:"strict"`
	LLMValidator   LLMValidatorConfig `yaml:"llm_validator"`
}

// LLMValidatorConfig attaches the optional model-backed call reviewer.
type LLMValidatorConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Model           string `yaml:"model"`
	FallbackOnError string `yaml:"fallback_on_error"` // allow | deny
}

// WorkflowConfig tunes the task engine.
type WorkflowConfig struct {
	MaxAttemptsPerItem     int              `yaml:"max_attempts_per_item"`
	ParallelItems          int              `yaml:"parallel_items"`
	SelfAnalysisCooldownMS int              `yaml:"self_analysis_cooldown_ms"`
	TreatSkippedAsDone     bool             `yaml:"treat_skipped_as_done"`
	Schedules              []ScheduleConfig `yaml:"schedules"`
}

// ScheduleConfig declares one recurring workflow run. Exactly one of Cron
// and EveryMS selects the cadence.
type ScheduleConfig struct {
	Name     string `yaml:"name"`
	Cron     string `yaml:"cron"`
	EveryMS  int    `yaml:"every_ms"`
	Timezone string `yaml:"timezone"`
	Message  string `yaml:"message"`
	Mode     string `yaml:"mode"`
}

// Every is the fixed interval between runs, zero when Cron drives the
// schedule instead.
func (s ScheduleConfig) Every() time.Duration { return time.Duration(s.EveryMS) * time.Millisecond }

// SessionConfig bounds the session TTL store.
type SessionConfig struct {
	TTLMS int `yaml:"ttl_ms"`
}

// HistoryConfig bounds the call-history ring and optionally enables the
// sqlite audit store.
type HistoryConfig struct {
	Capacity int    `yaml:"capacity"`
	Database string `yaml:"database"`
}

// ProviderConfig is the launch spec for one MCP tool provider. A nil
// FilesystemTmpRewrite means "use the default", which is on for the provider
// named "filesystem" and off for everything else.
type ProviderConfig struct {
	Command              string            `yaml:"command"`
	Args                 []string          `yaml:"args"`
	Env                  map[string]string `yaml:"env"`
	Enabled              bool              `yaml:"enabled"`
	FilesystemTmpRewrite *bool             `yaml:"filesystem_tmp_rewrite"`
}

// TmpRewrite reports whether /tmp paths in call parameters are rewritten to
// /private/tmp before the call reaches this provider.
func (p ProviderConfig) TmpRewrite() bool {
	return p.FilesystemTmpRewrite != nil && *p.FilesystemTmpRewrite
}

// MetricsConfig controls the Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// LoggingConfig selects the log level.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load reads, expands, parses, defaults, and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse builds a Config from raw YAML bytes.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "openai"
	}
	if cfg.LLM.TimeoutMS == 0 {
		cfg.LLM.TimeoutMS = 30000
	}
	if cfg.LLM.CacheTTLMS == 0 {
		cfg.LLM.CacheTTLMS = 60000
	}
	if cfg.LLM.CacheCapacity == 0 {
		cfg.LLM.CacheCapacity = 100
	}
	if cfg.LLM.Batch.MaxSize == 0 {
		cfg.LLM.Batch.MaxSize = 5
	}
	if cfg.LLM.Batch.DebounceMS == 0 {
		cfg.LLM.Batch.DebounceMS = 100
	}

	if cfg.RateLimiter.MaxConcurrent == 0 {
		cfg.RateLimiter.MaxConcurrent = 3
	}
	if cfg.RateLimiter.BaseDelayMS == 0 {
		cfg.RateLimiter.BaseDelayMS = 100
	}
	if cfg.RateLimiter.MaxDelayMS == 0 {
		cfg.RateLimiter.MaxDelayMS = 5000
	}
	if cfg.RateLimiter.QueueSoftLimit == 0 {
		cfg.RateLimiter.QueueSoftLimit = 64
	}

	if cfg.CircuitBreaker.FailureThreshold == 0 {
		cfg.CircuitBreaker.FailureThreshold = 5
	}
	if cfg.CircuitBreaker.RecoveryMS == 0 {
		cfg.CircuitBreaker.RecoveryMS = 30000
	}
	if cfg.CircuitBreaker.HalfOpenAdmitMax == 0 {
		cfg.CircuitBreaker.HalfOpenAdmitMax = 3
	}

	if cfg.MCP.InitializeTimeoutMS == 0 {
		cfg.MCP.InitializeTimeoutMS = 20000
	}
	if cfg.MCP.ToolCallTimeoutMS == 0 {
		cfg.MCP.ToolCallTimeoutMS = 60000
	}
	if cfg.MCP.ShutdownGraceMS == 0 {
		cfg.MCP.ShutdownGraceMS = 3000
	}

	if cfg.Validation.RepeatThreshold == 0 {
		cfg.Validation.RepeatThreshold = 5
	}
	if cfg.Validation.MaxToolFailures == 0 {
		cfg.Validation.MaxToolFailures = 3
	}

	if cfg.Inspection.Mode == "" {
		cfg.Inspection.Mode = "auto"
	}
	if cfg.Inspection.MaxRepetitions == 0 {
		cfg.Inspection.MaxRepetitions = 3
	}
	if cfg.Inspection.HistoryWindow == 0 {
		cfg.Inspection.HistoryWindow = 20
	}
	if cfg.Inspection.LLMValidator.FallbackOnError == "" {
		cfg.Inspection.LLMValidator.FallbackOnError = "deny"
	}

	if cfg.Workflow.MaxAttemptsPerItem == 0 {
		cfg.Workflow.MaxAttemptsPerItem = 3
	}
	if cfg.Workflow.ParallelItems == 0 {
		cfg.Workflow.ParallelItems = 10
	}
	if cfg.Workflow.SelfAnalysisCooldownMS == 0 {
		cfg.Workflow.SelfAnalysisCooldownMS = 300000
	}

	if cfg.Session.TTLMS == 0 {
		cfg.Session.TTLMS = 1800000
	}

	if cfg.History.Capacity == 0 {
		cfg.History.Capacity = 1000
	}

	for name, p := range cfg.Providers {
		if p.FilesystemTmpRewrite == nil {
			on := name == "filesystem"
			p.FilesystemTmpRewrite = &on
			cfg.Providers[name] = p
		}
	}

	if cfg.Metrics.Listen == "" {
		cfg.Metrics.Listen = ":9464"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// Duration accessors for millisecond-valued keys.

func (c LLMConfig) Timeout() time.Duration       { return time.Duration(c.TimeoutMS) * time.Millisecond }
func (c LLMConfig) CacheTTL() time.Duration      { return time.Duration(c.CacheTTLMS) * time.Millisecond }
func (c BatchConfig) Debounce() time.Duration    { return time.Duration(c.DebounceMS) * time.Millisecond }
func (c RateLimiterConfig) BaseDelay() time.Duration {
	return time.Duration(c.BaseDelayMS) * time.Millisecond
}
func (c RateLimiterConfig) MaxDelay() time.Duration {
	return time.Duration(c.MaxDelayMS) * time.Millisecond
}
func (c CircuitBreakerConfig) Recovery() time.Duration {
	return time.Duration(c.RecoveryMS) * time.Millisecond
}
func (c MCPConfig) InitializeTimeout() time.Duration {
	return time.Duration(c.InitializeTimeoutMS) * time.Millisecond
}
func (c MCPConfig) ToolCallTimeout() time.Duration {
	return time.Duration(c.ToolCallTimeoutMS) * time.Millisecond
}
func (c MCPConfig) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceMS) * time.Millisecond
}
func (c WorkflowConfig) SelfAnalysisCooldown() time.Duration {
	return time.Duration(c.SelfAnalysisCooldownMS) * time.Millisecond
}
func (c SessionConfig) TTL() time.Duration { return time.Duration(c.TTLMS) * time.Millisecond }

// Validate rejects configurations that cannot be run safely.
func (c *Config) Validate() error {
	switch c.LLM.Provider {
	case "openai", "anthropic":
	default:
		return fmt.Errorf("llm.provider must be openai or anthropic, got %q", c.LLM.Provider)
	}

	switch c.Inspection.Mode {
	case "chat", "task", "auto":
	default:
		return fmt.Errorf("inspection.mode must be chat, task, or auto, got %q", c.Inspection.Mode)
	}

	switch c.Inspection.LLMValidator.FallbackOnError {
	case "allow", "deny":
	default:
		return fmt.Errorf("inspection.llm_validator.fallback_on_error must be allow or deny, got %q",
			c.Inspection.LLMValidator.FallbackOnError)
	}

	if c.Workflow.ParallelItems < 1 {
		return fmt.Errorf("workflow.parallel_items must be at least 1")
	}

	for name, p := range c.Providers {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("provider %q: %w", name, err)
		}
	}

	for i, s := range c.Workflow.Schedules {
		if s.Name == "" {
			return fmt.Errorf("workflow.schedules[%d]: name is required", i)
		}
		if s.Cron == "" && s.EveryMS == 0 {
			return fmt.Errorf("workflow.schedules[%d] (%s): cron or every_ms is required", i, s.Name)
		}
		if s.Message == "" {
			return fmt.Errorf("workflow.schedules[%d] (%s): message is required", i, s.Name)
		}
	}

	return nil
}

// Validate rejects launch specs that smuggle shell control or path traversal
// into the subprocess command line.
func (p ProviderConfig) Validate() error {
	if p.Command == "" {
		return fmt.Errorf("command is required")
	}
	if strings.Contains(p.Command, "..") {
		return fmt.Errorf("command must not contain path traversal")
	}
	if strings.ContainsAny(p.Command, ";|&$`\n") {
		return fmt.Errorf("command must not contain shell metacharacters")
	}
	for _, arg := range p.Args {
		if strings.ContainsAny(arg, ";|&`\n") {
			return fmt.Errorf("argument %q contains shell metacharacters", arg)
		}
	}
	return nil
}
