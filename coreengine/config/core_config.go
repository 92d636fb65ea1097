// Package config provides agentcore configuration.
//
// Configuration is plain data: defaults come from DefaultConfig, overrides
// from a YAML file (LoadFile) or a decoded map (FromMap). Environment and
// flag parsing happens in cmd/, never here.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jeeves-cluster-organization/agentcore/coreengine/typeutil"
)

// Config is the root configuration for every agentcore component.
type Config struct {
	Bus       BusConfig       `json:"bus" yaml:"bus"`
	Router    RouterConfig    `json:"router" yaml:"router"`
	Ensemble  EnsembleConfig  `json:"ensemble" yaml:"ensemble"`
	Engine    EngineConfig    `json:"engine" yaml:"engine"`
	Server    ServerConfig    `json:"server" yaml:"server"`
	Telemetry TelemetryConfig `json:"telemetry" yaml:"telemetry"`

	// Logging
	LogLevel  string `json:"log_level" yaml:"log_level"`
	LogFormat string `json:"log_format" yaml:"log_format"` // json or text
}

// BusConfig configures the message bus.
type BusConfig struct {
	DefaultMaxRetries int `json:"default_max_retries" yaml:"default_max_retries"`
	DefaultTTLMS      int `json:"default_ttl_ms" yaml:"default_ttl_ms"` // 0 = never expires
	QueryTimeoutMS    int `json:"query_timeout_ms" yaml:"query_timeout_ms"`

	// Circuit breaker on subscriber failures, per topic. Threshold 0 disables it.
	CircuitBreakerThreshold int `json:"circuit_breaker_threshold" yaml:"circuit_breaker_threshold"`
	CircuitBreakerResetMS   int `json:"circuit_breaker_reset_ms" yaml:"circuit_breaker_reset_ms"`
}

// RouterConfig configures the model router.
type RouterConfig struct {
	DefaultProvider  string `json:"default_provider" yaml:"default_provider"`
	AttemptTimeoutMS int    `json:"attempt_timeout_ms" yaml:"attempt_timeout_ms"`
	FailurePenalty   int    `json:"failure_penalty" yaml:"failure_penalty"`

	// FallbackTable maps a primary model to the models tried after it when
	// the caller supplies no fallbacks of its own.
	FallbackTable map[string][]string `json:"fallback_table" yaml:"fallback_table"`
}

// EnsembleConfig configures the ensemble orchestrator.
type EnsembleConfig struct {
	TimeoutMS      int  `json:"timeout_ms" yaml:"timeout_ms"` // whole-call bound, 0 = none
	PublishResults bool `json:"publish_results" yaml:"publish_results"`
}

// EngineConfig configures the execution engine.
type EngineConfig struct {
	DrainIntervalMS    int     `json:"drain_interval_ms" yaml:"drain_interval_ms"`
	MaxDrainPerTick    int     `json:"max_drain_per_tick" yaml:"max_drain_per_tick"`
	MaxQueueLength     int     `json:"max_queue_length" yaml:"max_queue_length"`
	DefaultTimeoutMS   int     `json:"default_timeout_ms" yaml:"default_timeout_ms"`
	DefaultMaxRetries  int     `json:"default_max_retries" yaml:"default_max_retries"`
	DefaultCPU         float64 `json:"default_cpu" yaml:"default_cpu"`
	DefaultMemoryMB    int     `json:"default_memory_mb" yaml:"default_memory_mb"`
	HeartbeatTimeoutMS int     `json:"heartbeat_timeout_ms" yaml:"heartbeat_timeout_ms"` // 0 disables the sweep
	ResultRetentionMS  int     `json:"result_retention_ms" yaml:"result_retention_ms"`

	// Per-user admission limits; 0 disables the window.
	RateLimitPerMinute int `json:"rate_limit_per_minute" yaml:"rate_limit_per_minute"`
	RateLimitPerHour   int `json:"rate_limit_per_hour" yaml:"rate_limit_per_hour"`
}

// ServerConfig configures the network listeners in cmd/.
type ServerConfig struct {
	GRPCAddress    string `json:"grpc_address" yaml:"grpc_address"`
	MetricsAddress string `json:"metrics_address" yaml:"metrics_address"`
	ShutdownMS     int    `json:"shutdown_ms" yaml:"shutdown_ms"`
}

// TelemetryConfig configures tracing and the telemetry sink.
type TelemetryConfig struct {
	TracingEnabled bool    `json:"tracing_enabled" yaml:"tracing_enabled"`
	ServiceName    string  `json:"service_name" yaml:"service_name"`
	OTLPEndpoint   string  `json:"otlp_endpoint" yaml:"otlp_endpoint"`
	SampleRatio    float64 `json:"sample_ratio" yaml:"sample_ratio"`
	SinkBuffer     int     `json:"sink_buffer" yaml:"sink_buffer"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		Bus: BusConfig{
			DefaultMaxRetries:       3,
			DefaultTTLMS:            0,
			QueryTimeoutMS:          30000,
			CircuitBreakerThreshold: 0,
			CircuitBreakerResetMS:   30000,
		},
		Router: RouterConfig{
			DefaultProvider:  "openai",
			AttemptTimeoutMS: 60000,
			FailurePenalty:   10,
			FallbackTable:    DefaultFallbackTable(),
		},
		Ensemble: EnsembleConfig{
			TimeoutMS:      0,
			PublishResults: true,
		},
		Engine: EngineConfig{
			DrainIntervalMS:    1000,
			MaxDrainPerTick:    4,
			MaxQueueLength:     1000,
			DefaultTimeoutMS:   30000,
			DefaultMaxRetries:  0,
			DefaultCPU:         1,
			DefaultMemoryMB:    512,
			HeartbeatTimeoutMS: 30000,
			ResultRetentionMS:  300000,
		},
		Server: ServerConfig{
			GRPCAddress:    ":50051",
			MetricsAddress: ":9090",
			ShutdownMS:     10000,
		},
		Telemetry: TelemetryConfig{
			TracingEnabled: false,
			ServiceName:    "agentcore",
			OTLPEndpoint:   "localhost:4317",
			SampleRatio:    1.0,
			SinkBuffer:     256,
		},
		LogLevel:  "INFO",
		LogFormat: "json",
	}
}

// DefaultFallbackTable returns the static fallback chains keyed by primary model.
func DefaultFallbackTable() map[string][]string {
	return map[string][]string{
		"gpt-4o":            {"claude-3-5-sonnet", "gemini-1.5-pro"},
		"gpt-4o-mini":       {"claude-3-haiku", "gemini-1.5-flash"},
		"claude-3-5-sonnet": {"gpt-4o", "gemini-1.5-pro"},
		"claude-3-haiku":    {"gpt-4o-mini", "gemini-1.5-flash"},
		"gemini-1.5-pro":    {"gpt-4o", "claude-3-5-sonnet"},
	}
}

// =============================================================================
// Durations
// =============================================================================

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

// QueryTimeout returns the request/reply timeout.
func (c BusConfig) QueryTimeout() time.Duration { return ms(c.QueryTimeoutMS) }

// DefaultTTL returns the default message time-to-live (0 = none).
func (c BusConfig) DefaultTTL() time.Duration { return ms(c.DefaultTTLMS) }

// CircuitBreakerReset returns how long an open circuit stays open.
func (c BusConfig) CircuitBreakerReset() time.Duration { return ms(c.CircuitBreakerResetMS) }

// AttemptTimeout returns the per-candidate backend timeout (0 = none).
func (c RouterConfig) AttemptTimeout() time.Duration { return ms(c.AttemptTimeoutMS) }

// Timeout returns the whole-ensemble bound (0 = none).
func (c EnsembleConfig) Timeout() time.Duration { return ms(c.TimeoutMS) }

// DrainInterval returns the deferred-queue tick interval.
func (c EngineConfig) DrainInterval() time.Duration { return ms(c.DrainIntervalMS) }

// DefaultTimeout returns the per-request timeout used when none is given.
func (c EngineConfig) DefaultTimeout() time.Duration { return ms(c.DefaultTimeoutMS) }

// HeartbeatTimeout returns the silence after which a worker is degraded.
func (c EngineConfig) HeartbeatTimeout() time.Duration { return ms(c.HeartbeatTimeoutMS) }

// ResultRetention returns how long unclaimed results are kept.
func (c EngineConfig) ResultRetention() time.Duration { return ms(c.ResultRetentionMS) }

// ShutdownTimeout returns the graceful shutdown bound.
func (c ServerConfig) ShutdownTimeout() time.Duration { return ms(c.ShutdownMS) }

// =============================================================================
// Validation
// =============================================================================

// Validate checks the configuration for values the components cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Bus.DefaultMaxRetries < 0 {
		errs = append(errs, errors.New("bus.default_max_retries must be >= 0"))
	}
	if c.Bus.QueryTimeoutMS <= 0 {
		errs = append(errs, errors.New("bus.query_timeout_ms must be > 0"))
	}
	if c.Router.FailurePenalty < 1 {
		errs = append(errs, errors.New("router.failure_penalty must be >= 1"))
	}
	if strings.TrimSpace(c.Router.DefaultProvider) == "" {
		errs = append(errs, errors.New("router.default_provider is required"))
	}
	if c.Engine.DrainIntervalMS <= 0 {
		errs = append(errs, errors.New("engine.drain_interval_ms must be > 0"))
	}
	if c.Engine.MaxDrainPerTick < 1 {
		errs = append(errs, errors.New("engine.max_drain_per_tick must be >= 1"))
	}
	if c.Engine.MaxQueueLength < 1 {
		errs = append(errs, errors.New("engine.max_queue_length must be >= 1"))
	}
	if c.Engine.DefaultTimeoutMS <= 0 {
		errs = append(errs, errors.New("engine.default_timeout_ms must be > 0"))
	}
	if c.Engine.DefaultMaxRetries < 0 {
		errs = append(errs, errors.New("engine.default_max_retries must be >= 0"))
	}
	if c.Engine.DefaultCPU < 0 || c.Engine.DefaultMemoryMB < 0 {
		errs = append(errs, errors.New("engine default resources must be >= 0"))
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		errs = append(errs, errors.New("telemetry.sample_ratio must be within [0, 1]"))
	}
	return errors.Join(errs...)
}

// =============================================================================
// Loading
// =============================================================================

// LoadFile reads a YAML file over the defaults. Keys missing from the file
// keep their default values.
func LoadFile(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(b)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	c := DefaultConfig()
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return c, nil
}

// FromMap creates a Config from a decoded map (for example a JSON or
// protobuf Struct payload). Unknown keys are ignored.
func FromMap(m map[string]any) *Config {
	c := DefaultConfig()

	setInt := func(path string, dst *int) {
		if v, ok := typeutil.LookupInt(m, path); ok {
			*dst = v
		}
	}
	setFloat := func(path string, dst *float64) {
		if v, ok := typeutil.LookupFloat(m, path); ok {
			*dst = v
		}
	}
	setString := func(path string, dst *string) {
		if v, ok := typeutil.LookupString(m, path); ok {
			*dst = v
		}
	}
	setBool := func(path string, dst *bool) {
		if v, ok := typeutil.LookupBool(m, path); ok {
			*dst = v
		}
	}

	setInt("bus.default_max_retries", &c.Bus.DefaultMaxRetries)
	setInt("bus.default_ttl_ms", &c.Bus.DefaultTTLMS)
	setInt("bus.query_timeout_ms", &c.Bus.QueryTimeoutMS)
	setInt("bus.circuit_breaker_threshold", &c.Bus.CircuitBreakerThreshold)
	setInt("bus.circuit_breaker_reset_ms", &c.Bus.CircuitBreakerResetMS)

	setString("router.default_provider", &c.Router.DefaultProvider)
	setInt("router.attempt_timeout_ms", &c.Router.AttemptTimeoutMS)
	setInt("router.failure_penalty", &c.Router.FailurePenalty)
	if table, ok := typeutil.Lookup(m, "router.fallback_table"); ok {
		if tm, ok := typeutil.AsMap(table); ok {
			c.Router.FallbackTable = make(map[string][]string, len(tm))
			for primary, raw := range tm {
				if chain, ok := typeutil.AsStringSlice(raw); ok {
					c.Router.FallbackTable[primary] = chain
				}
			}
		}
	}

	setInt("ensemble.timeout_ms", &c.Ensemble.TimeoutMS)
	setBool("ensemble.publish_results", &c.Ensemble.PublishResults)

	setInt("engine.drain_interval_ms", &c.Engine.DrainIntervalMS)
	setInt("engine.max_drain_per_tick", &c.Engine.MaxDrainPerTick)
	setInt("engine.max_queue_length", &c.Engine.MaxQueueLength)
	setInt("engine.default_timeout_ms", &c.Engine.DefaultTimeoutMS)
	setInt("engine.default_max_retries", &c.Engine.DefaultMaxRetries)
	setFloat("engine.default_cpu", &c.Engine.DefaultCPU)
	setInt("engine.default_memory_mb", &c.Engine.DefaultMemoryMB)
	setInt("engine.heartbeat_timeout_ms", &c.Engine.HeartbeatTimeoutMS)
	setInt("engine.result_retention_ms", &c.Engine.ResultRetentionMS)
	setInt("engine.rate_limit_per_minute", &c.Engine.RateLimitPerMinute)
	setInt("engine.rate_limit_per_hour", &c.Engine.RateLimitPerHour)

	setString("server.grpc_address", &c.Server.GRPCAddress)
	setString("server.metrics_address", &c.Server.MetricsAddress)
	setInt("server.shutdown_ms", &c.Server.ShutdownMS)

	setBool("telemetry.tracing_enabled", &c.Telemetry.TracingEnabled)
	setString("telemetry.service_name", &c.Telemetry.ServiceName)
	setString("telemetry.otlp_endpoint", &c.Telemetry.OTLPEndpoint)
	setFloat("telemetry.sample_ratio", &c.Telemetry.SampleRatio)
	setInt("telemetry.sink_buffer", &c.Telemetry.SinkBuffer)

	setString("log_level", &c.LogLevel)
	setString("log_format", &c.LogFormat)

	return c
}
