package config

import (
	"fmt"
	"strings"

	"github.com/geo-mak/autonomic-playground/pkg/operation"
	"github.com/geo-mak/autonomic-playground/pkg/telemetry"
)

// Resource kinds of drift controllers.
const (
	ResourceFile   = "file"
	ResourceSQLite = "sqlite"
)

// Operation kinds.
const (
	OperationPlayground = "playground"
	OperationScript     = "script"
)

// Sensor kinds.
const (
	SensorInterval = "interval"
	SensorFile     = "file"
)

// Config is the configuration of an autonomic server.
type Config struct {
	// Server configures the HTTP listener.
	Server ServerConfig `json:"server" yaml:"server"`

	// Store configures the SQLite journal. An empty path disables it.
	Store StoreConfig `json:"store" yaml:"store"`

	// Telemetry configures logging, metrics, tracing and events.
	Telemetry TelemetryConfig `json:"telemetry" yaml:"telemetry"`

	// Policies lists Rego files or directories used for admission.
	Policies []string `json:"policies,omitempty" yaml:"policies,omitempty" validate:"dive,required"`

	// WatchPolicies reloads policies when their files change.
	WatchPolicies bool `json:"watch_policies,omitempty" yaml:"watch_policies,omitempty"`

	// Controllers are the drift controllers to register.
	Controllers []ControllerConfig `json:"controllers,omitempty" yaml:"controllers,omitempty" validate:"dive"`

	// Operations are the operations to register.
	Operations []OperationConfig `json:"operations,omitempty" yaml:"operations,omitempty" validate:"dive"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	// Listen is the host:port of the API server.
	Listen string `json:"listen" yaml:"listen" validate:"required,hostname_port"`

	// ShutdownTimeout bounds the graceful shutdown.
	ShutdownTimeout Duration `json:"shutdown_timeout,omitempty" yaml:"shutdown_timeout,omitempty"`
}

// StoreConfig configures the SQLite store.
type StoreConfig struct {
	// Path is the database file.
	Path string `json:"path,omitempty" yaml:"path,omitempty"`
}

// TelemetryConfig is the file form of telemetry.Config.
type TelemetryConfig struct {
	// Environment names the deployment (development, production).
	Environment string `json:"environment,omitempty" yaml:"environment,omitempty"`

	// LogLevel is the minimum log level.
	LogLevel string `json:"log_level,omitempty" yaml:"log_level,omitempty" validate:"omitempty,oneof=trace debug info warn error fatal"`

	// LogFormat is console or json.
	LogFormat string `json:"log_format,omitempty" yaml:"log_format,omitempty" validate:"omitempty,oneof=console json"`

	// Tracing selects the span exporter; empty or none disables tracing.
	Tracing string `json:"tracing,omitempty" yaml:"tracing,omitempty" validate:"omitempty,oneof=otlp stdout none"`

	// TracingEndpoint is the OTLP collector address.
	TracingEndpoint string `json:"tracing_endpoint,omitempty" yaml:"tracing_endpoint,omitempty" validate:"required_if=Tracing otlp"`

	// SamplingRate is the trace sampling ratio.
	SamplingRate float64 `json:"sampling_rate,omitempty" yaml:"sampling_rate,omitempty" validate:"gte=0,lte=1"`

	// DisableMetrics turns Prometheus metrics off.
	DisableMetrics bool `json:"disable_metrics,omitempty" yaml:"disable_metrics,omitempty"`

	// MetricsListen serves metrics on a dedicated listener as well.
	MetricsListen string `json:"metrics_listen,omitempty" yaml:"metrics_listen,omitempty" validate:"omitempty,hostname_port"`

	// DisableEvents turns the event publisher off.
	DisableEvents bool `json:"disable_events,omitempty" yaml:"disable_events,omitempty"`
}

// ControllerConfig describes a drift controller.
type ControllerConfig struct {
	// ID is the controller id; it is also the id of its single operation.
	ID string `json:"id" yaml:"id" validate:"required"`

	// Description is shown in listings.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Resource is the monitored resource.
	Resource ResourceConfig `json:"resource" yaml:"resource"`

	// Desired is the value the resource is corrected to.
	Desired string `json:"desired" yaml:"desired"`

	// Poll is how often the resource is read.
	Poll Duration `json:"poll,omitempty" yaml:"poll,omitempty"`

	// Retry re-attempts failed corrections.
	Retry *RetryConfig `json:"retry,omitempty" yaml:"retry,omitempty"`
}

// ResourceConfig selects where a controller's resource lives.
type ResourceConfig struct {
	// Kind is file or sqlite.
	Kind string `json:"kind" yaml:"kind" validate:"required,oneof=file sqlite"`

	// Path is the file of a file resource.
	Path string `json:"path,omitempty" yaml:"path,omitempty" validate:"required_if=Kind file"`

	// Key is the row key of a sqlite resource.
	Key string `json:"key,omitempty" yaml:"key,omitempty" validate:"required_if=Kind sqlite"`
}

// OperationConfig describes an operation.
type OperationConfig struct {
	// Controller is the group the operation is registered under.
	Controller string `json:"controller" yaml:"controller" validate:"required"`

	// ID is the operation id within the group.
	ID string `json:"id" yaml:"id" validate:"required"`

	// Description is shown in listings.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Kind is playground or script.
	Kind string `json:"kind" yaml:"kind" validate:"required,oneof=playground script"`

	// Script is the Starlark file of a script operation.
	Script string `json:"script,omitempty" yaml:"script,omitempty" validate:"required_if=Kind script"`

	// Retry re-attempts failed invocations.
	Retry *RetryConfig `json:"retry,omitempty" yaml:"retry,omitempty"`

	// Sensor activates the operation automatically.
	Sensor *SensorConfig `json:"sensor,omitempty" yaml:"sensor,omitempty"`
}

// Key returns "controller/id".
func (o OperationConfig) Key() string {
	return o.Controller + "/" + o.ID
}

// RetryConfig is the file form of operation.Retry.
type RetryConfig struct {
	MaxAttempts uint8    `json:"max_attempts" yaml:"max_attempts"`
	Delay       Duration `json:"delay" yaml:"delay"`
}

// ToRetry converts r for manager.WithRetry.
func (r RetryConfig) ToRetry() operation.Retry {
	return operation.Retry{MaxAttempts: r.MaxAttempts, Delay: r.Delay.Std()}
}

// SensorConfig describes the sensor bound to an operation.
type SensorConfig struct {
	// Kind is interval or file.
	Kind string `json:"kind" yaml:"kind" validate:"required,oneof=interval file"`

	// Interval is the wait of an interval sensor, at least one second.
	Interval Duration `json:"interval,omitempty" yaml:"interval,omitempty"`

	// Path is the watched file of a file sensor.
	Path string `json:"path,omitempty" yaml:"path,omitempty" validate:"required_if=Kind file"`

	// Parameters are passed to the operation on every firing.
	Parameters any `json:"parameters,omitempty" yaml:"parameters,omitempty"`

	// Autostart starts the sensor with the server.
	Autostart bool `json:"autostart,omitempty" yaml:"autostart,omitempty"`
}

// ToTelemetry expands the telemetry section into a telemetry.Config.
func (t TelemetryConfig) ToTelemetry() *telemetry.Config {
	cfg := telemetry.DefaultConfig()
	if t.Environment != "" {
		cfg.Environment = t.Environment
	}
	if t.LogLevel != "" {
		cfg.Logging.Level = t.LogLevel
	}
	if t.LogFormat != "" {
		cfg.Logging.Format = t.LogFormat
	}
	switch t.Tracing {
	case "", "none":
		cfg.Tracing.Enabled = false
	default:
		cfg.Tracing.Enabled = true
		cfg.Tracing.Exporter = t.Tracing
		cfg.Tracing.Endpoint = t.TracingEndpoint
		if t.SamplingRate > 0 {
			cfg.Tracing.SamplingRate = t.SamplingRate
		}
	}
	cfg.Metrics.Enabled = !t.DisableMetrics
	cfg.Metrics.ListenAddress = t.MetricsListen
	cfg.Events.Enabled = !t.DisableEvents
	return cfg
}

// ValidationError is one problem found while loading a configuration.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the field path (e.g., "Config.Operations[0].Kind").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`
}

func (e ValidationError) String() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", e.Line, e.Column)
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// ValidationErrors collects every problem of a configuration.
type ValidationErrors []ValidationError

func (errs ValidationErrors) Error() string {
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.String()
	}
	return "invalid configuration: " + strings.Join(msgs, "; ")
}
