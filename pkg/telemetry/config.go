package telemetry

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// Config holds the observability settings of one autonomic process.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string

	Logging LoggingConfig
	Tracing TracingConfig
	Metrics MetricsConfig
	Events  EventsConfig
}

// LoggingConfig selects level, encoding and destination of the process log.
type LoggingConfig struct {
	// Level is one of trace, debug, info, warn, error or fatal.
	Level string

	// Format is "console" for humans or "json" for collectors.
	Format string

	// Output is stdout, stderr or a file path opened for appending.
	Output string

	// Caller adds the file:line of the logging call.
	Caller bool

	// TimeFormat is rfc3339, unix or unixms.
	TimeFormat string
}

// TracingConfig controls the invocation spans.
type TracingConfig struct {
	Enabled bool

	// Exporter is otlp, stdout or none. With none spans are sampled but
	// never leave the process.
	Exporter string

	// Endpoint is the OTLP/gRPC collector address.
	Endpoint string

	// SamplingRate is the fraction of root spans kept, between 0 and 1.
	SamplingRate float64

	MaxExportBatchSize int
	ExportTimeout      time.Duration

	// Insecure dials the collector without TLS.
	Insecure bool
}

// MetricsConfig controls the Prometheus collectors.
type MetricsConfig struct {
	Enabled bool

	// ListenAddress starts a dedicated metrics listener. Empty means metrics
	// are only exposed on the API server.
	ListenAddress string
	Path          string
	Namespace     string

	// DurationBuckets are the invocation duration histogram buckets in seconds.
	DurationBuckets []float64
}

// EventsConfig controls the audit event publisher.
type EventsConfig struct {
	Enabled bool

	// BufferSize bounds the queue of the asynchronous publisher.
	BufferSize int

	// FlushInterval and MaxBatchSize decide when a queued batch is delivered.
	FlushInterval time.Duration
	MaxBatchSize  int

	// EnableAsync delivers events from a background goroutine instead of the
	// publishing one.
	EnableAsync bool
}

var (
	logLevels     = []string{"trace", "debug", "info", "warn", "error", "fatal"}
	logFormats    = []string{"console", "json"}
	exporterKinds = []string{"otlp", "stdout", "none"}
)

// DefaultConfig returns the settings used when the configuration file has
// no telemetry section: console logs at info, metrics and asynchronous events
// on, tracing off.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "autonomic",
		ServiceVersion: "dev",
		Environment:    "development",
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			Output:     "stdout",
			Caller:     false,
			TimeFormat: "rfc3339",
		},
		Tracing: TracingConfig{
			Exporter:           "none",
			SamplingRate:       1,
			MaxExportBatchSize: 256,
			ExportTimeout:      10 * time.Second,
			Insecure:           true,
		},
		Metrics: MetricsConfig{
			Enabled:         true,
			Path:            "/metrics",
			Namespace:       "autonomic",
			DurationBuckets: []float64{0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		Events: EventsConfig{
			Enabled:       true,
			BufferSize:    512,
			FlushInterval: 2 * time.Second,
			MaxBatchSize:  64,
			EnableAsync:   true,
		},
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.ServiceName == "" {
		errs = append(errs, errors.New("service name is required"))
	}
	if !slices.Contains(logLevels, c.Logging.Level) {
		errs = append(errs, fmt.Errorf("invalid log level %q", c.Logging.Level))
	}
	if !slices.Contains(logFormats, c.Logging.Format) {
		errs = append(errs, fmt.Errorf("invalid log format %q, want console or json", c.Logging.Format))
	}
	if c.Tracing.Enabled && !slices.Contains(exporterKinds, c.Tracing.Exporter) {
		errs = append(errs, fmt.Errorf("invalid trace exporter %q", c.Tracing.Exporter))
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		errs = append(errs, fmt.Errorf("trace sampling rate %g is outside [0, 1]", c.Tracing.SamplingRate))
	}
	if c.Metrics.Enabled && c.Metrics.ListenAddress != "" && c.Metrics.Path == "" {
		errs = append(errs, errors.New("metrics path is required with a metrics listen address"))
	}
	if c.Events.Enabled && c.Events.EnableAsync && c.Events.BufferSize <= 0 {
		errs = append(errs, fmt.Errorf("event buffer size must be positive, got %d", c.Events.BufferSize))
	}
	return errors.Join(errs...)
}
