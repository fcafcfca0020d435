package telemetry

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the full telemetry setup for one equiplace process.
type Config struct {
	ServiceName    string `validate:"required"`
	ServiceVersion string `validate:"required"`

	// Environment names the workstation or site, recorded on every span.
	Environment string

	Logging LoggingConfig
	Tracing TracingConfig
	Metrics MetricsConfig
	Events  EventsConfig
}

// LoggingConfig configures the zerolog logger.
type LoggingConfig struct {
	Level  string `validate:"oneof=trace debug info warn error fatal"`
	Format string `validate:"oneof=console json"`

	// Output is stdout, stderr or a file path appended to.
	Output string

	EnableCaller bool

	// Sampling keeps a burst of SamplingInitial messages per second, then every
	// SamplingThereafter-th one.
	EnableSampling     bool
	SamplingInitial    int `validate:"omitempty,min=1"`
	SamplingThereafter int `validate:"omitempty,min=1"`

	// TimeFormat is rfc3339, unix, unixms or kitchen.
	TimeFormat string `validate:"omitempty,oneof=rfc3339 unix unixms kitchen"`
}

// TracingConfig configures OpenTelemetry span export.
type TracingConfig struct {
	Enabled  bool
	Exporter string `validate:"oneof=otlp stdout none"`

	// Endpoint is the OTLP gRPC collector, e.g. "localhost:4317".
	Endpoint string

	SamplingRate       float64 `validate:"gte=0,lte=1"`
	MaxExportBatchSize int     `validate:"omitempty,min=1"`
	ExportTimeout      time.Duration
	Headers            map[string]string
	Insecure           bool
}

// MetricsConfig configures the Prometheus registry and its HTTP endpoint.
type MetricsConfig struct {
	Enabled bool

	// ListenAddress empty keeps collecting without serving.
	ListenAddress string
	Path          string `validate:"omitempty,startswith=/"`
	Namespace     string `validate:"required"`

	// DefaultHistogramBuckets are stage and placement latency buckets in seconds.
	DefaultHistogramBuckets []float64
}

// EventsConfig configures the placement event publisher.
type EventsConfig struct {
	Enabled     bool
	BufferSize  int
	EnableAsync bool
}

// DefaultConfig logs info to stderr on the console, collects events synchronously
// and leaves tracing and metrics off.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "equiplace",
		ServiceVersion: "dev",
		Environment:    "workstation",
		Logging: LoggingConfig{
			Level:              "info",
			Format:             "console",
			Output:             "stderr",
			SamplingInitial:    100,
			SamplingThereafter: 100,
			TimeFormat:         "rfc3339",
		},
		Tracing: TracingConfig{
			Exporter:           "none",
			SamplingRate:       1.0,
			MaxExportBatchSize: 512,
			ExportTimeout:      30 * time.Second,
			Insecure:           true,
		},
		Metrics: MetricsConfig{
			Path:      "/metrics",
			Namespace: "equiplace",
			DefaultHistogramBuckets: []float64{
				0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300,
			},
		},
		Events: EventsConfig{
			Enabled:    true,
			BufferSize: 256,
		},
	}
}

// Validate checks field constraints and the rules that span sections.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return fmt.Errorf("invalid telemetry config: %s fails %q (got %v)", fe.Namespace(), fe.Tag(), fe.Value())
		}
		return fmt.Errorf("invalid telemetry config: %w", err)
	}

	if c.Tracing.Enabled && c.Tracing.Exporter == "otlp" && c.Tracing.Endpoint == "" {
		return errors.New("invalid telemetry config: otlp exporter requires an endpoint")
	}
	if c.Events.Enabled && c.Events.BufferSize <= 0 {
		return fmt.Errorf("invalid telemetry config: event buffer size must be positive, got %d", c.Events.BufferSize)
	}
	return nil
}
