package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is a zerolog logger that knows how to tag placement work. The embedded
// zerolog.Logger provides the event API (Info, Warn, Err and so on).
type Logger struct {
	zerolog.Logger
	closer io.Closer
}

type loggerContextKey struct{}

var timeFieldFormats = map[string]string{
	"rfc3339": time.RFC3339,
	"unix":    zerolog.TimeFormatUnix,
	"unixms":  zerolog.TimeFormatUnixMs,
	"kitchen": time.RFC3339,
}

// NewLogger opens cfg.Output ("stdout", "stderr" or a file path to append to) and
// builds a logger on it. Close releases the file.
func NewLogger(cfg LoggingConfig) (*Logger, error) {
	switch cfg.Output {
	case "stdout":
		return NewLoggerTo(cfg, os.Stdout), nil
	case "stderr", "":
		return NewLoggerTo(cfg, os.Stderr), nil
	}

	file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log output: %w", err)
	}
	l := build(cfg, file, true)
	l.closer = file
	return l, nil
}

// NewLoggerTo builds a logger on w and ignores cfg.Output.
func NewLoggerTo(cfg LoggingConfig, w io.Writer) *Logger {
	return build(cfg, w, false)
}

func build(cfg LoggingConfig, w io.Writer, toFile bool) *Logger {
	if format, ok := timeFieldFormats[cfg.TimeFormat]; ok {
		zerolog.TimeFieldFormat = format
	}

	if cfg.Format == "console" {
		consoleTime := time.RFC3339
		if cfg.TimeFormat == "kitchen" {
			consoleTime = time.Kitchen
		}
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: consoleTime, NoColor: toFile}
	}

	ctx := zerolog.New(w).Level(ParseLevel(cfg.Level)).With().Timestamp()
	if cfg.EnableCaller {
		ctx = ctx.Caller()
	}
	zl := ctx.Logger()

	if cfg.EnableSampling {
		zl = zl.Sample(&zerolog.BurstSampler{
			Burst:       uint32(cfg.SamplingInitial),
			Period:      time.Second,
			NextSampler: &zerolog.BasicSampler{N: uint32(cfg.SamplingThereafter)},
		})
	}
	return &Logger{Logger: zl}
}

// Zerolog returns the plain logger for packages that take a zerolog.Logger.
func (l *Logger) Zerolog() zerolog.Logger {
	return l.Logger
}

func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// Str returns a child logger carrying one more string field.
func (l *Logger) Str(key, value string) *Logger {
	return &Logger{Logger: l.With().Str(key, value).Logger()}
}

// ForPlacement tags entries with the placement id.
func (l *Logger) ForPlacement(placementID string) *Logger {
	return l.Str("placement_id", placementID)
}

// ForStage tags entries with the pipeline stage.
func (l *Logger) ForStage(stage string) *Logger {
	return l.Str("stage", stage)
}

// ForModule tags entries with the destination module identifiers.
func (l *Logger) ForModule(project, reference, module string) *Logger {
	return &Logger{Logger: l.With().
		Str("project", project).
		Str("reference", reference).
		Str("module", module).
		Logger()}
}

// WithContext stores the logger in ctx.
func (l *Logger) WithContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, loggerContextKey{}, l)
}

// FromContext returns the logger stored in ctx, or an info-level stderr logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerContextKey{}).(*Logger); ok {
		return l
	}
	return NewLoggerTo(LoggingConfig{Level: "info", Format: "json"}, os.Stderr)
}

// ParseLevel maps a level name to a zerolog level. "warning" is accepted for
// "warn"; unknown names mean info.
func ParseLevel(level string) zerolog.Level {
	if level == "warning" {
		return zerolog.WarnLevel
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		return zerolog.InfoLevel
	}
	return lvl
}
