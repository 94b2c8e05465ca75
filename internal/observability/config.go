package observability

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// Config represents the complete observability configuration
type Config struct {
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
	Tracing TracingConfig `mapstructure:"tracing" yaml:"tracing"`
}

// LoggingConfig configures logging
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`   // debug, info, warn, error
	Format string `mapstructure:"format" yaml:"format"` // json, text
	File   string `mapstructure:"file" yaml:"file"`     // optional JSON debug log, appended
}

// DefaultConfig returns the default observability configuration
func DefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Tracing: TracingConfig{
			Enabled:        false,
			Exporter:       "otlp",
			OTLPEndpoint:   "localhost:4318",
			SampleRate:     1.0,
			ServiceName:    "ctxbudget",
			ServiceVersion: "0.1.0",
		},
	}
}

// Observability bundles the process-wide logger and tracer. FileLogger is nil
// unless logging.file is set.
type Observability struct {
	Logger     *Logger
	FileLogger *Logger
	Tracer     *TracerProvider

	logFile io.Closer
}

// New installs the configured logger as the default and builds the tracer.
// Output defaults to stderr so command output on stdout stays machine-readable.
func New(config Config, output io.Writer) (*Observability, error) {
	if output == nil {
		output = os.Stderr
	}
	logger := NewLogger(LogConfig{
		Level:  config.Logging.Level,
		Format: config.Logging.Format,
		Output: output,
	})
	SetDefaultLogger(logger)

	obs := &Observability{Logger: logger}
	if path := strings.TrimSpace(config.Logging.File); path != "" {
		file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		obs.FileLogger = NewLogger(LogConfig{Level: "debug", Format: "json", Output: file})
		obs.logFile = file
	}

	tracer, err := NewTracerProvider(config.Tracing)
	if err != nil {
		if obs.logFile != nil {
			_ = obs.logFile.Close()
		}
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	obs.Tracer = tracer
	return obs, nil
}

// Shutdown flushes pending spans and closes the log file.
func (o *Observability) Shutdown(ctx context.Context) error {
	if o == nil {
		return nil
	}
	var errs []error
	if o.Tracer != nil {
		if err := o.Tracer.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errs = append(errs, fmt.Errorf("shutdown tracing: %w", err))
		}
	}
	if o.logFile != nil {
		if err := o.logFile.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close log file: %w", err))
		}
		o.logFile = nil
	}
	return errors.Join(errs...)
}
