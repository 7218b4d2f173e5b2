// Package logging provides structured logging for the sync engine using
// Go's log/slog package.
package logging

import (
	"log/slog"
	"os"

	"github.com/veldra/fleetsync/errors"
)

// Logger wraps slog.Logger with engine-specific convenience methods.
type Logger struct {
	*slog.Logger
}

// Config holds logger configuration.
type Config struct {
	Level     string `yaml:"level"`      // debug, info, warn, error
	Format    string `yaml:"format"`     // text, json
	AddSource bool   `yaml:"add_source"` // include source position
}

// DefaultConfig is the configuration used when none is supplied.
var DefaultConfig = Config{
	Level:  "info",
	Format: "text",
}

var defaultLogger *Logger

// Component identifies an engine component in log output.
type Component string

func (c Component) LogValue() slog.Value {
	return slog.StringValue(string(c))
}

// Operation identifies a sync operation in log output.
type Operation string

func (o Operation) LogValue() slog.Value {
	return slog.StringValue(string(o))
}

// SyncErrorValuer renders a SyncError as a structured log group.
type SyncErrorValuer struct {
	*errors.SyncError
}

func (e SyncErrorValuer) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("operation", string(e.Op)),
		slog.String("component", e.Component),
		slog.String("kind", string(e.Kind)),
		slog.Bool("retryable", e.Retryable),
		slog.String("error", e.Err.Error()),
	)
}

// NewLogger creates a logger with the provided configuration.
func NewLogger(config Config) *Logger {
	var level slog.Level
	switch config.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: config.AddSource,
	}

	var handler slog.Handler
	if config.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return &Logger{Logger: slog.New(handler)}
}

// Init initializes the global logger.
func Init(config Config) {
	defaultLogger = NewLogger(config)
	slog.SetDefault(defaultLogger.Logger)
}

// Default returns the global logger, initializing it on first use.
func Default() *Logger {
	if defaultLogger == nil {
		Init(DefaultConfig)
	}
	return defaultLogger
}

// WithComponent creates a child logger with component context.
func (l *Logger) WithComponent(component Component) *Logger {
	return &Logger{Logger: l.With(slog.Any("component", component))}
}

// WithOperation creates a child logger with operation context.
func (l *Logger) WithOperation(op Operation) *Logger {
	return &Logger{Logger: l.With(slog.Any("operation", op))}
}

// LogError logs err with structured attributes. SyncErrors are expanded
// into their operation/component/kind parts.
func (l *Logger) LogError(err error, msg string, args ...any) {
	if syncErr, ok := err.(*errors.SyncError); ok {
		args = append(args, slog.Any("sync_error", SyncErrorValuer{SyncError: syncErr}))
	} else {
		args = append(args, slog.String("error", err.Error()))
	}
	l.Error(msg, args...)
}

// WithComponent creates a child of the default logger with component context.
func WithComponent(component Component) *Logger {
	return Default().WithComponent(component)
}
