// Package logging provides structured logging for the sync engine using
// log/slog, with optional rotating file output.
package logging

import (
	"context"
	stderrors "errors"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/quizlight/studysync/errors"
)

// Logger wraps slog.Logger with sync-specific convenience methods.
type Logger struct {
	*slog.Logger
}

// Config holds logger configuration.
type Config struct {
	Level       string `json:"level" mapstructure:"level"`             // debug, info, warn, error
	Format      string `json:"format" mapstructure:"format"`           // text, json
	AddSource   bool   `json:"add_source" mapstructure:"add_source"`   // add source code information
	Environment string `json:"environment" mapstructure:"environment"` // dev, prod, test

	// File enables rotating file output when non-empty. Rotation is handled
	// by lumberjack with the limits below.
	File       string `json:"file" mapstructure:"file"`
	MaxSizeMB  int    `json:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `json:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" mapstructure:"max_age_days"`
}

// DefaultConfig is the configuration used when none is supplied.
var DefaultConfig = Config{
	Level:       "info",
	Format:      "json",
	AddSource:   false,
	Environment: "dev",
	MaxSizeMB:   20,
	MaxBackups:  3,
	MaxAgeDays:  14,
}

var defaultLogger *Logger

// Component identifies the engine component emitting a log record.
type Component string

func (c Component) LogValue() slog.Value {
	return slog.StringValue(string(c))
}

// Entity identifies the collection being synced.
type Entity string

func (e Entity) LogValue() slog.Value {
	return slog.StringValue(string(e))
}

// SyncErrorValuer renders a SyncError as a structured group.
type SyncErrorValuer struct {
	*errors.SyncError
}

func (e SyncErrorValuer) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("operation", string(e.Op)),
		slog.String("component", e.Component),
		slog.String("kind", string(e.Kind)),
		slog.String("entity", e.Entity),
		slog.Bool("retryable", e.Retryable),
		slog.String("error", e.Err.Error()),
	)
}

// NewLogger creates a logger from config.
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

	var out io.Writer = os.Stdout
	if config.File != "" {
		out = &lumberjack.Logger{
			Filename:   config.File,
			MaxSize:    config.MaxSizeMB,
			MaxBackups: config.MaxBackups,
			MaxAge:     config.MaxAgeDays,
			Compress:   true,
		}
	}

	var handler slog.Handler
	if config.Format == "text" || (config.Format == "" && config.Environment == "dev") {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}

	return &Logger{Logger: slog.New(handler)}
}

// Init installs the global logger.
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

// WithComponent returns a child logger with component context.
func (l *Logger) WithComponent(component Component) *Logger {
	return &Logger{Logger: l.With(slog.Any("component", component))}
}

// WithEntity returns a child logger with entity context.
func (l *Logger) WithEntity(entity Entity) *Logger {
	return &Logger{Logger: l.With(slog.Any("entity", entity))}
}

// WithRun returns a child logger tagged with a sync run id, tying the
// records of one cycle together.
func (l *Logger) WithRun(runID string) *Logger {
	return &Logger{Logger: l.With(slog.String("run_id", runID))}
}

// LogError logs err with structured attributes. SyncErrors are expanded into
// their component fields.
func (l *Logger) LogError(ctx context.Context, err error, msg string, attrs ...slog.Attr) {
	all := make([]any, 0, len(attrs)+1)
	var se *errors.SyncError
	if stderrors.As(err, &se) {
		all = append(all, slog.Any("sync_error", SyncErrorValuer{SyncError: se}))
	} else {
		all = append(all, slog.String("error", err.Error()))
	}
	for _, attr := range attrs {
		all = append(all, attr)
	}
	l.ErrorContext(ctx, msg, all...)
}

// LogOperation runs fn, logging start, completion, and duration.
func (l *Logger) LogOperation(ctx context.Context, name string, fn func() error) error {
	start := time.Now()
	l.DebugContext(ctx, "operation started", slog.String("operation", name))

	err := fn()
	duration := time.Since(start)

	if err != nil {
		l.LogError(ctx, err, "operation failed",
			slog.String("operation", name),
			slog.Duration("duration", duration),
		)
		return err
	}

	l.DebugContext(ctx, "operation completed",
		slog.String("operation", name),
		slog.Duration("duration", duration),
	)
	return nil
}

// WithComponent returns a child of the default logger with component context.
func WithComponent(component Component) *Logger {
	return Default().WithComponent(component)
}

// LogError logs err using the default logger.
func LogError(ctx context.Context, err error, msg string, attrs ...slog.Attr) {
	Default().LogError(ctx, err, msg, attrs...)
}
