// Package logging wraps zerolog behind a small Logger interface so the
// rest of the daemon can emit structured logs without importing zerolog,
// with JSON output in production and console output in development.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Level names a minimum logging severity.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

var zerologLevels = map[Level]zerolog.Level{
	LevelDebug: zerolog.DebugLevel,
	LevelInfo:  zerolog.InfoLevel,
	LevelWarn:  zerolog.WarnLevel,
	LevelError: zerolog.ErrorLevel,
}

// Config holds logger settings.
type Config struct {
	Level Level

	// ServiceName and Environment are stamped on every entry.
	ServiceName string
	Environment string

	// JSONFormat selects JSON output; console output otherwise.
	JSONFormat bool

	// Output defaults to os.Stdout.
	Output io.Writer
}

// DefaultConfig returns development-friendly settings.
func DefaultConfig() *Config {
	return &Config{
		Level:       LevelInfo,
		ServiceName: "inlet",
		Environment: "development",
		Output:      os.Stdout,
	}
}

// Logger is the structured logging interface the daemon components use.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)

	// With returns a child logger carrying the fields on every entry.
	With(fields ...Field) Logger
}

// Field is a typed key-value pair attached to a log entry.
type Field struct {
	Key   string
	Value interface{}
}

// F builds a Field.
func F(key string, value interface{}) Field {
	return Field{Key: key, Value: value}
}

// Err builds the conventional error field.
func Err(err error) Field {
	return Field{Key: "error", Value: err}
}

// apply writes the field onto a zerolog event with its native type.
func (f Field) apply(e *zerolog.Event) *zerolog.Event {
	switch v := f.Value.(type) {
	case string:
		return e.Str(f.Key, v)
	case int:
		return e.Int(f.Key, v)
	case int64:
		return e.Int64(f.Key, v)
	case float64:
		return e.Float64(f.Key, v)
	case bool:
		return e.Bool(f.Key, v)
	case error:
		return e.Err(v)
	case time.Duration:
		return e.Dur(f.Key, v)
	case time.Time:
		return e.Time(f.Key, v)
	default:
		return e.Interface(f.Key, v)
	}
}

type logger struct {
	zl zerolog.Logger
}

// NewLogger builds a Logger from cfg, falling back to DefaultConfig when
// cfg is nil.
func NewLogger(cfg *Config) Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	var out io.Writer = os.Stdout
	if cfg.Output != nil {
		out = cfg.Output
	}
	if !cfg.JSONFormat {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	level, ok := zerologLevels[cfg.Level]
	if !ok {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	zl := zerolog.New(out).With().
		Timestamp().
		Str("service_name", cfg.ServiceName).
		Str("environment", cfg.Environment).
		Logger()
	return &logger{zl: zl}
}

func (l *logger) Debug(msg string, fields ...Field) { l.emit(l.zl.Debug(), msg, fields) }
func (l *logger) Info(msg string, fields ...Field)  { l.emit(l.zl.Info(), msg, fields) }
func (l *logger) Warn(msg string, fields ...Field)  { l.emit(l.zl.Warn(), msg, fields) }
func (l *logger) Error(msg string, fields ...Field) { l.emit(l.zl.Error(), msg, fields) }

func (l *logger) emit(e *zerolog.Event, msg string, fields []Field) {
	for _, f := range fields {
		e = f.apply(e)
	}
	e.Msg(msg)
}

func (l *logger) With(fields ...Field) Logger {
	ctx := l.zl.With()
	for _, f := range fields {
		if err, ok := f.Value.(error); ok {
			ctx = ctx.AnErr(f.Key, err)
			continue
		}
		ctx = ctx.Interface(f.Key, f.Value)
	}
	return &logger{zl: ctx.Logger()}
}

var global Logger

// SetGlobal installs the process-wide logger.
func SetGlobal(l Logger) {
	global = l
}

// Global returns the process-wide logger, initializing a default one on
// first use.
func Global() Logger {
	if global == nil {
		global = NewLogger(DefaultConfig())
	}
	return global
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...Field) {}
func (nopLogger) Info(string, ...Field)  {}
func (nopLogger) Warn(string, ...Field)  {}
func (nopLogger) Error(string, ...Field) {}
func (nopLogger) With(...Field) Logger   { return nopLogger{} }

// NewNopLogger returns a logger that discards everything, for tests.
func NewNopLogger() Logger {
	return nopLogger{}
}
