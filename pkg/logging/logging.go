package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger is the leveled logging handle passed to every component.
type Logger interface {
	Debug(a ...any)
	Debugf(format string, v ...any)
	Info(a ...any)
	Infof(format string, v ...any)
	Warn(a ...any)
	Warnf(format string, v ...any)
	Error(a ...any)
	Errorf(format string, v ...any)
	Fatalf(format string, v ...any)

	// With returns a logger carrying the given key/value attributes,
	// e.g. With("protocol", "udp").
	With(args ...any) Logger

	// SetLevel changes the level of this logger and every logger derived from it.
	SetLevel(level slog.Level)
}

type Config struct {
	Level  string
	Format string
	Output io.Writer
}

type logger struct {
	slog  *slog.Logger
	level *slog.LevelVar
}

// NewDefaultLogger returns an info level text logger on stderr.
func NewDefaultLogger() Logger {
	return New(Config{})
}

func New(cfg Config) Logger {
	level := new(slog.LevelVar) // Info by default
	level.Set(ParseLevel(cfg.Level))

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	return &logger{slog: slog.New(handler), level: level}
}

// Discard returns a logger that drops everything.
func Discard() Logger {
	return New(Config{Output: io.Discard, Level: "error"})
}

func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (l *logger) SetLevel(level slog.Level) {
	l.level.Set(level)
}

func (l *logger) With(args ...any) Logger {
	return &logger{slog: l.slog.With(args...), level: l.level}
}

func (l *logger) Debug(a ...any) {
	l.slog.Debug(fmt.Sprint(a...))
}

func (l *logger) Debugf(format string, v ...any) {
	l.slog.Debug(fmt.Sprintf(format, v...))
}

func (l *logger) Info(a ...any) {
	l.slog.Info(fmt.Sprint(a...))
}

func (l *logger) Infof(format string, v ...any) {
	l.slog.Info(fmt.Sprintf(format, v...))
}

func (l *logger) Warn(a ...any) {
	l.slog.Warn(fmt.Sprint(a...))
}

func (l *logger) Warnf(format string, v ...any) {
	l.slog.Warn(fmt.Sprintf(format, v...))
}

func (l *logger) Error(a ...any) {
	l.slog.Error(fmt.Sprint(a...))
}

func (l *logger) Errorf(format string, v ...any) {
	l.slog.Error(fmt.Sprintf(format, v...))
}

func (l *logger) Fatalf(format string, v ...any) {
	l.slog.Error(fmt.Sprintf(format, v...))
	os.Exit(1)
}
