// Package log provides go-ethereum-style structured logging (Info/Debug/
// Warn/Error/Crit with alternating key-value pairs) on top of the standard
// library's slog, plus a rotating file handler for long-running daemons.
package log

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger is the interface every NDS component logs through. It is satisfied
// by *slog.Logger via the wrapper below, and by Root().
type Logger interface {
	Debug(msg string, ctx ...interface{})
	Info(msg string, ctx ...interface{})
	Warn(msg string, ctx ...interface{})
	Error(msg string, ctx ...interface{})
	Crit(msg string, ctx ...interface{})
	With(ctx ...interface{}) Logger
}

type logger struct {
	inner *slog.Logger
}

var root Logger = &logger{inner: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))}

// Root returns the package-level default logger.
func Root() Logger { return root }

// SetDefault replaces the package-level default logger, e.g. to point it at
// a rotating file handler in a long-running process.
func SetDefault(l Logger) { root = l }

// New returns a child logger with ctx key/value pairs merged into every
// subsequent record, matching go-ethereum's log.New.
func New(ctx ...interface{}) Logger { return root.With(ctx...) }

func Debug(msg string, ctx ...interface{}) { root.Debug(msg, ctx...) }
func Info(msg string, ctx ...interface{})  { root.Info(msg, ctx...) }
func Warn(msg string, ctx ...interface{})  { root.Warn(msg, ctx...) }
func Error(msg string, ctx ...interface{}) { root.Error(msg, ctx...) }
func Crit(msg string, ctx ...interface{})  { root.Crit(msg, ctx...) }

func (l *logger) Debug(msg string, ctx ...interface{}) { l.inner.Debug(msg, pairs(ctx)...) }
func (l *logger) Info(msg string, ctx ...interface{})  { l.inner.Info(msg, pairs(ctx)...) }
func (l *logger) Warn(msg string, ctx ...interface{})  { l.inner.Warn(msg, pairs(ctx)...) }
func (l *logger) Error(msg string, ctx ...interface{}) { l.inner.Error(msg, pairs(ctx)...) }

// Crit logs at error level and terminates the process, matching
// go-ethereum's log.Crit (reserved for invariant violations the design
// explicitly treats as fatal, e.g. a corrupt dict/expires relationship).
func (l *logger) Crit(msg string, ctx ...interface{}) {
	l.inner.Error(msg, pairs(ctx)...)
	os.Exit(1)
}

func (l *logger) With(ctx ...interface{}) Logger {
	return &logger{inner: l.inner.With(pairs(ctx)...)}
}

// pairs tolerates an odd-length ctx (a common copy/paste slip) by padding
// the trailing key with a placeholder value instead of panicking.
func pairs(ctx []interface{}) []interface{} {
	if len(ctx)%2 != 0 {
		ctx = append(ctx, "MISSING")
	}
	return ctx
}

// NewFileHandler builds a Logger that writes logfmt-style records to a
// rotating file, using lumberjack for size/age-based rotation the way
// go-ethereum's node package configures its file log sink.
func NewFileHandler(path string, maxSizeMB, maxBackups, maxAgeDays int) Logger {
	w := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		MaxAge:     maxAgeDays,
		Compress:   true,
	}
	return &logger{inner: slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo}))}
}

// Fields renders ctx key/value pairs into a single string, for callers that
// need to embed a log-style tag inside an error message.
func Fields(ctx ...interface{}) string {
	p := pairs(ctx)
	s := ""
	for i := 0; i < len(p); i += 2 {
		s += fmt.Sprintf("%v=%v ", p[i], p[i+1])
	}
	return s
}
