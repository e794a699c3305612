// Package devilog provides the structured logging used at subsystem
// boundaries (open, recovery, checkpoint, GC, commit). It is a thin
// wrapper over zerolog, kept deliberately sparse: devi does not log
// per-document operations, only state transitions a human would want
// in an incident timeline.
package devilog

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Logger wraps a zerolog.Logger scoped to the "devi" service.
type Logger struct {
	z zerolog.Logger
}

// Config controls verbosity and output destination.
type Config struct {
	Level  string // debug, info, warn, error; default info
	Pretty bool
	Output io.Writer
}

// New builds a Logger from cfg. A zero-value Config yields an
// info-level logger writing to stderr.
func New(cfg Config) *Logger {
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: out}
	}

	z := zerolog.New(out).Level(level).With().Timestamp().Str("component", "devi").Logger()
	return &Logger{z: z}
}

// Nop returns a Logger that discards everything; used as the default
// when a Database is opened without an explicit logger.
func Nop() *Logger {
	return &Logger{z: zerolog.Nop()}
}

func (l *Logger) Debug() *zerolog.Event { return l.z.Debug() }
func (l *Logger) Info() *zerolog.Event  { return l.z.Info() }
func (l *Logger) Warn() *zerolog.Event  { return l.z.Warn() }
func (l *Logger) Error() *zerolog.Event { return l.z.Error() }

// With returns a child logger carrying an extra "path" field, used so
// that every line from a given Database instance can be correlated.
func (l *Logger) With(path string) *Logger {
	return &Logger{z: l.z.With().Str("path", path).Logger()}
}
