// Package logging provides the rank-aware logger shared by all drm
// components. Every line carries the emitting rank so interleaved output
// from a parallel job can still be attributed.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
)

// Logger writes single leveled lines to stderr. Debug lines are dropped
// unless verbose mode is on. Safe for concurrent use; the underlying
// log.Logger serializes writes.
type Logger struct {
	rank    int
	verbose bool
	out     *log.Logger
}

// New creates a logger for the given rank. When verbose is false,
// Debugf calls are discarded.
func New(rank int, verbose bool) *Logger {
	return &Logger{
		rank:    rank,
		verbose: verbose,
		out:     log.New(os.Stderr, "", 0),
	}
}

// NewWithWriter is like New but writes to w. Used by tests.
func NewWithWriter(rank int, verbose bool, w io.Writer) *Logger {
	return &Logger{
		rank:    rank,
		verbose: verbose,
		out:     log.New(w, "", 0),
	}
}

// Rank returns the rank this logger is attached to.
func (l *Logger) Rank() int { return l.rank }

// Verbose reports whether debug output is enabled.
func (l *Logger) Verbose() bool { return l.verbose }

func (l *Logger) emit(level, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	l.out.Printf("drm: rank %d: %s: %s", l.rank, level, msg)
}

// Debugf logs a diagnostic line when verbose mode is enabled.
func (l *Logger) Debugf(format string, args ...any) {
	if !l.verbose {
		return
	}
	l.emit("debug", format, args...)
}

// Infof logs an informational line.
func (l *Logger) Infof(format string, args ...any) {
	l.emit("info", format, args...)
}

// Warnf logs a non-fatal problem (skipped child, failed chmod, ...).
func (l *Logger) Warnf(format string, args ...any) {
	l.emit("warn", format, args...)
}

// Errorf logs a failure the job continues past.
func (l *Logger) Errorf(format string, args ...any) {
	l.emit("error", format, args...)
}
