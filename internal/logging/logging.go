// Package logging provides the leveled logger used throughout cyncd: the
// same Error/Warn/Info/Debug/Trace/Stats surface the project has always
// had, now backed by logrus so log lines flow through its hooks and
// formatters instead of a hand-rolled writer.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Level represents the logging level, kept distinct from logrus.Level so
// callers don't need to import logrus themselves.
type Level int

const (
	// LevelError logs only errors.
	LevelError Level = iota
	// LevelWarn logs warnings and errors.
	LevelWarn
	// LevelInfo logs info, warnings, and errors.
	LevelInfo
	// LevelDebug logs debug messages and above.
	LevelDebug
	// LevelTrace logs everything including trace-level details.
	LevelTrace
)

// String returns the string representation of the log level.
func (l Level) String() string {
	switch l {
	case LevelError:
		return "ERROR"
	case LevelWarn:
		return "WARN"
	case LevelInfo:
		return "INFO"
	case LevelDebug:
		return "DEBUG"
	case LevelTrace:
		return "TRACE"
	default:
		return "UNKNOWN"
	}
}

func (l Level) logrusLevel() logrus.Level {
	switch l {
	case LevelError:
		return logrus.ErrorLevel
	case LevelWarn:
		return logrus.WarnLevel
	case LevelInfo:
		return logrus.InfoLevel
	case LevelDebug:
		return logrus.DebugLevel
	case LevelTrace:
		return logrus.TraceLevel
	default:
		return logrus.InfoLevel
	}
}

// Logger wraps a *logrus.Logger, preserving the level/Stats vocabulary
// the rest of the codebase was written against.
type Logger struct {
	entry *logrus.Logger
	level Level
}

// NewLogger creates a new logger at the specified level, writing to
// stdout with the project's formatter. Color is auto-detected from the
// output's terminal-ness, the same rule the original hand-rolled logger
// used.
func NewLogger(level Level) *Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	l.SetLevel(level.logrusLevel())
	l.SetFormatter(&textFormatter{useColor: isTTY(os.Stdout)})
	return &Logger{entry: l, level: level}
}

// SetOutput sets the output writer for the logger.
func (lg *Logger) SetOutput(w io.Writer) {
	lg.entry.SetOutput(w)
	if f, ok := w.(*os.File); ok {
		lg.SetColorEnabled(isTTY(f))
	} else {
		lg.SetColorEnabled(false)
	}
}

// SetColorEnabled explicitly enables or disables color output.
func (lg *Logger) SetColorEnabled(enabled bool) {
	if f, ok := lg.entry.Formatter.(*textFormatter); ok {
		f.useColor = enabled
	}
}

// SetLevel changes the logging level.
func (lg *Logger) SetLevel(level Level) {
	lg.level = level
	lg.entry.SetLevel(level.logrusLevel())
}

// GetLevel returns the current logging level.
func (lg *Logger) GetLevel() Level {
	return lg.level
}

// Error logs an error message.
func (lg *Logger) Error(format string, args ...interface{}) {
	lg.entry.Errorf(format, args...)
}

// Warn logs a warning message.
func (lg *Logger) Warn(format string, args ...interface{}) {
	lg.entry.Warnf(format, args...)
}

// Info logs an informational message.
func (lg *Logger) Info(format string, args ...interface{}) {
	lg.entry.Infof(format, args...)
}

// Debug logs a debug message.
func (lg *Logger) Debug(format string, args ...interface{}) {
	lg.entry.Debugf(format, args...)
}

// Trace logs a trace message (most verbose).
func (lg *Logger) Trace(format string, args ...interface{}) {
	lg.entry.Tracef(format, args...)
}

// Stats logs a statistics line. logrus has no STATS level, so this rides
// at Error level (enabled at every Level, so statistics are never filtered
// out) tagged with kind=stats, which the formatter renders the same way
// the original logger rendered its bespoke STATS lines.
func (lg *Logger) Stats(format string, args ...interface{}) {
	lg.entry.WithField("kind", "stats").Logf(logrus.ErrorLevel, format, args...)
}

// ParseLevel parses a string into a Level.
// Valid values: error, warn, info, debug, trace (case-insensitive).
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "error":
		return LevelError, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "info":
		return LevelInfo, nil
	case "debug":
		return LevelDebug, nil
	case "trace":
		return LevelTrace, nil
	default:
		return LevelInfo, fmt.Errorf("invalid log level %q: must be error, warn, info, debug, or trace", s)
	}
}

// isTTY checks if the given file is a terminal.
func isTTY(f *os.File) bool {
	if f == nil {
		return false
	}
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}
