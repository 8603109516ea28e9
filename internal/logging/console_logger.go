package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/term"
)

// ConsoleLogger renders log messages through slog with a tint handler.
// Colour is used only when the destination is a terminal.
// Safe for concurrent use by multiple goroutines.
type ConsoleLogger struct {
	logger *slog.Logger
}

// NewConsoleLogger creates a ConsoleLogger writing to stderr.
// If verbose is true, Verbose() calls will produce output.
// If verbose is false, Verbose() calls are no-ops.
func NewConsoleLogger(verbose bool) *ConsoleLogger {
	return NewConsoleLoggerTo(os.Stderr, verbose)
}

// NewConsoleLoggerTo creates a ConsoleLogger writing to w.
func NewConsoleLoggerTo(w io.Writer, verbose bool) *ConsoleLogger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	handler := tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: time.TimeOnly,
		NoColor:    !isTerminal(w),
	})
	return &ConsoleLogger{logger: slog.New(handler)}
}

// FromSlog adapts an existing slog.Logger, e.g. one with a JSON handler.
func FromSlog(logger *slog.Logger) *ConsoleLogger {
	return &ConsoleLogger{logger: logger}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// Verbose logs detailed diagnostic information if verbose mode is enabled.
func (l *ConsoleLogger) Verbose(format string, args ...interface{}) {
	l.logger.Debug(render(format, args))
}

// Info logs informational messages about normal operations.
func (l *ConsoleLogger) Info(format string, args ...interface{}) {
	l.logger.Info(render(format, args))
}

// Warn logs non-fatal conditions.
func (l *ConsoleLogger) Warn(format string, args ...interface{}) {
	l.logger.Warn(render(format, args))
}

// Error logs error messages.
func (l *ConsoleLogger) Error(format string, args ...interface{}) {
	l.logger.Error(render(format, args))
}

func render(format string, args []interface{}) string {
	if len(args) == 0 {
		return format
	}
	return fmt.Sprintf(format, args...)
}
