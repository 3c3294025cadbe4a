// Package logger provides standardized logging utilities for the Kaleidoscope compiler
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// Global logger instance. Nil until Init runs, so library use stays silent.
var defaultLogger *slog.Logger

// LogLevel represents the logging level
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l LogLevel) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// ParseLevel maps debug, info, warn (or warning) and error to a LogLevel.
func ParseLevel(s string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "info", "":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// Config holds logger configuration
type Config struct {
	Level     LogLevel
	Format    string // "text" or "json"
	Output    io.Writer
	AddSource bool
	LogFile   string
}

// DefaultConfig returns the default logger configuration
func DefaultConfig() Config {
	return Config{
		Level:     LevelWarn,
		Format:    "text",
		Output:    os.Stderr,
		AddSource: false,
	}
}

// Init initializes the global logger with the given configuration
func Init(cfg Config) error {
	var handler slog.Handler

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.LogFile != "" {
		file, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return err
		}
		output = file
	}

	opts := &slog.HandlerOptions{
		Level:     toSlogLevel(cfg.Level),
		AddSource: cfg.AddSource,
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = slog.NewTextHandler(output, opts)
	}

	defaultLogger = slog.New(handler)
	slog.SetDefault(defaultLogger)

	return nil
}

// Reset discards the global logger; logging goes nowhere again.
func Reset() {
	defaultLogger = nil
}

func toSlogLevel(level LogLevel) slog.Level {
	switch level {
	case LevelDebug:
		return slog.LevelDebug
	case LevelInfo:
		return slog.LevelInfo
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Debug logs a debug message
func Debug(msg string, args ...any) {
	if defaultLogger != nil {
		defaultLogger.Debug(msg, args...)
	}
}

// Info logs an info message
func Info(msg string, args ...any) {
	if defaultLogger != nil {
		defaultLogger.Info(msg, args...)
	}
}

// Warn logs a warning message
func Warn(msg string, args ...any) {
	if defaultLogger != nil {
		defaultLogger.Warn(msg, args...)
	}
}

// Error logs an error message
func Error(msg string, args ...any) {
	if defaultLogger != nil {
		defaultLogger.Error(msg, args...)
	}
}

// With returns a new logger with the given attributes. Before Init it
// discards everything.
func With(args ...any) *slog.Logger {
	if defaultLogger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return defaultLogger.With(args...)
}

// Compiler-specific logging helpers

// LogPhase logs the start of a compilation phase
func LogPhase(phase string) {
	Debug("Starting compilation phase", "phase", phase)
}

// LogPhaseComplete logs the completion of a compilation phase
func LogPhaseComplete(phase string, elapsed time.Duration) {
	Debug("Completed compilation phase", "phase", phase, "elapsed", elapsed)
}

// LogParsing logs parsing activity
func LogParsing(bytes int, itemCount int) {
	Debug("Parsing complete", "bytes", bytes, "items", itemCount)
}

// LogSSAGeneration logs SSA generation
func LogSSAGeneration(funcName string, blockCount int) {
	Debug("SSA generation complete", "function", funcName, "blocks", blockCount)
}

// LogCodeGen logs code generation
func LogCodeGen(target string, funcName string, instructionCount int) {
	Debug("Code generation complete",
		"target", target,
		"function", funcName,
		"instructions", instructionCount)
}

// LogOptimization logs optimization passes
func LogOptimization(pass string, changeCount int) {
	Debug("Optimization pass complete", "pass", pass, "changes", changeCount)
}

// LogExecution logs a finished run of the entry function
func LogExecution(result float64, elapsed time.Duration) {
	Debug("Execution complete", "result", result, "elapsed", elapsed)
}

// LogError logs a compilation error
func LogError(phase string, file string, err error) {
	Error("Compilation error",
		"phase", phase,
		"file", file,
		"error", err)
}

// LogFileProcessing logs file processing start
func LogFileProcessing(file string) {
	Info("Processing file", "file", file)
}
