package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/easwatch/easwatch/internal/conf"
)

var structuredLogger *slog.Logger
var humanReadableLogger *slog.Logger

const (
	LevelTrace = slog.Level(-8)
	LevelFatal = slog.Level(12)
)

// Add trace and fatal level names.
var levelNames = map[slog.Leveler]string{
	LevelTrace: "TRACE",
	LevelFatal: "FATAL",
}

// levelReplaceAttr renders the custom TRACE/FATAL level names.
func levelReplaceAttr(groups []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey {
		level := a.Value.Any().(slog.Level)
		levelLabel, exists := levelNames[level]
		if !exists {
			levelLabel = level.String()
		}
		a.Value = slog.StringValue(levelLabel)
	}
	return a
}

// Init initializes the logging system with structured and human-readable
// loggers: JSON to stdout for machine consumption, Text to stderr for
// operators.
func Init() {
	initLoggers(os.Stdout, os.Stderr, slog.LevelDebug, slog.LevelInfo)
}

// SetLevel sets the minimum logging level for both loggers.
func SetLevel(level slog.Level) {
	initLoggers(os.Stdout, os.Stderr, level, level)
}

// SetOutput redirects logger output, e.g. for tests.
func SetOutput(structuredOutput, humanReadableOutput io.Writer) {
	initLoggers(structuredOutput, humanReadableOutput, slog.LevelDebug, slog.LevelInfo)
}

func initLoggers(structuredOutput, humanReadableOutput io.Writer, structuredLevel, humanLevel slog.Level) {
	structuredHandler := slog.NewJSONHandler(structuredOutput, &slog.HandlerOptions{
		Level:       structuredLevel,
		ReplaceAttr: levelReplaceAttr,
	})
	structuredLogger = slog.New(structuredHandler)

	humanReadableHandler := slog.NewTextHandler(humanReadableOutput, &slog.HandlerOptions{
		Level:       humanLevel,
		ReplaceAttr: levelReplaceAttr,
	})
	humanReadableLogger = slog.New(humanReadableHandler)

	slog.SetDefault(structuredLogger)
}

// InitFromConfig applies the main log configuration: the structured
// JSON log goes to the configured rotating file (or stdout when file
// logging is off), human-readable output stays on stderr. The returned
// closer flushes the file writer; it is a no-op without a file.
func InitFromConfig(logCfg *conf.LogSettings, debug bool) (func() error, error) {
	level := ParseLevel(logCfg.Level)
	if debug {
		level = slog.LevelDebug
	}

	if !logCfg.Enabled || logCfg.Path == "" {
		initLoggers(os.Stdout, os.Stderr, level, level)
		return func() error { return nil }, nil
	}

	// lumberjack doesn't create directories
	logDir := filepath.Dir(logCfg.Path)
	if logDir != "." {
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory %s: %w", logDir, err)
		}
	}

	logWriter := &lumberjack.Logger{
		Filename:   logCfg.Path,
		MaxSize:    10, // megabytes
		MaxBackups: 5,
		MaxAge:     30, // days
		Compress:   false,
	}
	if logCfg.MaxSize > 0 {
		logWriter.MaxSize = logCfg.MaxSize
	}
	if logCfg.MaxBackups > 0 {
		logWriter.MaxBackups = logCfg.MaxBackups
	}
	if logCfg.MaxAge > 0 {
		logWriter.MaxAge = logCfg.MaxAge
	}

	initLoggers(logWriter, os.Stderr, level, level)
	return logWriter.Close, nil
}

// ParseLevel maps a config level string to a slog.Level, including the
// custom trace and fatal levels. Unknown strings map to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return LevelTrace
	case "debug":
		return slog.LevelDebug
	case "info", "":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	case "fatal":
		return LevelFatal
	default:
		return slog.LevelInfo
	}
}

// Structured returns the globally configured structured (JSON) logger.
// Returns nil if Init() has not been called.
func Structured() *slog.Logger {
	return structuredLogger
}

// HumanReadable returns the globally configured human-readable (Text) logger.
// Returns nil if Init() has not been called.
func HumanReadable() *slog.Logger {
	return humanReadableLogger
}

// ForService creates a new logger instance with the 'service' attribute
// added, using the global structured logger as the base. Returns nil if
// Init() has not been called.
func ForService(serviceName string) *slog.Logger {
	if structuredLogger == nil {
		return nil
	}
	return structuredLogger.With("service", serviceName)
}

// --- Convenience functions using the default logger ---

// Debug logs a debug message using the default slog logger.
func Debug(msg string, args ...any) {
	slog.Debug(msg, args...)
}

// Info logs an info message using the default slog logger.
func Info(msg string, args ...any) {
	slog.Info(msg, args...)
}

// Warn logs a warning message using the default slog logger.
func Warn(msg string, args ...any) {
	slog.Warn(msg, args...)
}

// Error logs an error message using the default slog logger.
func Error(msg string, args ...any) {
	slog.Error(msg, args...)
}

// Fatal logs a fatal message using the custom Fatal level and then exits.
func Fatal(msg string, args ...any) {
	slog.Log(context.TODO(), LevelFatal, msg, args...)
	os.Exit(1)
}

// Trace logs a trace message using the custom Trace level.
func Trace(msg string, args ...any) {
	slog.Log(context.TODO(), LevelTrace, msg, args...)
}

// NewFileLogger creates a slog.Logger writing JSON logs to filePath with
// lumberjack rotation, tagged with a 'service' attribute. It returns the
// logger, a closer for the underlying writer, and an error if setup fails.
func NewFileLogger(filePath, serviceName string, level slog.Level) (*slog.Logger, func() error, error) {
	// lumberjack doesn't create directories
	logDir := filepath.Dir(filePath)
	if logDir != "." {
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("failed to create log directory %s: %w", logDir, err)
		}
	}

	logWriter := &lumberjack.Logger{
		Filename:   filePath,
		MaxSize:    10, // megabytes
		MaxBackups: 5,
		MaxAge:     30, // days
		Compress:   false,
	}

	// Rotation settings from the main log config, when loaded.
	if settings := conf.GetSettings(); settings != nil {
		logConf := settings.Main.Log
		if logConf.MaxSize > 0 {
			logWriter.MaxSize = logConf.MaxSize
		}
		if logConf.MaxBackups > 0 {
			logWriter.MaxBackups = logConf.MaxBackups
		}
		if logConf.MaxAge > 0 {
			logWriter.MaxAge = logConf.MaxAge
		}
	}

	fileHandler := slog.NewJSONHandler(logWriter, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: levelReplaceAttr,
	})

	logger := slog.New(fileHandler).With("service", serviceName)

	closeFunc := func() error {
		return logWriter.Close()
	}

	return logger, closeFunc, nil
}
