// Package logging provides categorized file-based logging for warden.
// Logs are written to .warden/logs/ with separate files per category.
// Logging is controlled by the logging section of warden.yaml - when
// debug mode is off, no log files are written at all.
package logging

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Category represents a log category/system.
type Category string

const (
	CategoryBoot       Category = "boot"       // Startup and wiring
	CategorySession    Category = "session"    // Session service, persistence
	CategoryStore      Category = "store"      // Note store operations
	CategoryLocking    Category = "locking"    // Optimistic update protocol
	CategoryCompaction Category = "compaction" // History compaction
	CategoryGate       Category = "gate"       // Gate-check decisions
	CategoryWatcher    Category = "watcher"    // Cache invalidation watcher
)

// Options mirrors the logging section of the warden config. Passed in
// by the caller at startup to keep this package from importing config.
type Options struct {
	DebugMode  bool
	Level      string
	JSONFormat bool
	Categories map[string]bool
}

// StructuredLogEntry is the JSON log line shape.
type StructuredLogEntry struct {
	Timestamp int64          `json:"ts"` // Unix milliseconds
	Category  string         `json:"cat"`
	Level     string         `json:"lvl"`
	Message   string         `json:"msg"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Logger wraps a standard logger with category and file output.
type Logger struct {
	category Category
	logger   *log.Logger
	file     *os.File
}

var (
	loggers   = make(map[Category]*Logger)
	loggersMu sync.RWMutex
	logsDir   string
	opts      Options
	optsMu    sync.RWMutex
	logLevel  int // 0=debug, 1=info, 2=warn, 3=error
)

// Log levels
const (
	LevelDebug = 0
	LevelInfo  = 1
	LevelWarn  = 2
	LevelError = 3
)

// Initialize sets up the logging directory. Should be called once at
// startup with the workspace path and the resolved logging options.
func Initialize(workspace string, o Options) error {
	if workspace == "" {
		return fmt.Errorf("workspace path required")
	}

	optsMu.Lock()
	opts = o
	switch o.Level {
	case "debug":
		logLevel = LevelDebug
	case "warn", "warning":
		logLevel = LevelWarn
	case "error":
		logLevel = LevelError
	default:
		logLevel = LevelInfo
	}
	optsMu.Unlock()

	logsDir = filepath.Join(workspace, ".warden", "logs")

	// Silent no-op in production mode.
	if !o.DebugMode {
		return nil
	}

	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	boot := Get(CategoryBoot)
	boot.Info("=== warden logging initialized ===")
	boot.Info("Logs directory: %s", logsDir)
	boot.Info("Log level: %s", o.Level)
	return nil
}

// IsDebugMode returns whether debug logging is enabled.
func IsDebugMode() bool {
	optsMu.RLock()
	defer optsMu.RUnlock()
	return opts.DebugMode
}

// IsCategoryEnabled returns whether a specific category is enabled.
func IsCategoryEnabled(category Category) bool {
	optsMu.RLock()
	defer optsMu.RUnlock()

	if !opts.DebugMode {
		return false
	}
	if opts.Categories == nil {
		return true // all enabled by default in debug mode
	}
	enabled, exists := opts.Categories[string(category)]
	if !exists {
		return true
	}
	return enabled
}

// Get returns (or creates) a logger for the given category.
// Returns a no-op logger when debug mode or the category is disabled.
func Get(category Category) *Logger {
	if !IsCategoryEnabled(category) {
		return &Logger{category: category}
	}
	if logsDir == "" {
		return &Logger{category: category}
	}

	loggersMu.RLock()
	if l, ok := loggers[category]; ok {
		loggersMu.RUnlock()
		return l
	}
	loggersMu.RUnlock()

	loggersMu.Lock()
	defer loggersMu.Unlock()

	// Double-check after acquiring write lock.
	if l, ok := loggers[category]; ok {
		return l
	}

	// Date prefix keeps rotation trivial.
	date := time.Now().Format("2006-01-02")
	logPath := filepath.Join(logsDir, fmt.Sprintf("%s_%s.log", date, category))

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[logging] Warning: could not open log file %s: %v\n", logPath, err)
		return &Logger{category: category}
	}

	l := &Logger{
		category: category,
		file:     file,
		logger:   log.New(file, "", log.Ldate|log.Ltime|log.Lmicroseconds),
	}
	loggers[category] = l
	return l
}

func (l *Logger) logJSON(level, msg string) {
	entry := StructuredLogEntry{
		Timestamp: time.Now().UnixMilli(),
		Category:  string(l.category),
		Level:     level,
		Message:   msg,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		l.logger.Printf("[%s] %s", level, msg)
		return
	}
	l.logger.Printf("%s", data)
}

func (l *Logger) emit(level int, tag, msg string) {
	optsMu.RLock()
	jsonFormat := opts.JSONFormat
	min := logLevel
	optsMu.RUnlock()

	if l.logger == nil || min > level {
		return
	}
	if jsonFormat {
		l.logJSON(tag, msg)
	} else {
		l.logger.Printf("[%s] %s", tag, msg)
	}
}

// Debug logs a debug message (only if level <= debug).
func (l *Logger) Debug(format string, args ...any) {
	l.emit(LevelDebug, "debug", fmt.Sprintf(format, args...))
}

// Info logs an informational message (only if level <= info).
func (l *Logger) Info(format string, args ...any) {
	l.emit(LevelInfo, "info", fmt.Sprintf(format, args...))
}

// Warn logs a warning message (only if level <= warn).
func (l *Logger) Warn(format string, args ...any) {
	l.emit(LevelWarn, "warn", fmt.Sprintf(format, args...))
}

// Error logs an error message (always logged if logger exists).
func (l *Logger) Error(format string, args ...any) {
	l.emit(LevelError, "error", fmt.Sprintf(format, args...))
}

// Convenience helpers for the hot categories.

func Session(format string, args ...any)         { Get(CategorySession).Info(format, args...) }
func SessionDebug(format string, args ...any)    { Get(CategorySession).Debug(format, args...) }
func Store(format string, args ...any)           { Get(CategoryStore).Info(format, args...) }
func StoreDebug(format string, args ...any)      { Get(CategoryStore).Debug(format, args...) }
func Locking(format string, args ...any)         { Get(CategoryLocking).Info(format, args...) }
func LockingDebug(format string, args ...any)    { Get(CategoryLocking).Debug(format, args...) }
func Compaction(format string, args ...any)      { Get(CategoryCompaction).Info(format, args...) }
func CompactionDebug(format string, args ...any) { Get(CategoryCompaction).Debug(format, args...) }
func Gate(format string, args ...any)            { Get(CategoryGate).Info(format, args...) }
func GateDebug(format string, args ...any)       { Get(CategoryGate).Debug(format, args...) }

// Timer measures operation duration for the performance-sensitive
// paths (store I/O, compaction).
type Timer struct {
	category  Category
	operation string
	start     time.Time
}

// StartTimer begins timing an operation.
func StartTimer(category Category, operation string) *Timer {
	return &Timer{category: category, operation: operation, start: time.Now()}
}

// Stop logs the elapsed time at debug level and returns it.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s took %s", t.operation, elapsed)
	return elapsed
}

// StopWithThreshold logs at warn level when elapsed exceeds the
// threshold, debug otherwise.
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("SLOW: %s took %s (threshold %s)", t.operation, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s took %s", t.operation, elapsed)
	}
	return elapsed
}

// Close closes all open log files. Call on shutdown.
func Close() {
	loggersMu.Lock()
	defer loggersMu.Unlock()
	for cat, l := range loggers {
		if l.file != nil {
			l.file.Close()
		}
		delete(loggers, cat)
	}
}
