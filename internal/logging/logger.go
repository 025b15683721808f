// Package logging provides categorized logging for the research engine.
// Each subsystem logs under its own category so a session's audit trail
// (delivery attempts, retries, dead-letter transitions, pool churn, phase
// transitions) can be filtered per component. The backend is zap; categories
// map to named child loggers.
package logging

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category identifies a logging subsystem.
type Category string

const (
	CategoryBoot       Category = "boot"       // Startup and wiring
	CategoryBus        Category = "bus"        // Envelope delivery, retries, dead-letter
	CategoryPool       Category = "pool"       // Worker handle lifecycle
	CategorySwarm      Category = "swarm"      // Parallel subtask execution
	CategoryWorker     Category = "worker"     // Individual worker runs
	CategoryQuality    Category = "quality"    // Reflection scoring and gaps
	CategorySupervisor Category = "supervisor" // Phase coordinator
	CategoryStore      Category = "store"      // Session archive
)

// Logger is a category-scoped printf-style logger.
type Logger struct {
	s *zap.SugaredLogger
}

var (
	mu      sync.RWMutex
	root    *zap.Logger
	loggers = make(map[Category]*Logger)
)

func init() {
	root = zap.NewNop()
}

// Initialize installs the backing zap logger. Call once at startup; before
// Initialize (and in tests that never call it) all categories are no-ops.
func Initialize(verbose bool) error {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	logger, err := cfg.Build(zap.AddCallerSkip(2))
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	SetBackend(logger)
	return nil
}

// SetBackend replaces the backing logger. Used by Initialize and by tests
// that want to capture output.
func SetBackend(logger *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	root = logger
	loggers = make(map[Category]*Logger)
}

// Sync flushes buffered log entries.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	_ = root.Sync()
}

// Get returns the logger for a category, creating it on first use.
func Get(cat Category) *Logger {
	mu.RLock()
	l, ok := loggers[cat]
	mu.RUnlock()
	if ok {
		return l
	}

	mu.Lock()
	defer mu.Unlock()
	if l, ok = loggers[cat]; ok {
		return l
	}
	l = &Logger{s: root.Named(string(cat)).Sugar()}
	loggers[cat] = l
	return l
}

func (l *Logger) Debug(format string, args ...interface{}) { l.s.Debugf(format, args...) }
func (l *Logger) Info(format string, args ...interface{})  { l.s.Infof(format, args...) }
func (l *Logger) Warn(format string, args ...interface{})  { l.s.Warnf(format, args...) }
func (l *Logger) Error(format string, args ...interface{}) { l.s.Errorf(format, args...) }

// Convenience helpers for the hot categories. Info level; use
// Get(Category).Debug for chatty paths.

func Bus(format string, args ...interface{})         { Get(CategoryBus).Info(format, args...) }
func BusDebug(format string, args ...interface{})    { Get(CategoryBus).Debug(format, args...) }
func Pool(format string, args ...interface{})        { Get(CategoryPool).Info(format, args...) }
func PoolDebug(format string, args ...interface{})   { Get(CategoryPool).Debug(format, args...) }
func Swarm(format string, args ...interface{})       { Get(CategorySwarm).Info(format, args...) }
func SwarmDebug(format string, args ...interface{})  { Get(CategorySwarm).Debug(format, args...) }
func Worker(format string, args ...interface{})      { Get(CategoryWorker).Info(format, args...) }
func WorkerDebug(format string, args ...interface{}) { Get(CategoryWorker).Debug(format, args...) }
func Quality(format string, args ...interface{})     { Get(CategoryQuality).Info(format, args...) }
func Supervisor(format string, args ...interface{})  { Get(CategorySupervisor).Info(format, args...) }
func Store(format string, args ...interface{})       { Get(CategoryStore).Info(format, args...) }
func StoreDebug(format string, args ...interface{})  { Get(CategoryStore).Debug(format, args...) }
