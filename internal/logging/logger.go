// Package logging provides categorized structured logging for acf.
// Each subsystem logs under its own category so operators can filter the
// concurrency-sensitive paths (mutex, supersede, workflow) independently.
// Until Initialize is called the package is a silent no-op, which keeps
// library consumers and tests quiet by default.
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
	CategoryBoot        Category = "boot"        // Startup/wiring
	CategoryMutex       Category = "mutex"       // Session mutex acquire/extend/release
	CategoryTurn        Category = "turn"        // Accumulation and turn lifecycle
	CategorySupersede   Category = "supersede"   // Pending facts and decisions
	CategoryCommit      Category = "commit"      // Commit-point tracking
	CategoryIdempotency Category = "idempotency" // Cache hits/misses per layer
	CategoryEvents      Category = "events"      // Router fanout
	CategoryStore       Category = "store"       // Persistence
	CategoryWorkflow    Category = "workflow"    // Orchestrator steps and retries
)

// Options control logger construction.
type Options struct {
	Level      string // debug, info, warn, error
	JSONFormat bool   // JSON output instead of console encoding
}

var (
	mu      sync.RWMutex
	root    = zap.NewNop()
	loggers = make(map[Category]*zap.SugaredLogger)
)

// Initialize builds the root zap logger. Safe to call more than once; the
// last call wins.
func Initialize(opts Options) error {
	level, err := zapcore.ParseLevel(levelOrDefault(opts.Level))
	if err != nil {
		return fmt.Errorf("parse log level %q: %w", opts.Level, err)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if opts.JSONFormat {
		cfg.Encoding = "json"
	}

	logger, err := cfg.Build(zap.AddCallerSkip(2))
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}

	mu.Lock()
	defer mu.Unlock()
	root = logger
	loggers = make(map[Category]*zap.SugaredLogger)
	return nil
}

func levelOrDefault(level string) string {
	if level == "" {
		return "info"
	}
	return level
}

// Get returns the sugared logger for a category, creating it on first use.
func Get(cat Category) *zap.SugaredLogger {
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
	l = root.With(zap.String("cat", string(cat))).Sugar()
	loggers[cat] = l
	return l
}

// Sync flushes buffered log entries. Called on shutdown.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	_ = root.Sync()
}

// Category helpers, one pair per subsystem.

func Boot(format string, args ...interface{})      { Get(CategoryBoot).Infof(format, args...) }
func BootDebug(format string, args ...interface{}) { Get(CategoryBoot).Debugf(format, args...) }

func Mutex(format string, args ...interface{})      { Get(CategoryMutex).Infof(format, args...) }
func MutexDebug(format string, args ...interface{}) { Get(CategoryMutex).Debugf(format, args...) }

func Turn(format string, args ...interface{})      { Get(CategoryTurn).Infof(format, args...) }
func TurnDebug(format string, args ...interface{}) { Get(CategoryTurn).Debugf(format, args...) }

func Supersede(format string, args ...interface{}) { Get(CategorySupersede).Infof(format, args...) }
func SupersedeDebug(format string, args ...interface{}) {
	Get(CategorySupersede).Debugf(format, args...)
}

func Commit(format string, args ...interface{}) { Get(CategoryCommit).Infof(format, args...) }

func Idempotency(format string, args ...interface{}) {
	Get(CategoryIdempotency).Debugf(format, args...)
}

func Events(format string, args ...interface{}) { Get(CategoryEvents).Debugf(format, args...) }

func Store(format string, args ...interface{})      { Get(CategoryStore).Infof(format, args...) }
func StoreDebug(format string, args ...interface{}) { Get(CategoryStore).Debugf(format, args...) }

func Workflow(format string, args ...interface{}) { Get(CategoryWorkflow).Infof(format, args...) }
func WorkflowDebug(format string, args ...interface{}) {
	Get(CategoryWorkflow).Debugf(format, args...)
}

func WorkflowError(format string, args ...interface{}) {
	Get(CategoryWorkflow).Errorf(format, args...)
}
