// Package logging provides config-driven categorized logging for replaysaver.
// Every category is a named child of one zap logger so that a single sink (stderr or a
// file) carries all output, while categories can still be switched off one by one.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/system
type Category string

const (
	CategoryBoot     Category = "boot"     // Startup, config, shutdown
	CategoryBrowser  Category = "browser"  // Page driving, console and DOM streams
	CategoryTracker  Category = "tracker"  // Lifecycle state transitions
	CategoryArchive  Category = "archive"  // Replay command submission
	CategoryStore    Category = "store"    // Record store reads and writes
	CategoryOutcome  Category = "outcome"  // Replay log fetch and parse
	CategoryPipeline Category = "pipeline" // Signal routing
)

// Config mirrors config.LoggingConfig to avoid an import cycle.
type Config struct {
	Level      string          // debug, info, warn, error
	Format     string          // console, json
	File       string          // empty = stderr
	Categories map[string]bool // per-category toggles, missing = enabled
}

var (
	mu         sync.RWMutex
	root       = zap.NewNop()
	categories map[string]bool
	loggers    = make(map[Category]*zap.SugaredLogger)
	sink       *os.File
)

// Initialize builds the root logger. Calling it again replaces the previous logger.
func Initialize(cfg Config) error {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return err
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	switch strings.ToLower(cfg.Format) {
	case "json":
		enc = zapcore.NewJSONEncoder(encCfg)
	case "", "console", "text":
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	default:
		return fmt.Errorf("unknown log format: %s", cfg.Format)
	}

	out := zapcore.Lock(os.Stderr)
	var file *os.File
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
		file, err = os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		out = zapcore.Lock(file)
	}

	SetLogger(zap.New(zapcore.NewCore(enc, out, level)), cfg.Categories)

	mu.Lock()
	if sink != nil {
		sink.Close()
	}
	sink = file
	mu.Unlock()
	return nil
}

// SetLogger installs an already-built zap logger. Tests use it with zaptest/observer.
func SetLogger(l *zap.Logger, cats map[string]bool) {
	mu.Lock()
	defer mu.Unlock()
	if l == nil {
		l = zap.NewNop()
	}
	root = l
	categories = cats
	loggers = make(map[Category]*zap.SugaredLogger)
}

func parseLevel(s string) (zapcore.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return zapcore.DebugLevel, nil
	case "", "info":
		return zapcore.InfoLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	}
	return zapcore.InfoLevel, fmt.Errorf("unknown log level: %s", s)
}

// IsCategoryEnabled returns whether a specific category is enabled
func IsCategoryEnabled(category Category) bool {
	mu.RLock()
	defer mu.RUnlock()
	return categoryEnabledLocked(category)
}

func categoryEnabledLocked(category Category) bool {
	if categories == nil {
		return true
	}
	enabled, exists := categories[string(category)]
	if !exists {
		return true
	}
	return enabled
}

// Get returns (or creates) a logger for the given category.
// Returns a no-op logger if the category is disabled.
func Get(category Category) *zap.SugaredLogger {
	mu.RLock()
	if l, ok := loggers[category]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}
	var l *zap.SugaredLogger
	if categoryEnabledLocked(category) {
		l = root.Named(string(category)).Sugar()
	} else {
		l = zap.NewNop().Sugar()
	}
	loggers[category] = l
	return l
}

// Sync flushes buffered entries and closes the file sink, if any.
func Sync() {
	mu.Lock()
	defer mu.Unlock()
	_ = root.Sync()
	if sink != nil {
		sink.Close()
		sink = nil
	}
}

// =============================================================================
// CONVENIENCE FUNCTIONS - Quick logging without getting a logger first
// =============================================================================

func Boot(format string, args ...interface{})     { Get(CategoryBoot).Infof(format, args...) }
func BootDebug(format string, args ...interface{}) { Get(CategoryBoot).Debugf(format, args...) }
func BootWarn(format string, args ...interface{})  { Get(CategoryBoot).Warnf(format, args...) }

func Browser(format string, args ...interface{})      { Get(CategoryBrowser).Infof(format, args...) }
func BrowserDebug(format string, args ...interface{}) { Get(CategoryBrowser).Debugf(format, args...) }
func BrowserWarn(format string, args ...interface{})  { Get(CategoryBrowser).Warnf(format, args...) }
func BrowserError(format string, args ...interface{}) { Get(CategoryBrowser).Errorf(format, args...) }

func Tracker(format string, args ...interface{})      { Get(CategoryTracker).Infof(format, args...) }
func TrackerDebug(format string, args ...interface{}) { Get(CategoryTracker).Debugf(format, args...) }

func Archive(format string, args ...interface{})      { Get(CategoryArchive).Infof(format, args...) }
func ArchiveDebug(format string, args ...interface{}) { Get(CategoryArchive).Debugf(format, args...) }
func ArchiveWarn(format string, args ...interface{})  { Get(CategoryArchive).Warnf(format, args...) }

func Store(format string, args ...interface{})      { Get(CategoryStore).Infof(format, args...) }
func StoreDebug(format string, args ...interface{}) { Get(CategoryStore).Debugf(format, args...) }
func StoreError(format string, args ...interface{}) { Get(CategoryStore).Errorf(format, args...) }

func Outcome(format string, args ...interface{})      { Get(CategoryOutcome).Infof(format, args...) }
func OutcomeDebug(format string, args ...interface{}) { Get(CategoryOutcome).Debugf(format, args...) }
func OutcomeWarn(format string, args ...interface{})  { Get(CategoryOutcome).Warnf(format, args...) }

func Pipeline(format string, args ...interface{})      { Get(CategoryPipeline).Infof(format, args...) }
func PipelineDebug(format string, args ...interface{}) { Get(CategoryPipeline).Debugf(format, args...) }
func PipelineWarn(format string, args ...interface{})  { Get(CategoryPipeline).Warnf(format, args...) }
