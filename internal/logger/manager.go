package logger

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Well-known logger names.
const (
	NameApp      = "discover"
	NameHTTP     = "http"
	NameReminder = "reminder"
	NameAudit    = "audit"
)

// LoggerManager owns the named application loggers.
type LoggerManager struct {
	mu       sync.RWMutex
	loggers  map[string]*zap.Logger
	fallback *zap.Logger
}

// NewLoggerManager builds one logger per entry in configs. Any name requested
// later that is not configured is served from a default-configured logger.
func NewLoggerManager(configs map[string]Config) (*LoggerManager, error) {
	fallback, err := Build(NameApp, DefaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to build default logger: %w", err)
	}

	lm := &LoggerManager{
		loggers:  make(map[string]*zap.Logger, len(configs)),
		fallback: fallback,
	}

	names := make([]string, 0, len(configs))
	for name := range configs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		l, err := Build(name, configs[name])
		if err != nil {
			return nil, fmt.Errorf("failed to build logger '%s': %w", name, err)
		}
		lm.loggers[name] = l
	}
	return lm, nil
}

// AddLogger registers logger under name; names are unique.
func (lm *LoggerManager) AddLogger(name string, logger *zap.Logger) error {
	if logger == nil {
		return errors.New("logger cannot be nil")
	}

	lm.mu.Lock()
	defer lm.mu.Unlock()

	if _, exists := lm.loggers[name]; exists {
		return fmt.Errorf("logger '%s' already exists", name)
	}
	lm.loggers[name] = logger
	return nil
}

// Get returns the logger registered as name, or a child of the default
// logger carrying that name.
func (lm *LoggerManager) Get(name string) *zap.Logger {
	lm.mu.RLock()
	l, ok := lm.loggers[name]
	lm.mu.RUnlock()
	if ok {
		return l
	}
	return lm.fallback.Named(name)
}

// Sync flushes every logger and joins the errors.
func (lm *LoggerManager) Sync() error {
	lm.mu.RLock()
	defer lm.mu.RUnlock()

	var errs []error
	for name, l := range lm.loggers {
		if err := l.Sync(); err != nil {
			errs = append(errs, fmt.Errorf("failed to sync logger '%s': %w", name, err))
		}
	}
	if err := lm.fallback.Sync(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
