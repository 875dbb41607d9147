package shutdown

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

type handler struct {
	name string
	fn   func(context.Context) error
}

// Manager runs registered shutdown handlers in reverse registration order,
// so the listener stops before the database it depends on is closed.
type Manager struct {
	handlers []handler
	mu       sync.Mutex
	logger   *zap.Logger
}

func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		handlers: make([]handler, 0),
		logger:   logger,
	}
}

func (sh *Manager) RegisterShutdown(name string, fn func(context.Context) error) {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.handlers = append(sh.handlers, handler{name: name, fn: fn})
}

// Register adapts a handler that cannot fail.
func (sh *Manager) Register(name string, fn func()) {
	sh.RegisterShutdown(name, func(context.Context) error {
		fn()
		return nil
	})
}

// Shutdown runs every handler once. It stops early only when ctx expires;
// handler errors are collected and joined.
func (sh *Manager) Shutdown(ctx context.Context) error {
	sh.mu.Lock()
	handlers := make([]handler, len(sh.handlers))
	copy(handlers, sh.handlers)
	sh.handlers = sh.handlers[:0]
	sh.mu.Unlock()

	var errs []error
	for i := len(handlers) - 1; i >= 0; i-- {
		h := handlers[i]
		if err := ctx.Err(); err != nil {
			errs = append(errs, fmt.Errorf("%s shutdown skipped: %w", h.name, err))
			continue
		}

		sh.logger.Info("Shutting down", zap.String("component", h.name))
		if err := h.fn(ctx); err != nil {
			sh.logger.Error("Error during shutdown", zap.String("component", h.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s shutdown: %w", h.name, err))
		}
	}
	return errors.Join(errs...)
}
