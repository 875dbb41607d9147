package reminder

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Scheduler drives a Dispatcher from two independent tickers: one for
// delivery runs and one for record cleanup.
type Scheduler struct {
	dispatcher      *Dispatcher
	tickInterval    time.Duration
	cleanupInterval time.Duration
	logger          *zap.Logger

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewScheduler(d *Dispatcher, tickInterval, cleanupInterval time.Duration, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		dispatcher:      d,
		tickInterval:    tickInterval,
		cleanupInterval: cleanupInterval,
		logger:          logger,
	}
}

// Start runs one delivery pass immediately and then one per tick until ctx
// is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Info("reminder scheduler already running")
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.loop(ctx, s.tickInterval, s.dispatch, true)
	}()
	go func() {
		defer s.wg.Done()
		s.loop(ctx, s.cleanupInterval, s.cleanup, false)
	}()

	s.logger.Info("reminder scheduler started",
		zap.Duration("tick_interval", s.tickInterval),
		zap.Duration("cleanup_interval", s.cleanupInterval))
}

func (s *Scheduler) loop(ctx context.Context, every time.Duration, fn func(context.Context), immediate bool) {
	if immediate {
		fn(ctx)
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			fn(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// dispatch does not block the ticker. Ticks that land while a run is still
// going are dropped by the dispatcher's guard.
func (s *Scheduler) dispatch(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.dispatcher.RunOnce(ctx); err != nil {
			switch {
			case errors.Is(err, ErrRunInProgress):
				s.logger.Warn("previous reminder run still in progress, skipping tick")
			case errors.Is(err, context.Canceled):
			default:
				s.logger.Error("reminder run failed", zap.Error(err))
			}
		}
	}()
}

func (s *Scheduler) cleanup(ctx context.Context) {
	if _, err := s.dispatcher.Cleanup(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("reminder cleanup failed", zap.Error(err))
	}
}

// Stop cancels the tickers and waits for any in-flight run.
func (s *Scheduler) Stop() {
	if s.running.Load() {
		s.cancel()
		s.wg.Wait()
		s.running.Store(false)
		s.logger.Info("reminder scheduler stopped")
	}
}
