package health

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/discoversutd/discover/internal/httpx"
)

// Pinger is the dependency probed for readiness. *db.DB satisfies it.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Checker periodically pings the database and caches whether the process
// can serve traffic.
type Checker struct {
	interval time.Duration
	timeout  time.Duration
	target   Pinger
	logger   *zap.Logger
	ready    atomic.Bool
	running  atomic.Bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func NewChecker(target Pinger, interval, timeout time.Duration, logger *zap.Logger) *Checker {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Checker{
		interval: interval,
		timeout:  timeout,
		target:   target,
		logger:   logger,
	}
}

// Start probes once immediately and then on every interval until Stop.
func (c *Checker) Start(ctx context.Context) {
	if !c.running.CompareAndSwap(false, true) {
		c.logger.Info("Health checker already running")
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		c.logger.Info("Health checker started", zap.Duration("interval", c.interval))
		_ = c.Check(ctx)

		for {
			select {
			case <-ticker.C:
				_ = c.Check(ctx)
			case <-ctx.Done():
				c.logger.Info("Health checker stopping")
				return
			}
		}
	}()
}

func (c *Checker) Stop() {
	if c.running.Load() {
		c.cancel()
		c.wg.Wait()
		c.running.Store(false)
	}
}

// Check pings the target now and records the result. Transitions are logged.
func (c *Checker) Check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	err := c.target.PingContext(ctx)
	was := c.ready.Swap(err == nil)
	switch {
	case err != nil && was:
		c.logger.Warn("Database became unreachable", zap.Error(err))
	case err == nil && !was:
		c.logger.Info("Database reachable")
	}
	return err
}

func (c *Checker) Ready() bool {
	return c.ready.Load()
}

// Live always answers 200 while the process can serve HTTP.
func Live(w http.ResponseWriter, r *http.Request) {
	httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Handler answers 200 when the last probe succeeded and 503 otherwise.
func (c *Checker) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !c.Ready() {
			httpx.JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}
