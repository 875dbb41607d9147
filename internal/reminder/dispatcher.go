// Package reminder sends Telegram reminders for events a student registered
// for, at most once per (user, event).
package reminder

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/discoversutd/discover/internal/metrics"
)

// ErrRunInProgress is returned by RunOnce while another run has not finished.
var ErrRunInProgress = errors.New("reminder run already in progress")

type State int32

const (
	StateIdle State = iota
	StateScanning
	StateDispatching
)

func (s State) String() string {
	switch s {
	case StateScanning:
		return "scanning"
	case StateDispatching:
		return "dispatching"
	default:
		return "idle"
	}
}

type Config struct {
	LeadWindow   time.Duration
	MessageDelay time.Duration
	MaxPerUser   int
	Retention    time.Duration
}

// Report counts what one run did.
type Report struct {
	Pending int
	Sent    int
	Skipped int
	Failed  int
	Blocked int
	// Deferred are items over the per-user cap, left for the next run.
	Deferred int
}

type Dispatcher struct {
	store   Store
	sender  Sender
	cfg     Config
	limiter *rate.Limiter
	now     func() time.Time
	logger  *zap.Logger
	metrics *metrics.Metrics

	running atomic.Bool
	state   atomic.Int32
}

type Option func(*Dispatcher)

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

func New(store Store, sender Sender, cfg Config, opts ...Option) *Dispatcher {
	if cfg.LeadWindow <= 0 {
		cfg.LeadWindow = 30 * time.Minute
	}
	if cfg.MaxPerUser <= 0 {
		cfg.MaxPerUser = 5
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 7 * 24 * time.Hour
	}

	limit := rate.Inf
	if cfg.MessageDelay > 0 {
		limit = rate.Every(cfg.MessageDelay)
	}

	d := &Dispatcher{
		store:   store,
		sender:  sender,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, 1),
		now:     time.Now,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.metrics == nil {
		d.metrics = metrics.New()
	}
	return d
}

func (d *Dispatcher) State() State {
	return State(d.state.Load())
}

func (d *Dispatcher) setState(s State) {
	d.state.Store(int32(s))
}

// RunOnce scans for due reminders and delivers them. A run that overlaps a
// previous one returns ErrRunInProgress without doing anything.
func (d *Dispatcher) RunOnce(ctx context.Context) (Report, error) {
	var report Report
	if !d.running.CompareAndSwap(false, true) {
		d.metrics.DispatchRuns.WithLabelValues("skipped_overlap").Inc()
		return report, ErrRunInProgress
	}
	defer func() {
		d.setState(StateIdle)
		d.running.Store(false)
	}()

	d.setState(StateScanning)
	now := d.now().UTC()
	pending, err := d.store.PendingReminders(ctx, now, now.Add(d.cfg.LeadWindow))
	if err != nil {
		d.metrics.DispatchRuns.WithLabelValues("failed").Inc()
		return report, fmt.Errorf("scan pending reminders: %w", err)
	}
	report.Pending = len(pending)

	d.setState(StateDispatching)
	for _, batch := range groupByUser(pending) {
		if err := ctx.Err(); err != nil {
			d.metrics.DispatchRuns.WithLabelValues("failed").Inc()
			return report, err
		}
		d.dispatchUser(ctx, batch, &report)
	}

	d.metrics.DispatchRuns.WithLabelValues("completed").Inc()
	if report.Pending > 0 {
		d.logger.Info("reminder run completed",
			zap.Int("pending", report.Pending),
			zap.Int("sent", report.Sent),
			zap.Int("skipped", report.Skipped),
			zap.Int("failed", report.Failed),
			zap.Int("blocked", report.Blocked),
			zap.Int("deferred", report.Deferred))
	}
	return report, nil
}

func (d *Dispatcher) dispatchUser(ctx context.Context, batch []Pending, report *Report) {
	first := batch[0]
	if first.ChatID == nil || !first.RemindersEnabled {
		report.Skipped += len(batch)
		d.metrics.Reminders.WithLabelValues("skipped").Add(float64(len(batch)))
		return
	}

	if len(batch) > d.cfg.MaxPerUser {
		report.Deferred += len(batch) - d.cfg.MaxPerUser
		batch = batch[:d.cfg.MaxPerUser]
	}

	for _, p := range batch {
		if err := d.limiter.Wait(ctx); err != nil {
			report.Failed++
			return
		}

		err := d.sender.Send(ctx, *p.ChatID, Format(p))

		switch {
		case err == nil:
			d.record(ctx, p, report)
		case errors.Is(err, ErrRecipientUnavailable):
			report.Blocked++
			d.metrics.Reminders.WithLabelValues("blocked").Inc()
			d.logger.Warn("telegram recipient unavailable, unlinking chat",
				zap.Int64("user_id", p.UserID), zap.Error(err))
			if err := d.store.ClearChatID(ctx, p.UserID); err != nil {
				d.logger.Error("failed to clear telegram chat", zap.Int64("user_id", p.UserID), zap.Error(err))
			}
			return
		default:
			report.Failed++
			d.metrics.Reminders.WithLabelValues("failed").Inc()
			d.logger.Warn("reminder send failed, will retry next run",
				zap.Int64("user_id", p.UserID), zap.Int64("event_id", p.EventID), zap.Error(err))
		}
	}
}

func (d *Dispatcher) record(ctx context.Context, p Pending, report *Report) {
	report.Sent++
	d.metrics.Reminders.WithLabelValues("sent").Inc()

	// the message is out; the record must land even if the run is cancelled now
	inserted, err := d.store.RecordSent(context.WithoutCancel(ctx), p.UserID, p.EventID, d.now().UTC())
	if err != nil {
		d.logger.Error("failed to record reminder",
			zap.Int64("user_id", p.UserID), zap.Int64("event_id", p.EventID), zap.Error(err))
		return
	}
	if !inserted {
		d.logger.Warn("reminder already recorded",
			zap.Int64("user_id", p.UserID), zap.Int64("event_id", p.EventID))
	}
}

// Cleanup deletes delivery records older than the retention window.
func (d *Dispatcher) Cleanup(ctx context.Context) (int64, error) {
	n, err := d.store.DeleteSentBefore(ctx, d.now().UTC().Add(-d.cfg.Retention))
	if err != nil {
		return 0, fmt.Errorf("cleanup reminders: %w", err)
	}
	if n > 0 {
		d.logger.Info("reminder records cleaned up", zap.Int64("deleted", n))
	}
	return n, nil
}

// groupByUser keeps the store's start-time order inside each group and orders
// groups by their earliest event.
func groupByUser(pending []Pending) [][]Pending {
	index := make(map[int64]int)
	var groups [][]Pending
	for _, p := range pending {
		i, ok := index[p.UserID]
		if !ok {
			i = len(groups)
			index[p.UserID] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], p)
	}
	return groups
}

var singapore = time.FixedZone("SGT", 8*60*60)

// Format renders the plain-text reminder.
func Format(p Pending) string {
	msg := fmt.Sprintf("Reminder: %s starts at %s", p.Title, p.StartsAt.In(singapore).Format("Mon 2 Jan, 3:04 PM"))
	if p.Location != "" {
		msg += " at " + p.Location
	}
	return msg + "."
}
