package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/discoversutd/discover/internal/auth/models"
	"github.com/discoversutd/discover/internal/auth/token"
	"github.com/discoversutd/discover/internal/auth/validation"
	"github.com/discoversutd/discover/internal/metrics"
	"github.com/discoversutd/discover/internal/notify"
)

// Store is the persistence the auth service needs.
type Store interface {
	CreateUser(ctx context.Context, user *models.User) error
	GetUserByID(ctx context.Context, id int64) (*models.User, error)
	GetUserByIdentifier(ctx context.Context, identifier string) (*models.User, error)
	UpdateLoginSuccess(ctx context.Context, userID int64, ip string, at time.Time) error
	IncrementFailedLogin(ctx context.Context, userID int64, threshold int, lockUntil, at time.Time) (int, error)
	ResetFailedLogins(ctx context.Context, userID int64) error
	BumpTokenVersion(ctx context.Context, userID int64) (int, error)
	UpdatePassword(ctx context.Context, userID int64, hash string, at time.Time) (int, error)
	UpdateMetadata(ctx context.Context, userID int64, meta models.Metadata) error
	SetActive(ctx context.Context, userID int64, active bool) error
	SetTelegram(ctx context.Context, userID int64, chatID *int64, remindersEnabled bool) error
	ListUsers(ctx context.Context, limit, offset int) ([]models.User, error)

	CreateSession(ctx context.Context, session *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	TouchSession(ctx context.Context, id string, at time.Time) error
	DeactivateSession(ctx context.Context, id string, userID int64) error
	DeactivateUserSessions(ctx context.Context, userID int64) (int64, error)
	ListActiveSessions(ctx context.Context, userID int64, now time.Time) ([]models.Session, error)
	DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error)

	CreateSecurityEvent(ctx context.Context, ev *models.SecurityEvent) error
	CreateLoginAttempt(ctx context.Context, a *models.LoginAttempt) error
}

type Config struct {
	MaxLoginAttempts int
	LockDuration     time.Duration
	SessionTTL       time.Duration
	CleanupInterval  time.Duration
	Password         validation.PasswordPolicy
}

// Service implements login, session bookkeeping, lockout and account administration.
type Service struct {
	store     Store
	issuer    *token.Issuer
	cfg       Config
	validator *validation.PasswordValidator
	notifier  notify.Notifier
	metrics   *metrics.Metrics
	logger    *zap.Logger
	audit     *zap.Logger
	now       func() time.Time
	cost      int
	dummyHash []byte

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type Option func(*Service)

// WithClock injects the time source used for lockout and session expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithNotifier(n notify.Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithLoggers sets the application logger and the logger that receives
// audit write failures.
func WithLoggers(logger, audit *zap.Logger) Option {
	return func(s *Service) {
		s.logger = logger
		s.audit = audit
	}
}

// WithBcryptCost overrides bcrypt.DefaultCost.
func WithBcryptCost(cost int) Option {
	return func(s *Service) { s.cost = cost }
}

func New(store Store, issuer *token.Issuer, cfg Config, opts ...Option) (*Service, error) {
	if cfg.MaxLoginAttempts <= 0 {
		cfg.MaxLoginAttempts = 5
	}
	if cfg.LockDuration <= 0 {
		cfg.LockDuration = 15 * time.Minute
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = issuer.TTL()
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Hour
	}

	s := &Service{
		store:     store,
		issuer:    issuer,
		cfg:       cfg,
		validator: validation.NewPasswordValidator(cfg.Password),
		notifier:  notify.Noop{},
		metrics:   metrics.New(),
		logger:    zap.NewNop(),
		audit:     zap.NewNop(),
		now:       time.Now,
		cost:      bcrypt.DefaultCost,
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	// compared against when the identifier is unknown so both paths cost one bcrypt run
	pad := make([]byte, 16)
	if _, err := rand.Read(pad); err != nil {
		return nil, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(hex.EncodeToString(pad)), s.cost)
	if err != nil {
		return nil, err
	}
	s.dummyHash = hash

	return s, nil
}

func (s *Service) clock() time.Time {
	return s.now().UTC()
}

// Now is the service clock in UTC.
func (s *Service) Now() time.Time {
	return s.clock()
}

// RecordSecurityEvent appends an audit row. Failures are logged and swallowed.
func (s *Service) RecordSecurityEvent(ctx context.Context, userID *int64, eventType, description string, client models.ClientInfo, meta map[string]any) {
	ev := &models.SecurityEvent{
		UserID:      userID,
		EventType:   eventType,
		Description: description,
		IPAddress:   client.IP,
		UserAgent:   client.UserAgent,
		Metadata:    meta,
		CreatedAt:   s.clock(),
	}
	if err := s.store.CreateSecurityEvent(context.WithoutCancel(ctx), ev); err != nil {
		s.audit.Error("failed to write security event",
			zap.String("event_type", eventType),
			zap.Int64p("user_id", userID),
			zap.Error(err),
		)
	}
}

func (s *Service) recordAttempt(ctx context.Context, identifier string, userID *int64, client models.ClientInfo, success bool, reason string) {
	a := &models.LoginAttempt{
		Identifier:    identifier,
		UserID:        userID,
		IPAddress:     client.IP,
		UserAgent:     client.UserAgent,
		Success:       success,
		FailureReason: reason,
		CreatedAt:     s.clock(),
	}
	if err := s.store.CreateLoginAttempt(context.WithoutCancel(ctx), a); err != nil {
		s.audit.Error("failed to write login attempt", zap.String("identifier", identifier), zap.Error(err))
	}
}

// CleanupSessions deletes expired and deactivated sessions.
func (s *Service) CleanupSessions(ctx context.Context) (int64, error) {
	return s.store.DeleteExpiredSessions(ctx, s.clock())
}

// StartSessionCleanup runs CleanupSessions every cleanup interval until Close.
func (s *Service) StartSessionCleanup(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.cfg.CleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				n, err := s.CleanupSessions(ctx)
				if err != nil {
					s.logger.Error("session cleanup failed", zap.Error(err))
					continue
				}
				if n > 0 {
					s.logger.Info("removed stale sessions", zap.Int64("count", n))
				}
			case <-ctx.Done():
				return
			case <-s.done:
				return
			}
		}
	}()
}

// Close stops background work and waits for it.
func (s *Service) Close() {
	s.closeOnce.Do(func() { close(s.done) })
	s.wg.Wait()
}
