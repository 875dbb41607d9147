package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	apierr "github.com/discoversutd/discover/internal/auth"
	"github.com/discoversutd/discover/internal/auth/models"
	"github.com/discoversutd/discover/internal/auth/validation"
)

// LockedError reports an account lock and when it lifts. It matches apierr.ErrUserLocked.
type LockedError struct {
	Until time.Time
}

func (e *LockedError) Error() string {
	return apierr.ErrUserLocked.Error()
}

func (e *LockedError) Is(target error) bool {
	return target == apierr.ErrUserLocked
}

// LoginResult is a freshly created session and the token bound to it.
type LoginResult struct {
	Token     string
	ExpiresAt time.Time
	User      *models.User
	Session   *models.Session
}

// CheckLockout reports a *LockedError while the account's lock is still open.
// An unknown identifier is not locked. Call it before comparing credentials.
func (s *Service) CheckLockout(ctx context.Context, identifier string) error {
	user, err := s.store.GetUserByIdentifier(ctx, identifier)
	if err != nil {
		if errors.Is(err, apierr.ErrUserNotFound) {
			return nil
		}
		return err
	}
	return s.lockState(user)
}

func (s *Service) lockState(user *models.User) error {
	if user.IsLocked(s.clock()) {
		return &LockedError{Until: user.LockedUntil.UTC()}
	}
	return nil
}

// RecordFailedLogin counts one failure for the account. When the count reaches
// the configured maximum the account is locked for the lock duration, and the
// lock expiry is returned.
func (s *Service) RecordFailedLogin(ctx context.Context, userID int64) (int, *time.Time, error) {
	now := s.clock()
	until := now.Add(s.cfg.LockDuration)

	attempts, err := s.store.IncrementFailedLogin(ctx, userID, s.cfg.MaxLoginAttempts, until, now)
	if err != nil {
		return 0, nil, err
	}
	if attempts >= s.cfg.MaxLoginAttempts {
		return attempts, &until, nil
	}
	return attempts, nil, nil
}

// ResetFailedLogins clears the failure counter and any lock.
func (s *Service) ResetFailedLogins(ctx context.Context, userID int64) error {
	return s.store.ResetFailedLogins(ctx, userID)
}

// Login verifies credentials and opens a new session.
func (s *Service) Login(ctx context.Context, identifier, password string, client models.ClientInfo) (*LoginResult, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" || password == "" {
		return nil, apierr.ErrInvalidCredentials
	}

	user, err := s.store.GetUserByIdentifier(ctx, identifier)
	if err != nil {
		if !errors.Is(err, apierr.ErrUserNotFound) {
			return nil, fmt.Errorf("load user: %w", err)
		}
		_ = bcrypt.CompareHashAndPassword(s.dummyHash, []byte(password))
		s.recordAttempt(ctx, identifier, nil, client, false, "unknown_identifier")
		s.metrics.Logins.WithLabelValues("invalid_credentials").Inc()
		return nil, apierr.ErrInvalidCredentials
	}

	if err := s.lockState(user); err != nil {
		s.recordAttempt(ctx, identifier, &user.ID, client, false, "locked")
		s.metrics.Logins.WithLabelValues("locked").Inc()
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, s.loginFailed(ctx, user, identifier, client)
	}

	// Only a caller holding the password learns that the account is deactivated.
	if !user.IsActive {
		s.recordAttempt(ctx, identifier, &user.ID, client, false, "inactive")
		s.metrics.Logins.WithLabelValues("inactive").Inc()
		return nil, apierr.ErrAccountInactive
	}

	now := s.clock()
	if err := s.store.UpdateLoginSuccess(ctx, user.ID, client.IP, now); err != nil {
		return nil, fmt.Errorf("record login: %w", err)
	}
	user.FailedLoginAttempts = 0
	user.LockedUntil = nil
	user.LastLoginAt = &now
	user.LastLoginIP = client.IP

	result, err := s.openSession(ctx, user, client)
	if err != nil {
		return nil, err
	}

	s.recordAttempt(ctx, identifier, &user.ID, client, true, "")
	s.RecordSecurityEvent(ctx, &user.ID, models.EventLoginSuccess, "user logged in", client,
		map[string]any{"session_id": result.Session.ID})
	s.metrics.Logins.WithLabelValues("success").Inc()
	return result, nil
}

func (s *Service) loginFailed(ctx context.Context, user *models.User, identifier string, client models.ClientInfo) error {
	s.recordAttempt(ctx, identifier, &user.ID, client, false, "invalid_password")
	s.metrics.Logins.WithLabelValues("invalid_credentials").Inc()

	attempts, until, err := s.RecordFailedLogin(ctx, user.ID)
	if err != nil {
		return fmt.Errorf("record failed login: %w", err)
	}

	s.RecordSecurityEvent(ctx, &user.ID, models.EventLoginFailure, "invalid password", client,
		map[string]any{"failed_attempts": attempts})

	if until == nil {
		return apierr.ErrInvalidCredentials
	}

	s.metrics.Lockouts.Inc()
	s.RecordSecurityEvent(ctx, &user.ID, models.EventAccountLocked, "account locked after repeated failures", client,
		map[string]any{"failed_attempts": attempts, "locked_until": until.Format(time.RFC3339)})
	s.logger.Warn("account locked", zap.Int64("user_id", user.ID), zap.Int("failed_attempts", attempts))

	email, lockedUntil := user.Email, *until
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.notifier.AccountLocked(ctx, email, lockedUntil); err != nil {
			s.logger.Warn("failed to send lockout notice", zap.Int64("user_id", user.ID), zap.Error(err))
		}
	}()

	return &LockedError{Until: lockedUntil}
}

func (s *Service) openSession(ctx context.Context, user *models.User, client models.ClientInfo) (*LoginResult, error) {
	now := s.clock()
	session := &models.Session{
		ID:           uuid.NewString(),
		UserID:       user.ID,
		IPAddress:    client.IP,
		UserAgent:    client.UserAgent,
		ExpiresAt:    now.Add(s.cfg.SessionTTL),
		LastActivity: now,
		IsActive:     true,
		CreatedAt:    now,
	}
	if err := s.store.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	signed, expiresAt, err := s.issuer.Issue(user.ID, session.ID, user.TokenVersion)
	if err != nil {
		return nil, fmt.Errorf("issue token: %w", err)
	}
	return &LoginResult{Token: signed, ExpiresAt: expiresAt, User: user, Session: session}, nil
}

type RegisterInput struct {
	Email     string
	Password  string
	Name      string
	StudentID string
	Role      models.Role
	Metadata  models.Metadata
}

// Register creates a student account from the public sign-up form.
func (s *Service) Register(ctx context.Context, in RegisterInput, client models.ClientInfo) (*models.User, error) {
	in.Role = models.RoleStudent
	in.Metadata = models.Metadata{}

	user, err := s.CreateUser(ctx, in)
	if err != nil {
		return nil, err
	}
	s.RecordSecurityEvent(ctx, &user.ID, models.EventRegistrationCompleted, "account registered", client, nil)
	return user, nil
}

// CreateUser validates in and stores a new account with any role.
func (s *Service) CreateUser(ctx context.Context, in RegisterInput) (*models.User, error) {
	email, err := validation.NormalizeEmail(in.Email)
	if err != nil {
		return nil, err
	}
	if err := validation.ValidateName(in.Name); err != nil {
		return nil, err
	}
	var studentID *string
	if id := strings.TrimSpace(in.StudentID); id != "" {
		if err := validation.ValidateStudentID(id); err != nil {
			return nil, err
		}
		studentID = &id
	}
	if in.Role == "" {
		in.Role = models.RoleStudent
	}
	if !in.Role.Valid() {
		return nil, fmt.Errorf("unknown role %q", in.Role)
	}
	if err := s.validator.ValidatePassword(in.Password, email); err != nil {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), s.cost)
	if err != nil {
		return nil, err
	}

	user := &models.User{
		StudentID:         studentID,
		Email:             email,
		Name:              strings.TrimSpace(in.Name),
		PasswordHash:      string(hash),
		Role:              in.Role,
		IsActive:          true,
		TokenVersion:      1,
		Metadata:          in.Metadata,
		RemindersEnabled:  true,
		PasswordChangedAt: s.clock(),
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}
