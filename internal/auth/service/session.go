package service

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	apierr "github.com/discoversutd/discover/internal/auth"
	"github.com/discoversutd/discover/internal/auth/models"
	"github.com/discoversutd/discover/internal/auth/permissions"
	"github.com/discoversutd/discover/internal/auth/token"
	"github.com/discoversutd/discover/internal/auth/validation"
)

// Identity is the authenticated caller of one request.
type Identity struct {
	User   *models.User
	Claims *token.Claims
}

// SessionID is empty for tokens issued without a session.
func (id *Identity) SessionID() string {
	if id == nil || id.Claims == nil {
		return ""
	}
	return id.Claims.SessionID
}

// Access derives the caller's permission view from the fresh user row.
func (id *Identity) Access() permissions.Access {
	return permissions.FromUser(id.User)
}

// Authenticate resolves a raw bearer token into an identity. The token must
// verify, name an active user, carry that user's current token version and,
// when it names a session, that session must be active, unexpired and owned by
// the user. The session's last activity is refreshed on success.
//
// Rejections are apierr sentinels; any other error is an infrastructure failure.
func (s *Service) Authenticate(ctx context.Context, raw string, client models.ClientInfo) (*Identity, error) {
	if raw == "" {
		return nil, apierr.ErrAuthRequired
	}

	claims, err := s.issuer.Verify(raw)
	if err != nil {
		return nil, err
	}

	user, err := s.store.GetUserByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, apierr.ErrUserNotFound) {
			return nil, apierr.ErrUnauthorized
		}
		return nil, fmt.Errorf("load user: %w", err)
	}
	if !user.IsActive {
		return nil, apierr.ErrUnauthorized
	}

	if claims.TokenVersion != user.TokenVersion {
		s.RecordSecurityEvent(ctx, &user.ID, models.EventTokenVersionMismatch, "token version no longer current", client,
			map[string]any{"token_version": claims.TokenVersion, "current_version": user.TokenVersion})
		return nil, apierr.ErrSessionExpired
	}

	if claims.SessionID != "" {
		session, err := s.store.GetSession(ctx, claims.SessionID)
		if err != nil && !errors.Is(err, apierr.ErrSessionNotFound) {
			return nil, fmt.Errorf("load session: %w", err)
		}
		if session == nil || session.UserID != user.ID || !session.Valid(s.clock()) {
			s.RecordSecurityEvent(ctx, &user.ID, models.EventInvalidSession, "session missing, inactive or expired", client,
				map[string]any{"session_id": claims.SessionID})
			return nil, apierr.ErrSessionExpired
		}
		if err := s.store.TouchSession(ctx, session.ID, s.clock()); err != nil {
			return nil, fmt.Errorf("touch session: %w", err)
		}
	}

	return &Identity{User: user, Claims: claims}, nil
}

// Logout ends the caller's current session.
func (s *Service) Logout(ctx context.Context, id *Identity, client models.ClientInfo) error {
	if sid := id.SessionID(); sid != "" {
		if err := s.store.DeactivateSession(ctx, sid, id.User.ID); err != nil && !errors.Is(err, apierr.ErrSessionNotFound) {
			return err
		}
	}
	s.RecordSecurityEvent(ctx, &id.User.ID, models.EventLogout, "user logged out", client,
		map[string]any{"session_id": id.SessionID()})
	return nil
}

// LogoutAll invalidates every token and session the user holds.
func (s *Service) LogoutAll(ctx context.Context, id *Identity, client models.ClientInfo) error {
	version, err := s.store.BumpTokenVersion(ctx, id.User.ID)
	if err != nil {
		return err
	}
	n, err := s.store.DeactivateUserSessions(ctx, id.User.ID)
	if err != nil {
		return err
	}
	s.RecordSecurityEvent(ctx, &id.User.ID, models.EventLogoutAll, "all sessions revoked", client,
		map[string]any{"sessions": n, "token_version": version})
	return nil
}

// ChangePassword replaces the password after checking the current one. Every
// existing token and session is revoked; the returned session replaces the caller's.
func (s *Service) ChangePassword(ctx context.Context, id *Identity, current, next string, client models.ClientInfo) (*LoginResult, error) {
	if err := bcrypt.CompareHashAndPassword([]byte(id.User.PasswordHash), []byte(current)); err != nil {
		return nil, apierr.ErrInvalidCredentials
	}
	if current == next {
		return nil, validation.ErrPasswordUnchanged
	}
	if err := s.validator.ValidatePassword(next, id.User.Email); err != nil {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(next), s.cost)
	if err != nil {
		return nil, err
	}

	now := s.clock()
	version, err := s.store.UpdatePassword(ctx, id.User.ID, string(hash), now)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.DeactivateUserSessions(ctx, id.User.ID); err != nil {
		return nil, err
	}
	s.RecordSecurityEvent(ctx, &id.User.ID, models.EventPasswordChanged, "password changed", client, nil)

	user := *id.User
	user.PasswordHash = string(hash)
	user.PasswordChangedAt = now
	user.TokenVersion = version
	return s.openSession(ctx, &user, client)
}

func (s *Service) ListSessions(ctx context.Context, userID int64) ([]models.Session, error) {
	sessions, err := s.store.ListActiveSessions(ctx, userID, s.clock())
	if err != nil {
		return nil, err
	}
	if sessions == nil {
		sessions = []models.Session{}
	}
	return sessions, nil
}

// RevokeSession ends one of the caller's own sessions.
func (s *Service) RevokeSession(ctx context.Context, id *Identity, sessionID string, client models.ClientInfo) error {
	if err := s.store.DeactivateSession(ctx, sessionID, id.User.ID); err != nil {
		return err
	}
	s.RecordSecurityEvent(ctx, &id.User.ID, models.EventSessionRevoked, "session revoked", client,
		map[string]any{"session_id": sessionID})
	return nil
}
