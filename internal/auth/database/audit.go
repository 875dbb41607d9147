package database

import (
	"context"
	"encoding/json"
	"time"

	"github.com/discoversutd/discover/internal/auth/models"
	"github.com/discoversutd/discover/internal/db"
)

// CreateSecurityEvent appends to the security audit trail.
func (s *Store) CreateSecurityEvent(ctx context.Context, ev *models.SecurityEvent) error {
	ctx, cancel := db.WithTimeout(ctx)
	defer cancel()

	metadata := []byte("{}")
	if len(ev.Metadata) > 0 {
		var err error
		if metadata, err = json.Marshal(ev.Metadata); err != nil {
			return err
		}
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
        INSERT INTO security_events (
            user_id, event_type, description, ip_address, user_agent, metadata, created_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?)
    `), ev.UserID, ev.EventType, ev.Description, ev.IPAddress, ev.UserAgent,
		string(metadata), ev.CreatedAt)
	return err
}

// CreateLoginAttempt appends one credential check outcome.
func (s *Store) CreateLoginAttempt(ctx context.Context, a *models.LoginAttempt) error {
	ctx, cancel := db.WithTimeout(ctx)
	defer cancel()

	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
        INSERT INTO login_attempts (
            identifier, user_id, ip_address, user_agent, success, failure_reason, created_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?)
    `), a.Identifier, a.UserID, a.IPAddress, a.UserAgent, a.Success, a.FailureReason, a.CreatedAt)
	return err
}
