package database

import (
	"context"
	"database/sql"
	"errors"
	"time"

	apierr "github.com/discoversutd/discover/internal/auth"
	"github.com/discoversutd/discover/internal/auth/models"
	"github.com/discoversutd/discover/internal/db"
)

const sessionColumns = `
    id, user_id, ip_address, user_agent, expires_at, last_activity, is_active, created_at`

func scanSession(row rowScanner) (*models.Session, error) {
	var s models.Session
	err := row.Scan(&s.ID, &s.UserID, &s.IPAddress, &s.UserAgent,
		&s.ExpiresAt, &s.LastActivity, &s.IsActive, &s.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierr.ErrSessionNotFound
		}
		return nil, err
	}
	return &s, nil
}

func (s *Store) CreateSession(ctx context.Context, session *models.Session) error {
	ctx, cancel := db.WithTimeout(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
        INSERT INTO user_sessions (
            id, user_id, ip_address, user_agent, expires_at,
            last_activity, is_active, created_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
    `), session.ID, session.UserID, session.IPAddress, session.UserAgent,
		session.ExpiresAt, session.LastActivity, session.IsActive, session.CreatedAt)
	return err
}

func (s *Store) GetSession(ctx context.Context, id string) (*models.Session, error) {
	ctx, cancel := db.WithTimeout(ctx)
	defer cancel()

	return scanSession(s.db.QueryRowContext(ctx, s.db.Rebind(`
        SELECT`+sessionColumns+`
        FROM user_sessions WHERE id = ?
    `), id))
}

// TouchSession records activity on a session. Only last_activity changes;
// expiry is never extended.
func (s *Store) TouchSession(ctx context.Context, id string, at time.Time) error {
	ctx, cancel := db.WithTimeout(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
        UPDATE user_sessions SET last_activity = ? WHERE id = ?
    `), at, id)
	return err
}

// DeactivateSession ends one session owned by userID.
func (s *Store) DeactivateSession(ctx context.Context, id string, userID int64) error {
	ctx, cancel := db.WithTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
        UPDATE user_sessions SET is_active = ?
        WHERE id = ? AND user_id = ? AND is_active = ?
    `), false, id, userID, true)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apierr.ErrSessionNotFound
	}
	return nil
}

// DeactivateUserSessions ends every active session of the user and reports how many.
func (s *Store) DeactivateUserSessions(ctx context.Context, userID int64) (int64, error) {
	ctx, cancel := db.WithTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
        UPDATE user_sessions SET is_active = ? WHERE user_id = ? AND is_active = ?
    `), false, userID, true)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) ListActiveSessions(ctx context.Context, userID int64, now time.Time) ([]models.Session, error) {
	ctx, cancel := db.WithTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, s.db.Rebind(`
        SELECT`+sessionColumns+`
        FROM user_sessions
        WHERE user_id = ? AND is_active = ? AND expires_at > ?
        ORDER BY last_activity DESC
    `), userID, true, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *session)
	}
	return sessions, rows.Err()
}

// DeleteExpiredSessions removes sessions that can no longer authenticate.
func (s *Store) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	ctx, cancel := db.WithTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
        DELETE FROM user_sessions WHERE expires_at < ? OR is_active = ?
    `), now, false)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
