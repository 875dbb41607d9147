package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	apierr "github.com/discoversutd/discover/internal/auth"
	"github.com/discoversutd/discover/internal/auth/models"
	"github.com/discoversutd/discover/internal/db"
)

// Store persists users, sessions and the security audit trail.
type Store struct {
	db *db.DB
}

func New(d *db.DB) *Store {
	return &Store{db: d}
}

type rowScanner interface {
	Scan(dest ...any) error
}

const userColumns = `
    id, student_id, email, name, password_hash, role, is_active,
    failed_login_attempts, locked_until, token_version, metadata,
    telegram_chat_id, reminders_enabled, last_login_at, last_login_ip,
    password_changed_at, created_at, updated_at`

func scanUser(row rowScanner) (*models.User, error) {
	var (
		user     models.User
		metadata []byte
	)
	err := row.Scan(
		&user.ID, &user.StudentID, &user.Email, &user.Name, &user.PasswordHash,
		&user.Role, &user.IsActive, &user.FailedLoginAttempts, &user.LockedUntil,
		&user.TokenVersion, &metadata, &user.TelegramChatID, &user.RemindersEnabled,
		&user.LastLoginAt, &user.LastLoginIP, &user.PasswordChangedAt,
		&user.CreatedAt, &user.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierr.ErrUserNotFound
		}
		return nil, err
	}

	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &user.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata for user %d: %w", user.ID, err)
		}
	}
	return &user, nil
}

// CreateUser inserts user and fills in its generated id.
// Unique violations map to apierr.ErrEmailTaken or apierr.ErrStudentIDTaken.
func (s *Store) CreateUser(ctx context.Context, user *models.User) error {
	ctx, cancel := db.WithTimeout(ctx)
	defer cancel()

	metadata, err := json.Marshal(user.Metadata)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if user.PasswordChangedAt.IsZero() {
		user.PasswordChangedAt = now
	}
	user.CreatedAt, user.UpdatedAt = now, now
	if user.TokenVersion == 0 {
		user.TokenVersion = 1
	}

	err = s.db.QueryRowContext(ctx, s.db.Rebind(`
        INSERT INTO users (
            student_id, email, name, password_hash, role, is_active,
            token_version, metadata, reminders_enabled,
            password_changed_at, created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        RETURNING id
    `), user.StudentID, user.Email, user.Name, user.PasswordHash, user.Role,
		user.IsActive, user.TokenVersion, string(metadata), user.RemindersEnabled,
		user.PasswordChangedAt, user.CreatedAt, user.UpdatedAt,
	).Scan(&user.ID)
	if err != nil {
		if isUniqueViolation(err) {
			if strings.Contains(err.Error(), "student_id") {
				return apierr.ErrStudentIDTaken
			}
			return apierr.ErrEmailTaken
		}
		return err
	}
	return nil
}

func (s *Store) GetUserByID(ctx context.Context, id int64) (*models.User, error) {
	ctx, cancel := db.WithTimeout(ctx)
	defer cancel()

	return scanUser(s.db.QueryRowContext(ctx, s.db.Rebind(`
        SELECT`+userColumns+`
        FROM users WHERE id = ?
    `), id))
}

// GetUserByIdentifier looks a user up by email or by student id.
func (s *Store) GetUserByIdentifier(ctx context.Context, identifier string) (*models.User, error) {
	ctx, cancel := db.WithTimeout(ctx)
	defer cancel()

	identifier = strings.TrimSpace(identifier)
	return scanUser(s.db.QueryRowContext(ctx, s.db.Rebind(`
        SELECT`+userColumns+`
        FROM users WHERE email = ? OR student_id = ?
        ORDER BY id ASC
        LIMIT 1
    `), strings.ToLower(identifier), identifier))
}

// UpdateLoginSuccess clears the failure counter and records the login.
func (s *Store) UpdateLoginSuccess(ctx context.Context, userID int64, ip string, at time.Time) error {
	ctx, cancel := db.WithTimeout(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
        UPDATE users SET
            failed_login_attempts = 0,
            locked_until = NULL,
            last_login_at = ?,
            last_login_ip = ?,
            updated_at = ?
        WHERE id = ?
    `), at, ip, at, userID)
	return err
}

// IncrementFailedLogin adds one failure and, in the same statement, sets
// locked_until once the new count reaches threshold. It returns the new count.
func (s *Store) IncrementFailedLogin(ctx context.Context, userID int64, threshold int, lockUntil, at time.Time) (int, error) {
	ctx, cancel := db.WithTimeout(ctx)
	defer cancel()

	var attempts int
	err := s.db.QueryRowContext(ctx, s.db.Rebind(`
        UPDATE users SET
            failed_login_attempts = failed_login_attempts + 1,
            locked_until = CASE
                WHEN failed_login_attempts + 1 >= ? THEN ?
                ELSE locked_until
            END,
            updated_at = ?
        WHERE id = ?
        RETURNING failed_login_attempts
    `), threshold, lockUntil, at, userID).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, apierr.ErrUserNotFound
	}
	return attempts, err
}

func (s *Store) ResetFailedLogins(ctx context.Context, userID int64) error {
	ctx, cancel := db.WithTimeout(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
        UPDATE users SET failed_login_attempts = 0, locked_until = NULL, updated_at = ?
        WHERE id = ?
    `), time.Now().UTC(), userID)
	return err
}

// BumpTokenVersion invalidates every token issued to the user so far and
// returns the new version.
func (s *Store) BumpTokenVersion(ctx context.Context, userID int64) (int, error) {
	ctx, cancel := db.WithTimeout(ctx)
	defer cancel()

	var version int
	err := s.db.QueryRowContext(ctx, s.db.Rebind(`
        UPDATE users SET token_version = token_version + 1, updated_at = ?
        WHERE id = ?
        RETURNING token_version
    `), time.Now().UTC(), userID).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, apierr.ErrUserNotFound
	}
	return version, err
}

// UpdatePassword stores a new hash and bumps the token version.
func (s *Store) UpdatePassword(ctx context.Context, userID int64, hash string, at time.Time) (int, error) {
	ctx, cancel := db.WithTimeout(ctx)
	defer cancel()

	var version int
	err := s.db.QueryRowContext(ctx, s.db.Rebind(`
        UPDATE users SET
            password_hash = ?,
            password_changed_at = ?,
            token_version = token_version + 1,
            updated_at = ?
        WHERE id = ?
        RETURNING token_version
    `), hash, at, at, userID).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, apierr.ErrUserNotFound
	}
	return version, err
}

func (s *Store) UpdateMetadata(ctx context.Context, userID int64, meta models.Metadata) error {
	ctx, cancel := db.WithTimeout(ctx)
	defer cancel()

	raw, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return expectOne(s.db.ExecContext(ctx, s.db.Rebind(`
        UPDATE users SET metadata = ?, updated_at = ? WHERE id = ?
    `), string(raw), time.Now().UTC(), userID))
}

// SetActive toggles the soft-deactivation flag. Deactivation also bumps the
// token version so live tokens stop working on the next request.
func (s *Store) SetActive(ctx context.Context, userID int64, active bool) error {
	ctx, cancel := db.WithTimeout(ctx)
	defer cancel()

	bump := 0
	if !active {
		bump = 1
	}
	return expectOne(s.db.ExecContext(ctx, s.db.Rebind(`
        UPDATE users SET is_active = ?, token_version = token_version + ?, updated_at = ?
        WHERE id = ?
    `), active, bump, time.Now().UTC(), userID))
}

// SetTelegram links (or unlinks, with a nil chatID) a Telegram chat and sets the reminder preference.
func (s *Store) SetTelegram(ctx context.Context, userID int64, chatID *int64, remindersEnabled bool) error {
	ctx, cancel := db.WithTimeout(ctx)
	defer cancel()

	return expectOne(s.db.ExecContext(ctx, s.db.Rebind(`
        UPDATE users SET telegram_chat_id = ?, reminders_enabled = ?, updated_at = ?
        WHERE id = ?
    `), chatID, remindersEnabled, time.Now().UTC(), userID))
}

func (s *Store) ListUsers(ctx context.Context, limit, offset int) ([]models.User, error) {
	ctx, cancel := db.WithTimeout(ctx)
	defer cancel()

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(`
        SELECT`+userColumns+`
        FROM users
        ORDER BY id ASC
        LIMIT ? OFFSET ?
    `), limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *user)
	}
	return users, rows.Err()
}

func expectOne(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apierr.ErrUserNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		code := liteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE ||
			(code&0xff == sqlite3.SQLITE_CONSTRAINT && strings.Contains(liteErr.Error(), "UNIQUE"))
	}
	return false
}
