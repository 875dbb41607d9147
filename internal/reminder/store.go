package reminder

import (
	"context"
	"database/sql"
	"time"

	"github.com/discoversutd/discover/internal/db"
)

// Pending is one registration whose event starts inside the lead window and
// that has no delivery record yet.
type Pending struct {
	UserID           int64
	EventID          int64
	UserName         string
	Title            string
	Location         string
	StartsAt         time.Time
	ChatID           *int64
	RemindersEnabled bool
}

// Store is what the dispatcher reads and writes.
type Store interface {
	PendingReminders(ctx context.Context, from, to time.Time) ([]Pending, error)
	// RecordSent writes the delivery record; false means one already existed.
	RecordSent(ctx context.Context, userID, eventID int64, at time.Time) (bool, error)
	ClearChatID(ctx context.Context, userID int64) error
	DeleteSentBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type SQLStore struct {
	db *db.DB
}

func NewSQLStore(d *db.DB) *SQLStore {
	return &SQLStore{db: d}
}

// PendingReminders lists registrations for events with from < starts_at <= to,
// ordered by start time.
func (s *SQLStore) PendingReminders(ctx context.Context, from, to time.Time) ([]Pending, error) {
	ctx, cancel := db.WithTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, s.db.Rebind(`
        SELECT r.user_id, e.id, u.name, e.title, e.location, e.starts_at,
               u.telegram_chat_id, u.reminders_enabled
        FROM event_registrations r
        JOIN events e ON e.id = r.event_id
        JOIN users u ON u.id = r.user_id
        LEFT JOIN event_reminders er ON er.user_id = r.user_id AND er.event_id = r.event_id
        WHERE e.starts_at > ? AND e.starts_at <= ?
          AND u.is_active = ?
          AND er.user_id IS NULL
        ORDER BY e.starts_at ASC, r.user_id ASC, e.id ASC
    `), from.UTC(), to.UTC(), true)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Pending
	for rows.Next() {
		var (
			p      Pending
			chatID sql.NullInt64
		)
		if err := rows.Scan(&p.UserID, &p.EventID, &p.UserName, &p.Title, &p.Location, &p.StartsAt,
			&chatID, &p.RemindersEnabled); err != nil {
			return nil, err
		}
		p.StartsAt = p.StartsAt.UTC()
		if chatID.Valid {
			id := chatID.Int64
			p.ChatID = &id
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLStore) RecordSent(ctx context.Context, userID, eventID int64, at time.Time) (bool, error) {
	ctx, cancel := db.WithTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
        INSERT INTO event_reminders (user_id, event_id, sent_at)
        VALUES (?, ?, ?)
        ON CONFLICT (user_id, event_id) DO NOTHING
    `), userID, eventID, at.UTC())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLStore) ClearChatID(ctx context.Context, userID int64) error {
	ctx, cancel := db.WithTimeout(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
        UPDATE users SET telegram_chat_id = NULL, updated_at = ? WHERE id = ?
    `), time.Now().UTC(), userID)
	return err
}

func (s *SQLStore) DeleteSentBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, cancel := db.WithTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
        DELETE FROM event_reminders WHERE sent_at < ?
    `), cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
