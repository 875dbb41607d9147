// Package events stores campus events and student registrations and serves
// them behind the permission guards.
package events

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/discoversutd/discover/internal/db"
)

var (
	ErrEventNotFound      = errors.New("event not found")
	ErrAlreadyRegistered  = errors.New("already registered for this event")
	ErrNotRegistered      = errors.New("not registered for this event")
	ErrEventAlreadyPassed = errors.New("event has already started")
)

type Event struct {
	ID            int64      `json:"id"`
	Title         string     `json:"title"`
	Description   string     `json:"description"`
	Location      string     `json:"location"`
	StartsAt      time.Time  `json:"starts_at"`
	EndsAt        *time.Time `json:"ends_at,omitempty"`
	CreatedBy     int64      `json:"created_by"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	Registrations int        `json:"registrations"`
	// Registered is only set for identified callers.
	Registered *bool `json:"registered,omitempty"`
}

type ListFilter struct {
	// From limits the list to events starting at or after it when non-zero.
	From   time.Time
	Limit  int
	Offset int
}

type EventCount struct {
	ID            int64     `json:"id"`
	Title         string    `json:"title"`
	StartsAt      time.Time `json:"starts_at"`
	Registrations int       `json:"registrations"`
}

type Summary struct {
	TotalEvents        int          `json:"total_events"`
	UpcomingEvents     int          `json:"upcoming_events"`
	TotalRegistrations int          `json:"total_registrations"`
	RemindersSent      int          `json:"reminders_sent"`
	TopEvents          []EventCount `json:"top_events"`
}

type Store struct {
	db *db.DB
}

func NewStore(d *db.DB) *Store {
	return &Store{db: d}
}

const eventColumns = `
    e.id, e.title, e.description, e.location, e.starts_at, e.ends_at,
    e.created_by, e.created_at, e.updated_at,
    (SELECT COUNT(*) FROM event_registrations r WHERE r.event_id = e.id)`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*Event, error) {
	var (
		e      Event
		endsAt sql.NullTime
	)
	err := row.Scan(&e.ID, &e.Title, &e.Description, &e.Location, &e.StartsAt, &endsAt,
		&e.CreatedBy, &e.CreatedAt, &e.UpdatedAt, &e.Registrations)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrEventNotFound
		}
		return nil, err
	}
	e.StartsAt = e.StartsAt.UTC()
	if endsAt.Valid {
		t := endsAt.Time.UTC()
		e.EndsAt = &t
	}
	return &e, nil
}

func utcPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func (s *Store) Create(ctx context.Context, e *Event) error {
	ctx, cancel := db.WithTimeout(ctx)
	defer cancel()

	now := time.Now().UTC()
	e.CreatedAt, e.UpdatedAt = now, now
	return s.db.QueryRowContext(ctx, s.db.Rebind(`
        INSERT INTO events (title, description, location, starts_at, ends_at, created_by, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)
        RETURNING id
    `), e.Title, e.Description, e.Location, e.StartsAt.UTC(), utcPtr(e.EndsAt), e.CreatedBy, now, now).Scan(&e.ID)
}

func (s *Store) Get(ctx context.Context, id int64) (*Event, error) {
	ctx, cancel := db.WithTimeout(ctx)
	defer cancel()

	return scanEvent(s.db.QueryRowContext(ctx, s.db.Rebind(`
        SELECT`+eventColumns+`
        FROM events e WHERE e.id = ?
    `), id))
}

// List returns events ordered by start time.
func (s *Store) List(ctx context.Context, f ListFilter) ([]Event, error) {
	ctx, cancel := db.WithTimeout(ctx)
	defer cancel()

	var (
		where strings.Builder
		args  []any
	)
	if !f.From.IsZero() {
		where.WriteString(" WHERE e.starts_at >= ?")
		args = append(args, f.From.UTC())
	}
	args = append(args, f.Limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, s.db.Rebind(`
        SELECT`+eventColumns+`
        FROM events e`+where.String()+`
        ORDER BY e.starts_at ASC, e.id ASC
        LIMIT ? OFFSET ?
    `), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Event{}
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func (s *Store) Update(ctx context.Context, e *Event) error {
	ctx, cancel := db.WithTimeout(ctx)
	defer cancel()

	e.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
        UPDATE events SET title = ?, description = ?, location = ?, starts_at = ?, ends_at = ?, updated_at = ?
        WHERE id = ?
    `), e.Title, e.Description, e.Location, e.StartsAt.UTC(), utcPtr(e.EndsAt), e.UpdatedAt, e.ID)
	return expectEvent(res, err)
}

// Delete removes the event with its registrations and reminder records.
func (s *Store) Delete(ctx context.Context, id int64) error {
	ctx, cancel := db.WithTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM events WHERE id = ?`), id)
	return expectEvent(res, err)
}

func (s *Store) Register(ctx context.Context, userID, eventID int64, at time.Time) error {
	ctx, cancel := db.WithTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
        INSERT INTO event_registrations (user_id, event_id, created_at)
        VALUES (?, ?, ?)
        ON CONFLICT (user_id, event_id) DO NOTHING
    `), userID, eventID, at.UTC())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrAlreadyRegistered
	}
	return nil
}

// Unregister withdraws a registration. A reminder record, if any, is kept so
// a later re-registration is not reminded twice.
func (s *Store) Unregister(ctx context.Context, userID, eventID int64) error {
	ctx, cancel := db.WithTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
        DELETE FROM event_registrations WHERE user_id = ? AND event_id = ?
    `), userID, eventID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotRegistered
	}
	return nil
}

// RegisteredEventIDs returns the set of events userID is registered for.
func (s *Store) RegisteredEventIDs(ctx context.Context, userID int64) (map[int64]bool, error) {
	ctx, cancel := db.WithTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, s.db.Rebind(`
        SELECT event_id FROM event_registrations WHERE user_id = ?
    `), userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make(map[int64]bool)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids[id] = true
	}
	return ids, rows.Err()
}

// Summary aggregates event and registration counts as of now.
func (s *Store) Summary(ctx context.Context, now time.Time, top int) (*Summary, error) {
	ctx, cancel := db.WithTimeout(ctx)
	defer cancel()

	sum := &Summary{TopEvents: []EventCount{}}
	err := s.db.QueryRowContext(ctx, s.db.Rebind(`
        SELECT
            (SELECT COUNT(*) FROM events),
            (SELECT COUNT(*) FROM events WHERE starts_at >= ?),
            (SELECT COUNT(*) FROM event_registrations),
            (SELECT COUNT(*) FROM event_reminders)
    `), now.UTC()).Scan(&sum.TotalEvents, &sum.UpcomingEvents, &sum.TotalRegistrations, &sum.RemindersSent)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, s.db.Rebind(`
        SELECT e.id, e.title, e.starts_at, COUNT(r.user_id) AS n
        FROM events e
        JOIN event_registrations r ON r.event_id = e.id
        GROUP BY e.id, e.title, e.starts_at
        ORDER BY n DESC, e.starts_at ASC
        LIMIT ?
    `), top)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var c EventCount
		if err := rows.Scan(&c.ID, &c.Title, &c.StartsAt, &c.Registrations); err != nil {
			return nil, err
		}
		c.StartsAt = c.StartsAt.UTC()
		sum.TopEvents = append(sum.TopEvents, c)
	}
	return sum, rows.Err()
}

func expectEvent(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrEventNotFound
	}
	return nil
}
