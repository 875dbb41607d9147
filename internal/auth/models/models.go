package models

import (
	"encoding/json"
	"time"
)

type Role string

const (
	RoleAdmin   Role = "admin"
	RoleClub    Role = "club"
	RoleStudent Role = "student"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleClub, RoleStudent:
		return true
	}
	return false
}

// Metadata is the free-form JSON document stored alongside a user.
// Only the access level and the permission/restriction lists are interpreted.
type Metadata struct {
	AccessLevel  string         `json:"access_level,omitempty"`
	Permissions  []string       `json:"permissions,omitempty"`
	Restrictions []string       `json:"restrictions,omitempty"`
	Extra        map[string]any `json:"-"`
}

// UnmarshalJSON keeps unknown keys in Extra so admin edits never drop them.
func (m *Metadata) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*m = Metadata{}
	for key, value := range raw {
		var err error
		switch key {
		case "access_level":
			err = json.Unmarshal(value, &m.AccessLevel)
		case "permissions":
			err = json.Unmarshal(value, &m.Permissions)
		case "restrictions":
			err = json.Unmarshal(value, &m.Restrictions)
		default:
			if m.Extra == nil {
				m.Extra = make(map[string]any)
			}
			var v any
			err = json.Unmarshal(value, &v)
			m.Extra[key] = v
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (m Metadata) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.Extra)+3)
	for k, v := range m.Extra {
		out[k] = v
	}
	if m.AccessLevel != "" {
		out["access_level"] = m.AccessLevel
	}
	if len(m.Permissions) > 0 {
		out["permissions"] = m.Permissions
	}
	if len(m.Restrictions) > 0 {
		out["restrictions"] = m.Restrictions
	}
	return json.Marshal(out)
}

type User struct {
	ID                  int64      `json:"id"`
	StudentID           *string    `json:"student_id,omitempty"`
	Email               string     `json:"email"`
	Name                string     `json:"name"`
	PasswordHash        string     `json:"-"`
	Role                Role       `json:"role"`
	IsActive            bool       `json:"is_active"`
	FailedLoginAttempts int        `json:"-"`
	LockedUntil         *time.Time `json:"-"`
	TokenVersion        int        `json:"-"`
	Metadata            Metadata   `json:"metadata"`
	TelegramChatID      *int64     `json:"-"`
	RemindersEnabled    bool       `json:"reminders_enabled"`
	LastLoginAt         *time.Time `json:"last_login_at,omitempty"`
	LastLoginIP         string     `json:"-"`
	PasswordChangedAt   time.Time  `json:"password_changed_at"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// IsLocked reports whether the lockout window is still open at now.
func (u *User) IsLocked(now time.Time) bool {
	return u.LockedUntil != nil && now.Before(*u.LockedUntil)
}

// Session is one login instance. A user may hold several at once.
type Session struct {
	ID           string    `json:"id"`
	UserID       int64     `json:"user_id"`
	IPAddress    string    `json:"ip_address"`
	UserAgent    string    `json:"user_agent"`
	ExpiresAt    time.Time `json:"expires_at"`
	LastActivity time.Time `json:"last_activity"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
}

// Valid reports whether the session can still authenticate requests at now.
func (s *Session) Valid(now time.Time) bool {
	return s.IsActive && now.Before(s.ExpiresAt)
}

// Security event types written to the audit trail.
const (
	EventLoginSuccess          = "login_success"
	EventLoginFailure          = "login_failure"
	EventAccountLocked         = "account_locked"
	EventTokenVersionMismatch  = "token_version_mismatch"
	EventInvalidSession        = "invalid_session"
	EventLogout                = "logout"
	EventLogoutAll             = "logout_all"
	EventPasswordChanged       = "password_changed"
	EventPermissionDenied      = "permission_denied"
	EventUnauthorizedMutation  = "unauthorized_mutation_attempt"
	EventUserDeactivated       = "user_deactivated"
	EventPermissionsUpdated    = "permissions_updated"
	EventSessionRevoked        = "session_revoked"
	EventRegistrationCompleted = "registration"
	EventAccountUnlocked       = "account_unlocked"
)

type SecurityEvent struct {
	ID          int64          `json:"id"`
	UserID      *int64         `json:"user_id,omitempty"`
	EventType   string         `json:"event_type"`
	Description string         `json:"description"`
	IPAddress   string         `json:"ip_address"`
	UserAgent   string         `json:"user_agent"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

type LoginAttempt struct {
	ID            int64     `json:"id"`
	Identifier    string    `json:"identifier"`
	UserID        *int64    `json:"user_id,omitempty"`
	IPAddress     string    `json:"ip_address"`
	UserAgent     string    `json:"user_agent"`
	Success       bool      `json:"success"`
	FailureReason string    `json:"failure_reason,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// ClientInfo identifies where a request came from for sessions and audit rows.
type ClientInfo struct {
	IP        string
	UserAgent string
}
