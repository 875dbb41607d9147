package apierr

import "errors"

var (
	// ErrUserLocked is returned when an account is temporarily locked after too many failed logins.
	ErrUserLocked = errors.New("account is temporarily locked")
	// ErrInvalidToken is returned when a token fails signature, algorithm, issuer or audience checks.
	ErrInvalidToken = errors.New("invalid token")
	// ErrTokenExpired is returned when a token is well formed but past its expiry.
	ErrTokenExpired = errors.New("token expired")
	// ErrAuthRequired is returned when a protected route receives no credential at all.
	ErrAuthRequired = errors.New("authentication required")
	// ErrUnauthorized is returned when the token names a user that is missing or deactivated.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrSessionExpired is returned when the token version or the named session no longer matches the store.
	ErrSessionExpired = errors.New("session expired")
	// ErrInvalidCredentials is returned when a user provides incorrect authentication credentials.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrAccountInactive is returned when a deactivated account attempts to log in.
	ErrAccountInactive = errors.New("account is deactivated")
	// ErrEmailTaken is returned when attempting to register an email that already exists.
	ErrEmailTaken = errors.New("email already registered")
	// ErrStudentIDTaken is returned when attempting to register a student id that already exists.
	ErrStudentIDTaken = errors.New("student id already registered")
	// ErrUserNotFound is returned when a user record is not found in the database.
	ErrUserNotFound = errors.New("user not found")
	// ErrSessionNotFound is returned when a session record is not found or belongs to another user.
	ErrSessionNotFound = errors.New("session not found")
	// ErrWeakSigningKey is returned at startup when the JWT secret is missing, short, or a known placeholder.
	ErrWeakSigningKey = errors.New("jwt signing key is missing or too weak")
)
