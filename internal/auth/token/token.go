package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"

	apierr "github.com/discoversutd/discover/internal/auth"
	"github.com/discoversutd/discover/internal/config"
)

// Claims carried by every access token. SessionID is empty for tokens
// that were issued without a session row.
type Claims struct {
	UserID       int64  `json:"user_id"`
	SessionID    string `json:"session_id,omitempty"`
	TokenVersion int    `json:"token_version"`
	jwt.RegisteredClaims
}

// Issuer signs and verifies HS256 access tokens.
type Issuer struct {
	secret   []byte
	issuer   string
	audience string
	ttl      time.Duration
	now      func() time.Time
	parser   *jwt.Parser
}

// NewIssuer refuses to build an issuer around a weak or placeholder secret.
func NewIssuer(secret, issuer, audience string, ttl time.Duration) (*Issuer, error) {
	if config.WeakSecret(secret) {
		return nil, apierr.ErrWeakSigningKey
	}
	if ttl <= 0 {
		return nil, errors.New("token ttl must be positive")
	}
	return &Issuer{
		secret:   []byte(secret),
		issuer:   issuer,
		audience: audience,
		ttl:      ttl,
		now:      time.Now,
		// time based claims are checked in Verify against the injected clock
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithoutClaimsValidation(),
		),
	}, nil
}

// WithClock replaces the clock used for iat/exp; tests only.
func (i *Issuer) WithClock(now func() time.Time) *Issuer {
	i.now = now
	return i
}

// TTL is the lifetime given to new tokens.
func (i *Issuer) TTL() time.Duration {
	return i.ttl
}

// Issue signs a token bound to the user, the session and the user's current token version.
func (i *Issuer) Issue(userID int64, sessionID string, version int) (string, time.Time, error) {
	now := i.now()
	expiresAt := now.Add(i.ttl)

	claims := Claims{
		UserID:       userID,
		SessionID:    sessionID,
		TokenVersion: version,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    i.issuer,
			Audience:  jwt.ClaimStrings{i.audience},
			Subject:   fmt.Sprintf("%d", userID),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// Verify checks signature, algorithm, issuer, audience and expiry.
// Expiry yields apierr.ErrTokenExpired; every other failure apierr.ErrInvalidToken.
func (i *Issuer) Verify(raw string) (*Claims, error) {
	claims := &Claims{}
	tok, err := i.parser.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return i.secret, nil
	})
	if err != nil || !tok.Valid {
		return nil, apierr.ErrInvalidToken
	}

	now := i.now()
	if claims.ExpiresAt == nil || !claims.VerifyExpiresAt(now, true) {
		return nil, apierr.ErrTokenExpired
	}
	if !claims.VerifyIssuer(i.issuer, true) || !claims.VerifyAudience(i.audience, true) {
		return nil, apierr.ErrInvalidToken
	}
	if claims.UserID <= 0 || claims.TokenVersion <= 0 {
		return nil, apierr.ErrInvalidToken
	}
	return claims, nil
}
