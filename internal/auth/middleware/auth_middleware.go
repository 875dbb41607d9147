package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	apierr "github.com/discoversutd/discover/internal/auth"
	"github.com/discoversutd/discover/internal/auth/models"
	"github.com/discoversutd/discover/internal/auth/permissions"
	"github.com/discoversutd/discover/internal/auth/service"
	"github.com/discoversutd/discover/internal/httpx"
	"github.com/discoversutd/discover/internal/metrics"
)

// Authenticator is the part of the auth service the middleware calls.
type Authenticator interface {
	Authenticate(ctx context.Context, raw string, client models.ClientInfo) (*service.Identity, error)
	RecordSecurityEvent(ctx context.Context, userID *int64, eventType, description string, client models.ClientInfo, meta map[string]any)
}

type AuthMiddleware struct {
	auth       Authenticator
	policy     permissions.Policy
	cookieName string
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

func NewAuthMiddleware(auth Authenticator, policy permissions.Policy, cookieName string, m *metrics.Metrics, logger *zap.Logger) *AuthMiddleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuthMiddleware{
		auth:       auth,
		policy:     policy,
		cookieName: cookieName,
		metrics:    m,
		logger:     logger,
	}
}

type contextKey struct{}

var identityKey contextKey

// WithIdentity stores id in ctx.
func WithIdentity(ctx context.Context, id *service.Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFromContext returns the caller set by Authenticate or Optional, if any.
func IdentityFromContext(ctx context.Context) (*service.Identity, bool) {
	id, ok := ctx.Value(identityKey).(*service.Identity)
	return id, ok && id != nil
}

// tokenFromRequest prefers the Authorization header over the cookie.
func (m *AuthMiddleware) tokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, raw, ok := strings.Cut(h, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") {
			return ""
		}
		return strings.TrimSpace(raw)
	}
	if m.cookieName != "" {
		if c, err := r.Cookie(m.cookieName); err == nil {
			return c.Value
		}
	}
	return ""
}

// Authenticate rejects requests without a valid identity.
func (m *AuthMiddleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := m.auth.Authenticate(r.Context(), m.tokenFromRequest(r), httpx.Client(r))
		if err != nil {
			m.reject(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

// Optional attaches the identity when one verifies and otherwise serves the
// request anonymously.
func (m *AuthMiddleware) Optional(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := m.tokenFromRequest(r)
		if raw == "" {
			next.ServeHTTP(w, r)
			return
		}
		id, err := m.auth.Authenticate(r.Context(), raw, httpx.Client(r))
		if err != nil {
			if _, ok := rejection(err); !ok {
				m.logger.Error("optional authentication failed", zap.Error(err))
			}
			next.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

type authRejection struct {
	code    string
	message string
}

func rejection(err error) (authRejection, bool) {
	switch {
	case errors.Is(err, apierr.ErrAuthRequired):
		return authRejection{httpx.CodeAuthRequired, "Authentication required"}, true
	case errors.Is(err, apierr.ErrTokenExpired):
		return authRejection{httpx.CodeTokenExpired, "Token expired"}, true
	case errors.Is(err, apierr.ErrInvalidToken):
		return authRejection{httpx.CodeInvalidToken, "Invalid token"}, true
	case errors.Is(err, apierr.ErrUnauthorized):
		return authRejection{httpx.CodeUnauthorized, "User not found or inactive"}, true
	case errors.Is(err, apierr.ErrSessionExpired):
		return authRejection{httpx.CodeSessionExpired, "Session expired"}, true
	}
	return authRejection{}, false
}

func (m *AuthMiddleware) reject(w http.ResponseWriter, r *http.Request, err error) {
	rej, ok := rejection(err)
	if !ok {
		m.logger.Error("authentication failed",
			zap.String("path", r.URL.Path),
			zap.Error(err))
		httpx.Internal(w)
		return
	}
	if m.metrics != nil {
		m.metrics.AuthRejections.WithLabelValues(rej.code).Inc()
	}
	httpx.Error(w, http.StatusUnauthorized, rej.code, rej.message, nil)
}
