package middleware

import (
	"fmt"
	"net/http"
	"slices"

	"github.com/discoversutd/discover/internal/auth/models"
	"github.com/discoversutd/discover/internal/auth/permissions"
	"github.com/discoversutd/discover/internal/httpx"
)

// RequireRole allows identities whose role is one of roles. It must run after Authenticate.
func (m *AuthMiddleware) RequireRole(roles ...models.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := IdentityFromContext(r.Context())
			if !ok {
				httpx.Error(w, http.StatusUnauthorized, httpx.CodeAuthRequired, "Authentication required", nil)
				return
			}
			if !slices.Contains(roles, id.User.Role) {
				m.denied(httpx.CodeRoleRequired)
				httpx.Error(w, http.StatusForbidden, httpx.CodeRoleRequired, "Insufficient role", map[string]any{
					"required_roles": roles,
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// BlockAnalyticsMutation stops analytics-only identities from reaching
// event-mutating routes. Anonymous requests pass through untouched.
func (m *AuthMiddleware) BlockAnalyticsMutation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := IdentityFromContext(r.Context())
		if !ok || !id.Access().AnalyticsOnly {
			next.ServeHTTP(w, r)
			return
		}

		m.auth.RecordSecurityEvent(r.Context(), &id.User.ID, models.EventUnauthorizedMutation,
			fmt.Sprintf("analytics-only user attempted %s %s", r.Method, r.URL.Path), httpx.Client(r),
			map[string]any{"method": r.Method, "path": r.URL.Path})
		m.denied(httpx.CodeAnalyticsReadonly)

		httpx.Error(w, http.StatusForbidden, httpx.CodeAnalyticsReadonly,
			"Analytics-only accounts cannot modify events", map[string]any{
				"allowed_actions": permissions.AnalyticsAllowedActions,
			})
	})
}

// RequirePermission allows the request when the policy grants p to the caller.
func (m *AuthMiddleware) RequirePermission(p permissions.Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := IdentityFromContext(r.Context())
			if !ok {
				httpx.Error(w, http.StatusUnauthorized, httpx.CodeAuthRequired, "Authentication required", nil)
				return
			}

			d := m.policy.Check(id.Access(), p)
			if d.Allowed {
				next.ServeHTTP(w, r)
				return
			}

			if d.Reason == permissions.ReasonRestricted {
				m.auth.RecordSecurityEvent(r.Context(), &id.User.ID, models.EventPermissionDenied,
					fmt.Sprintf("permission %s denied by restriction", p), httpx.Client(r),
					map[string]any{"permission": string(p), "restriction": d.Restriction, "path": r.URL.Path})
				m.denied(httpx.CodePermissionRestricted)
				httpx.Error(w, http.StatusForbidden, httpx.CodePermissionRestricted,
					"Permission restricted for this account", map[string]any{
						"required_permission": p,
					})
				return
			}

			m.denied(httpx.CodeInsufficientPerms)
			httpx.Error(w, http.StatusForbidden, httpx.CodeInsufficientPerms, "Insufficient permissions", map[string]any{
				"required_permission": p,
			})
		})
	}
}

// Policy is the resolver the guards use.
func (m *AuthMiddleware) Policy() permissions.Policy {
	return m.policy
}

func (m *AuthMiddleware) denied(code string) {
	if m.metrics != nil {
		m.metrics.PermissionDenials.WithLabelValues(code).Inc()
	}
}
