package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apierr "github.com/discoversutd/discover/internal/auth"
	"github.com/discoversutd/discover/internal/auth/middleware"
	"github.com/discoversutd/discover/internal/auth/models"
	"github.com/discoversutd/discover/internal/auth/permissions"
	"github.com/discoversutd/discover/internal/auth/service"
	"github.com/discoversutd/discover/internal/httpx"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// AdminRoutes mounts user administration behind the manage_users permission.
// Changing permissions additionally needs the admin role.
func (h *AuthHandler) AdminRoutes(r chi.Router) {
	r.Route("/api/admin/users", func(r chi.Router) {
		r.Use(h.mw.Authenticate)
		r.Use(h.mw.RequirePermission(permissions.ManageUsers))

		r.Get("/", h.ListUsers)
		r.Get("/{id}", h.GetUser)
		r.With(h.mw.RequireRole(models.RoleAdmin)).Put("/{id}/permissions", h.SetPermissions)
		r.Post("/{id}/deactivate", h.DeactivateUser)
		r.Post("/{id}/unlock", h.UnlockUser)
	})
}

func userIDParam(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	return id, err == nil && id > 0
}

func pagination(r *http.Request) (limit, offset int) {
	limit = defaultPageSize
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = min(v, maxPageSize)
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && v > 0 {
		offset = v
	}
	return limit, offset
}

func (h *AuthHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	users, err := h.auth.ListUsers(r.Context(), limit, offset)
	if err != nil {
		h.logger.Error("list users failed", zap.Error(err))
		httpx.Internal(w)
		return
	}

	out := make([]*UserProfile, 0, len(users))
	for i := range users {
		out = append(out, h.profile(&users[i]))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"users":  out,
		"limit":  limit,
		"offset": offset,
	})
}

func (h *AuthHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(r)
	if !ok {
		httpx.Invalid(w, "Invalid user id")
		return
	}
	user, err := h.auth.GetUser(r.Context(), userID)
	if err != nil {
		h.writeAccountError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"user": h.profile(user)})
}

type PermissionsRequest struct {
	AccessLevel  *string  `json:"access_level"`
	Permissions  []string `json:"permissions"`
	Restrictions []string `json:"restrictions"`
}

func (h *AuthHandler) SetPermissions(w http.ResponseWriter, r *http.Request) {
	actor, _ := middleware.IdentityFromContext(r.Context())
	userID, ok := userIDParam(r)
	if !ok {
		httpx.Invalid(w, "Invalid user id")
		return
	}

	var req PermissionsRequest
	if err := httpx.Decode(w, r, &req); err != nil {
		httpx.WriteDecodeError(w, err)
		return
	}
	if req.AccessLevel != nil {
		switch permissions.AccessLevel(*req.AccessLevel) {
		case permissions.AccessFull, permissions.AccessAnalyticsReadonly:
		default:
			httpx.Invalid(w, "access_level must be full or analytics_readonly")
			return
		}
	}

	user, err := h.auth.SetUserPermissions(r.Context(), actor, userID, service.PermissionsUpdate{
		AccessLevel:  req.AccessLevel,
		Permissions:  req.Permissions,
		Restrictions: req.Restrictions,
	}, httpx.Client(r))
	if err != nil {
		h.writeAccountError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"user": h.profile(user)})
}

func (h *AuthHandler) DeactivateUser(w http.ResponseWriter, r *http.Request) {
	actor, _ := middleware.IdentityFromContext(r.Context())
	userID, ok := userIDParam(r)
	if !ok {
		httpx.Invalid(w, "Invalid user id")
		return
	}
	if userID == actor.User.ID {
		httpx.Invalid(w, "Administrators cannot deactivate their own account")
		return
	}

	if err := h.auth.DeactivateUser(r.Context(), actor, userID, httpx.Client(r)); err != nil {
		if errors.Is(err, apierr.ErrUserNotFound) {
			httpx.NotFound(w, "User not found")
			return
		}
		h.logger.Error("deactivate user failed", zap.Int64("user_id", userID), zap.Error(err))
		httpx.Internal(w)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AuthHandler) UnlockUser(w http.ResponseWriter, r *http.Request) {
	actor, _ := middleware.IdentityFromContext(r.Context())
	userID, ok := userIDParam(r)
	if !ok {
		httpx.Invalid(w, "Invalid user id")
		return
	}

	if err := h.auth.UnlockUser(r.Context(), actor, userID, httpx.Client(r)); err != nil {
		h.writeAccountError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
