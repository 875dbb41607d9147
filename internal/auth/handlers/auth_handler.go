package handlers

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apierr "github.com/discoversutd/discover/internal/auth"
	"github.com/discoversutd/discover/internal/auth/middleware"
	"github.com/discoversutd/discover/internal/auth/models"
	"github.com/discoversutd/discover/internal/auth/permissions"
	"github.com/discoversutd/discover/internal/auth/service"
	"github.com/discoversutd/discover/internal/auth/validation"
	"github.com/discoversutd/discover/internal/httpx"
)

type CookieConfig struct {
	Name   string
	Secure bool
}

type AuthHandler struct {
	auth   *service.Service
	mw     *middleware.AuthMiddleware
	cookie CookieConfig
	logger *zap.Logger
}

func NewAuthHandler(auth *service.Service, mw *middleware.AuthMiddleware, cookie CookieConfig, logger *zap.Logger) *AuthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuthHandler{
		auth:   auth,
		mw:     mw,
		cookie: cookie,
		logger: logger,
	}
}

// Routes mounts the account endpoints. loginLimit throttles the
// unauthenticated credential endpoints and may be nil.
func (h *AuthHandler) Routes(r chi.Router, loginLimit func(http.Handler) http.Handler) {
	r.Route("/api/auth", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			if loginLimit != nil {
				r.Use(loginLimit)
			}
			r.Post("/register", h.Register)
			r.Post("/login", h.Login)
		})

		r.Group(func(r chi.Router) {
			r.Use(h.mw.Authenticate)
			r.Post("/logout", h.Logout)
			r.Post("/logout-all", h.LogoutAll)
			r.Get("/me", h.Me)
			r.Get("/sessions", h.ListSessions)
			r.Delete("/sessions/{id}", h.RevokeSession)
			r.Post("/change-password", h.ChangePassword)
		})
	})

	r.With(h.mw.Authenticate).Put("/api/users/me/telegram", h.SetTelegram)
}

type RegisterRequest struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	Name      string `json:"name"`
	StudentID string `json:"student_id"`
}

type LoginRequest struct {
	// Identifier is an email address or a student id.
	Identifier string `json:"identifier"`
	Email      string `json:"email"`
	Password   string `json:"password"`
}

type LoginResponse struct {
	Token     string       `json:"token"`
	Type      string       `json:"type"`
	ExpiresAt time.Time    `json:"expires_at"`
	SessionID string       `json:"session_id"`
	User      *UserProfile `json:"user"`
}

type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

// TelegramRequest links a chat, toggles reminders or unlinks. Absent fields keep their value.
type TelegramRequest struct {
	ChatID           *int64 `json:"chat_id"`
	RemindersEnabled *bool  `json:"reminders_enabled"`
	Unlink           bool   `json:"unlink"`
}

// UserProfile is the caller-facing view of a user with the permissions the
// policy currently resolves for them.
type UserProfile struct {
	*models.User
	AccessLevel    permissions.AccessLevel  `json:"access_level"`
	AnalyticsOnly  bool                     `json:"analytics_only"`
	Permissions    []permissions.Permission `json:"permissions"`
	TelegramLinked bool                     `json:"telegram_linked"`
}

func (h *AuthHandler) profile(u *models.User) *UserProfile {
	access := permissions.FromUser(u)
	perms := h.mw.Policy().Effective(access)
	if perms == nil {
		perms = []permissions.Permission{}
	}
	return &UserProfile{
		User:           u,
		AccessLevel:    access.Level,
		AnalyticsOnly:  access.AnalyticsOnly,
		Permissions:    perms,
		TelegramLinked: u.TelegramChatID != nil,
	}
}

func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := httpx.Decode(w, r, &req); err != nil {
		httpx.WriteDecodeError(w, err)
		return
	}

	user, err := h.auth.Register(r.Context(), service.RegisterInput{
		Email:     req.Email,
		Password:  req.Password,
		Name:      req.Name,
		StudentID: req.StudentID,
	}, httpx.Client(r))
	if err != nil {
		h.writeAccountError(w, r, err)
		return
	}

	httpx.JSON(w, http.StatusCreated, map[string]any{"user": h.profile(user)})
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := httpx.Decode(w, r, &req); err != nil {
		httpx.WriteDecodeError(w, err)
		return
	}
	identifier := req.Identifier
	if identifier == "" {
		identifier = req.Email
	}

	result, err := h.auth.Login(r.Context(), identifier, req.Password, httpx.Client(r))
	if err != nil {
		var locked *service.LockedError
		switch {
		case errors.As(err, &locked):
			retry := int(math.Ceil(locked.Until.Sub(h.auth.Now()).Seconds()))
			if retry < 1 {
				retry = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			httpx.Error(w, http.StatusLocked, httpx.CodeAccountLocked, "Account is temporarily locked", map[string]any{
				"locked_until": locked.Until,
				"retry_after":  retry,
			})
		case errors.Is(err, apierr.ErrInvalidCredentials):
			httpx.Error(w, http.StatusUnauthorized, httpx.CodeInvalidCredentials, "Invalid credentials", nil)
		case errors.Is(err, apierr.ErrAccountInactive):
			httpx.Error(w, http.StatusForbidden, httpx.CodeAccountInactive, "Account is deactivated", nil)
		default:
			h.logger.Error("login failed", zap.Error(err))
			httpx.Internal(w)
		}
		return
	}

	h.writeSession(w, result)
}

func (h *AuthHandler) writeSession(w http.ResponseWriter, result *service.LoginResult) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.cookie.Name,
		Value:    result.Token,
		Path:     "/",
		Expires:  result.ExpiresAt,
		HttpOnly: true,
		Secure:   h.cookie.Secure,
		SameSite: http.SameSiteLaxMode,
	})
	httpx.JSON(w, http.StatusOK, LoginResponse{
		Token:     result.Token,
		Type:      "Bearer",
		ExpiresAt: result.ExpiresAt,
		SessionID: result.Session.ID,
		User:      h.profile(result.User),
	})
}

func (h *AuthHandler) clearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.cookie.Name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.cookie.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	id, _ := middleware.IdentityFromContext(r.Context())
	if err := h.auth.Logout(r.Context(), id, httpx.Client(r)); err != nil {
		h.logger.Error("logout failed", zap.Int64("user_id", id.User.ID), zap.Error(err))
		httpx.Internal(w)
		return
	}
	h.clearCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

func (h *AuthHandler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	id, _ := middleware.IdentityFromContext(r.Context())
	if err := h.auth.LogoutAll(r.Context(), id, httpx.Client(r)); err != nil {
		h.logger.Error("logout-all failed", zap.Int64("user_id", id.User.ID), zap.Error(err))
		httpx.Internal(w)
		return
	}
	h.clearCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	id, _ := middleware.IdentityFromContext(r.Context())
	httpx.JSON(w, http.StatusOK, map[string]any{"user": h.profile(id.User)})
}

type sessionView struct {
	models.Session
	Current bool `json:"current"`
}

func (h *AuthHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	id, _ := middleware.IdentityFromContext(r.Context())
	sessions, err := h.auth.ListSessions(r.Context(), id.User.ID)
	if err != nil {
		h.logger.Error("list sessions failed", zap.Int64("user_id", id.User.ID), zap.Error(err))
		httpx.Internal(w)
		return
	}

	out := make([]sessionView, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, sessionView{Session: s, Current: s.ID == id.SessionID()})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func (h *AuthHandler) RevokeSession(w http.ResponseWriter, r *http.Request) {
	id, _ := middleware.IdentityFromContext(r.Context())
	err := h.auth.RevokeSession(r.Context(), id, chi.URLParam(r, "id"), httpx.Client(r))
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, apierr.ErrSessionNotFound):
		httpx.NotFound(w, "Session not found")
	default:
		h.logger.Error("revoke session failed", zap.Int64("user_id", id.User.ID), zap.Error(err))
		httpx.Internal(w)
	}
}

func (h *AuthHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	id, _ := middleware.IdentityFromContext(r.Context())

	var req ChangePasswordRequest
	if err := httpx.Decode(w, r, &req); err != nil {
		httpx.WriteDecodeError(w, err)
		return
	}

	result, err := h.auth.ChangePassword(r.Context(), id, req.CurrentPassword, req.NewPassword, httpx.Client(r))
	if err != nil {
		if errors.Is(err, apierr.ErrInvalidCredentials) {
			httpx.Error(w, http.StatusUnauthorized, httpx.CodeInvalidCredentials, "Current password is incorrect", nil)
			return
		}
		h.writeAccountError(w, r, err)
		return
	}

	h.writeSession(w, result)
}

func (h *AuthHandler) SetTelegram(w http.ResponseWriter, r *http.Request) {
	id, _ := middleware.IdentityFromContext(r.Context())

	var req TelegramRequest
	if err := httpx.Decode(w, r, &req); err != nil {
		httpx.WriteDecodeError(w, err)
		return
	}
	if req.ChatID != nil && *req.ChatID == 0 {
		httpx.Invalid(w, "chat_id must be a Telegram chat id")
		return
	}

	chatID := id.User.TelegramChatID
	switch {
	case req.Unlink:
		chatID = nil
	case req.ChatID != nil:
		chatID = req.ChatID
	}
	enabled := id.User.RemindersEnabled
	if req.RemindersEnabled != nil {
		enabled = *req.RemindersEnabled
	}

	if err := h.auth.SetTelegram(r.Context(), id.User.ID, chatID, enabled); err != nil {
		h.logger.Error("update telegram failed", zap.Int64("user_id", id.User.ID), zap.Error(err))
		httpx.Internal(w)
		return
	}

	httpx.JSON(w, http.StatusOK, map[string]any{
		"telegram_linked":   chatID != nil,
		"reminders_enabled": enabled,
	})
}

// writeAccountError answers validation, conflict and lookup failures; anything else is a 500.
func (h *AuthHandler) writeAccountError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case validation.IsInvalid(err):
		httpx.Error(w, http.StatusBadRequest, httpx.CodeValidationFailed, err.Error(), nil)
	case errors.Is(err, apierr.ErrEmailTaken), errors.Is(err, apierr.ErrStudentIDTaken):
		httpx.Error(w, http.StatusConflict, httpx.CodeConflict, err.Error(), nil)
	case errors.Is(err, apierr.ErrUserNotFound):
		httpx.NotFound(w, "User not found")
	default:
		h.logger.Error("account request failed", zap.String("path", r.URL.Path), zap.Error(err))
		httpx.Internal(w)
	}
}
