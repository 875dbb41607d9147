package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/crypto/bcrypt"

	"github.com/discoversutd/discover/internal/auth/database"
	"github.com/discoversutd/discover/internal/auth/middleware"
	"github.com/discoversutd/discover/internal/auth/models"
	"github.com/discoversutd/discover/internal/auth/permissions"
	"github.com/discoversutd/discover/internal/auth/service"
	"github.com/discoversutd/discover/internal/auth/token"
	"github.com/discoversutd/discover/internal/auth/validation"
	"github.com/discoversutd/discover/internal/db/dbtest"
	"github.com/discoversutd/discover/internal/metrics"
)

const (
	testSecret   = "k3p9Zq7vR2mX8wL5tB1nY6cF4hJ0dS9gA2eU7iO3"
	testPassword = "Tr0ub4dor&Horse"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type api struct {
	router http.Handler
	svc    *service.Service
	store  *database.Store
	clock  *clock
}

func newAPI(t *testing.T) *api {
	t.Helper()

	d := dbtest.Open(t)
	store := database.New(d)
	clk := &clock{t: time.Date(2026, 4, 6, 10, 0, 0, 0, time.UTC)}

	issuer, err := token.NewIssuer(testSecret, "discoversutd-api", "discoversutd-client", 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	issuer.WithClock(clk.Now)

	m := metrics.NewWith(prometheus.NewRegistry(), prometheus.NewRegistry())
	svc, err := service.New(store, issuer, service.Config{
		MaxLoginAttempts: 3,
		LockDuration:     15 * time.Minute,
		Password:         validation.PasswordPolicy{MinLength: 8, RequireNumbers: true},
	}, service.WithClock(clk.Now), service.WithBcryptCost(bcrypt.MinCost), service.WithMetrics(m))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(svc.Close)

	mw := middleware.NewAuthMiddleware(svc, permissions.Policy{Mode: permissions.MatchLegacy}, "auth_token", m, nil)
	h := NewAuthHandler(svc, mw, CookieConfig{Name: "auth_token", Secure: true}, nil)

	r := chi.NewRouter()
	h.Routes(r, nil)
	h.AdminRoutes(r)

	return &api{router: r, svc: svc, store: store, clock: clk}
}

func (a *api) do(t *testing.T, method, path, bearer string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

type errorBody struct {
	Error      string `json:"error"`
	Code       string `json:"code"`
	RetryAfter int    `json:"retry_after"`
}

type loginBody struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	User      struct {
		ID          int64    `json:"id"`
		Email       string   `json:"email"`
		Role        string   `json:"role"`
		Permissions []string `json:"permissions"`
	} `json:"user"`
}

func (a *api) login(t *testing.T, identifier string) loginBody {
	t.Helper()
	rec := a.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{
		"identifier": identifier,
		"password":   testPassword,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d body = %s", rec.Code, rec.Body.String())
	}
	return decode[loginBody](t, rec)
}

func (a *api) createUser(t *testing.T, email string, role models.Role) *models.User {
	t.Helper()
	u, err := a.svc.CreateUser(context.Background(), service.RegisterInput{
		Email:    email,
		Password: testPassword,
		Name:     "Test User",
		Role:     role,
	})
	if err != nil {
		t.Fatal(err)
	}
	return u
}

func TestRegisterLoginMe(t *testing.T) {
	a := newAPI(t)

	rec := a.do(t, http.MethodPost, "/api/auth/register", "", map[string]string{
		"email":      "Jane@SUTD.edu.sg",
		"password":   testPassword,
		"name":       "Jane Tan",
		"student_id": "1006123",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("register status = %d body = %s", rec.Code, rec.Body.String())
	}

	rec = a.do(t, http.MethodPost, "/api/auth/register", "", map[string]string{
		"email":    "jane@sutd.edu.sg",
		"password": testPassword,
		"name":     "Jane Again",
	})
	if rec.Code != http.StatusConflict {
		t.Errorf("duplicate register status = %d", rec.Code)
	}

	rec = a.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{
		"identifier": "1006123",
		"password":   testPassword,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d body = %s", rec.Code, rec.Body.String())
	}
	var cookie *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == "auth_token" {
			cookie = c
		}
	}
	if cookie == nil || !cookie.HttpOnly || !cookie.Secure {
		t.Fatalf("auth cookie = %+v", cookie)
	}
	lb := decode[loginBody](t, rec)
	if lb.Token == "" || lb.Token != cookie.Value || lb.SessionID == "" {
		t.Errorf("login body = %+v", lb)
	}

	rec = a.do(t, http.MethodGet, "/api/auth/me", lb.Token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("me status = %d", rec.Code)
	}
	me := decode[struct {
		User struct {
			Email       string   `json:"email"`
			Role        string   `json:"role"`
			Permissions []string `json:"permissions"`
		} `json:"user"`
	}](t, rec)
	if me.User.Email != "jane@sutd.edu.sg" || me.User.Role != "student" {
		t.Errorf("me = %+v", me.User)
	}
	if len(me.User.Permissions) != 0 {
		t.Errorf("student permissions = %v", me.User.Permissions)
	}
}

func TestRegisterValidation(t *testing.T) {
	a := newAPI(t)

	tests := []struct {
		name string
		body any
		code string
	}{
		{"weak password", map[string]string{"email": "a@sutd.edu.sg", "password": "short", "name": "A"}, "VALIDATION_FAILED"},
		{"bad email", map[string]string{"email": "nope", "password": testPassword, "name": "A"}, "VALIDATION_FAILED"},
		{"unknown field", map[string]string{"email": "a@sutd.edu.sg", "password": testPassword, "name": "A", "role": "admin"}, "VALIDATION_FAILED"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := a.do(t, http.MethodPost, "/api/auth/register", "", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
			}
			if got := decode[errorBody](t, rec).Code; got != tt.code {
				t.Errorf("code = %q", got)
			}
		})
	}
}

func TestLoginLockout(t *testing.T) {
	a := newAPI(t)
	a.createUser(t, "jane@sutd.edu.sg", models.RoleStudent)

	bad := map[string]string{"identifier": "jane@sutd.edu.sg", "password": "Wr0ng-password"}
	for i := 0; i < 2; i++ {
		rec := a.do(t, http.MethodPost, "/api/auth/login", "", bad)
		if rec.Code != http.StatusUnauthorized || decode[errorBody](t, rec).Code != "INVALID_CREDENTIALS" {
			t.Fatalf("attempt %d: %d %s", i+1, rec.Code, rec.Body.String())
		}
	}

	rec := a.do(t, http.MethodPost, "/api/auth/login", "", bad)
	if rec.Code != http.StatusLocked {
		t.Fatalf("third failure status = %d", rec.Code)
	}
	body := decode[errorBody](t, rec)
	if body.Code != "ACCOUNT_LOCKED" || body.RetryAfter != 900 {
		t.Errorf("locked body = %+v", body)
	}
	if rec.Header().Get("Retry-After") != "900" {
		t.Errorf("Retry-After = %q", rec.Header().Get("Retry-After"))
	}

	a.clock.Advance(5 * time.Minute)
	rec = a.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{
		"identifier": "jane@sutd.edu.sg",
		"password":   testPassword,
	})
	if rec.Code != http.StatusLocked {
		t.Errorf("correct password while locked status = %d", rec.Code)
	}

	a.clock.Advance(11 * time.Minute)
	a.login(t, "jane@sutd.edu.sg")
}

func TestChangePasswordRevokesOldToken(t *testing.T) {
	a := newAPI(t)
	a.createUser(t, "jane@sutd.edu.sg", models.RoleStudent)
	old := a.login(t, "jane@sutd.edu.sg")

	rec := a.do(t, http.MethodPost, "/api/auth/change-password", old.Token, map[string]string{
		"current_password": "not-it-1",
		"new_password":     "An0ther&Horse",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong current password status = %d", rec.Code)
	}

	rec = a.do(t, http.MethodPost, "/api/auth/change-password", old.Token, map[string]string{
		"current_password": testPassword,
		"new_password":     "An0ther&Horse",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("change password status = %d body = %s", rec.Code, rec.Body.String())
	}
	fresh := decode[loginBody](t, rec)

	rec = a.do(t, http.MethodGet, "/api/auth/me", old.Token, nil)
	if rec.Code != http.StatusUnauthorized || decode[errorBody](t, rec).Code != "SESSION_EXPIRED" {
		t.Errorf("old token got %d %s", rec.Code, rec.Body.String())
	}
	if rec := a.do(t, http.MethodGet, "/api/auth/me", fresh.Token, nil); rec.Code != http.StatusOK {
		t.Errorf("new token status = %d", rec.Code)
	}
}

func TestSessionsAndLogout(t *testing.T) {
	a := newAPI(t)
	a.createUser(t, "jane@sutd.edu.sg", models.RoleStudent)
	first := a.login(t, "jane@sutd.edu.sg")
	second := a.login(t, "jane@sutd.edu.sg")

	rec := a.do(t, http.MethodGet, "/api/auth/sessions", first.Token, nil)
	list := decode[struct {
		Sessions []struct {
			ID      string `json:"id"`
			Current bool   `json:"current"`
		} `json:"sessions"`
	}](t, rec)
	if len(list.Sessions) != 2 {
		t.Fatalf("sessions = %+v", list.Sessions)
	}
	for _, s := range list.Sessions {
		if s.Current != (s.ID == first.SessionID) {
			t.Errorf("session %s current = %v", s.ID, s.Current)
		}
	}

	if rec := a.do(t, http.MethodDelete, "/api/auth/sessions/"+second.SessionID, first.Token, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("revoke status = %d", rec.Code)
	}
	if rec := a.do(t, http.MethodDelete, "/api/auth/sessions/"+second.SessionID, first.Token, nil); rec.Code != http.StatusNotFound {
		t.Errorf("second revoke status = %d", rec.Code)
	}
	if rec := a.do(t, http.MethodGet, "/api/auth/me", second.Token, nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("revoked session token status = %d", rec.Code)
	}

	if rec := a.do(t, http.MethodPost, "/api/auth/logout-all", first.Token, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("logout-all status = %d", rec.Code)
	}
	if rec := a.do(t, http.MethodGet, "/api/auth/me", first.Token, nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("token after logout-all status = %d", rec.Code)
	}
}

func TestSetTelegram(t *testing.T) {
	a := newAPI(t)
	u := a.createUser(t, "jane@sutd.edu.sg", models.RoleStudent)
	lb := a.login(t, "jane@sutd.edu.sg")

	rec := a.do(t, http.MethodPut, "/api/users/me/telegram", lb.Token, map[string]any{"chat_id": 424242})
	if rec.Code != http.StatusOK {
		t.Fatalf("link status = %d body = %s", rec.Code, rec.Body.String())
	}
	got, _ := a.store.GetUserByID(context.Background(), u.ID)
	if got.TelegramChatID == nil || *got.TelegramChatID != 424242 || !got.RemindersEnabled {
		t.Fatalf("after link chat = %v enabled = %v", got.TelegramChatID, got.RemindersEnabled)
	}

	rec = a.do(t, http.MethodPut, "/api/users/me/telegram", lb.Token, map[string]any{"reminders_enabled": false})
	if rec.Code != http.StatusOK {
		t.Fatalf("toggle status = %d", rec.Code)
	}
	got, _ = a.store.GetUserByID(context.Background(), u.ID)
	if got.TelegramChatID == nil || got.RemindersEnabled {
		t.Errorf("after toggle chat = %v enabled = %v", got.TelegramChatID, got.RemindersEnabled)
	}

	a.do(t, http.MethodPut, "/api/users/me/telegram", lb.Token, map[string]any{"unlink": true})
	got, _ = a.store.GetUserByID(context.Background(), u.ID)
	if got.TelegramChatID != nil {
		t.Errorf("after unlink chat = %v", *got.TelegramChatID)
	}
}

func TestAdminRoutes(t *testing.T) {
	a := newAPI(t)
	a.createUser(t, "admin@sutd.edu.sg", models.RoleAdmin)
	student := a.createUser(t, "jane@sutd.edu.sg", models.RoleStudent)

	admin := a.login(t, "admin@sutd.edu.sg")
	jane := a.login(t, "jane@sutd.edu.sg")

	rec := a.do(t, http.MethodGet, "/api/admin/users", jane.Token, nil)
	if rec.Code != http.StatusForbidden || decode[errorBody](t, rec).Code != "INSUFFICIENT_PERMISSIONS" {
		t.Fatalf("student list users got %d %s", rec.Code, rec.Body.String())
	}

	rec = a.do(t, http.MethodGet, "/api/admin/users", admin.Token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("admin list users status = %d", rec.Code)
	}

	path := "/api/admin/users/" + itoa(student.ID)
	rec = a.do(t, http.MethodPut, path+"/permissions", admin.Token, map[string]any{
		"access_level": "analytics_readonly",
		"permissions":  []string{"view_analytics"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("set permissions status = %d body = %s", rec.Code, rec.Body.String())
	}

	rec = a.do(t, http.MethodGet, "/api/auth/me", jane.Token, nil)
	me := decode[struct {
		User struct {
			AnalyticsOnly bool     `json:"analytics_only"`
			Permissions   []string `json:"permissions"`
		} `json:"user"`
	}](t, rec)
	if !me.User.AnalyticsOnly || len(me.User.Permissions) != 1 || me.User.Permissions[0] != "view_analytics" {
		t.Errorf("me after update = %+v", me.User)
	}

	rec = a.do(t, http.MethodPut, path+"/permissions", admin.Token, map[string]any{"access_level": "root"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad access level status = %d", rec.Code)
	}

	if rec := a.do(t, http.MethodPost, path+"/deactivate", admin.Token, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("deactivate status = %d", rec.Code)
	}
	if rec := a.do(t, http.MethodGet, "/api/auth/me", jane.Token, nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("deactivated user status = %d", rec.Code)
	}
	if rec := a.do(t, http.MethodPost, "/api/admin/users/9999/deactivate", admin.Token, nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown user deactivate status = %d", rec.Code)
	}
}

func TestPermissionChangesNeedAdminRole(t *testing.T) {
	a := newAPI(t)
	a.createUser(t, "admin@sutd.edu.sg", models.RoleAdmin)
	club := a.createUser(t, "club@sutd.edu.sg", models.RoleClub)
	student := a.createUser(t, "jane@sutd.edu.sg", models.RoleStudent)

	admin := a.login(t, "admin@sutd.edu.sg")
	rec := a.do(t, http.MethodPut, "/api/admin/users/"+itoa(club.ID)+"/permissions", admin.Token, map[string]any{
		"permissions": []string{"manage_users"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("grant status = %d body = %s", rec.Code, rec.Body.String())
	}

	lead := a.login(t, "club@sutd.edu.sg")
	if rec := a.do(t, http.MethodGet, "/api/admin/users", lead.Token, nil); rec.Code != http.StatusOK {
		t.Fatalf("delegated list status = %d", rec.Code)
	}

	rec = a.do(t, http.MethodPut, "/api/admin/users/"+itoa(student.ID)+"/permissions", lead.Token, map[string]any{
		"permissions": []string{"manage_users"},
	})
	if rec.Code != http.StatusForbidden || decode[errorBody](t, rec).Code != "ROLE_REQUIRED" {
		t.Fatalf("delegated grant got %d %s", rec.Code, rec.Body.String())
	}
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
