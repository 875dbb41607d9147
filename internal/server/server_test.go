package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/bcrypt"

	"github.com/discoversutd/discover/internal/auth/database"
	"github.com/discoversutd/discover/internal/auth/handlers"
	authmw "github.com/discoversutd/discover/internal/auth/middleware"
	"github.com/discoversutd/discover/internal/auth/permissions"
	"github.com/discoversutd/discover/internal/auth/service"
	"github.com/discoversutd/discover/internal/auth/token"
	"github.com/discoversutd/discover/internal/config"
	"github.com/discoversutd/discover/internal/db/dbtest"
	"github.com/discoversutd/discover/internal/events"
	"github.com/discoversutd/discover/internal/health"
	"github.com/discoversutd/discover/internal/metrics"
)

const testSecret = "k3p9Zq7vR2mX8wL5tB1nY6cF4hJ0dS9gA2eU7iO3"

func newRouter(t *testing.T, tweak func(*config.Discover)) (http.Handler, *health.Checker) {
	t.Helper()

	cfg := &config.Discover{
		Database: config.Database{Driver: "sqlite", DSN: "unused"},
		Auth:     config.Auth{JWTSecret: testSecret},
	}
	if tweak != nil {
		tweak(cfg)
	}
	if err := cfg.Validate(zaptest.NewLogger(t)); err != nil {
		t.Fatal(err)
	}

	d := dbtest.Open(t)
	log := zaptest.NewLogger(t)
	reg := prometheus.NewRegistry()
	m := metrics.NewWith(reg, reg)

	issuer, err := token.NewIssuer(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.Audience, cfg.Auth.TokenExpiry())
	if err != nil {
		t.Fatal(err)
	}
	svc, err := service.New(database.New(d), issuer, service.Config{}, service.WithMetrics(m), service.WithBcryptCost(bcrypt.MinCost))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(svc.Close)

	mw := authmw.NewAuthMiddleware(svc, permissions.Policy{}, cfg.Auth.CookieName, m, log)
	checker := health.NewChecker(d, time.Hour, time.Second, log)

	return NewRouter(Deps{
		Config:     cfg,
		Auth:       handlers.NewAuthHandler(svc, mw, handlers.CookieConfig{Name: cfg.Auth.CookieName}, log),
		Events:     events.NewHandler(events.NewStore(d), mw, log, events.WithClock(svc.Now)),
		Health:     checker,
		Metrics:    m,
		Logger:     log,
		HTTPLogger: log,
	}), checker
}

func do(h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestProbes(t *testing.T) {
	h, checker := newRouter(t, nil)

	rec := do(h, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("/healthz = %d", rec.Code)
	}
	if rec.Header().Get("X-Request-ID") == "" || rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Errorf("common headers missing: %v", rec.Header())
	}

	if rec := do(h, http.MethodGet, "/readyz", nil); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("/readyz before probe = %d", rec.Code)
	}
	if err := checker.Check(context.Background()); err != nil {
		t.Fatal(err)
	}
	if rec := do(h, http.MethodGet, "/readyz", nil); rec.Code != http.StatusOK {
		t.Errorf("/readyz after probe = %d", rec.Code)
	}
}

func TestUnknownRouteAndMethod(t *testing.T) {
	h, _ := newRouter(t, nil)

	tests := []struct {
		method string
		path   string
		status int
		code   string
	}{
		{http.MethodGet, "/api/nope", http.StatusNotFound, "NOT_FOUND"},
		{http.MethodPatch, "/api/auth/login", http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED"},
		{http.MethodGet, "/api/auth/me", http.StatusUnauthorized, "AUTH_REQUIRED"},
	}
	for _, tt := range tests {
		rec := do(h, tt.method, tt.path, nil)
		var body struct {
			Code string `json:"code"`
		}
		_ = json.Unmarshal(rec.Body.Bytes(), &body)
		if rec.Code != tt.status || body.Code != tt.code {
			t.Errorf("%s %s = %d %q, want %d %q", tt.method, tt.path, rec.Code, body.Code, tt.status, tt.code)
		}
	}
}

func TestGlobalRateLimitSparesProbes(t *testing.T) {
	h, _ := newRouter(t, func(c *config.Discover) {
		c.RateLimit.Requests = 3
		c.RateLimit.Window = time.Minute
	})

	for i := 0; i < 3; i++ {
		if rec := do(h, http.MethodGet, "/api/events", nil); rec.Code != http.StatusOK {
			t.Fatalf("request %d = %d", i+1, rec.Code)
		}
	}
	if rec := do(h, http.MethodGet, "/api/events", nil); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("over limit = %d", rec.Code)
	}
	if rec := do(h, http.MethodGet, "/healthz", nil); rec.Code != http.StatusOK {
		t.Errorf("/healthz throttled: %d", rec.Code)
	}
}

func TestLoginRateLimit(t *testing.T) {
	h, _ := newRouter(t, func(c *config.Discover) {
		c.RateLimit.LoginRequests = 2
		c.RateLimit.LoginWindow = time.Minute
	})

	creds := map[string]string{"email": "nobody@sutd.edu.sg", "password": "Wrong-pass1"}
	for i := 0; i < 2; i++ {
		if rec := do(h, http.MethodPost, "/api/auth/login", creds); rec.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d = %d", i+1, rec.Code)
		}
	}
	if rec := do(h, http.MethodPost, "/api/auth/login", creds); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("third attempt = %d", rec.Code)
	}
	if rec := do(h, http.MethodGet, "/api/events", nil); rec.Code != http.StatusOK {
		t.Errorf("login limit leaked onto other routes: %d", rec.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	h, _ := newRouter(t, func(c *config.Discover) {
		c.Server.AllowedOrigins = []string{"https://discover.sutd.edu.sg"}
	})

	req := httptest.NewRequest(http.MethodOptions, "/api/auth/login", nil)
	req.Header.Set("Origin", "https://discover.sutd.edu.sg")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://discover.sutd.edu.sg" {
		t.Errorf("allow origin = %q", got)
	}
	if rec.Header().Get("Access-Control-Allow-Credentials") != "true" {
		t.Error("credentials not allowed")
	}

	req = httptest.NewRequest(http.MethodOptions, "/api/auth/login", nil)
	req.Header.Set("Origin", "https://evil.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("foreign origin allowed: %q", got)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h, _ := newRouter(t, nil)

	do(h, http.MethodGet, "/api/events/42", nil)
	rec := do(h, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("/metrics = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `route="/api/events/{id}"`) {
		t.Errorf("route label missing from exposition")
	}
}
