package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/discoversutd/discover/internal/metrics"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
})

func TestRequestID(t *testing.T) {
	var seen string
	h := RequestID{}.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if seen == "" || rec.Header().Get(RequestIDHeader) != seen {
		t.Fatalf("generated id %q, header %q", seen, rec.Header().Get(RequestIDHeader))
	}

	const inbound = "6f1c2a52-3b7e-4b57-9d0a-2f7f4f7b9e10"
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, inbound)
	h.ServeHTTP(httptest.NewRecorder(), req)
	if seen != inbound {
		t.Errorf("inbound id not reused: %q", seen)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "<script>")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if seen == "<script>" {
		t.Error("malformed inbound id was trusted")
	}
}

func TestSecurityHeaders(t *testing.T) {
	tests := []struct {
		tls  bool
		hsts bool
	}{
		{tls: false, hsts: false},
		{tls: true, hsts: true},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		NewSecurityMiddleware(tt.tls).Middleware(okHandler).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

		if got := rec.Header().Get("Strict-Transport-Security") != ""; got != tt.hsts {
			t.Errorf("tls=%v: HSTS set = %v", tt.tls, got)
		}
		for _, h := range []string{"X-Frame-Options", "X-Content-Type-Options", "Content-Security-Policy", "Cache-Control"} {
			if rec.Header().Get(h) == "" {
				t.Errorf("tls=%v: %s missing", tt.tls, h)
			}
		}
	}
}

func TestRateLimitReturnsJSON429(t *testing.T) {
	h := NewRateLimit(2, time.Minute).Middleware(okHandler)

	send := func(ip string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/auth/login", nil)
		req.RemoteAddr = ip + ":5123"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	for i := 0; i < 2; i++ {
		if rec := send("10.0.0.1"); rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d", i+1, rec.Code)
		}
	}
	rec := send("10.0.0.1")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("third request status = %d", rec.Code)
	}
	var body struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body.Code != "RATE_LIMITED" {
		t.Errorf("body = %s", rec.Body.String())
	}

	if rec := send("10.0.0.2"); rec.Code != http.StatusOK {
		t.Errorf("other client status = %d", rec.Code)
	}
}

func TestLoggingRedactsCredentials(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	lm := NewLoggingMiddleware(zap.New(core), WithHeaders(true), WithExcludePaths([]string{"/healthz"}))

	h := RequestID{}.Middleware(lm.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})))

	req := httptest.NewRequest(http.MethodGet, "/api/auth/me", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	h.ServeHTTP(httptest.NewRecorder(), req)
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("entries = %d, /healthz must be excluded", len(entries))
	}
	e := entries[0]
	if e.Level != zapcore.WarnLevel || e.Message != "Client error" {
		t.Errorf("entry = %v %q", e.Level, e.Message)
	}
	fields := e.ContextMap()
	if fields["status"] != int64(http.StatusUnauthorized) || fields["request_id"] == "" {
		t.Errorf("fields = %v", fields)
	}
	headers, ok := fields["headers"].(map[string]string)
	if !ok {
		t.Fatalf("headers field = %T", fields["headers"])
	}
	if headers["Authorization"] != "****" {
		t.Errorf("authorization header = %q", headers["Authorization"])
	}
}

func TestMetricsUsesRoutePattern(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewWith(reg, reg)

	r := chi.NewRouter()
	r.Use(NewMetrics(m).Middleware)
	r.Get("/api/events/{id}", okHandler)

	for _, id := range []string{"1", "2", "3"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/events/"+id, nil))
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range families {
		if f.GetName() != "discover_http_request_duration_seconds" {
			continue
		}
		if len(f.GetMetric()) != 1 {
			t.Fatalf("series = %d, want one per route", len(f.GetMetric()))
		}
		labels := map[string]string{}
		for _, lp := range f.GetMetric()[0].GetLabel() {
			labels[lp.GetName()] = lp.GetValue()
		}
		if labels["route"] != "/api/events/{id}" || labels["status"] != "200" {
			t.Errorf("labels = %v", labels)
		}
		if n := f.GetMetric()[0].GetHistogram().GetSampleCount(); n != 3 {
			t.Errorf("samples = %d", n)
		}
		return
	}
	t.Fatal("latency histogram not gathered")
}

func TestIPAllowlist(t *testing.T) {
	if _, err := NewIPAllowlist([]string{"10.0.0.0/33"}, zap.NewNop()); err == nil {
		t.Fatal("expected invalid prefix error")
	}

	tests := []struct {
		name    string
		entries []string
		remote  string
		status  int
	}{
		{"empty list allows all", nil, "203.0.113.9:4000", http.StatusOK},
		{"inside prefix", []string{"10.0.0.0/8"}, "10.1.2.3:4000", http.StatusOK},
		{"exact address", []string{"127.0.0.1"}, "127.0.0.1:4000", http.StatusOK},
		{"ipv6 loopback", []string{"::1"}, "[::1]:4000", http.StatusOK},
		{"outside prefix", []string{"10.0.0.0/8", "127.0.0.1"}, "192.168.1.5:4000", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := NewIPAllowlist(tt.entries, zap.NewNop())
			if err != nil {
				t.Fatal(err)
			}
			req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
			req.RemoteAddr = tt.remote
			rec := httptest.NewRecorder()
			l.Middleware(okHandler).ServeHTTP(rec, req)
			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d", rec.Code, tt.status)
			}
		})
	}
}
