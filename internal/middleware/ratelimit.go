package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/httprate"

	"github.com/discoversutd/discover/internal/httpx"
)

// RateLimit throttles requests per client IP with a sliding window counter.
// It is independent of account lockout.
type RateLimit struct {
	handler func(http.Handler) http.Handler
}

func NewRateLimit(requests int, window time.Duration) *RateLimit {
	return &RateLimit{
		handler: httprate.Limit(requests, window,
			httprate.WithKeyFuncs(httprate.KeyByIP),
			httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
				httpx.Error(w, http.StatusTooManyRequests, httpx.CodeRateLimited, "Too many requests, please try again later", nil)
			}),
		),
	}
}

func (l *RateLimit) Middleware(next http.Handler) http.Handler {
	return l.handler(next)
}
