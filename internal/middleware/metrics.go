package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/discoversutd/discover/internal/metrics"
)

// Metrics records request latency by chi route pattern, so path parameters
// do not explode label cardinality. It must be installed on a chi router.
type Metrics struct {
	m *metrics.Metrics
}

func NewMetrics(m *metrics.Metrics) *Metrics {
	return &Metrics{m: m}
}

func (mm *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := newStatusWriter(w)
		next.ServeHTTP(sw, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		mm.m.HTTPDuration.
			WithLabelValues(r.Method, route, strconv.Itoa(sw.Status())).
			Observe(time.Since(start).Seconds())
	})
}
