package middleware

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
)

// Middleware wraps the next handler in the chain. Implementations plug into
// chi with r.Use(m.Middleware).
type Middleware interface {
	Middleware(next http.Handler) http.Handler
}

var (
	_ Middleware = (*LoggingMiddleware)(nil)
	_ Middleware = (*SecurityHeaders)(nil)
	_ Middleware = (*RateLimit)(nil)
	_ Middleware = (*Metrics)(nil)
	_ Middleware = (*IPAllowlist)(nil)
	_ Middleware = RequestID{}
)

// statusWriter captures the status code and body length of a response.
type statusWriter struct {
	http.ResponseWriter
	status      int
	length      int64
	wroteHeader bool
}

func newStatusWriter(w http.ResponseWriter) *statusWriter {
	return &statusWriter{
		ResponseWriter: w,
		status:         http.StatusOK,
	}
}

func (w *statusWriter) WriteHeader(status int) {
	if !w.wroteHeader {
		w.status = status
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	n, err := w.ResponseWriter.Write(b)
	w.length += int64(n)
	return n, err
}

func (w *statusWriter) Status() int {
	return w.status
}

func (w *statusWriter) Length() int64 {
	return w.length
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := w.ResponseWriter.(http.Hijacker); ok {
		return hijacker.Hijack()
	}
	return nil, nil, fmt.Errorf("upstream ResponseWriter does not implement http.Hijacker")
}

func (w *statusWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
