// Package httpx holds the JSON request and response helpers shared by the API handlers.
package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/discoversutd/discover/internal/auth/models"
)

// Stable error codes clients branch on.
const (
	CodeAuthRequired          = "AUTH_REQUIRED"
	CodeInvalidToken          = "INVALID_TOKEN"
	CodeTokenExpired          = "TOKEN_EXPIRED"
	CodeUnauthorized          = "UNAUTHORIZED"
	CodeSessionExpired        = "SESSION_EXPIRED"
	CodeAccountLocked         = "ACCOUNT_LOCKED"
	CodeInvalidCredentials    = "INVALID_CREDENTIALS"
	CodeAnalyticsReadonly     = "ANALYTICS_READONLY_RESTRICTION"
	CodeInsufficientPerms     = "INSUFFICIENT_PERMISSIONS"
	CodePermissionRestricted  = "PERMISSION_RESTRICTED"
	CodeRoleRequired          = "ROLE_REQUIRED"
	CodeRateLimited           = "RATE_LIMITED"
	CodeValidationFailed      = "VALIDATION_FAILED"
	CodeConflict              = "CONFLICT"
	CodeNotFound              = "NOT_FOUND"
	CodeInternalError         = "INTERNAL_ERROR"
	CodeAccountInactive       = "ACCOUNT_INACTIVE"
	CodeMethodNotAllowed      = "METHOD_NOT_ALLOWED"
	CodeUnsupportedMediaType  = "UNSUPPORTED_MEDIA_TYPE"
	CodeRequestEntityTooLarge = "REQUEST_TOO_LARGE"
)

const maxBodyBytes = 1 << 20

// JSON writes v with the given status.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// Error writes {"error": message, "code": code} merged with extra.
func Error(w http.ResponseWriter, status int, code, message string, extra map[string]any) {
	body := make(map[string]any, len(extra)+2)
	for k, v := range extra {
		body[k] = v
	}
	body["error"] = message
	body["code"] = code
	JSON(w, status, body)
}

func Internal(w http.ResponseWriter) {
	Error(w, http.StatusInternalServerError, CodeInternalError, "Internal server error", nil)
}

func NotFound(w http.ResponseWriter, message string) {
	Error(w, http.StatusNotFound, CodeNotFound, message, nil)
}

func Invalid(w http.ResponseWriter, message string) {
	Error(w, http.StatusBadRequest, CodeValidationFailed, message, nil)
}

// Decode reads one JSON object from the request body into dst.
// Unknown fields and trailing data are rejected.
func Decode(w http.ResponseWriter, r *http.Request, dst any) error {
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/json") {
		return &DecodeError{Status: http.StatusUnsupportedMediaType, Code: CodeUnsupportedMediaType, Msg: "Content-Type must be application/json"}
	}

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			return &DecodeError{Status: http.StatusRequestEntityTooLarge, Code: CodeRequestEntityTooLarge, Msg: "Request body too large"}
		case errors.Is(err, io.EOF):
			return &DecodeError{Status: http.StatusBadRequest, Code: CodeValidationFailed, Msg: "Request body is empty"}
		default:
			return &DecodeError{Status: http.StatusBadRequest, Code: CodeValidationFailed, Msg: fmt.Sprintf("Invalid request body: %v", err)}
		}
	}
	if dec.More() {
		return &DecodeError{Status: http.StatusBadRequest, Code: CodeValidationFailed, Msg: "Request body must contain a single JSON object"}
	}
	return nil
}

type DecodeError struct {
	Status int
	Code   string
	Msg    string
}

func (e *DecodeError) Error() string { return e.Msg }

// WriteDecodeError answers a failed Decode.
func WriteDecodeError(w http.ResponseWriter, err error) {
	var de *DecodeError
	if errors.As(err, &de) {
		Error(w, de.Status, de.Code, de.Msg, nil)
		return
	}
	Invalid(w, "Invalid request body")
}

// ClientIP returns the host part of RemoteAddr. Forwarded headers are only
// honoured when the server installs a real-ip middleware in front.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Client describes the caller for sessions and audit rows.
func Client(r *http.Request) models.ClientInfo {
	ua := r.UserAgent()
	if len(ua) > 512 {
		ua = ua[:512]
	}
	return models.ClientInfo{IP: ClientIP(r), UserAgent: ua}
}
