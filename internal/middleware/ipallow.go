package middleware

import (
	"fmt"
	"net/http"
	"net/netip"
	"strings"

	"go.uber.org/zap"

	"github.com/discoversutd/discover/internal/httpx"
)

// IPAllowlist restricts a handler to clients inside the configured prefixes.
// An empty list allows everyone. The client address is the connection's
// RemoteAddr, so put chi's RealIP in front only when the proxy is trusted.
type IPAllowlist struct {
	prefixes []netip.Prefix
	logger   *zap.Logger
}

// NewIPAllowlist accepts bare addresses and CIDR prefixes.
func NewIPAllowlist(entries []string, logger *zap.Logger) (*IPAllowlist, error) {
	l := &IPAllowlist{logger: logger}
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if !strings.Contains(e, "/") {
			addr, err := netip.ParseAddr(e)
			if err != nil {
				return nil, fmt.Errorf("invalid allowlist address %q: %w", e, err)
			}
			l.prefixes = append(l.prefixes, netip.PrefixFrom(addr.Unmap(), addr.Unmap().BitLen()))
			continue
		}
		p, err := netip.ParsePrefix(e)
		if err != nil {
			return nil, fmt.Errorf("invalid allowlist prefix %q: %w", e, err)
		}
		l.prefixes = append(l.prefixes, p.Masked())
	}
	return l, nil
}

func (l *IPAllowlist) allowed(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range l.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func (l *IPAllowlist) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(l.prefixes) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		clientIP := httpx.ClientIP(r)
		if !l.allowed(clientIP) {
			l.logger.Warn("Access denied: IP not allowed",
				zap.String("client_ip", clientIP),
				zap.String("path", r.URL.Path),
			)
			httpx.Error(w, http.StatusForbidden, httpx.CodeUnauthorized, "Access denied", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}
