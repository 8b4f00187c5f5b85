// Package access implements the per-client payment-access coordinator: the
// state machine deciding, for each inbound request, whether to serve cached
// free access, let a concurrent in-flight payment through, reject as busy,
// or require a fresh payment.
package access

import (
	"net"
	"net/http"
	"strings"
)

// UnknownIdentity is the shared bucket for requests whose origin cannot be
// resolved. All such clients collapse onto one identity; this is a
// best-effort correlation key, not a security boundary.
const UnknownIdentity = "unknown"

// ClientIdentityFromRequest derives the client identity from the proxy
// header chain, falling back to the socket address.
func ClientIdentityFromRequest(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if first = strings.TrimSpace(first); first != "" {
			return CanonicalIdentity(first)
		}
	}

	if realIP := strings.TrimSpace(r.Header.Get("X-Real-Ip")); realIP != "" {
		return CanonicalIdentity(realIP)
	}

	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		return CanonicalIdentity(host)
	}
	if addr := strings.TrimSpace(r.RemoteAddr); addr != "" {
		return CanonicalIdentity(addr)
	}

	return UnknownIdentity
}

// CanonicalIdentity normalizes an extracted address. The IPv6 loopback is
// mapped to its IPv4 form so local clients land in one bucket regardless of
// which stack they connected over.
func CanonicalIdentity(addr string) string {
	addr = strings.Trim(addr, "[]")
	if addr == "::1" {
		return "127.0.0.1"
	}
	return addr
}
