// Package httpx holds small helpers for requests that reach the router
// through a TLS terminating reverse proxy.
package httpx

import (
	"net"
	"net/http"
	"strings"
)

// RemoteIP extracts the IP portion of a host:port address.
func RemoteIP(addr string) string {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return h
}

// ClientIP returns the address a request originates from. With
// trustForwarded the left-most X-Forwarded-For entry, then X-Real-IP, win
// over the socket peer, which is then the proxy itself.
func ClientIP(r *http.Request, trustForwarded bool) string {
	if trustForwarded {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}
	return RemoteIP(r.RemoteAddr)
}

// OriginAllowed reports whether the Origin header of r is in allowed. An
// empty allow list or a request without Origin (non-browser peers) passes.
func OriginAllowed(r *http.Request, allowed []string) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == "*" || strings.EqualFold(a, origin) {
			return true
		}
	}
	return false
}
