package util

import (
	"net/http"
	"strings"
)

// The API serves JSON plus stored uploads under /uploads/, and clients hold a
// websocket open against /ws; everything else stays locked down.
const contentSecurityPolicy = "default-src 'none'; img-src 'self'; media-src 'self'; " +
	"connect-src 'self' ws: wss:; frame-ancestors 'none'; base-uri 'none'"

// WithSecurityHeaders adds security response headers for the chat API.
func WithSecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Permissions-Policy", "geolocation=(), camera=(), microphone=()")
		w.Header().Set("Content-Security-Policy", contentSecurityPolicy)

		// Only emit HSTS when request is over HTTPS (direct or forwarded).
		if r.TLS != nil || strings.EqualFold(strings.TrimSpace(r.Header.Get("X-Forwarded-Proto")), "https") {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		next.ServeHTTP(w, r)
	})
}
