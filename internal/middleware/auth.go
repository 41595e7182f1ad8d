package middleware

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/agentmux/agentmux/internal/auth"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// TokenFromRequest extracts the client token from the Authorization header
// (Bearer scheme) or, for WebSocket and EventSource clients that cannot set
// headers, from the "token" query parameter.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// Identifier returns the rate-limit key for a request: the remote IP.
// chi's RealIP middleware has already rewritten RemoteAddr when the request
// came through a proxy.
func Identifier(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// RequireToken rejects requests whose token does not match the gate's
// secret (401) or that exceed the per-IP rate limit (429). With auth
// disabled only the rate limit applies.
func RequireToken(gate *auth.Gate, maxRequests int, window time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !gate.Allow(Identifier(r), maxRequests, window) {
				writeJSON(w, http.StatusTooManyRequests, map[string]string{"detail": "Rate limit exceeded"})
				return
			}
			if !gate.ValidateToken(TokenFromRequest(r)) {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Authentication required"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
