package handlers

import (
	"net/http"

	"github.com/agentmux/agentmux/internal/middleware"
)

// AuthStatus reports whether token authentication is required. Served
// without auth so clients can decide whether to prompt for a token.
func AuthStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": Gate.Enabled()})
}

// AuthVerify checks the caller's token. Served without the auth middleware
// so a client can probe a candidate token without being rejected outright.
func AuthVerify(w http.ResponseWriter, r *http.Request) {
	if !Gate.ValidateToken(middleware.TokenFromRequest(r)) {
		writeJSON(w, http.StatusUnauthorized, map[string]bool{"valid": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"valid": true})
}
