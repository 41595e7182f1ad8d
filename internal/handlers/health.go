package handlers

import (
	"net/http"
	"time"
)

// HealthCheck reports liveness plus session, connection, and persistence
// metadata. Unauthenticated: it exposes counts, never session content.
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	total, active := Registry.Count()

	persistence := map[string]interface{}{
		"file":   Snapshots.Path(),
		"exists": false,
	}
	if modTime, size, ok := Snapshots.Stat(); ok {
		persistence["exists"] = true
		persistence["lastSaved"] = modTime.UTC().Format(time.RFC3339)
		persistence["sizeBytes"] = size
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "healthy",
		"sessions":       total,
		"activeSessions": active,
		"connections":    Gateway.ConnCount(),
		"authEnabled":    Gate.Enabled(),
		"persistence":    persistence,
	})
}
