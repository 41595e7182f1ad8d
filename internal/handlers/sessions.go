package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/agentmux/agentmux/internal/auth"
	"github.com/agentmux/agentmux/internal/gateway"
	"github.com/agentmux/agentmux/internal/sandbox"
	"github.com/agentmux/agentmux/internal/session"
	"github.com/agentmux/agentmux/internal/store"
)

// Package-level collaborators, set from main.go during init.
var (
	Registry  *session.Registry
	Gateway   *gateway.Gateway
	Guard     *sandbox.Guard
	Gate      *auth.Gate
	Snapshots *store.Store
)

type createSessionRequest struct {
	Name       string `json:"name"`
	WorkingDir string `json:"workingDir"`
}

type renameSessionRequest struct {
	Name string `json:"name"`
}

// ListSessions returns summaries for every session.
func ListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": Registry.List(),
	})
}

// CreateSession allocates a named session. An empty workingDir falls back
// to the globally-selected working directory, then to the sandbox base.
func CreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, "Session name required")
		return
	}

	dir := req.WorkingDir
	if dir == "" {
		dir = SelectedWorkingDir()
	}
	validated, err := Guard.Validate(dir)
	if err != nil {
		writeError(w, http.StatusForbidden, err.Error())
		return
	}

	id := Registry.Create(req.Name, validated)
	sum, err := Registry.Get(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Session creation failed")
		return
	}
	writeJSON(w, http.StatusCreated, sum)
}

// GetSession returns one session summary.
func GetSession(w http.ResponseWriter, r *http.Request) {
	sum, err := Registry.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// DeleteSession stops any live process, notifies attached connections, and
// removes the session.
func DeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := Gateway.DeleteSession(id); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// RenameSession changes a session's display name.
func RenameSession(w http.ResponseWriter, r *http.Request) {
	var req renameSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, "Session name required")
		return
	}
	if err := Registry.Rename(chi.URLParam(r, "id"), req.Name); err != nil {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "renamed"})
}
