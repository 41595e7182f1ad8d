package handlers

import (
	"encoding/json"
	"net/http"
	"sync"
)

// The globally-selected working directory is the default for sessions
// created without an explicit one. In-memory only; it is presentation
// state, not part of the durable registry.
var (
	workdirMu       sync.RWMutex
	selectedWorkdir string
)

// SelectedWorkingDir returns the current global working directory, or the
// empty string when none is set.
func SelectedWorkingDir() string {
	workdirMu.RLock()
	defer workdirMu.RUnlock()
	return selectedWorkdir
}

type setWorkdirRequest struct {
	Path string `json:"path"`
}

// GetWorkingDir reports the globally-selected working directory.
func GetWorkingDir(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"workingDir": SelectedWorkingDir(),
		"sandboxDir": Guard.Base(),
	})
}

// SetWorkingDir validates and stores the global working directory.
func SetWorkingDir(w http.ResponseWriter, r *http.Request) {
	var req setWorkdirRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	validated, err := Guard.Validate(req.Path)
	if err != nil {
		writeError(w, http.StatusForbidden, err.Error())
		return
	}

	workdirMu.Lock()
	selectedWorkdir = validated
	workdirMu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"workingDir": validated})
}

// ClearWorkingDir resets the global working directory.
func ClearWorkingDir(w http.ResponseWriter, r *http.Request) {
	workdirMu.Lock()
	selectedWorkdir = ""
	workdirMu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"workingDir": ""})
}
