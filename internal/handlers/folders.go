package handlers

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

type folderEntry struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

type createFolderRequest struct {
	Path string `json:"path"`
}

// ListFolders returns the subdirectories of a sandboxed path. Hidden
// directories are skipped; entries are sorted by name.
func ListFolders(w http.ResponseWriter, r *http.Request) {
	dir, err := Guard.Validate(r.URL.Query().Get("path"))
	if err != nil {
		writeError(w, http.StatusForbidden, err.Error())
		return
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			writeError(w, http.StatusNotFound, "Directory not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to read directory")
		return
	}

	folders := make([]folderEntry, 0)
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		folders = append(folders, folderEntry{
			Name: e.Name(),
			Path: filepath.Join(dir, e.Name()),
		})
	}
	sort.Slice(folders, func(i, j int) bool { return folders[i].Name < folders[j].Name })

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"path":    dir,
		"folders": folders,
	})
}

// CreateFolder creates a directory (and parents) under the sandbox.
func CreateFolder(w http.ResponseWriter, r *http.Request) {
	var req createFolderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.Path) == "" {
		writeError(w, http.StatusBadRequest, "Path required")
		return
	}

	dir, err := Guard.Validate(req.Path)
	if err != nil {
		writeError(w, http.StatusForbidden, err.Error())
		return
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create directory")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"path": dir})
}
