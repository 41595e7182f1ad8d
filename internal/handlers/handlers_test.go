package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/agentmux/agentmux/internal/auth"
	"github.com/agentmux/agentmux/internal/bridge"
	"github.com/agentmux/agentmux/internal/gateway"
	"github.com/agentmux/agentmux/internal/sandbox"
	"github.com/agentmux/agentmux/internal/session"
	"github.com/agentmux/agentmux/internal/store"
)

// setupTest wires the package-level collaborators against temp directories
// and returns the sandbox base.
func setupTest(t *testing.T) string {
	t.Helper()

	base := t.TempDir()
	guard, err := sandbox.NewGuard(base)
	if err != nil {
		t.Fatalf("NewGuard: %v", err)
	}

	Guard = guard
	Registry = session.NewRegistry(100)
	Gateway = gateway.New(Registry, guard, map[string]bridge.Bridge{}, "claude")
	Gate = auth.NewGate("")
	Snapshots = store.New(filepath.Join(t.TempDir(), "sessions.json"), 0)

	workdirMu.Lock()
	selectedWorkdir = ""
	workdirMu.Unlock()

	return guard.Base()
}

func newRouter() *chi.Mux {
	r := chi.NewRouter()
	r.Get("/health", HealthCheck)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/auth/status", AuthStatus)
		r.Post("/auth/verify", AuthVerify)
		r.Get("/sessions", ListSessions)
		r.Post("/sessions", CreateSession)
		r.Get("/sessions/{id}", GetSession)
		r.Delete("/sessions/{id}", DeleteSession)
		r.Put("/sessions/{id}/name", RenameSession)
		r.Get("/workdir", GetWorkingDir)
		r.Put("/workdir", SetWorkingDir)
		r.Delete("/workdir", ClearWorkingDir)
		r.Get("/folders", ListFolders)
		r.Post("/folders", CreateFolder)
	})
	return r
}

func doJSON(t *testing.T, router http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func TestCreateAndGetSession(t *testing.T) {
	base := setupTest(t)
	router := newRouter()

	rec := doJSON(t, router, "POST", "/api/v1/sessions", map[string]string{"name": "demo"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: status = %d, body %s", rec.Code, rec.Body.String())
	}
	var created session.Summary
	decode(t, rec, &created)
	if created.Name != "demo" || created.WorkingDir != base {
		t.Errorf("created = %+v, want name=demo dir=%s", created, base)
	}

	rec = doJSON(t, router, "GET", "/api/v1/sessions/"+created.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: status = %d", rec.Code)
	}
}

func TestCreateSession_Validation(t *testing.T) {
	setupTest(t)
	router := newRouter()

	rec := doJSON(t, router, "POST", "/api/v1/sessions", map[string]string{"name": ""})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty name: status = %d, want 400", rec.Code)
	}

	rec = doJSON(t, router, "POST", "/api/v1/sessions",
		map[string]string{"name": "evil", "workingDir": "../../etc"})
	if rec.Code != http.StatusForbidden {
		t.Errorf("path escape: status = %d, want 403", rec.Code)
	}
}

func TestListSessions(t *testing.T) {
	setupTest(t)
	router := newRouter()

	Registry.Create("one", "/tmp")
	Registry.Create("two", "/tmp")

	rec := doJSON(t, router, "GET", "/api/v1/sessions", nil)
	var resp struct {
		Sessions []session.Summary `json:"sessions"`
	}
	decode(t, rec, &resp)
	if len(resp.Sessions) != 2 {
		t.Errorf("listed %d sessions, want 2", len(resp.Sessions))
	}
}

func TestDeleteSession(t *testing.T) {
	setupTest(t)
	router := newRouter()
	id := Registry.Create("demo", "/tmp")

	rec := doJSON(t, router, "DELETE", "/api/v1/sessions/"+id, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete: status = %d", rec.Code)
	}
	rec = doJSON(t, router, "GET", "/api/v1/sessions/"+id, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("get after delete: status = %d, want 404", rec.Code)
	}
	rec = doJSON(t, router, "DELETE", "/api/v1/sessions/"+id, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("double delete: status = %d, want 404", rec.Code)
	}
}

func TestRenameSession(t *testing.T) {
	setupTest(t)
	router := newRouter()
	id := Registry.Create("old", "/tmp")

	rec := doJSON(t, router, "PUT", "/api/v1/sessions/"+id+"/name", map[string]string{"name": "new"})
	if rec.Code != http.StatusOK {
		t.Fatalf("rename: status = %d", rec.Code)
	}
	sum, _ := Registry.Get(id)
	if sum.Name != "new" {
		t.Errorf("name = %q, want new", sum.Name)
	}

	rec = doJSON(t, router, "PUT", "/api/v1/sessions/missing/name", map[string]string{"name": "x"})
	if rec.Code != http.StatusNotFound {
		t.Errorf("rename missing: status = %d, want 404", rec.Code)
	}
}

func TestWorkdir_SetGetClear(t *testing.T) {
	base := setupTest(t)
	router := newRouter()

	proj := filepath.Join(base, "proj")
	if err := os.Mkdir(proj, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	rec := doJSON(t, router, "PUT", "/api/v1/workdir", map[string]string{"path": "proj"})
	if rec.Code != http.StatusOK {
		t.Fatalf("set workdir: status = %d, body %s", rec.Code, rec.Body.String())
	}

	var got map[string]string
	rec = doJSON(t, router, "GET", "/api/v1/workdir", nil)
	decode(t, rec, &got)
	if got["workingDir"] != proj {
		t.Errorf("workingDir = %q, want %q", got["workingDir"], proj)
	}

	// New sessions default to the selected directory.
	rec = doJSON(t, router, "POST", "/api/v1/sessions", map[string]string{"name": "demo"})
	var created session.Summary
	decode(t, rec, &created)
	if created.WorkingDir != proj {
		t.Errorf("session dir = %q, want %q", created.WorkingDir, proj)
	}

	rec = doJSON(t, router, "DELETE", "/api/v1/workdir", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("clear workdir: status = %d", rec.Code)
	}
	if SelectedWorkingDir() != "" {
		t.Error("workdir not cleared")
	}
}

func TestWorkdir_EscapeRejected(t *testing.T) {
	setupTest(t)
	router := newRouter()

	rec := doJSON(t, router, "PUT", "/api/v1/workdir", map[string]string{"path": "../../etc"})
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
}

func TestFolders_ListAndCreate(t *testing.T) {
	base := setupTest(t)
	router := newRouter()

	for _, d := range []string{"alpha", "beta", ".hidden"} {
		if err := os.Mkdir(filepath.Join(base, d), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
	}
	if err := os.WriteFile(filepath.Join(base, "file.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	rec := doJSON(t, router, "GET", "/api/v1/folders", nil)
	var resp struct {
		Folders []folderEntry `json:"folders"`
	}
	decode(t, rec, &resp)
	if len(resp.Folders) != 2 || resp.Folders[0].Name != "alpha" || resp.Folders[1].Name != "beta" {
		t.Errorf("folders = %+v, want [alpha beta]", resp.Folders)
	}

	rec = doJSON(t, router, "POST", "/api/v1/folders", map[string]string{"path": "gamma/sub"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create folder: status = %d, body %s", rec.Code, rec.Body.String())
	}
	if _, err := os.Stat(filepath.Join(base, "gamma/sub")); err != nil {
		t.Errorf("created folder missing: %v", err)
	}
}

func TestFolders_EscapeRejected(t *testing.T) {
	setupTest(t)
	router := newRouter()

	rec := doJSON(t, router, "GET", "/api/v1/folders?path=../../etc", nil)
	if rec.Code != http.StatusForbidden {
		t.Errorf("list escape: status = %d, want 403", rec.Code)
	}
	rec = doJSON(t, router, "POST", "/api/v1/folders", map[string]string{"path": "/etc/newdir"})
	if rec.Code != http.StatusForbidden {
		t.Errorf("create escape: status = %d, want 403", rec.Code)
	}
}

func TestHealthCheck(t *testing.T) {
	setupTest(t)
	router := newRouter()

	Registry.Create("demo", "/tmp")

	rec := doJSON(t, router, "GET", "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp map[string]interface{}
	decode(t, rec, &resp)
	if resp["status"] != "healthy" {
		t.Errorf("status field = %v", resp["status"])
	}
	if resp["sessions"].(float64) != 1 {
		t.Errorf("sessions = %v, want 1", resp["sessions"])
	}
}

func TestAuthStatusAndVerify(t *testing.T) {
	setupTest(t)
	Gate = auth.NewGate("s3cret")
	router := newRouter()

	rec := doJSON(t, router, "GET", "/api/v1/auth/status", nil)
	var status map[string]bool
	decode(t, rec, &status)
	if !status["enabled"] {
		t.Error("auth should be enabled")
	}

	req := httptest.NewRequest("POST", "/api/v1/auth/verify", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rec2 := httptest.NewRecorder()
	router.ServeHTTP(rec2, req)
	if rec2.Code != http.StatusOK {
		t.Errorf("verify good token: status = %d", rec2.Code)
	}

	req = httptest.NewRequest("POST", "/api/v1/auth/verify", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec3 := httptest.NewRecorder()
	router.ServeHTTP(rec3, req)
	if rec3.Code != http.StatusUnauthorized {
		t.Errorf("verify bad token: status = %d, want 401", rec3.Code)
	}
}
