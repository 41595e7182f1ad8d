// Package store persists the session registry to a versioned JSON snapshot
// on disk. Writes are atomic (temp file + rename) so a crash mid-write can
// never corrupt the previous snapshot; loads are defensive, quarantining
// unparseable files and discarding stale ones instead of failing startup.
package store

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/agentmux/agentmux/internal/session"
)

// snapshotVersion identifies the on-disk document layout.
const snapshotVersion = 1

// DefaultMaxAge is how old a snapshot may be before it is discarded on load.
const DefaultMaxAge = 7 * 24 * time.Hour

type sessionRecord struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	CreatedAt    time.Time  `json:"createdAt"`
	LastActivity time.Time  `json:"lastActivity"`
	WorkingDir   string     `json:"workingDir"`
	Variant      string     `json:"variant,omitempty"`
	StartTime    *time.Time `json:"sessionStartTime,omitempty"`
	Output       []string   `json:"output,omitempty"`
}

type snapshot struct {
	Version  int             `json:"version"`
	SavedAt  time.Time       `json:"savedAt"`
	Sessions []sessionRecord `json:"sessions"`
}

// Store reads and writes session snapshots at a fixed path.
type Store struct {
	path   string
	maxAge time.Duration

	nowFunc func() time.Time
}

// New creates a store writing to path. maxAge <= 0 uses DefaultMaxAge.
func New(path string, maxAge time.Duration) *Store {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Store{path: path, maxAge: maxAge, nowFunc: time.Now}
}

// Path returns the snapshot file location.
func (s *Store) Path() string { return s.path }

// Save writes the records atomically: marshal to a temp file in the target
// directory, then rename over the snapshot.
func (s *Store) Save(records []session.Record) error {
	snap := snapshot{
		Version:  snapshotVersion,
		SavedAt:  s.nowFunc(),
		Sessions: make([]sessionRecord, 0, len(records)),
	}
	for _, r := range records {
		snap.Sessions = append(snap.Sessions, sessionRecord{
			ID:           r.ID,
			Name:         r.Name,
			CreatedAt:    r.CreatedAt,
			LastActivity: r.LastActivity,
			WorkingDir:   r.WorkingDir,
			Variant:      r.Variant,
			StartTime:    r.StartTime,
			Output:       r.Output,
		})
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".sessions-*.json")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp snapshot: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename snapshot: %w", err)
	}
	return nil
}

// Load reads the snapshot and returns the rehydrated records. A missing
// file yields an empty slice. An unparseable file is renamed aside for
// forensics and treated as empty. A snapshot older than maxAge is
// discarded. Load never fails startup: every error path degrades to an
// empty registry.
func (s *Store) Load() []session.Record {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("[store] read snapshot: %v", err)
		}
		return nil
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		s.quarantine(err)
		return nil
	}
	if snap.Version != snapshotVersion {
		s.quarantine(fmt.Errorf("unsupported snapshot version %d", snap.Version))
		return nil
	}

	age := s.nowFunc().Sub(snap.SavedAt)
	if age > s.maxAge {
		log.Printf("[store] snapshot is %s old (limit %s), discarding", age.Round(time.Minute), s.maxAge)
		return nil
	}

	records := make([]session.Record, 0, len(snap.Sessions))
	for _, rec := range snap.Sessions {
		records = append(records, session.Record{
			ID:           rec.ID,
			Name:         rec.Name,
			CreatedAt:    rec.CreatedAt,
			LastActivity: rec.LastActivity,
			WorkingDir:   rec.WorkingDir,
			Variant:      rec.Variant,
			StartTime:    rec.StartTime,
			Output:       rec.Output,
		})
	}
	log.Printf("[store] loaded %d session(s) from snapshot (saved %s)", len(records), snap.SavedAt.Format(time.RFC3339))
	return records
}

// quarantine renames the bad snapshot aside so it can be inspected later.
func (s *Store) quarantine(cause error) {
	aside := fmt.Sprintf("%s.corrupt-%d", s.path, s.nowFunc().Unix())
	if err := os.Rename(s.path, aside); err != nil {
		log.Printf("[store] snapshot corrupt (%v) and quarantine failed: %v", cause, err)
		return
	}
	log.Printf("[store] snapshot corrupt (%v), moved to %s", cause, aside)
}

// Stat returns the snapshot file's modification time and size, for the
// health endpoint. ok is false when no snapshot exists.
func (s *Store) Stat() (modTime time.Time, size int64, ok bool) {
	info, err := os.Stat(s.path)
	if err != nil {
		return time.Time{}, 0, false
	}
	return info.ModTime(), info.Size(), true
}
