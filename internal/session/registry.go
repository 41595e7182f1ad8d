// Package session holds the in-memory registry of terminal sessions: the
// single authority for session records, their bounded output buffers, and
// their attached connection sets. No other component mutates a session
// record directly.
package session

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned for operations on unknown session ids.
	ErrNotFound = errors.New("session not found")

	// ErrAlreadyActive is returned when SetActive(true) is called on a
	// session that already has a live process bound.
	ErrAlreadyActive = errors.New("session already has an active process")
)

// Session is one named, durable unit of work. Fields are owned by the
// Registry; callers receive copies via Summary or the accessors below.
type Session struct {
	ID           string
	Name         string
	CreatedAt    time.Time
	LastActivity time.Time
	WorkingDir   string // sandbox-validated by the caller of Create
	Variant      string // which bridge the last process was started with

	// SessionStartTime is set once, on the first process start, and is
	// consumed by usage-window collaborators.
	SessionStartTime *time.Time

	active bool
	buffer *outputRing
	conns  map[string]struct{}
}

// Summary is the listing view of a session.
type Summary struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Active       bool       `json:"active"`
	WorkingDir   string     `json:"workingDir"`
	Variant      string     `json:"variant,omitempty"`
	Connections  int        `json:"connections"`
	CreatedAt    time.Time  `json:"createdAt"`
	LastActivity time.Time  `json:"lastActivity"`
	StartTime    *time.Time `json:"sessionStartTime,omitempty"`
}

// Record is the durable view of a session handed to the persistence layer.
// The registry knows nothing about how records are serialized.
type Record struct {
	ID           string
	Name         string
	CreatedAt    time.Time
	LastActivity time.Time
	WorkingDir   string
	Variant      string
	StartTime    *time.Time
	Output       []string
}

// Registry is the session map behind a single registry-wide lock. The
// mutation rate is low relative to I/O, so one lock is sufficient and keeps
// the invariants in one place.
type Registry struct {
	mu         sync.RWMutex
	sessions   map[string]*Session
	bufferSize int
}

// NewRegistry creates an empty registry whose sessions buffer up to
// bufferSize output chunks each.
func NewRegistry(bufferSize int) *Registry {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	return &Registry{
		sessions:   make(map[string]*Session),
		bufferSize: bufferSize,
	}
}

// Create allocates a new session with an empty buffer and connection set.
// workingDir must already have passed the sandbox guard.
func (r *Registry) Create(name, workingDir string) string {
	now := time.Now()
	s := &Session{
		ID:           uuid.New().String(),
		Name:         name,
		CreatedAt:    now,
		LastActivity: now,
		WorkingDir:   workingDir,
		buffer:       newOutputRing(r.bufferSize),
		conns:        make(map[string]struct{}),
	}

	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()

	log.Printf("[session] created %s (%q, dir=%s)", s.ID, name, workingDir)
	return s.ID
}

// Get returns the summary for a session.
func (r *Registry) Get(id string) (Summary, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return Summary{}, ErrNotFound
	}
	return s.summaryLocked(), nil
}

// List returns summaries for every session, in no particular order.
func (r *Registry) List() []Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Summary, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.summaryLocked())
	}
	return out
}

func (s *Session) summaryLocked() Summary {
	return Summary{
		ID:           s.ID,
		Name:         s.Name,
		Active:       s.active,
		WorkingDir:   s.WorkingDir,
		Variant:      s.Variant,
		Connections:  len(s.conns),
		CreatedAt:    s.CreatedAt,
		LastActivity: s.LastActivity,
		StartTime:    s.SessionStartTime,
	}
}

// AttachConn adds a connection to the session's set.
func (r *Registry) AttachConn(id, connID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.conns[connID] = struct{}{}
	s.LastActivity = time.Now()
	return nil
}

// AttachWithHistory attaches a connection and snapshots the buffered output
// in the same critical section. Every chunk appended before the attach is in
// the returned history; every chunk appended after it names connID as a
// recipient (see AppendOutput) — so replay plus live delivery covers the
// stream exactly once.
func (r *Registry) AttachWithHistory(id, connID string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	s.conns[connID] = struct{}{}
	s.LastActivity = time.Now()
	return s.buffer.tail(0), nil
}

// DetachConn removes a connection from the session's set. Detaching the
// last connection neither deletes the session nor stops its process.
func (r *Registry) DetachConn(id, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return
	}
	delete(s.conns, connID)
	s.LastActivity = time.Now()
}

// Connections returns the ids of the connections currently attached.
func (r *Registry) Connections(id string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(s.conns))
	for c := range s.conns {
		out = append(out, c)
	}
	return out
}

// AppendOutput pushes a chunk into the session's bounded buffer, evicting
// the oldest chunk when at capacity, and returns the connections attached at
// append time. Delivering to exactly that set keeps live output disjoint
// from any AttachWithHistory snapshot taken before or after the append.
func (r *Registry) AppendOutput(id, chunk string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil
	}
	s.buffer.append(chunk)
	s.LastActivity = time.Now()
	out := make([]string, 0, len(s.conns))
	for c := range s.conns {
		out = append(out, c)
	}
	return out
}

// RecentOutput returns up to max buffered chunks, oldest first. max <= 0
// returns the whole buffer.
func (r *Registry) RecentOutput(id string, max int) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil
	}
	return s.buffer.tail(max)
}

// SetActive flips the live-process flag. Setting true on an already-active
// session fails: the registry is the single enforcement point for the
// one-process-per-session invariant. The first activation also stamps
// SessionStartTime.
func (r *Registry) SetActive(id string, active bool, variant string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if active {
		if s.active {
			return ErrAlreadyActive
		}
		if s.SessionStartTime == nil {
			now := time.Now()
			s.SessionStartTime = &now
		}
		s.Variant = variant
	}
	s.active = active
	s.LastActivity = time.Now()
	return nil
}

// Touch updates the last-activity timestamp.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		s.LastActivity = time.Now()
	}
}

// Rename changes the display name.
func (r *Registry) Rename(id, newName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.Name = newName
	s.LastActivity = time.Now()
	return nil
}

// Remove deletes the record. Stopping the process and notifying attached
// connections is the gateway's job and must happen before this call.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return ErrNotFound
	}
	delete(r.sessions, id)
	log.Printf("[session] removed %s", id)
	return nil
}

// Count returns the number of sessions and the number currently active.
func (r *Registry) Count() (total, active int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions {
		if s.active {
			active++
		}
	}
	return len(r.sessions), active
}

// Export returns durable records for every session, each carrying at most
// tailSize buffered chunks. The snapshot is taken under the registry lock,
// so no mutation interleaves with it.
func (r *Registry) Export(tailSize int) []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Record, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, Record{
			ID:           s.ID,
			Name:         s.Name,
			CreatedAt:    s.CreatedAt,
			LastActivity: s.LastActivity,
			WorkingDir:   s.WorkingDir,
			Variant:      s.Variant,
			StartTime:    s.SessionStartTime,
			Output:       s.buffer.tail(tailSize),
		})
	}
	return out
}

// Import rehydrates persisted records. Rehydrated sessions always start
// inactive, with an empty connection set and a buffer seeded from the
// persisted tail. Records with an empty id are skipped.
func (r *Registry) Import(records []Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range records {
		if rec.ID == "" {
			continue
		}
		s := &Session{
			ID:               rec.ID,
			Name:             rec.Name,
			CreatedAt:        rec.CreatedAt,
			LastActivity:     rec.LastActivity,
			WorkingDir:       rec.WorkingDir,
			Variant:          rec.Variant,
			SessionStartTime: rec.StartTime,
			buffer:           newOutputRing(r.bufferSize),
			conns:            make(map[string]struct{}),
		}
		for _, chunk := range rec.Output {
			s.buffer.append(chunk)
		}
		r.sessions[s.ID] = s
	}
	if len(records) > 0 {
		log.Printf("[session] rehydrated %d session(s)", len(records))
	}
}
