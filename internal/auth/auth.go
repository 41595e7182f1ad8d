// Package auth gates access to the control plane and the event stream:
// shared-secret token validation plus per-identifier sliding-window rate
// limiting.
package auth

import (
	"crypto/subtle"
	"log"
	"sync"
	"time"
)

// Gate validates tokens and rate-limits request sources.
type Gate struct {
	token string // empty means auth is disabled

	mu      sync.Mutex
	windows map[string][]time.Time

	// nowFunc is the clock, injectable for tests.
	nowFunc func() time.Time
}

// NewGate creates a gate for the given shared secret. An empty token
// disables authentication: every ValidateToken call succeeds.
func NewGate(token string) *Gate {
	return &Gate{
		token:   token,
		windows: make(map[string][]time.Time),
		nowFunc: time.Now,
	}
}

// Enabled reports whether token authentication is required.
func (g *Gate) Enabled() bool { return g.token != "" }

// ValidateToken checks the provided token against the configured secret.
func (g *Gate) ValidateToken(provided string) bool {
	if g.token == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(g.token)) == 1
}

// Allow records a request from identifier and reports whether it fits in
// the sliding window of max requests per window duration. Entries outside
// the window are evicted as part of the check.
func (g *Gate) Allow(identifier string, max int, window time.Duration) bool {
	if max <= 0 || window <= 0 {
		return true
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.nowFunc()
	cutoff := now.Add(-window)

	recent := g.windows[identifier][:0]
	for _, t := range g.windows[identifier] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= max {
		g.windows[identifier] = recent
		return false
	}
	g.windows[identifier] = append(recent, now)
	return true
}

// Sweep evicts identifiers with no entries newer than maxIdle, bounding the
// limiter's memory. Returns the number of identifiers removed.
func (g *Gate) Sweep(maxIdle time.Duration) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	cutoff := g.nowFunc().Add(-maxIdle)
	removed := 0
	for id, stamps := range g.windows {
		idle := true
		for _, t := range stamps {
			if t.After(cutoff) {
				idle = false
				break
			}
		}
		if idle {
			delete(g.windows, id)
			removed++
		}
	}
	if removed > 0 {
		log.Printf("[auth] swept %d idle rate-limit identifier(s)", removed)
	}
	return removed
}
