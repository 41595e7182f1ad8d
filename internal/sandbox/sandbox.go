// Package sandbox restricts client-supplied filesystem paths to a fixed
// base directory. Every handler that accepts a path from a client must run
// it through Guard.Validate before touching the filesystem.
package sandbox

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrAccessDenied is returned for any path that resolves outside the base
// directory, whether via relative segments, an absolute override, or a
// symlink pointing out of the sandbox.
var ErrAccessDenied = errors.New("access denied: path is outside the allowed directory")

// Guard validates paths against a base directory fixed at construction.
type Guard struct {
	base string // absolute, symlink-resolved
}

// NewGuard resolves base to an absolute, symlink-free path and returns a
// Guard rooted there. The base directory must exist.
func NewGuard(base string) (*Guard, error) {
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("resolve base %q: %w", base, err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("resolve base %q: %w", base, err)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return nil, fmt.Errorf("stat base %q: %w", base, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("base %q is not a directory", base)
	}
	return &Guard{base: resolved}, nil
}

// Base returns the resolved base directory.
func (g *Guard) Base() string {
	return g.base
}

// Validate resolves path (relative paths are taken against the base) and
// returns its absolute form, or ErrAccessDenied if it escapes the base.
// The target itself does not need to exist; its closest existing ancestor
// is symlink-resolved so a link out of the sandbox cannot be used as an
// escape hatch for not-yet-created children.
func (g *Guard) Validate(path string) (string, error) {
	if path == "" {
		return g.base, nil
	}
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(g.base, abs)
	}
	abs = filepath.Clean(abs)

	resolved, err := resolveExisting(abs)
	if err != nil {
		return "", ErrAccessDenied
	}
	if !within(g.base, resolved) {
		return "", ErrAccessDenied
	}
	return abs, nil
}

// resolveExisting symlink-resolves the longest existing prefix of path and
// rejoins the non-existing tail onto it.
func resolveExisting(path string) (string, error) {
	remainder := ""
	for p := path; ; {
		resolved, err := filepath.EvalSymlinks(p)
		if err == nil {
			return filepath.Join(resolved, remainder), nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(p)
		if parent == p {
			return "", err
		}
		remainder = filepath.Join(filepath.Base(p), remainder)
		p = parent
	}
}

// within reports whether path equals base or is nested under it.
func within(base, path string) bool {
	if path == base {
		return true
	}
	return strings.HasPrefix(path, base+string(filepath.Separator))
}
