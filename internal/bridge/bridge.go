// Package bridge owns the lifecycle of the external interactive CLI process
// behind each session: spawning it on a PTY, relaying its raw output, and
// terminating it gracefully. One concrete bridge exists per wrapped tool
// (Claude-style and Codex-style CLIs); all share the same PTY core.
package bridge

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyRunning is returned by Start when a live process is already
	// bound to the session id.
	ErrAlreadyRunning = errors.New("a process is already running for this session")

	// ErrNotRunning is returned by SendInput when no process is bound.
	ErrNotRunning = errors.New("no process is running for this session")
)

// SpawnError wraps the underlying failure when the wrapped executable
// cannot be located or exec fails.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to start %q: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// Callbacks receive asynchronous process events. OnOutput is invoked with
// raw output chunks in the exact order the process produced them. OnExit is
// invoked exactly once when the process ends for any reason, after which
// the session id may be started again. OnError reports non-fatal runtime
// failures (e.g. a failed input write).
type Callbacks struct {
	OnOutput func(data []byte)
	OnExit   func(code int, signal string)
	OnError  func(err error)
}

// StartOptions configure a process start.
type StartOptions struct {
	WorkingDir string
	ExtraArgs  []string
	Cols       uint16
	Rows       uint16
	Callbacks  Callbacks
}

// Bridge is the capability set over one external interactive process per
// session id.
type Bridge interface {
	// Start spawns the wrapped tool for sessionID. It fails with
	// ErrAlreadyRunning if a live process is bound, or *SpawnError if the
	// executable cannot be started.
	Start(sessionID string, opts StartOptions) error

	// SendInput writes raw bytes to the process stdin. Fails with
	// ErrNotRunning if no process is bound.
	SendInput(sessionID string, data []byte) error

	// Resize adjusts the PTY dimensions. Best-effort: failures are logged,
	// never propagated.
	Resize(sessionID string, cols, rows uint16)

	// Stop terminates the process: graceful signal first, force-kill after
	// the grace window. Idempotent; stopping an unbound session is a no-op.
	Stop(sessionID string)

	// Running reports whether a live process is bound to sessionID.
	Running(sessionID string) bool

	// Name identifies the wrapped tool variant ("claude", "codex").
	Name() string
}

// ClaudeBridge drives the Claude Code CLI.
type ClaudeBridge struct{ *execBridge }

// CodexBridge drives the Codex CLI.
type CodexBridge struct{ *execBridge }

// NewClaude builds the Claude bridge, probing the usual install locations
// for the executable.
func NewClaude() *ClaudeBridge {
	return &ClaudeBridge{newExecBridge("claude", []string{
		"~/.claude/local/claude",
		"~/.local/bin/claude",
		"/usr/local/bin/claude",
		"claude",
	}, nil)}
}

// NewCodex builds the Codex bridge.
func NewCodex() *CodexBridge {
	return &CodexBridge{newExecBridge("codex", []string{
		"~/.local/bin/codex",
		"/usr/local/bin/codex",
		"codex",
	}, nil)}
}
