package bridge

import (
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
)

// stopGraceWindow is how long Stop waits for a graceful exit before
// force-killing the process.
const stopGraceWindow = 5 * time.Second

// proc is one live process handle: the command, its PTY master, and a
// channel closed once the wait goroutine has observed the exit.
type proc struct {
	cmd        *exec.Cmd
	ptmx       *os.File
	done       chan struct{}
	readerDone chan struct{}
}

// execBridge is the shared PTY-backed implementation behind every tool
// variant. Handles are keyed by session id; at most one per id.
type execBridge struct {
	name     string
	command  string // resolved executable path or bare name
	baseArgs []string

	mu    sync.Mutex
	procs map[string]*proc
}

func newExecBridge(name string, candidates []string, baseArgs []string) *execBridge {
	cmd := discoverExecutable(candidates, name)
	log.Printf("[bridge] %s executable: %s", name, cmd)
	return &execBridge{
		name:     name,
		command:  cmd,
		baseArgs: baseArgs,
		procs:    make(map[string]*proc),
	}
}

// discoverExecutable probes candidates in order and returns the first
// usable executable. Absolute and home-relative candidates are checked with
// a filesystem stat; bare names go through PATH lookup. No shell is ever
// involved. When nothing matches, fallback is returned so that Start fails
// lazily with a SpawnError.
func discoverExecutable(candidates []string, fallback string) string {
	for _, c := range candidates {
		expanded := expandHome(c)
		if strings.ContainsRune(expanded, os.PathSeparator) {
			info, err := os.Stat(expanded)
			if err == nil && !info.IsDir() && info.Mode()&0o111 != 0 {
				return expanded
			}
			continue
		}
		if path, err := exec.LookPath(expanded); err == nil {
			return path
		}
	}
	return fallback
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}

func (b *execBridge) Name() string { return b.name }

func (b *execBridge) Start(sessionID string, opts StartOptions) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.procs[sessionID]; exists {
		return ErrAlreadyRunning
	}

	args := append(append([]string{}, b.baseArgs...), opts.ExtraArgs...)
	cmd := exec.Command(b.command, args...)
	cmd.Dir = opts.WorkingDir
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return &SpawnError{Command: b.command, Err: err}
	}

	cols, rows := opts.Cols, opts.Rows
	if cols == 0 {
		cols = 80
	}
	if rows == 0 {
		rows = 24
	}
	if err := pty.Setsize(ptmx, &pty.Winsize{Cols: cols, Rows: rows}); err != nil {
		log.Printf("[bridge] %s session %s: set initial size: %v", b.name, sessionID, err)
	}

	p := &proc{cmd: cmd, ptmx: ptmx, done: make(chan struct{}), readerDone: make(chan struct{})}
	b.procs[sessionID] = p

	go b.relayOutput(sessionID, p, opts.Callbacks)
	go b.waitExit(sessionID, p, opts.Callbacks)

	log.Printf("[bridge] %s session %s: started pid %d in %s",
		b.name, sessionID, cmd.Process.Pid, opts.WorkingDir)
	return nil
}

// relayOutput reads raw PTY output and hands each chunk to OnOutput in
// order. Runs until the PTY master returns an error (process exit closes
// the slave side).
func (b *execBridge) relayOutput(sessionID string, p *proc, cb Callbacks) {
	defer close(p.readerDone)
	buf := make([]byte, 32*1024)
	for {
		n, err := p.ptmx.Read(buf)
		if n > 0 && cb.OnOutput != nil {
			data := make([]byte, n)
			copy(data, buf[:n])
			cb.OnOutput(data)
		}
		if err != nil {
			return
		}
	}
}

// waitExit reaps the process, removes the handle, and fires OnExit exactly
// once. After removal a new Start for the same session id is permitted.
func (b *execBridge) waitExit(sessionID string, p *proc, cb Callbacks) {
	waitErr := p.cmd.Wait()
	// The master read fails once the child is gone and buffered output is
	// drained, so all output produced before exit is delivered before
	// OnExit fires.
	<-p.readerDone
	p.ptmx.Close()

	if waitErr != nil && p.cmd.ProcessState == nil && cb.OnError != nil {
		// Wait failed without an exit status, e.g. the process was never
		// fully spawned or was reaped elsewhere.
		cb.OnError(waitErr)
	}

	code, sig := exitStatus(p.cmd)

	b.mu.Lock()
	if b.procs[sessionID] == p {
		delete(b.procs, sessionID)
	}
	b.mu.Unlock()

	log.Printf("[bridge] %s session %s: exited code=%d signal=%q", b.name, sessionID, code, sig)
	if cb.OnExit != nil {
		cb.OnExit(code, sig)
	}
	// Unblocks Stop only after OnExit has been delivered, so callers that
	// stop-then-notify observe events in process order.
	close(p.done)
}

// exitStatus extracts the exit code and terminating signal name, if any.
func exitStatus(cmd *exec.Cmd) (int, string) {
	state := cmd.ProcessState
	if state == nil {
		return -1, ""
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return -1, ws.Signal().String()
	}
	return state.ExitCode(), ""
}

func (b *execBridge) SendInput(sessionID string, data []byte) error {
	b.mu.Lock()
	p, ok := b.procs[sessionID]
	b.mu.Unlock()
	if !ok {
		return ErrNotRunning
	}
	if _, err := p.ptmx.Write(data); err != nil {
		return err
	}
	return nil
}

func (b *execBridge) Resize(sessionID string, cols, rows uint16) {
	b.mu.Lock()
	p, ok := b.procs[sessionID]
	b.mu.Unlock()
	if !ok {
		return
	}
	if err := pty.Setsize(p.ptmx, &pty.Winsize{Cols: cols, Rows: rows}); err != nil {
		log.Printf("[bridge] %s session %s: resize: %v", b.name, sessionID, err)
	}
}

func (b *execBridge) Stop(sessionID string) {
	b.mu.Lock()
	p, ok := b.procs[sessionID]
	b.mu.Unlock()
	if !ok {
		return
	}

	if p.cmd.Process != nil {
		if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			log.Printf("[bridge] %s session %s: SIGTERM: %v", b.name, sessionID, err)
		}
	}

	select {
	case <-p.done:
		return
	case <-time.After(stopGraceWindow):
	}

	log.Printf("[bridge] %s session %s: grace window elapsed, killing", b.name, sessionID)
	if p.cmd.Process != nil {
		p.cmd.Process.Kill()
	}
	<-p.done
}

func (b *execBridge) Running(sessionID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.procs[sessionID]
	return ok
}

// StopAll terminates every live process. Used during shutdown.
func (b *execBridge) StopAll() {
	b.mu.Lock()
	ids := make([]string, 0, len(b.procs))
	for id := range b.procs {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	for _, id := range ids {
		b.Stop(id)
	}
}
