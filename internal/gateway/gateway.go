// Package gateway accepts WebSocket connections, authenticating and routing
// each inbound message to the session registry and process bridges, and
// multiplexing session events back out to every attached connection.
//
// Each connection walks the state machine Unbound -> Bound(session) ->
// Unbound -> ... -> Closed. A connection binds to at most one session at a
// time; many connections may bind to the same session.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/agentmux/agentmux/internal/bridge"
	"github.com/agentmux/agentmux/internal/sandbox"
	"github.com/agentmux/agentmux/internal/session"
)

// Input hardening limits, applied per connection.
const (
	// MaxInputMessageSize caps a single input payload.
	MaxInputMessageSize = 64 * 1024
	// MaxTermCols and MaxTermRows clamp client resize requests.
	MaxTermCols = 500
	MaxTermRows = 200
	// messageRateLimit and messageRateBurst bound the per-connection
	// message rate; bursts cover paste operations.
	messageRateLimit = 200
	messageRateBurst = 200
)

// conn is one client attachment to the event stream.
type conn struct {
	id        string
	ws        *websocket.Conn
	ctx       context.Context
	cancel    context.CancelFunc
	createdAt time.Time
	limiter   *tokenBucket

	// sendMu serializes outbound writes so a join's history replay cannot
	// be overtaken by a concurrent output broadcast.
	sendMu sync.Mutex

	mu        sync.Mutex
	sessionID string // "" while unbound
	closed    bool
}

func (c *conn) boundSession() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *conn) bind(sessionID string) {
	c.mu.Lock()
	c.sessionID = sessionID
	c.mu.Unlock()
}

// send marshals and writes one event. Write errors cancel the connection.
func (c *conn) send(ev serverEvent) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	c.sendLocked(ev)
}

func (c *conn) sendLocked(ev serverEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Printf("[gateway] conn %s: marshal %s event: %v", c.id, ev.Type, err)
		return
	}
	if err := c.ws.Write(c.ctx, websocket.MessageText, data); err != nil {
		c.cancel()
	}
}

// Gateway routes WebSocket traffic between clients, the session registry,
// and the process bridges.
type Gateway struct {
	registry       *session.Registry
	guard          *sandbox.Guard
	bridges        map[string]bridge.Bridge
	defaultVariant string

	mu    sync.RWMutex
	conns map[string]*conn
}

// New wires a gateway over the given registry, sandbox guard, and tool
// bridges. defaultVariant names the bridge used when a client does not pick
// one explicitly.
func New(registry *session.Registry, guard *sandbox.Guard, bridges map[string]bridge.Bridge, defaultVariant string) *Gateway {
	return &Gateway{
		registry:       registry,
		guard:          guard,
		bridges:        bridges,
		defaultVariant: defaultVariant,
		conns:          make(map[string]*conn),
	}
}

// ConnCount returns the number of live connections.
func (g *Gateway) ConnCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.conns)
}

// HandleWS upgrades the request and runs the connection until the client
// disconnects. Authentication has already been enforced by middleware
// before the upgrade.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[gateway] accept: %v", err)
		return
	}
	defer ws.CloseNow()

	ws.SetReadLimit(1024 * 1024)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := &conn{
		id:        uuid.New().String(),
		ws:        ws,
		ctx:       ctx,
		cancel:    cancel,
		createdAt: time.Now(),
		limiter:   newTokenBucket(messageRateBurst, messageRateLimit),
	}

	g.mu.Lock()
	g.conns[c.id] = c
	g.mu.Unlock()
	log.Printf("[gateway] conn %s: connected", c.id)

	defer g.closeConn(c)

	c.send(serverEvent{Type: "connected", ConnectionID: c.id})

	// Direct join on connect: ?sessionId=... binds immediately.
	if sid := r.URL.Query().Get("sessionId"); sid != "" {
		g.handleJoin(c, sid)
	}

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return
		}
		if !c.limiter.allow() {
			continue
		}
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.send(serverEvent{Type: "error", Message: "malformed message"})
			continue
		}
		g.dispatch(c, msg)
	}
}

// closeConn detaches the connection from any bound session and removes it.
// Terminal: no further messages are processed for this connection.
func (g *Gateway) closeConn(c *conn) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	sid := c.sessionID
	c.sessionID = ""
	c.mu.Unlock()

	if sid != "" {
		g.registry.DetachConn(sid, c.id)
	}

	g.mu.Lock()
	delete(g.conns, c.id)
	g.mu.Unlock()
	c.cancel()
	log.Printf("[gateway] conn %s: closed", c.id)
}

func (g *Gateway) dispatch(c *conn, msg clientMessage) {
	switch msg.Type {
	case "create_session":
		g.handleCreate(c, msg)
	case "join_session":
		g.handleJoin(c, msg.SessionID)
	case "leave_session":
		g.handleLeave(c)
	case "start_process":
		g.handleStartProcess(c, msg.Options)
	case "stop_process":
		g.handleStopProcess(c)
	case "input":
		g.handleInput(c, msg.Data)
	case "resize":
		g.handleResize(c, msg.Cols, msg.Rows)
	case "ping":
		c.send(serverEvent{Type: "pong"})
	default:
		c.send(serverEvent{Type: "error", Message: "unknown message type: " + msg.Type})
	}
}

func (g *Gateway) handleCreate(c *conn, msg clientMessage) {
	dir, err := g.guard.Validate(msg.WorkingDir)
	if err != nil {
		c.send(serverEvent{Type: "error", Message: err.Error()})
		return
	}

	name := msg.Name
	if name == "" {
		name = "session"
	}
	sid := g.registry.Create(name, dir)
	c.send(serverEvent{Type: "session_created", SessionID: sid, Name: name, WorkingDir: dir})

	g.handleJoin(c, sid)
}

func (g *Gateway) handleJoin(c *conn, sessionID string) {
	sum, err := g.registry.Get(sessionID)
	if err != nil {
		c.send(serverEvent{Type: "error", Message: "session not found: " + sessionID})
		return
	}

	// Joining while bound first walks the unbind path.
	if prev := c.boundSession(); prev != "" {
		g.registry.DetachConn(prev, c.id)
		c.bind("")
		c.send(serverEvent{Type: "session_left"})
	}

	// Bind, attach+snapshot, and write session_joined under the send lock:
	// output appended after the snapshot names this connection as a
	// recipient and queues behind the replay, never ahead of it; output
	// appended before it is in the replay and nowhere else.
	c.sendMu.Lock()
	c.bind(sessionID)
	history, err := g.registry.AttachWithHistory(sessionID, c.id)
	if err != nil {
		c.bind("")
		c.sendMu.Unlock()
		c.send(serverEvent{Type: "error", Message: "session not found: " + sessionID})
		return
	}
	c.sendLocked(serverEvent{
		Type:          "session_joined",
		SessionID:     sum.ID,
		Name:          sum.Name,
		WorkingDir:    sum.WorkingDir,
		Active:        boolPtr(sum.Active),
		OutputHistory: history,
	})
	c.sendMu.Unlock()
	log.Printf("[gateway] conn %s: joined session %s", c.id, sessionID)
}

func (g *Gateway) handleLeave(c *conn) {
	sid := c.boundSession()
	if sid == "" {
		return
	}
	g.registry.DetachConn(sid, c.id)
	c.bind("")
	c.send(serverEvent{Type: "session_left"})
}

// variantBridge picks the bridge for a session variant, falling back to the
// default variant when the session has never started a process.
func (g *Gateway) variantBridge(variant string) bridge.Bridge {
	if variant == "" {
		variant = g.defaultVariant
	}
	return g.bridges[variant]
}

func (g *Gateway) handleStartProcess(c *conn, opts *startOptions) {
	sid := c.boundSession()
	if sid == "" {
		c.send(serverEvent{Type: "error", Message: "not in a session"})
		return
	}
	sum, err := g.registry.Get(sid)
	if err != nil {
		c.send(serverEvent{Type: "error", Message: "session not found: " + sid})
		return
	}

	// Without an explicit choice, a restart resumes the variant the session
	// last ran, including sessions rehydrated from a snapshot.
	variant := sum.Variant
	if variant == "" {
		variant = g.defaultVariant
	}
	var extraArgs []string
	var cols, rows uint16
	if opts != nil {
		if opts.Variant != "" {
			variant = opts.Variant
		}
		extraArgs = opts.ExtraArgs
		cols, rows = opts.Cols, opts.Rows
	}
	b := g.bridges[variant]
	if b == nil {
		c.send(serverEvent{Type: "error", Message: "unknown tool variant: " + variant})
		return
	}

	startErr := b.Start(sid, bridge.StartOptions{
		WorkingDir: sum.WorkingDir,
		ExtraArgs:  extraArgs,
		Cols:       cols,
		Rows:       rows,
		Callbacks: bridge.Callbacks{
			OnOutput: func(data []byte) {
				chunk := string(data)
				recipients := g.registry.AppendOutput(sid, chunk)
				g.deliver(recipients, sid, serverEvent{Type: "output", Data: chunk})
			},
			OnExit: func(code int, signal string) {
				g.registry.SetActive(sid, false, "")
				g.broadcast(sid, serverEvent{Type: "exit", SessionID: sid, Code: intPtr(code), Signal: signal})
			},
			OnError: func(err error) {
				g.broadcast(sid, serverEvent{Type: "error", Message: err.Error()})
			},
		},
	})
	switch {
	case errors.Is(startErr, bridge.ErrAlreadyRunning):
		// Expected when two clients race the start button.
		c.send(serverEvent{Type: "info", Message: "a process is already running in this session"})
		return
	case startErr != nil:
		c.send(serverEvent{Type: "error", Message: startErr.Error()})
		return
	}

	if err := g.registry.SetActive(sid, true, variant); err != nil {
		// The bridge guarantees single-start per id, so this only trips if
		// the session vanished mid-start. Roll the process back.
		b.Stop(sid)
		c.send(serverEvent{Type: "error", Message: err.Error()})
		return
	}
	g.broadcast(sid, serverEvent{Type: "process_started", SessionID: sid})
}

func (g *Gateway) handleStopProcess(c *conn) {
	sid := c.boundSession()
	if sid == "" {
		c.send(serverEvent{Type: "error", Message: "not in a session"})
		return
	}
	sum, err := g.registry.Get(sid)
	if err != nil {
		c.send(serverEvent{Type: "error", Message: "session not found: " + sid})
		return
	}

	// Stop is idempotent: with no running process this is a success no-op.
	if b := g.variantBridge(sum.Variant); b != nil {
		b.Stop(sid)
	}
	g.registry.SetActive(sid, false, "")
	g.broadcast(sid, serverEvent{Type: "process_stopped"})
}

func (g *Gateway) handleInput(c *conn, data string) {
	sid := c.boundSession()
	if sid == "" {
		c.send(serverEvent{Type: "error", Message: "not in a session"})
		return
	}
	if len(data) > MaxInputMessageSize {
		c.send(serverEvent{Type: "error", Message: "input message too large"})
		return
	}
	sum, err := g.registry.Get(sid)
	if err != nil {
		c.send(serverEvent{Type: "error", Message: "session not found: " + sid})
		return
	}

	b := g.variantBridge(sum.Variant)
	if b == nil || !b.Running(sid) {
		// Idle sessions are a normal state, not an error.
		c.send(serverEvent{Type: "info", Message: "no process is running; start one to send input"})
		return
	}
	if err := b.SendInput(sid, []byte(data)); err != nil {
		if errors.Is(err, bridge.ErrNotRunning) {
			c.send(serverEvent{Type: "info", Message: "no process is running; start one to send input"})
			return
		}
		c.send(serverEvent{Type: "error", Message: err.Error()})
		return
	}
	g.registry.Touch(sid)
}

func (g *Gateway) handleResize(c *conn, cols, rows uint16) {
	sid := c.boundSession()
	if sid == "" {
		return
	}
	if cols == 0 || rows == 0 {
		return
	}
	if cols > MaxTermCols {
		cols = MaxTermCols
	}
	if rows > MaxTermRows {
		rows = MaxTermRows
	}
	sum, err := g.registry.Get(sid)
	if err != nil {
		return
	}
	if b := g.variantBridge(sum.Variant); b != nil && b.Running(sid) {
		b.Resize(sid, cols, rows)
	}
}

// broadcast delivers an event to every connection currently attached to the
// session. Output events go through deliver directly with the recipient set
// AppendOutput captured, so live chunks stay disjoint from history replays.
func (g *Gateway) broadcast(sessionID string, ev serverEvent) {
	g.deliver(g.registry.Connections(sessionID), sessionID, ev)
}

// deliver sends an event to the named connections. Connections that switched
// sessions mid-flight are skipped: the conn's own bound-session is checked,
// not just the registry's set.
func (g *Gateway) deliver(connIDs []string, sessionID string, ev serverEvent) {
	for _, connID := range connIDs {
		g.mu.RLock()
		c := g.conns[connID]
		g.mu.RUnlock()
		if c == nil || c.boundSession() != sessionID {
			continue
		}
		c.send(ev)
	}
}

// DeleteSession removes a session entirely: any live process is stopped
// first (its exit event reaches attached clients), then every attached
// connection receives session_deleted and is unbound, then the record is
// removed. Used by the REST delete handler as well.
func (g *Gateway) DeleteSession(sessionID string) error {
	sum, err := g.registry.Get(sessionID)
	if err != nil {
		return err
	}

	if b := g.variantBridge(sum.Variant); b != nil {
		b.Stop(sessionID)
	}
	g.registry.SetActive(sessionID, false, "")

	g.broadcast(sessionID, serverEvent{Type: "session_deleted", SessionID: sessionID, Message: "session deleted"})

	for _, connID := range g.registry.Connections(sessionID) {
		g.mu.RLock()
		c := g.conns[connID]
		g.mu.RUnlock()
		if c != nil && c.boundSession() == sessionID {
			c.bind("")
		}
		g.registry.DetachConn(sessionID, connID)
	}

	return g.registry.Remove(sessionID)
}

// CloseAll disconnects every client. Used during shutdown after the HTTP
// listener has stopped accepting new connections.
func (g *Gateway) CloseAll() {
	g.mu.Lock()
	conns := make([]*conn, 0, len(g.conns))
	for _, c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.Unlock()

	for _, c := range conns {
		c.ws.Close(websocket.StatusGoingAway, "server shutting down")
		g.closeConn(c)
	}
}

// tokenBucket rate-limits messages per connection; bursts allow pastes.
type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

func newTokenBucket(burst, rate int) *tokenBucket {
	return &tokenBucket{
		tokens:     float64(burst),
		maxTokens:  float64(burst),
		refillRate: float64(rate),
		lastRefill: time.Now(),
	}
}

func (tb *tokenBucket) allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	tb.tokens += now.Sub(tb.lastRefill).Seconds() * tb.refillRate
	tb.lastRefill = now
	if tb.tokens > tb.maxTokens {
		tb.tokens = tb.maxTokens
	}
	if tb.tokens < 1 {
		return false
	}
	tb.tokens--
	return true
}
