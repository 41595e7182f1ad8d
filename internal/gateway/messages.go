package gateway

// clientMessage is the envelope for every inbound WebSocket message,
// discriminated by Type: create_session, join_session, leave_session,
// start_process, stop_process, input, resize, ping.
type clientMessage struct {
	Type       string        `json:"type"`
	Name       string        `json:"name,omitempty"`
	WorkingDir string        `json:"workingDir,omitempty"`
	SessionID  string        `json:"sessionId,omitempty"`
	Data       string        `json:"data,omitempty"`
	Cols       uint16        `json:"cols,omitempty"`
	Rows       uint16        `json:"rows,omitempty"`
	Options    *startOptions `json:"options,omitempty"`
}

// startOptions are the client-supplied knobs for start_process.
type startOptions struct {
	Variant   string   `json:"variant,omitempty"`
	ExtraArgs []string `json:"extraArgs,omitempty"`
	Cols      uint16   `json:"cols,omitempty"`
	Rows      uint16   `json:"rows,omitempty"`
}

// serverEvent is the envelope for every outbound message, discriminated by
// Type: connected, session_created, session_joined, session_left,
// process_started, process_stopped, output, exit, error, info,
// session_deleted, pong.
type serverEvent struct {
	Type          string   `json:"type"`
	ConnectionID  string   `json:"connectionId,omitempty"`
	SessionID     string   `json:"sessionId,omitempty"`
	Name          string   `json:"name,omitempty"`
	WorkingDir    string   `json:"workingDir,omitempty"`
	Active        *bool    `json:"active,omitempty"`
	OutputHistory []string `json:"outputHistory,omitempty"`
	Data          string   `json:"data,omitempty"`
	Code          *int     `json:"code,omitempty"`
	Signal        string   `json:"signal,omitempty"`
	Message       string   `json:"message,omitempty"`
}

func boolPtr(b bool) *bool { return &b }
func intPtr(n int) *int    { return &n }
