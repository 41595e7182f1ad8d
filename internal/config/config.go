package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	ListenAddr string `envconfig:"LISTEN_ADDR" default:":8000"`
	DataPath   string `envconfig:"DATA_PATH" default:"/app/data"`

	// SandboxDir is the base directory outside of which no client-supplied
	// path may resolve. Empty means the server's working directory at start.
	SandboxDir string `envconfig:"SANDBOX_DIR" default:""`

	// AuthToken is the shared secret for control-plane and WebSocket access.
	// Empty disables authentication.
	AuthToken string `envconfig:"AUTH_TOKEN" default:""`

	// Session output buffering and persistence
	OutputBufferSize  int    `envconfig:"OUTPUT_BUFFER_SIZE" default:"1000"`
	SnapshotFile      string `envconfig:"SNAPSHOT_FILE" default:"sessions.json"`
	SnapshotInterval  string `envconfig:"SNAPSHOT_INTERVAL" default:"1m"`
	SnapshotMaxAge    string `envconfig:"SNAPSHOT_MAX_AGE" default:"168h"`
	PersistedTailSize int    `envconfig:"PERSISTED_TAIL_SIZE" default:"100"`

	// Rate limiting for control-plane requests and WebSocket establishment
	RateLimitMax    int    `envconfig:"RATE_LIMIT_MAX" default:"100"`
	RateLimitWindow string `envconfig:"RATE_LIMIT_WINDOW" default:"1m"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("AGENTMUX", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
}

// ParseDurationOr parses s, falling back to def on error or empty input.
func ParseDurationOr(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
