// Package config loads the gate's runtime configuration from the
// environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
)

// Config is the environment-driven configuration for a gated SSE server.
type Config struct {
	// ListenAddr is the address the example server binds.
	ListenAddr string `env:"GATE_LISTEN_ADDR,default=:8000"`

	// StreamPath is the long-lived SSE stream-open endpoint.
	StreamPath string `env:"GATE_STREAM_PATH,default=/sse"`

	// MessagesPath is the short command endpoint carrying the session id as
	// a query parameter. It may equal StreamPath; the HTTP method
	// disambiguates.
	MessagesPath string `env:"GATE_MESSAGES_PATH,default=/messages/"`

	// SessionParam is the query parameter (and in-stream marker) naming the
	// session id.
	SessionParam string `env:"GATE_SESSION_PARAM,default=session_id"`

	// SessionConcurrency bounds concurrently admitted commands per session.
	SessionConcurrency int `env:"GATE_SESSION_CONCURRENCY,default=2"`

	// AcquireTimeout bounds how long a command waits for a permit before
	// being denied.
	AcquireTimeout time.Duration `env:"GATE_ACQUIRE_TIMEOUT,default=1s"`

	// StaleMaxAge is the age past which a session entry is reclaimed.
	StaleMaxAge time.Duration `env:"GATE_STALE_MAX_AGE,default=7200s"`

	// SweepInterval is the minimum spacing between opportunistic sweeps.
	// Zero sweeps on every stream-open.
	SweepInterval time.Duration `env:"GATE_SWEEP_INTERVAL,default=60s"`

	// StreamOpenRPS throttles stream-opens per remote host. Zero disables
	// the throttle.
	StreamOpenRPS   float64 `env:"GATE_STREAM_OPEN_RPS,default=0"`
	StreamOpenBurst int     `env:"GATE_STREAM_OPEN_BURST,default=10"`
}

// Load decodes and validates the configuration.
func Load() (*Config, error) {
	var c Config
	if err := envdecode.Decode(&c); err != nil {
		return nil, fmt.Errorf("decode env config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) Validate() error {
	if !strings.HasPrefix(c.StreamPath, "/") {
		return fmt.Errorf("stream path %q must start with /", c.StreamPath)
	}
	if !strings.HasPrefix(c.MessagesPath, "/") {
		return fmt.Errorf("messages path %q must start with /", c.MessagesPath)
	}
	if c.SessionParam == "" {
		return fmt.Errorf("session param must not be empty")
	}
	if c.SessionConcurrency < 1 {
		return fmt.Errorf("session concurrency must be at least 1, got %d", c.SessionConcurrency)
	}
	if c.AcquireTimeout <= 0 {
		return fmt.Errorf("acquire timeout must be positive, got %s", c.AcquireTimeout)
	}
	if c.StaleMaxAge <= 0 {
		return fmt.Errorf("stale max age must be positive, got %s", c.StaleMaxAge)
	}
	if c.SweepInterval < 0 {
		return fmt.Errorf("sweep interval must not be negative, got %s", c.SweepInterval)
	}
	if c.StreamOpenRPS < 0 {
		return fmt.Errorf("stream open rps must not be negative, got %g", c.StreamOpenRPS)
	}
	if c.StreamOpenRPS > 0 && c.StreamOpenBurst < 1 {
		return fmt.Errorf("stream open burst must be at least 1 when throttling, got %d", c.StreamOpenBurst)
	}
	return nil
}
