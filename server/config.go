// Package server implements the coordinator side of the collaboration
// protocol: WebSocket accept and dispatch, per-document single-writer
// authorities, presence fan-out, the auth gate, and the auxiliary HTTP
// surface.
package server

import (
	"log/slog"
	"time"

	"github.com/lanemc/real-time-collaboration-sdk/storage"
)

// Config tunes the coordinator. Zero values are replaced by the defaults
// below in New.
type Config struct {
	// AuthRequired gates join/operation handling on a successful
	// authenticate exchange.
	AuthRequired bool
	// AuthSecret enables the HMAC token verifier when set.
	AuthSecret string
	// CORSOrigin is the Access-Control-Allow-Origin value for the HTTP
	// surface; empty disables the header.
	CORSOrigin string

	// IdleTimeout is how long a session may go without any inbound
	// traffic before the sweep disconnects it.
	IdleTimeout time.Duration
	// DocIdleTimeout is how long an authority may sit with no attached
	// clients before it is evicted (persisting first).
	DocIdleTimeout time.Duration
	// SweepInterval paces the idle sweep.
	SweepInterval time.Duration

	// TrimHighWater / TrimKeep bound the recent-operation ring: when the
	// ring exceeds TrimHighWater entries only the last TrimKeep survive.
	TrimHighWater int
	TrimKeep      int

	// SendQueueSize bounds each session's outbound queue; overflow
	// disconnects that session with close code 1011.
	SendQueueSize int

	// PingInterval / PongTimeout drive transport liveness.
	PingInterval time.Duration
	PongTimeout  time.Duration

	// PersistTimeout bounds each persistence adapter call.
	PersistTimeout time.Duration

	Logger *slog.Logger
	Store  storage.Adapter
}

func (c Config) withDefaults() Config {
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.DocIdleTimeout == 0 {
		c.DocIdleTimeout = 5 * time.Minute
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = 30 * time.Second
	}
	if c.TrimHighWater == 0 {
		c.TrimHighWater = 1000
	}
	if c.TrimKeep == 0 {
		c.TrimKeep = 500
	}
	if c.SendQueueSize == 0 {
		c.SendQueueSize = 256
	}
	if c.PingInterval == 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.PongTimeout == 0 {
		c.PongTimeout = 5 * time.Second
	}
	if c.PersistTimeout == 0 {
		c.PersistTimeout = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Store == nil {
		c.Store = storage.NewMemory()
	}
	return c
}
