// Package client implements the session side of the collaboration
// protocol: a websocket transport, the authenticate handshake, per-document
// handles with pending-operation buffers, and reconnection with
// exponential backoff.
//
// A Session serializes its internal state with a mutex, but Shared Data
// Type listeners run synchronously on whichever goroutine applied the
// operation; listeners must not call back into mutating session methods.
package client

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/lanemc/real-time-collaboration-sdk/common"
)

// State is the session connection state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
	Errored
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Errored:
		return "error"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// ReconnectionConfig controls automatic reconnection.
type ReconnectionConfig struct {
	Enabled  bool
	Attempts int
	Delay    time.Duration
	DelayMax time.Duration
}

// Config configures a Session. ServerURL is required, e.g.
// "ws://localhost:8080/ws".
type Config struct {
	ServerURL         string
	Token             string
	ClientID          string
	ConnectionTimeout time.Duration
	AuthTimeout       time.Duration
	Reconnection      *ReconnectionConfig
	Headers           http.Header
	Logger            *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.ClientID == "" {
		c.ClientID = "client-" + uuid.NewString()
	}
	if c.ConnectionTimeout == 0 {
		c.ConnectionTimeout = 30 * time.Second
	}
	if c.AuthTimeout == 0 {
		c.AuthTimeout = 10 * time.Second
	}
	if c.Reconnection == nil {
		c.Reconnection = &ReconnectionConfig{
			Enabled:  true,
			Attempts: 5,
			Delay:    time.Second,
			DelayMax: 30 * time.Second,
		}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// EventKind enumerates session events.
type EventKind int

const (
	EventStateChanged EventKind = iota
	EventError
	EventDocumentJoined
	EventPeerJoined
	EventPeerLeft
	EventPresenceChanged
)

// Event carries a session notification.
type Event struct {
	Kind       EventKind
	State      State
	Err        error
	DocumentID string
	Presence   *common.Presence
	ClientID   string
}

// Listener observes session events.
type Listener func(Event)

// ErrNotConnected is returned by operations that need a live transport.
var ErrNotConnected = errors.New("session not connected")

// Session is a client connection to the coordinator.
type Session struct {
	cfg Config
	log *slog.Logger

	mu        sync.Mutex
	state     State
	conn      *websocket.Conn
	info      *common.ClientInfo
	docs      map[string]*Document
	waiters   map[string]chan *common.DocumentJoined
	authCh    chan error
	closed    bool
	attempts  int
	backoff   *backoff.ExponentialBackOff
	reconnect *time.Timer
	listeners map[EventKind][]Listener

	writeMu sync.Mutex

	pingStop chan struct{}
	lastPong atomic.Int64
}

// NewSession builds a session; call Connect to go live.
func NewSession(cfg Config) (*Session, error) {
	if cfg.ServerURL == "" {
		return nil, errors.New("client: ServerURL is required")
	}
	cfg = cfg.withDefaults()
	if !common.ValidID(cfg.ClientID) {
		return nil, fmt.Errorf("client: invalid client id %q", cfg.ClientID)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.Reconnection.Delay
	b.MaxInterval = cfg.Reconnection.DelayMax
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	return &Session{
		cfg:       cfg,
		log:       cfg.Logger.With("client", cfg.ClientID),
		docs:      make(map[string]*Document),
		waiters:   make(map[string]chan *common.DocumentJoined),
		backoff:   b,
		listeners: make(map[EventKind][]Listener),
	}, nil
}

// ClientID returns the session's client id.
func (s *Session) ClientID() string { return s.cfg.ClientID }

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// On registers a listener for one event kind.
func (s *Session) On(kind EventKind, fn Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners[kind] = append(s.listeners[kind], fn)
}

func (s *Session) emit(ev Event) {
	s.mu.Lock()
	fns := append([]Listener(nil), s.listeners[ev.Kind]...)
	s.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	if s.state == st {
		s.mu.Unlock()
		return
	}
	s.state = st
	s.mu.Unlock()
	s.emit(Event{Kind: EventStateChanged, State: st})
}

// Connect dials the server and runs the authenticate handshake.
func (s *Session) Connect() error {
	s.mu.Lock()
	if s.state == Connected || s.state == Connecting {
		s.mu.Unlock()
		return nil
	}
	s.closed = false
	s.mu.Unlock()
	s.setState(Connecting)

	if err := s.dial(); err != nil {
		s.setState(Errored)
		s.emit(Event{Kind: EventError, Err: err})
		s.scheduleReconnect()
		return err
	}
	s.setState(Connected)
	s.mu.Lock()
	s.attempts = 0
	s.mu.Unlock()
	s.backoff.Reset()
	return nil
}

// dial opens the transport, starts the read loop and authenticates.
func (s *Session) dial() error {
	dialer := websocket.Dialer{HandshakeTimeout: s.cfg.ConnectionTimeout}
	conn, _, err := dialer.Dial(s.cfg.ServerURL, s.cfg.Headers)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.cfg.ServerURL, err)
	}

	authCh := make(chan error, 1)
	s.mu.Lock()
	s.conn = conn
	s.authCh = authCh
	s.mu.Unlock()

	go s.readLoop(conn)

	abandon := func() {
		s.mu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.mu.Unlock()
		conn.Close()
	}
	err = s.write(&common.Authenticate{
		Header:   common.NewHeader(common.MsgAuthenticate),
		ClientID: s.cfg.ClientID,
		Token:    s.cfg.Token,
	})
	if err != nil {
		abandon()
		return err
	}
	select {
	case err := <-authCh:
		if err != nil {
			abandon()
			return err
		}
	case <-time.After(s.cfg.AuthTimeout):
		abandon()
		return errors.New("authentication timed out")
	}

	s.startPing(conn)
	return nil
}

func (s *Session) write(v any) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteJSON(v)
}

// Disconnect cancels reconnection, leaves every document and closes the
// transport with code 1000.
func (s *Session) Disconnect() {
	s.mu.Lock()
	s.closed = true
	if s.reconnect != nil {
		s.reconnect.Stop()
		s.reconnect = nil
	}
	conn := s.conn
	docIDs := make([]string, 0, len(s.docs))
	for id := range s.docs {
		docIDs = append(docIDs, id)
	}
	s.mu.Unlock()

	s.stopPing()
	if conn != nil {
		for _, id := range docIDs {
			_ = s.write(&common.LeaveDocument{
				Header:     common.NewHeader(common.MsgLeaveDocument),
				DocumentID: id,
			})
		}
		s.writeMu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		s.writeMu.Unlock()
		conn.Close()
	}
	s.setState(Disconnected)
}

// handleDisconnect reacts to transport loss: flip to reconnecting when
// enabled, otherwise settle disconnected.
func (s *Session) handleDisconnect(err error) {
	s.stopPing()
	s.mu.Lock()
	s.conn = nil
	closed := s.closed
	s.mu.Unlock()
	if closed {
		s.setState(Disconnected)
		return
	}
	if err != nil {
		s.emit(Event{Kind: EventError, Err: err})
	}
	s.scheduleReconnect()
}

// scheduleReconnect arms the next attempt after min(delay*2^n, delayMax).
func (s *Session) scheduleReconnect() {
	rc := s.cfg.Reconnection
	s.mu.Lock()
	if s.closed || !rc.Enabled || s.attempts >= rc.Attempts {
		s.mu.Unlock()
		s.setState(Disconnected)
		return
	}
	s.attempts++
	attempt := s.attempts
	delay := s.backoff.NextBackOff()
	s.mu.Unlock()

	s.setState(Reconnecting)
	s.log.Info("scheduling reconnect", "attempt", attempt, "delay", delay)

	s.mu.Lock()
	s.reconnect = time.AfterFunc(delay, func() {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		s.setState(Connecting)
		if err := s.dial(); err != nil {
			s.emit(Event{Kind: EventError, Err: err})
			s.scheduleReconnect()
			return
		}
		s.setState(Connected)
		s.mu.Lock()
		s.attempts = 0
		s.mu.Unlock()
		s.backoff.Reset()
		s.rejoinAll()
	})
	s.mu.Unlock()
}

// rejoinAll re-sends join_document for every open document after a
// reconnect; the server snapshot replaces local state and drops pending
// operations.
func (s *Session) rejoinAll() {
	s.mu.Lock()
	docs := make([]*Document, 0, len(s.docs))
	for _, d := range s.docs {
		docs = append(docs, d)
	}
	s.mu.Unlock()
	for _, d := range docs {
		err := s.write(&common.JoinDocument{
			Header:     common.NewHeader(common.MsgJoinDocument),
			DocumentID: d.id,
			Schema:     &d.schema,
		})
		if err != nil {
			s.log.Warn("rejoin failed", "doc", d.id, "err", err)
		}
	}
}

// startPing runs the application-level liveness loop: a ping frame every
// 30s, and a forced close when no pong arrives within 5s.
func (s *Session) startPing(conn *websocket.Conn) {
	stop := make(chan struct{})
	s.mu.Lock()
	s.pingStop = stop
	s.mu.Unlock()
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				sent := time.Now().UnixMilli()
				if err := s.write(&common.Ping{Header: common.NewHeader(common.MsgPing)}); err != nil {
					return
				}
				time.AfterFunc(5*time.Second, func() {
					select {
					case <-stop:
						return
					default:
					}
					if s.lastPong.Load() < sent {
						s.log.Warn("pong timed out, closing transport")
						conn.Close()
					}
				})
			}
		}
	}()
}

func (s *Session) stopPing() {
	s.mu.Lock()
	if s.pingStop != nil {
		close(s.pingStop)
		s.pingStop = nil
	}
	s.mu.Unlock()
}
