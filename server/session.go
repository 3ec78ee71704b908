package server

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lanemc/real-time-collaboration-sdk/common"
)

// session is one websocket connection. The read pump owns all fields
// except send and lastActivity; the write pump drains send; the sweep
// reads lastActivity atomically.
type session struct {
	co   *Coordinator
	conn *websocket.Conn

	id            string
	info          *common.ClientInfo
	authenticated bool
	joined        map[string]*Authority

	send         chan []byte
	done         chan struct{}
	closeOnce    sync.Once
	lastActivity atomic.Int64
}

func newSession(co *Coordinator, conn *websocket.Conn, id string) *session {
	s := &session{
		co:     co,
		conn:   conn,
		id:     id,
		joined: make(map[string]*Authority),
		send:   make(chan []byte, co.cfg.SendQueueSize),
		done:   make(chan struct{}),
	}
	s.touch()
	return s
}

func (s *session) ID() string { return s.id }

func (s *session) Info() *common.ClientInfo { return s.info }

func (s *session) touch() {
	s.lastActivity.Store(time.Now().UnixMilli())
}

func (s *session) idleSince() time.Time {
	return time.UnixMilli(s.lastActivity.Load())
}

// Send marshals and enqueues v without blocking. A full queue means the
// peer cannot keep up; the session is closed with 1011 and false is
// returned.
func (s *session) Send(v any) bool {
	buf, err := json.Marshal(v)
	if err != nil {
		s.co.log.Error("encode message", "client", s.id, "err", err)
		return false
	}
	select {
	case s.send <- buf:
		return true
	default:
		s.co.log.Warn("send queue overflow", "client", s.id)
		s.close(websocket.CloseInternalServerErr, "send queue overflow")
		return false
	}
}

// close initiates a server-side disconnect exactly once. The read pump
// unblocks on the closed connection and runs the registry cleanup.
func (s *session) close(code int, reason string) {
	s.closeOnce.Do(func() {
		deadline := time.Now().Add(time.Second)
		msg := websocket.FormatCloseMessage(code, reason)
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, deadline)
		_ = s.conn.Close()
		close(s.done)
		if s.co.metrics != nil {
			s.co.metrics.Disconnects.Inc()
		}
	})
}

// readPump consumes inbound frames and dispatches them until the
// connection dies, then detaches the session everywhere.
func (s *session) readPump() {
	defer s.co.dropSession(s)
	s.conn.SetReadLimit(1 << 20)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.co.cfg.PingInterval + s.co.cfg.PongTimeout))
	s.conn.SetPongHandler(func(string) error {
		s.touch()
		return s.conn.SetReadDeadline(time.Now().Add(s.co.cfg.PingInterval + s.co.cfg.PongTimeout))
	})
	for {
		_, buf, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		s.touch()
		_ = s.conn.SetReadDeadline(time.Now().Add(s.co.cfg.PingInterval + s.co.cfg.PongTimeout))
		s.co.dispatch(s, buf)
	}
}

// writePump serializes all outbound writes for this connection and pings
// on the liveness interval.
func (s *session) writePump() {
	ticker := time.NewTicker(s.co.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case buf := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := s.conn.WriteMessage(websocket.TextMessage, buf); err != nil {
				s.close(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(s.co.cfg.PongTimeout)
			if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				s.close(websocket.CloseAbnormalClosure, "ping failed")
				return
			}
		}
	}
}

func (s *session) sendError(code, msg string) {
	s.Send(&common.Error{
		Header:  common.NewHeader(common.MsgError),
		Code:    code,
		Message: msg,
	})
}
