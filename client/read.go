package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lanemc/real-time-collaboration-sdk/common"
	"github.com/lanemc/real-time-collaboration-sdk/ot"
	"github.com/lanemc/real-time-collaboration-sdk/shared"
)

// readLoop consumes inbound frames until the connection dies, then hands
// off to the reconnect machinery.
func (s *Session) readLoop(conn *websocket.Conn) {
	for {
		_, buf, err := conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			stale := s.conn != conn
			s.mu.Unlock()
			if stale {
				// This transport was already abandoned or replaced; the
				// owner handles any reconnect.
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				err = nil
			}
			s.handleDisconnect(err)
			return
		}
		s.handleFrame(buf)
	}
}

func (s *Session) handleFrame(buf []byte) {
	var hdr common.Header
	if err := json.Unmarshal(buf, &hdr); err != nil {
		s.log.Warn("malformed frame", "err", err)
		return
	}
	switch hdr.Type {
	case common.MsgAuthRequired:
		// Informational; the authenticate frame is already in flight.
	case common.MsgAuthSuccess:
		var msg common.AuthSuccess
		if err := json.Unmarshal(buf, &msg); err != nil {
			return
		}
		s.mu.Lock()
		s.info = msg.ClientInfo
		ch := s.authCh
		s.authCh = nil
		s.mu.Unlock()
		if ch != nil {
			ch <- nil
		}
	case common.MsgAuthFailed:
		var msg common.AuthFailed
		if err := json.Unmarshal(buf, &msg); err != nil {
			return
		}
		s.mu.Lock()
		ch := s.authCh
		s.authCh = nil
		s.mu.Unlock()
		if ch != nil {
			ch <- fmt.Errorf("authentication failed: %s", msg.Reason)
		}
	case common.MsgDocumentJoined:
		var msg common.DocumentJoined
		if err := json.Unmarshal(buf, &msg); err != nil {
			return
		}
		s.handleDocumentJoined(&msg)
	case common.MsgDocumentLeft:
		// Acknowledgement of our own leave; nothing to do.
	case common.MsgOperation:
		var msg common.Operation
		if err := json.Unmarshal(buf, &msg); err != nil {
			return
		}
		op := &ot.Operation{}
		if err := op.UnmarshalJSON(msg.Operation); err != nil {
			s.log.Warn("malformed remote operation", "doc", msg.DocumentID, "err", err)
			return
		}
		s.handleRemoteOperation(msg.DocumentID, op)
	case common.MsgOperationApplied:
		var msg common.OperationApplied
		if err := json.Unmarshal(buf, &msg); err != nil {
			return
		}
		s.handleAck(&msg)
	case common.MsgOperationFailed:
		var msg common.OperationFailed
		if err := json.Unmarshal(buf, &msg); err != nil {
			return
		}
		s.handleOperationFailed(&msg)
	case common.MsgPresenceUpdate:
		var msg common.PresenceUpdate
		if err := json.Unmarshal(buf, &msg); err != nil {
			return
		}
		s.emit(Event{Kind: EventPresenceChanged, DocumentID: msg.DocumentID, Presence: msg.Presence})
	case common.MsgPresenceState:
		var msg common.PresenceState
		if err := json.Unmarshal(buf, &msg); err != nil {
			return
		}
		for _, pr := range msg.Users {
			s.emit(Event{Kind: EventPresenceChanged, DocumentID: msg.DocumentID, Presence: pr})
		}
	case common.MsgUserJoined:
		var msg common.UserJoined
		if err := json.Unmarshal(buf, &msg); err != nil {
			return
		}
		clientID := ""
		if msg.User != nil {
			clientID = msg.User.ClientID
		}
		s.emit(Event{Kind: EventPeerJoined, DocumentID: msg.DocumentID, Presence: msg.User, ClientID: clientID})
	case common.MsgUserLeft:
		var msg common.UserLeft
		if err := json.Unmarshal(buf, &msg); err != nil {
			return
		}
		s.emit(Event{Kind: EventPeerLeft, DocumentID: msg.DocumentID, ClientID: msg.ClientID})
	case common.MsgError:
		var msg common.Error
		if err := json.Unmarshal(buf, &msg); err != nil {
			return
		}
		s.emit(Event{Kind: EventError, Err: fmt.Errorf("server error %s: %s", msg.Code, msg.Message)})
	case common.MsgPong:
		s.lastPong.Store(time.Now().UnixMilli())
	default:
		s.log.Debug("unhandled frame", "type", hdr.Type)
	}
}

// handleDocumentJoined rehydrates the document from the server snapshot.
// Any still-pending operations are dropped; re-issuing is the
// application's call.
func (s *Session) handleDocumentJoined(msg *common.DocumentJoined) {
	s.mu.Lock()
	d := s.docs[msg.DocumentID]
	var waiter chan *common.DocumentJoined
	if w, ok := s.waiters[msg.DocumentID]; ok {
		waiter = w
		delete(s.waiters, msg.DocumentID)
	}
	if d != nil {
		if dropped := len(d.pending); dropped > 0 {
			s.log.Warn("dropping pending operations on rejoin", "doc", d.id, "count", dropped)
		}
		d.pending = nil
		if err := d.typ.Restore(shared.Snapshot{Value: msg.State, Version: msg.Version}); err != nil {
			s.log.Error("restore snapshot", "doc", d.id, "err", err)
		}
	}
	s.mu.Unlock()

	if waiter != nil {
		waiter <- msg
	}
	s.emit(Event{Kind: EventDocumentJoined, DocumentID: msg.DocumentID})
}

// handleRemoteOperation transforms a broadcast operation against the
// pending buffer, applies it, and rewrites the pending buffer against it.
func (s *Session) handleRemoteOperation(docID string, op *ot.Operation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.docs[docID]
	if d == nil {
		return
	}
	remote, pending := ot.TransformSeqs([]*ot.Operation{op}, d.pending)
	d.pending = pending
	for _, part := range remote {
		if err := d.typ.Apply(part); err != nil {
			s.log.Error("apply remote operation", "doc", docID, "op", part.ID, "err", err)
			return
		}
	}
}

// handleAck drops the acknowledged operation from the pending buffer and
// records the canonical version.
func (s *Session) handleAck(msg *common.OperationApplied) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.docs[msg.DocumentID]
	if d == nil {
		return
	}
	kept := d.pending[:0]
	for _, p := range d.pending {
		if p.ID != msg.OperationID {
			kept = append(kept, p)
		}
	}
	d.pending = kept
	d.typ.SyncVersion(msg.Version)
}

// handleOperationFailed drops the rejected operation; a DOCUMENT_NOT_FOUND
// rejection means our base fell behind the trim horizon, so rejoin.
func (s *Session) handleOperationFailed(msg *common.OperationFailed) {
	s.mu.Lock()
	d := s.docs[msg.DocumentID]
	if d != nil {
		kept := d.pending[:0]
		for _, p := range d.pending {
			if p.ID != msg.OperationID {
				kept = append(kept, p)
			}
		}
		d.pending = kept
	}
	rejoin := d != nil && msg.Code == common.CodeDocumentNotFound
	var schema common.Schema
	if rejoin {
		schema = d.schema
	}
	s.mu.Unlock()

	s.emit(Event{Kind: EventError, DocumentID: msg.DocumentID,
		Err: fmt.Errorf("operation %s rejected: %s: %s", msg.OperationID, msg.Code, msg.Message)})
	if rejoin {
		_ = s.write(&common.JoinDocument{
			Header:     common.NewHeader(common.MsgJoinDocument),
			DocumentID: msg.DocumentID,
			Schema:     &schema,
		})
	}
}

var errJoinTimeout = errors.New("join timed out")
