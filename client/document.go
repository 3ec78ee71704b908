package client

import (
	"fmt"
	"time"

	"github.com/lanemc/real-time-collaboration-sdk/common"
	"github.com/lanemc/real-time-collaboration-sdk/ot"
	"github.com/lanemc/real-time-collaboration-sdk/shared"
)

// Document is a handle on one open document: the local shared data type
// plus the buffer of operations shipped but not yet acknowledged.
type Document struct {
	s       *Session
	id      string
	schema  common.Schema
	typ     shared.Type
	pending []*ot.Operation
}

// ID returns the document id.
func (d *Document) ID() string { return d.id }

// Type returns the underlying shared data type. Mutations on it are
// forwarded to the server automatically.
func (d *Document) Type() shared.Type { return d.typ }

// Text returns the handle's SharedText, or nil for other kinds.
func (d *Document) Text() *shared.SharedText {
	t, _ := d.typ.(*shared.SharedText)
	return t
}

// List returns the handle's SharedList, or nil for other kinds.
func (d *Document) List() *shared.SharedList {
	l, _ := d.typ.(*shared.SharedList)
	return l
}

// Map returns the handle's SharedMap, or nil for other kinds.
func (d *Document) Map() *shared.SharedMap {
	m, _ := d.typ.(*shared.SharedMap)
	return m
}

// Value returns a copy of the current document value, serialized against
// inbound remote applies.
func (d *Document) Value() any {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	return d.typ.Value()
}

// Version returns the current document version, serialized against
// inbound remote applies.
func (d *Document) Version() int {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	return d.typ.Version()
}

// PendingCount reports how many local operations await acknowledgement.
func (d *Document) PendingCount() int {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	return len(d.pending)
}

// OpenDocument joins a document, instantiating the local shared type per
// schema and rehydrating it from the server snapshot. Opening an already
// open document returns the existing handle.
func (s *Session) OpenDocument(id string, schema common.Schema) (*Document, error) {
	if !common.ValidID(id) {
		return nil, fmt.Errorf("client: invalid document id %q", id)
	}

	s.mu.Lock()
	if d, ok := s.docs[id]; ok {
		s.mu.Unlock()
		return d, nil
	}
	if s.state != Connected {
		s.mu.Unlock()
		return nil, ErrNotConnected
	}
	typ, err := shared.New(schema, s.cfg.ClientID)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	d := &Document{s: s, id: id, schema: schema, typ: typ}
	s.docs[id] = d
	waiter := make(chan *common.DocumentJoined, 1)
	s.waiters[id] = waiter
	s.mu.Unlock()

	// Locally generated operations ship to the server as they happen.
	// Remote operations carry a different client id and pass through.
	typ.On(shared.EventOperation, func(ev shared.Event) {
		op := ev.Op
		if op == nil || op.ClientID != s.cfg.ClientID {
			return
		}
		s.mu.Lock()
		d.pending = append(d.pending, op)
		s.mu.Unlock()
		d.ship(op)
	})

	err = s.write(&common.JoinDocument{
		Header:     common.NewHeader(common.MsgJoinDocument),
		DocumentID: id,
		Schema:     &schema,
	})
	if err != nil {
		s.closeDocument(id)
		return nil, err
	}
	select {
	case <-waiter:
		return d, nil
	case <-time.After(s.cfg.ConnectionTimeout):
		s.closeDocument(id)
		return nil, errJoinTimeout
	}
}

// CloseDocument leaves the document and discards its handle.
func (s *Session) CloseDocument(id string) error {
	s.mu.Lock()
	_, ok := s.docs[id]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	err := s.write(&common.LeaveDocument{
		Header:     common.NewHeader(common.MsgLeaveDocument),
		DocumentID: id,
	})
	s.closeDocument(id)
	return err
}

func (s *Session) closeDocument(id string) {
	s.mu.Lock()
	delete(s.docs, id)
	delete(s.waiters, id)
	s.mu.Unlock()
}

// ship forwards a local operation to the server. Failures are logged; the
// operation stays pending and is dropped on the next rejoin.
func (d *Document) ship(op *ot.Operation) {
	raw, err := op.MarshalJSON()
	if err != nil {
		d.s.log.Error("encode operation", "op", op.ID, "err", err)
		return
	}
	err = d.s.write(&common.Operation{
		Header:     common.NewHeader(common.MsgOperation),
		DocumentID: d.id,
		Operation:  raw,
	})
	if err != nil {
		d.s.log.Warn("ship operation failed", "doc", d.id, "op", op.ID, "err", err)
	}
}

// UpdatePresence publishes cursor or identity state for a document.
func (s *Session) UpdatePresence(docID string, pr *common.Presence) error {
	s.mu.Lock()
	_, ok := s.docs[docID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("client: document %q not open", docID)
	}
	return s.write(&common.PresenceUpdate{
		Header:     common.NewHeader(common.MsgPresenceUpdate),
		DocumentID: docID,
		Presence:   pr,
	})
}
