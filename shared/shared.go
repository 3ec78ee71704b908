package shared

import (
	"fmt"

	"github.com/lanemc/real-time-collaboration-sdk/common"
	"github.com/lanemc/real-time-collaboration-sdk/ot"
)

// Snapshot is an opaque point-in-time capture of a wrapper's state.
type Snapshot struct {
	Value   any `json:"value"`
	Version int `json:"version"`
}

// Type is the interface all three wrappers satisfy. Value deep-copies.
type Type interface {
	Kind() common.DocKind
	Value() any
	Version() int
	Apply(op *ot.Operation) error
	Snapshot() Snapshot
	Restore(Snapshot) error
	On(kind EventKind, fn Listener)
	SyncVersion(v int)
}

// New builds a wrapper for the given schema, seeded with the schema's
// initial value.
func New(schema common.Schema, clientID string) (Type, error) {
	switch schema.Kind {
	case common.KindText:
		init, ok := schema.InitialValue().(string)
		if !ok {
			return nil, fmt.Errorf("%w: text schema with %T initial", ot.ErrInvalidOperation, schema.Initial)
		}
		return NewText(clientID, init), nil
	case common.KindList:
		init, ok := schema.InitialValue().([]any)
		if !ok {
			return nil, fmt.Errorf("%w: list schema with %T initial", ot.ErrInvalidOperation, schema.Initial)
		}
		return NewList(clientID, init), nil
	case common.KindMap:
		init, ok := schema.InitialValue().(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: map schema with %T initial", ot.ErrInvalidOperation, schema.Initial)
		}
		return NewMap(clientID, init), nil
	}
	return nil, fmt.Errorf("%w: unknown schema kind %q", ot.ErrInvalidOperation, schema.Kind)
}

// base carries the pieces common to all wrappers.
type base struct {
	emitter
	clientID string
	version  int
}

func (b *base) Version() int { return b.version }

// SyncVersion raises the version to v when ahead, e.g. when the server
// acknowledges an operation with its canonical version. It never moves
// the version backward.
func (b *base) SyncVersion(v int) {
	if v > b.version {
		b.version = v
	}
}

// bumpVersion normalizes to max(version, baseVersion+1) so late-arriving
// rebased operations never move the version backward.
func (b *base) bumpVersion(op *ot.Operation) {
	if v := op.BaseVersion + 1; v > b.version {
		b.version = v
	}
}

func eventKindFor(t ot.Type) EventKind {
	switch t {
	case ot.TextInsert, ot.ListInsert:
		return EventInsert
	case ot.TextDelete, ot.ListDelete, ot.MapDelete:
		return EventDelete
	case ot.ListReplace:
		return EventReplace
	case ot.ListMove:
		return EventMove
	case ot.MapSet:
		return EventSet
	case ot.MapBatch:
		return EventBatch
	}
	return EventOperation
}

// applyCommon runs the single mutation path shared by the wrappers: apply
// through the algebra, bump the version, and emit granular, change and
// operation events.
func applyCommon(b *base, value any, op *ot.Operation) (any, error) {
	old := value
	next, err := ot.Apply(value, op)
	if err != nil {
		return nil, err
	}
	b.bumpVersion(op)
	if op.Type != ot.TextRetain && !op.IsNoop() {
		b.emit(Event{Kind: eventKindFor(op.Type), Op: op, Value: next, OldValue: old})
	}
	b.emit(Event{Kind: EventChange, Op: op, Value: next, OldValue: old})
	b.emit(Event{Kind: EventOperation, Op: op, Value: next, OldValue: old})
	return next, nil
}
