// Package shared provides the stateful document wrappers — SharedText,
// SharedList and SharedMap — that sit between application code and the
// operation algebra. Each wrapper holds a current value and version,
// mutates only through operations, and notifies typed listeners.
//
// Instances are confined to one logical task: callers invoking mutators
// from multiple goroutines must serialize externally.
package shared

import (
	"fmt"

	"github.com/lanemc/real-time-collaboration-sdk/ot"
)

// EventKind enumerates the observable events.
type EventKind int

const (
	EventInsert EventKind = iota
	EventDelete
	EventReplace
	EventMove
	EventSet
	EventBatch
	// EventChange fires on every value change with old and new values.
	EventChange
	// EventOperation fires for every applied operation, local or remote.
	EventOperation
)

func (k EventKind) String() string {
	switch k {
	case EventInsert:
		return "insert"
	case EventDelete:
		return "delete"
	case EventReplace:
		return "replace"
	case EventMove:
		return "move"
	case EventSet:
		return "set"
	case EventBatch:
		return "batch"
	case EventChange:
		return "change"
	case EventOperation:
		return "operation"
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Event carries what changed. Op is nil for snapshot-driven changes.
type Event struct {
	Kind     EventKind
	Op       *ot.Operation
	Value    any
	OldValue any
}

// Listener observes events of one kind.
type Listener func(Event)

// emitter is a typed callback registry; listeners run synchronously in
// registration order.
type emitter struct {
	listeners map[EventKind][]Listener
}

func (e *emitter) On(kind EventKind, fn Listener) {
	if e.listeners == nil {
		e.listeners = make(map[EventKind][]Listener)
	}
	e.listeners[kind] = append(e.listeners[kind], fn)
}

func (e *emitter) emit(ev Event) {
	for _, fn := range e.listeners[ev.Kind] {
		fn(ev)
	}
}
