package shared

import (
	"fmt"

	"github.com/lanemc/real-time-collaboration-sdk/common"
	"github.com/lanemc/real-time-collaboration-sdk/ot"
)

// SharedText is a collaboratively edited string.
type SharedText struct {
	base
	value string
}

// NewText returns a SharedText at version 0 holding initial.
func NewText(clientID, initial string) *SharedText {
	return &SharedText{base: base{clientID: clientID}, value: initial}
}

func (t *SharedText) Kind() common.DocKind { return common.KindText }

// Value returns the current text. Strings are immutable, so no copy is
// needed.
func (t *SharedText) Value() any { return t.value }

// String returns the current text.
func (t *SharedText) String() string { return t.value }

// Len returns the current length in bytes.
func (t *SharedText) Len() int { return len(t.value) }

// Insert inserts text before position and returns the emitted operation
// for shipment.
func (t *SharedText) Insert(position int, text string) (*ot.Operation, error) {
	return t.InsertWithAttributes(position, text, nil)
}

// InsertWithAttributes is Insert carrying an opaque attribute map.
func (t *SharedText) InsertWithAttributes(position int, text string, attrs map[string]any) (*ot.Operation, error) {
	if text == "" {
		return nil, fmt.Errorf("%w: empty insert text", ot.ErrInvalidOperation)
	}
	if position < 0 || position > len(t.value) {
		return nil, fmt.Errorf("%w: insert at %d, len %d", ot.ErrInvalidOperation, position, len(t.value))
	}
	op := ot.NewTextInsert(t.clientID, t.version, position, text, attrs)
	if err := t.Apply(op); err != nil {
		return nil, err
	}
	return op, nil
}

// Delete removes length chars starting at position.
func (t *SharedText) Delete(position, length int) (*ot.Operation, error) {
	if length <= 0 {
		return nil, fmt.Errorf("%w: delete length %d", ot.ErrInvalidOperation, length)
	}
	if position < 0 || position+length > len(t.value) {
		return nil, fmt.Errorf("%w: delete [%d,%d), len %d", ot.ErrInvalidOperation, position, position+length, len(t.value))
	}
	op := ot.NewTextDelete(t.clientID, t.version, position, length)
	if err := t.Apply(op); err != nil {
		return nil, err
	}
	return op, nil
}

// Retain emits a positional no-op carrying attributes over a range.
func (t *SharedText) Retain(position, length int, attrs map[string]any) (*ot.Operation, error) {
	if length <= 0 || position < 0 || position+length > len(t.value) {
		return nil, fmt.Errorf("%w: retain [%d,%d), len %d", ot.ErrInvalidOperation, position, position+length, len(t.value))
	}
	op := ot.NewTextRetain(t.clientID, t.version, position, length, attrs)
	if err := t.Apply(op); err != nil {
		return nil, err
	}
	return op, nil
}

// Apply is the single mutation point for both local and remote operations.
func (t *SharedText) Apply(op *ot.Operation) error {
	next, err := applyCommon(&t.base, t.value, op)
	if err != nil {
		return err
	}
	t.value = next.(string)
	return nil
}

// Snapshot captures value and version.
func (t *SharedText) Snapshot() Snapshot {
	return Snapshot{Value: t.value, Version: t.version}
}

// Restore replaces value and version wholesale. Only a change event is
// emitted; snapshots are opaque.
func (t *SharedText) Restore(s Snapshot) error {
	v, ok := s.Value.(string)
	if !ok {
		return fmt.Errorf("%w: text snapshot with %T value", ot.ErrInvalidOperation, s.Value)
	}
	old := t.value
	t.value = v
	t.version = s.Version
	t.emit(Event{Kind: EventChange, Value: t.value, OldValue: old})
	return nil
}

// GenerateOperations diffs the current text against next using a common
// prefix / common suffix split, producing at most one delete followed by
// one insert. Each operation is applied as it is emitted, so the insert's
// base version accounts for the preceding delete.
func (t *SharedText) GenerateOperations(next string) ([]*ot.Operation, error) {
	old := t.value
	if old == next {
		return nil, nil
	}
	prefix := 0
	for prefix < len(old) && prefix < len(next) && old[prefix] == next[prefix] {
		prefix++
	}
	suffix := 0
	for suffix < len(old)-prefix && suffix < len(next)-prefix &&
		old[len(old)-1-suffix] == next[len(next)-1-suffix] {
		suffix++
	}
	var ops []*ot.Operation
	if del := len(old) - prefix - suffix; del > 0 {
		op, err := t.Delete(prefix, del)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	if ins := next[prefix : len(next)-suffix]; ins != "" {
		op, err := t.Insert(prefix, ins)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, nil
}
