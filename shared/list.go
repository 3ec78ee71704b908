package shared

import (
	"fmt"

	"github.com/lanemc/real-time-collaboration-sdk/common"
	"github.com/lanemc/real-time-collaboration-sdk/ot"
)

// SharedList is a collaboratively edited ordered list.
type SharedList struct {
	base
	value []any
}

// NewList returns a SharedList at version 0 holding a copy of initial.
func NewList(clientID string, initial []any) *SharedList {
	return &SharedList{
		base:  base{clientID: clientID},
		value: ot.CloneValue(initial).([]any),
	}
}

func (l *SharedList) Kind() common.DocKind { return common.KindList }

// Value returns a deep copy of the current list.
func (l *SharedList) Value() any { return ot.CloneValue(l.value) }

// Len returns the current item count.
func (l *SharedList) Len() int { return len(l.value) }

// Get returns a deep copy of the item at index.
func (l *SharedList) Get(index int) (any, error) {
	if index < 0 || index >= len(l.value) {
		return nil, fmt.Errorf("%w: index %d, len %d", ot.ErrInvalidOperation, index, len(l.value))
	}
	return ot.CloneValue(l.value[index]), nil
}

// Insert inserts item at index.
func (l *SharedList) Insert(index int, item any) (*ot.Operation, error) {
	if index < 0 || index > len(l.value) {
		return nil, fmt.Errorf("%w: insert at %d, len %d", ot.ErrInvalidOperation, index, len(l.value))
	}
	op := ot.NewListInsert(l.clientID, l.version, index, item)
	if err := l.Apply(op); err != nil {
		return nil, err
	}
	return op, nil
}

// Append inserts item at the end.
func (l *SharedList) Append(item any) (*ot.Operation, error) {
	return l.Insert(len(l.value), item)
}

// Delete removes count items starting at index.
func (l *SharedList) Delete(index, count int) (*ot.Operation, error) {
	if count <= 0 {
		return nil, fmt.Errorf("%w: delete count %d", ot.ErrInvalidOperation, count)
	}
	if index < 0 || index+count > len(l.value) {
		return nil, fmt.Errorf("%w: delete [%d,%d), len %d", ot.ErrInvalidOperation, index, index+count, len(l.value))
	}
	op := ot.NewListDelete(l.clientID, l.version, index, count)
	if err := l.Apply(op); err != nil {
		return nil, err
	}
	return op, nil
}

// Replace assigns item at index, recording the replaced item for conflict
// resolution.
func (l *SharedList) Replace(index int, item any) (*ot.Operation, error) {
	if index < 0 || index >= len(l.value) {
		return nil, fmt.Errorf("%w: replace at %d, len %d", ot.ErrInvalidOperation, index, len(l.value))
	}
	op := ot.NewListReplace(l.clientID, l.version, index, item, ot.CloneValue(l.value[index]))
	if err := l.Apply(op); err != nil {
		return nil, err
	}
	return op, nil
}

// Move relocates the item at index to targetIndex.
func (l *SharedList) Move(index, targetIndex int) (*ot.Operation, error) {
	if index == targetIndex {
		return nil, fmt.Errorf("%w: move with equal source and target %d", ot.ErrInvalidOperation, index)
	}
	if index < 0 || index >= len(l.value) || targetIndex < 0 || targetIndex >= len(l.value) {
		return nil, fmt.Errorf("%w: move %d to %d, len %d", ot.ErrInvalidOperation, index, targetIndex, len(l.value))
	}
	op := ot.NewListMove(l.clientID, l.version, index, targetIndex)
	if err := l.Apply(op); err != nil {
		return nil, err
	}
	return op, nil
}

// Apply is the single mutation point for both local and remote operations.
func (l *SharedList) Apply(op *ot.Operation) error {
	next, err := applyCommon(&l.base, l.value, op)
	if err != nil {
		return err
	}
	l.value = next.([]any)
	return nil
}

// Snapshot captures value and version.
func (l *SharedList) Snapshot() Snapshot {
	return Snapshot{Value: ot.CloneValue(l.value), Version: l.version}
}

// Restore replaces value and version wholesale, emitting only a change
// event.
func (l *SharedList) Restore(s Snapshot) error {
	v, ok := s.Value.([]any)
	if !ok {
		return fmt.Errorf("%w: list snapshot with %T value", ot.ErrInvalidOperation, s.Value)
	}
	old := l.value
	l.value = ot.CloneValue(v).([]any)
	l.version = s.Version
	l.emit(Event{Kind: EventChange, Value: ot.CloneValue(l.value), OldValue: old})
	return nil
}
