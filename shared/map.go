package shared

import (
	"fmt"
	"sort"

	"github.com/lanemc/real-time-collaboration-sdk/common"
	"github.com/lanemc/real-time-collaboration-sdk/ot"
)

// SharedMap is a collaboratively edited keyed map.
type SharedMap struct {
	base
	value map[string]any
}

// NewMap returns a SharedMap at version 0 holding a copy of initial.
func NewMap(clientID string, initial map[string]any) *SharedMap {
	return &SharedMap{
		base:  base{clientID: clientID},
		value: ot.CloneValue(initial).(map[string]any),
	}
}

func (m *SharedMap) Kind() common.DocKind { return common.KindMap }

// Value returns a deep copy of the current map.
func (m *SharedMap) Value() any { return ot.CloneValue(m.value) }

// Len returns the current key count.
func (m *SharedMap) Len() int { return len(m.value) }

// Get returns a deep copy of the value at key.
func (m *SharedMap) Get(key string) (any, bool) {
	v, ok := m.value[key]
	if !ok {
		return nil, false
	}
	return ot.CloneValue(v), true
}

// Keys returns the current keys in sorted order.
func (m *SharedMap) Keys() []string {
	keys := make([]string, 0, len(m.value))
	for k := range m.value {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Set assigns value at key, recording any previous value.
func (m *SharedMap) Set(key string, value any) (*ot.Operation, error) {
	if key == "" {
		return nil, fmt.Errorf("%w: empty key", ot.ErrInvalidOperation)
	}
	op := ot.NewMapSet(m.clientID, m.version, key, value, ot.CloneValue(m.value[key]))
	if err := m.Apply(op); err != nil {
		return nil, err
	}
	return op, nil
}

// Delete removes key.
func (m *SharedMap) Delete(key string) (*ot.Operation, error) {
	if key == "" {
		return nil, fmt.Errorf("%w: empty key", ot.ErrInvalidOperation)
	}
	op := ot.NewMapDelete(m.clientID, m.version, key, ot.CloneValue(m.value[key]))
	if err := m.Apply(op); err != nil {
		return nil, err
	}
	return op, nil
}

// BatchEntry is one step of an atomic batch: a set, or a delete when
// Delete is true.
type BatchEntry struct {
	Key    string
	Value  any
	Delete bool
}

// Batch applies entries atomically as a single map-batch operation.
func (m *SharedMap) Batch(entries []BatchEntry) (*ot.Operation, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: empty batch", ot.ErrInvalidOperation)
	}
	subs := make([]*ot.Operation, len(entries))
	for i, e := range entries {
		if e.Key == "" {
			return nil, fmt.Errorf("%w: empty key in batch", ot.ErrInvalidOperation)
		}
		prev := ot.CloneValue(m.value[e.Key])
		if e.Delete {
			subs[i] = ot.NewMapDelete(m.clientID, m.version, e.Key, prev)
		} else {
			subs[i] = ot.NewMapSet(m.clientID, m.version, e.Key, e.Value, prev)
		}
	}
	op := ot.NewMapBatch(m.clientID, m.version, subs)
	if err := m.Apply(op); err != nil {
		return nil, err
	}
	return op, nil
}

// Clear removes every key atomically.
func (m *SharedMap) Clear() (*ot.Operation, error) {
	keys := m.Keys()
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: clear on empty map", ot.ErrInvalidOperation)
	}
	entries := make([]BatchEntry, len(keys))
	for i, k := range keys {
		entries[i] = BatchEntry{Key: k, Delete: true}
	}
	return m.Batch(entries)
}

// Apply is the single mutation point for both local and remote operations.
func (m *SharedMap) Apply(op *ot.Operation) error {
	next, err := applyCommon(&m.base, m.value, op)
	if err != nil {
		return err
	}
	m.value = next.(map[string]any)
	return nil
}

// Snapshot captures value and version.
func (m *SharedMap) Snapshot() Snapshot {
	return Snapshot{Value: ot.CloneValue(m.value), Version: m.version}
}

// Restore replaces value and version wholesale, emitting only a change
// event.
func (m *SharedMap) Restore(s Snapshot) error {
	v, ok := s.Value.(map[string]any)
	if !ok {
		return fmt.Errorf("%w: map snapshot with %T value", ot.ErrInvalidOperation, s.Value)
	}
	old := m.value
	m.value = ot.CloneValue(v).(map[string]any)
	m.version = s.Version
	m.emit(Event{Kind: EventChange, Value: ot.CloneValue(m.value), OldValue: old})
	return nil
}
