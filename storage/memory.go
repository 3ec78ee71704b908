package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/lanemc/real-time-collaboration-sdk/ot"
)

type memoryRecord struct {
	state *State
	ops   []versionedOp
}

type versionedOp struct {
	version int
	op      *ot.Operation
}

// Memory is an in-process Adapter. It is the default backend and the test
// double.
type Memory struct {
	mu   sync.RWMutex
	docs map[string]*memoryRecord
}

// NewMemory returns an empty in-memory adapter.
func NewMemory() *Memory {
	return &Memory{docs: make(map[string]*memoryRecord)}
}

func (m *Memory) SaveDocument(_ context.Context, state *State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.docs[state.ID]
	if !ok {
		rec = &memoryRecord{}
		m.docs[state.ID] = rec
	}
	rec.state = state.Clone()
	return nil
}

func (m *Memory) LoadDocument(_ context.Context, id string) (*State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.docs[id]
	if !ok || rec.state == nil {
		return nil, ErrNotFound
	}
	return rec.state.Clone(), nil
}

func (m *Memory) SaveOperation(_ context.Context, id string, op *ot.Operation, version int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.docs[id]
	if !ok {
		rec = &memoryRecord{}
		m.docs[id] = rec
	}
	rec.ops = append(rec.ops, versionedOp{version: version, op: op.Clone()})
	return nil
}

func (m *Memory) LoadOperations(_ context.Context, id string, sinceVersion int) ([]*ot.Operation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.docs[id]
	if !ok {
		return nil, ErrNotFound
	}
	// Appends arrive in version order from the single-writer authority,
	// so the log is already sorted.
	out := make([]*ot.Operation, 0, len(rec.ops))
	for _, v := range rec.ops {
		if v.version > sinceVersion {
			out = append(out, v.op.Clone())
		}
	}
	return out, nil
}

func (m *Memory) DeleteDocument(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, id)
	return nil
}

func (m *Memory) ListDocuments(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.docs))
	for id := range m.docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *Memory) Close() error { return nil }
