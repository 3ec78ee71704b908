package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanemc/real-time-collaboration-sdk/common"
	"github.com/lanemc/real-time-collaboration-sdk/ot"
	"github.com/lanemc/real-time-collaboration-sdk/storage"
)

type fakePeer struct {
	id   string
	mu   sync.Mutex
	msgs []any
}

func (p *fakePeer) ID() string { return p.id }

func (p *fakePeer) Info() *common.ClientInfo {
	return &common.ClientInfo{ClientID: p.id}
}

func (p *fakePeer) Send(v any) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, v)
	return true
}

func (p *fakePeer) messages() []any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]any(nil), p.msgs...)
}

// operations decodes the op payload of every broadcast operation frame.
func (p *fakePeer) operations(t *testing.T) []*ot.Operation {
	t.Helper()
	var ops []*ot.Operation
	for _, m := range p.messages() {
		frame, ok := m.(*common.Operation)
		if !ok {
			continue
		}
		op := &ot.Operation{}
		require.NoError(t, json.Unmarshal(frame.Operation, op))
		ops = append(ops, op)
	}
	return ops
}

func (p *fakePeer) acks() []*common.OperationApplied {
	var out []*common.OperationApplied
	for _, m := range p.messages() {
		if ack, ok := m.(*common.OperationApplied); ok {
			out = append(out, ack)
		}
	}
	return out
}

func (p *fakePeer) failures() []*common.OperationFailed {
	var out []*common.OperationFailed
	for _, m := range p.messages() {
		if f, ok := m.(*common.OperationFailed); ok {
			out = append(out, f)
		}
	}
	return out
}

func testAuthority(t *testing.T, initial any, kind common.DocKind, cfg Config) *Authority {
	t.Helper()
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg = cfg.withDefaults()
	a := newAuthority("doc-1", common.Schema{Kind: kind, Initial: initial}, cfg, cfg.Store, cfg.Logger, nil)
	a.start()
	t.Cleanup(func() {
		select {
		case <-a.done:
		default:
			a.stop()
		}
	})
	return a
}

// snapshot drains the mailbox and returns the canonical value and version
// as a fresh joiner would see them.
func snapshot(t *testing.T, a *Authority) (any, int) {
	t.Helper()
	probe := &fakePeer{id: "probe"}
	res, ok := a.Join(probe)
	require.True(t, ok)
	a.Leave(probe.id)
	return res.value, res.version
}

func textInsert(cid string, base, pos int, text string, ts int64) *ot.Operation {
	op := ot.NewTextInsert(cid, base, pos, text, nil)
	op.Timestamp = ts
	return op
}

func textDelete(cid string, base, pos, length int, ts int64) *ot.Operation {
	op := ot.NewTextDelete(cid, base, pos, length)
	op.Timestamp = ts
	return op
}

func TestAuthorityConcurrentInserts(t *testing.T) {
	a := testAuthority(t, "AC", common.KindText, Config{})
	p1, p2 := &fakePeer{id: "c1"}, &fakePeer{id: "c2"}
	_, ok := a.Join(p1)
	require.True(t, ok)
	_, ok = a.Join(p2)
	require.True(t, ok)

	a.Apply(p1, textInsert("c1", 0, 1, "B", 10))
	a.Apply(p2, textInsert("c2", 0, 2, "D", 10))

	value, version := snapshot(t, a)
	assert.Equal(t, "ABCD", value)
	assert.Equal(t, 2, version)

	// Each originator is acknowledged with its canonical version.
	require.Len(t, p1.acks(), 1)
	assert.Equal(t, 1, p1.acks()[0].Version)
	require.Len(t, p2.acks(), 1)
	assert.Equal(t, 2, p2.acks()[0].Version)

	// The peer broadcast carries the transformed operation.
	ops := p1.operations(t)
	require.Len(t, ops, 1)
	assert.Equal(t, 3, ops[0].Position)
}

func TestAuthorityTieBreakSamePosition(t *testing.T) {
	a := testAuthority(t, "", common.KindText, Config{})
	pa, pb := &fakePeer{id: "a"}, &fakePeer{id: "b"}
	a.Join(pa)
	a.Join(pb)

	a.Apply(pa, textInsert("a", 0, 0, "X", 100))
	a.Apply(pb, textInsert("b", 0, 0, "Y", 100))

	value, version := snapshot(t, a)
	assert.Equal(t, "XY", value)
	assert.Equal(t, 2, version)
}

func TestAuthorityInsertInsideDelete(t *testing.T) {
	a := testAuthority(t, "hello", common.KindText, Config{})
	p1, p2 := &fakePeer{id: "c1"}, &fakePeer{id: "c2"}
	a.Join(p1)
	a.Join(p2)

	a.Apply(p1, textDelete("c1", 0, 1, 3, 10))
	a.Apply(p2, textInsert("c2", 0, 3, "X", 10))

	value, _ := snapshot(t, a)
	assert.Equal(t, "hXo", value)
}

func TestAuthorityOverlappingDeletes(t *testing.T) {
	a := testAuthority(t, "abcdef", common.KindText, Config{})
	p1, p2 := &fakePeer{id: "c1"}, &fakePeer{id: "c2"}
	a.Join(p1)
	a.Join(p2)

	a.Apply(p1, textDelete("c1", 0, 1, 3, 10))
	a.Apply(p2, textDelete("c2", 0, 2, 3, 10))

	value, version := snapshot(t, a)
	assert.Equal(t, "af", value)
	assert.Equal(t, 2, version)
}

func TestAuthorityFIFOAndUniformBroadcast(t *testing.T) {
	a := testAuthority(t, "", common.KindText, Config{})
	author := &fakePeer{id: "author"}
	w1, w2 := &fakePeer{id: "w1"}, &fakePeer{id: "w2"}
	a.Join(author)
	a.Join(w1)
	a.Join(w2)

	words := []string{"a", "b", "c", "d", "e"}
	for i, w := range words {
		a.Apply(author, textInsert("author", i, i, w, int64(i)))
	}

	value, version := snapshot(t, a)
	assert.Equal(t, "abcde", value)
	assert.Equal(t, 5, version)

	// Every peer observes the same sequence, in author send order.
	ops1, ops2 := w1.operations(t), w2.operations(t)
	require.Len(t, ops1, 5)
	require.Equal(t, len(ops1), len(ops2))
	for i := range ops1 {
		assert.Equal(t, words[i], ops1[i].Text)
		assert.Equal(t, ops1[i].ID, ops2[i].ID)
	}

	// Acknowledged versions are strictly increasing.
	acks := author.acks()
	require.Len(t, acks, 5)
	for i, ack := range acks {
		assert.Equal(t, i+1, ack.Version)
	}
}

// A pipelined burst whose base versions were advanced locally must still
// transform against its author's own rebased entries once a peer
// operation interleaves ahead of it: the version filter alone decides
// what counts as missed history.
func TestAuthorityBurstWithConcurrentPeer(t *testing.T) {
	a := testAuthority(t, "AB", common.KindText, Config{})
	author := &fakePeer{id: "c1"}
	peer := &fakePeer{id: "c2"}
	a.Join(author)
	a.Join(peer)

	// The peer's insert lands first; the author's burst was based on the
	// document before it.
	a.Apply(peer, textInsert("c2", 0, 0, "Z", 5))
	a.Apply(author, textInsert("c1", 0, 2, "X", 10))
	a.Apply(author, textInsert("c1", 1, 3, "Y", 20))

	value, version := snapshot(t, a)
	assert.Equal(t, "ZABXY", value)
	assert.Equal(t, 3, version)

	acks := author.acks()
	require.Len(t, acks, 2)
	assert.Equal(t, 2, acks[0].Version)
	assert.Equal(t, 3, acks[1].Version)

	// The peer sees both burst operations in send order, rebased past its
	// own insert.
	ops := peer.operations(t)
	require.Len(t, ops, 2)
	assert.Equal(t, "X", ops[0].Text)
	assert.Equal(t, 3, ops[0].Position)
	assert.Equal(t, "Y", ops[1].Text)
	assert.Equal(t, 4, ops[1].Position)
}

func TestAuthorityAckBeforeLaterBroadcast(t *testing.T) {
	a := testAuthority(t, "", common.KindText, Config{})
	p1, p2 := &fakePeer{id: "c1"}, &fakePeer{id: "c2"}
	a.Join(p1)
	a.Join(p2)

	a.Apply(p1, textInsert("c1", 0, 0, "A", 10))
	a.Apply(p2, textInsert("c2", 0, 0, "B", 20))
	snapshot(t, a)

	var ackIdx, opIdx = -1, -1
	for i, m := range p1.messages() {
		switch m.(type) {
		case *common.OperationApplied:
			if ackIdx == -1 {
				ackIdx = i
			}
		case *common.Operation:
			if opIdx == -1 {
				opIdx = i
			}
		}
	}
	require.NotEqual(t, -1, ackIdx)
	require.NotEqual(t, -1, opIdx)
	assert.Less(t, ackIdx, opIdx)
}

func TestAuthorityRejectsBelowTrimHorizon(t *testing.T) {
	a := testAuthority(t, "", common.KindText, Config{TrimHighWater: 4, TrimKeep: 2})
	p1, p2 := &fakePeer{id: "c1"}, &fakePeer{id: "c2"}
	a.Join(p1)
	a.Join(p2)

	for i := 0; i < 6; i++ {
		a.Apply(p1, textInsert("c1", i, 0, "x", int64(i)))
	}
	a.Apply(p2, textInsert("c2", 0, 0, "y", 99))
	snapshot(t, a)

	fails := p2.failures()
	require.Len(t, fails, 1)
	assert.Equal(t, common.CodeDocumentNotFound, fails[0].Code)
	// The rejected operation consumed no version.
	_, version := snapshot(t, a)
	assert.Equal(t, 6, version)
}

func TestAuthorityInvalidOperationDropped(t *testing.T) {
	a := testAuthority(t, "ab", common.KindText, Config{})
	p1, p2 := &fakePeer{id: "c1"}, &fakePeer{id: "c2"}
	a.Join(p1)
	a.Join(p2)

	a.Apply(p1, textDelete("c1", 0, 1, 10, 10))
	snapshot(t, a)

	fails := p1.failures()
	require.Len(t, fails, 1)
	assert.Equal(t, common.CodeInvalidOperation, fails[0].Code)
	assert.Empty(t, p2.operations(t))
	_, version := snapshot(t, a)
	assert.Equal(t, 0, version)
}

func TestAuthorityPresenceFanout(t *testing.T) {
	a := testAuthority(t, "", common.KindText, Config{})
	p1, p2 := &fakePeer{id: "c1"}, &fakePeer{id: "c2"}
	res, _ := a.Join(p1)
	assert.Len(t, res.users, 1)
	res, _ = a.Join(p2)
	assert.Len(t, res.users, 2)

	a.UpdatePresence(p1, &common.Presence{
		ClientID: "c1",
		Cursor:   &common.Cursor{Position: 3},
		IsOnline: true,
	})
	snapshot(t, a)

	var got *common.PresenceUpdate
	for _, m := range p2.messages() {
		if pu, ok := m.(*common.PresenceUpdate); ok {
			got = pu
		}
	}
	require.NotNil(t, got)
	assert.Equal(t, 3, got.Presence.Cursor.Position)
	for _, m := range p1.messages() {
		_, isPresence := m.(*common.PresenceUpdate)
		assert.False(t, isPresence, "originator must not receive its own presence")
	}

	// Peers learn about arrivals and departures.
	a.Leave(p2.id)
	snapshot(t, a)
	var joins, leaves int
	for _, m := range p1.messages() {
		switch m.(type) {
		case *common.UserJoined:
			joins++
		case *common.UserLeft:
			leaves++
		}
	}
	assert.GreaterOrEqual(t, joins, 1)
	assert.GreaterOrEqual(t, leaves, 1)
}

func TestAuthorityPersistsAndRehydrates(t *testing.T) {
	store := storage.NewMemory()
	a := testAuthority(t, "", common.KindText, Config{Store: store})
	p1 := &fakePeer{id: "c1"}
	a.Join(p1)
	a.Apply(p1, textInsert("c1", 0, 0, "durable", 10))
	snapshot(t, a)
	a.stop()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := Config{Store: store, Logger: log}.withDefaults()
	b := newAuthority("doc-1", common.Schema{Kind: common.KindText}, cfg, store, log, nil)
	b.start()
	defer b.stop()

	p2 := &fakePeer{id: "c2"}
	res, ok := b.Join(p2)
	require.True(t, ok)
	assert.Equal(t, "durable", res.value)
	assert.Equal(t, 1, res.version)
}
