package shared_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanemc/real-time-collaboration-sdk/ot"
	"github.com/lanemc/real-time-collaboration-sdk/shared"
)

func TestSharedTextMutators(t *testing.T) {
	txt := shared.NewText("c1", "")

	op, err := txt.Insert(0, "hello")
	require.NoError(t, err)
	assert.Equal(t, ot.TextInsert, op.Type)
	assert.Equal(t, 0, op.BaseVersion)
	assert.Equal(t, "hello", txt.String())
	assert.Equal(t, 1, txt.Version())

	op, err = txt.Delete(0, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, op.BaseVersion)
	assert.Equal(t, "ello", txt.String())
	assert.Equal(t, 2, txt.Version())

	_, err = txt.Retain(0, 4, map[string]any{"bold": true})
	require.NoError(t, err)
	assert.Equal(t, "ello", txt.String())
	assert.Equal(t, 3, txt.Version())
}

func TestSharedTextValidation(t *testing.T) {
	txt := shared.NewText("c1", "abc")

	_, err := txt.Insert(0, "")
	assert.ErrorIs(t, err, ot.ErrInvalidOperation)
	_, err = txt.Insert(4, "x")
	assert.ErrorIs(t, err, ot.ErrInvalidOperation)
	_, err = txt.Insert(-1, "x")
	assert.ErrorIs(t, err, ot.ErrInvalidOperation)
	_, err = txt.Delete(0, 0)
	assert.ErrorIs(t, err, ot.ErrInvalidOperation)
	_, err = txt.Delete(2, 5)
	assert.ErrorIs(t, err, ot.ErrInvalidOperation)

	// Failed mutations leave value and version untouched.
	assert.Equal(t, "abc", txt.String())
	assert.Equal(t, 0, txt.Version())
}

func TestSharedTextEvents(t *testing.T) {
	txt := shared.NewText("c1", "")
	var kinds []shared.EventKind
	for _, k := range []shared.EventKind{shared.EventInsert, shared.EventDelete, shared.EventChange, shared.EventOperation} {
		k := k
		txt.On(k, func(ev shared.Event) {
			kinds = append(kinds, k)
			assert.NotNil(t, ev.Op)
		})
	}
	_, err := txt.Insert(0, "hi")
	require.NoError(t, err)
	assert.Equal(t, []shared.EventKind{shared.EventInsert, shared.EventChange, shared.EventOperation}, kinds)

	kinds = nil
	_, err = txt.Delete(0, 1)
	require.NoError(t, err)
	assert.Equal(t, []shared.EventKind{shared.EventDelete, shared.EventChange, shared.EventOperation}, kinds)
}

func TestSharedTextSnapshotRoundTrip(t *testing.T) {
	txt := shared.NewText("c1", "")
	_, err := txt.Insert(0, "state")
	require.NoError(t, err)

	snap := txt.Snapshot()
	restored := shared.NewText("c2", "")
	var changes int
	restored.On(shared.EventChange, func(shared.Event) { changes++ })
	restored.On(shared.EventInsert, func(shared.Event) { t.Fatal("granular event from snapshot") })
	require.NoError(t, restored.Restore(snap))

	assert.Equal(t, txt.String(), restored.String())
	assert.Equal(t, txt.Version(), restored.Version())
	assert.Equal(t, 1, changes)
}

func TestSharedTextVersionMonotonic(t *testing.T) {
	txt := shared.NewText("c1", "abc")
	txt.SyncVersion(5)
	assert.Equal(t, 5, txt.Version())

	// A late rebased remote operation with an old base never rolls the
	// version back.
	old := ot.NewTextInsert("c2", 1, 0, "x", nil)
	require.NoError(t, txt.Apply(old))
	assert.Equal(t, 5, txt.Version())

	newer := ot.NewTextInsert("c2", 7, 0, "y", nil)
	require.NoError(t, txt.Apply(newer))
	assert.Equal(t, 8, txt.Version())
}

func TestGenerateOperations(t *testing.T) {
	cases := []struct {
		name      string
		old, next string
		wantOps   int
	}{
		{"insert middle", "hello world", "hello brave world", 1},
		{"delete middle", "hello brave world", "hello world", 1},
		{"rewrite middle", "abcdef", "abXYef", 2},
		{"append", "abc", "abcd", 1},
		{"clear", "abc", "", 1},
		{"no change", "abc", "abc", 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			txt := shared.NewText("c1", tc.old)
			ops, err := txt.GenerateOperations(tc.next)
			require.NoError(t, err)
			assert.Len(t, ops, tc.wantOps)
			assert.Equal(t, tc.next, txt.String())
		})
	}

	// The insert's base accounts for the preceding delete: replaying both
	// against a fresh copy reproduces the diff.
	txt := shared.NewText("c1", "abcdef")
	ops, err := txt.GenerateOperations("abXYef")
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, ot.TextDelete, ops[0].Type)
	assert.Equal(t, ot.TextInsert, ops[1].Type)
	assert.Equal(t, ops[0].BaseVersion+1, ops[1].BaseVersion)

	replay := shared.NewText("c2", "abcdef")
	for _, op := range ops {
		require.NoError(t, replay.Apply(op))
	}
	assert.Equal(t, "abXYef", replay.String())
}
