package ot_test

import (
	"encoding/json"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanemc/real-time-collaboration-sdk/ot"
)

func ins(pos int, text string, ts int64, cid string) *ot.Operation {
	op := ot.NewTextInsert(cid, 0, pos, text, nil)
	op.Timestamp = ts
	return op
}

func del(pos, length int, ts int64, cid string) *ot.Operation {
	op := ot.NewTextDelete(cid, 0, pos, length)
	op.Timestamp = ts
	return op
}

// applyPair runs both sides of the OT diamond from the same start state.
func applyPair(t *testing.T, start string, a, b *ot.Operation) (viaB, viaA string) {
	t.Helper()
	ap, bp := ot.TransformPair(a, b)

	vB, err := ot.Apply(start, b)
	require.NoError(t, err)
	vB, err = ot.ApplyAll(vB, ap)
	require.NoError(t, err)

	vA, err := ot.Apply(start, a)
	require.NoError(t, err)
	vA, err = ot.ApplyAll(vA, bp)
	require.NoError(t, err)
	return vB.(string), vA.(string)
}

func TestTransformInsertInsert(t *testing.T) {
	cases := []struct {
		name         string
		a, b         *ot.Operation
		wantA, wantB int
	}{
		{"a before b", ins(1, "f", 10, "a"), ins(3, "oo", 10, "b"), 1, 4},
		{"a after b", ins(3, "f", 10, "a"), ins(1, "oo", 10, "b"), 5, 1},
		{"tie, b later timestamp", ins(2, "x", 10, "a"), ins(2, "yy", 20, "b"), 2, 3},
		{"tie, a later timestamp", ins(2, "x", 20, "a"), ins(2, "yy", 10, "b"), 4, 2},
		{"tie on timestamp, client id decides", ins(2, "x", 10, "a"), ins(2, "yy", 10, "b"), 2, 3},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ap, bp := ot.TransformPair(tc.a, tc.b)
			require.Len(t, ap, 1)
			require.Len(t, bp, 1)
			assert.Equal(t, tc.wantA, ap[0].Position)
			assert.Equal(t, tc.wantB, bp[0].Position)
		})
	}
}

func TestTransformInsertDelete(t *testing.T) {
	// Insert at or before the deleted range survives unchanged and shifts
	// the delete; insert past the range shifts back.
	ap, bp := ot.TransformPair(ins(2, "foo", 10, "a"), del(3, 2, 10, "b"))
	require.Len(t, ap, 1)
	require.Len(t, bp, 1)
	assert.Equal(t, 2, ap[0].Position)
	assert.Equal(t, 6, bp[0].Position)

	ap, bp = ot.TransformPair(ins(5, "foo", 10, "a"), del(1, 2, 10, "b"))
	assert.Equal(t, 3, ap[0].Position)
	assert.Equal(t, 1, bp[0].Position)

	// Insert strictly inside the range snaps to its start and the delete
	// splits around the inserted text.
	ap, bp = ot.TransformPair(ins(3, "X", 10, "a"), del(1, 3, 10, "b"))
	require.Len(t, ap, 1)
	require.Len(t, bp, 2)
	assert.Equal(t, 1, ap[0].Position)
	assert.Equal(t, 1, bp[0].Position)
	assert.Equal(t, 2, bp[0].Length)
	assert.Equal(t, 2, bp[1].Position)
	assert.Equal(t, 1, bp[1].Length)

	viaB, viaA := applyPair(t, "hello", ins(3, "X", 10, "a"), del(1, 3, 10, "b"))
	assert.Equal(t, "hXo", viaB)
	assert.Equal(t, "hXo", viaA)
}

func TestTransformDeleteDelete(t *testing.T) {
	run := func(a, b *ot.Operation, wantPos, wantLen int) {
		t.Helper()
		ap, _ := ot.TransformPair(a, b)
		require.Len(t, ap, 1)
		assert.Equal(t, wantPos, ap[0].Position)
		assert.Equal(t, wantLen, ap[0].Length)
	}
	// Hold b=delete(3,4) while sliding a forward.
	run(del(0, 2, 10, "a"), del(3, 4, 10, "b"), 0, 2)
	run(del(1, 2, 10, "a"), del(3, 4, 10, "b"), 1, 2)
	run(del(2, 2, 10, "a"), del(3, 4, 10, "b"), 2, 1)
	run(del(3, 2, 10, "a"), del(3, 4, 10, "b"), 3, 0)
	run(del(4, 2, 10, "a"), del(3, 4, 10, "b"), 3, 0)
	run(del(5, 2, 10, "a"), del(3, 4, 10, "b"), 3, 0)
	run(del(6, 2, 10, "a"), del(3, 4, 10, "b"), 3, 1)
	run(del(7, 2, 10, "a"), del(3, 4, 10, "b"), 3, 2)
	run(del(8, 2, 10, "a"), del(3, 4, 10, "b"), 4, 2)

	// Identical ranges cancel to preserved no-ops.
	ap, bp := ot.TransformPair(del(0, 1, 10, "a"), del(0, 1, 10, "b"))
	assert.True(t, ap[0].IsNoop())
	assert.True(t, bp[0].IsNoop())
}

func TestTransformRetainIdentity(t *testing.T) {
	ret := ot.NewTextRetain("a", 0, 1, 3, map[string]any{"bold": true})
	ret.Timestamp = 10
	ap, bp := ot.TransformPair(ret, ins(0, "zz", 20, "b"))
	assert.Equal(t, 1, ap[0].Position)
	assert.Equal(t, 0, bp[0].Position)

	// Overlapping retains merge attributes last-writer-wins.
	other := ot.NewTextRetain("b", 0, 2, 3, map[string]any{"bold": false, "em": true})
	other.Timestamp = 20
	ap, bp = ot.TransformPair(ret, other)
	_, hasBold := ap[0].Attributes["bold"]
	assert.False(t, hasBold)
	assert.Equal(t, true, bp[0].Attributes["em"])
}

// Numbered scenarios from the protocol walkthroughs: each one simulates
// the authority applying C1 first, then transforming C2 against it.
func TestServerOrderScenarios(t *testing.T) {
	serverApply := func(t *testing.T, start string, first, second *ot.Operation) string {
		t.Helper()
		v, err := ot.Apply(start, first)
		require.NoError(t, err)
		v, err = ot.ApplyAll(v, ot.Transform(second, first))
		require.NoError(t, err)
		return v.(string)
	}

	t.Run("concurrent inserts, no overlap", func(t *testing.T) {
		got := serverApply(t, "AC", ins(1, "B", 10, "c1"), ins(2, "D", 10, "c2"))
		assert.Equal(t, "ABCD", got)
	})
	t.Run("concurrent inserts at same position", func(t *testing.T) {
		got := serverApply(t, "", ins(0, "X", 100, "a"), ins(0, "Y", 100, "b"))
		assert.Equal(t, "XY", got)
	})
	t.Run("insert inside concurrent delete", func(t *testing.T) {
		got := serverApply(t, "hello", del(1, 3, 10, "c1"), ins(3, "X", 10, "c2"))
		assert.Equal(t, "hXo", got)
	})
	t.Run("overlapping deletes", func(t *testing.T) {
		got := serverApply(t, "abcdef", del(1, 3, 10, "c1"), del(2, 3, 10, "c2"))
		assert.Equal(t, "af", got)
	})
}

// TP1: for concurrent a and b from the same base state, both application
// orders converge.
func TestTP1TextRandom(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	letters := "abcdefghij"
	randOp := func(n int, ts int64, cid string) *ot.Operation {
		if n == 0 || rng.Intn(2) == 0 {
			text := string(letters[rng.Intn(len(letters))]) + string(letters[rng.Intn(len(letters))])
			return ins(rng.Intn(n+1), text[:1+rng.Intn(2)], ts, cid)
		}
		pos := rng.Intn(n)
		return del(pos, 1+rng.Intn(n-pos), ts, cid)
	}
	for i := 0; i < 1000; i++ {
		n := rng.Intn(12)
		start := ""
		for j := 0; j < n; j++ {
			start += string(letters[rng.Intn(len(letters))])
		}
		a := randOp(n, int64(rng.Intn(3)), "a")
		b := randOp(n, int64(rng.Intn(3)), "b")
		viaB, viaA := applyPair(t, start, a, b)
		require.Equal(t, viaB, viaA, "start=%q a=%v b=%v", start, a, b)
	}
}

func TestComposeText(t *testing.T) {
	a := ins(2, "fo", 10, "a")
	b := ins(4, "o", 20, "a")
	require.True(t, ot.CanMerge(a, b))
	merged := ot.Compose(a, b)
	assert.Equal(t, "foo", merged.Text)
	assert.Equal(t, 2, merged.Position)
	assert.Equal(t, a.ID, merged.ID)
	assert.Equal(t, b.Timestamp, merged.Timestamp)

	// apply(compose(a,b)) == apply(a); apply(b)
	direct, err := ot.ApplyAll("hello", []*ot.Operation{a, b})
	require.NoError(t, err)
	composed, err := ot.Apply("hello", merged)
	require.NoError(t, err)
	assert.Equal(t, direct, composed)

	// Forward-deletes at one position merge too.
	d1 := del(1, 2, 10, "a")
	d2 := del(1, 1, 20, "a")
	require.True(t, ot.CanMerge(d1, d2))
	md := ot.Compose(d1, d2)
	assert.Equal(t, 3, md.Length)

	// Different authors never merge.
	assert.False(t, ot.CanMerge(ins(0, "x", 10, "a"), ins(1, "y", 10, "b")))
	// Non-adjacent inserts never merge.
	assert.False(t, ot.CanMerge(ins(0, "x", 10, "a"), ins(5, "y", 10, "a")))

	all := ot.ComposeAll([]*ot.Operation{a, b, d1, d2})
	assert.Len(t, all, 2)
}

func TestConflictsText(t *testing.T) {
	assert.True(t, ot.Conflicts(del(1, 3, 10, "a"), del(2, 3, 10, "b")))
	assert.False(t, ot.Conflicts(del(0, 2, 10, "a"), del(2, 3, 10, "b")))
	assert.True(t, ot.Conflicts(ins(2, "x", 10, "a"), del(1, 3, 10, "b")))
	assert.False(t, ot.Conflicts(ins(1, "x", 10, "a"), del(1, 3, 10, "b")))
	assert.True(t, ot.Conflicts(ins(2, "x", 10, "a"), ins(2, "y", 10, "b")))
	assert.False(t, ot.Conflicts(ins(1, "x", 10, "a"), ins(2, "y", 10, "b")))
}

func TestOperationWireCodec(t *testing.T) {
	raw := []byte(`{
		"id": "op-1", "clientId": "c-1", "baseVersion": 4,
		"type": "text-insert", "timestamp": 1000,
		"position": 2, "text": "hi",
		"vendorHint": {"retry": true}
	}`)
	op := &ot.Operation{}
	require.NoError(t, json.Unmarshal(raw, op))
	assert.Equal(t, ot.TextInsert, op.Type)
	assert.Equal(t, 2, op.Position)

	// Unknown fields survive decode, transform and re-encode.
	out := ot.Transform(op, del(0, 1, 10, "z"))[0]
	buf, err := json.Marshal(out)
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(buf, &m))
	assert.Contains(t, m, "vendorHint")
	assert.Equal(t, float64(1), m["position"])

	// list-delete count defaults to 1 when absent.
	op = &ot.Operation{}
	require.NoError(t, json.Unmarshal([]byte(`{"id":"x","clientId":"c","type":"list-delete","index":3,"timestamp":1}`), op))
	assert.Equal(t, 1, op.Count)
}
