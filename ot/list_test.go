package ot_test

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanemc/real-time-collaboration-sdk/ot"
)

func lins(idx int, item any, ts int64, cid string) *ot.Operation {
	op := ot.NewListInsert(cid, 0, idx, item)
	op.Timestamp = ts
	return op
}

func ldel(idx, count int, ts int64, cid string) *ot.Operation {
	op := ot.NewListDelete(cid, 0, idx, count)
	op.Timestamp = ts
	return op
}

func lrep(idx int, item any, ts int64, cid string) *ot.Operation {
	op := ot.NewListReplace(cid, 0, idx, item, nil)
	op.Timestamp = ts
	return op
}

func lmov(idx, target int, ts int64, cid string) *ot.Operation {
	op := ot.NewListMove(cid, 0, idx, target)
	op.Timestamp = ts
	return op
}

func list(items ...any) []any { return items }

func applyListPair(t *testing.T, start []any, a, b *ot.Operation) (viaB, viaA []any) {
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
	return vB.([]any), vA.([]any)
}

func TestTransformListInsertInsert(t *testing.T) {
	ap, bp := ot.TransformPair(lins(1, "x", 10, "a"), lins(3, "y", 10, "b"))
	assert.Equal(t, 1, ap[0].Index)
	assert.Equal(t, 4, bp[0].Index)

	// Equal index resolves by (timestamp, clientId).
	ap, bp = ot.TransformPair(lins(2, "x", 20, "a"), lins(2, "y", 10, "b"))
	assert.Equal(t, 3, ap[0].Index)
	assert.Equal(t, 2, bp[0].Index)

	viaB, viaA := applyListPair(t, list("p", "q"), lins(1, "x", 20, "a"), lins(1, "y", 10, "b"))
	assert.Equal(t, viaB, viaA)
}

func TestTransformListInsertDelete(t *testing.T) {
	// Insert inside the deleted range survives; the delete splits.
	viaB, viaA := applyListPair(t, list("a", "b", "c", "d"), lins(2, "X", 10, "a"), ldel(1, 3, 10, "b"))
	assert.Equal(t, list("a", "X"), viaB)
	assert.Equal(t, viaB, viaA)

	// Insert past the range shifts back.
	ap, _ := ot.TransformPair(lins(3, "X", 10, "a"), ldel(0, 2, 10, "b"))
	assert.Equal(t, 1, ap[0].Index)
}

func TestTransformListDeleteDelete(t *testing.T) {
	viaB, viaA := applyListPair(t, list(1, 2, 3, 4, 5, 6), ldel(1, 3, 10, "a"), ldel(2, 3, 10, "b"))
	assert.Equal(t, list(1, 6), viaB)
	assert.Equal(t, viaB, viaA)
}

func TestTransformListReplace(t *testing.T) {
	// Same index: last writer wins, loser preserved as no-op.
	ap, bp := ot.TransformPair(lrep(1, "A", 20, "a"), lrep(1, "B", 10, "b"))
	assert.False(t, ap[0].IsNoop())
	assert.True(t, bp[0].IsNoop())
	viaB, viaA := applyListPair(t, list("x", "y"), lrep(1, "A", 20, "a"), lrep(1, "B", 10, "b"))
	assert.Equal(t, list("x", "A"), viaB)
	assert.Equal(t, viaB, viaA)

	// Replace of a concurrently deleted item dies.
	ap, _ = ot.TransformPair(lrep(1, "A", 10, "a"), ldel(0, 2, 10, "b"))
	assert.True(t, ap[0].IsNoop())

	// Replace past the deleted range shifts back.
	ap, _ = ot.TransformPair(lrep(4, "A", 10, "a"), ldel(0, 2, 10, "b"))
	assert.Equal(t, 2, ap[0].Index)

	// Insert at the replaced index displaces the item.
	viaB, viaA = applyListPair(t, list("x", "y", "z"), lrep(1, "A", 10, "a"), lins(1, "I", 10, "b"))
	assert.Equal(t, list("x", "I", "A", "z"), viaB)
	assert.Equal(t, viaB, viaA)
}

func TestTransformListMove(t *testing.T) {
	// Concurrent insert shifts both endpoints.
	viaB, viaA := applyListPair(t, list("a", "b", "c", "d"), lmov(1, 3, 10, "a"), lins(2, "X", 10, "b"))
	assert.Equal(t, list("a", "X", "c", "d", "b"), viaB)
	assert.Equal(t, viaB, viaA)

	// Concurrent delete ahead of the move shifts it back.
	viaB, viaA = applyListPair(t, list("a", "b", "c", "d"), lmov(0, 2, 10, "a"), ldel(1, 1, 10, "b"))
	assert.Equal(t, viaB, viaA)

	// Deleting the moved item kills the move and the delete chases the
	// item to its destination.
	ap, bp := ot.TransformPair(lmov(1, 3, 10, "a"), ldel(0, 2, 10, "b"))
	assert.True(t, ap[0].IsNoop())
	require.Len(t, bp, 2)
	viaB, viaA = applyListPair(t, list("a", "b", "c", "d"), lmov(1, 3, 10, "a"), ldel(0, 2, 10, "b"))
	assert.Equal(t, list("c", "d"), viaB)
	assert.Equal(t, viaB, viaA)
}

func TestMoveMapping(t *testing.T) {
	// Forward move: s maps to t, (s, t] shifts down.
	op := ot.Transform(lrep(2, "R", 10, "a"), lmov(1, 3, 10, "b"))[0]
	assert.Equal(t, 1, op.Index)
	// The moved item itself follows the relocation.
	op = ot.Transform(lrep(1, "R", 10, "a"), lmov(1, 3, 10, "b"))[0]
	assert.Equal(t, 3, op.Index)
	// Backward move: [t, s) shifts up.
	op = ot.Transform(lrep(1, "R", 10, "a"), lmov(3, 0, 10, "b"))[0]
	assert.Equal(t, 2, op.Index)
}

func TestTP1ListRandom(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	randOp := func(n int, ts int64, cid string) *ot.Operation {
		if n == 0 {
			return lins(0, rng.Intn(100), ts, cid)
		}
		switch rng.Intn(3) {
		case 0:
			return lins(rng.Intn(n+1), rng.Intn(100), ts, cid)
		case 1:
			pos := rng.Intn(n)
			return ldel(pos, 1+rng.Intn(minI(3, n-pos)), ts, cid)
		default:
			return lrep(rng.Intn(n), rng.Intn(100), ts, cid)
		}
	}
	for i := 0; i < 1000; i++ {
		n := rng.Intn(8)
		start := make([]any, n)
		for j := range start {
			start[j] = rng.Intn(10)
		}
		a := randOp(n, int64(rng.Intn(3)), "a")
		b := randOp(n, int64(rng.Intn(3)), "b")
		viaB, viaA := applyListPair(t, start, a, b)
		require.Equal(t, viaB, viaA, "start=%v a=%v b=%v", start, a, b)
	}
}

func minI(a, b int) int {
	if a < b {
		return a
	}
	return b
}
