package ot

// Transformation derives the bottom sides of the OT diamond: for concurrent
// a and b with the same base, TransformPair produces a' (to apply after b)
// and b' (to apply after a) such that both application orders converge
// (TP1). Ties that positions cannot decide fall to the (timestamp,
// clientId) total order.
//
// A transformed side is a sequence: a delete whose range a concurrent
// insert lands inside splits into the two residual deletes around the
// inserted text, so the insert survives; a list delete whose range covers
// a concurrently moved item becomes the delete of the remaining items plus
// a delete of the item at its new index. Every other rule yields a single
// operation; cancelled operations come back flagged Noop rather than
// removed, preserving version accounting.

// TransformPair transforms concurrent operations a and b against each
// other. Inputs are not mutated.
func TransformPair(a, b *Operation) (ap, bp []*Operation) {
	if a.IsNoop() || b.IsNoop() || a.Kind() != b.Kind() {
		return []*Operation{a.Clone()}, []*Operation{b.Clone()}
	}
	if a.Type == MapBatch || b.Type == MapBatch {
		return transformBatch(a, b)
	}
	switch a.Kind() {
	case "text":
		return transformText(a.Clone(), b.Clone())
	case "list":
		return transformList(a.Clone(), b.Clone())
	case "map":
		return transformMap(a.Clone(), b.Clone())
	}
	return []*Operation{a.Clone()}, []*Operation{b.Clone()}
}

// TransformSeqs transforms compound sequences against each other. Either
// side may grow when an element splits.
func TransformSeqs(a, b []*Operation) (ap, bp []*Operation) {
	if len(a) == 0 || len(b) == 0 {
		return a, b
	}
	if len(a) > 1 {
		a1, brest := TransformSeqs(a[:1], b)
		a2, bout := TransformSeqs(a[1:], brest)
		return append(a1, a2...), bout
	}
	if len(b) > 1 {
		a1, b1 := TransformSeqs(a, b[:1])
		a2, b2 := TransformSeqs(a1, b[1:])
		return a2, append(b1, b2...)
	}
	return TransformPair(a[0], b[0])
}

// Transform transforms a against already-applied b and returns only a's
// side of the diamond.
func Transform(a, b *Operation) []*Operation {
	ap, _ := TransformPair(a, b)
	return ap
}

// TransformAgainst folds a single operation through a history of applied
// operations in order.
func TransformAgainst(op *Operation, history []*Operation) []*Operation {
	out := []*Operation{op}
	for _, h := range history {
		out, _ = TransformSeqs(out, []*Operation{h})
	}
	return out
}

func one(op *Operation) []*Operation { return []*Operation{op} }

func transformText(a, b *Operation) (ap, bp []*Operation) {
	// Retain is identity in the plain-text model; overlapping retains
	// merge attributes last-writer-wins.
	if a.Type == TextRetain || b.Type == TextRetain {
		if a.Type == TextRetain && b.Type == TextRetain {
			mergeRetainAttrs(a, b)
		}
		return one(a), one(b)
	}
	switch {
	case a.Type == TextInsert && b.Type == TextInsert:
		switch {
		case a.Position < b.Position:
			b.Position += len(a.Text)
		case a.Position > b.Position:
			a.Position += len(b.Text)
		case wins(a, b):
			a.Position += len(b.Text)
		default:
			b.Position += len(a.Text)
		}
		return one(a), one(b)

	case a.Type == TextInsert && b.Type == TextDelete:
		ins, dels := transformTextInsertDelete(a, b)
		return one(ins), dels

	case a.Type == TextDelete && b.Type == TextInsert:
		ins, dels := transformTextInsertDelete(b, a)
		return dels, one(ins)

	default: // delete vs delete
		aEnd, bEnd := a.Position+a.Length, b.Position+b.Length
		switch {
		case aEnd <= b.Position:
			b.Position -= a.Length
		case bEnd <= a.Position:
			a.Position -= b.Length
		default:
			overlap := minInt(aEnd, bEnd) - maxInt(a.Position, b.Position)
			pos := minInt(a.Position, b.Position)
			a.Position, a.Length = pos, a.Length-overlap
			b.Position, b.Length = pos, b.Length-overlap
			if a.Length == 0 {
				a.Noop = true
			}
			if b.Length == 0 {
				b.Noop = true
			}
		}
		return one(a), one(b)
	}
}

// transformTextInsertDelete handles the insert/delete cell for both
// orientations. ins and del are already clones. When the insert lands
// strictly inside the deleted range it survives, snapped to the range
// start, and the delete splits into the residuals around the inserted
// text.
func transformTextInsertDelete(ins, del *Operation) (*Operation, []*Operation) {
	switch {
	case ins.Position <= del.Position:
		del.Position += len(ins.Text)
		return ins, one(del)
	case ins.Position >= del.Position+del.Length:
		ins.Position -= del.Length
		return ins, one(del)
	default:
		head := ins.Position - del.Position
		first := del.Clone()
		first.Length = head
		second := del.Clone()
		second.Position = del.Position + len(ins.Text)
		second.Length = del.Length - head
		ins.Position = del.Position
		return ins, []*Operation{first, second}
	}
}

func mergeRetainAttrs(a, b *Operation) {
	if len(a.Attributes) == 0 || len(b.Attributes) == 0 {
		return
	}
	aEnd, bEnd := a.Position+a.Length, b.Position+b.Length
	if a.Position >= bEnd || b.Position >= aEnd {
		return
	}
	loser := a
	if wins(a, b) {
		loser = b
	}
	winner := b
	if loser == b {
		winner = a
	}
	for k := range winner.Attributes {
		delete(loser.Attributes, k)
	}
}

func transformList(a, b *Operation) (ap, bp []*Operation) {
	if a.Type == ListMove || b.Type == ListMove {
		return transformListMove(a, b)
	}
	switch {
	case a.Type == ListInsert && b.Type == ListInsert:
		switch {
		case a.Index < b.Index:
			b.Index++
		case a.Index > b.Index:
			a.Index++
		case wins(a, b):
			a.Index++
		default:
			b.Index++
		}
		return one(a), one(b)

	case a.Type == ListInsert && b.Type == ListDelete:
		ins, dels := transformListInsertDelete(a, b)
		return one(ins), dels

	case a.Type == ListDelete && b.Type == ListInsert:
		ins, dels := transformListInsertDelete(b, a)
		return dels, one(ins)

	case a.Type == ListDelete && b.Type == ListDelete:
		aEnd, bEnd := a.Index+a.Count, b.Index+b.Count
		switch {
		case aEnd <= b.Index:
			b.Index -= a.Count
		case bEnd <= a.Index:
			a.Index -= b.Count
		default:
			overlap := minInt(aEnd, bEnd) - maxInt(a.Index, b.Index)
			idx := minInt(a.Index, b.Index)
			a.Index, a.Count = idx, a.Count-overlap
			b.Index, b.Count = idx, b.Count-overlap
			if a.Count == 0 {
				a.Noop = true
			}
			if b.Count == 0 {
				b.Noop = true
			}
		}
		return one(a), one(b)

	case a.Type == ListReplace && b.Type == ListReplace:
		if a.Index == b.Index {
			if wins(a, b) {
				b.Noop = true
			} else {
				a.Noop = true
			}
		}
		return one(a), one(b)

	case a.Type == ListReplace && b.Type == ListInsert:
		ins, rep := transformListInsertReplace(b, a)
		return one(rep), one(ins)

	case a.Type == ListInsert && b.Type == ListReplace:
		ins, rep := transformListInsertReplace(a, b)
		return one(ins), one(rep)

	case a.Type == ListReplace && b.Type == ListDelete:
		rep, del := transformListReplaceDelete(a, b)
		return one(rep), one(del)

	default: // delete vs replace
		rep, del := transformListReplaceDelete(b, a)
		return one(del), one(rep)
	}
}

func transformListInsertDelete(ins, del *Operation) (*Operation, []*Operation) {
	switch {
	case ins.Index <= del.Index:
		del.Index++
		return ins, one(del)
	case ins.Index >= del.Index+del.Count:
		ins.Index -= del.Count
		return ins, one(del)
	default:
		head := ins.Index - del.Index
		first := del.Clone()
		first.Count = head
		second := del.Clone()
		second.Index = del.Index + 1
		second.Count = del.Count - head
		ins.Index = del.Index
		return ins, []*Operation{first, second}
	}
}

func transformListInsertReplace(ins, rep *Operation) (*Operation, *Operation) {
	// The insert displaces the replaced item when it lands at or before it.
	if ins.Index <= rep.Index {
		rep.Index++
	}
	return ins, rep
}

func transformListReplaceDelete(rep, del *Operation) (*Operation, *Operation) {
	switch {
	case rep.Index >= del.Index+del.Count:
		rep.Index -= del.Count
	case rep.Index >= del.Index:
		// The replaced item was deleted concurrently.
		rep.Noop = true
	}
	return rep, del
}

// moveMap maps an item index through an applied move of s to t.
func moveMap(i, s, t int) int {
	switch {
	case i == s:
		return t
	case s < t && i > s && i <= t:
		return i - 1
	case s > t && i >= t && i < s:
		return i + 1
	}
	return i
}

func transformListMove(a, b *Operation) (ap, bp []*Operation) {
	if a.Type == ListMove && b.Type == ListMove {
		as, at := a.Index, a.TargetIndex
		bs, bt := b.Index, b.TargetIndex
		a.Index = moveMap(as, bs, bt)
		a.TargetIndex = moveMap(at, bs, bt)
		b.Index = moveMap(bs, as, at)
		b.TargetIndex = moveMap(bt, as, at)
		if a.Index == a.TargetIndex {
			a.Noop = true
		}
		if b.Index == b.TargetIndex {
			b.Noop = true
		}
		return one(a), one(b)
	}
	if b.Type == ListMove {
		aps, bps := transformListMove(b, a)
		return bps, aps
	}
	// a is the move; b maps through a's original relocation.
	s, t := a.Index, a.TargetIndex
	switch b.Type {
	case ListInsert:
		bIdx := b.Index
		b.Index = moveMap(bIdx, s, t)
		if bIdx <= s {
			s++
		}
		if bIdx <= t {
			t++
		}
		a.Index, a.TargetIndex = s, t
	case ListDelete:
		if s >= b.Index && s < b.Index+b.Count {
			// The moved item was deleted concurrently; the move dies and
			// the delete chases the item to its destination.
			a.Noop = true
			bI, c := b.Index, b.Count
			if t >= bI && t < bI+c {
				// Relocation stayed inside the doomed range.
				return one(a), one(b)
			}
			rest := b.Clone()
			moved := b.Clone()
			moved.Count = 1
			if t < bI {
				rest.Index, rest.Count = bI+1, c-1
				moved.Index = t
			} else {
				rest.Index, rest.Count = bI, c-1
				moved.Index = t - (c - 1)
			}
			if rest.Count == 0 {
				return one(a), one(moved)
			}
			return one(a), []*Operation{rest, moved}
		}
		bIdx := b.Index
		b.Index = moveMap(bIdx, s, t)
		if s >= bIdx+b.Count {
			s -= b.Count
		}
		if t >= bIdx+b.Count {
			t -= b.Count
		} else if t >= bIdx {
			t = bIdx
		}
		a.Index, a.TargetIndex = s, t
	case ListReplace:
		b.Index = moveMap(b.Index, s, t)
	}
	if a.Type == ListMove && a.Index == a.TargetIndex {
		a.Noop = true
	}
	return one(a), one(b)
}

func transformMap(a, b *Operation) (ap, bp []*Operation) {
	if a.Key != b.Key {
		return one(a), one(b)
	}
	switch {
	case a.Type == MapSet && b.Type == MapDelete:
		// A set always wins over a concurrent delete of the same key and
		// resurrects it; its previousValue no longer exists. The losing
		// delete records what the set would have put there.
		a.PreviousValue = nil
		b.Noop = true
		b.PreviousValue = CloneValue(a.Value)
	case a.Type == MapDelete && b.Type == MapSet:
		b.PreviousValue = nil
		a.Noop = true
		a.PreviousValue = CloneValue(b.Value)
	default:
		// set/set and delete/delete: last writer by (timestamp, clientId)
		// wins; the loser becomes a no-op so both still account for a
		// version each.
		loser := a
		if wins(a, b) {
			loser = b
		}
		loser.Noop = true
	}
	return one(a), one(b)
}

// transformBatch treats a map-batch as its sub-operation sequence,
// transforming element-wise and rewrapping so atomicity survives.
func transformBatch(a, b *Operation) (ap, bp []*Operation) {
	aSeq := batchSubs(a)
	bSeq := batchSubs(b)
	aOut, bOut := TransformSeqs(aSeq, bSeq)
	return one(rewrapBatch(a, aOut)), one(rewrapBatch(b, bOut))
}

func batchSubs(op *Operation) []*Operation {
	if op.Type != MapBatch {
		return []*Operation{op.Clone()}
	}
	subs := make([]*Operation, len(op.Operations))
	for i, sub := range op.Operations {
		subs[i] = sub.Clone()
	}
	return subs
}

func rewrapBatch(orig *Operation, seq []*Operation) *Operation {
	if orig.Type != MapBatch {
		return seq[0]
	}
	out := orig.Clone()
	out.Operations = seq
	return out
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
