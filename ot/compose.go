package ot

// Composition merges consecutive operations from the same author into one
// without changing the result of application. The client pending buffer
// and the server history ring do not use it.

// CanMerge reports whether b can be folded into a. Two shapes merge: an
// insert continuing exactly where a previous insert ended, and a delete at
// the same position as a previous delete (repeated forward-delete).
func CanMerge(a, b *Operation) bool {
	if a == nil || b == nil || a.ClientID != b.ClientID {
		return false
	}
	if a.IsNoop() || b.IsNoop() {
		return false
	}
	switch {
	case a.Type == TextInsert && b.Type == TextInsert:
		return b.Position == a.Position+len(a.Text)
	case a.Type == TextDelete && b.Type == TextDelete:
		return b.Position == a.Position
	}
	return false
}

// Compose merges b into a. Callers must check CanMerge first. The merged
// operation keeps a's id and base version and takes b's timestamp, so it
// occupies a's slot while reflecting the latest edit time.
func Compose(a, b *Operation) *Operation {
	out := a.Clone()
	out.Timestamp = b.Timestamp
	switch a.Type {
	case TextInsert:
		out.Text = a.Text + b.Text
	case TextDelete:
		out.Length = a.Length + b.Length
	}
	return out
}

// ComposeAll folds adjacent mergeable operations in a sequence.
func ComposeAll(ops []*Operation) []*Operation {
	if len(ops) < 2 {
		return ops
	}
	out := make([]*Operation, 0, len(ops))
	cur := ops[0]
	for _, op := range ops[1:] {
		if CanMerge(cur, op) {
			cur = Compose(cur, op)
			continue
		}
		out = append(out, cur)
		cur = op
	}
	return append(out, cur)
}
