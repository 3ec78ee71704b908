package ot

// Conflicts reports whether two operations touch overlapping regions of
// the document: overlapping character ranges for text (an insert counts as
// a zero-width range at its position), overlapping index ranges for lists
// (a move touches both endpoints), and the same key for maps.
func Conflicts(a, b *Operation) bool {
	if a.IsNoop() || b.IsNoop() || a.Kind() != b.Kind() {
		return false
	}
	switch a.Kind() {
	case "text":
		return rangesConflict(textRange(a), textRange(b))
	case "list":
		for _, ra := range listRanges(a) {
			for _, rb := range listRanges(b) {
				if rangesConflict(ra, rb) {
					return true
				}
			}
		}
		return false
	case "map":
		for _, ka := range mapKeys(a) {
			for _, kb := range mapKeys(b) {
				if ka == kb {
					return true
				}
			}
		}
		return false
	}
	return false
}

type span struct{ start, end int }

func textRange(op *Operation) span {
	if op.Type == TextInsert {
		return span{op.Position, op.Position}
	}
	return span{op.Position, op.Position + op.Length}
}

func listRanges(op *Operation) []span {
	switch op.Type {
	case ListInsert:
		return []span{{op.Index, op.Index}}
	case ListDelete:
		return []span{{op.Index, op.Index + op.Count}}
	case ListReplace:
		return []span{{op.Index, op.Index + 1}}
	case ListMove:
		return []span{{op.Index, op.Index + 1}, {op.TargetIndex, op.TargetIndex + 1}}
	}
	return nil
}

func mapKeys(op *Operation) []string {
	if op.Type != MapBatch {
		return []string{op.Key}
	}
	keys := make([]string, 0, len(op.Operations))
	for _, sub := range op.Operations {
		keys = append(keys, sub.Key)
	}
	return keys
}

func rangesConflict(a, b span) bool {
	if a.start == a.end && b.start == b.end {
		return a.start == b.start
	}
	if a.start == a.end {
		return b.start < a.start && a.start < b.end
	}
	if b.start == b.end {
		return a.start < b.start && b.start < a.end
	}
	return a.start < b.end && b.start < a.end
}
