package ot

import "fmt"

// Apply applies op to value and returns the resulting value. The input is
// never mutated: strings are immutable, and list/map values are copied
// before splicing. Range failures return ErrInvalidOperation.
func Apply(value any, op *Operation) (any, error) {
	if op.IsNoop() {
		return value, nil
	}
	switch op.Kind() {
	case "text":
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("%w: %s on %T value", ErrInvalidOperation, op.Type, value)
		}
		return applyText(s, op)
	case "list":
		l, ok := value.([]any)
		if !ok {
			return nil, fmt.Errorf("%w: %s on %T value", ErrInvalidOperation, op.Type, value)
		}
		return applyList(l, op)
	case "map":
		m, ok := value.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: %s on %T value", ErrInvalidOperation, op.Type, value)
		}
		return applyMap(m, op)
	}
	return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidOperation, op.Type)
}

func applyText(s string, op *Operation) (any, error) {
	switch op.Type {
	case TextInsert:
		if op.Position < 0 || op.Position > len(s) {
			return nil, fmt.Errorf("%w: insert at %d, len %d", ErrInvalidOperation, op.Position, len(s))
		}
		return s[:op.Position] + op.Text + s[op.Position:], nil
	case TextDelete:
		if op.Position < 0 || op.Length < 0 || op.Position+op.Length > len(s) {
			return nil, fmt.Errorf("%w: delete [%d,%d), len %d", ErrInvalidOperation, op.Position, op.Position+op.Length, len(s))
		}
		return s[:op.Position] + s[op.Position+op.Length:], nil
	case TextRetain:
		if op.Position < 0 || op.Length < 0 || op.Position+op.Length > len(s) {
			return nil, fmt.Errorf("%w: retain [%d,%d), len %d", ErrInvalidOperation, op.Position, op.Position+op.Length, len(s))
		}
		return s, nil
	}
	return nil, fmt.Errorf("%w: %s on text", ErrInvalidOperation, op.Type)
}

func applyList(l []any, op *Operation) (any, error) {
	switch op.Type {
	case ListInsert:
		if op.Index < 0 || op.Index > len(l) {
			return nil, fmt.Errorf("%w: insert at %d, len %d", ErrInvalidOperation, op.Index, len(l))
		}
		out := make([]any, 0, len(l)+1)
		out = append(out, l[:op.Index]...)
		out = append(out, CloneValue(op.Item))
		out = append(out, l[op.Index:]...)
		return out, nil
	case ListDelete:
		if op.Index < 0 || op.Count < 0 || op.Index+op.Count > len(l) {
			return nil, fmt.Errorf("%w: delete [%d,%d), len %d", ErrInvalidOperation, op.Index, op.Index+op.Count, len(l))
		}
		out := make([]any, 0, len(l)-op.Count)
		out = append(out, l[:op.Index]...)
		out = append(out, l[op.Index+op.Count:]...)
		return out, nil
	case ListReplace:
		if op.Index < 0 || op.Index >= len(l) {
			return nil, fmt.Errorf("%w: replace at %d, len %d", ErrInvalidOperation, op.Index, len(l))
		}
		out := make([]any, len(l))
		copy(out, l)
		out[op.Index] = CloneValue(op.Item)
		return out, nil
	case ListMove:
		if op.Index < 0 || op.Index >= len(l) || op.TargetIndex < 0 {
			return nil, fmt.Errorf("%w: move %d to %d, len %d", ErrInvalidOperation, op.Index, op.TargetIndex, len(l))
		}
		out := make([]any, 0, len(l))
		out = append(out, l[:op.Index]...)
		out = append(out, l[op.Index+1:]...)
		// Transformed relocations may point past the shrunk tail; past
		// the end means the end.
		target := op.TargetIndex
		if target > len(out) {
			target = len(out)
		}
		item := l[op.Index]
		tail := append([]any{item}, out[target:]...)
		return append(out[:target:target], tail...), nil
	}
	return nil, fmt.Errorf("%w: %s on list", ErrInvalidOperation, op.Type)
}

func applyMap(m map[string]any, op *Operation) (any, error) {
	out := make(map[string]any, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	switch op.Type {
	case MapSet:
		out[op.Key] = CloneValue(op.Value)
		return out, nil
	case MapDelete:
		delete(out, op.Key)
		return out, nil
	case MapBatch:
		var cur any = out
		for _, sub := range op.Operations {
			if sub.Type != MapSet && sub.Type != MapDelete {
				return nil, fmt.Errorf("%w: %s inside batch", ErrInvalidOperation, sub.Type)
			}
			var err error
			cur, err = Apply(cur, sub)
			if err != nil {
				return nil, err
			}
		}
		return cur, nil
	}
	return nil, fmt.Errorf("%w: %s on map", ErrInvalidOperation, op.Type)
}

// ApplyAll applies a sequence of operations in order.
func ApplyAll(value any, ops []*Operation) (any, error) {
	var err error
	for _, op := range ops {
		if value, err = Apply(value, op); err != nil {
			return nil, err
		}
	}
	return value, nil
}
