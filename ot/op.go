// Package ot implements the operation algebra for collaborative text, list
// and map documents: transformation, composition, application and conflict
// detection. Everything in this package is pure — no I/O, no shared state.
package ot

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/ksuid"
)

// ErrInvalidOperation marks operations that fail validation or whose
// application would leave the document out of range.
var ErrInvalidOperation = errors.New("invalid operation")

// Type tags the operation union.
type Type string

const (
	TextInsert Type = "text-insert"
	TextDelete Type = "text-delete"
	TextRetain Type = "text-retain"

	ListInsert  Type = "list-insert"
	ListDelete  Type = "list-delete"
	ListReplace Type = "list-replace"
	ListMove    Type = "list-move"

	MapSet    Type = "map-set"
	MapDelete Type = "map-delete"
	MapBatch  Type = "map-batch"
)

// Operation is the tagged union shipped on the wire. Which payload fields
// are meaningful depends on Type; the rest stay at their zero values and
// are dropped from the encoded form. Fields received from a newer peer
// that this version does not know are kept in extra and re-emitted on
// encode.
type Operation struct {
	ID          string `json:"id"`
	ClientID    string `json:"clientId"`
	BaseVersion int    `json:"baseVersion"`
	Type        Type   `json:"type"`
	Timestamp   int64  `json:"timestamp"`

	Position   int            `json:"position,omitempty"`
	Text       string         `json:"text,omitempty"`
	Length     int            `json:"length,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`

	Index       int `json:"index,omitempty"`
	Item        any `json:"item,omitempty"`
	Count       int `json:"count,omitempty"`
	TargetIndex int `json:"targetIndex,omitempty"`

	Key           string       `json:"key,omitempty"`
	Value         any          `json:"value,omitempty"`
	PreviousValue any          `json:"previousValue,omitempty"`
	Operations    []*Operation `json:"operations,omitempty"`

	// Noop marks an operation cancelled by transformation. It still
	// occupies a version slot but applies as identity.
	Noop bool `json:"noop,omitempty"`

	extra map[string]json.RawMessage
}

// knownFields are the wire keys owned by this struct; anything else on an
// incoming frame is preserved verbatim.
var knownFields = []string{
	"id", "clientId", "baseVersion", "type", "timestamp",
	"position", "text", "length", "attributes",
	"index", "item", "count", "targetIndex",
	"key", "value", "previousValue", "operations", "noop",
}

type operationAlias Operation

func (o *Operation) UnmarshalJSON(data []byte) error {
	var a operationAlias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	_, hasCount := raw["count"]
	for _, k := range knownFields {
		delete(raw, k)
	}
	if len(raw) > 0 {
		a.extra = raw
	}
	// count defaults to 1 for list deletions when absent.
	if a.Type == ListDelete && !hasCount && !a.Noop {
		a.Count = 1
	}
	*o = Operation(a)
	return nil
}

func (o Operation) MarshalJSON() ([]byte, error) {
	b, err := json.Marshal(operationAlias(o))
	if err != nil {
		return nil, err
	}
	if len(o.extra) == 0 {
		return b, nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	for k, v := range o.extra {
		if _, ok := m[k]; !ok {
			m[k] = v
		}
	}
	return json.Marshal(m)
}

// Kind reports which value kind the operation addresses: "text", "list" or
// "map".
func (o *Operation) Kind() string {
	switch o.Type {
	case TextInsert, TextDelete, TextRetain:
		return "text"
	case ListInsert, ListDelete, ListReplace, ListMove:
		return "list"
	case MapSet, MapDelete, MapBatch:
		return "map"
	}
	return ""
}

// IsNoop reports whether applying the operation leaves the value unchanged.
func (o *Operation) IsNoop() bool {
	if o.Noop {
		return true
	}
	switch o.Type {
	case TextInsert:
		return o.Text == ""
	case TextDelete:
		return o.Length == 0
	case ListDelete:
		return o.Count == 0
	case MapBatch:
		return len(o.Operations) == 0
	}
	return false
}

// Clone deep-copies the operation, including batch sub-operations and
// preserved unknown fields.
func (o *Operation) Clone() *Operation {
	if o == nil {
		return nil
	}
	c := *o
	if o.Attributes != nil {
		c.Attributes = make(map[string]any, len(o.Attributes))
		for k, v := range o.Attributes {
			c.Attributes[k] = v
		}
	}
	if o.Operations != nil {
		c.Operations = make([]*Operation, len(o.Operations))
		for i, sub := range o.Operations {
			c.Operations[i] = sub.Clone()
		}
	}
	if o.extra != nil {
		c.extra = make(map[string]json.RawMessage, len(o.extra))
		for k, v := range o.extra {
			c.extra[k] = v
		}
	}
	c.Item = CloneValue(o.Item)
	c.Value = CloneValue(o.Value)
	c.PreviousValue = CloneValue(o.PreviousValue)
	return &c
}

func (o *Operation) String() string {
	switch o.Type {
	case TextInsert:
		return fmt.Sprintf("%s(%d,%q)", o.Type, o.Position, o.Text)
	case TextDelete, TextRetain:
		return fmt.Sprintf("%s(%d,%d)", o.Type, o.Position, o.Length)
	case ListInsert, ListReplace:
		return fmt.Sprintf("%s(%d)", o.Type, o.Index)
	case ListDelete:
		return fmt.Sprintf("%s(%d,%d)", o.Type, o.Index, o.Count)
	case ListMove:
		return fmt.Sprintf("%s(%d,%d)", o.Type, o.Index, o.TargetIndex)
	case MapSet, MapDelete:
		return fmt.Sprintf("%s(%s)", o.Type, o.Key)
	case MapBatch:
		return fmt.Sprintf("%s(%d)", o.Type, len(o.Operations))
	}
	return string(o.Type)
}

// wins reports whether a beats b under the (timestamp, clientId) total
// order used for tie-breaking.
func wins(a, b *Operation) bool {
	if a.Timestamp != b.Timestamp {
		return a.Timestamp > b.Timestamp
	}
	return a.ClientID > b.ClientID
}

func newOp(t Type, clientID string, baseVersion int) *Operation {
	return &Operation{
		ID:          ksuid.New().String(),
		ClientID:    clientID,
		BaseVersion: baseVersion,
		Type:        t,
		Timestamp:   time.Now().UnixMilli(),
	}
}

// NewTextInsert builds a text-insert of text before position.
func NewTextInsert(clientID string, baseVersion, position int, text string, attrs map[string]any) *Operation {
	op := newOp(TextInsert, clientID, baseVersion)
	op.Position = position
	op.Text = text
	op.Attributes = attrs
	return op
}

// NewTextDelete builds a text-delete of length chars at position.
func NewTextDelete(clientID string, baseVersion, position, length int) *Operation {
	op := newOp(TextDelete, clientID, baseVersion)
	op.Position = position
	op.Length = length
	return op
}

// NewTextRetain builds a positional no-op reserved for attribute carriage.
func NewTextRetain(clientID string, baseVersion, position, length int, attrs map[string]any) *Operation {
	op := newOp(TextRetain, clientID, baseVersion)
	op.Position = position
	op.Length = length
	op.Attributes = attrs
	return op
}

// NewListInsert builds a list-insert of item at index.
func NewListInsert(clientID string, baseVersion, index int, item any) *Operation {
	op := newOp(ListInsert, clientID, baseVersion)
	op.Index = index
	op.Item = item
	return op
}

// NewListDelete builds a list-delete of count items at index.
func NewListDelete(clientID string, baseVersion, index, count int) *Operation {
	op := newOp(ListDelete, clientID, baseVersion)
	op.Index = index
	op.Count = count
	return op
}

// NewListReplace builds a list-replace of the item at index.
func NewListReplace(clientID string, baseVersion, index int, item, oldItem any) *Operation {
	op := newOp(ListReplace, clientID, baseVersion)
	op.Index = index
	op.Item = item
	op.PreviousValue = oldItem
	return op
}

// NewListMove builds a list-move relocating the item at index to
// targetIndex.
func NewListMove(clientID string, baseVersion, index, targetIndex int) *Operation {
	op := newOp(ListMove, clientID, baseVersion)
	op.Index = index
	op.TargetIndex = targetIndex
	return op
}

// NewMapSet builds a map-set of key to value.
func NewMapSet(clientID string, baseVersion int, key string, value, previous any) *Operation {
	op := newOp(MapSet, clientID, baseVersion)
	op.Key = key
	op.Value = value
	op.PreviousValue = previous
	return op
}

// NewMapDelete builds a map-delete of key.
func NewMapDelete(clientID string, baseVersion int, key string, previous any) *Operation {
	op := newOp(MapDelete, clientID, baseVersion)
	op.Key = key
	op.PreviousValue = previous
	return op
}

// NewMapBatch builds an atomic batch of map-set/map-delete sub-operations.
func NewMapBatch(clientID string, baseVersion int, subs []*Operation) *Operation {
	op := newOp(MapBatch, clientID, baseVersion)
	op.Operations = subs
	return op
}

// CloneValue deep-copies a document value built from JSON-shaped data:
// strings, numbers, bools, nil, []any and map[string]any.
func CloneValue(v any) any {
	switch t := v.(type) {
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = CloneValue(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = CloneValue(e)
		}
		return out
	default:
		return v
	}
}
