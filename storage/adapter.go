// Package storage defines the persistence contract the document authority
// calls, plus in-memory, bbolt, Postgres and Redis implementations. All
// calls are fail-soft at the call site: the in-memory authority state
// stays authoritative for a live document regardless of adapter errors.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/lanemc/real-time-collaboration-sdk/common"
	"github.com/lanemc/real-time-collaboration-sdk/ot"
)

// ErrNotFound is returned by LoadDocument for unknown document ids.
var ErrNotFound = errors.New("document not found")

// State is the durable form of a document.
type State struct {
	ID        string        `json:"id"`
	Version   int           `json:"version"`
	Value     any           `json:"value"`
	Schema    common.Schema `json:"schema"`
	CreatedAt time.Time     `json:"createdAt"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

// Clone deep-copies the state.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	c := *s
	c.Value = ot.CloneValue(s.Value)
	return &c
}

// Adapter persists document snapshots and operation logs.
type Adapter interface {
	// SaveDocument upserts the document snapshot.
	SaveDocument(ctx context.Context, state *State) error

	// LoadDocument returns the snapshot for id, or ErrNotFound.
	LoadDocument(ctx context.Context, id string) (*State, error)

	// SaveOperation appends op at its applied version.
	SaveOperation(ctx context.Context, id string, op *ot.Operation, version int) error

	// LoadOperations returns ops with applied version strictly greater
	// than sinceVersion, in version order.
	LoadOperations(ctx context.Context, id string, sinceVersion int) ([]*ot.Operation, error)

	// DeleteDocument removes the snapshot and operation log for id.
	DeleteDocument(ctx context.Context, id string) error

	// ListDocuments returns all known document ids.
	ListDocuments(ctx context.Context) ([]string, error)

	// Close releases the underlying handles.
	Close() error
}
