package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/lanemc/real-time-collaboration-sdk/common"
	"github.com/lanemc/real-time-collaboration-sdk/ot"
	"github.com/lanemc/real-time-collaboration-sdk/storage"
)

// peer is the authority's view of an attached client: an id, its identity,
// and a non-blocking send. Sessions satisfy it; tests substitute fakes.
type peer interface {
	ID() string
	Info() *common.ClientInfo
	Send(v any) bool
}

// historyEntry is one applied operation in the recent ring. A client
// operation that split during transformation keeps its parts bundled under
// the one canonical version it was assigned.
type historyEntry struct {
	version int
	opID    string
	parts   []*ot.Operation
}

// Authority is the single-writer owner of one document's canonical state.
// Every state transition goes through its mailbox; transform, apply and
// broadcast happen atomically with respect to other requests.
type Authority struct {
	id      string
	schema  common.Schema
	version int
	value   any
	recent  []historyEntry
	peers   map[string]peer
	present map[string]*common.Presence

	store   storage.Adapter
	log     *slog.Logger
	metrics *Metrics
	cfg     Config

	requests   chan func()
	done       chan struct{}
	createdAt  time.Time
	updatedAt  time.Time
	emptySince time.Time
}

func newAuthority(id string, schema common.Schema, cfg Config, store storage.Adapter, log *slog.Logger, metrics *Metrics) *Authority {
	now := time.Now()
	return &Authority{
		id:         id,
		schema:     schema,
		value:      schema.InitialValue(),
		peers:      make(map[string]peer),
		present:    make(map[string]*common.Presence),
		store:      store,
		log:        log.With("doc", id),
		metrics:    metrics,
		cfg:        cfg,
		requests:   make(chan func(), 64),
		done:       make(chan struct{}),
		createdAt:  now,
		updatedAt:  now,
		emptySince: now,
	}
}

// start loads any persisted state, then serves the mailbox. Requests
// posted before loading completes simply queue.
func (a *Authority) start() {
	go func() {
		a.load()
		for fn := range a.requests {
			fn()
		}
		close(a.done)
	}()
}

// load rehydrates the snapshot plus any operation tail past it.
func (a *Authority) load() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	state, err := a.store.LoadDocument(ctx, a.id)
	if err != nil {
		if err != storage.ErrNotFound {
			a.log.Error("load document", "err", err)
		}
		return
	}
	a.value = state.Value
	a.version = state.Version
	a.schema = state.Schema
	a.createdAt = state.CreatedAt
	a.updatedAt = state.UpdatedAt
	ops, err := a.store.LoadOperations(ctx, a.id, state.Version)
	if err != nil {
		a.log.Error("load operations", "err", err)
		return
	}
	for _, op := range ops {
		next, err := ot.Apply(a.value, op)
		if err != nil {
			a.log.Error("replay operation", "op", op.ID, "err", err)
			return
		}
		a.value = next
		// Split parts of one client operation share its version.
		if n := len(a.recent); n > 0 && a.recent[n-1].opID == op.ID {
			a.recent[n-1].parts = append(a.recent[n-1].parts, op)
			continue
		}
		a.version++
		a.recent = append(a.recent, historyEntry{
			version: a.version,
			opID:    op.ID,
			parts:   []*ot.Operation{op},
		})
	}
	if len(ops) > 0 {
		a.log.Info("rehydrated", "version", a.version, "replayed", len(ops))
	}
}

// post enqueues a request; it returns false once the authority stopped.
func (a *Authority) post(fn func()) bool {
	select {
	case a.requests <- fn:
		return true
	case <-a.done:
		return false
	}
}

type joinResult struct {
	version int
	value   any
	users   []*common.Presence
}

// Join attaches p and returns the snapshot to seed it with.
func (a *Authority) Join(p peer) (joinResult, bool) {
	reply := make(chan joinResult, 1)
	ok := a.post(func() {
		pr := &common.Presence{
			ClientID: p.ID(),
			LastSeen: time.Now().UnixMilli(),
			IsOnline: true,
		}
		if info := p.Info(); info != nil {
			pr.UserID = info.UserID
			pr.Name = info.Name
		}
		a.peers[p.ID()] = p
		a.present[p.ID()] = pr
		a.emptySince = time.Time{}
		a.broadcastExcept(p.ID(), &common.UserJoined{
			Header:     common.NewHeader(common.MsgUserJoined),
			DocumentID: a.id,
			User:       pr,
		})
		reply <- joinResult{
			version: a.version,
			value:   ot.CloneValue(a.value),
			users:   a.presenceList(),
		}
	})
	if !ok {
		return joinResult{}, false
	}
	return <-reply, true
}

// Leave detaches the client and notifies peers.
func (a *Authority) Leave(clientID string) {
	a.post(func() {
		if _, ok := a.peers[clientID]; !ok {
			return
		}
		delete(a.peers, clientID)
		delete(a.present, clientID)
		if len(a.peers) == 0 {
			a.emptySince = time.Now()
		}
		a.broadcastExcept(clientID, &common.UserLeft{
			Header:     common.NewHeader(common.MsgUserLeft),
			DocumentID: a.id,
			ClientID:   clientID,
		})
	})
}

// Apply enqueues an inbound client operation.
func (a *Authority) Apply(p peer, op *ot.Operation) {
	a.post(func() { a.handleApply(p, op) })
}

// UpdatePresence stores the stamped presence and fans it out to peers.
func (a *Authority) UpdatePresence(p peer, pr *common.Presence) {
	a.post(func() {
		a.present[p.ID()] = pr
		a.broadcastExcept(p.ID(), &common.PresenceUpdate{
			Header:     common.NewHeader(common.MsgPresenceUpdate),
			DocumentID: a.id,
			Presence:   pr,
		})
	})
}

// AuthorityInfo is the read-only view served on the HTTP surface.
type AuthorityInfo struct {
	ID          string    `json:"id"`
	Version     int       `json:"version"`
	ClientCount int       `json:"clientCount"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Info snapshots id, version and attachment count.
func (a *Authority) Info() (AuthorityInfo, bool) {
	reply := make(chan AuthorityInfo, 1)
	ok := a.post(func() {
		reply <- AuthorityInfo{
			ID:          a.id,
			Version:     a.version,
			ClientCount: len(a.peers),
			CreatedAt:   a.createdAt,
			UpdatedAt:   a.updatedAt,
		}
	})
	if !ok {
		return AuthorityInfo{}, false
	}
	return <-reply, true
}

// idleEmpty reports whether the authority has had no clients since before
// the cutoff.
func (a *Authority) idleEmpty(cutoff time.Time) bool {
	reply := make(chan bool, 1)
	if !a.post(func() {
		reply <- len(a.peers) == 0 && !a.emptySince.IsZero() && a.emptySince.Before(cutoff)
	}) {
		return false
	}
	return <-reply
}

// stop persists final state and shuts the mailbox down. Pending requests
// ahead of the stop are drained first.
func (a *Authority) stop() {
	a.post(func() {
		a.persistState()
		close(a.requests)
	})
	<-a.done
}

// floor is the oldest base version an inbound operation may rebase from.
func (a *Authority) floor() int {
	return a.version - len(a.recent)
}

func (a *Authority) handleApply(p peer, op *ot.Operation) {
	fail := func(code, msg string) {
		p.Send(&common.OperationFailed{
			Header:      common.NewHeader(common.MsgOperationFailed),
			DocumentID:  a.id,
			OperationID: op.ID,
			Code:        code,
			Message:     msg,
		})
		if a.metrics != nil {
			a.metrics.OperationsRejected.Inc()
		}
	}
	if op.BaseVersion < a.floor() {
		// Rebase target already trimmed; the client must rejoin.
		fail(common.CodeDocumentNotFound, "base version below retained history")
		return
	}
	if op.BaseVersion > a.version {
		fail(common.CodeInvalidOperation, "base version ahead of document")
		return
	}

	// Transform against everything applied since the author's base. A
	// pipelined burst from one author carries incrementing base versions,
	// so with no interleaving its own entries fall below the filter; when
	// a peer operation did interleave, the author's rebased entries sit
	// above the base and are transformed against like any other.
	parts := []*ot.Operation{op}
	for _, e := range a.recent {
		if e.version <= op.BaseVersion {
			continue
		}
		for _, h := range e.parts {
			parts, _ = ot.TransformSeqs(parts, []*ot.Operation{h})
		}
	}

	value := a.value
	for _, part := range parts {
		next, err := ot.Apply(value, part)
		if err != nil {
			a.log.Warn("apply failed", "op", op.ID, "err", err)
			fail(common.CodeInvalidOperation, err.Error())
			return
		}
		value = next
	}

	a.value = value
	a.version++
	a.updatedAt = time.Now()
	for _, part := range parts {
		part.BaseVersion = a.version - 1
	}
	a.recent = append(a.recent, historyEntry{
		version: a.version,
		opID:    op.ID,
		parts:   parts,
	})
	a.trim()
	a.persistOperation(parts)
	a.persistState()

	p.Send(&common.OperationApplied{
		Header:      common.NewHeader(common.MsgOperationApplied),
		DocumentID:  a.id,
		OperationID: op.ID,
		Version:     a.version,
	})
	for _, part := range parts {
		raw, err := part.MarshalJSON()
		if err != nil {
			a.log.Error("encode broadcast", "op", op.ID, "err", err)
			continue
		}
		a.broadcastExcept(op.ClientID, &common.Operation{
			Header:     common.NewHeader(common.MsgOperation),
			DocumentID: a.id,
			Operation:  raw,
		})
	}
	if a.metrics != nil {
		a.metrics.OperationsApplied.Inc()
	}
	a.log.Debug("applied", "op", op.ID, "client", op.ClientID, "version", a.version)
}

// trim keeps the recent ring bounded; trimmed operations are assumed
// durably persisted.
func (a *Authority) trim() {
	if len(a.recent) <= a.cfg.TrimHighWater {
		return
	}
	a.recent = append([]historyEntry(nil), a.recent[len(a.recent)-a.cfg.TrimKeep:]...)
}

func (a *Authority) persistOperation(parts []*ot.Operation) {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.PersistTimeout)
	defer cancel()
	for _, part := range parts {
		if err := a.store.SaveOperation(ctx, a.id, part, a.version); err != nil {
			a.log.Error("persist operation", "err", err)
		}
	}
}

func (a *Authority) persistState() {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.PersistTimeout)
	defer cancel()
	err := a.store.SaveDocument(ctx, &storage.State{
		ID:        a.id,
		Version:   a.version,
		Value:     ot.CloneValue(a.value),
		Schema:    a.schema,
		CreatedAt: a.createdAt,
		UpdatedAt: a.updatedAt,
	})
	if err != nil {
		a.log.Error("persist document", "err", err)
	}
}

func (a *Authority) presenceList() []*common.Presence {
	users := make([]*common.Presence, 0, len(a.present))
	for _, pr := range a.present {
		users = append(users, pr)
	}
	return users
}

// broadcastExcept fans a message to every attached peer but one. Peer
// sends are non-blocking; a full queue is the peer's problem, handled at
// the transport layer.
func (a *Authority) broadcastExcept(clientID string, v any) {
	for id, p := range a.peers {
		if id == clientID {
			continue
		}
		p.Send(v)
	}
	if a.metrics != nil {
		a.metrics.Broadcasts.Inc()
	}
}
