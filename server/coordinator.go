package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lanemc/real-time-collaboration-sdk/common"
	"github.com/lanemc/real-time-collaboration-sdk/ot"
	"github.com/lanemc/real-time-collaboration-sdk/storage"
)

// Coordinator accepts connections, owns the client registry and the
// authority registry, and routes frames. Registry maps are touched only on
// connect, disconnect, join and leave; operation delivery goes straight to
// the owning authority's mailbox.
type Coordinator struct {
	cfg     Config
	auth    *AuthService
	store   storage.Adapter
	log     *slog.Logger
	metrics *Metrics
	started time.Time

	upgrader websocket.Upgrader

	mu          sync.RWMutex
	sessions    map[string]*session
	authorities map[string]*Authority
	docClients  map[string]map[string]bool

	totalOps  atomic.Int64
	sweepStop chan struct{}
	sweepDone chan struct{}
}

// New builds a coordinator and starts its idle sweep.
func New(cfg Config) *Coordinator {
	cfg = cfg.withDefaults()
	auth := NewAuthService(cfg.AuthRequired, nil)
	if cfg.AuthSecret != "" {
		auth.Verifier = HMACVerifier(cfg.AuthSecret)
	}
	co := &Coordinator{
		cfg:     cfg,
		auth:    auth,
		store:   cfg.Store,
		log:     cfg.Logger,
		metrics: NewMetrics(),
		started: time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		sessions:    make(map[string]*session),
		authorities: make(map[string]*Authority),
		docClients:  make(map[string]map[string]bool),
		sweepStop:   make(chan struct{}),
		sweepDone:   make(chan struct{}),
	}
	go co.sweep()
	return co
}

// Auth exposes the auth service so hosts can install verifier and
// permission hooks.
func (co *Coordinator) Auth() *AuthService { return co.auth }

// mintClientID builds the server-assigned id form client-<ms>-<rand36>.
func mintClientID() string {
	return fmt.Sprintf("client-%d-%s",
		time.Now().UnixMilli(),
		strconv.FormatUint(uint64(rand.Uint32()), 36))
}

// ServeWS upgrades the connection and runs the session until it dies.
func (co *Coordinator) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := co.upgrader.Upgrade(w, r, nil)
	if err != nil {
		co.log.Warn("upgrade failed", "err", err)
		return
	}
	s := newSession(co, conn, mintClientID())

	co.mu.Lock()
	co.sessions[s.id] = s
	co.mu.Unlock()
	co.metrics.ConnectedClients.Inc()
	co.log.Info("client connected", "client", s.id, "remote", r.RemoteAddr)

	if co.auth.Required {
		s.Send(&common.AuthRequired{Header: common.NewHeader(common.MsgAuthRequired)})
	}
	go s.writePump()
	s.readPump()
}

// dispatch probes the frame type and routes it. Runs on the session's read
// pump, so per-session handling is naturally serialized.
func (co *Coordinator) dispatch(s *session, buf []byte) {
	var hdr common.Header
	if err := json.Unmarshal(buf, &hdr); err != nil {
		s.sendError(common.CodeInvalidOperation, "malformed message")
		return
	}
	switch hdr.Type {
	case common.MsgAuthenticate:
		var msg common.Authenticate
		if err := json.Unmarshal(buf, &msg); err != nil {
			s.sendError(common.CodeInvalidOperation, "malformed authenticate")
			return
		}
		co.handleAuthenticate(s, &msg)
	case common.MsgJoinDocument:
		var msg common.JoinDocument
		if err := json.Unmarshal(buf, &msg); err != nil {
			s.sendError(common.CodeInvalidOperation, "malformed join_document")
			return
		}
		co.handleJoin(s, &msg)
	case common.MsgLeaveDocument:
		var msg common.LeaveDocument
		if err := json.Unmarshal(buf, &msg); err != nil {
			s.sendError(common.CodeInvalidOperation, "malformed leave_document")
			return
		}
		co.handleLeave(s, msg.DocumentID)
	case common.MsgOperation:
		var msg common.Operation
		if err := json.Unmarshal(buf, &msg); err != nil {
			s.sendError(common.CodeInvalidOperation, "malformed operation")
			return
		}
		co.handleOperation(s, &msg)
	case common.MsgPresenceUpdate:
		var msg common.PresenceUpdate
		if err := json.Unmarshal(buf, &msg); err != nil {
			s.sendError(common.CodeInvalidOperation, "malformed presence_update")
			return
		}
		co.handlePresence(s, &msg)
	case common.MsgPing:
		s.Send(&common.Pong{Header: common.NewHeader(common.MsgPong)})
	default:
		s.sendError(common.CodeInvalidOperation, fmt.Sprintf("unknown message type %q", hdr.Type))
	}
}

func (co *Coordinator) handleAuthenticate(s *session, msg *common.Authenticate) {
	if msg.ClientID != "" {
		if !common.ValidID(msg.ClientID) {
			s.Send(&common.AuthFailed{
				Header: common.NewHeader(common.MsgAuthFailed),
				Reason: "invalid client id",
			})
			return
		}
		co.rekeySession(s, msg.ClientID)
	}
	info, err := co.auth.Authenticate(msg.Token, s.id)
	if err != nil {
		s.Send(&common.AuthFailed{
			Header: common.NewHeader(common.MsgAuthFailed),
			Reason: err.Error(),
		})
		return
	}
	s.info = info
	s.authenticated = true
	s.Send(&common.AuthSuccess{
		Header:     common.NewHeader(common.MsgAuthSuccess),
		ClientInfo: info,
	})
	co.log.Info("client authenticated", "client", s.id)
}

// rekeySession lets a client re-declare its own id during authenticate.
func (co *Coordinator) rekeySession(s *session, id string) {
	co.mu.Lock()
	defer co.mu.Unlock()
	if id == s.id {
		return
	}
	delete(co.sessions, s.id)
	s.id = id
	co.sessions[id] = s
}

func (co *Coordinator) gate(s *session, docID string, edit bool) bool {
	if co.auth.Required && !s.authenticated {
		s.sendError(common.CodeUnauthorized, "authenticate first")
		return false
	}
	if !common.ValidID(docID) {
		s.sendError(common.CodeInvalidOperation, "invalid document id")
		return false
	}
	perm := co.auth.CanAccess
	if edit {
		perm = co.auth.CanEdit
	}
	if !perm(s.info, docID) {
		s.sendError(common.CodeForbidden, "permission denied")
		return false
	}
	return true
}

func (co *Coordinator) handleJoin(s *session, msg *common.JoinDocument) {
	if !co.gate(s, msg.DocumentID, false) {
		return
	}
	schema := common.Schema{Kind: common.KindText}
	if msg.Schema != nil {
		schema = *msg.Schema
	}
	auth := co.authority(msg.DocumentID, schema)
	res, ok := auth.Join(s)
	if !ok {
		s.sendError(common.CodeServerError, "document unavailable")
		return
	}

	co.mu.Lock()
	s.joined[msg.DocumentID] = auth
	set, okSet := co.docClients[msg.DocumentID]
	if !okSet {
		set = make(map[string]bool)
		co.docClients[msg.DocumentID] = set
	}
	set[s.id] = true
	co.mu.Unlock()

	s.Send(&common.DocumentJoined{
		Header:     common.NewHeader(common.MsgDocumentJoined),
		DocumentID: msg.DocumentID,
		Version:    res.version,
		State:      res.value,
		Users:      res.users,
	})
	co.log.Info("client joined", "client", s.id, "doc", msg.DocumentID, "version", res.version)
}

// authority returns the resident authority for id, creating and starting
// one lazily on first join.
func (co *Coordinator) authority(id string, schema common.Schema) *Authority {
	co.mu.Lock()
	defer co.mu.Unlock()
	if auth, ok := co.authorities[id]; ok {
		return auth
	}
	auth := newAuthority(id, schema, co.cfg, co.store, co.log, co.metrics)
	auth.start()
	co.authorities[id] = auth
	co.metrics.ActiveDocuments.Set(float64(len(co.authorities)))
	return auth
}

func (co *Coordinator) handleLeave(s *session, docID string) {
	co.mu.Lock()
	auth, ok := s.joined[docID]
	if ok {
		delete(s.joined, docID)
		delete(co.docClients[docID], s.id)
	}
	co.mu.Unlock()
	if !ok {
		return
	}
	auth.Leave(s.id)
	s.Send(&common.DocumentLeft{
		Header:     common.NewHeader(common.MsgDocumentLeft),
		DocumentID: docID,
	})
}

func (co *Coordinator) handleOperation(s *session, msg *common.Operation) {
	co.mu.RLock()
	auth, member := s.joined[msg.DocumentID]
	co.mu.RUnlock()
	if !member {
		s.sendError(common.CodeDocumentNotFound, "not joined to document")
		return
	}
	if !co.gate(s, msg.DocumentID, true) {
		return
	}
	op := &ot.Operation{}
	if err := json.Unmarshal(msg.Operation, op); err != nil {
		s.sendError(common.CodeInvalidOperation, "malformed operation payload")
		return
	}
	if op.ClientID == "" {
		op.ClientID = s.id
	}
	if op.ClientID != s.id {
		s.sendError(common.CodeForbidden, "operation client id mismatch")
		return
	}
	co.totalOps.Add(1)
	auth.Apply(s, op)
}

func (co *Coordinator) handlePresence(s *session, msg *common.PresenceUpdate) {
	co.mu.RLock()
	auth, member := s.joined[msg.DocumentID]
	co.mu.RUnlock()
	if !member {
		s.sendError(common.CodeDocumentNotFound, "not joined to document")
		return
	}
	pr := msg.Presence
	if pr == nil {
		pr = &common.Presence{}
	}
	pr.ClientID = s.id
	pr.LastSeen = time.Now().UnixMilli()
	pr.IsOnline = true
	auth.UpdatePresence(s, pr)
}

// dropSession detaches a dead session from every joined document and the
// registry. Runs when its read pump exits.
func (co *Coordinator) dropSession(s *session) {
	s.close(websocket.CloseNormalClosure, "")

	co.mu.Lock()
	delete(co.sessions, s.id)
	joined := make([]*Authority, 0, len(s.joined))
	for docID, auth := range s.joined {
		joined = append(joined, auth)
		delete(co.docClients[docID], s.id)
	}
	s.joined = make(map[string]*Authority)
	co.mu.Unlock()

	for _, auth := range joined {
		auth.Leave(s.id)
	}
	co.metrics.ConnectedClients.Dec()
	co.log.Info("client disconnected", "client", s.id)
}

// sweep periodically disconnects idle sessions and evicts authorities
// that have sat empty past the document idle timeout.
func (co *Coordinator) sweep() {
	defer close(co.sweepDone)
	ticker := time.NewTicker(co.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-co.sweepStop:
			return
		case <-ticker.C:
		}

		idleCutoff := time.Now().Add(-co.cfg.IdleTimeout)
		co.mu.RLock()
		var stale []*session
		for _, s := range co.sessions {
			if s.idleSince().Before(idleCutoff) {
				stale = append(stale, s)
			}
		}
		co.mu.RUnlock()
		for _, s := range stale {
			co.log.Info("closing idle session", "client", s.id)
			s.close(websocket.CloseGoingAway, "idle timeout")
		}

		docCutoff := time.Now().Add(-co.cfg.DocIdleTimeout)
		co.mu.RLock()
		var evict []*Authority
		for _, auth := range co.authorities {
			if auth.idleEmpty(docCutoff) {
				evict = append(evict, auth)
			}
		}
		co.mu.RUnlock()
		for _, auth := range evict {
			auth.stop()
			co.mu.Lock()
			delete(co.authorities, auth.id)
			co.metrics.ActiveDocuments.Set(float64(len(co.authorities)))
			co.mu.Unlock()
			co.log.Info("evicted idle document", "doc", auth.id)
		}
	}
}

// Shutdown closes every session with 1001, stops all authorities
// (persisting their state) and halts the sweep.
func (co *Coordinator) Shutdown() {
	close(co.sweepStop)
	<-co.sweepDone

	co.mu.Lock()
	sessions := make([]*session, 0, len(co.sessions))
	for _, s := range co.sessions {
		sessions = append(sessions, s)
	}
	authorities := make([]*Authority, 0, len(co.authorities))
	for _, a := range co.authorities {
		authorities = append(authorities, a)
	}
	co.sessions = make(map[string]*session)
	co.authorities = make(map[string]*Authority)
	co.mu.Unlock()

	for _, s := range sessions {
		s.close(websocket.CloseGoingAway, "server shutting down")
	}
	for _, a := range authorities {
		a.stop()
	}
	co.log.Info("coordinator stopped")
}
