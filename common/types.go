// Package common defines the wire protocol spoken between collaboration
// clients and the server: message frames, the operation envelope fields
// shared by both sides, presence records, and error codes.
package common

import (
	"encoding/json"
	"regexp"
	"time"
)

// MsgType discriminates wire messages. Each frame is a JSON object whose
// "type" field holds one of these values.
type MsgType string

// Client to server.
const (
	MsgAuthenticate   MsgType = "authenticate"
	MsgJoinDocument   MsgType = "join_document"
	MsgLeaveDocument  MsgType = "leave_document"
	MsgOperation      MsgType = "operation"
	MsgPresenceUpdate MsgType = "presence_update"
	MsgPing           MsgType = "ping"
)

// Server to client. MsgOperation and MsgPresenceUpdate travel both ways.
const (
	MsgAuthRequired     MsgType = "auth_required"
	MsgAuthSuccess      MsgType = "auth_success"
	MsgAuthFailed       MsgType = "auth_failed"
	MsgDocumentJoined   MsgType = "document_joined"
	MsgDocumentLeft     MsgType = "document_left"
	MsgDocumentState    MsgType = "document_state"
	MsgOperationApplied MsgType = "operation_applied"
	MsgOperationFailed  MsgType = "operation_failed"
	MsgPresenceState    MsgType = "presence_state"
	MsgUserJoined       MsgType = "user_joined"
	MsgUserLeft         MsgType = "user_left"
	MsgError            MsgType = "error"
	MsgPong             MsgType = "pong"
)

// ErrorCode values carried in Error.Code.
const (
	CodeUnauthorized     = "UNAUTHORIZED"
	CodeForbidden        = "FORBIDDEN"
	CodeDocumentNotFound = "DOCUMENT_NOT_FOUND"
	CodeInvalidOperation = "INVALID_OPERATION"
	CodeRateLimited      = "RATE_LIMITED"
	CodeServerError      = "SERVER_ERROR"
)

// Header is the common prefix of every frame. It doubles as the probe type
// for dispatch: decode the raw frame into a Header first, then into the
// concrete struct for its Type.
type Header struct {
	Type      MsgType `json:"type"`
	ID        string  `json:"id,omitempty"`
	Timestamp int64   `json:"timestamp"`
}

// NewHeader stamps a header with the current wall clock.
func NewHeader(t MsgType) Header {
	return Header{Type: t, Timestamp: time.Now().UnixMilli()}
}

// DocKind names the data kind a document holds.
type DocKind string

const (
	KindText DocKind = "text"
	KindList DocKind = "list"
	KindMap  DocKind = "map"
)

// Schema describes how a document's initial value is derived on lazy
// creation.
type Schema struct {
	Kind    DocKind `json:"kind"`
	Initial any     `json:"initial,omitempty"`
}

// InitialValue returns the value a fresh document of this schema starts
// with.
func (s Schema) InitialValue() any {
	if s.Initial != nil {
		return s.Initial
	}
	switch s.Kind {
	case KindList:
		return []any{}
	case KindMap:
		return map[string]any{}
	default:
		return ""
	}
}

// ClientInfo identifies an authenticated client.
type ClientInfo struct {
	ClientID string `json:"clientId"`
	UserID   string `json:"userId,omitempty"`
	Name     string `json:"name,omitempty"`
}

// Cursor is a position plus optional selection inside a text document.
type Cursor struct {
	Position  int     `json:"position"`
	Selection *[2]int `json:"selection,omitempty"`
}

// Presence is soft per-client, per-document awareness state. It is lost on
// disconnect and rebuilt on join.
type Presence struct {
	ClientID string  `json:"clientId"`
	UserID   string  `json:"userId,omitempty"`
	Name     string  `json:"name,omitempty"`
	Avatar   string  `json:"avatar,omitempty"`
	Cursor   *Cursor `json:"cursor,omitempty"`
	LastSeen int64   `json:"lastSeen"`
	IsOnline bool    `json:"isOnline"`
}

// Sent from client to server.
type Authenticate struct {
	Header
	ClientID string `json:"clientId,omitempty"`
	Token    string `json:"token,omitempty"`
}

// Sent from client to server.
type JoinDocument struct {
	Header
	DocumentID string  `json:"documentId"`
	Schema     *Schema `json:"schema,omitempty"`
}

// Sent from client to server.
type LeaveDocument struct {
	Header
	DocumentID string `json:"documentId"`
}

// Operation frames travel both ways: client to server carrying a locally
// generated operation, server to peers carrying the transformed applied
// operation. The payload stays raw JSON here so the ot package can decode
// it with unknown-field preservation.
type Operation struct {
	Header
	DocumentID string          `json:"documentId"`
	Operation  json.RawMessage `json:"operation"`
}

// Sent from client to server and rebroadcast to peers.
type PresenceUpdate struct {
	Header
	DocumentID string    `json:"documentId"`
	Presence   *Presence `json:"presence"`
}

// Sent from client to server.
type Ping struct {
	Header
}

// Sent from server to client.
type AuthRequired struct {
	Header
}

// Sent from server to client.
type AuthSuccess struct {
	Header
	ClientInfo *ClientInfo `json:"clientInfo"`
}

// Sent from server to client.
type AuthFailed struct {
	Header
	Reason string `json:"reason"`
}

// Sent from server to client in response to JoinDocument. State is the
// document value at Version; Users is the current presence list.
type DocumentJoined struct {
	Header
	DocumentID string      `json:"documentId"`
	Version    int         `json:"version"`
	State      any         `json:"state"`
	Users      []*Presence `json:"users"`
}

// Sent from server to client.
type DocumentLeft struct {
	Header
	DocumentID string `json:"documentId"`
}

// Server-to-client document value outside the join flow. The server
// package does not emit it; a resync goes through DocumentJoined.
type DocumentState struct {
	Header
	DocumentID string `json:"documentId"`
	Version    int    `json:"version"`
	State      any    `json:"state"`
}

// Sent from server to the originator once its operation holds a canonical
// version.
type OperationApplied struct {
	Header
	DocumentID  string `json:"documentId"`
	OperationID string `json:"operationId"`
	Version     int    `json:"version"`
}

// Sent from server to the originator when its operation was dropped.
type OperationFailed struct {
	Header
	DocumentID  string `json:"documentId"`
	OperationID string `json:"operationId"`
	Code        string `json:"code"`
	Message     string `json:"message,omitempty"`
}

// Server-to-client list of a document's peers. The server package does not
// emit it; DocumentJoined.Users carries the peers on join.
type PresenceState struct {
	Header
	DocumentID string      `json:"documentId"`
	Users      []*Presence `json:"users"`
}

// Sent from server to peers when a client joins a document.
type UserJoined struct {
	Header
	DocumentID string    `json:"documentId"`
	User       *Presence `json:"user"`
}

// Sent from server to peers when a client leaves a document.
type UserLeft struct {
	Header
	DocumentID string `json:"documentId"`
	ClientID   string `json:"clientId"`
}

// Sent from server to the originator of a failed request.
type Error struct {
	Header
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// Sent from server to client in response to Ping.
type Pong struct {
	Header
}

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidID reports whether s is usable as a DocumentId, ClientId or
// OperationId.
func ValidID(s string) bool {
	return idPattern.MatchString(s)
}
