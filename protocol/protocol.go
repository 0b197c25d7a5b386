// Package protocol defines version 1 of the JSON wire protocol spoken over
// the collaborative document WebSocket.
//
// Every message is a JSON object with a "type" field. Operation components
// use the ot.js array encoding: positive integers retain, strings insert,
// negative integers delete. All positions are UTF-16 code unit offsets.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"docsync/ot"
)

// Version is advertised in the initial sync message.
const Version = 1

// Client to server message types.
const (
	TypeOp     = "op"
	TypeCursor = "cursor"
	TypePong   = "pong"
)

// Server to client message types.
const (
	TypeSync         = "sync"
	TypeRemoteOp     = "remote_op"
	TypeAck          = "ack"
	TypeRemoteCursor = "remote_cursor"
	TypeUserJoined   = "user_joined"
	TypeUserLeft     = "user_left"
	TypeError        = "error"
	TypePing         = "ping"
)

// WebSocket close codes. CloseInternalError is the RFC 6455 standard code;
// the rest are application defined.
const (
	CloseInternalError     = 1011
	CloseNormal            = 4000
	CloseProtocolViolation = 4008
	CloseSlowConsumer      = 4013
	CloseUnauthorized      = 4401
)

// Kinds carried by the error message.
const (
	ErrKindInvalidOperation = "invalid_operation"
	ErrKindIndexOutOfBounds = "index_out_of_bounds"
	ErrKindVersionTooOld    = "version_too_old"
	ErrKindThrottled        = "throttled"
)

var (
	// ErrMalformedFrame is returned when a frame is not a valid message
	// object.
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrUnknownType is returned when the type field holds no known
	// client message type.
	ErrUnknownType = errors.New("unknown message type")

	// ErrMissingField is returned when a required field is absent.
	ErrMissingField = errors.New("missing required field")
)

// Position is a cursor location in the document.
type Position struct {
	Line   uint32 `json:"line"`
	Column uint32 `json:"column"`
}

// Selection is the extent between the fixed anchor and the moving head.
type Selection struct {
	Anchor Position `json:"anchor"`
	Head   Position `json:"head"`
}

// ClientMessage is the decoded client to server envelope. Exactly one of
// the per-type field groups is meaningful depending on Type.
type ClientMessage struct {
	Type string `json:"type"`

	// op
	BaseVersion uint64          `json:"base_version"`
	Components  json.RawMessage `json:"components"`
	ClientSeq   uint64          `json:"client_seq"`

	// cursor
	Line      uint32     `json:"line"`
	Column    uint32     `json:"column"`
	Selection *Selection `json:"selection"`
	AtVersion uint64     `json:"at_version"`

	// pong
	Nonce uint64 `json:"nonce"`
}

// ParseClientMessage decodes and validates a client frame. A failure here
// is a protocol violation: the frame is not JSON, the type is unknown, or a
// required field is missing.
func ParseClientMessage(data []byte) (*ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	switch msg.Type {
	case TypeOp:
		if msg.Components == nil {
			return nil, fmt.Errorf("%w: components", ErrMissingField)
		}
	case TypeCursor, TypePong:
	case "":
		return nil, fmt.Errorf("%w: type", ErrMissingField)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, msg.Type)
	}
	return &msg, nil
}

// Operation decodes the components array of an op message. The returned
// error means the payload failed well-formedness, which is an operation
// error rather than a protocol violation.
func (m *ClientMessage) Operation() (*ot.Operation, error) {
	var op ot.Operation
	if err := json.Unmarshal(m.Components, &op); err != nil {
		return nil, err
	}
	return &op, nil
}

// ServerMessage is the sealed set of server to client messages.
type ServerMessage interface {
	serverMessage()
}

// Peer summarizes a connected client inside a sync message.
type Peer struct {
	ClientID string    `json:"client_id"`
	UserID   string    `json:"user_id"`
	Name     string    `json:"name"`
	Color    string    `json:"color"`
	Cursor   *Position `json:"cursor"`
}

// Sync carries a full document snapshot, sent on join and on forced resync.
type Sync struct {
	Type    string `json:"type"`
	V       int    `json:"v"`
	Text    string `json:"text"`
	Version uint64 `json:"version"`
	Peers   []Peer `json:"peers"`
}

func (*Sync) serverMessage() {}

// NewSync builds a sync message advertising the protocol version.
func NewSync(text string, version uint64, peers []Peer) *Sync {
	if peers == nil {
		peers = []Peer{}
	}
	return &Sync{Type: TypeSync, V: Version, Text: text, Version: version, Peers: peers}
}

// RemoteOp announces an applied operation to every client except its author.
type RemoteOp struct {
	Type       string        `json:"type"`
	Components *ot.Operation `json:"components"`
	Version    uint64        `json:"version"`
	AuthorID   string        `json:"author_id"`
}

func (*RemoteOp) serverMessage() {}

func NewRemoteOp(op *ot.Operation, version uint64, authorID string) *RemoteOp {
	return &RemoteOp{Type: TypeRemoteOp, Components: op, Version: version, AuthorID: authorID}
}

// Ack confirms the author's own operation and the version it was applied at.
type Ack struct {
	Type      string `json:"type"`
	ClientSeq uint64 `json:"client_seq"`
	Version   uint64 `json:"version"`
}

func (*Ack) serverMessage() {}

func NewAck(clientSeq, version uint64) *Ack {
	return &Ack{Type: TypeAck, ClientSeq: clientSeq, Version: version}
}

// RemoteCursor is a rebased presence update, tagged with the version the
// position is valid at.
type RemoteCursor struct {
	Type      string     `json:"type"`
	ClientID  string     `json:"client_id"`
	Cursor    *Position  `json:"cursor"`
	Selection *Selection `json:"selection"`
	Version   uint64     `json:"version"`
}

func (*RemoteCursor) serverMessage() {}

func NewRemoteCursor(clientID string, cursor *Position, selection *Selection, version uint64) *RemoteCursor {
	return &RemoteCursor{Type: TypeRemoteCursor, ClientID: clientID, Cursor: cursor, Selection: selection, Version: version}
}

// UserJoined announces a roster addition.
type UserJoined struct {
	Type     string `json:"type"`
	ClientID string `json:"client_id"`
	UserID   string `json:"user_id"`
	Name     string `json:"name"`
	Color    string `json:"color"`
}

func (*UserJoined) serverMessage() {}

func NewUserJoined(clientID, userID, name, color string) *UserJoined {
	return &UserJoined{Type: TypeUserJoined, ClientID: clientID, UserID: userID, Name: name, Color: color}
}

// UserLeft announces a roster removal.
type UserLeft struct {
	Type     string `json:"type"`
	ClientID string `json:"client_id"`
	UserID   string `json:"user_id"`
	Name     string `json:"name"`
	Color    string `json:"color"`
}

func (*UserLeft) serverMessage() {}

func NewUserLeft(clientID, userID, name, color string) *UserLeft {
	return &UserLeft{Type: TypeUserLeft, ClientID: clientID, UserID: userID, Name: name, Color: color}
}

// Error is a soft error; the connection stays open.
type Error struct {
	Type    string `json:"type"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (*Error) serverMessage() {}

func NewError(kind, message string) *Error {
	return &Error{Type: TypeError, Kind: kind, Message: message}
}

// Ping is the application level liveness probe; clients echo the nonce in
// a pong message.
type Ping struct {
	Type  string `json:"type"`
	Nonce uint64 `json:"nonce"`
}

func (*Ping) serverMessage() {}

func NewPing(nonce uint64) *Ping {
	return &Ping{Type: TypePing, Nonce: nonce}
}
