package room

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/MarcoPoloResearchLab/whiteboard/backend/internal/document"
)

const maxIdentifierLength = 128

var (
	// ErrInvalidRoomID indicates that a room identifier is malformed.
	ErrInvalidRoomID = errors.New("room: invalid room id")
	// ErrInvalidSessionID indicates that a session identifier is malformed.
	ErrInvalidSessionID = errors.New("room: invalid session id")
	// ErrInvalidMessage indicates a wire message that cannot be decoded.
	ErrInvalidMessage = errors.New("room: invalid message")
)

var unsafeRoomCharacters = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// RoomID identifies a room. Characters outside [a-zA-Z0-9_-] are replaced with "_".
type RoomID string

// NewRoomID validates and sanitises raw input.
func NewRoomID(rawInput string) (RoomID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidRoomID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidRoomID, maxIdentifierLength)
	}
	return RoomID(unsafeRoomCharacters.ReplaceAllString(trimmed, "_")), nil
}

// String returns the underlying identifier.
func (id RoomID) String() string {
	return string(id)
}

// SessionID identifies one client connection within a room.
type SessionID string

// NewSessionID validates raw input.
func NewSessionID(rawInput string) (SessionID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidSessionID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidSessionID, maxIdentifierLength)
	}
	return SessionID(trimmed), nil
}

// String returns the underlying identifier.
func (id SessionID) String() string {
	return string(id)
}

// MessageType names a wire message.
type MessageType string

const (
	MessageConnect    MessageType = "connect"
	MessagePush       MessageType = "push"
	MessageDisconnect MessageType = "disconnect"
	MessagePing       MessageType = "ping"

	MessageSnapshot       MessageType = "snapshot"
	MessageDiff           MessageType = "diff"
	MessagePushResult     MessageType = "push_result"
	MessageResyncRequired MessageType = "resync_required"
	MessageError          MessageType = "error"
	MessagePong           MessageType = "pong"
)

// PushAction tells a client what to do with its optimistic change.
type PushAction string

const (
	// PushCommit means the change was applied exactly as sent (or changed nothing).
	PushCommit PushAction = "commit"
	// PushRebase means the client must apply the attached diff to match the server.
	PushRebase PushAction = "rebase"
)

// ClientMessage is any message a client sends.
type ClientMessage struct {
	Type        MessageType    `json:"type"`
	SessionID   string         `json:"sessionId,omitempty"`
	LastEpoch   *uint64        `json:"lastEpoch,omitempty"`
	InstanceID  string         `json:"instanceId,omitempty"`
	Scopes      []string       `json:"scopes,omitempty"`
	ClientClock int64          `json:"clientClock,omitempty"`
	Diff        *document.Diff `json:"diff,omitempty"`
}

// DecodeClientMessage parses one wire message.
func DecodeClientMessage(payload []byte) (ClientMessage, error) {
	var message ClientMessage
	if err := json.Unmarshal(payload, &message); err != nil {
		return ClientMessage{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	switch message.Type {
	case MessageConnect, MessagePush, MessageDisconnect, MessagePing:
	default:
		return ClientMessage{}, fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, message.Type)
	}
	if message.Type == MessagePush && message.Diff == nil {
		return ClientMessage{}, fmt.Errorf("%w: push without diff", ErrInvalidMessage)
	}
	return message, nil
}

// scopeSet resolves requested scope names; no names means every scope.
func (m ClientMessage) scopeSet() (document.ScopeSet, error) {
	if len(m.Scopes) == 0 {
		return document.AllScopes(), nil
	}
	scopes := document.NewScopeSet()
	for _, raw := range m.Scopes {
		scope, err := document.ParseScope(raw)
		if err != nil {
			return nil, err
		}
		scopes[scope] = struct{}{}
	}
	return scopes, nil
}

// ServerMessage is any message the server sends. Records is only set on snapshots.
type ServerMessage struct {
	Type        MessageType        `json:"type"`
	Epoch       uint64             `json:"epoch"`
	InstanceID  string             `json:"instanceId,omitempty"`
	SessionID   string             `json:"sessionId,omitempty"`
	Records     *[]document.Record `json:"records,omitempty"`
	Diff        *document.Diff     `json:"diff,omitempty"`
	ClientClock int64              `json:"clientClock,omitempty"`
	Action      PushAction         `json:"action,omitempty"`
	Reason      string             `json:"reason,omitempty"`
}

func snapshotMessage(instanceID string, sessionID SessionID, epoch uint64, records []document.Record) ServerMessage {
	if records == nil {
		records = []document.Record{}
	}
	return ServerMessage{
		Type:       MessageSnapshot,
		Epoch:      epoch,
		InstanceID: instanceID,
		SessionID:  sessionID.String(),
		Records:    &records,
	}
}

func diffMessage(epoch uint64, diff document.Diff) ServerMessage {
	return ServerMessage{Type: MessageDiff, Epoch: epoch, Diff: &diff}
}

func pushResultMessage(clientClock int64, epoch uint64, corrections document.Diff) ServerMessage {
	message := ServerMessage{Type: MessagePushResult, Epoch: epoch, ClientClock: clientClock, Action: PushCommit}
	if !corrections.IsEmpty() {
		message.Action = PushRebase
		message.Diff = &corrections
	}
	return message
}

func errorMessage(epoch uint64, reason string) ServerMessage {
	return ServerMessage{Type: MessageError, Epoch: epoch, Reason: reason}
}

func encodeServerMessage(message ServerMessage) ([]byte, error) {
	return json.Marshal(message)
}
