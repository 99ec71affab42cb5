package room

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/MarcoPoloResearchLab/whiteboard/backend/internal/document"
	"github.com/MarcoPoloResearchLab/whiteboard/backend/internal/metrics"
	"go.uber.org/zap"
)

// ErrRoomClosed is returned when attaching to a room that is being evicted.
// The caller must resolve the room again through the registry.
var ErrRoomClosed = errors.New("room: room is closed")

const (
	resyncHistoryGap      = "history_gap"
	resyncInstanceChanged = "instance_changed"
	resyncProtocolError   = "protocol_error"
)

// SessionInfo describes an attached session.
type SessionInfo struct {
	ID        string `json:"id"`
	UserID    string `json:"userId,omitempty"`
	State     string `json:"state"`
	LastEpoch uint64 `json:"lastEpoch"`
}

// Room binds one document store to the sessions attached to it.
type Room struct {
	id         RoomID
	instanceID string
	store      *document.Store
	logger     *zap.Logger
	metrics    *metrics.Metrics
	onEmpty    func(*Room)

	// writeMu serializes every store write made through the room so a push
	// result is queued before any later transaction is broadcast.
	writeMu  sync.Mutex
	presence map[SessionID]map[document.RecordID]struct{}

	sessionsMu sync.Mutex
	sessions   map[SessionID]*Session
	closed     bool
	live       atomic.Pointer[[]*Session]

	unsubscribe func()
}

type roomConfig struct {
	id         RoomID
	instanceID string
	store      *document.Store
	logger     *zap.Logger
	metrics    *metrics.Metrics
	onEmpty    func(*Room)
}

func newRoom(cfg roomConfig) *Room {
	logger := cfg.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Room{
		id:         cfg.id,
		instanceID: cfg.instanceID,
		store:      cfg.store,
		logger:     logger.With(zap.String(fieldRoomID, cfg.id.String())),
		metrics:    cfg.metrics,
		onEmpty:    cfg.onEmpty,
		presence:   map[SessionID]map[document.RecordID]struct{}{},
		sessions:   map[SessionID]*Session{},
	}
	empty := []*Session{}
	r.live.Store(&empty)
	r.unsubscribe = cfg.store.Subscribe(document.AllScopes(), r.broadcast)
	return r
}

// ID returns the room identifier.
func (r *Room) ID() RoomID {
	return r.id
}

// InstanceID changes every time the room is loaded; epochs are only comparable within one instance.
func (r *Room) InstanceID() string {
	return r.instanceID
}

// Store exposes the room document for reads and server-side writes.
func (r *Room) Store() *document.Store {
	return r.store
}

// SessionCount returns the number of attached sessions.
func (r *Room) SessionCount() int {
	return len(*r.live.Load())
}

// Closed reports whether the room stopped accepting sessions.
func (r *Room) Closed() bool {
	r.sessionsMu.Lock()
	defer r.sessionsMu.Unlock()
	return r.closed
}

// Sessions describes the attached sessions ordered by id.
func (r *Room) Sessions() []SessionInfo {
	sessions := *r.live.Load()
	out := make([]SessionInfo, 0, len(sessions))
	for _, session := range sessions {
		out = append(out, SessionInfo{
			ID:        session.ID().String(),
			UserID:    session.UserID(),
			State:     session.State().String(),
			LastEpoch: session.LastEpoch(),
		})
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}

func (r *Room) publishLocked() {
	sessions := make([]*Session, 0, len(r.sessions))
	for _, session := range r.sessions {
		sessions = append(sessions, session)
	}
	r.live.Store(&sessions)
}

// broadcast is the store listener. It runs in epoch order and never blocks.
func (r *Room) broadcast(entry document.ChangeEntry) {
	r.metrics.Transaction(string(entry.Source()))
	for _, session := range *r.live.Load() {
		session.deliver(entry)
	}
}

type handshake struct {
	lastEpoch   *uint64
	instanceID  string
	forceResync bool
}

func handshakeFrom(message ClientMessage) handshake {
	return handshake{lastEpoch: message.LastEpoch, instanceID: message.InstanceID}
}

// attach registers the session and runs the sync handshake. A session already
// attached under the same id is replaced.
func (r *Room) attach(session *Session, hello handshake) error {
	r.sessionsMu.Lock()
	if r.closed {
		r.sessionsMu.Unlock()
		return ErrRoomClosed
	}
	replaced := r.sessions[session.ID()]
	session.beginSync()
	r.sessions[session.ID()] = session
	r.publishLocked()
	r.sessionsMu.Unlock()

	if replaced != nil && replaced != session {
		replaced.close(closeReasonReplaced)
		r.metrics.SessionDetached()
	}
	r.metrics.SessionAttached()

	messages, epoch := r.handshakeMessages(session, hello)
	session.completeSync(messages, epoch)
	r.logger.Info("session attached",
		zap.String(fieldSessionID, session.ID().String()),
		zap.String(fieldUserID, session.UserID()),
		zap.Uint64(fieldEpoch, epoch))
	return nil
}

func (r *Room) handshakeMessages(session *Session, hello handshake) ([]ServerMessage, uint64) {
	session.mu.Lock()
	scopes := session.scopes
	session.mu.Unlock()

	reason := ""
	switch {
	case hello.forceResync:
		reason = resyncProtocolError
	case hello.lastEpoch != nil && hello.instanceID != r.instanceID:
		reason = resyncInstanceChanged
	case hello.lastEpoch != nil:
		diff, epoch, err := r.store.DiffSince(*hello.lastEpoch)
		if err == nil {
			filtered := diff.FilterScopes(r.store.Schema(), scopes)
			return []ServerMessage{diffMessage(epoch, filtered)}, epoch
		}
		reason = resyncHistoryGap
	}

	records, epoch := r.store.Records(scopes)
	messages := make([]ServerMessage, 0, 2)
	if reason != "" {
		r.metrics.Resync(reason)
		r.logger.Debug("full resync",
			zap.String(fieldSessionID, session.ID().String()),
			zap.String("reason", reason))
		messages = append(messages, ServerMessage{Type: MessageResyncRequired, Epoch: epoch, Reason: reason})
	}
	messages = append(messages, snapshotMessage(r.instanceID, session.ID(), epoch, records))
	return messages, epoch
}

// resync replaces the client's state wholesale.
func (r *Room) resync(session *Session) {
	session.beginSync()
	messages, epoch := r.handshakeMessages(session, handshake{forceResync: true})
	session.completeSync(messages, epoch)
}

// detach removes the session. When it was the last one, onEmpty runs before
// detach returns.
func (r *Room) detach(session *Session) {
	r.sessionsMu.Lock()
	current, ok := r.sessions[session.ID()]
	if !ok || current != session {
		r.sessionsMu.Unlock()
		return
	}
	delete(r.sessions, session.ID())
	r.publishLocked()
	empty := len(r.sessions) == 0
	r.sessionsMu.Unlock()

	r.metrics.SessionDetached()
	r.removePresence(session.ID())
	r.logger.Info("session detached",
		zap.String(fieldSessionID, session.ID().String()),
		zap.String("reason", session.CloseReason()))
	if empty && r.onEmpty != nil {
		r.onEmpty(r)
	}
}

// handle processes one inbound message. It returns false when the client asked to disconnect.
func (r *Room) handle(session *Session, payload []byte) bool {
	message, err := DecodeClientMessage(payload)
	if err != nil {
		r.logger.Debug("invalid client message",
			zap.String(fieldSessionID, session.ID().String()),
			zap.Error(err))
		session.send(errorMessage(r.store.Epoch(), err.Error()))
		r.resync(session)
		return true
	}
	switch message.Type {
	case MessagePush:
		r.Submit(session, message.ClientClock, *message.Diff)
	case MessagePing:
		session.send(ServerMessage{Type: MessagePong, Epoch: r.store.Epoch()})
	case MessageDisconnect:
		return false
	case MessageConnect:
		r.resync(session)
	}
	return true
}

// Submit applies a client diff as one remote transaction and replies with a push result.
func (r *Room) Submit(session *Session, clientClock int64, diff document.Diff) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	origin := document.Origin{
		Source:    document.SourceRemote,
		SessionID: session.ID().String(),
		UserID:    session.UserID(),
	}
	mutation := diff.Mutation()
	result, err := r.store.Apply(origin, mutation)
	if err != nil {
		r.logger.Info("push rejected",
			zap.String(fieldSessionID, session.ID().String()),
			zap.Error(err))
		corrective := r.store.Corrective(mutation)
		session.send(ServerMessage{
			Type:        MessagePushResult,
			Epoch:       r.store.Epoch(),
			ClientClock: clientClock,
			Action:      PushRebase,
			Diff:        &corrective,
		})
		session.send(errorMessage(r.store.Epoch(), err.Error()))
		return
	}
	if result.Entry != nil {
		r.trackPresence(session.ID(), result.Entry.Diff)
	}
	session.send(pushResultMessage(clientClock, result.Epoch, result.Corrections))
}

// Apply writes records on behalf of the server.
func (r *Room) Apply(mutation document.Mutation) (document.ApplyResult, error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return r.store.Apply(document.LocalOrigin(), mutation)
}

func (r *Room) trackPresence(sessionID SessionID, diff document.Diff) {
	schema := r.store.Schema()
	for id, record := range diff.Added {
		if scope, ok := schema.ScopeOf(record.TypeName()); ok && scope == document.ScopePresence {
			owned := r.presence[sessionID]
			if owned == nil {
				owned = map[document.RecordID]struct{}{}
				r.presence[sessionID] = owned
			}
			owned[id] = struct{}{}
		}
	}
	for id := range diff.Removed {
		delete(r.presence[sessionID], id)
	}
}

func (r *Room) removePresence(sessionID SessionID) {
	r.sessionsMu.Lock()
	_, reattached := r.sessions[sessionID]
	r.sessionsMu.Unlock()
	if reattached {
		return
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	owned := r.presence[sessionID]
	delete(r.presence, sessionID)
	if len(owned) == 0 {
		return
	}
	ids := make([]document.RecordID, 0, len(owned))
	for id := range owned {
		ids = append(ids, id)
	}
	origin := document.Origin{Source: document.SourceUser, SessionID: sessionID.String()}
	if _, err := r.store.Remove(origin, ids...); err != nil {
		r.logger.Warn("presence cleanup failed",
			zap.String(fieldSessionID, sessionID.String()),
			zap.Error(err))
	}
}

// closeIfEmpty marks the room closed when no session is attached.
func (r *Room) closeIfEmpty() bool {
	r.sessionsMu.Lock()
	defer r.sessionsMu.Unlock()
	if r.closed || len(r.sessions) > 0 {
		return false
	}
	r.closed = true
	return true
}

// closeAll marks the room closed and tears down every session.
func (r *Room) closeAll(reason string) {
	r.sessionsMu.Lock()
	r.closed = true
	sessions := make([]*Session, 0, len(r.sessions))
	for _, session := range r.sessions {
		sessions = append(sessions, session)
	}
	r.sessions = map[SessionID]*Session{}
	r.publishLocked()
	r.sessionsMu.Unlock()

	for _, session := range sessions {
		session.send(errorMessage(r.store.Epoch(), "room closed: "+reason))
		session.close(reason)
		r.metrics.SessionDetached()
	}
}

func (r *Room) release() {
	if r.unsubscribe != nil {
		r.unsubscribe()
	}
}
