// Package room runs collaborative rooms: a document store per room, the
// sessions attached to it, and a registry holding at most one live room per id.
package room

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/whiteboard/backend/internal/document"
	"github.com/MarcoPoloResearchLab/whiteboard/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/whiteboard/backend/internal/persistence"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	fieldRoomID    = "room_id"
	fieldSessionID = "session_id"
	fieldUserID    = "user_id"
	fieldEpoch     = "epoch"

	defaultHistoryCapacity     = 1000
	defaultMaxBufferedMessages = 100
	defaultSendBuffer          = 256
	defaultConnectTimeout      = 10 * time.Second
	defaultPersistTimeout      = 10 * time.Second
	defaultPersistThrottle     = 250 * time.Millisecond
	defaultRetryInterval       = 100 * time.Millisecond

	// OwnerProperty is the record property checked by the exclusive ownership rule.
	OwnerProperty = "ownerId"

	opRegistryNew      = "room.registry.new"
	opRegistryLoad     = "room.registry.load"
	opRegistryShutdown = "room.registry.shutdown"
)

var (
	// ErrRegistryClosed is returned once Shutdown has started.
	ErrRegistryClosed = errors.New("room: registry is closed")
	errMissingBackend = errors.New("persistence backend is required")
)

// OperationError carries a "<operation>.<reason>" code.
type OperationError struct {
	code string
	err  error
}

func (e *OperationError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *OperationError) Unwrap() error {
	return e.err
}

// Code returns the operation code.
func (e *OperationError) Code() string {
	return e.code
}

func newOperationError(operation, reason string, cause error) error {
	return &OperationError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// RegistryConfig configures a Registry. Backend is required.
type RegistryConfig struct {
	Backend               persistence.Backend
	Schema                *document.Schema
	HistoryCapacity       int
	MaxBufferedMessages   int
	SendBuffer            int
	ConnectTimeout        time.Duration
	ContinuousPersistence bool
	PersistThrottle       time.Duration
	PersistTimeout        time.Duration
	PersistRetries        int
	PersistRetryInterval  time.Duration
	ExclusiveOwnership    bool
	Logger                *zap.Logger
	Metrics               *metrics.Metrics
}

type roomEntry struct {
	id        RoomID
	ready     chan struct{}
	gone      chan struct{}
	room      *Room
	persister *persister
	err       error

	finalizeOnce sync.Once
	flushErr     error
}

// Registry maps room ids to at most one live Room.
type Registry struct {
	cfg         RegistryConfig
	sideEffects document.SideEffects
	logger      *zap.Logger

	mu     sync.Mutex
	rooms  map[RoomID]*roomEntry
	closed bool
}

// NewRegistry validates the configuration and fills defaults.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Backend == nil {
		return nil, newOperationError(opRegistryNew, "missing_backend", errMissingBackend)
	}
	if cfg.Schema == nil {
		cfg.Schema = document.DefaultSchema()
	}
	if cfg.HistoryCapacity <= 0 {
		cfg.HistoryCapacity = defaultHistoryCapacity
	}
	if cfg.MaxBufferedMessages <= 0 {
		cfg.MaxBufferedMessages = defaultMaxBufferedMessages
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaultSendBuffer
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.PersistThrottle <= 0 {
		cfg.PersistThrottle = defaultPersistThrottle
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = defaultPersistTimeout
	}
	if cfg.PersistRetries < 0 {
		cfg.PersistRetries = 0
	}
	if cfg.PersistRetryInterval <= 0 {
		cfg.PersistRetryInterval = defaultRetryInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	hooks := document.NewHooks()
	if cfg.ExclusiveOwnership {
		document.OwnershipRule(hooks, OwnerProperty)
	}
	return &Registry{
		cfg:         cfg,
		sideEffects: hooks,
		logger:      cfg.Logger,
		rooms:       map[RoomID]*roomEntry{},
	}, nil
}

// GetOrCreate returns the live room for id, loading it from the backend when
// absent. Concurrent callers for one id share a single load and a single Room.
func (r *Registry) GetOrCreate(ctx context.Context, id RoomID) (*Room, error) {
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, ErrRegistryClosed
		}
		entry, exists := r.rooms[id]
		if !exists {
			entry = &roomEntry{id: id, ready: make(chan struct{}), gone: make(chan struct{})}
			r.rooms[id] = entry
			r.mu.Unlock()
			r.load(ctx, entry)
		} else {
			r.mu.Unlock()
		}

		select {
		case <-entry.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if entry.err != nil {
			return nil, entry.err
		}
		if !entry.room.Closed() {
			return entry.room, nil
		}
		select {
		case <-entry.gone:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (r *Registry) load(ctx context.Context, entry *roomEntry) {
	defer close(entry.ready)
	loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.loadBudget())
	defer cancel()

	room, persister, err := r.open(loadCtx, entry)
	if err != nil {
		r.logger.Error("room service error",
			zap.String("operation", opRegistryLoad),
			zap.String("reason", "load_failed"),
			zap.String(fieldRoomID, entry.id.String()),
			zap.Error(err))
		entry.err = newOperationError(opRegistryLoad, "load_failed", err)
		r.mu.Lock()
		if r.rooms[entry.id] == entry {
			delete(r.rooms, entry.id)
		}
		r.mu.Unlock()
		close(entry.gone)
		return
	}
	entry.room = room
	entry.persister = persister
	r.cfg.Metrics.RoomOpened()
	r.logger.Info("room opened",
		zap.String(fieldRoomID, entry.id.String()),
		zap.String("instance_id", room.InstanceID()),
		zap.Uint64(fieldEpoch, room.Store().Epoch()))
}

func (r *Registry) open(ctx context.Context, entry *roomEntry) (*Room, *persister, error) {
	snapshot, found, err := r.loadSnapshot(ctx, entry.id)
	if err != nil {
		return nil, nil, err
	}
	storeCfg := document.StoreConfig{
		Schema:          r.cfg.Schema,
		SideEffects:     r.sideEffects,
		HistoryCapacity: r.cfg.HistoryCapacity,
		Logger:          r.logger,
	}
	if found {
		storeCfg.Initial = &snapshot
	}
	store, err := document.NewStore(storeCfg)
	if err != nil {
		return nil, nil, err
	}
	room := newRoom(roomConfig{
		id:         entry.id,
		instanceID: uuid.NewString(),
		store:      store,
		logger:     r.logger,
		metrics:    r.cfg.Metrics,
		onEmpty:    func(*Room) { r.release(entry) },
	})
	persister := newPersister(persisterConfig{
		roomID:        entry.id,
		store:         store,
		backend:       r.cfg.Backend,
		timeout:       r.cfg.PersistTimeout,
		retries:       r.cfg.PersistRetries,
		retryInterval: r.cfg.PersistRetryInterval,
		throttle:      r.cfg.PersistThrottle,
		logger:        r.logger,
		metrics:       r.cfg.Metrics,
	})
	if r.cfg.ContinuousPersistence {
		persister.start()
	}
	return room, persister, nil
}

// loadSnapshot reads and migrates the stored snapshot of a room.
func (r *Registry) loadSnapshot(ctx context.Context, id RoomID) (document.Snapshot, bool, error) {
	var snapshot document.Snapshot
	var found bool
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.cfg.PersistRetryInterval
	retry := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(r.cfg.PersistRetries)), ctx)
	err := backoff.Retry(func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, r.cfg.PersistTimeout)
		defer cancel()
		loaded, ok, loadErr := r.cfg.Backend.Load(attemptCtx, id.String())
		if errors.Is(loadErr, persistence.ErrCorruptSnapshot) {
			return backoff.Permanent(loadErr)
		}
		snapshot, found = loaded, ok
		return loadErr
	}, retry)
	if err != nil || !found {
		return document.Snapshot{}, false, err
	}
	migrated, err := r.cfg.Schema.Migrate(snapshot)
	if err != nil {
		return document.Snapshot{}, false, err
	}
	return migrated, true, nil
}

func (r *Registry) loadBudget() time.Duration {
	attempts := time.Duration(r.cfg.PersistRetries + 1)
	return attempts*r.cfg.PersistTimeout + attempts*r.cfg.PersistRetryInterval*4
}

// release evicts a room whose last session left. The snapshot is saved before
// the room leaves the map; callers racing in wait for that and load afresh.
func (r *Registry) release(entry *roomEntry) {
	if !entry.room.closeIfEmpty() {
		return
	}
	r.finalize(entry, "idle")
}

func (r *Registry) finalize(entry *roomEntry, reason string) error {
	entry.finalizeOnce.Do(func() {
		entry.persister.stop()
		ctx, cancel := context.WithTimeout(context.Background(), r.loadBudget())
		entry.flushErr = entry.persister.save(ctx)
		cancel()
		entry.room.release()

		r.mu.Lock()
		if r.rooms[entry.id] == entry {
			delete(r.rooms, entry.id)
		}
		r.mu.Unlock()
		close(entry.gone)

		r.cfg.Metrics.RoomClosed()
		r.logger.Info("room closed",
			zap.String(fieldRoomID, entry.id.String()),
			zap.String("reason", reason),
			zap.Uint64(fieldEpoch, entry.room.Store().Epoch()),
			zap.Bool("saved", entry.flushErr == nil))
	})
	return entry.flushErr
}

// Lookup returns the live room for id without loading it.
func (r *Registry) Lookup(id RoomID) (*Room, bool) {
	r.mu.Lock()
	entry, ok := r.rooms[id]
	r.mu.Unlock()
	if !ok {
		return nil, false
	}
	select {
	case <-entry.ready:
	default:
		return nil, false
	}
	if entry.err != nil || entry.room.Closed() {
		return nil, false
	}
	return entry.room, true
}

// RoomInfo summarises a live room.
type RoomInfo struct {
	ID         string `json:"id"`
	InstanceID string `json:"instanceId"`
	Epoch      uint64 `json:"epoch"`
	Sessions   int    `json:"sessions"`
	Records    int    `json:"records"`
}

// Rooms lists the live rooms ordered by id.
func (r *Registry) Rooms() []RoomInfo {
	r.mu.Lock()
	ids := make([]RoomID, 0, len(r.rooms))
	for id := range r.rooms {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })

	out := make([]RoomInfo, 0, len(ids))
	for _, id := range ids {
		room, ok := r.Lookup(id)
		if !ok {
			continue
		}
		out = append(out, RoomInfo{
			ID:         id.String(),
			InstanceID: room.InstanceID(),
			Epoch:      room.Store().Epoch(),
			Sessions:   room.SessionCount(),
			Records:    room.Store().Len(),
		})
	}
	return out
}

// Snapshot returns the document snapshot of a live room, or the stored one.
func (r *Registry) Snapshot(ctx context.Context, id RoomID) (document.Snapshot, bool, error) {
	if room, ok := r.Lookup(id); ok {
		return room.Store().Snapshot(), true, nil
	}
	return r.loadSnapshot(ctx, id)
}

// Shutdown stops accepting rooms, closes every session and flushes every room
// snapshot in parallel.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	entries := make([]*roomEntry, 0, len(r.rooms))
	for _, entry := range r.rooms {
		entries = append(entries, entry)
	}
	r.mu.Unlock()

	group, groupCtx := errgroup.WithContext(ctx)
	for _, entry := range entries {
		group.Go(func() error {
			select {
			case <-entry.ready:
			case <-groupCtx.Done():
				return groupCtx.Err()
			}
			if entry.err != nil {
				return nil
			}
			entry.room.closeAll(closeReasonShutdown)
			if err := r.finalize(entry, closeReasonShutdown); err != nil {
				return newOperationError(opRegistryShutdown, "flush_failed", fmt.Errorf("%s: %w", entry.id, err))
			}
			return nil
		})
	}
	return group.Wait()
}

// ConnectRequest describes a new client connection.
type ConnectRequest struct {
	RoomID    RoomID
	SessionID SessionID
	UserID    string
	Socket    Socket
}

// Connect runs one client connection until it closes. Messages that arrive while
// the room loads are buffered (bounded) and replayed in order once the session
// is attached.
func (r *Registry) Connect(ctx context.Context, request ConnectRequest) error {
	session := newSession(sessionConfig{
		id:         request.SessionID,
		userID:     request.UserID,
		socket:     request.Socket,
		sendBuffer: r.cfg.SendBuffer,
		schema:     r.cfg.Schema,
		logger:     r.logger.With(zap.String(fieldRoomID, request.RoomID.String())),
		metrics:    r.cfg.Metrics,
	})
	defer func() { <-session.closed }()
	inbound := make(chan []byte, r.cfg.MaxBufferedMessages)
	go session.readLoop(inbound)

	room, err := r.GetOrCreate(ctx, request.RoomID)
	if err != nil {
		session.send(errorMessage(0, "room unavailable"))
		session.close(closeReasonRoomFailed)
		return err
	}

	hello, ok := r.awaitHandshake(ctx, session, inbound)
	if !ok {
		session.close(closeReasonConnectTimeout)
		if entry := r.entryFor(room); entry != nil {
			r.release(entry)
		}
		return nil
	}
	for {
		err := room.attach(session, hello)
		if err == nil {
			break
		}
		if !errors.Is(err, ErrRoomClosed) {
			session.close(closeReasonRoomFailed)
			return err
		}
		room, err = r.GetOrCreate(ctx, request.RoomID)
		if err != nil {
			session.send(errorMessage(0, "room unavailable"))
			session.close(closeReasonRoomFailed)
			return err
		}
	}
	defer room.detach(session)

	for {
		select {
		case payload, open := <-inbound:
			if !open {
				return nil
			}
			if !room.handle(session, payload) {
				session.close(closeReasonDisconnect)
				return nil
			}
		case <-session.Done():
			return nil
		case <-ctx.Done():
			session.close(closeReasonShutdown)
			return nil
		}
	}
}

// awaitHandshake reads the first message. A connect message supplies the
// catch-up cursor and scopes; anything else forces a full resync and is dropped.
func (r *Registry) awaitHandshake(ctx context.Context, session *Session, inbound <-chan []byte) (handshake, bool) {
	timer := time.NewTimer(r.cfg.ConnectTimeout)
	defer timer.Stop()
	select {
	case payload, open := <-inbound:
		if !open {
			return handshake{}, false
		}
		message, err := DecodeClientMessage(payload)
		if err != nil || message.Type != MessageConnect {
			return handshake{forceResync: true}, true
		}
		scopes, err := message.scopeSet()
		if err != nil {
			session.send(errorMessage(0, err.Error()))
			return handshake{forceResync: true}, true
		}
		session.setScopes(scopes)
		return handshakeFrom(message), true
	case <-timer.C:
		session.send(errorMessage(0, "connect message not received"))
		return handshake{}, false
	case <-session.Done():
		return handshake{}, false
	case <-ctx.Done():
		return handshake{}, false
	}
}

func (r *Registry) entryFor(room *Room) *roomEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.rooms[room.ID()]
	if !ok || entry.room != room {
		return nil
	}
	return entry
}
