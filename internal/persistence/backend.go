// Package persistence stores one document snapshot per room.
package persistence

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/MarcoPoloResearchLab/whiteboard/backend/internal/document"
	"go.uber.org/zap"
)

var (
	// ErrEmptyRoomID indicates a load or save without a room id.
	ErrEmptyRoomID = errors.New("persistence: empty room id")
	// ErrCorruptSnapshot indicates a stored snapshot that cannot be decoded.
	ErrCorruptSnapshot = errors.New("persistence: corrupt snapshot")
)

// Backend loads and saves room snapshots. Implementations must be safe for
// concurrent use across room ids; calls for one room id arrive serially.
type Backend interface {
	Load(ctx context.Context, roomID string) (document.Snapshot, bool, error)
	Save(ctx context.Context, roomID string, snapshot document.Snapshot) error
}

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

const (
	fieldRoomID = "room_id"
	fieldEpoch  = "epoch"

	reasonEmptyRoomID   = "empty_room_id"
	reasonEncodeFailed  = "encode_failed"
	reasonDecodeFailed  = "decode_failed"
	reasonReadFailed    = "read_failed"
	reasonWriteFailed   = "write_failed"
	reasonContextClosed = "context_closed"
)

func logError(logger *zap.Logger, operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	logger.Error("persistence error", attrs...)
}

var unsafeKeyCharacters = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// StorageKey maps a room id onto a name safe for file systems and table keys.
func StorageKey(roomID string) (string, error) {
	trimmed := strings.TrimSpace(roomID)
	if trimmed == "" {
		return "", ErrEmptyRoomID
	}
	return unsafeKeyCharacters.ReplaceAllString(trimmed, "_"), nil
}

// NoopBackend never finds a snapshot and discards saves. Rooms served by it are ephemeral.
type NoopBackend struct{}

func (NoopBackend) Load(context.Context, string) (document.Snapshot, bool, error) {
	return document.Snapshot{}, false, nil
}

func (NoopBackend) Save(context.Context, string, document.Snapshot) error {
	return nil
}

// MemoryBackend keeps encoded snapshots in process memory.
type MemoryBackend struct {
	mu        sync.Mutex
	snapshots map[string][]byte
	saves     map[string]int
}

// NewMemoryBackend returns an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{snapshots: map[string][]byte{}, saves: map[string]int{}}
}

const (
	opMemoryLoad = "persistence.memory.load"
	opMemorySave = "persistence.memory.save"
)

func (m *MemoryBackend) Load(ctx context.Context, roomID string) (document.Snapshot, bool, error) {
	if err := ctx.Err(); err != nil {
		return document.Snapshot{}, false, newOperationError(opMemoryLoad, reasonContextClosed, err)
	}
	key, err := StorageKey(roomID)
	if err != nil {
		return document.Snapshot{}, false, newOperationError(opMemoryLoad, reasonEmptyRoomID, err)
	}
	m.mu.Lock()
	payload, ok := m.snapshots[key]
	m.mu.Unlock()
	if !ok {
		return document.Snapshot{}, false, nil
	}
	snapshot, err := document.DecodeSnapshot(payload)
	if err != nil {
		return document.Snapshot{}, false, newOperationError(opMemoryLoad, reasonDecodeFailed, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err))
	}
	return snapshot, true, nil
}

func (m *MemoryBackend) Save(ctx context.Context, roomID string, snapshot document.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return newOperationError(opMemorySave, reasonContextClosed, err)
	}
	key, err := StorageKey(roomID)
	if err != nil {
		return newOperationError(opMemorySave, reasonEmptyRoomID, err)
	}
	payload, err := snapshot.Encode()
	if err != nil {
		return newOperationError(opMemorySave, reasonEncodeFailed, err)
	}
	m.mu.Lock()
	m.snapshots[key] = payload
	m.saves[key]++
	m.mu.Unlock()
	return nil
}

// SaveCount reports how many saves reached the room.
func (m *MemoryBackend) SaveCount(roomID string) int {
	key, err := StorageKey(roomID)
	if err != nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves[key]
}

// Lister is implemented by backends that can enumerate stored rooms.
type Lister interface {
	ListRooms(ctx context.Context) ([]string, error)
}
