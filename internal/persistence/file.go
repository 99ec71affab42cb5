package persistence

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/MarcoPoloResearchLab/whiteboard/backend/internal/document"
	"go.uber.org/zap"
)

const (
	opFileNew  = "persistence.file.new"
	opFileLoad = "persistence.file.load"
	opFileSave = "persistence.file.save"

	snapshotExtension = ".json"
	snapshotFileMode  = 0o644
	snapshotDirMode   = 0o755
)

// FileConfig configures a FileBackend.
type FileConfig struct {
	Directory string
	Logger    *zap.Logger
}

// FileBackend stores each room as <directory>/<storage key>.json.
type FileBackend struct {
	directory string
	logger    *zap.Logger
}

// NewFileBackend creates the directory when missing.
func NewFileBackend(cfg FileConfig) (*FileBackend, error) {
	if cfg.Directory == "" {
		return nil, newOperationError(opFileNew, "missing_directory", errors.New("directory is required"))
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(cfg.Directory, snapshotDirMode); err != nil {
		return nil, newOperationError(opFileNew, "mkdir_failed", err)
	}
	return &FileBackend{directory: cfg.Directory, logger: logger}, nil
}

func (b *FileBackend) path(roomID string) (string, error) {
	key, err := StorageKey(roomID)
	if err != nil {
		return "", err
	}
	return filepath.Join(b.directory, key+snapshotExtension), nil
}

func (b *FileBackend) Load(ctx context.Context, roomID string) (document.Snapshot, bool, error) {
	if err := ctx.Err(); err != nil {
		return document.Snapshot{}, false, newOperationError(opFileLoad, reasonContextClosed, err)
	}
	path, err := b.path(roomID)
	if err != nil {
		return document.Snapshot{}, false, newOperationError(opFileLoad, reasonEmptyRoomID, err)
	}
	payload, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return document.Snapshot{}, false, nil
	}
	if err != nil {
		logError(b.logger, opFileLoad, reasonReadFailed, err, zap.String(fieldRoomID, roomID))
		return document.Snapshot{}, false, newOperationError(opFileLoad, reasonReadFailed, err)
	}
	snapshot, err := document.DecodeSnapshot(payload)
	if err != nil {
		logError(b.logger, opFileLoad, reasonDecodeFailed, err, zap.String(fieldRoomID, roomID))
		return document.Snapshot{}, false, newOperationError(opFileLoad, reasonDecodeFailed, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err))
	}
	return snapshot, true, nil
}

// Save writes a temporary file next to the target and renames it into place.
func (b *FileBackend) Save(ctx context.Context, roomID string, snapshot document.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return newOperationError(opFileSave, reasonContextClosed, err)
	}
	path, err := b.path(roomID)
	if err != nil {
		return newOperationError(opFileSave, reasonEmptyRoomID, err)
	}
	payload, err := snapshot.Encode()
	if err != nil {
		return newOperationError(opFileSave, reasonEncodeFailed, err)
	}
	temp, err := os.CreateTemp(b.directory, filepath.Base(path)+".*.tmp")
	if err != nil {
		logError(b.logger, opFileSave, reasonWriteFailed, err, zap.String(fieldRoomID, roomID))
		return newOperationError(opFileSave, reasonWriteFailed, err)
	}
	tempPath := temp.Name()
	_, writeErr := temp.Write(payload)
	closeErr := temp.Close()
	if writeErr == nil {
		writeErr = closeErr
	}
	if writeErr == nil {
		writeErr = os.Chmod(tempPath, snapshotFileMode)
	}
	if writeErr == nil {
		writeErr = os.Rename(tempPath, path)
	}
	if writeErr != nil {
		_ = os.Remove(tempPath)
		logError(b.logger, opFileSave, reasonWriteFailed, writeErr, zap.String(fieldRoomID, roomID))
		return newOperationError(opFileSave, reasonWriteFailed, writeErr)
	}
	b.logger.Debug("room snapshot written",
		zap.String(fieldRoomID, roomID),
		zap.Uint64(fieldEpoch, snapshot.Epoch),
		zap.String("path", path))
	return nil
}

// ListRooms returns the stored room keys in lexical order.
func (b *FileBackend) ListRooms(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, newOperationError("persistence.file.list", reasonContextClosed, err)
	}
	entries, err := os.ReadDir(b.directory)
	if err != nil {
		return nil, newOperationError("persistence.file.list", reasonReadFailed, err)
	}
	keys := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, snapshotExtension) {
			continue
		}
		keys = append(keys, strings.TrimSuffix(name, snapshotExtension))
	}
	sort.Strings(keys)
	return keys, nil
}
