package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/whiteboard/backend/internal/document"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opSQLNew  = "persistence.sql.new"
	opSQLLoad = "persistence.sql.load"
	opSQLSave = "persistence.sql.save"

	queryRoomID = "room_id = ?"
)

// RoomSnapshot stores the latest snapshot of one room.
type RoomSnapshot struct {
	RoomID           string `gorm:"column:room_id;primaryKey;size:190;not null"`
	SchemaVersion    int    `gorm:"column:schema_version;not null;default:0"`
	Epoch            int64  `gorm:"column:epoch;not null;default:0"`
	SnapshotJSON     string `gorm:"column:snapshot_json;type:text;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (RoomSnapshot) TableName() string {
	return "room_snapshots"
}

// SQLConfig configures a SQLBackend.
type SQLConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// SQLBackend stores snapshots in the room_snapshots table.
type SQLBackend struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewSQLBackend requires a migrated database handle.
func NewSQLBackend(cfg SQLConfig) (*SQLBackend, error) {
	if cfg.Database == nil {
		return nil, newOperationError(opSQLNew, "missing_database", errors.New("database is required"))
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLBackend{db: cfg.Database, clock: clock, logger: logger}, nil
}

func (b *SQLBackend) Load(ctx context.Context, roomID string) (document.Snapshot, bool, error) {
	key, err := StorageKey(roomID)
	if err != nil {
		return document.Snapshot{}, false, newOperationError(opSQLLoad, reasonEmptyRoomID, err)
	}
	var row RoomSnapshot
	err = b.db.WithContext(ctx).Where(queryRoomID, key).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return document.Snapshot{}, false, nil
	}
	if err != nil {
		logError(b.logger, opSQLLoad, reasonReadFailed, err, zap.String(fieldRoomID, roomID))
		return document.Snapshot{}, false, newOperationError(opSQLLoad, reasonReadFailed, err)
	}
	snapshot, err := document.DecodeSnapshot([]byte(row.SnapshotJSON))
	if err != nil {
		logError(b.logger, opSQLLoad, reasonDecodeFailed, err, zap.String(fieldRoomID, roomID))
		return document.Snapshot{}, false, newOperationError(opSQLLoad, reasonDecodeFailed, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err))
	}
	return snapshot, true, nil
}

func (b *SQLBackend) Save(ctx context.Context, roomID string, snapshot document.Snapshot) error {
	key, err := StorageKey(roomID)
	if err != nil {
		return newOperationError(opSQLSave, reasonEmptyRoomID, err)
	}
	payload, err := snapshot.Encode()
	if err != nil {
		return newOperationError(opSQLSave, reasonEncodeFailed, err)
	}
	row := RoomSnapshot{
		RoomID:           key,
		SchemaVersion:    snapshot.SchemaVersion,
		Epoch:            int64(snapshot.Epoch),
		SnapshotJSON:     string(payload),
		UpdatedAtSeconds: b.clock().UTC().Unix(),
	}
	err = b.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "room_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"schema_version", "epoch", "snapshot_json", "updated_at_s"}),
	}).Create(&row).Error
	if err != nil {
		logError(b.logger, opSQLSave, reasonWriteFailed, err, zap.String(fieldRoomID, roomID))
		return newOperationError(opSQLSave, reasonWriteFailed, err)
	}
	return nil
}

// ListRooms returns the stored room keys ordered by most recent save.
func (b *SQLBackend) ListRooms(ctx context.Context) ([]string, error) {
	var keys []string
	err := b.db.WithContext(ctx).Model(&RoomSnapshot{}).
		Order("updated_at_s DESC").
		Pluck("room_id", &keys).Error
	if err != nil {
		return nil, newOperationError("persistence.sql.list", reasonReadFailed, err)
	}
	return keys, nil
}
