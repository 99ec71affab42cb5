package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/whiteboard/backend/internal/persistence"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Blank snapshot rows decode as corrupt and would keep their rooms unloadable.
const migrationPurgeBlankRoomSnapshots = "2026-10-01_purge_blank_room_snapshots"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

var migrations = []migrationDefinition{
	{name: migrationPurgeBlankRoomSnapshots, apply: purgeBlankRoomSnapshots},
}

// applyMigrations runs each named migration once, in order, recording it in db_migrations.
func applyMigrations(db *gorm.DB, clock func() time.Time, logger *zap.Logger) error {
	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: clock().UTC().Unix()}).Error
		})
		if err != nil {
			return err
		}
		logger.Info("database migration applied", zap.String("migration", migration.name))
	}
	return nil
}

func purgeBlankRoomSnapshots(db *gorm.DB) error {
	return db.Where("TRIM(snapshot_json) = ''").Delete(&persistence.RoomSnapshot{}).Error
}
