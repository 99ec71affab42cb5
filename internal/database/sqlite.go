// Package database opens the SQLite database shared by the snapshot backend
// and the user identity service.
package database

import (
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/whiteboard/backend/internal/persistence"
	"github.com/MarcoPoloResearchLab/whiteboard/backend/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OpenSQLite opens the database at path and brings its schema up to date.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := migrate(db, time.Now, logger); err != nil {
		return nil, err
	}

	logger.Info("database initialized", zap.String("path", path))
	return db, nil
}

func migrate(db *gorm.DB, clock func() time.Time, logger *zap.Logger) error {
	if err := db.AutoMigrate(&persistence.RoomSnapshot{}, &users.Identity{}, &migrationRecord{}); err != nil {
		return err
	}
	return applyMigrations(db, clock, logger)
}
