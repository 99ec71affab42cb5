package database

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/whiteboard/backend/internal/persistence"
	"go.uber.org/zap"
)

func TestOpenSQLitePurgesBlankSnapshotsOnce(t *testing.T) {
	databasePath := filepath.Join(t.TempDir(), "whiteboard.db")

	database, err := OpenSQLite(databasePath, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationPurgeBlankRoomSnapshots).Take(&record).Error; err != nil {
		t.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		t.Fatalf("expected migration timestamp to be set")
	}

	rows := []persistence.RoomSnapshot{
		{RoomID: "blank", SnapshotJSON: "  "},
		{RoomID: "kept", SnapshotJSON: `{"schemaVersion":1,"epoch":2,"records":[]}`},
	}
	if err := database.Create(&rows).Error; err != nil {
		t.Fatalf("failed to insert snapshots: %v", err)
	}

	// Already recorded: a rerun leaves later blank rows alone.
	if err := applyMigrations(database, time.Now, zap.NewNop()); err != nil {
		t.Fatalf("rerun failed: %v", err)
	}
	var count int64
	database.Model(&persistence.RoomSnapshot{}).Count(&count)
	if count != 2 {
		t.Fatalf("expected recorded migration to be skipped, got %d rows", count)
	}

	if err := database.Where("name = ?", migrationPurgeBlankRoomSnapshots).Delete(&migrationRecord{}).Error; err != nil {
		t.Fatalf("failed to reset migration record: %v", err)
	}
	if err := applyMigrations(database, func() time.Time { return time.Unix(42, 0) }, zap.NewNop()); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	var remaining []persistence.RoomSnapshot
	if err := database.Find(&remaining).Error; err != nil {
		t.Fatalf("failed to list snapshots: %v", err)
	}
	if len(remaining) != 1 || remaining[0].RoomID != "kept" {
		t.Fatalf("unexpected remaining snapshots %+v", remaining)
	}
	if err := database.Where("name = ?", migrationPurgeBlankRoomSnapshots).Take(&record).Error; err != nil {
		t.Fatalf("migration record missing: %v", err)
	}
	if record.AppliedAtSeconds != 42 {
		t.Fatalf("expected clock timestamp, got %d", record.AppliedAtSeconds)
	}
}

func TestOpenSQLiteRequiresPath(t *testing.T) {
	if _, err := OpenSQLite("", nil); err == nil {
		t.Fatalf("expected error for empty path")
	}
}
