package persistence

import (
	"context"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&RoomSnapshot{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func TestSQLBackendUpsertsSnapshots(t *testing.T) {
	db := openTestDatabase(t)
	now := time.Unix(1700000000, 0)
	backend, err := NewSQLBackend(SQLConfig{Database: db, Clock: func() time.Time { return now }})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ctx := context.Background()

	if _, found, err := backend.Load(ctx, "gamma"); err != nil || found {
		t.Fatalf("expected absent snapshot, got found=%v err=%v", found, err)
	}
	if err := backend.Save(ctx, "gamma", sampleSnapshot(t, 1)); err != nil {
		t.Fatalf("save: %v", err)
	}
	now = now.Add(time.Minute)
	latest := sampleSnapshot(t, 5)
	if err := backend.Save(ctx, "gamma", latest); err != nil {
		t.Fatalf("resave: %v", err)
	}

	var rows []RoomSnapshot
	if err := db.Find(&rows).Error; err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(rows) != 1 || rows[0].Epoch != 5 || rows[0].UpdatedAtSeconds != now.Unix() {
		t.Fatalf("expected one upserted row, got %+v", rows)
	}

	loaded, found, err := backend.Load(ctx, "gamma")
	if err != nil || !found {
		t.Fatalf("expected snapshot, got found=%v err=%v", found, err)
	}
	assertSameSnapshot(t, latest, loaded)

	keys, err := backend.ListRooms(ctx)
	if err != nil || len(keys) != 1 || keys[0] != "gamma" {
		t.Fatalf("unexpected room list %v %v", keys, err)
	}
}

func TestNewSQLBackendRequiresDatabase(t *testing.T) {
	if _, err := NewSQLBackend(SQLConfig{}); err == nil {
		t.Fatalf("expected missing database error")
	}
}
