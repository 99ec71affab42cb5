package persistence

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
)

func TestFileBackendRoundTripAndList(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "rooms")
	backend, err := NewFileBackend(FileConfig{Directory: dir, Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ctx := context.Background()

	first := sampleSnapshot(t, 2)
	if err := backend.Save(ctx, "beta/1", first); err != nil {
		t.Fatalf("save: %v", err)
	}
	second := sampleSnapshot(t, 9)
	if err := backend.Save(ctx, "beta/1", second); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "beta_1.json")); err != nil {
		t.Fatalf("expected sanitized file name: %v", err)
	}

	loaded, found, err := backend.Load(ctx, "beta/1")
	if err != nil || !found {
		t.Fatalf("expected snapshot, got found=%v err=%v", found, err)
	}
	assertSameSnapshot(t, second, loaded)

	if err := backend.Save(ctx, "alpha", first); err != nil {
		t.Fatalf("save alpha: %v", err)
	}
	keys, err := backend.ListRooms(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(keys) != 2 || keys[0] != "alpha" || keys[1] != "beta_1" {
		t.Fatalf("unexpected keys %v", keys)
	}
}

func TestFileBackendReportsCorruptSnapshots(t *testing.T) {
	dir := t.TempDir()
	backend, err := NewFileBackend(FileConfig{Directory: dir})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, _, err = backend.Load(context.Background(), "broken")
	if !errors.Is(err, ErrCorruptSnapshot) {
		t.Fatalf("expected ErrCorruptSnapshot, got %v", err)
	}
}
