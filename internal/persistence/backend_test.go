package persistence

import (
	"context"
	"errors"
	"testing"
)

func TestStorageKeySanitizesRoomIDs(t *testing.T) {
	key, err := StorageKey(" team/alpha room?x=1 ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if key != "team_alpha_room_x_1" {
		t.Fatalf("unexpected key %q", key)
	}
	if _, err := StorageKey("  "); !errors.Is(err, ErrEmptyRoomID) {
		t.Fatalf("expected ErrEmptyRoomID, got %v", err)
	}
}

func TestMemoryBackendRoundTrip(t *testing.T) {
	backend := NewMemoryBackend()
	ctx := context.Background()

	if _, found, err := backend.Load(ctx, "alpha"); err != nil || found {
		t.Fatalf("expected absent snapshot, got found=%v err=%v", found, err)
	}
	snapshot := sampleSnapshot(t, 4)
	if err := backend.Save(ctx, "alpha", snapshot); err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}
	loaded, found, err := backend.Load(ctx, "alpha")
	if err != nil || !found {
		t.Fatalf("expected stored snapshot, got found=%v err=%v", found, err)
	}
	assertSameSnapshot(t, snapshot, loaded)
	if backend.SaveCount("alpha") != 1 {
		t.Fatalf("expected one save, got %d", backend.SaveCount("alpha"))
	}
}

func TestMemoryBackendHonoursCancelledContext(t *testing.T) {
	backend := NewMemoryBackend()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := backend.Save(ctx, "alpha", sampleSnapshot(t, 1))
	var opErr *OperationError
	if !errors.As(err, &opErr) || opErr.Code() != "persistence.memory.save.context_closed" {
		t.Fatalf("expected context_closed operation error, got %v", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected wrapped context.Canceled, got %v", err)
	}
}

func TestNoopBackendNeverFindsSnapshots(t *testing.T) {
	backend := NoopBackend{}
	if err := backend.Save(context.Background(), "alpha", sampleSnapshot(t, 1)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, found, err := backend.Load(context.Background(), "alpha"); err != nil || found {
		t.Fatalf("expected nothing stored, got found=%v err=%v", found, err)
	}
}
