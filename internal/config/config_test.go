package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTPAddress != "0.0.0.0:5858" {
		t.Fatalf("unexpected address %q", cfg.HTTPAddress)
	}
	if cfg.Persistence.Backend != BackendFile || cfg.Persistence.Directory != ".rooms" {
		t.Fatalf("unexpected persistence config %+v", cfg.Persistence)
	}
	if !cfg.Persistence.Continuous || cfg.Persistence.Throttle != 250*time.Millisecond || cfg.Persistence.Retries != 3 {
		t.Fatalf("unexpected persistence tuning %+v", cfg.Persistence)
	}
	if cfg.Room.HistoryCapacity != 1000 || cfg.Room.MaxBufferedMessages != 100 || cfg.Room.SendBuffer != 256 {
		t.Fatalf("unexpected room config %+v", cfg.Room)
	}
	if cfg.Auth.Enabled() {
		t.Fatalf("expected authentication disabled by default")
	}
	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "*" {
		t.Fatalf("unexpected origins %v", cfg.AllowedOrigins)
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("WHITEBOARD_PERSISTENCE_BACKEND", "SQLite")
	t.Setenv("WHITEBOARD_ROOM_HISTORY_CAPACITY", "12")
	t.Setenv("WHITEBOARD_AUTH_SIGNING_SECRET", "secret")
	t.Setenv("WHITEBOARD_HTTP_ALLOWED_ORIGINS", "https://a.example,https://b.example")

	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Persistence.Backend != BackendSQLite {
		t.Fatalf("expected sqlite backend, got %q", cfg.Persistence.Backend)
	}
	if cfg.Room.HistoryCapacity != 12 {
		t.Fatalf("expected history capacity 12, got %d", cfg.Room.HistoryCapacity)
	}
	if !cfg.Auth.Enabled() || cfg.Auth.Issuer != "tauth" {
		t.Fatalf("unexpected auth config %+v", cfg.Auth)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://b.example" {
		t.Fatalf("unexpected origins %v", cfg.AllowedOrigins)
	}
}

func TestLoadValidation(t *testing.T) {
	testCases := []struct {
		name    string
		key     string
		value   interface{}
		wantKey string
	}{
		{name: "unknown backend", key: KeyPersistenceBackend, value: "redis", wantKey: KeyPersistenceBackend},
		{name: "dynamodb without table", key: KeyPersistenceBackend, value: BackendDynamoDB, wantKey: KeyDynamoTable},
		{name: "empty address", key: KeyHTTPAddress, value: " ", wantKey: KeyHTTPAddress},
		{name: "zero history", key: KeyRoomHistoryCapacity, value: 0, wantKey: KeyRoomHistoryCapacity},
		{name: "negative retries", key: KeyPersistenceRetries, value: -1, wantKey: KeyPersistenceRetries},
		{name: "zero send buffer", key: KeyRoomSendBuffer, value: 0, wantKey: KeyRoomSendBuffer},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			configViper := NewViper()
			configViper.Set(testCase.key, testCase.value)
			_, err := Load(configViper)
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !strings.Contains(err.Error(), testCase.wantKey) {
				t.Fatalf("expected error to name %s, got %v", testCase.wantKey, err)
			}
		})
	}
}

func TestLoadSQLiteRequiresDatabasePath(t *testing.T) {
	configViper := NewViper()
	configViper.Set(KeyPersistenceBackend, BackendSQLite)
	configViper.Set(KeyDatabasePath, "")
	if _, err := Load(configViper); err == nil || !strings.Contains(err.Error(), KeyDatabasePath) {
		t.Fatalf("expected database path error, got %v", err)
	}
}
