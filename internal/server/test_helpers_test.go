package server

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/whiteboard/backend/internal/assets"
	"github.com/MarcoPoloResearchLab/whiteboard/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/whiteboard/backend/internal/document"
	"github.com/MarcoPoloResearchLab/whiteboard/backend/internal/persistence"
	"github.com/MarcoPoloResearchLab/whiteboard/backend/internal/room"
	"github.com/MarcoPoloResearchLab/whiteboard/backend/internal/unfurl"
	"github.com/gin-gonic/gin"
)

var testStartedAt = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type stubUnfurler struct {
	metadata unfurl.Metadata
	err      error
	lastURL  string
}

func (s *stubUnfurler) Unfurl(_ context.Context, rawURL string) (unfurl.Metadata, error) {
	s.lastURL = rawURL
	return s.metadata, s.err
}

type stubValidator struct {
	claims auth.SessionClaims
	err    error
}

func (s stubValidator) ValidateRequest(*http.Request) (auth.SessionClaims, error) {
	return s.claims, s.err
}

type stubUsers struct {
	userID string
	err    error
}

func (s stubUsers) ResolveCanonicalUserID(context.Context, auth.SessionClaims) (string, error) {
	return s.userID, s.err
}

type testServer struct {
	handler  http.Handler
	registry *room.Registry
	backend  *persistence.MemoryBackend
	unfurler *stubUnfurler
}

// newTestServer builds a handler on a memory backend and a temp asset
// directory; configure may adjust the dependencies before construction.
func newTestServer(t *testing.T, configure func(*Dependencies)) testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	backend := persistence.NewMemoryBackend()
	registry, err := room.NewRegistry(room.RegistryConfig{Backend: backend})
	if err != nil {
		t.Fatalf("failed to create registry: %v", err)
	}
	t.Cleanup(func() {
		_ = registry.Shutdown(context.Background())
	})
	store, err := assets.NewFileStore(assets.Config{Directory: t.TempDir(), MaxBytes: 64})
	if err != nil {
		t.Fatalf("failed to create asset store: %v", err)
	}
	unfurler := &stubUnfurler{}

	deps := Dependencies{
		Registry: registry,
		Assets:   store,
		Unfurler: unfurler,
		Clock:    func() time.Time { return testStartedAt },
	}
	if configure != nil {
		configure(&deps)
	}
	handler, err := NewHTTPHandler(deps)
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}
	return testServer{handler: handler, registry: registry, backend: backend, unfurler: unfurler}
}

func (s testServer) do(t *testing.T, method, target string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	request := httptest.NewRequest(method, target, body)
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)
	return recorder
}

func mustRoom(t *testing.T, registry *room.Registry, raw string) *room.Room {
	t.Helper()
	id, err := room.NewRoomID(raw)
	if err != nil {
		t.Fatalf("invalid room id: %v", err)
	}
	live, err := registry.GetOrCreate(context.Background(), id)
	if err != nil {
		t.Fatalf("failed to open room: %v", err)
	}
	return live
}

func mustShape(t *testing.T, id string, props map[string]any) document.Record {
	t.Helper()
	recordID, err := document.NewRecordID(id)
	if err != nil {
		t.Fatalf("invalid record id: %v", err)
	}
	record, err := document.NewRecord(recordID, recordID.TypeName(), props)
	if err != nil {
		t.Fatalf("invalid record: %v", err)
	}
	return record
}

func bodyContains(t *testing.T, recorder *httptest.ResponseRecorder, fragment string) {
	t.Helper()
	if !strings.Contains(recorder.Body.String(), fragment) {
		t.Fatalf("expected body to contain %q, got %s", fragment, recorder.Body.String())
	}
}
