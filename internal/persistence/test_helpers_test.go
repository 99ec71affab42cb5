package persistence

import (
	"testing"

	"github.com/MarcoPoloResearchLab/whiteboard/backend/internal/document"
)

func sampleSnapshot(t *testing.T, epoch uint64) document.Snapshot {
	t.Helper()
	page := document.MustRecord("page:page", document.TypePage, map[string]any{"name": "Page 1"})
	shape := document.MustRecord("shape:1", document.TypeShape, map[string]any{"color": "red", "x": 10, "parentId": "page:page"})
	return document.Snapshot{
		SchemaVersion: document.DefaultSchema().Version(),
		Epoch:         epoch,
		Records:       []document.Record{shape, page},
	}
}

func assertSameSnapshot(t *testing.T, expected, actual document.Snapshot) {
	t.Helper()
	if !expected.Equal(actual) {
		t.Fatalf("snapshot mismatch:\nexpected %+v\nactual   %+v", expected, actual)
	}
}
