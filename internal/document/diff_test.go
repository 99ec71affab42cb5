package document

import (
	"encoding/json"
	"testing"
)

func TestSquashFoldsLifecycleTransitions(t *testing.T) {
	v1 := mustShape(t, "shape:1", map[string]any{"color": "red"})
	v2 := mustShape(t, "shape:1", map[string]any{"color": "green"})
	v3 := mustShape(t, "shape:1", map[string]any{"color": "blue"})

	added := Diff{Added: map[RecordID]Record{v1.ID(): v1}}
	updated12 := Diff{Updated: map[RecordID]Update{v1.ID(): {Before: v1, After: v2}}}
	updated23 := Diff{Updated: map[RecordID]Update{v1.ID(): {Before: v2, After: v3}}}
	removed3 := Diff{Removed: map[RecordID]Record{v1.ID(): v3}}
	removed1 := Diff{Removed: map[RecordID]Record{v1.ID(): v1}}
	readded := Diff{Added: map[RecordID]Record{v1.ID(): v2}}

	if got := Squash(added, updated12); !got.Added[v1.ID()].Equal(v2) || len(got.Updated) != 0 {
		t.Fatalf("added then updated must stay added with the latest value: %#v", got)
	}
	if got := Squash(added, updated12, updated23, removed3); !got.IsEmpty() {
		t.Fatalf("added then removed must vanish: %#v", got)
	}
	if got := Squash(removed1, readded); !got.Updated[v1.ID()].Before.Equal(v1) || !got.Updated[v1.ID()].After.Equal(v2) {
		t.Fatalf("removed then added must become updated: %#v", got)
	}
	if got := Squash(updated12, updated23, removed3); !got.Removed[v1.ID()].Equal(v1) || len(got.Updated) != 0 {
		t.Fatalf("updated then removed must remove with the original value: %#v", got)
	}
	got := Squash(updated12, updated23)
	if update := got.Updated[v1.ID()]; !update.Before.Equal(v1) || !update.After.Equal(v3) {
		t.Fatalf("updated twice must span first before to last after: %#v", got)
	}
}

func TestFilterScopesDropsOtherScopes(t *testing.T) {
	schema := DefaultSchema()
	shape := mustShape(t, "shape:1", nil)
	pointer := MustRecord(mustRecordID(t, "pointer:a"), TypePointer, map[string]any{"x": 1})
	diff := Diff{Added: map[RecordID]Record{shape.ID(): shape, pointer.ID(): pointer}}

	documentOnly := diff.FilterScopes(schema, NewScopeSet(ScopeDocument))
	if len(documentOnly.Added) != 1 || documentOnly.Added[shape.ID()].IsZero() {
		t.Fatalf("expected only the shape, got %#v", documentOnly.Added)
	}
	presenceOnly := diff.FilterScopes(schema, NewScopeSet(ScopePresence))
	if len(presenceOnly.Added) != 1 || presenceOnly.Added[pointer.ID()].IsZero() {
		t.Fatalf("expected only the pointer, got %#v", presenceOnly.Added)
	}
}

func TestDiffJSONEncodesUpdatesAsPairs(t *testing.T) {
	before := mustShape(t, "shape:1", map[string]any{"color": "red"})
	after := mustShape(t, "shape:1", map[string]any{"color": "blue"})
	diff := Diff{Updated: map[RecordID]Update{before.ID(): {Before: before, After: after}}}

	encoded, err := json.Marshal(diff)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var wire struct {
		Updated map[string][]map[string]any `json:"updated"`
	}
	if err := json.Unmarshal(encoded, &wire); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	pair := wire.Updated["shape:1"]
	if len(pair) != 2 || pair[0]["color"] != "red" || pair[1]["color"] != "blue" {
		t.Fatalf("unexpected wire form: %s", encoded)
	}
}

func TestDiffMutationReproducesDiff(t *testing.T) {
	kept := mustShape(t, "shape:1", map[string]any{"color": "red"})
	gone := mustShape(t, "shape:2", nil)
	changed := mustShape(t, "shape:3", map[string]any{"color": "blue"})
	diff := Diff{
		Added:   map[RecordID]Record{kept.ID(): kept},
		Updated: map[RecordID]Update{changed.ID(): {Before: changed, After: changed}},
		Removed: map[RecordID]Record{gone.ID(): gone},
	}
	mutation := diff.Mutation()
	if len(mutation.Put) != 2 || len(mutation.Remove) != 1 || mutation.Remove[0] != gone.ID() {
		t.Fatalf("unexpected mutation: %#v", mutation)
	}
}
