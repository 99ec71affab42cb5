package document

import "testing"

func mustRecordID(t *testing.T, raw string) RecordID {
	t.Helper()
	id, err := NewRecordID(raw)
	if err != nil {
		t.Fatalf("unexpected record id error: %v", err)
	}
	return id
}

func mustShape(t *testing.T, raw string, props map[string]any) Record {
	t.Helper()
	record, err := NewRecord(mustRecordID(t, raw), TypeShape, props)
	if err != nil {
		t.Fatalf("unexpected record error: %v", err)
	}
	return record
}

func mustStore(t *testing.T, cfg StoreConfig) *Store {
	t.Helper()
	store, err := NewStore(cfg)
	if err != nil {
		t.Fatalf("unexpected store error: %v", err)
	}
	return store
}

func mustPut(t *testing.T, store *Store, origin Origin, records ...Record) ApplyResult {
	t.Helper()
	result, err := store.Put(origin, records...)
	if err != nil {
		t.Fatalf("unexpected put error: %v", err)
	}
	return result
}

func stateOf(store *Store) map[RecordID]Record {
	records, _ := store.Records(AllScopes())
	out := make(map[RecordID]Record, len(records))
	for _, record := range records {
		out[record.ID()] = record
	}
	return out
}

func sameState(left, right map[RecordID]Record) bool {
	if len(left) != len(right) {
		return false
	}
	for id, record := range left {
		other, ok := right[id]
		if !ok || !other.Equal(record) {
			return false
		}
	}
	return true
}
