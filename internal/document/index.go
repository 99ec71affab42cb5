package document

import (
	"encoding/json"
	"sort"
)

type indexKey struct {
	typeName string
	path     string
}

// propertyIndex maps the encoded value at one property path to the ids of the
// records of one type currently holding it.
type propertyIndex struct {
	key    indexKey
	values map[string]map[RecordID]struct{}
	byID   map[RecordID]string
}

func newPropertyIndex(key indexKey) *propertyIndex {
	return &propertyIndex{
		key:    key,
		values: map[string]map[RecordID]struct{}{},
		byID:   map[RecordID]string{},
	}
}

// IndexValue encodes a property value into the key space of an index: the
// JSON text of the normalised value, so "1" and 1 are distinct keys.
func IndexValue(value any) string {
	normalized, err := normalizeValue(value)
	if err != nil {
		return ""
	}
	encoded, err := json.Marshal(normalized)
	if err != nil {
		return ""
	}
	return string(encoded)
}

func (idx *propertyIndex) add(record Record) {
	if record.TypeName() != idx.key.typeName {
		return
	}
	value, ok := record.Lookup(idx.key.path)
	if !ok {
		return
	}
	encoded := IndexValue(value)
	ids, exists := idx.values[encoded]
	if !exists {
		ids = map[RecordID]struct{}{}
		idx.values[encoded] = ids
	}
	ids[record.ID()] = struct{}{}
	idx.byID[record.ID()] = encoded
}

func (idx *propertyIndex) drop(id RecordID) {
	encoded, ok := idx.byID[id]
	if !ok {
		return
	}
	delete(idx.byID, id)
	ids := idx.values[encoded]
	delete(ids, id)
	if len(ids) == 0 {
		delete(idx.values, encoded)
	}
}

// apply maintains the index from one committed diff.
func (idx *propertyIndex) apply(diff Diff) {
	for id := range diff.Removed {
		idx.drop(id)
	}
	for id, update := range diff.Updated {
		idx.drop(id)
		idx.add(update.After)
	}
	for _, record := range diff.Added {
		idx.add(record)
	}
}

func (idx *propertyIndex) lookup(encoded string) []RecordID {
	ids := idx.values[encoded]
	out := make([]RecordID, 0, len(ids))
	for id := range ids {
		out = append(out, id)
	}
	sort.Slice(out, func(a, b int) bool { return out[a] < out[b] })
	return out
}

// distinct returns every indexed value with its record count.
func (idx *propertyIndex) distinct() map[string]int {
	out := make(map[string]int, len(idx.values))
	for encoded, ids := range idx.values {
		out[encoded] = len(ids)
	}
	return out
}
