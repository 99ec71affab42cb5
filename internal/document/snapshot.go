package document

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Snapshot is the persisted form of a store: its document-scope records,
// the epoch they were read at and the schema version that wrote them.
type Snapshot struct {
	SchemaVersion int      `json:"schemaVersion"`
	Epoch         uint64   `json:"epoch"`
	Records       []Record `json:"records"`
}

// DecodeSnapshot parses a JSON snapshot.
func DecodeSnapshot(payload []byte) (Snapshot, error) {
	var snapshot Snapshot
	if err := json.Unmarshal(payload, &snapshot); err != nil {
		return Snapshot{}, fmt.Errorf("%w: decode snapshot: %v", ErrInvalidRecord, err)
	}
	if snapshot.SchemaVersion < 0 {
		return Snapshot{}, fmt.Errorf("%w: negative schema version", ErrInvalidRecord)
	}
	return snapshot, nil
}

// Encode renders the snapshot as JSON with records ordered by id.
func (s Snapshot) Encode() ([]byte, error) {
	ordered := s
	ordered.Records = sortedRecords(s.Records)
	if ordered.Records == nil {
		ordered.Records = []Record{}
	}
	return json.Marshal(ordered)
}

// RecordMap indexes the snapshot records by id.
func (s Snapshot) RecordMap() map[RecordID]Record {
	out := make(map[RecordID]Record, len(s.Records))
	for _, record := range s.Records {
		out[record.ID()] = record
	}
	return out
}

// Equal compares two snapshots ignoring record order.
func (s Snapshot) Equal(other Snapshot) bool {
	if s.SchemaVersion != other.SchemaVersion || s.Epoch != other.Epoch {
		return false
	}
	return RecordsEqual(s.Records, other.Records)
}

// RecordsEqual compares two record sets ignoring order.
func RecordsEqual(left, right []Record) bool {
	if len(left) != len(right) {
		return false
	}
	byID := make(map[RecordID]Record, len(left))
	for _, record := range left {
		byID[record.ID()] = record
	}
	for _, record := range right {
		match, ok := byID[record.ID()]
		if !ok || !match.Equal(record) {
			return false
		}
	}
	return true
}

func sortedRecords(records []Record) []Record {
	out := append([]Record(nil), records...)
	sort.Slice(out, func(a, b int) bool { return out[a].ID() < out[b].ID() })
	return out
}
