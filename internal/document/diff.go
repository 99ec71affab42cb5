package document

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Update pairs the value before and after a change.
type Update struct {
	Before Record
	After  Record
}

// MarshalJSON encodes the update as [before, after].
func (u Update) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]Record{u.Before, u.After})
}

// UnmarshalJSON decodes [before, after].
func (u *Update) UnmarshalJSON(data []byte) error {
	var pair [2]Record
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if pair[0].ID() != pair[1].ID() {
		return fmt.Errorf("%w: update pair ids differ (%s, %s)", ErrInvalidRecord, pair[0].ID(), pair[1].ID())
	}
	u.Before, u.After = pair[0], pair[1]
	return nil
}

// Diff is the added/updated/removed delta of one or more transactions.
// A record id appears in at most one of the three maps.
type Diff struct {
	Added   map[RecordID]Record `json:"added"`
	Updated map[RecordID]Update `json:"updated"`
	Removed map[RecordID]Record `json:"removed"`
}

// NewDiff returns an empty diff with allocated maps.
func NewDiff() Diff {
	return Diff{
		Added:   map[RecordID]Record{},
		Updated: map[RecordID]Update{},
		Removed: map[RecordID]Record{},
	}
}

// IsEmpty reports whether the diff carries no change.
func (d Diff) IsEmpty() bool {
	return len(d.Added) == 0 && len(d.Updated) == 0 && len(d.Removed) == 0
}

// Len counts the records touched by the diff.
func (d Diff) Len() int {
	return len(d.Added) + len(d.Updated) + len(d.Removed)
}

// IDs returns every touched id in sorted order.
func (d Diff) IDs() []RecordID {
	ids := make([]RecordID, 0, d.Len())
	for id := range d.Added {
		ids = append(ids, id)
	}
	for id := range d.Updated {
		ids = append(ids, id)
	}
	for id := range d.Removed {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })
	return ids
}

// Clone returns a diff with independent maps. Records are immutable and shared.
func (d Diff) Clone() Diff {
	out := NewDiff()
	for id, record := range d.Added {
		out.Added[id] = record
	}
	for id, update := range d.Updated {
		out.Updated[id] = update
	}
	for id, record := range d.Removed {
		out.Removed[id] = record
	}
	return out
}

// FilterScopes keeps only records whose type belongs to one of scopes.
// Records of types unknown to the schema are dropped.
func (d Diff) FilterScopes(schema *Schema, scopes ScopeSet) Diff {
	keep := func(record Record) bool {
		scope, ok := schema.ScopeOf(record.TypeName())
		return ok && scopes.Has(scope)
	}
	out := NewDiff()
	for id, record := range d.Added {
		if keep(record) {
			out.Added[id] = record
		}
	}
	for id, update := range d.Updated {
		if keep(update.After) {
			out.Updated[id] = update
		}
	}
	for id, record := range d.Removed {
		if keep(record) {
			out.Removed[id] = record
		}
	}
	return out
}

// Squash folds diffs in order into one diff equivalent to applying them in sequence.
func Squash(diffs ...Diff) Diff {
	out := NewDiff()
	for _, diff := range diffs {
		for id, record := range diff.Added {
			if removed, ok := out.Removed[id]; ok {
				delete(out.Removed, id)
				if !removed.Equal(record) {
					out.Updated[id] = Update{Before: removed, After: record}
				}
				continue
			}
			out.Added[id] = record
		}
		for id, update := range diff.Updated {
			if _, ok := out.Added[id]; ok {
				out.Added[id] = update.After
				continue
			}
			if existing, ok := out.Updated[id]; ok {
				if existing.Before.Equal(update.After) {
					delete(out.Updated, id)
					continue
				}
				out.Updated[id] = Update{Before: existing.Before, After: update.After}
				continue
			}
			out.Updated[id] = update
		}
		for id, record := range diff.Removed {
			if _, ok := out.Added[id]; ok {
				delete(out.Added, id)
				continue
			}
			if existing, ok := out.Updated[id]; ok {
				delete(out.Updated, id)
				out.Removed[id] = existing.Before
				continue
			}
			out.Removed[id] = record
		}
	}
	return out
}

// ApplyTo replays the diff onto a plain id->record map.
func (d Diff) ApplyTo(records map[RecordID]Record) {
	for id := range d.Removed {
		delete(records, id)
	}
	for id, record := range d.Added {
		records[id] = record
	}
	for id, update := range d.Updated {
		records[id] = update.After
	}
}

// Mutation is a client-proposed change: records to put and ids to remove.
type Mutation struct {
	Put    []Record   `json:"put,omitempty"`
	Remove []RecordID `json:"remove,omitempty"`
}

// IsEmpty reports whether the mutation proposes nothing.
func (m Mutation) IsEmpty() bool {
	return len(m.Put) == 0 && len(m.Remove) == 0
}

// Mutation converts the diff into the puts and removes that reproduce it.
func (d Diff) Mutation() Mutation {
	mutation := Mutation{}
	for _, id := range d.IDs() {
		if record, ok := d.Added[id]; ok {
			mutation.Put = append(mutation.Put, record)
			continue
		}
		if update, ok := d.Updated[id]; ok {
			mutation.Put = append(mutation.Put, update.After)
			continue
		}
		mutation.Remove = append(mutation.Remove, id)
	}
	return mutation
}
