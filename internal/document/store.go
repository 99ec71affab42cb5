package document

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

const defaultHistoryCapacity = 1000

// ChangeEntry is the diff produced by one committed transaction.
type ChangeEntry struct {
	Diff      Diff
	Origin    Origin
	FromEpoch uint64
	Epoch     uint64
}

// Source returns the source tag of the transaction.
func (e ChangeEntry) Source() Source {
	return e.Origin.Source
}

// Listener receives committed change entries. Listeners run while the store
// holds its notification lock and must not write to the same store synchronously.
type Listener func(ChangeEntry)

// ApplyResult reports the outcome of one transaction.
type ApplyResult struct {
	// Entry is nil when the transaction changed nothing.
	Entry *ChangeEntry
	// Epoch is the store epoch after the transaction.
	Epoch uint64
	// Corrections brings a client that already applied the proposed mutation
	// back in line with the committed state.
	Corrections Diff
}

// Committed reports whether the transaction advanced the epoch.
func (r ApplyResult) Committed() bool {
	return r.Entry != nil
}

// StoreConfig configures a Store.
type StoreConfig struct {
	Schema          *Schema
	SideEffects     SideEffects
	HistoryCapacity int
	Initial         *Snapshot
	Logger          *zap.Logger
}

type subscription struct {
	id       uint64
	scopes   ScopeSet
	listener Listener
}

// Store is an in-memory table of records with an epoch clock, bounded change
// history, scope-filtered subscriptions and incremental property indexes.
type Store struct {
	schema      *Schema
	sideEffects SideEffects
	logger      *zap.Logger

	mu      sync.RWMutex
	records map[RecordID]Record
	epoch   uint64
	history *HistoryBuffer
	indexes map[indexKey]*propertyIndex

	notifyMu      sync.Mutex
	subscribersMu sync.Mutex
	subscribers   []subscription
	nextSubID     uint64
}

// NewStore builds a store, seeding it from cfg.Initial when present. The store
// epoch starts at the snapshot epoch with empty history.
func NewStore(cfg StoreConfig) (*Store, error) {
	schema := cfg.Schema
	if schema == nil {
		schema = DefaultSchema()
	}
	sideEffects := cfg.SideEffects
	if sideEffects == nil {
		sideEffects = NopSideEffects{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	capacity := cfg.HistoryCapacity
	if capacity <= 0 {
		capacity = defaultHistoryCapacity
	}
	store := &Store{
		schema:      schema,
		sideEffects: sideEffects,
		logger:      logger,
		records:     map[RecordID]Record{},
		history:     NewHistoryBuffer(capacity),
		indexes:     map[indexKey]*propertyIndex{},
	}
	if cfg.Initial != nil {
		for _, record := range cfg.Initial.Records {
			if err := schema.Validate(record); err != nil {
				return nil, fmt.Errorf("seed store: %w", err)
			}
			store.records[record.ID()] = record
		}
		store.epoch = cfg.Initial.Epoch
	}
	return store, nil
}

// Schema returns the schema the store validates against.
func (s *Store) Schema() *Schema {
	return s.schema
}

// Epoch returns the epoch of the last committed transaction.
func (s *Store) Epoch() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.epoch
}

// Get returns the current value of a record.
func (s *Store) Get(id RecordID) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[id]
	return record, ok
}

// Has reports whether a record exists.
func (s *Store) Has(id RecordID) bool {
	_, ok := s.Get(id)
	return ok
}

// Len returns the number of records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Records returns every record in the given scopes, ordered by id, together with
// the epoch they were read at.
func (s *Store) Records(scopes ScopeSet) ([]Record, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, 0, len(s.records))
	for _, record := range s.records {
		scope, ok := s.schema.ScopeOf(record.TypeName())
		if ok && scopes.Has(scope) {
			out = append(out, record)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID() < out[b].ID() })
	return out, s.epoch
}

// Snapshot captures the persisted (document-scope) state.
func (s *Store) Snapshot() Snapshot {
	records, epoch := s.Records(NewScopeSet(ScopeDocument))
	return Snapshot{SchemaVersion: s.schema.Version(), Epoch: epoch, Records: records}
}

// DiffSince returns the squashed diff covering (since, current] and the current
// epoch, read atomically. ErrResyncRequired means the history no longer covers since.
func (s *Store) DiffSince(since uint64) (Diff, uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	diffs, err := s.history.Since(since, s.epoch)
	if err != nil {
		return Diff{}, s.epoch, err
	}
	return Squash(diffs...), s.epoch, nil
}

// Subscribe registers a listener for entries touching any of scopes. Each entry is
// delivered once, filtered to those scopes, in epoch order.
func (s *Store) Subscribe(scopes ScopeSet, listener Listener) func() {
	s.subscribersMu.Lock()
	s.nextSubID++
	id := s.nextSubID
	s.subscribers = append(s.subscribers, subscription{id: id, scopes: scopes, listener: listener})
	s.subscribersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subscribersMu.Lock()
			defer s.subscribersMu.Unlock()
			for index, sub := range s.subscribers {
				if sub.id == id {
					s.subscribers = append(s.subscribers[:index:index], s.subscribers[index+1:]...)
					return
				}
			}
		})
	}
}

// Put inserts or updates records in one transaction.
func (s *Store) Put(origin Origin, records ...Record) (ApplyResult, error) {
	return s.Apply(origin, Mutation{Put: records})
}

// Remove deletes records in one transaction. Unknown ids are ignored.
func (s *Store) Remove(origin Origin, ids ...RecordID) (ApplyResult, error) {
	return s.Apply(origin, Mutation{Remove: ids})
}

// MergeRemote applies a diff produced elsewhere with a remote origin.
func (s *Store) MergeRemote(origin Origin, diff Diff) (ApplyResult, error) {
	origin.Source = SourceRemote
	return s.Apply(origin, diff.Mutation())
}

// Apply runs before-hooks and validation for every put and remove, then commits
// the survivors as a single transaction. A vetoed record is excluded; a record
// that fails validation fails the whole call with nothing committed.
func (s *Store) Apply(origin Origin, mutation Mutation) (ApplyResult, error) {
	s.mu.Lock()
	diff, corrections, err := s.stageLocked(origin, mutation)
	if err != nil {
		s.mu.Unlock()
		return ApplyResult{}, err
	}
	if diff.IsEmpty() {
		epoch := s.epoch
		s.mu.Unlock()
		return ApplyResult{Epoch: epoch, Corrections: corrections}, nil
	}

	diff.ApplyTo(s.records)
	for _, idx := range s.indexes {
		idx.apply(diff)
	}
	entry := ChangeEntry{Diff: diff, Origin: origin, FromEpoch: s.epoch, Epoch: s.epoch + 1}
	s.epoch = entry.Epoch
	s.history.Push(entry.FromEpoch, entry.Epoch, diff)

	s.notifyMu.Lock()
	s.mu.Unlock()
	s.notify(entry)
	s.notifyMu.Unlock()

	s.runAfterHooks(origin, diff)
	return ApplyResult{Entry: &entry, Epoch: entry.Epoch, Corrections: corrections}, nil
}

// Corrective returns the diff that reverts a client which applied mutation
// locally back to the store's current state.
func (s *Store) Corrective(mutation Mutation) Diff {
	s.mu.RLock()
	defer s.mu.RUnlock()
	corrections := NewDiff()
	for _, proposed := range mutation.Put {
		current, exists := s.records[proposed.ID()]
		switch {
		case !exists:
			corrections.Removed[proposed.ID()] = proposed
		case !current.Equal(proposed):
			corrections.Updated[proposed.ID()] = Update{Before: proposed, After: current}
		}
	}
	for _, id := range mutation.Remove {
		if current, exists := s.records[id]; exists {
			corrections.Added[id] = current
		}
	}
	return corrections
}

func (s *Store) stageLocked(origin Origin, mutation Mutation) (Diff, Diff, error) {
	overlay := map[RecordID]*Record{}
	lookup := func(id RecordID) (Record, bool) {
		if staged, ok := overlay[id]; ok {
			if staged == nil {
				return Record{}, false
			}
			return *staged, true
		}
		record, ok := s.records[id]
		return record, ok
	}
	corrections := NewDiff()

	for _, proposed := range mutation.Put {
		if proposed.IsZero() {
			return Diff{}, Diff{}, fmt.Errorf("%w: zero record in put", ErrInvalidRecord)
		}
		id := proposed.ID()
		prev, exists := lookup(id)
		var verdict Verdict
		if exists {
			verdict = s.guardBefore(id, origin, func() Verdict { return s.sideEffects.BeforeChange(origin, prev, proposed) })
		} else {
			verdict = s.guardBefore(id, origin, func() Verdict { return s.sideEffects.BeforeCreate(origin, proposed) })
		}
		if verdict.Rejected() {
			s.logger.Debug("record vetoed",
				zap.String("record_id", id.String()),
				zap.String("session_id", origin.SessionID))
			if exists {
				corrections.Updated[id] = Update{Before: proposed, After: prev}
			} else {
				corrections.Removed[id] = proposed
			}
			continue
		}
		next := verdict.Record()
		if next.ID() != id {
			return Diff{}, Diff{}, fmt.Errorf("%w: hook rewrote %s to %s", ErrInvalidRecord, id, next.ID())
		}
		if err := s.schema.Validate(next); err != nil {
			return Diff{}, Diff{}, err
		}
		if exists && prev.TypeName() != next.TypeName() {
			return Diff{}, Diff{}, fmt.Errorf("%w: %s changes type %q to %q", ErrInvalidRecord, id, prev.TypeName(), next.TypeName())
		}
		if !next.Equal(proposed) {
			corrections.Updated[id] = Update{Before: proposed, After: next}
		}
		staged := next
		overlay[id] = &staged
	}

	for _, id := range mutation.Remove {
		prev, exists := lookup(id)
		if !exists {
			continue
		}
		verdict := s.guardBefore(id, origin, func() Verdict { return s.sideEffects.BeforeDelete(origin, prev) })
		if verdict.Rejected() {
			s.logger.Debug("record deletion vetoed",
				zap.String("record_id", id.String()),
				zap.String("session_id", origin.SessionID))
			corrections.Added[id] = prev
			delete(corrections.Removed, id)
			delete(corrections.Updated, id)
			continue
		}
		overlay[id] = nil
	}

	diff := NewDiff()
	for id, staged := range overlay {
		prev, existed := s.records[id]
		switch {
		case staged == nil && existed:
			diff.Removed[id] = prev
		case staged != nil && !existed:
			diff.Added[id] = *staged
		case staged != nil && existed && !prev.Equal(*staged):
			diff.Updated[id] = Update{Before: prev, After: *staged}
		}
	}
	return diff, corrections, nil
}

func (s *Store) notify(entry ChangeEntry) {
	s.subscribersMu.Lock()
	subscribers := append([]subscription(nil), s.subscribers...)
	s.subscribersMu.Unlock()
	for _, sub := range subscribers {
		filtered := entry.Diff.FilterScopes(s.schema, sub.scopes)
		if filtered.IsEmpty() {
			continue
		}
		scoped := entry
		scoped.Diff = filtered
		sub.listener(scoped)
	}
}

func (s *Store) runAfterHooks(origin Origin, diff Diff) {
	for _, id := range diff.IDs() {
		if record, ok := diff.Added[id]; ok {
			s.guardAfter(id, origin, func() { s.sideEffects.AfterCreate(origin, record) })
			continue
		}
		if update, ok := diff.Updated[id]; ok {
			s.guardAfter(id, origin, func() { s.sideEffects.AfterChange(origin, update.Before, update.After) })
			continue
		}
		removed := diff.Removed[id]
		s.guardAfter(id, origin, func() { s.sideEffects.AfterDelete(origin, removed) })
	}
}

// guardBefore runs a before hook; a hook that panics vetoes the record.
func (s *Store) guardBefore(id RecordID, origin Origin, run func() Verdict) (verdict Verdict) {
	defer func() {
		if recovered := recover(); recovered != nil {
			s.logger.Error("before hook panicked",
				zap.String("record_id", id.String()),
				zap.String("session_id", origin.SessionID),
				zap.Any("panic", recovered),
				zap.Stack("stack"))
			verdict = Reject()
		}
	}()
	return run()
}

// guardAfter runs an after hook; a panic is logged and the remaining hooks still run.
func (s *Store) guardAfter(id RecordID, origin Origin, run func()) {
	defer func() {
		if recovered := recover(); recovered != nil {
			s.logger.Error("after hook panicked",
				zap.String("record_id", id.String()),
				zap.String("session_id", origin.SessionID),
				zap.Any("panic", recovered),
				zap.Stack("stack"))
		}
	}()
	run()
}

// AddIndex builds an index on path for records of typeName. It is a no-op when
// the index already exists.
func (s *Store) AddIndex(typeName, path string) {
	key := indexKey{typeName: typeName, path: path}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureIndexLocked(key)
}

func (s *Store) ensureIndexLocked(key indexKey) *propertyIndex {
	if idx, ok := s.indexes[key]; ok {
		return idx
	}
	idx := newPropertyIndex(key)
	for _, record := range s.records {
		idx.add(record)
	}
	s.indexes[key] = idx
	return idx
}

// Query returns the records of typeName whose value at path equals value,
// ordered by id. The first query on a path builds its index.
func (s *Store) Query(typeName, path string, value any) []Record {
	key := indexKey{typeName: typeName, path: path}
	s.mu.RLock()
	idx, ok := s.indexes[key]
	if !ok {
		s.mu.RUnlock()
		s.mu.Lock()
		idx = s.ensureIndexLocked(key)
		s.mu.Unlock()
		s.mu.RLock()
	}
	defer s.mu.RUnlock()
	ids := idx.lookup(IndexValue(value))
	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.records[id])
	}
	return out
}

// Distinct returns each value held at path by records of typeName, keyed by
// its JSON text (strings quoted), with its count.
func (s *Store) Distinct(typeName, path string) map[string]int {
	s.AddIndex(typeName, path)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.indexes[indexKey{typeName: typeName, path: path}].distinct()
}
