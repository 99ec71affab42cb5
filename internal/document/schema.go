package document

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Scope classifies how a record type is persisted and synchronised.
type Scope string

const (
	// ScopeDocument records are persisted and synced to every session.
	ScopeDocument Scope = "document"
	// ScopeSession records are synced to every session but never persisted.
	ScopeSession Scope = "session"
	// ScopePresence records carry ephemeral per-user cursor and selection state.
	ScopePresence Scope = "presence"
)

var (
	// ErrUnknownType indicates a record whose type is not registered in the schema.
	ErrUnknownType = errors.New("document: unknown record type")
	// ErrUnknownScope indicates a scope name outside document, session and presence.
	ErrUnknownScope = errors.New("document: unknown scope")
	// ErrSnapshotTooNew indicates a snapshot written by a newer schema.
	ErrSnapshotTooNew = errors.New("document: snapshot schema version is newer than supported")
	// ErrMigrationFailed wraps a failing snapshot migration step.
	ErrMigrationFailed = errors.New("document: snapshot migration failed")
)

// ParseScope maps a wire scope name onto a Scope. "instance" is accepted as an alias of session.
func ParseScope(raw string) (Scope, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ScopeDocument):
		return ScopeDocument, nil
	case string(ScopeSession), "instance":
		return ScopeSession, nil
	case string(ScopePresence):
		return ScopePresence, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownScope, raw)
	}
}

// ScopeSet is a set of scopes used to filter change entries.
type ScopeSet map[Scope]struct{}

// NewScopeSet builds a set from the given scopes.
func NewScopeSet(scopes ...Scope) ScopeSet {
	set := make(ScopeSet, len(scopes))
	for _, scope := range scopes {
		set[scope] = struct{}{}
	}
	return set
}

// AllScopes returns a set containing every scope.
func AllScopes() ScopeSet {
	return NewScopeSet(ScopeDocument, ScopeSession, ScopePresence)
}

// Has reports whether the scope is part of the set. An empty set matches nothing.
func (set ScopeSet) Has(scope Scope) bool {
	_, ok := set[scope]
	return ok
}

// RecordType describes validation and scope for one record type.
type RecordType struct {
	Name     string
	Scope    Scope
	Validate func(Record) error
}

// SnapshotMigration upgrades the records of a snapshot written at Version-1 to Version.
type SnapshotMigration struct {
	Version int
	Name    string
	Up      func(records []Record) ([]Record, error)
}

// Schema is the set of known record types plus the snapshot migration chain.
type Schema struct {
	types      map[string]RecordType
	version    int
	migrations []SnapshotMigration
}

// NewSchema registers record types. The schema version equals the highest migration version.
func NewSchema(types []RecordType, migrations ...SnapshotMigration) (*Schema, error) {
	schema := &Schema{types: make(map[string]RecordType, len(types))}
	for _, recordType := range types {
		name := strings.TrimSpace(recordType.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: empty type name", ErrInvalidRecord)
		}
		if _, exists := schema.types[name]; exists {
			return nil, fmt.Errorf("%w: duplicate type %q", ErrInvalidRecord, name)
		}
		if _, err := ParseScope(string(recordType.Scope)); err != nil {
			return nil, err
		}
		schema.types[name] = recordType
	}
	ordered := append([]SnapshotMigration(nil), migrations...)
	sort.Slice(ordered, func(a, b int) bool { return ordered[a].Version < ordered[b].Version })
	for index, migration := range ordered {
		if migration.Version != index+1 {
			return nil, fmt.Errorf("%w: expected version %d, got %d", ErrMigrationFailed, index+1, migration.Version)
		}
		if migration.Up == nil {
			return nil, fmt.Errorf("%w: migration %d has no Up func", ErrMigrationFailed, migration.Version)
		}
	}
	schema.migrations = ordered
	schema.version = len(ordered)
	return schema, nil
}

// Version returns the snapshot schema version produced by this schema.
func (s *Schema) Version() int {
	return s.version
}

// Type returns the registered type for name.
func (s *Schema) Type(name string) (RecordType, bool) {
	recordType, ok := s.types[name]
	return recordType, ok
}

// ScopeOf returns the scope of a record type, or false when unknown.
func (s *Schema) ScopeOf(typeName string) (Scope, bool) {
	recordType, ok := s.types[typeName]
	if !ok {
		return "", false
	}
	return recordType.Scope, true
}

// Validate checks structural rules and the per-type validator.
func (s *Schema) Validate(record Record) error {
	if record.IsZero() {
		return fmt.Errorf("%w: zero record", ErrInvalidRecord)
	}
	recordType, ok := s.types[record.TypeName()]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownType, record.TypeName())
	}
	if record.ID().TypeName() != record.TypeName() {
		return fmt.Errorf("%w: id %q does not match type %q", ErrInvalidRecord, record.ID(), record.TypeName())
	}
	if recordType.Validate != nil {
		if err := recordType.Validate(record); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidRecord, record.ID(), err)
		}
	}
	return nil
}

// Migrate brings a snapshot forward to the current schema version.
func (s *Schema) Migrate(snapshot Snapshot) (Snapshot, error) {
	if snapshot.SchemaVersion > s.version {
		return Snapshot{}, fmt.Errorf("%w: %d > %d", ErrSnapshotTooNew, snapshot.SchemaVersion, s.version)
	}
	records := append([]Record(nil), snapshot.Records...)
	for _, migration := range s.migrations {
		if migration.Version <= snapshot.SchemaVersion {
			continue
		}
		migrated, err := migration.Up(records)
		if err != nil {
			return Snapshot{}, fmt.Errorf("%w: %d %s: %v", ErrMigrationFailed, migration.Version, migration.Name, err)
		}
		records = migrated
	}
	return Snapshot{
		SchemaVersion: s.version,
		Epoch:         snapshot.Epoch,
		Records:       records,
	}, nil
}

const (
	TypeDocument          = "document"
	TypePage              = "page"
	TypeShape             = "shape"
	TypeBinding           = "binding"
	TypeAsset             = "asset"
	TypeCamera            = "camera"
	TypeInstance          = "instance"
	TypeInstancePageState = "instance_page_state"
	TypeInstancePresence  = "instance_presence"
	TypePointer           = "pointer"
)

// DefaultSchema returns the whiteboard record schema.
func DefaultSchema() *Schema {
	schema, err := NewSchema([]RecordType{
		{Name: TypeDocument, Scope: ScopeDocument},
		{Name: TypePage, Scope: ScopeDocument, Validate: requireString("name")},
		{Name: TypeShape, Scope: ScopeDocument, Validate: validateShape},
		{Name: TypeBinding, Scope: ScopeDocument},
		{Name: TypeAsset, Scope: ScopeDocument},
		{Name: TypeCamera, Scope: ScopeSession},
		{Name: TypeInstance, Scope: ScopeSession},
		{Name: TypeInstancePageState, Scope: ScopeSession},
		{Name: TypeInstancePresence, Scope: ScopePresence},
		{Name: TypePointer, Scope: ScopePresence},
	}, SnapshotMigration{
		Version: 1,
		Name:    "shape_parent_defaults_to_page",
		Up:      migrateShapeParents,
	})
	if err != nil {
		panic(err)
	}
	return schema
}

func requireString(key string) func(Record) error {
	return func(record Record) error {
		value, ok := record.Prop(key)
		if !ok {
			return fmt.Errorf("missing %q", key)
		}
		if _, isString := value.(string); !isString {
			return fmt.Errorf("%q must be a string", key)
		}
		return nil
	}
}

func validateShape(record Record) error {
	for _, key := range []string{"x", "y", "rotation", "opacity"} {
		value, ok := record.Prop(key)
		if !ok {
			continue
		}
		if _, isNumber := value.(float64); !isNumber {
			return fmt.Errorf("%q must be a number", key)
		}
	}
	if value, ok := record.Prop("parentId"); ok {
		parent, isString := value.(string)
		if !isString {
			return fmt.Errorf("parentId must be a string")
		}
		if _, err := NewRecordID(parent); err != nil {
			return fmt.Errorf("parentId: %v", err)
		}
	}
	return nil
}

// Version 0 snapshots stored shapes without a parent; they all lived on page:page.
func migrateShapeParents(records []Record) ([]Record, error) {
	out := make([]Record, 0, len(records))
	for _, record := range records {
		if record.TypeName() == TypeShape {
			if _, ok := record.Prop("parentId"); !ok {
				updated, err := record.With("parentId", "page:page")
				if err != nil {
					return nil, err
				}
				record = updated
			}
		}
		out = append(out, record)
	}
	return out, nil
}
