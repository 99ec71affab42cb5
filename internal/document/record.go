package document

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
)

const (
	fieldID       = "id"
	fieldTypeName = "typeName"
	idSeparator   = ":"
	maxIDLength   = 190
)

var (
	// ErrInvalidRecordID indicates that a record identifier is malformed.
	ErrInvalidRecordID = errors.New("document: invalid record id")
	// ErrInvalidRecord indicates that a record failed structural validation.
	ErrInvalidRecord = errors.New("document: invalid record")
)

// RecordID identifies a record as "<typeName>:<uniquePart>".
type RecordID string

// NewRecordID validates raw input and returns a RecordID.
func NewRecordID(rawInput string) (RecordID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidRecordID)
	}
	if len(trimmed) > maxIDLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidRecordID, maxIDLength)
	}
	typeName, unique, found := strings.Cut(trimmed, idSeparator)
	if !found || typeName == "" || unique == "" {
		return "", fmt.Errorf("%w: %q is not <type>:<id>", ErrInvalidRecordID, trimmed)
	}
	return RecordID(trimmed), nil
}

// String returns the underlying identifier.
func (id RecordID) String() string {
	return string(id)
}

// TypeName returns the type prefix of the identifier.
func (id RecordID) TypeName() string {
	typeName, _, _ := strings.Cut(string(id), idSeparator)
	return typeName
}

// Record is an immutable typed value. Mutating helpers return a new Record.
type Record struct {
	id       RecordID
	typeName string
	props    map[string]any
}

// NewRecord builds a record from its identity and properties. The properties are
// deep-copied so later changes to the input map are not observed.
func NewRecord(id RecordID, typeName string, props map[string]any) (Record, error) {
	if id == "" {
		return Record{}, fmt.Errorf("%w: empty id", ErrInvalidRecord)
	}
	if strings.TrimSpace(typeName) == "" {
		return Record{}, fmt.Errorf("%w: empty type name", ErrInvalidRecord)
	}
	cleaned := make(map[string]any, len(props))
	for key, value := range props {
		if key == fieldID || key == fieldTypeName {
			continue
		}
		normalized, err := normalizeValue(value)
		if err != nil {
			return Record{}, fmt.Errorf("%w: property %q: %v", ErrInvalidRecord, key, err)
		}
		cleaned[key] = normalized
	}
	return Record{id: id, typeName: typeName, props: cleaned}, nil
}

// MustRecord is NewRecord for static values; it panics on error.
func MustRecord(id RecordID, typeName string, props map[string]any) Record {
	record, err := NewRecord(id, typeName, props)
	if err != nil {
		panic(err)
	}
	return record
}

// ID returns the record identifier.
func (r Record) ID() RecordID {
	return r.id
}

// TypeName returns the record type.
func (r Record) TypeName() string {
	return r.typeName
}

// IsZero reports whether the record is the zero value.
func (r Record) IsZero() bool {
	return r.id == ""
}

// Prop returns a copy of a top-level property.
func (r Record) Prop(key string) (any, bool) {
	value, ok := r.props[key]
	if !ok {
		return nil, false
	}
	return cloneValue(value), true
}

// Lookup resolves a dotted property path such as "props.color".
func (r Record) Lookup(path string) (any, bool) {
	switch path {
	case fieldID:
		return string(r.id), true
	case fieldTypeName:
		return r.typeName, true
	}
	segments := strings.Split(path, ".")
	var current any = r.props
	for _, segment := range segments {
		object, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = object[segment]
		if !ok {
			return nil, false
		}
	}
	return cloneValue(current), true
}

// Props returns a deep copy of the record properties.
func (r Record) Props() map[string]any {
	copied, _ := cloneValue(r.props).(map[string]any)
	if copied == nil {
		copied = map[string]any{}
	}
	return copied
}

// With returns a copy of the record with one top-level property replaced.
func (r Record) With(key string, value any) (Record, error) {
	props := r.Props()
	props[key] = value
	return NewRecord(r.id, r.typeName, props)
}

// Without returns a copy of the record with a top-level property removed.
func (r Record) Without(key string) Record {
	props := r.Props()
	delete(props, key)
	return Record{id: r.id, typeName: r.typeName, props: props}
}

// Equal reports whether two records hold the same identity and values.
func (r Record) Equal(other Record) bool {
	if r.id != other.id || r.typeName != other.typeName {
		return false
	}
	if len(r.props) != len(other.props) {
		return false
	}
	return reflect.DeepEqual(r.props, other.props)
}

// MarshalJSON encodes the record as a flat object.
func (r Record) MarshalJSON() ([]byte, error) {
	flat := make(map[string]any, len(r.props)+2)
	for key, value := range r.props {
		flat[key] = value
	}
	flat[fieldID] = string(r.id)
	flat[fieldTypeName] = r.typeName
	return json.Marshal(flat)
}

// UnmarshalJSON decodes a flat record object.
func (r *Record) UnmarshalJSON(data []byte) error {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	var flat map[string]any
	if err := decoder.Decode(&flat); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	rawID, _ := flat[fieldID].(string)
	id, err := NewRecordID(rawID)
	if err != nil {
		return err
	}
	typeName, _ := flat[fieldTypeName].(string)
	record, err := NewRecord(id, typeName, flat)
	if err != nil {
		return err
	}
	*r = record
	return nil
}

// String renders the record for logs.
func (r Record) String() string {
	keys := make([]string, 0, len(r.props))
	for key := range r.props {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return fmt.Sprintf("%s(%s)%v", r.id, r.typeName, keys)
}

func normalizeValue(value any) (any, error) {
	switch typed := value.(type) {
	case nil, string, bool, float64:
		return typed, nil
	case float32:
		return float64(typed), nil
	case int:
		return float64(typed), nil
	case int8:
		return float64(typed), nil
	case int16:
		return float64(typed), nil
	case int32:
		return float64(typed), nil
	case int64:
		return float64(typed), nil
	case uint:
		return float64(typed), nil
	case uint8:
		return float64(typed), nil
	case uint16:
		return float64(typed), nil
	case uint32:
		return float64(typed), nil
	case uint64:
		return float64(typed), nil
	case json.Number:
		return typed.Float64()
	case map[string]any:
		out := make(map[string]any, len(typed))
		for key, nested := range typed {
			normalized, err := normalizeValue(nested)
			if err != nil {
				return nil, err
			}
			out[key] = normalized
		}
		return out, nil
	case []any:
		out := make([]any, len(typed))
		for index, nested := range typed {
			normalized, err := normalizeValue(nested)
			if err != nil {
				return nil, err
			}
			out[index] = normalized
		}
		return out, nil
	default:
		// Fall back to a JSON round trip for typed slices, structs and maps.
		encoded, err := json.Marshal(typed)
		if err != nil {
			return nil, err
		}
		decoder := json.NewDecoder(bytes.NewReader(encoded))
		decoder.UseNumber()
		var generic any
		if err := decoder.Decode(&generic); err != nil {
			return nil, err
		}
		return normalizeValue(generic)
	}
}

func cloneValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(typed))
		for key, nested := range typed {
			out[key] = cloneValue(nested)
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for index, nested := range typed {
			out[index] = cloneValue(nested)
		}
		return out
	default:
		return typed
	}
}
