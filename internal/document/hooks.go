package document

// Source tags whether a transaction originated locally or was merged from a peer.
type Source string

const (
	// SourceUser marks mutations made by the server process itself.
	SourceUser Source = "user"
	// SourceRemote marks mutations merged on behalf of a connected session.
	SourceRemote Source = "remote"
)

// Origin identifies who caused a transaction.
type Origin struct {
	Source    Source
	SessionID string
	UserID    string
}

// LocalOrigin is the origin of server-side mutations.
func LocalOrigin() Origin {
	return Origin{Source: SourceUser}
}

type verdictKind int

const (
	verdictAccept verdictKind = iota
	verdictReject
	verdictRewrite
)

// Verdict is the outcome of a before-hook.
type Verdict struct {
	kind   verdictKind
	record Record
}

// Accept lets the record through unchanged.
func Accept(record Record) Verdict {
	return Verdict{kind: verdictAccept, record: record}
}

// Reject drops the record from the transaction.
func Reject() Verdict {
	return Verdict{kind: verdictReject}
}

// Rewrite replaces the proposed record with another value of the same id.
func Rewrite(record Record) Verdict {
	return Verdict{kind: verdictRewrite, record: record}
}

// Rejected reports whether the verdict drops the record.
func (v Verdict) Rejected() bool {
	return v.kind == verdictReject
}

// Record returns the accepted or rewritten value.
func (v Verdict) Record() Record {
	return v.record
}

// SideEffects is the fixed set of hook points a Store calls around each record mutation.
// Before-hooks run while the transaction is being staged; after-hooks run once it is committed.
type SideEffects interface {
	BeforeCreate(origin Origin, next Record) Verdict
	BeforeChange(origin Origin, prev, next Record) Verdict
	BeforeDelete(origin Origin, prev Record) Verdict
	AfterCreate(origin Origin, record Record)
	AfterChange(origin Origin, prev, next Record)
	AfterDelete(origin Origin, prev Record)
}

type (
	BeforeCreateFunc func(origin Origin, next Record) Verdict
	BeforeChangeFunc func(origin Origin, prev, next Record) Verdict
	BeforeDeleteFunc func(origin Origin, prev Record) Verdict
	AfterCreateFunc  func(origin Origin, record Record)
	AfterChangeFunc  func(origin Origin, prev, next Record)
	AfterDeleteFunc  func(origin Origin, prev Record)
)

// Hooks is a SideEffects implementation dispatching by record type. Handlers
// registered for the empty type name apply to every type. Register handlers
// before the store starts taking writes.
type Hooks struct {
	beforeCreate map[string][]BeforeCreateFunc
	beforeChange map[string][]BeforeChangeFunc
	beforeDelete map[string][]BeforeDeleteFunc
	afterCreate  map[string][]AfterCreateFunc
	afterChange  map[string][]AfterChangeFunc
	afterDelete  map[string][]AfterDeleteFunc
}

// NewHooks returns an empty hook registry.
func NewHooks() *Hooks {
	return &Hooks{
		beforeCreate: map[string][]BeforeCreateFunc{},
		beforeChange: map[string][]BeforeChangeFunc{},
		beforeDelete: map[string][]BeforeDeleteFunc{},
		afterCreate:  map[string][]AfterCreateFunc{},
		afterChange:  map[string][]AfterChangeFunc{},
		afterDelete:  map[string][]AfterDeleteFunc{},
	}
}

// OnBeforeCreate registers fn for new records of typeName; "" matches every type.
func (h *Hooks) OnBeforeCreate(typeName string, fn BeforeCreateFunc) {
	h.beforeCreate[typeName] = append(h.beforeCreate[typeName], fn)
}

// OnBeforeChange registers fn for updates to records of typeName.
func (h *Hooks) OnBeforeChange(typeName string, fn BeforeChangeFunc) {
	h.beforeChange[typeName] = append(h.beforeChange[typeName], fn)
}

// OnBeforeDelete registers fn for removals of records of typeName.
func (h *Hooks) OnBeforeDelete(typeName string, fn BeforeDeleteFunc) {
	h.beforeDelete[typeName] = append(h.beforeDelete[typeName], fn)
}

// OnAfterCreate registers fn to run once a created record of typeName is committed.
func (h *Hooks) OnAfterCreate(typeName string, fn AfterCreateFunc) {
	h.afterCreate[typeName] = append(h.afterCreate[typeName], fn)
}

// OnAfterChange registers fn to run once an update to typeName is committed.
func (h *Hooks) OnAfterChange(typeName string, fn AfterChangeFunc) {
	h.afterChange[typeName] = append(h.afterChange[typeName], fn)
}

// OnAfterDelete registers fn to run once a removal of typeName is committed.
func (h *Hooks) OnAfterDelete(typeName string, fn AfterDeleteFunc) {
	h.afterDelete[typeName] = append(h.afterDelete[typeName], fn)
}

// BeforeCreate chains handlers; a rejection stops the chain, a rewrite feeds the next handler.
func (h *Hooks) BeforeCreate(origin Origin, next Record) Verdict {
	verdict := Accept(next)
	for _, fn := range chain(h.beforeCreate, next.TypeName()) {
		verdict = fn(origin, verdict.record)
		if verdict.Rejected() {
			return verdict
		}
	}
	return verdict
}

// BeforeChange chains handlers like BeforeCreate, passing prev unchanged to each.
func (h *Hooks) BeforeChange(origin Origin, prev, next Record) Verdict {
	verdict := Accept(next)
	for _, fn := range chain(h.beforeChange, next.TypeName()) {
		verdict = fn(origin, prev, verdict.record)
		if verdict.Rejected() {
			return verdict
		}
	}
	return verdict
}

// BeforeDelete rejects the removal when any handler rejects it.
func (h *Hooks) BeforeDelete(origin Origin, prev Record) Verdict {
	for _, fn := range chain(h.beforeDelete, prev.TypeName()) {
		if fn(origin, prev).Rejected() {
			return Reject()
		}
	}
	return Accept(prev)
}

// AfterCreate runs the global handlers, then those for the record type.
func (h *Hooks) AfterCreate(origin Origin, record Record) {
	for _, fn := range chain(h.afterCreate, record.TypeName()) {
		fn(origin, record)
	}
}

// AfterChange runs every handler registered for the updated type.
func (h *Hooks) AfterChange(origin Origin, prev, next Record) {
	for _, fn := range chain(h.afterChange, next.TypeName()) {
		fn(origin, prev, next)
	}
}

// AfterDelete runs every handler registered for the removed type.
func (h *Hooks) AfterDelete(origin Origin, prev Record) {
	for _, fn := range chain(h.afterDelete, prev.TypeName()) {
		fn(origin, prev)
	}
}

func chain[F any](handlers map[string][]F, typeName string) []F {
	global := handlers[""]
	typed := handlers[typeName]
	if len(global) == 0 {
		return typed
	}
	if len(typed) == 0 {
		return global
	}
	out := make([]F, 0, len(global)+len(typed))
	out = append(out, global...)
	return append(out, typed...)
}

// NopSideEffects accepts everything and ignores after events.
type NopSideEffects struct{}

func (NopSideEffects) BeforeCreate(_ Origin, next Record) Verdict { return Accept(next) }

func (NopSideEffects) BeforeChange(_ Origin, _ Record, next Record) Verdict { return Accept(next) }

func (NopSideEffects) BeforeDelete(_ Origin, prev Record) Verdict { return Accept(prev) }

func (NopSideEffects) AfterCreate(Origin, Record) {}

func (NopSideEffects) AfterChange(Origin, Record, Record) {}

func (NopSideEffects) AfterDelete(Origin, Record) {}

// OwnershipRule rejects remote changes and deletions of records whose ownerProp
// names a different user. Records without the property are shared.
func OwnershipRule(hooks *Hooks, ownerProp string) {
	owner := func(record Record) string {
		value, ok := record.Prop(ownerProp)
		if !ok {
			return ""
		}
		text, _ := value.(string)
		return text
	}
	hooks.OnBeforeChange("", func(origin Origin, prev, next Record) Verdict {
		if origin.Source != SourceRemote {
			return Accept(next)
		}
		current := owner(prev)
		if current != "" && current != origin.UserID {
			return Reject()
		}
		if proposed := owner(next); current == "" && proposed != "" && proposed != origin.UserID {
			return Reject()
		}
		return Accept(next)
	})
	hooks.OnBeforeCreate("", func(origin Origin, next Record) Verdict {
		if origin.Source != SourceRemote {
			return Accept(next)
		}
		if proposed := owner(next); proposed != "" && proposed != origin.UserID {
			return Reject()
		}
		return Accept(next)
	})
	hooks.OnBeforeDelete("", func(origin Origin, prev Record) Verdict {
		if origin.Source != SourceRemote {
			return Accept(prev)
		}
		if current := owner(prev); current != "" && current != origin.UserID {
			return Reject()
		}
		return Accept(prev)
	})
}
