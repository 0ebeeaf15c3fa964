// Package metadata is the canonical directory of component classes, their
// fields and indexes, and archetype metadata. Everything else in the entity
// layer refers to classes and archetypes by name and resolves them here.
package metadata

// Kind enumerates the field types a component may carry.
type Kind int

const (
	KindString Kind = iota
	KindInt
	KindFloat
	KindBool
	KindTimestamp
	KindEnum
	KindArray
	KindObject
)

// String returns the lowercase name of the kind.
func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	case KindTimestamp:
		return "timestamp"
	case KindEnum:
		return "enum"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	default:
		return "unknown"
	}
}

// Numeric reports whether values of this kind compare numerically.
func (k Kind) Numeric() bool {
	return k == KindInt || k == KindFloat
}

// Field describes one field of a component class.
type Field struct {
	Key        string
	Kind       Kind
	Nullable   bool
	Indexed    bool
	EnumValues []string // for KindEnum
	ElemKind   Kind     // for KindArray
}

// IndexKind enumerates the supported index strategies over component data.
type IndexKind string

const (
	IndexGIN       IndexKind = "gin"
	IndexBTree     IndexKind = "btree"
	IndexHash      IndexKind = "hash"
	IndexNumeric   IndexKind = "numeric"
	IndexComposite IndexKind = "composite"
)

// IndexSpec declares an index over one or more data fields.
type IndexSpec struct {
	Field  string    // single-field index
	Fields []string  // composite index
	Kind   IndexKind
}

// ComponentClass declares a component type: its name, ordered fields, and
// index specs. Classes are immutable once registered.
type ComponentClass struct {
	Name    string
	Fields  []Field
	Indexes []IndexSpec
}

// Field returns the descriptor for key, or nil if the class has no such field.
func (c *ComponentClass) Field(key string) *Field {
	for i := range c.Fields {
		if c.Fields[i].Key == key {
			return &c.Fields[i]
		}
	}
	return nil
}

// RelationKind enumerates archetype relation kinds.
type RelationKind string

const (
	HasOne        RelationKind = "hasOne"
	HasMany       RelationKind = "hasMany"
	BelongsTo     RelationKind = "belongsTo"
	BelongsToMany RelationKind = "belongsToMany"
)

// Plural reports whether the relation resolves to a list of entities.
func (k RelationKind) Plural() bool {
	return k == HasMany || k == BelongsToMany
}

// RelationMeta describes one relation field of an archetype. Targets are
// archetype names; resolution is always a registry lookup, never a pointer.
type RelationMeta struct {
	Target     string
	Kind       RelationKind
	ForeignKey string // dotted "component.field" path on the owning side
	Through    string // join archetype for belongsToMany
	Nullable   bool
	Cascade    bool
}

// ArchetypeMeta is the registry-resident description of an archetype. The
// component and union maps refer to component classes by name.
type ArchetypeMeta struct {
	Name       string
	FieldOrder []string            // declaration order of component, union and relation fields
	Components map[string]string   // field -> component class name
	Unions     map[string][]string // field -> candidate component class names
	Relations  map[string]RelationMeta
}
