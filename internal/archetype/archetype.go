// Package archetype assembles named component bundles with validation
// schemas and relation metadata, and maps wire records to and from
// component rows.
package archetype

import (
	"context"
	"fmt"
	"sync"

	"github.com/R3E-Network/entity_layer/internal/core"
	"github.com/R3E-Network/entity_layer/internal/entity"
	"github.com/R3E-Network/entity_layer/internal/metadata"
	"github.com/R3E-Network/entity_layer/internal/query"
	"github.com/R3E-Network/entity_layer/pkg/logger"
)

// ComputedFunc derives a value for a computed field at Unwrap time.
type ComputedFunc func(ctx context.Context, e *entity.Entity) (any, error)

// ComponentField binds a record field to a component class.
type ComponentField struct {
	Field    string
	Class    string
	Nullable bool
}

// UnionField binds a record field to one of several component classes,
// discriminated by a "type" key or by property shape.
type UnionField struct {
	Field   string
	Classes []string
}

// RelationField binds a record field to a related archetype.
type RelationField struct {
	Field    string
	Relation metadata.RelationMeta
}

// Definition declares an archetype.
type Definition struct {
	Name       string
	Components []ComponentField
	Unions     []UnionField
	Relations  []RelationField
	Functions  map[string]ComputedFunc
	// Strict rejects unknown fields during Fill.
	Strict bool
}

// FieldSchema describes one field of the archetype's entity-facing record.
type FieldSchema struct {
	Kind     string // primitive kind, "object", "union", "reference", "references", or "computed"
	Required bool
	// Unwrapped marks a single-"value" component surfaced as its primitive.
	Unwrapped bool
	Class     string
	Fields    map[string]string // nested object: key -> kind
	Variants  []string          // union candidate classes
	Relation  *metadata.RelationMeta
}

// Schema is the compiled validation shape of an archetype record.
type Schema struct {
	Order  []string
	Fields map[string]FieldSchema
}

// Archetype is a registered definition with its compiled schema.
type Archetype struct {
	def     Definition
	schema  *Schema
	manager *Manager
}

// Name returns the archetype name.
func (a *Archetype) Name() string { return a.def.Name }

// Schema returns the compiled validation schema.
func (a *Archetype) Schema() *Schema { return a.schema }

// Manager registers archetypes and resolves them by name.
type Manager struct {
	registry *metadata.Registry
	store    *entity.Store
	queries  *query.Factory
	log      *logger.Logger

	mu         sync.RWMutex
	archetypes map[string]*Archetype
}

// NewManager creates an archetype manager.
func NewManager(registry *metadata.Registry, store *entity.Store, queries *query.Factory, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.NewDefault("archetype")
	}
	return &Manager{
		registry:   registry,
		store:      store,
		queries:    queries,
		log:        log,
		archetypes: make(map[string]*Archetype),
	}
}

// Register compiles and interns an archetype definition. All referenced
// component classes must already be registered.
func (m *Manager) Register(def Definition) (*Archetype, error) {
	if def.Name == "" {
		return nil, core.NewValidationError("name", "is required")
	}

	schema, err := m.compileSchema(def)
	if err != nil {
		return nil, err
	}

	meta := metadata.ArchetypeMeta{
		Name:       def.Name,
		Components: make(map[string]string, len(def.Components)),
		Unions:     make(map[string][]string, len(def.Unions)),
		Relations:  make(map[string]metadata.RelationMeta, len(def.Relations)),
	}
	for _, c := range def.Components {
		meta.FieldOrder = append(meta.FieldOrder, c.Field)
		meta.Components[c.Field] = c.Class
	}
	for _, u := range def.Unions {
		meta.FieldOrder = append(meta.FieldOrder, u.Field)
		meta.Unions[u.Field] = append([]string(nil), u.Classes...)
	}
	for _, r := range def.Relations {
		meta.FieldOrder = append(meta.FieldOrder, r.Field)
		meta.Relations[r.Field] = r.Relation
	}
	if err := m.registry.RegisterArchetype(meta); err != nil {
		return nil, err
	}

	a := &Archetype{def: def, schema: schema, manager: m}
	m.mu.Lock()
	m.archetypes[def.Name] = a
	m.mu.Unlock()

	m.log.WithField("archetype", def.Name).Debug("archetype registered")
	return a, nil
}

// Get returns a registered archetype by name.
func (m *Manager) Get(name string) (*Archetype, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.archetypes[name]
	return a, ok
}

// compileSchema builds the validation shape: single-"value" components
// unwrap to their primitive, complex components nest, unions carry a type
// discriminator, relations are id references.
func (m *Manager) compileSchema(def Definition) (*Schema, error) {
	schema := &Schema{Fields: make(map[string]FieldSchema)}

	add := func(field string, fs FieldSchema) error {
		if _, dup := schema.Fields[field]; dup {
			return core.NewValidationError(field, "duplicate archetype field")
		}
		schema.Fields[field] = fs
		schema.Order = append(schema.Order, field)
		return nil
	}

	for _, c := range def.Components {
		class, ok := m.registry.ComponentByName(c.Class)
		if !ok {
			return nil, fmt.Errorf("archetype %q field %q: %w", def.Name, c.Field,
				core.NewNotFoundError("component", c.Class))
		}
		fs := FieldSchema{Required: !c.Nullable, Class: c.Class}
		if unwrapped, kind := singleValueKind(class); unwrapped {
			fs.Kind = kind
			fs.Unwrapped = true
		} else {
			fs.Kind = "object"
			fs.Fields = make(map[string]string, len(class.Fields))
			for _, f := range class.Fields {
				fs.Fields[f.Key] = f.Kind.String()
			}
		}
		if err := add(c.Field, fs); err != nil {
			return nil, err
		}
	}

	for _, u := range def.Unions {
		if len(u.Classes) < 2 {
			return nil, core.NewValidationError(u.Field, "union requires at least two component classes")
		}
		for _, className := range u.Classes {
			if _, ok := m.registry.ComponentByName(className); !ok {
				return nil, fmt.Errorf("archetype %q union %q: %w", def.Name, u.Field,
					core.NewNotFoundError("component", className))
			}
		}
		if err := add(u.Field, FieldSchema{
			Kind:     "union",
			Variants: append([]string(nil), u.Classes...),
		}); err != nil {
			return nil, err
		}
	}

	for _, r := range def.Relations {
		rel := r.Relation
		kind := "reference"
		if rel.Kind.Plural() {
			kind = "references"
		}
		if err := add(r.Field, FieldSchema{
			Kind:     kind,
			Required: !rel.Nullable && rel.Kind == metadata.BelongsTo,
			Relation: &rel,
		}); err != nil {
			return nil, err
		}
	}

	for name := range def.Functions {
		if err := add(name, FieldSchema{Kind: "computed"}); err != nil {
			return nil, err
		}
	}

	return schema, nil
}

// singleValueKind reports whether the class is a single-field "value"
// component and, if so, the primitive kind it unwraps to.
func singleValueKind(class *metadata.ComponentClass) (bool, string) {
	if len(class.Fields) == 1 && class.Fields[0].Key == "value" {
		return true, class.Fields[0].Kind.String()
	}
	return false, ""
}
