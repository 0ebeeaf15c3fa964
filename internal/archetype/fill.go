package archetype

import (
	"fmt"
	"strings"

	"github.com/R3E-Network/entity_layer/internal/core"
	"github.com/R3E-Network/entity_layer/internal/metadata"
)

// Record is the result of projecting a wire record onto per-component
// writes. It is consumed by CreateEntity / CreateAndSaveEntity.
type Record struct {
	archetype *Archetype
	// writes maps component class name -> data document.
	writes map[string]map[string]any
	order  []string
}

// Writes exposes the per-component write set, keyed by class name.
func (r *Record) Writes() map[string]map[string]any { return r.writes }

// Fill projects an external record into per-component writes. Known fields
// are copied into their component, union values are classified by
// discriminator or property shape, and relation references are written
// through their foreign-key path. Unknown fields fail in strict mode and
// are silently stripped otherwise.
func (a *Archetype) Fill(input map[string]any) (*Record, error) {
	rec := &Record{
		archetype: a,
		writes:    make(map[string]map[string]any),
	}

	write := func(class string, data map[string]any) {
		if existing, ok := rec.writes[class]; ok {
			for k, v := range data {
				existing[k] = v
			}
			return
		}
		rec.writes[class] = data
		rec.order = append(rec.order, class)
	}

	for key, value := range input {
		fs, known := a.schema.Fields[key]
		if !known {
			if a.def.Strict {
				return nil, core.NewValidationError(key, "unknown field")
			}
			continue
		}

		switch fs.Kind {
		case "union":
			class, data, err := a.classifyUnion(key, fs, value)
			if err != nil {
				return nil, err
			}
			write(class, data)
		case "reference", "references":
			if err := a.fillRelation(key, fs, value, write); err != nil {
				return nil, err
			}
		case "computed":
			return nil, core.NewValidationError(key, "computed fields are read-only")
		case "object":
			data, ok := value.(map[string]any)
			if !ok {
				return nil, core.NewValidationError(key, "expected an object")
			}
			for k := range data {
				if _, exists := fs.Fields[k]; !exists {
					if a.def.Strict {
						return nil, core.NewValidationError(key+"."+k, "unknown field")
					}
					delete(data, k)
				}
			}
			write(fs.Class, data)
		default:
			// Unwrapped primitive component.
			write(fs.Class, map[string]any{"value": value})
		}
	}

	for _, fieldName := range a.schema.Order {
		fs := a.schema.Fields[fieldName]
		if !fs.Required || fs.Class == "" {
			continue
		}
		if _, ok := rec.writes[fs.Class]; !ok {
			return nil, core.NewValidationError(fieldName, "is required")
		}
	}

	return rec, nil
}

// classifyUnion picks the component class a union value belongs to: by the
// "type" discriminator when present, otherwise by property shape. Ambiguity
// is an error rather than a silent first-declared fallback.
func (a *Archetype) classifyUnion(field string, fs FieldSchema, value any) (string, map[string]any, error) {
	data, ok := value.(map[string]any)
	if !ok {
		return "", nil, core.NewValidationError(field, "union value must be an object")
	}

	if disc, ok := data["type"].(string); ok && disc != "" {
		for _, className := range fs.Variants {
			if className == disc {
				payload := cloneWithout(data, "type")
				return className, payload, nil
			}
		}
		return "", nil, core.NewValidationError(field,
			fmt.Sprintf("discriminator %q matches no union variant", disc))
	}

	var matches []string
	for _, className := range fs.Variants {
		class, ok := a.manager.registry.ComponentByName(className)
		if !ok {
			continue
		}
		if shapeMatches(data, classKeys(class.Fields)) {
			matches = append(matches, className)
		}
	}
	switch len(matches) {
	case 1:
		return matches[0], cloneWithout(data, ""), nil
	case 0:
		return "", nil, core.NewValidationError(field, "value matches no union variant")
	default:
		return "", nil, core.NewValidationError(field,
			fmt.Sprintf("value is ambiguous between variants %s", strings.Join(matches, ", ")))
	}
}

// fillRelation writes a reference id (or ids) through the relation's
// foreign-key path "component.field" on the owning side.
func (a *Archetype) fillRelation(field string, fs FieldSchema, value any, write func(string, map[string]any)) error {
	rel := fs.Relation
	if rel.Kind.Plural() {
		// Plural relations live on the target side; nothing to write here.
		return nil
	}
	if rel.ForeignKey == "" {
		return core.NewValidationError(field, "relation has no foreign key")
	}
	id, ok := value.(string)
	if !ok {
		if value == nil && rel.Nullable {
			return nil
		}
		return core.NewValidationError(field, "expected an entity id reference")
	}

	class, key, err := splitForeignKey(rel.ForeignKey)
	if err != nil {
		return core.NewValidationError(field, err.Error())
	}
	write(class, map[string]any{key: id})
	return nil
}

// splitForeignKey splits a dotted "component.field" path.
func splitForeignKey(path string) (component, field string, err error) {
	parts := strings.SplitN(path, ".", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("foreign key %q must be a component.field path", path)
	}
	return parts[0], parts[1], nil
}

func classKeys(fields []metadata.Field) map[string]bool {
	keys := make(map[string]bool, len(fields))
	for _, f := range fields {
		keys[f.Key] = true
	}
	return keys
}

func shapeMatches(data map[string]any, keys map[string]bool) bool {
	if len(data) == 0 {
		return false
	}
	for k := range data {
		if !keys[k] {
			return false
		}
	}
	return true
}

func cloneWithout(data map[string]any, drop string) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		if drop != "" && k == drop {
			continue
		}
		out[k] = v
	}
	return out
}
