package archetype

import (
	"context"
	"fmt"

	"github.com/R3E-Network/entity_layer/internal/core"
	"github.com/R3E-Network/entity_layer/internal/entity"
	"github.com/R3E-Network/entity_layer/internal/metadata"
	"github.com/R3E-Network/entity_layer/internal/query"
)

// GetOptions narrows which declared components GetEntityWithID loads.
type GetOptions struct {
	IncludeComponents []string
	ExcludeComponents []string
}

// CreateEntity instantiates an in-memory entity from a filled record.
func (a *Archetype) CreateEntity(ctx context.Context, rec *Record) (*entity.Entity, error) {
	if rec == nil || rec.archetype != a {
		return nil, core.NewValidationError("record", "record was filled by a different archetype")
	}
	e := a.manager.store.NewEntity()
	for _, className := range rec.order {
		if _, err := a.manager.store.Add(ctx, e, className, rec.writes[className]); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// CreateAndSaveEntity instantiates and persists an entity in one step.
func (a *Archetype) CreateAndSaveEntity(ctx context.Context, rec *Record) (*entity.Entity, error) {
	e, err := a.CreateEntity(ctx, rec)
	if err != nil {
		return nil, err
	}
	if err := a.manager.store.Save(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// GetEntityWithID loads one entity through a query over the archetype's
// declared components, honoring include/exclude options and nullability.
// Returns (nil, nil) when no entity matches.
func (a *Archetype) GetEntityWithID(ctx context.Context, id string, opts GetOptions) (*entity.Entity, error) {
	include := make(map[string]bool, len(opts.IncludeComponents))
	for _, c := range opts.IncludeComponents {
		include[c] = true
	}
	exclude := make(map[string]bool, len(opts.ExcludeComponents))
	for _, c := range opts.ExcludeComponents {
		exclude[c] = true
	}

	q := a.manager.queries.New().FindByID(id).Populate()
	required := 0
	for _, fieldName := range a.schema.Order {
		fs := a.schema.Fields[fieldName]
		if fs.Class == "" || fs.Kind == "union" {
			continue
		}
		if exclude[fs.Class] || (len(include) > 0 && !include[fs.Class]) {
			continue
		}
		if fs.Required {
			q = q.With(fs.Class)
			required++
		}
	}
	if required == 0 {
		// Nothing mandatory to match against; fall back to a plain load.
		return a.manager.store.FindByID(ctx, id)
	}

	results, err := q.Exec(ctx)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, nil
	}
	return results[0], nil
}

// ResolveRelations eagerly resolves every relation field of the entity.
// belongsTo reads the foreign key from the owning component; hasOne and
// hasMany scan the target archetype with a filter on the foreign key;
// belongsToMany walks the through archetype. The result maps relation
// fields to *entity.Entity or []*entity.Entity.
func (a *Archetype) ResolveRelations(ctx context.Context, e *entity.Entity) (map[string]any, error) {
	out := make(map[string]any)
	for _, r := range a.def.Relations {
		resolved, err := a.resolveRelation(ctx, e, r)
		if err != nil {
			return nil, fmt.Errorf("resolve relation %q: %w", r.Field, err)
		}
		out[r.Field] = resolved
	}
	return out, nil
}

func (a *Archetype) resolveRelation(ctx context.Context, e *entity.Entity, r RelationField) (any, error) {
	rel := r.Relation
	target, ok := a.manager.Get(rel.Target)
	if !ok {
		return nil, core.NewNotFoundError("archetype", rel.Target)
	}

	switch rel.Kind {
	case metadata.BelongsTo:
		id, err := a.foreignKeyValue(ctx, e, rel.ForeignKey)
		if err != nil || id == "" {
			return nil, err
		}
		return target.GetEntityWithID(ctx, id, GetOptions{})
	case metadata.HasOne, metadata.HasMany:
		// The foreign key lives on the target side and points back at us.
		class, key, err := splitForeignKey(rel.ForeignKey)
		if err != nil {
			return nil, err
		}
		q := a.manager.queries.New().
			With(class, query.F(key, query.OpEQ, e.ID)).
			Populate()
		results, err := q.Exec(ctx)
		if err != nil {
			return nil, err
		}
		if rel.Kind == metadata.HasOne {
			if len(results) == 0 {
				return nil, nil
			}
			return results[0], nil
		}
		return results, nil
	case metadata.BelongsToMany:
		return a.resolveThrough(ctx, e, rel)
	default:
		return nil, core.NewValidationError(r.Field, fmt.Sprintf("unknown relation kind %q", rel.Kind))
	}
}

// resolveThrough walks a belongsToMany join archetype: rows whose
// foreign key points at this entity yield the ids of the far side.
func (a *Archetype) resolveThrough(ctx context.Context, e *entity.Entity, rel metadata.RelationMeta) (any, error) {
	if rel.Through == "" || rel.ForeignKey == "" {
		return nil, core.NewValidationError("through", "belongsToMany requires through and foreignKey")
	}
	through, ok := a.manager.Get(rel.Through)
	if !ok {
		return nil, core.NewNotFoundError("archetype", rel.Through)
	}
	target, ok := a.manager.Get(rel.Target)
	if !ok {
		return nil, core.NewNotFoundError("archetype", rel.Target)
	}

	// Find the through-side relation pointing at the target to learn where
	// the far ids live.
	var farKey string
	for _, tr := range through.def.Relations {
		if tr.Relation.Kind == metadata.BelongsTo && tr.Relation.Target == rel.Target {
			farKey = tr.Relation.ForeignKey
			break
		}
	}
	if farKey == "" {
		return nil, core.NewValidationError("through",
			fmt.Sprintf("archetype %q has no belongsTo relation to %q", rel.Through, rel.Target))
	}

	nearClass, nearField, err := splitForeignKey(rel.ForeignKey)
	if err != nil {
		return nil, err
	}
	rows, err := a.manager.queries.New().
		With(nearClass, query.F(nearField, query.OpEQ, e.ID)).
		Populate().
		Exec(ctx)
	if err != nil {
		return nil, err
	}

	var resolved []*entity.Entity
	for _, row := range rows {
		id, err := through.foreignKeyValue(ctx, row, farKey)
		if err != nil {
			return nil, err
		}
		if id == "" {
			continue
		}
		far, err := target.GetEntityWithID(ctx, id, GetOptions{})
		if err != nil {
			return nil, err
		}
		if far != nil {
			resolved = append(resolved, far)
		}
	}
	return resolved, nil
}

// foreignKeyValue reads a dotted "component.field" path from the entity's
// component data.
func (a *Archetype) foreignKeyValue(ctx context.Context, e *entity.Entity, path string) (string, error) {
	class, key, err := splitForeignKey(path)
	if err != nil {
		return "", err
	}
	typeID := metadata.TypeID(class)
	if comp, ok := e.ComponentByType(typeID); ok {
		return comp.Path(key).String(), nil
	}
	data, err := a.manager.store.Component(ctx, e, class)
	if err != nil || data == nil {
		return "", err
	}
	if comp, ok := e.ComponentByType(typeID); ok {
		return comp.Path(key).String(), nil
	}
	return "", nil
}

// Unwrap returns the external record for an entity: unwrapped primitives,
// nested objects, union values with their discriminator, relation ids, and
// computed fields. Excluded fields are omitted.
func (a *Archetype) Unwrap(ctx context.Context, e *entity.Entity, exclude ...string) (map[string]any, error) {
	skip := make(map[string]bool, len(exclude))
	for _, f := range exclude {
		skip[f] = true
	}

	out := make(map[string]any)
	for _, fieldName := range a.schema.Order {
		if skip[fieldName] {
			continue
		}
		fs := a.schema.Fields[fieldName]

		switch fs.Kind {
		case "union":
			for _, className := range fs.Variants {
				data, err := a.manager.store.Component(ctx, e, className)
				if err != nil {
					return nil, err
				}
				if data != nil {
					value := cloneWithout(data, "")
					value["type"] = className
					out[fieldName] = value
					break
				}
			}
		case "reference":
			id, err := a.foreignKeyValue(ctx, e, fs.Relation.ForeignKey)
			if err != nil {
				return nil, err
			}
			if id != "" {
				out[fieldName] = id
			}
		case "references":
			// Plural relations are resolved on demand via ResolveRelations.
		case "computed":
			fn := a.def.Functions[fieldName]
			if fn == nil {
				continue
			}
			value, err := fn(ctx, e)
			if err != nil {
				return nil, fmt.Errorf("computed field %q: %w", fieldName, err)
			}
			out[fieldName] = value
		default:
			data, err := a.manager.store.Component(ctx, e, fs.Class)
			if err != nil {
				return nil, err
			}
			if data == nil {
				continue
			}
			if fs.Unwrapped {
				out[fieldName] = data["value"]
			} else {
				out[fieldName] = cloneWithout(data, "")
			}
		}
	}
	return out, nil
}
