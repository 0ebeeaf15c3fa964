package query

import (
	"fmt"
	"strings"

	"github.com/R3E-Network/entity_layer/internal/core"
)

// buildSQL compiles the query into one parameterized SELECT. Presence is
// served from entity_components; component data is joined only for
// components whose filters or sort key need it.
func (q *Query) buildSQL(forCount bool) (string, []any, error) {
	if q.err != nil {
		return "", nil, q.err
	}
	if len(q.withs) == 0 {
		return "", nil, core.NewValidationError("query", "at least one required component")
	}

	var sortWith *withSpec
	if q.sort != nil {
		for _, w := range q.withs {
			if w.className == q.sort.className {
				sortWith = w
				break
			}
		}
		if sortWith == nil {
			return "", nil, core.NewValidationError("sort",
				fmt.Sprintf("sort component %q must be required with With()", q.sort.className))
		}
		if sortWith.class.Field(q.sort.field) == nil {
			return "", nil, core.NewValidationError("sort",
				fmt.Sprintf("component %q has no field %q", q.sort.className, q.sort.field))
		}
		if err := validFieldKey(q.sort.field); err != nil {
			return "", nil, err
		}
	}

	p := &ParamContext{}
	var joins []string
	var conds []string

	// Assign a data join to every component that filters or sorts need.
	for i, w := range q.withs {
		if len(w.filters) == 0 && w != sortWith {
			continue
		}
		w.alias = fmt.Sprintf("c%d", i)
		joins = append(joins, fmt.Sprintf(
			"JOIN components %s ON %s.entity_id = ec.entity_id AND %s.type_id = %s AND %s.deleted_at IS NULL",
			w.alias, w.alias, w.alias, p.Add(w.typeID), w.alias))
	}

	single := len(q.withs) == 1
	if single {
		conds = append(conds, fmt.Sprintf("ec.type_id = %s", p.Add(q.withs[0].typeID)))
	} else {
		placeholders := make([]string, len(q.withs))
		for i, w := range q.withs {
			placeholders[i] = p.Add(w.typeID)
		}
		conds = append(conds, fmt.Sprintf("ec.type_id IN (%s)", strings.Join(placeholders, ", ")))
	}
	conds = append(conds, "ec.deleted_at IS NULL")

	if q.byID != "" {
		conds = append(conds, fmt.Sprintf("ec.entity_id = %s", p.Add(q.byID)))
	}

	for _, w := range q.withs {
		for _, f := range w.filters {
			frag, err := q.compileFilter(f, w, p)
			if err != nil {
				return "", nil, err
			}
			conds = append(conds, frag)
		}
	}

	for _, typeID := range q.withouts {
		conds = append(conds, fmt.Sprintf(
			"NOT EXISTS (SELECT 1 FROM entity_components x WHERE x.entity_id = ec.entity_id AND x.type_id = %s AND x.deleted_at IS NULL)",
			p.Add(typeID)))
	}

	var sortExpr string
	if q.sort != nil {
		sortExpr = fmt.Sprintf("%s.data->>'%s'", sortWith.alias, q.sort.field)
	}

	if !forCount && q.cursor != "" {
		conds = append(conds, q.cursorPredicate(sortExpr, sortWith, p))
	}

	var sb strings.Builder
	sb.WriteString("SELECT ")
	switch {
	case forCount && single:
		sb.WriteString("COUNT(DISTINCT ec.entity_id)")
	default:
		sb.WriteString("ec.entity_id")
	}
	sb.WriteString(" FROM entity_components ec")
	for _, j := range joins {
		sb.WriteString(" ")
		sb.WriteString(j)
	}
	sb.WriteString(" WHERE ")
	sb.WriteString(strings.Join(conds, " AND "))

	if !single {
		sb.WriteString(" GROUP BY ec.entity_id")
		if sortExpr != "" {
			sb.WriteString(", ")
			sb.WriteString(sortExpr)
		}
		sb.WriteString(fmt.Sprintf(" HAVING COUNT(DISTINCT ec.type_id) = %d", len(q.withs)))
	}

	if forCount {
		if single {
			return sb.String(), p.Args(), nil
		}
		// The grouped shape needs a wrapping count.
		return fmt.Sprintf("SELECT COUNT(*) FROM (%s) sub", sb.String()), p.Args(), nil
	}

	sb.WriteString(" ORDER BY ")
	if sortExpr != "" {
		sb.WriteString(fmt.Sprintf("%s %s, ", sortExpr, q.sort.dir))
	}
	sb.WriteString("ec.entity_id ASC")

	if q.limit > 0 {
		sb.WriteString(fmt.Sprintf(" LIMIT %d", q.limit))
	}
	if q.offset > 0 && q.cursor == "" {
		sb.WriteString(fmt.Sprintf(" OFFSET %d", q.offset))
	}

	return sb.String(), p.Args(), nil
}

func (q *Query) compileFilter(f Filter, w *withSpec, p *ParamContext) (string, error) {
	if f.Op == OpCustom {
		builder, ok := q.factory.builder(f.Builder)
		if !ok {
			return "", core.NewNotFoundError("filter builder", f.Builder)
		}
		if err := builder.Validate(f); err != nil {
			return "", err
		}
		return builder.Build(f, w.alias, p)
	}

	field := w.class.Field(f.Field)
	if field == nil {
		return "", core.NewValidationError(f.Field,
			fmt.Sprintf("component %q has no such field", w.className))
	}
	return fragment(f, w.alias, field, p)
}

// cursorPredicate appends the keyset condition for cursor pagination. The
// cursor row's sort value is resolved with an embedded scalar subquery so
// pagination stays a single round trip. The entity id tie-break is always
// ascending, so "after the cursor" on the id axis is > in both directions.
func (q *Query) cursorPredicate(sortExpr string, sortWith *withSpec, p *ParamContext) string {
	cursorParam := p.Add(q.cursor)
	if sortExpr == "" {
		return fmt.Sprintf("ec.entity_id > %s", cursorParam)
	}

	sub := fmt.Sprintf(
		"(SELECT cur.data->>'%s' FROM components cur WHERE cur.entity_id = %s AND cur.type_id = %s AND cur.deleted_at IS NULL)",
		q.sort.field, cursorParam, p.Add(sortWith.typeID))

	cmp := ">"
	if q.sort.dir == DESC {
		cmp = "<"
	}
	return fmt.Sprintf("(%s %s %s OR (%s = %s AND ec.entity_id > %s))",
		sortExpr, cmp, sub, sortExpr, sub, cursorParam)
}
