package archetype

import (
	"fmt"

	"github.com/R3E-Network/entity_layer/internal/core"
	"github.com/R3E-Network/entity_layer/internal/query"
)

// filterOps maps the operator names accepted in end-user filter input.
var filterOps = map[string]query.Op{
	"EQ":          query.OpEQ,
	"NEQ":         query.OpNEQ,
	"GT":          query.OpGT,
	"GTE":         query.OpGTE,
	"LT":          query.OpLT,
	"LTE":         query.OpLTE,
	"LIKE":        query.OpLIKE,
	"IN":          query.OpIN,
	"NOT_IN":      query.OpNotIn,
	"IS_NULL":     query.OpIsNull,
	"IS_NOT_NULL": query.OpIsNotNull,
	"BETWEEN":     query.OpBetween,
}

// FilterSchema describes which archetype fields accept filters and how.
// Consumed by schema generators layered on top of the runtime.
func (a *Archetype) FilterSchema() map[string]any {
	out := make(map[string]any)
	for _, fieldName := range a.schema.Order {
		fs := a.schema.Fields[fieldName]
		if fs.Class == "" || fs.Kind == "union" {
			continue
		}
		if fs.Unwrapped {
			out[fieldName] = map[string]any{
				"type":      fs.Kind,
				"component": fs.Class,
				"field":     "value",
			}
			continue
		}
		nested := make(map[string]any, len(fs.Fields))
		for key, kind := range fs.Fields {
			nested[key] = map[string]any{
				"type":      kind,
				"component": fs.Class,
				"field":     key,
			}
		}
		out[fieldName] = nested
	}
	return out
}

// BuildFilterBranches compiles end-user filter input into per-component
// filter lists consumed by the query engine. Scalar values mean equality;
// operator maps ({"GT": 5}) select other predicates. Nested objects filter
// fields of complex components.
func (a *Archetype) BuildFilterBranches(input map[string]any) (map[string][]query.Filter, error) {
	branches := make(map[string][]query.Filter)

	for fieldName, value := range input {
		fs, ok := a.schema.Fields[fieldName]
		if !ok {
			return nil, core.NewValidationError(fieldName, "unknown filter field")
		}
		if fs.Class == "" || fs.Kind == "union" {
			return nil, core.NewValidationError(fieldName, "field is not filterable")
		}

		if fs.Unwrapped {
			filters, err := compileFieldFilters("value", value)
			if err != nil {
				return nil, fmt.Errorf("filter %q: %w", fieldName, err)
			}
			branches[fs.Class] = append(branches[fs.Class], filters...)
			continue
		}

		nested, ok := value.(map[string]any)
		if !ok {
			return nil, core.NewValidationError(fieldName, "complex component filter must be an object")
		}
		for key, nestedValue := range nested {
			if _, exists := fs.Fields[key]; !exists {
				return nil, core.NewValidationError(fieldName+"."+key, "unknown filter field")
			}
			filters, err := compileFieldFilters(key, nestedValue)
			if err != nil {
				return nil, fmt.Errorf("filter %q.%s: %w", fieldName, key, err)
			}
			branches[fs.Class] = append(branches[fs.Class], filters...)
		}
	}

	return branches, nil
}

// compileFieldFilters turns one filter value into predicates: a scalar is
// equality, an operator map yields one predicate per entry.
func compileFieldFilters(field string, value any) ([]query.Filter, error) {
	opMap, ok := value.(map[string]any)
	if !ok {
		return []query.Filter{query.F(field, query.OpEQ, value)}, nil
	}

	var filters []query.Filter
	for opName, operand := range opMap {
		op, ok := filterOps[opName]
		if !ok {
			return nil, core.NewValidationError(field, fmt.Sprintf("unknown operator %q", opName))
		}
		filters = append(filters, query.F(field, op, operand))
	}
	if len(filters) == 0 {
		return nil, core.NewValidationError(field, "empty operator map")
	}
	return filters, nil
}
