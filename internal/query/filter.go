// Package query implements the declarative entity query engine: a fluent
// builder over component presence and JSONB field predicates, compiled to
// parameterized SQL.
package query

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/R3E-Network/entity_layer/internal/core"
	"github.com/R3E-Network/entity_layer/internal/metadata"
)

// Op enumerates filter predicate operators.
type Op string

const (
	OpEQ        Op = "EQ"
	OpNEQ       Op = "NEQ"
	OpGT        Op = "GT"
	OpGTE       Op = "GTE"
	OpLT        Op = "LT"
	OpLTE       Op = "LTE"
	OpLIKE      Op = "LIKE"
	OpIN        Op = "IN"
	OpNotIn     Op = "NOT_IN"
	OpIsNull    Op = "IS_NULL"
	OpIsNotNull Op = "IS_NOT_NULL"
	OpBetween   Op = "BETWEEN"
	OpCustom    Op = "CUSTOM"
)

// Filter is one predicate over a component field.
type Filter struct {
	Field string
	Op    Op
	Value any
	// Builder names the custom filter builder for OpCustom.
	Builder string
}

// F is a shorthand filter constructor.
func F(field string, op Op, value any) Filter {
	return Filter{Field: field, Op: op, Value: value}
}

// ParamContext accumulates query parameters and hands out $n placeholders.
type ParamContext struct {
	args []any
}

// Add appends a parameter and returns its placeholder.
func (p *ParamContext) Add(v any) string {
	p.args = append(p.args, v)
	return fmt.Sprintf("$%d", len(p.args))
}

// Args returns the accumulated parameter values.
func (p *ParamContext) Args() []any {
	return p.args
}

// Capabilities describes what a custom filter builder needs and costs.
type Capabilities struct {
	SupportsLateral bool
	RequiresIndex   bool
	ComplexityScore int
}

// FilterBuilder contributes an SQL fragment for a custom filter. The
// fragment must reference only the given table alias and placeholders
// obtained from the ParamContext.
type FilterBuilder interface {
	Name() string
	Capabilities() Capabilities
	Validate(f Filter) error
	Build(f Filter, tableAlias string, p *ParamContext) (string, error)
}

var fieldKeyPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// validFieldKey guards field keys before they are interpolated into
// data->>'key' expressions.
func validFieldKey(key string) error {
	if key == "" || len(key) > 64 || !fieldKeyPattern.MatchString(key) {
		return core.NewValidationError("field", fmt.Sprintf("%q is not a valid field key", key))
	}
	return nil
}

// fragment compiles one filter into an SQL condition against the given
// component table alias.
func fragment(f Filter, alias string, field *metadata.Field, p *ParamContext) (string, error) {
	if err := validFieldKey(f.Field); err != nil {
		return "", err
	}

	textExpr := fmt.Sprintf("%s.data->>'%s'", alias, f.Field)
	expr := textExpr
	if field != nil && field.Kind.Numeric() {
		expr = fmt.Sprintf("(%s.data->>'%s')::numeric", alias, f.Field)
	}

	switch f.Op {
	case OpEQ:
		return fmt.Sprintf("%s = %s", expr, p.Add(f.Value)), nil
	case OpNEQ:
		return fmt.Sprintf("%s <> %s", expr, p.Add(f.Value)), nil
	case OpGT:
		return fmt.Sprintf("%s > %s", expr, p.Add(f.Value)), nil
	case OpGTE:
		return fmt.Sprintf("%s >= %s", expr, p.Add(f.Value)), nil
	case OpLT:
		return fmt.Sprintf("%s < %s", expr, p.Add(f.Value)), nil
	case OpLTE:
		return fmt.Sprintf("%s <= %s", expr, p.Add(f.Value)), nil
	case OpLIKE:
		// Wildcards come from the caller; values are not wrapped here.
		return fmt.Sprintf("%s LIKE %s", textExpr, p.Add(f.Value)), nil
	case OpIN, OpNotIn:
		values, err := toSlice(f.Value)
		if err != nil {
			return "", core.NewValidationError(f.Field, err.Error())
		}
		if len(values) == 0 {
			// An empty IN list is a contradiction, not a SQL error; an
			// empty NOT IN excludes nothing.
			if f.Op == OpIN {
				return "1 = 0", nil
			}
			return "1 = 1", nil
		}
		placeholders := make([]string, len(values))
		for i, v := range values {
			placeholders[i] = p.Add(v)
		}
		op := "IN"
		if f.Op == OpNotIn {
			op = "NOT IN"
		}
		return fmt.Sprintf("%s %s (%s)", expr, op, strings.Join(placeholders, ", ")), nil
	case OpIsNull:
		return fmt.Sprintf("%s IS NULL", textExpr), nil
	case OpIsNotNull:
		return fmt.Sprintf("%s IS NOT NULL", textExpr), nil
	case OpBetween:
		bounds, err := toSlice(f.Value)
		if err != nil || len(bounds) != 2 {
			return "", core.NewValidationError(f.Field, "BETWEEN requires exactly two bounds")
		}
		return fmt.Sprintf("%s BETWEEN %s AND %s", expr, p.Add(bounds[0]), p.Add(bounds[1])), nil
	default:
		return "", core.NewValidationError(f.Field, fmt.Sprintf("unknown operator %q", f.Op))
	}
}

// toSlice normalizes any slice-typed value into []any.
func toSlice(v any) ([]any, error) {
	if v == nil {
		return nil, nil
	}
	if s, ok := v.([]any); ok {
		return s, nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, fmt.Errorf("expected a slice value, got %T", v)
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, nil
}
