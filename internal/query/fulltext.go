package query

import (
	"fmt"

	"github.com/R3E-Network/entity_layer/internal/core"
)

// FullTextBuilderName is the registration name of the built-in PostgreSQL
// full-text search filter builder.
const FullTextBuilderName = "fulltext"

// FullTextBuilder compiles a CUSTOM filter into a tsvector match on one
// component field. The filter value is the search phrase.
type FullTextBuilder struct {
	regconfig string
}

// NewFullTextBuilder creates the builder with the english regconfig.
func NewFullTextBuilder() *FullTextBuilder {
	return &FullTextBuilder{regconfig: "english"}
}

func (b *FullTextBuilder) Name() string { return FullTextBuilderName }

func (b *FullTextBuilder) Capabilities() Capabilities {
	return Capabilities{
		SupportsLateral: false,
		RequiresIndex:   true,
		ComplexityScore: 5,
	}
}

func (b *FullTextBuilder) Validate(f Filter) error {
	if err := validFieldKey(f.Field); err != nil {
		return err
	}
	phrase, ok := f.Value.(string)
	if !ok || phrase == "" {
		return core.NewValidationError(f.Field, "full-text search requires a non-empty string value")
	}
	return nil
}

func (b *FullTextBuilder) Build(f Filter, tableAlias string, p *ParamContext) (string, error) {
	return fmt.Sprintf(
		"to_tsvector('%s', %s.data->>'%s') @@ plainto_tsquery('%s', %s)",
		b.regconfig, tableAlias, f.Field, b.regconfig, p.Add(f.Value)), nil
}
