package query

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/R3E-Network/entity_layer/internal/core"
	"github.com/R3E-Network/entity_layer/internal/entity"
	"github.com/R3E-Network/entity_layer/internal/metadata"
	"github.com/R3E-Network/entity_layer/pkg/logger"
	"github.com/R3E-Network/entity_layer/pkg/metrics"
)

// Direction orders a sort key.
type Direction string

const (
	ASC  Direction = "ASC"
	DESC Direction = "DESC"
)

// Loader hydrates entities for populated results.
type Loader interface {
	LoadMultiple(ctx context.Context, ids []string) ([]*entity.Entity, error)
}

// Factory builds queries bound to a database, registry, and loader, and
// holds registered custom filter builders.
type Factory struct {
	db       *sqlx.DB
	registry *metadata.Registry
	loader   Loader
	log      *logger.Logger
	metrics  *metrics.Metrics

	mu       sync.RWMutex
	builders map[string]FilterBuilder
}

// NewFactory creates a query factory.
func NewFactory(db *sqlx.DB, registry *metadata.Registry, loader Loader, log *logger.Logger, m *metrics.Metrics) *Factory {
	if log == nil {
		log = logger.NewDefault("query")
	}
	f := &Factory{
		db:       db,
		registry: registry,
		loader:   loader,
		log:      log,
		metrics:  m,
		builders: make(map[string]FilterBuilder),
	}
	// Full-text search ships as the reference custom builder.
	f.builders[FullTextBuilderName] = NewFullTextBuilder()
	return f
}

// RegisterFilterBuilder adds a custom filter builder under its name.
func (f *Factory) RegisterFilterBuilder(b FilterBuilder) error {
	if b == nil || b.Name() == "" {
		return core.NewValidationError("builder", "name is required")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.builders[b.Name()]; ok {
		return fmt.Errorf("filter builder %q: %w", b.Name(), core.ErrConflict)
	}
	f.builders[b.Name()] = b
	return nil
}

func (f *Factory) builder(name string) (FilterBuilder, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	b, ok := f.builders[name]
	return b, ok
}

// New starts an empty query.
func (f *Factory) New() *Query {
	return &Query{factory: f}
}

type withSpec struct {
	className string
	typeID    string
	class     *metadata.ComponentClass
	filters   []Filter
	alias     string // set during planning when component data is joined
}

type sortSpec struct {
	className string
	field     string
	dir       Direction
}

// Query is a declarative entity selection. All builder methods return the
// query itself; errors surface at Exec or Count.
type Query struct {
	factory *Factory

	withs    []*withSpec
	withouts []string // type ids
	byID     string
	sort     *sortSpec
	limit    int
	offset   int
	cursor   string
	populate bool

	err error
}

// With requires the named component, optionally constrained by filters.
func (q *Query) With(className string, filters ...Filter) *Query {
	if q.err != nil {
		return q
	}
	class, ok := q.factory.registry.ComponentByName(className)
	if !ok {
		q.err = core.NewNotFoundError("component", className)
		return q
	}
	for _, w := range q.withs {
		if w.className == className {
			w.filters = append(w.filters, filters...)
			return q
		}
	}
	q.withs = append(q.withs, &withSpec{
		className: className,
		typeID:    metadata.TypeID(className),
		class:     class,
		filters:   filters,
	})
	return q
}

// Without forbids the named component.
func (q *Query) Without(className string) *Query {
	if q.err != nil {
		return q
	}
	if _, ok := q.factory.registry.ComponentByName(className); !ok {
		q.err = core.NewNotFoundError("component", className)
		return q
	}
	q.withouts = append(q.withouts, metadata.TypeID(className))
	return q
}

// FindByID constrains the query to a single entity.
func (q *Query) FindByID(id string) *Query {
	q.byID = id
	return q
}

// SortBy sets the primary ordering key. The component must also be
// required via With.
func (q *Query) SortBy(className, field string, dir Direction) *Query {
	if q.err != nil {
		return q
	}
	if dir != ASC && dir != DESC {
		q.err = core.NewValidationError("sort", fmt.Sprintf("invalid direction %q", dir))
		return q
	}
	q.sort = &sortSpec{className: className, field: field, dir: dir}
	return q
}

// Take limits the number of returned entities.
func (q *Query) Take(n int) *Query {
	q.limit = n
	return q
}

// Offset skips the first n entities. Cost grows with n; prefer Cursor.
func (q *Query) Offset(n int) *Query {
	q.offset = n
	return q
}

// Cursor resumes after the entity id returned as the last row of the
// previous page. Keyset pagination; O(1) regardless of depth.
func (q *Query) Cursor(entityID string) *Query {
	q.cursor = entityID
	return q
}

// Populate hydrates component data for returned entities in one bulk load.
func (q *Query) Populate() *Query {
	q.populate = true
	return q
}

// Exec runs the query and returns matching entities.
func (q *Query) Exec(ctx context.Context) ([]*entity.Entity, error) {
	start := time.Now()
	result, err := q.exec(ctx)
	q.observe("exec", start, err)
	return result, err
}

func (q *Query) exec(ctx context.Context) ([]*entity.Entity, error) {
	sqlText, args, err := q.buildSQL(false)
	if err != nil {
		return nil, err
	}

	rows, err := q.factory.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, core.NewStoreError("query", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, core.NewStoreError("scan query row", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, core.NewStoreError("query", err)
	}

	if q.populate && q.factory.loader != nil {
		return q.factory.loader.LoadMultiple(ctx, ids)
	}

	out := make([]*entity.Entity, len(ids))
	for i, id := range ids {
		out[i] = entity.NewHandle(id)
	}
	return out, nil
}

// Count returns the cardinality of the result set without materializing it.
func (q *Query) Count(ctx context.Context) (int64, error) {
	start := time.Now()
	count, err := q.count(ctx)
	q.observe("count", start, err)
	return count, err
}

func (q *Query) count(ctx context.Context) (int64, error) {
	sqlText, args, err := q.buildSQL(true)
	if err != nil {
		return 0, err
	}
	var count int64
	if err := q.factory.db.QueryRowContext(ctx, sqlText, args...).Scan(&count); err != nil {
		return 0, core.NewStoreError("count", err)
	}
	return count, nil
}

func (q *Query) observe(mode string, start time.Time, err error) {
	if q.factory.metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	q.factory.metrics.QueriesTotal.WithLabelValues(mode, status).Inc()
	q.factory.metrics.QueryDuration.Observe(time.Since(start).Seconds())
}
