// Package schema keeps the physical PostgreSQL schema in sync with the
// metadata registry: base tables, per-component LIST partitions, and JSONB
// path indexes.
package schema

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/R3E-Network/entity_layer/internal/core"
	"github.com/R3E-Network/entity_layer/internal/metadata"
	"github.com/R3E-Network/entity_layer/pkg/logger"
	"github.com/R3E-Network/entity_layer/pkg/metrics"
)

// Partition strategies reported by PartitionStrategy.
const (
	StrategyList = "list"
	StrategyHash = "hash"
)

// Postgres error codes the index creation path tolerates.
const (
	pgDuplicateObject = "42P07"
	pgDeadlock        = "40P01"
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// numericGuard keeps the partial numeric index from casting non-numeric text.
const numericGuard = `^-?[0-9]+(\.[0-9]+)?$`

// Manager creates and evolves the backing tables for registered components.
type Manager struct {
	db       *sqlx.DB
	registry *metadata.Registry
	log      *logger.Logger
	metrics  *metrics.Metrics
}

// NewManager creates a schema manager.
func NewManager(db *sqlx.DB, registry *metadata.Registry, log *logger.Logger, m *metrics.Metrics) *Manager {
	if log == nil {
		log = logger.NewDefault("schema")
	}
	return &Manager{db: db, registry: registry, log: log, metrics: m}
}

// NormalizeIdentifier lowercases a component class name and maps it onto the
// SQL identifier allow-list. Anything that cannot be expressed as a safe
// identifier is rejected rather than quoted.
func NormalizeIdentifier(name string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	normalized = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			return r
		case r == '-' || r == '.' || r == ' ':
			return '_'
		default:
			return -1
		}
	}, normalized)

	if normalized == "" || len(normalized) > 64 || !identifierPattern.MatchString(normalized) {
		return "", core.NewValidationError("identifier", fmt.Sprintf("%q is not a valid SQL identifier", name))
	}
	return normalized, nil
}

// PartitionName returns the partition table name for a component class.
func PartitionName(className string) (string, error) {
	normalized, err := NormalizeIdentifier(className)
	if err != nil {
		return "", err
	}
	name := "components_" + normalized
	if len(name) > 64 {
		return "", core.NewValidationError("identifier", fmt.Sprintf("partition name for %q exceeds 64 chars", className))
	}
	return name, nil
}

// EnsureComponentStorage provisions the partition and indexes for a class,
// then refreshes planner statistics.
func (m *Manager) EnsureComponentStorage(ctx context.Context, class *metadata.ComponentClass) error {
	if err := m.EnsurePartition(ctx, class); err != nil {
		return err
	}
	if err := m.EnsureIndexes(ctx, class); err != nil {
		return err
	}
	partition, err := PartitionName(class.Name)
	if err != nil {
		return err
	}
	return m.AnalyzeTable(ctx, partition)
}

// EnsurePartition creates the LIST partition for a component class if it
// does not exist yet.
func (m *Manager) EnsurePartition(ctx context.Context, class *metadata.ComponentClass) error {
	partition, err := PartitionName(class.Name)
	if err != nil {
		return err
	}
	typeID := metadata.TypeID(class.Name)

	exists, err := m.tableExists(ctx, partition)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	ddl := fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s PARTITION OF components FOR VALUES IN ($1)",
		partition,
	)
	// Partition bounds cannot be parameterized; the type id is a hex digest
	// computed locally, never caller input.
	ddl = strings.Replace(ddl, "$1", fmt.Sprintf("'%s'", typeID), 1)

	if _, err := m.db.ExecContext(ctx, ddl); err != nil {
		if recovered, rerr := m.recoverRace(ctx, err, func(ctx context.Context) (bool, error) {
			return m.tableExists(ctx, partition)
		}); rerr != nil {
			return rerr
		} else if !recovered {
			return fmt.Errorf("create partition %s: %w", partition, err)
		}
	}

	if m.metrics != nil {
		m.metrics.PartitionsCreated.Inc()
	}
	m.log.WithField("partition", partition).Info("component partition created")
	return nil
}

// EnsureIndexes creates the declared indexes for a component class. With a
// HASH-partitioned parent the indexes go on the parent table instead; there
// index creation must be blocking, as PostgreSQL rejects CONCURRENTLY on
// partitioned tables.
func (m *Manager) EnsureIndexes(ctx context.Context, class *metadata.ComponentClass) error {
	strategy, err := m.PartitionStrategy(ctx)
	if err != nil {
		return err
	}

	table, err := PartitionName(class.Name)
	if err != nil {
		return err
	}
	concurrent := true
	if strategy == StrategyHash {
		table = "components"
		concurrent = false
	}

	specs := indexSpecs(class)
	for _, spec := range specs {
		if err := m.ensureIndex(ctx, table, spec, concurrent); err != nil {
			return err
		}
	}
	if len(specs) > 0 {
		return m.AnalyzeTable(ctx, table)
	}
	return nil
}

// indexSpecs merges declared index specs with fields flagged as indexed
// (which default to a btree index).
func indexSpecs(class *metadata.ComponentClass) []metadata.IndexSpec {
	var specs []metadata.IndexSpec
	declared := make(map[string]bool)
	for _, spec := range class.Indexes {
		specs = append(specs, spec)
		if spec.Field != "" {
			declared[spec.Field] = true
		}
	}
	for _, f := range class.Fields {
		if f.Indexed && !declared[f.Key] {
			kind := metadata.IndexBTree
			if f.Kind.Numeric() {
				kind = metadata.IndexNumeric
			}
			specs = append(specs, metadata.IndexSpec{Field: f.Key, Kind: kind})
		}
	}
	return specs
}

func (m *Manager) ensureIndex(ctx context.Context, table string, spec metadata.IndexSpec, concurrent bool) error {
	name, expr, where, err := indexDefinition(table, spec)
	if err != nil {
		return err
	}

	exists, err := m.indexExists(ctx, table, name)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	mode := ""
	if concurrent {
		mode = "CONCURRENTLY "
	}
	ddl := fmt.Sprintf("CREATE INDEX %sIF NOT EXISTS %s ON %s %s", mode, name, table, expr)
	if where != "" {
		ddl += " WHERE " + where
	}

	if _, err := m.db.ExecContext(ctx, ddl); err != nil {
		recovered, rerr := m.recoverRace(ctx, err, func(ctx context.Context) (bool, error) {
			return m.indexExists(ctx, table, name)
		})
		if rerr != nil {
			return rerr
		}
		if !recovered {
			return fmt.Errorf("create index %s: %w", name, err)
		}
	}

	if m.metrics != nil {
		m.metrics.IndexesCreated.WithLabelValues(string(spec.Kind)).Inc()
	}
	m.log.WithField("index", name).WithField("table", table).Debug("index created")
	return nil
}

// validFieldKey guards JSON field keys before interpolation into index
// expressions. Keys are case-sensitive document keys, not SQL identifiers,
// so they are validated but never rewritten.
func validFieldKey(key string) error {
	if key == "" || len(key) > 64 || !identifierPattern.MatchString(key) {
		return core.NewValidationError("field", fmt.Sprintf("%q is not a valid field key", key))
	}
	return nil
}

// indexDefinition returns the index name, the USING/expression clause, and
// an optional partial predicate.
func indexDefinition(table string, spec metadata.IndexSpec) (name, expr, where string, err error) {
	switch spec.Kind {
	case metadata.IndexComposite:
		if len(spec.Fields) < 2 {
			return "", "", "", core.NewValidationError("index", "composite index requires at least two fields")
		}
		parts := make([]string, len(spec.Fields))
		keys := make([]string, len(spec.Fields))
		for i, f := range spec.Fields {
			if ferr := validFieldKey(f); ferr != nil {
				return "", "", "", ferr
			}
			parts[i] = fmt.Sprintf("(data->>'%s')", f)
			keys[i] = strings.ToLower(f)
		}
		name = fmt.Sprintf("idx_%s_%s", table, strings.Join(keys, "_"))
		expr = "(" + strings.Join(parts, ", ") + ")"
	default:
		if ferr := validFieldKey(spec.Field); ferr != nil {
			return "", "", "", ferr
		}
		field := spec.Field
		switch spec.Kind {
		case metadata.IndexGIN:
			name = fmt.Sprintf("idx_%s_%s_gin", table, field)
			expr = fmt.Sprintf("USING gin ((data->'%s') jsonb_path_ops)", field)
		case metadata.IndexBTree:
			name = fmt.Sprintf("idx_%s_%s", table, field)
			expr = fmt.Sprintf("((data->>'%s'))", field)
		case metadata.IndexHash:
			name = fmt.Sprintf("idx_%s_%s_hash", table, field)
			expr = fmt.Sprintf("USING hash ((data->>'%s'))", field)
		case metadata.IndexNumeric:
			name = fmt.Sprintf("idx_%s_%s_num", table, field)
			expr = fmt.Sprintf("(((data->>'%s')::numeric))", field)
			where = fmt.Sprintf("data->>'%s' ~ '%s'", field, numericGuard)
		default:
			return "", "", "", core.NewValidationError("index", fmt.Sprintf("unknown index kind %q", spec.Kind))
		}
	}
	if len(name) > 63 {
		name = name[:63]
	}
	return name, expr, where, nil
}

// recoverRace inspects a DDL failure for duplicate-object and deadlock
// codes; if the object turns out to exist post-fact, the race is benign.
func (m *Manager) recoverRace(ctx context.Context, err error, check func(context.Context) (bool, error)) (bool, error) {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false, nil
	}
	if string(pqErr.Code) != pgDuplicateObject && string(pqErr.Code) != pgDeadlock {
		return false, nil
	}
	exists, cerr := check(ctx)
	if cerr != nil {
		return false, cerr
	}
	return exists, nil
}

// PartitionStrategy reports whether the components parent table is LIST or
// HASH partitioned.
func (m *Manager) PartitionStrategy(ctx context.Context) (string, error) {
	var strat string
	err := m.db.QueryRowContext(ctx, `
		SELECT pt.partstrat
		FROM pg_partitioned_table pt
		JOIN pg_class c ON c.oid = pt.partrelid
		WHERE c.relname = 'components'
	`).Scan(&strat)
	if err != nil {
		return "", fmt.Errorf("detect partition strategy: %w", err)
	}
	switch strat {
	case "h":
		return StrategyHash, nil
	default:
		return StrategyList, nil
	}
}

// AnalyzeTable refreshes planner statistics for a table.
func (m *Manager) AnalyzeTable(ctx context.Context, table string) error {
	normalized, err := NormalizeIdentifier(table)
	if err != nil {
		return err
	}
	if normalized != table {
		return core.NewValidationError("identifier", fmt.Sprintf("%q is not a valid SQL identifier", table))
	}
	if _, err := m.db.ExecContext(ctx, "ANALYZE "+table); err != nil {
		return fmt.Errorf("analyze %s: %w", table, err)
	}
	return nil
}

func (m *Manager) tableExists(ctx context.Context, table string) (bool, error) {
	var exists bool
	err := m.db.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM pg_class WHERE relname = $1 AND relkind IN ('r', 'p'))",
		table,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check table %s: %w", table, err)
	}
	return exists, nil
}

func (m *Manager) indexExists(ctx context.Context, table, index string) (bool, error) {
	var exists bool
	err := m.db.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM pg_indexes WHERE tablename = $1 AND indexname = $2)",
		table, index,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check index %s: %w", index, err)
	}
	return exists, nil
}
