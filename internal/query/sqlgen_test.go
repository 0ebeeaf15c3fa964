package query

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/entity_layer/internal/core"
	"github.com/R3E-Network/entity_layer/internal/entity"
	"github.com/R3E-Network/entity_layer/internal/metadata"
)

type stubLoader struct {
	requested []string
}

func (s *stubLoader) LoadMultiple(ctx context.Context, ids []string) ([]*entity.Entity, error) {
	s.requested = ids
	out := make([]*entity.Entity, len(ids))
	for i, id := range ids {
		out[i] = entity.NewHandle(id)
	}
	return out, nil
}

func newTestFactory(t *testing.T) (*Factory, sqlmock.Sqlmock, *stubLoader) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	registry := metadata.NewRegistry()
	for _, class := range []metadata.ComponentClass{
		{Name: "Tag", Fields: []metadata.Field{{Key: "value", Kind: metadata.KindString}}},
		{Name: "User", Fields: []metadata.Field{{Key: "name", Kind: metadata.KindString}}},
		{Name: "Score", Fields: []metadata.Field{{Key: "value", Kind: metadata.KindFloat}}},
		{Name: "Archived", Fields: []metadata.Field{{Key: "at", Kind: metadata.KindTimestamp}}},
	} {
		_, err := registry.RegisterComponent(class)
		require.NoError(t, err)
	}

	loader := &stubLoader{}
	return NewFactory(sqlx.NewDb(db, "postgres"), registry, loader, nil, nil), mock, loader
}

func TestBuildSQLSingleComponentFastPath(t *testing.T) {
	f, _, _ := newTestFactory(t)

	sqlText, args, err := f.New().With("Tag").buildSQL(false)
	require.NoError(t, err)

	assert.Equal(t,
		"SELECT ec.entity_id FROM entity_components ec WHERE ec.type_id = $1 AND ec.deleted_at IS NULL ORDER BY ec.entity_id ASC",
		sqlText)
	assert.Equal(t, []any{metadata.TypeID("Tag")}, args)
}

func TestBuildSQLWithFilterJoinsComponentData(t *testing.T) {
	f, _, _ := newTestFactory(t)

	sqlText, args, err := f.New().
		With("Tag", F("value", OpEQ, "alpha")).
		buildSQL(false)
	require.NoError(t, err)

	assert.Contains(t, sqlText, "JOIN components c0 ON c0.entity_id = ec.entity_id AND c0.type_id = $1 AND c0.deleted_at IS NULL")
	assert.Contains(t, sqlText, "c0.data->>'value' = $3")
	assert.Equal(t, []any{metadata.TypeID("Tag"), metadata.TypeID("Tag"), "alpha"}, args)
}

func TestBuildSQLMultiComponentGrouping(t *testing.T) {
	f, _, _ := newTestFactory(t)

	sqlText, _, err := f.New().With("Tag").With("User").buildSQL(false)
	require.NoError(t, err)

	assert.Contains(t, sqlText, "ec.type_id IN ($1, $2)")
	assert.Contains(t, sqlText, "GROUP BY ec.entity_id")
	assert.Contains(t, sqlText, "HAVING COUNT(DISTINCT ec.type_id) = 2")
}

func TestBuildSQLExclusion(t *testing.T) {
	f, _, _ := newTestFactory(t)

	sqlText, args, err := f.New().With("Tag").Without("Archived").buildSQL(false)
	require.NoError(t, err)

	assert.Contains(t, sqlText,
		"NOT EXISTS (SELECT 1 FROM entity_components x WHERE x.entity_id = ec.entity_id AND x.type_id = $2 AND x.deleted_at IS NULL)")
	assert.Equal(t, []any{metadata.TypeID("Tag"), metadata.TypeID("Archived")}, args)
}

func TestBuildSQLNumericPredicates(t *testing.T) {
	f, _, _ := newTestFactory(t)

	sqlText, args, err := f.New().
		With("Score", F("value", OpBetween, []any{5000, 5100})).
		buildSQL(false)
	require.NoError(t, err)

	assert.Contains(t, sqlText, "(c0.data->>'value')::numeric BETWEEN $3 AND $4")
	assert.Len(t, args, 4)
}

func TestBuildSQLEmptyIn(t *testing.T) {
	f, _, _ := newTestFactory(t)

	sqlText, _, err := f.New().
		With("Tag", F("value", OpIN, []any{})).
		buildSQL(false)
	require.NoError(t, err)
	assert.Contains(t, sqlText, "1 = 0")

	sqlText, _, err = f.New().
		With("Tag", F("value", OpNotIn, []string{})).
		buildSQL(false)
	require.NoError(t, err)
	assert.Contains(t, sqlText, "1 = 1")
}

func TestBuildSQLSortAndTieBreak(t *testing.T) {
	f, _, _ := newTestFactory(t)

	sqlText, _, err := f.New().
		With("User").
		SortBy("User", "name", ASC).
		Take(100).
		buildSQL(false)
	require.NoError(t, err)

	assert.Contains(t, sqlText, "ORDER BY c0.data->>'name' ASC, ec.entity_id ASC")
	assert.Contains(t, sqlText, "LIMIT 100")
}

func TestBuildSQLSortRequiresWith(t *testing.T) {
	f, _, _ := newTestFactory(t)

	_, _, err := f.New().With("Tag").SortBy("User", "name", ASC).buildSQL(false)
	assert.ErrorIs(t, err, core.ErrInvalidInput)

	_, _, err = f.New().With("User").SortBy("User", "missing", ASC).buildSQL(false)
	assert.ErrorIs(t, err, core.ErrInvalidInput)
}

func TestBuildSQLCursorKeyset(t *testing.T) {
	f, _, _ := newTestFactory(t)
	cursor := "00000000-0000-7000-8000-000000000001"

	sqlText, args, err := f.New().
		With("User").
		SortBy("User", "name", ASC).
		Cursor(cursor).
		Take(100).
		buildSQL(false)
	require.NoError(t, err)

	assert.Contains(t, sqlText, "SELECT cur.data->>'name' FROM components cur")
	assert.Contains(t, sqlText, "c0.data->>'name' > (SELECT")
	assert.Contains(t, sqlText, "AND ec.entity_id > $3")
	assert.Contains(t, args, cursor)
	// No OFFSET in cursor mode.
	assert.NotContains(t, sqlText, "OFFSET")
}

func TestBuildSQLCursorDescending(t *testing.T) {
	f, _, _ := newTestFactory(t)

	sqlText, _, err := f.New().
		With("User").
		SortBy("User", "name", DESC).
		Cursor("00000000-0000-7000-8000-000000000001").
		buildSQL(false)
	require.NoError(t, err)

	// Descending sort pages with <, but the id tie-break stays ascending.
	assert.Contains(t, sqlText, "c0.data->>'name' < (SELECT")
	assert.Contains(t, sqlText, "AND ec.entity_id > $3")
	assert.Contains(t, sqlText, "ORDER BY c0.data->>'name' DESC, ec.entity_id ASC")
}

func TestBuildSQLCursorWithoutSort(t *testing.T) {
	f, _, _ := newTestFactory(t)

	sqlText, _, err := f.New().
		With("Tag").
		Cursor("00000000-0000-7000-8000-000000000001").
		buildSQL(false)
	require.NoError(t, err)
	assert.Contains(t, sqlText, "ec.entity_id > $2")
}

func TestBuildSQLCount(t *testing.T) {
	f, _, _ := newTestFactory(t)

	sqlText, _, err := f.New().With("Tag").buildSQL(true)
	require.NoError(t, err)
	assert.Equal(t,
		"SELECT COUNT(DISTINCT ec.entity_id) FROM entity_components ec WHERE ec.type_id = $1 AND ec.deleted_at IS NULL",
		sqlText)

	sqlText, _, err = f.New().With("Tag").With("User").buildSQL(true)
	require.NoError(t, err)
	assert.Contains(t, sqlText, "SELECT COUNT(*) FROM (")
	assert.Contains(t, sqlText, "HAVING COUNT(DISTINCT ec.type_id) = 2")
}

func TestBuildSQLOffsetMode(t *testing.T) {
	f, _, _ := newTestFactory(t)

	sqlText, _, err := f.New().With("Tag").Take(50).Offset(100).buildSQL(false)
	require.NoError(t, err)
	assert.Contains(t, sqlText, "LIMIT 50 OFFSET 100")
}

func TestBuildSQLFindByID(t *testing.T) {
	f, _, _ := newTestFactory(t)
	id := "00000000-0000-7000-8000-000000000042"

	sqlText, args, err := f.New().With("Tag").FindByID(id).buildSQL(false)
	require.NoError(t, err)
	assert.Contains(t, sqlText, "ec.entity_id = $2")
	assert.Contains(t, args, id)
}

func TestBuildSQLUnknownComponentAndField(t *testing.T) {
	f, _, _ := newTestFactory(t)

	_, err := f.New().With("Missing").Exec(context.Background())
	assert.ErrorIs(t, err, core.ErrNotFound)

	_, _, buildErr := f.New().With("Tag", F("missing", OpEQ, "x")).buildSQL(false)
	assert.ErrorIs(t, buildErr, core.ErrInvalidInput)
}

func TestBuildSQLFullTextBuilder(t *testing.T) {
	f, _, _ := newTestFactory(t)

	sqlText, args, err := f.New().
		With("Tag", Filter{Field: "value", Op: OpCustom, Builder: FullTextBuilderName, Value: "hello world"}).
		buildSQL(false)
	require.NoError(t, err)

	assert.Contains(t, sqlText, "to_tsvector('english', c0.data->>'value') @@ plainto_tsquery('english', $3)")
	assert.Contains(t, args, "hello world")
}

func TestExecReturnsHandles(t *testing.T) {
	f, mock, _ := newTestFactory(t)
	id := "00000000-0000-7000-8000-000000000007"

	mock.ExpectQuery(regexp.QuoteMeta("SELECT ec.entity_id FROM entity_components ec")).
		WillReturnRows(sqlmock.NewRows([]string{"entity_id"}).AddRow(id))

	results, err := f.New().With("Tag").Exec(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, id, results[0].ID)
	assert.True(t, results[0].Persisted())
	assert.False(t, results[0].Dirty())
}

func TestExecPopulateUsesLoader(t *testing.T) {
	f, mock, loader := newTestFactory(t)
	id := "00000000-0000-7000-8000-000000000008"

	mock.ExpectQuery(regexp.QuoteMeta("SELECT ec.entity_id")).
		WillReturnRows(sqlmock.NewRows([]string{"entity_id"}).AddRow(id))

	results, err := f.New().With("Tag").Populate().Exec(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, []string{id}, loader.requested)
}

func TestCountScansValue(t *testing.T) {
	f, mock, _ := newTestFactory(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(DISTINCT ec.entity_id)")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(42))

	count, err := f.New().With("Tag").Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(42), count)
}

func TestRegisterFilterBuilderConflict(t *testing.T) {
	f, _, _ := newTestFactory(t)
	err := f.RegisterFilterBuilder(NewFullTextBuilder())
	assert.ErrorIs(t, err, core.ErrConflict)
}
