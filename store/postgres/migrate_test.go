package postgres

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mealplanagent/matcher"
)

// scriptedDB fails any statement containing a key of errs.
type scriptedDB struct {
	errs    map[string]error
	execs   []string
	queries []string
}

func (d *scriptedDB) failure(sql string) error {
	for frag, err := range d.errs {
		if strings.Contains(sql, frag) {
			return err
		}
	}
	return nil
}

func (d *scriptedDB) Exec(_ context.Context, sql string, _ ...interface{}) (pgconn.CommandTag, error) {
	d.execs = append(d.execs, sql)
	return nil, d.failure(sql)
}

func (d *scriptedDB) Query(_ context.Context, sql string, _ ...interface{}) (pgx.Rows, error) {
	d.queries = append(d.queries, sql)
	if err := d.failure(sql); err != nil {
		return nil, err
	}
	return nil, errors.New("no rows scripted")
}

func (d *scriptedDB) QueryRow(context.Context, string, ...interface{}) pgx.Row {
	panic("not used")
}

func TestMigrate(t *testing.T) {
	ctx := context.Background()

	t.Run("trigram refused", func(t *testing.T) {
		db := &scriptedDB{errs: map[string]error{
			"pg_trgm": &pgconn.PgError{Code: "42501", Message: "permission denied to create extension"},
		}}
		require.NoError(t, Migrate(ctx, db))
		require.Len(t, db.execs, 2)
		assert.Equal(t, Schema, db.execs[0])
		assert.Equal(t, TrigramSchema, db.execs[1])
	})

	t.Run("schema failure", func(t *testing.T) {
		db := &scriptedDB{errs: map[string]error{"async_jobs": errors.New("connection lost")}}
		err := Migrate(ctx, db)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "apply schema")
		assert.Len(t, db.execs, 1)
	})

	t.Run("base schema has no trigram objects", func(t *testing.T) {
		assert.NotContains(t, Schema, "trgm")
		assert.Contains(t, TrigramSchema, "gist_trgm_ops")
	})
}

func TestCatalogFallsBackWithoutTrigram(t *testing.T) {
	ctx := context.Background()
	db := &scriptedDB{errs: map[string]error{
		"<->": &pgconn.PgError{Code: undefinedFunction, Message: "operator does not exist: text <-> unknown"},
	}}
	c := NewCatalog(db, "system", 3)

	_, err := c.Search(ctx, matcher.Query{UserID: "user-1", Title: "lentil soup"})
	require.EqualError(t, err, "no rows scripted", "fallback query ran")
	require.Len(t, db.queries, 2)
	assert.Contains(t, db.queries[0], "<->")
	assert.Contains(t, db.queries[1], "ILIKE")

	_, _ = c.Search(ctx, matcher.Query{UserID: "user-1", Title: "lentil soup"})
	require.Len(t, db.queries, 3)
	assert.NotContains(t, db.queries[2], "<->", "trigram is not retried")
}
