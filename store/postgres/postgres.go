// Package postgres implements the job, draft, catalog and household stores on
// PostgreSQL through pgx.
package postgres

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
)

//go:embed schema.sql
var Schema string

// TrigramSchema enables pg_trgm and indexes recipe titles for similarity
// search. Managed databases may refuse the extension.
//
//go:embed trigram.sql
var TrigramSchema string

// DB is the subset of *pgxpool.Pool the stores use.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

var _ DB = (*pgxpool.Pool)(nil)

// Connect opens a pool and verifies it within a short timeout.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	pool, err := pgxpool.Connect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return pool, nil
}

// Migrate applies the embedded schema. Every statement is idempotent. The
// trigram step may fail without failing the migration; the catalog then
// scores candidates in process.
func Migrate(ctx context.Context, db DB) error {
	if _, err := db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	if _, err := db.Exec(ctx, TrigramSchema); err != nil {
		slog.Warn("SETUP: Could not enable pg_trgm, recipe search falls back to in-process scoring", "error", err)
	}
	return nil
}
