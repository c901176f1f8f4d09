// Package db provides database schema migration management.
package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"

	"github.com/kimhsiao/routesync/internal/logging"
)

//go:embed migrations
var migrationsFS embed.FS

// Schema selects one of the embedded migration sets.
type Schema string

const (
	// SchemaClient is the durable key-value store of a client session.
	SchemaClient Schema = "client"
	// SchemaServer is the authoritative relational store on SQLite.
	SchemaServer Schema = "server"
	// SchemaServerPostgres is the authoritative relational store on Postgres.
	SchemaServerPostgres Schema = "server_postgres"
)

func (s Schema) dialect() goose.Dialect {
	if s == SchemaServerPostgres {
		return goose.DialectPostgres
	}
	return goose.DialectSQLite3
}

// Migrate applies all pending migrations of schema to db.
func Migrate(ctx context.Context, db *sql.DB, schema Schema) error {
	fsys, err := fs.Sub(migrationsFS, "migrations/"+string(schema))
	if err != nil {
		return fmt.Errorf("failed to open %s migrations: %w", schema, err)
	}

	provider, err := goose.NewProvider(schema.dialect(), db, fsys)
	if err != nil {
		return fmt.Errorf("failed to create migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("failed to apply %s migrations: %w", schema, err)
	}

	for _, r := range results {
		logging.Debug("Applied migration",
			map[string]interface{}{
				"schema":   string(schema),
				"version":  r.Source.Version,
				"duration": r.Duration.String(),
			})
	}

	return nil
}

// CurrentVersion returns the highest applied migration version of schema.
func CurrentVersion(ctx context.Context, db *sql.DB, schema Schema) (int64, error) {
	fsys, err := fs.Sub(migrationsFS, "migrations/"+string(schema))
	if err != nil {
		return 0, err
	}
	provider, err := goose.NewProvider(schema.dialect(), db, fsys)
	if err != nil {
		return 0, err
	}
	return provider.GetDBVersion(ctx)
}
