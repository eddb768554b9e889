package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/Masterminds/semver/v3"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresMigrations contains the PostgreSQL schema migrations in order.
// Versions track AllMigrations so both backends report the same schema.
var PostgresMigrations = []Migration{
	{
		Version: "1.0.0",
		Up:      pgMigrationV1Up,
		Down:    pgMigrationV1Down,
	},
	{
		Version: "1.1.0",
		Up:      pgMigrationV11Up,
		Down:    pgMigrationV11Down,
	},
}

const pgMigrationV1Up = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS schema_version (
    version TEXT PRIMARY KEY,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS collections (
    id BIGSERIAL PRIMARY KEY,
    name TEXT NOT NULL UNIQUE,
    dimension INTEGER NOT NULL CHECK (dimension > 0),
    metric TEXT NOT NULL,
    index_strategy TEXT NOT NULL DEFAULT 'hnsw',
    embedding_model TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS documents (
    id BIGSERIAL PRIMARY KEY,
    collection_id BIGINT NOT NULL REFERENCES collections(id) ON DELETE CASCADE,
    content TEXT NOT NULL,
    embedding vector NOT NULL,
    dimension INTEGER NOT NULL,
    embedding_model TEXT NOT NULL DEFAULT '',
    metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
    tsv tsvector GENERATED ALWAYS AS (to_tsvector('simple', content)) STORED,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_documents_collection ON documents(collection_id, id);
CREATE INDEX IF NOT EXISTS idx_documents_tsv ON documents USING GIN (tsv);

CREATE TABLE IF NOT EXISTS document_metadata (
    document_id BIGINT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
    key TEXT NOT NULL,
    kind TEXT NOT NULL,
    num_value DOUBLE PRECISION,
    text_value TEXT,
    PRIMARY KEY (document_id, key)
);

CREATE INDEX IF NOT EXISTS idx_metadata_num ON document_metadata(key, kind, num_value);
CREATE INDEX IF NOT EXISTS idx_metadata_text ON document_metadata(key, kind, text_value);
`

const pgMigrationV1Down = `
DROP TABLE IF EXISTS document_metadata;
DROP TABLE IF EXISTS documents;
DROP TABLE IF EXISTS collections;
DROP TABLE IF EXISTS schema_version;
`

const pgMigrationV11Up = `
CREATE TABLE IF NOT EXISTS search_queries (
    id BIGSERIAL PRIMARY KEY,
    collection_id BIGINT NOT NULL REFERENCES collections(id) ON DELETE CASCADE,
    strategy TEXT NOT NULL,
    result_count INTEGER NOT NULL,
    duration_ms BIGINT NOT NULL,
    approximate BOOLEAN NOT NULL DEFAULT false,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_search_queries_collection ON search_queries(collection_id, created_at);
`

const pgMigrationV11Down = `
DROP TABLE IF EXISTS search_queries;
`

// ApplyPostgresMigrations runs all pending PostgreSQL migrations.
func ApplyPostgresMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	var exists bool
	err := pool.QueryRow(ctx, "SELECT to_regclass('schema_version') IS NOT NULL").Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check schema_version table: %w", err)
	}

	currentVersion := semver.MustParse("0.0.0")
	if exists {
		if currentVersion, err = pgSchemaVersion(ctx, pool); err != nil {
			return err
		}
	}

	for _, migration := range PostgresMigrations {
		migrationVersion, err := semver.NewVersion(migration.Version)
		if err != nil {
			return fmt.Errorf("invalid migration version %s: %w", migration.Version, err)
		}
		if !currentVersion.LessThan(migrationVersion) {
			continue // Already applied
		}

		err = pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, migration.Up); err != nil {
				return fmt.Errorf("failed to apply migration %s: %w", migration.Version, err)
			}
			if _, err := tx.Exec(ctx, "INSERT INTO schema_version (version) VALUES ($1)", migration.Version); err != nil {
				return fmt.Errorf("failed to record migration %s: %w", migration.Version, err)
			}
			return nil
		})
		if err != nil {
			return err
		}
		currentVersion = migrationVersion
	}
	return nil
}

func pgSchemaVersion(ctx context.Context, q pgQuerier) (*semver.Version, error) {
	rows, err := q.Query(ctx, "SELECT version FROM schema_version")
	if err != nil {
		return nil, fmt.Errorf("failed to read schema_version: %w", err)
	}
	defer rows.Close()

	current := semver.MustParse("0.0.0")
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		v, err := semver.NewVersion(s)
		if err != nil {
			return nil, fmt.Errorf("invalid current schema version %s: %w", s, err)
		}
		if v.GreaterThan(current) {
			current = v
		}
	}
	return current, rows.Err()
}

// RollbackPostgresMigration rolls back the most recent PostgreSQL migration.
func RollbackPostgresMigration(ctx context.Context, pool *pgxpool.Pool) error {
	current, err := pgSchemaVersion(ctx, pool)
	if err != nil {
		return fmt.Errorf("no migrations to rollback: %w", err)
	}
	for i := len(PostgresMigrations) - 1; i >= 0; i-- {
		migration := PostgresMigrations[i]
		if !semver.MustParse(migration.Version).Equal(current) {
			continue
		}
		return pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, migration.Down); err != nil {
				return fmt.Errorf("failed to rollback migration %s: %w", migration.Version, err)
			}
			if i == 0 {
				return nil
			}
			_, err := tx.Exec(ctx, "DELETE FROM schema_version WHERE version = $1", migration.Version)
			return err
		})
	}
	return errors.New("migration " + current.String() + " not found")
}
