// Package db opens the remote host's PostgreSQL database and runs its
// background maintenance.
package db

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
    login TEXT PRIMARY KEY,
    password_hash BYTEA NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS snapshots (
    login TEXT NOT NULL REFERENCES accounts(login) ON DELETE CASCADE,
    name TEXT NOT NULL,
    version BIGINT NOT NULL,
    data BYTEA NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (login, name)
);

CREATE TABLE IF NOT EXISTS snapshot_history (
    login TEXT NOT NULL,
    name TEXT NOT NULL,
    version BIGINT NOT NULL,
    data BYTEA NOT NULL,
    replaced_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (login, name, version),
    FOREIGN KEY (login, name) REFERENCES snapshots(login, name) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS snapshot_history_replaced_at ON snapshot_history (replaced_at);
`

// InitPostgres opens the database at dsn, checks the connection and creates
// the schema if it is missing.
func InitPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if err := InitSchema(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

// InitSchema creates the tables used by the repositories.
func InitSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}
