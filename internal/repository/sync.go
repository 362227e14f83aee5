package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/atinyakov/secretsync/internal/models"
)

// PostgresSyncRepository stores one current snapshot per login and name,
// moving replaced versions into snapshot_history.
type PostgresSyncRepository struct {
	// DB is the database handle for executing queries and transactions.
	DB *sql.DB
}

// NewPostgresSyncRepository creates a new PostgresSyncRepository using the provided *sql.DB.
// db must be a valid connection to a PostgreSQL instance.
func NewPostgresSyncRepository(db *sql.DB) *PostgresSyncRepository {
	return &PostgresSyncRepository{DB: db}
}

// GetSnapshot returns the current snapshot stored under name.
//
//	ctx:   context for cancellation and deadlines
//	login: owner of the snapshot
//	name:  snapshot name
//
// Returns models.ErrSnapshotNotFound if nothing has been stored yet.
func (s *PostgresSyncRepository) GetSnapshot(ctx context.Context, login, name string) (models.StoredSnapshot, error) {
	snap := models.StoredSnapshot{Name: name}
	err := s.DB.QueryRowContext(ctx, `
		SELECT version, data, updated_at FROM snapshots WHERE login = $1 AND name = $2
	`, login, name).Scan(&snap.Version, &snap.Data, &snap.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.StoredSnapshot{}, models.ErrSnapshotNotFound
	}
	if err != nil {
		return models.StoredSnapshot{}, fmt.Errorf("get snapshot: %w", err)
	}
	return snap, nil
}

// PutSnapshot replaces the snapshot stored under name if its current version
// equals baseVersion (0 when the writer saw no snapshot). The replaced version
// is kept in snapshot_history.
//
//	ctx:         context for cancellation and deadlines
//	login:       owner of the snapshot
//	name:        snapshot name
//	baseVersion: version the writer fetched
//	data:        encoded snapshot to store
//
// Returns the new version, or models.ErrVersionConflict if another writer
// got there first.
func (s *PostgresSyncRepository) PutSnapshot(ctx context.Context, login, name string, baseVersion int64, data []byte) (int64, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// Lock the current row so concurrent writers serialize on it
	var (
		current int64
		old     []byte
	)
	err = tx.QueryRowContext(ctx, `
		SELECT version, data FROM snapshots WHERE login = $1 AND name = $2 FOR UPDATE
	`, login, name).Scan(&current, &old)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// First write: only a writer that saw nothing may create it
		if baseVersion != 0 {
			return 0, models.ErrVersionConflict
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO snapshots (login, name, version, data, updated_at) VALUES ($1, $2, 1, $3, $4)
		`, login, name, data, time.Now().UTC())
		// A concurrent first write won the insert
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return 0, models.ErrVersionConflict
		}
		if err != nil {
			return 0, fmt.Errorf("insert snapshot: %w", err)
		}
	case err != nil:
		return 0, fmt.Errorf("check version: %w", err)
	default:
		if current != baseVersion {
			return 0, models.ErrVersionConflict
		}
		// Archive the replaced version, then bump the current row
		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO snapshot_history (login, name, version, data, replaced_at) VALUES ($1, $2, $3, $4, $5)
		`, login, name, current, old, now); err != nil {
			return 0, fmt.Errorf("archive snapshot: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE snapshots SET version = $3, data = $4, updated_at = $5 WHERE login = $1 AND name = $2
		`, login, name, current+1, data, now); err != nil {
			return 0, fmt.Errorf("update snapshot: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return baseVersion + 1, nil
}

// ListSnapshots returns the names of all snapshots owned by login, sorted.
//
//	ctx:   context for cancellation and deadlines
//	login: owner of the snapshots
//
// Returns an empty slice when the login has none.
func (s *PostgresSyncRepository) ListSnapshots(ctx context.Context, login string) ([]string, error) {
	var names []string
	err := s.DB.QueryRowContext(ctx, `
		SELECT COALESCE(array_agg(name ORDER BY name), '{}') FROM snapshots WHERE login = $1
	`, login).Scan(pq.Array(&names))
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	return names, nil
}

// DeleteSnapshots removes the named snapshots and their history within a
// transaction. Unknown names are ignored.
//
//	ctx:   context for cancellation and deadlines
//	login: owner of the snapshots
//	names: snapshot names to delete
//
// Returns an error if any statement or the commit fails.
func (s *PostgresSyncRepository) DeleteSnapshots(ctx context.Context, login string, names []string) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// History first; it is keyed by the same login and name

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM snapshot_history WHERE login = $1 AND name = ANY($2)`,
		login, pq.Array(names)); err != nil {
		return fmt.Errorf("delete history: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM snapshots WHERE login = $1 AND name = ANY($2)`,
		login, pq.Array(names)); err != nil {
		return fmt.Errorf("delete snapshots: %w", err)
	}
	return tx.Commit()
}
