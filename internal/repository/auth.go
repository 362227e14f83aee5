// Package repository provides PostgreSQL persistence for the accounts and
// snapshot documents served by the remote host.
package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"

	"github.com/atinyakov/secretsync/internal/models"
)

// uniqueViolation is the PostgreSQL error code for a duplicate key.
const uniqueViolation = "23505"

// PostgresAuthRepository implements account operations using a PostgreSQL database.
type PostgresAuthRepository struct {
	// DB is the database handle for executing queries.
	DB *sql.DB
}

// NewPostgresAuthRepository creates a new PostgresAuthRepository with the given database connection.
// db must be a valid *sql.DB connected to a PostgreSQL instance.
func NewPostgresAuthRepository(db *sql.DB) *PostgresAuthRepository {
	return &PostgresAuthRepository{DB: db}
}

// AccountExists checks whether an account with the specified login exists.
func (s *PostgresAuthRepository) AccountExists(ctx context.Context, login string) (bool, error) {
	var exists bool
	err := s.DB.QueryRowContext(
		ctx,
		`SELECT EXISTS(SELECT 1 FROM accounts WHERE login = $1)`,
		login,
	).Scan(&exists)
	return exists, err
}

// CreateAccount inserts a new account with the given password hash.
// Returns models.ErrAccountExists if the login is already taken.
func (s *PostgresAuthRepository) CreateAccount(ctx context.Context, login string, passwordHash []byte) error {
	_, err := s.DB.ExecContext(
		ctx,
		`INSERT INTO accounts (login, password_hash) VALUES ($1, $2)`,
		login, passwordHash,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return models.ErrAccountExists
	}
	return err
}

// PasswordHash returns the stored bcrypt hash for login.
// Returns models.ErrAccountNotFound if there is no such account.
func (s *PostgresAuthRepository) PasswordHash(ctx context.Context, login string) ([]byte, error) {
	var hash []byte
	err := s.DB.QueryRowContext(
		ctx,
		`SELECT password_hash FROM accounts WHERE login = $1`,
		login,
	).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrAccountNotFound
	}
	return hash, err
}
