// Package service holds the business logic of secretsync: editing the local
// secret tree on the client and account and snapshot handling on the host.
// Persistence is delegated to repository interfaces.
package service

import (
	"context"
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/atinyakov/secretsync/internal/models"
)

// ErrInvalidAccount is returned when a login or password is empty.
var ErrInvalidAccount = errors.New("login and password are required")

// AuthRepository defines the persistence operations
// required by the authentication service.
type AuthRepository interface {
	// AccountExists returns true if an account with the given login exists.
	AccountExists(ctx context.Context, login string) (bool, error)
	// CreateAccount stores a new account with a bcrypt password hash.
	// Returns models.ErrAccountExists if the login is taken.
	CreateAccount(ctx context.Context, login string, passwordHash []byte) error
	// PasswordHash returns the stored hash for login, or
	// models.ErrAccountNotFound.
	PasswordHash(ctx context.Context, login string) ([]byte, error)
}

// Service implements authentication operations by delegating
// to an AuthRepository.
type Service struct {
	// repo performs the data-layer operations.
	repo AuthRepository
	// cost is the bcrypt work factor.
	cost int
}

// NewAuthService constructs a new Service using the provided repository.
func NewAuthService(repo AuthRepository) *Service {
	return &Service{repo: repo, cost: bcrypt.DefaultCost}
}

// UserExists checks whether an account with the specified login exists.
func (s *Service) UserExists(ctx context.Context, login string) (bool, error) {
	return s.repo.AccountExists(ctx, login)
}

// RegisterUser creates an account for login protected by password.
// Returns ErrInvalidAccount for empty input and models.ErrAccountExists if
// the login is taken.
func (s *Service) RegisterUser(ctx context.Context, login, password string) error {
	if strings.TrimSpace(login) == "" || password == "" {
		return ErrInvalidAccount
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return err
	}
	return s.repo.CreateAccount(ctx, login, hash)
}

// VerifyPassword reports whether password matches the account's hash.
// Unknown logins are reported as a mismatch, not an error.
func (s *Service) VerifyPassword(ctx context.Context, login, password string) (bool, error) {
	hash, err := s.repo.PasswordHash(ctx, login)
	if errors.Is(err, models.ErrAccountNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return bcrypt.CompareHashAndPassword(hash, []byte(password)) == nil, nil
}
