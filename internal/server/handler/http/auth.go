// Package http provides the remote host's HTTP handlers: account
// registration, login and snapshot storage.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/atinyakov/secretsync/internal/certgen"
	"github.com/atinyakov/secretsync/internal/middleware"
	"github.com/atinyakov/secretsync/internal/models"
)

// AuthService defines the interface for authentication operations
// required by the HTTP handlers.
type AuthService interface {
	// UserExists checks whether an account with the given login exists.
	UserExists(ctx context.Context, login string) (bool, error)
	// RegisterUser creates an account protected by password.
	RegisterUser(ctx context.Context, login, password string) error
}

// AuthHandler handles HTTP requests for user registration and login.
type AuthHandler struct {
	// AuthService performs the underlying authentication operations.
	AuthService AuthService
	// CertDir holds the CA used to sign client certificates.
	CertDir string
}

// RegisterRequest represents the JSON payload for user registration.
type RegisterRequest struct {
	// Login is the username to register.
	Login string `json:"login"`
	// Password enables basic auth for clients without a certificate.
	Password string `json:"password"`
}

// RegisterResponse carries the PEM-encoded client certificate and key.
type RegisterResponse struct {
	Cert string `json:"cert"`
	Key  string `json:"key"`
}

// Register handles user registration requests.
// It expects a JSON body with non-empty "login" and "password" fields.
// If the login is free, it generates a client certificate signed by the CA,
// stores the account and returns the PEM-encoded certificate and private key.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Login == "" || req.Password == "" {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	exists, err := h.AuthService.UserExists(r.Context(), req.Login)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if exists {
		http.Error(w, "user already exists", http.StatusConflict)
		return
	}

	caCert, caKey, err := certgen.LoadCA(h.CertDir)
	if err != nil {
		http.Error(w, "failed to load CA", http.StatusInternalServerError)
		return
	}

	certPEM, keyPEM, err := certgen.GenerateUserCertificate(req.Login, caCert, caKey)
	if err != nil {
		http.Error(w, "failed to generate certificate", http.StatusInternalServerError)
		return
	}

	err = h.AuthService.RegisterUser(r.Context(), req.Login, req.Password)
	if errors.Is(err, models.ErrAccountExists) {
		http.Error(w, "user already exists", http.StatusConflict)
		return
	}
	if err != nil {
		http.Error(w, "failed to save user", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, RegisterResponse{Cert: string(certPEM), Key: string(keyPEM)})
}

// Login confirms the credentials the client connected with.
// The user ID is set by the authentication middleware from the client
// certificate or basic credentials. If the account exists, it returns a JSON
// status "ok" and the username.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	login := middleware.GetUserIDFromContext(r.Context())
	if login == "" {
		http.Error(w, "client certificate required", http.StatusUnauthorized)
		return
	}

	exists, err := h.AuthService.UserExists(r.Context(), login)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !exists {
		http.Error(w, "user not found", http.StatusForbidden)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"user":   login,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
