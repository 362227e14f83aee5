// Package middleware provides HTTP middlewares for authentication and logging.
package middleware

import (
	"context"
	"net/http"
)

type ctxKey string

const userKey ctxKey = "user"

// PasswordVerifier checks HTTP basic credentials against stored accounts.
type PasswordVerifier interface {
	VerifyPassword(ctx context.Context, login, password string) (bool, error)
}

// CertAuth returns a middleware that authenticates requests.
//
// A client certificate takes precedence: its Common Name (CN) becomes the
// user ID. Without one, HTTP basic credentials are checked through verifier
// (nil disables the fallback). The /api/register endpoint is excluded so new
// users can register and obtain a certificate.
//
// On success the user ID is stored in the request context for downstream
// handlers.
func CertAuth(verifier PasswordVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/api/register" {
				next.ServeHTTP(w, r)
				return
			}

			var user string
			switch login, password, ok := r.BasicAuth(); {
			case r.TLS != nil && len(r.TLS.PeerCertificates) > 0:
				user = r.TLS.PeerCertificates[0].Subject.CommonName
			case ok && verifier != nil:
				valid, err := verifier.VerifyPassword(r.Context(), login, password)
				if err != nil {
					http.Error(w, "internal error", http.StatusInternalServerError)
					return
				}
				if !valid {
					http.Error(w, "invalid credentials", http.StatusUnauthorized)
					return
				}
				user = login
			}
			if user == "" {
				w.Header().Set("WWW-Authenticate", `Basic realm="secretsync"`)
				http.Error(w, "no client certificate provided", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), userKey, user)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetUserIDFromContext extracts the authenticated user ID from the request
// context. Returns an empty string if not found.
func GetUserIDFromContext(ctx context.Context) string {
	val := ctx.Value(userKey)
	if s, ok := val.(string); ok {
		return s
	}
	return ""
}
