package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/atinyakov/secretsync/internal/middleware"
)

// NewRouter constructs the HTTP handler that serves the snapshot API.
//
// Routes:
//
//	POST /api/register         → authHandler.Register
//	POST /api/login            → authHandler.Login
//	GET  /api/snapshots        → syncHandler.List
//	GET  /api/snapshot/{name}  → syncHandler.Get
//	PUT  /api/snapshot/{name}  → syncHandler.Put
//	DELETE /api/snapshot/{name} → syncHandler.Delete
//
// Middleware chain (applied in order):
//  1. Recoverer                          turns panics into 500s
//  2. AllowContentType("application/json") rejects non-JSON bodies
//  3. WithRequestLogging(logger)         logs every request
//  4. CertAuth(verifier)                 client certificate or basic auth
func NewRouter(
	authHandler *AuthHandler,
	syncHandler *SyncHandler,
	verifier middleware.PasswordVerifier,
	logger *zap.Logger,
) http.Handler {
	r := chi.NewRouter()

	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.AllowContentType("application/json"))
	r.Use(middleware.WithRequestLogging(logger))
	r.Use(middleware.CertAuth(verifier))

	r.Route("/api", func(r chi.Router) {
		r.Post("/register", authHandler.Register)
		r.Post("/login", authHandler.Login)

		r.Get("/snapshots", syncHandler.List)
		r.Route("/snapshot/{name}", func(r chi.Router) {
			r.Get("/", syncHandler.Get)
			r.Put("/", syncHandler.Put)
			r.Delete("/", syncHandler.Delete)
		})
	})

	return r
}
