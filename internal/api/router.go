/**
 * @description
 * This file sets up the HTTP router for the cashdesk-service. It defines the API
 * endpoints, associates them with their handlers, and applies middleware for
 * logging, recovery, CORS and authentication.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS handling for browser clients.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterConfig carries the settings the router needs beyond the handlers.
type RouterConfig struct {
	JWTSecret      string
	JWTIssuer      string
	AllowedOrigins []string
	Metrics        http.Handler
}

// NewRouter creates a new Chi router and registers the cash desk routes.
func NewRouter(h *Handlers, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"https://*", "http://*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	r.Route("/cashdesk", func(r chi.Router) {
		r.Use(JWTAuthMiddleware(cfg.JWTSecret, cfg.JWTIssuer))

		r.Put("/pin", h.SetPINHandler)
		r.Post("/pin/rotate", h.RotatePINHandler)
		r.With(h.pinRateLimit("pin_verify")).Post("/pin/verify", h.VerifyPINHandler)
		r.Get("/pin/lock", h.LockStatusHandler)

		r.Post("/authorizations", h.AuthorizeHandler)
		r.Get("/authorizations/{id}", h.GetAuthorizationHandler)
		r.With(h.pinRateLimit("authorization_pin")).Post("/authorizations/{id}/pin", h.SubmitAuthorizationPINHandler)
		r.Post("/authorizations/{id}/cancel", h.CancelAuthorizationHandler)

		r.Post("/sessions", h.OpenSessionHandler)
		r.Get("/sessions/current", h.CurrentSessionHandler)
		r.Get("/sessions/{id}", h.GetSessionHandler)
		r.Post("/sessions/{id}/transactions", h.AppendTransactionHandler)
		r.Get("/sessions/{id}/transactions", h.ListTransactionsHandler)
		r.Post("/sessions/{id}/close", h.CloseSessionHandler)

		r.Get("/audit", h.QueryAuditHandler)
	})

	return r
}
