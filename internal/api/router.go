/**
 * @description
 * This file sets up the HTTP router for the ledger service. It defines the API
 * endpoints, associates them with their handlers and applies the authentication,
 * role and rate limiting middleware.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS for the back-office UI.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/ecocapital/ledger-service/internal/domain"
)

// LedgerRoutes creates and returns the router of the ledger API.
func LedgerRoutes(h *LedgerHandlers, auth AuthConfig, throttle *PostingThrottle, allowedOrigins []string) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Forwarded-For"},
		ExposedHeaders:   []string{"Retry-After", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(auth))

		// Reads are open to every staff role.
		r.Get("/clients", h.ListClientsHandler)
		r.Get("/clients/{id}", h.GetClientHandler)
		r.Get("/accounts", h.ListAccountsHandler)
		r.Get("/accounts/{id}", h.GetAccountHandler)
		r.Get("/accounts/by-identifier/{identifier}", h.GetAccountByIdentifierHandler)
		r.Get("/accounts/{id}/statement", h.StatementHandler)
		r.Get("/transactions", h.ListTransactionsHandler)
		r.Get("/transactions/{id}/receipt", h.ReceiptHandler)
		r.Get("/reports/dashboard", h.DashboardHandler)
		r.Get("/banks", h.ListBanksHandler)

		r.Group(func(r chi.Router) {
			if throttle != nil {
				r.Use(throttle.Middleware)
			}
			r.Post("/transactions/deposit", h.DepositHandler)
			r.Post("/transactions/withdraw", h.WithdrawHandler)
			r.Post("/transactions/debit", h.DebitHandler)
			r.Post("/transactions/transfer", h.TransferHandler)
		})

		r.Group(func(r chi.Router) {
			r.Use(RequireRole(domain.RoleManager, domain.RoleAdmin))
			r.Post("/clients", h.CreateClientHandler)
			r.Put("/clients/{id}", h.UpdateClientHandler)
			r.Post("/clients/{id}/deactivate", h.DeactivateClientHandler)
			r.Post("/accounts", h.OpenAccountHandler)
			r.Post("/accounts/{id}/close", h.CloseAccountHandler)
		})

		r.Group(func(r chi.Router) {
			r.Use(RequireRole(domain.RoleAdmin))
			r.Get("/activity", h.ListActivityHandler)
		})
	})

	return r
}
