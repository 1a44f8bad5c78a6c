/**
 * @description
 * This file sets up the HTTP router for the affiliate-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies any
 * necessary middleware, such as for authentication.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS middleware for panel UI calls.
 * - github.com/prometheus/client_golang/prometheus/promhttp: Metrics endpoint.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// AffiliateRoutes creates and returns a new router for the affiliate service.
func AffiliateRoutes(h *AffiliateHandlers, webhook *WebhookHandler, jwksURL, internalAPIKey string) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token", "X-Internal-API-Key"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})
	r.Handle("/metrics", promhttp.Handler())

	// Webhook intake verifies its own HMAC signature; no JWT involved.
	r.Post("/webhooks/payments", webhook.ServeHTTP)

	// Group routes that require authentication.
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(jwksURL))

		r.Post("/affiliates/enroll", h.EnrollHandler)
		r.Get("/affiliates/me", h.MeHandler)
		r.Post("/affiliates/reprocess", h.ReprocessHandler)
	})

	// Server-to-server routes for the scheduler and the panel backend.
	r.Group(func(r chi.Router) {
		r.Use(InternalAuthMiddleware(internalAPIKey))

		r.Get("/sweep", h.SweepHandler)
		r.Get("/sync-status", h.SyncStatusHandler)
		r.Post("/referrals/track", h.TrackReferralHandler)
	})

	return r
}
