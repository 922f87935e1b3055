/**
 * @description
 * This file sets up the HTTP router for the off-ramp service. It defines the API
 * endpoints, associates them with their handlers, and applies middleware for
 * authentication.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS for the web client.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates and returns the router of the off-ramp service.
func NewRouter(h *OrderHandlers, jwksURL string, internalKey string) http.Handler {
	return newRouter(h, ClerkAuthMiddleware(jwksURL), internalKey)
}

func newRouter(h *OrderHandlers, userAuth func(http.Handler) http.Handler, internalKey string) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Internal-API-Key"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Providers authenticate with a payload signature checked by each adapter.
	r.Post("/webhooks/{provider}", h.WebhookHandler)

	r.Group(func(r chi.Router) {
		r.Use(userAuth)
		r.Post("/orders", h.CreateOrderHandler)
		r.Get("/orders/{orderID}", h.GetOrderHandler)
		r.Post("/orders/{orderID}/refresh", h.RefreshOrderHandler)
	})

	r.Route("/internal", func(r chi.Router) {
		r.Use(InternalAuthMiddleware(internalKey))
		r.Get("/orders/{orderID}", h.InternalGetOrderHandler)
		r.Get("/orders/by-ref/{provider}/{ref}", h.InternalGetOrderByRefHandler)
		r.Post("/reconcile/settlements", h.SweepSettlementsHandler)
		r.Post("/reconcile/stale", h.PollStaleOrdersHandler)
		r.Post("/reconcile/intents", h.RecoverIntentsHandler)
	})

	return r
}
