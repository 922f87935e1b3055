/**
 * @description
 * This file contains the HTTP handlers for the off-ramp service. Handlers parse
 * incoming requests, call the application service and write the HTTP response.
 *
 * Key features:
 * - Provider webhooks are always acknowledged with 200 once read; processing
 *   problems are logged and left to polling and the sweeps.
 * - Owner-initiated refreshes are rate limited per user through Redis.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: URL parameters.
 * - github.com/shopspring/decimal: Deposit amounts and rates in request bodies.
 * - internal/app, internal/domain: Service logic, models and errors.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Thedongraphix/Minisend-sub003/internal/app"
	"github.com/Thedongraphix/Minisend-sub003/internal/domain"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	maxWebhookBodyBytes   = 1 << 20
	defaultSweepLimit     = 100
	webhookProcessTimeout = 15 * time.Second
)

// OrderService is the application surface the handlers call.
type OrderService interface {
	CreateOrder(ctx context.Context, req app.CreateOrderRequest) (*app.CreateOrderResult, error)
	GetOrderForOwner(ctx context.Context, orderID uuid.UUID, ownerID string) (*app.OrderView, error)
	GetOrder(ctx context.Context, orderID uuid.UUID) (*app.OrderView, error)
	GetOrderByTransactionRef(ctx context.Context, p domain.Provider, ref string) (*app.OrderView, error)
	ListStatusHistory(ctx context.Context, orderID uuid.UUID) ([]domain.StatusHistoryEntry, error)
	RefreshOrder(ctx context.Context, orderID uuid.UUID, ownerID string) (*app.OrderView, error)
	HandleWebhook(ctx context.Context, p domain.Provider, header http.Header, body []byte) (*app.SignalResult, error)
	SweepSettlements(ctx context.Context, limit int) (app.SweepReport, error)
	PollStaleOrders(ctx context.Context, limit, concurrency int) (app.SweepReport, error)
	RecoverIntents(ctx context.Context, limit int) (app.SweepReport, error)
}

// HandlerOptions configures Handlers.
type HandlerOptions struct {
	RefreshLimitPerMinute int
	SweepConcurrency      int
}

// OrderHandlers holds the dependencies of the off-ramp endpoints.
type OrderHandlers struct {
	service OrderService
	limiter app.RateLimiter
	opts    HandlerOptions
}

// NewOrderHandlers creates a new instance of OrderHandlers. limiter may be nil.
func NewOrderHandlers(service OrderService, limiter app.RateLimiter, opts HandlerOptions) *OrderHandlers {
	if opts.SweepConcurrency <= 0 {
		opts.SweepConcurrency = 4
	}
	return &OrderHandlers{service: service, limiter: limiter, opts: opts}
}

// createOrderRequest is the wallet user's payload. The fee fraction is not part
// of it; user orders always pay the configured default. rate is the older name
// of rateQuote and is still accepted.
type createOrderRequest struct {
	Provider              string               `json:"provider"`
	DepositAmount         decimal.Decimal      `json:"depositAmount"`
	LocalCurrency         string               `json:"localCurrency"`
	RateQuote             decimal.Decimal      `json:"rateQuote"`
	Rate                  decimal.Decimal      `json:"rate"`
	PaymentMethod         domain.PaymentMethod `json:"paymentMethod"`
	DepositTransactionRef string               `json:"depositTransactionRef"`
	WalletAddress         string               `json:"walletAddress"`
}

type orderStatusResponse struct {
	*app.OrderView
	History []domain.StatusHistoryEntry `json:"history,omitempty"`
}

// WebhookHandler receives provider status pushes.
func (h *OrderHandlers) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	providerName := chi.URLParam(r, "provider")
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodyBytes))
	if err != nil {
		log.Printf("level=warn component=api endpoint=webhook provider=%s msg=\"failed to read body\" err=%v", providerName, err)
		h.writeJSON(w, http.StatusOK, map[string]bool{"received": true})
		return
	}

	p, ok := domain.ParseProvider(providerName)
	if !ok {
		log.Printf("level=warn component=api endpoint=webhook outcome=ignored reason=unknown_provider provider=%q", providerName)
		h.writeJSON(w, http.StatusOK, map[string]bool{"received": true})
		return
	}

	// A provider hanging up must not abort the transition and settlement writes.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), webhookProcessTimeout)
	defer cancel()

	result, err := h.service.HandleWebhook(ctx, p, r.Header, body)
	switch {
	case errors.Is(err, domain.ErrInvalidWebhookSignature):
		log.Printf("level=warn component=api endpoint=webhook outcome=ignored reason=invalid_signature provider=%s", p)
	case err != nil:
		log.Printf("level=error component=api endpoint=webhook outcome=error provider=%s err=%v", p, err)
	default:
		log.Printf("level=info component=api endpoint=webhook provider=%s order_id=%s outcome=%s", p, result.OrderID, result.Outcome)
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

// CreateOrderHandler accepts a confirmed stablecoin deposit and starts the payout.
func (h *OrderHandlers) CreateOrderHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetClerkUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Could not get user ID from context")
		return
	}

	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	p, ok := domain.ParseProvider(strings.ToLower(strings.TrimSpace(req.Provider)))
	if !ok {
		h.writeError(w, http.StatusBadRequest, "Unsupported provider")
		return
	}
	rate := req.RateQuote
	if rate.IsZero() {
		rate = req.Rate
	}

	result, err := h.service.CreateOrder(r.Context(), app.CreateOrderRequest{
		OwnerID:               userID,
		Provider:              p,
		DepositAmount:         req.DepositAmount,
		LocalCurrency:         req.LocalCurrency,
		RateQuote:             rate,
		PaymentMethod:         req.PaymentMethod,
		DepositTransactionRef: req.DepositTransactionRef,
		WalletAddress:         req.WalletAddress,
	})
	if err != nil {
		log.Printf("level=warn component=api endpoint=create_order outcome=reject user_id=%s provider=%s err=%v", userID, p, err)
		h.writeServiceError(w, err)
		return
	}

	log.Printf("level=info component=api endpoint=create_order outcome=accepted user_id=%s order_id=%s provider=%s", userID, result.OrderID, p)
	h.writeJSON(w, http.StatusCreated, result)
}

// GetOrderHandler returns the caller's order status.
func (h *OrderHandlers) GetOrderHandler(w http.ResponseWriter, r *http.Request) {
	userID, orderID, ok := h.ownerAndOrder(w, r)
	if !ok {
		return
	}
	view, err := h.service.GetOrderForOwner(r.Context(), orderID, userID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, view)
}

// RefreshOrderHandler polls the provider for the caller's order.
func (h *OrderHandlers) RefreshOrderHandler(w http.ResponseWriter, r *http.Request) {
	userID, orderID, ok := h.ownerAndOrder(w, r)
	if !ok {
		return
	}

	if h.limiter != nil && h.opts.RefreshLimitPerMinute > 0 {
		decision, err := h.limiter.Allow(r.Context(), app.RefreshRateLimitScope, userID, app.PerMinute(h.opts.RefreshLimitPerMinute))
		if err != nil {
			log.Printf("level=warn component=api endpoint=refresh_order msg=\"rate limiter unavailable; allowing\" user_id=%s err=%v", userID, err)
		} else if !decision.Allowed {
			w.Header().Set("Retry-After", strconv.Itoa(decision.RetryAfterSeconds()))
			h.writeError(w, http.StatusTooManyRequests, "Too many refresh requests. Please wait and try again.")
			return
		}
	}

	view, err := h.service.RefreshOrder(r.Context(), orderID, userID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, view)
}

// InternalGetOrderHandler returns any order with its status history.
func (h *OrderHandlers) InternalGetOrderHandler(w http.ResponseWriter, r *http.Request) {
	orderID, err := uuid.Parse(chi.URLParam(r, "orderID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid order ID")
		return
	}
	view, err := h.service.GetOrder(r.Context(), orderID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	history, err := h.service.ListStatusHistory(r.Context(), orderID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, orderStatusResponse{OrderView: view, History: history})
}

// InternalGetOrderByRefHandler looks an order up by provider transaction reference.
func (h *OrderHandlers) InternalGetOrderByRefHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := domain.ParseProvider(chi.URLParam(r, "provider"))
	if !ok {
		h.writeError(w, http.StatusBadRequest, "Unsupported provider")
		return
	}
	view, err := h.service.GetOrderByTransactionRef(r.Context(), p, chi.URLParam(r, "ref"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, view)
}

// SweepSettlementsHandler runs the settlement sweep once.
func (h *OrderHandlers) SweepSettlementsHandler(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.SweepSettlements(r.Context(), sweepLimit(r))
	h.writeSweepReport(w, "settlements", report, err)
}

// PollStaleOrdersHandler runs the stale-order poll once.
func (h *OrderHandlers) PollStaleOrdersHandler(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.PollStaleOrders(r.Context(), sweepLimit(r), h.opts.SweepConcurrency)
	h.writeSweepReport(w, "stale_orders", report, err)
}

// RecoverIntentsHandler runs intent recovery once.
func (h *OrderHandlers) RecoverIntentsHandler(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.RecoverIntents(r.Context(), sweepLimit(r))
	h.writeSweepReport(w, "intents", report, err)
}

func (h *OrderHandlers) writeSweepReport(w http.ResponseWriter, sweep string, report app.SweepReport, err error) {
	if err != nil {
		log.Printf("level=error component=api endpoint=reconcile sweep=%s err=%v", sweep, err)
		h.writeError(w, http.StatusInternalServerError, "Sweep failed")
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}

func sweepLimit(r *http.Request) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 || limit > 1000 {
		return defaultSweepLimit
	}
	return limit
}

func (h *OrderHandlers) ownerAndOrder(w http.ResponseWriter, r *http.Request) (string, uuid.UUID, bool) {
	userID, ok := GetClerkUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Could not get user ID from context")
		return "", uuid.Nil, false
	}
	orderID, err := uuid.Parse(chi.URLParam(r, "orderID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid order ID")
		return "", uuid.Nil, false
	}
	return userID, orderID, true
}

// writeServiceError maps service errors onto HTTP statuses.
func (h *OrderHandlers) writeServiceError(w http.ResponseWriter, err error) {
	var unavailable *domain.ProviderUnavailableError
	switch {
	case errors.Is(err, domain.ErrInvalidAmount),
		errors.Is(err, domain.ErrInvalidOrderRequest),
		errors.Is(err, domain.ErrInvalidPaymentMethod),
		errors.Is(err, domain.ErrUnsupportedPaymentMethod),
		errors.Is(err, domain.ErrUnsupportedProvider):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrDepositAlreadyUsed), errors.Is(err, domain.ErrDuplicateTransactionRef):
		h.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrOrderNotFound):
		h.writeError(w, http.StatusNotFound, "Order not found")
	case errors.As(err, &unavailable):
		if unavailable.Ambiguous() {
			h.writeError(w, http.StatusGatewayTimeout, "Payout provider did not confirm the request; it will be reconciled automatically")
			return
		}
		h.writeError(w, http.StatusBadGateway, "Payout provider rejected the request")
	default:
		log.Printf("level=error component=api msg=\"unhandled service error\" err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

// writeJSON is a helper for writing JSON responses.
func (h *OrderHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *OrderHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
