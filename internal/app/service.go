/**
 * @description
 * This file contains the core business logic for the off-ramp service. The `Service`
 * struct orchestrates order creation, status queries and the background sweeps,
 * coordinating between the repository, the provider adapters and the reconciliation
 * engine.
 *
 * Key features:
 * - A disbursement intent is persisted before any provider call, so an accepted
 *   disbursement is never lost when the order insert fails afterwards.
 * - Provider calls never run inside a store transaction.
 * - Creation errors are returned to the caller; reconciliation errors are only logged.
 *
 * @dependencies
 * - github.com/shopspring/decimal: Deposit amounts, rates and fee fractions.
 * - golang.org/x/sync/errgroup: Bounded concurrency for the stale-order sweep.
 * - internal/fees, internal/provider, internal/store: Amounts, providers, persistence.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Thedongraphix/Minisend-sub003/internal/domain"
	"github.com/Thedongraphix/Minisend-sub003/internal/fees"
	"github.com/Thedongraphix/Minisend-sub003/internal/provider"
	"github.com/Thedongraphix/Minisend-sub003/internal/store"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

const disburseTimeout = 45 * time.Second

// Display statuses reported to users.
const (
	DisplayCompleted       = "completed"
	DisplayFailed          = "failed"
	DisplayStillProcessing = "still_processing"
	DisplayProcessing      = "processing"
)

// ServiceOptions configures a Service.
type ServiceOptions struct {
	DefaultFeeFraction decimal.Decimal
	PublicBaseURL      string
	StaleThreshold     time.Duration
	PollPolicy         RetryPolicy
	// BackgroundPolling starts a poll loop for every accepted order.
	BackgroundPolling bool
}

// CreateOrderRequest is the order-creation input from the application layer.
// FeeFraction overrides the configured default when set; the HTTP API never sets it.
type CreateOrderRequest struct {
	OwnerID               string
	Provider              domain.Provider
	DepositAmount         decimal.Decimal
	LocalCurrency         string
	RateQuote             decimal.Decimal
	FeeFraction           *decimal.Decimal
	PaymentMethod         domain.PaymentMethod
	DepositTransactionRef string
	WalletAddress         string
}

// CreateOrderResult is returned once a provider accepted the disbursement.
type CreateOrderResult struct {
	OrderID                uuid.UUID     `json:"orderId"`
	ProviderTransactionRef string        `json:"providerTransactionRef"`
	RecipientAmount        int64         `json:"recipientAmount"`
	PlatformFee            int64         `json:"platformFee"`
	TotalLocalAmount       int64         `json:"totalLocalAmount"`
	Status                 domain.Status `json:"status"`
}

// OrderView is the status query response.
type OrderView struct {
	OrderID                uuid.UUID       `json:"orderId"`
	Provider               domain.Provider `json:"provider"`
	ProviderTransactionRef string          `json:"providerTransactionRef"`
	CanonicalStatus        domain.Status   `json:"canonicalStatus"`
	DisplayStatus          string          `json:"displayStatus"`
	RecipientAmount        int64           `json:"recipientAmount"`
	PlatformFee            int64           `json:"platformFee"`
	TotalLocalAmount       int64           `json:"totalLocalAmount"`
	Currency               string          `json:"currency"`
	ReceiptReference       *string         `json:"receiptReference,omitempty"`
	FailureReason          *string         `json:"failureReason,omitempty"`
	CreatedAt              time.Time       `json:"createdAt"`
	LastStatusAt           time.Time       `json:"lastStatusAt"`
	CompletedAt            *time.Time      `json:"completedAt,omitempty"`
}

// SweepReport summarizes one sweep run.
type SweepReport struct {
	Scanned   int `json:"scanned"`
	Succeeded int `json:"succeeded"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

// Service provides the core business logic for off-ramp orders.
type Service struct {
	repo     store.Repository
	registry *provider.Registry
	engine   *Engine
	poller   *Poller
	recorder *SettlementRecorder
	opts     ServiceOptions
	now      func() time.Time

	bgCtx    context.Context
	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup
}

// NewService creates a new off-ramp service instance.
func NewService(repo store.Repository, registry *provider.Registry, engine *Engine, recorder *SettlementRecorder, opts ServiceOptions) *Service {
	if opts.StaleThreshold <= 0 {
		opts.StaleThreshold = 15 * time.Minute
	}
	if opts.PollPolicy.MaxAttempts <= 0 {
		opts.PollPolicy = DefaultRetryPolicy(0)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		repo:     repo,
		registry: registry,
		engine:   engine,
		poller:   NewPoller(repo, registry, engine, opts.PollPolicy),
		recorder: recorder,
		opts:     opts,
		now:      time.Now,
		bgCtx:    ctx,
		bgCancel: cancel,
	}
}

// Close stops background poll loops and waits for them to return.
func (s *Service) Close() {
	s.bgCancel()
	s.bgWG.Wait()
}

// Engine exposes the reconciliation engine to the transport layers.
func (s *Service) Engine() *Engine { return s.engine }

// CreateOrder computes amounts, asks the provider to disburse and records the order.
func (s *Service) CreateOrder(ctx context.Context, req CreateOrderRequest) (*CreateOrderResult, error) {
	req.OwnerID = strings.TrimSpace(req.OwnerID)
	req.DepositTransactionRef = strings.TrimSpace(req.DepositTransactionRef)
	req.WalletAddress = strings.TrimSpace(req.WalletAddress)
	req.LocalCurrency = strings.ToUpper(strings.TrimSpace(req.LocalCurrency))
	switch {
	case req.OwnerID == "":
		return nil, fmt.Errorf("%w: owner is required", domain.ErrInvalidOrderRequest)
	case req.DepositTransactionRef == "":
		return nil, fmt.Errorf("%w: depositTransactionRef is required", domain.ErrInvalidOrderRequest)
	case req.WalletAddress == "":
		return nil, fmt.Errorf("%w: walletAddress is required", domain.ErrInvalidOrderRequest)
	case len(req.LocalCurrency) != 3:
		return nil, fmt.Errorf("%w: localCurrency must be an ISO 4217 code", domain.ErrInvalidOrderRequest)
	}

	adapter, err := s.registry.Get(req.Provider)
	if err != nil {
		return nil, err
	}

	method := req.PaymentMethod.Normalize()
	if err := method.Validate(); err != nil {
		return nil, err
	}
	if !adapter.Supports(method.Kind) {
		return nil, fmt.Errorf("%w: %s does not support %q", domain.ErrUnsupportedPaymentMethod, adapter.Name(), method.Kind)
	}

	feeFraction := s.opts.DefaultFeeFraction
	if req.FeeFraction != nil {
		feeFraction = *req.FeeFraction
	}
	breakdown, err := fees.Calculate(req.DepositAmount, req.RateQuote, feeFraction)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	intent, err := s.repo.ReserveIntent(ctx, &domain.DisbursementIntent{
		ID:                    uuid.New(),
		Provider:              adapter.Name(),
		State:                 domain.IntentReserved,
		OwnerID:               req.OwnerID,
		WalletAddress:         req.WalletAddress,
		DepositAmount:         req.DepositAmount,
		DepositTransactionRef: req.DepositTransactionRef,
		LocalCurrency:         req.LocalCurrency,
		RateUsed:              req.RateQuote,
		FeeFraction:           feeFraction,
		TotalLocalAmount:      breakdown.Total,
		RecipientAmount:       breakdown.RecipientAmount,
		PlatformFee:           breakdown.PlatformFee,
		PaymentMethod:         method,
		CreatedAt:             now,
		UpdatedAt:             now,
	})
	if err != nil {
		return nil, err
	}

	// A disconnecting client must not cancel the provider call.
	disburseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), disburseTimeout)
	defer cancel()

	accepted, err := adapter.Disburse(disburseCtx, s.disburseRequest(intent))
	if err != nil {
		s.recordDisburseFailure(disburseCtx, intent, err)
		return nil, err
	}
	log.Printf("level=info component=offramp_service msg=\"disbursement accepted\" order_id=%s provider=%s ref=%s raw_status=%q recipient=%s", intent.ID, intent.Provider, accepted.TransactionRef, accepted.RawStatus, method.Masked())

	if err := s.repo.MarkIntentDispatched(disburseCtx, intent.ID, accepted.TransactionRef, accepted.RawStatus); err != nil {
		log.Printf("level=error component=offramp_service msg=\"failed to mark intent dispatched\" order_id=%s ref=%s err=%v", intent.ID, accepted.TransactionRef, err)
	}

	order, err := s.persistOrder(disburseCtx, intent, accepted.TransactionRef, accepted.RawStatus)
	if err != nil {
		return nil, err
	}

	if accepted.Status.IsKnown() && accepted.Status != domain.StatusPending {
		if _, err := s.engine.Apply(disburseCtx, Signal{
			Provider:       order.Provider,
			TransactionRef: order.ProviderTransactionRef,
			Source:         domain.SourcePoll,
			RawStatus:      accepted.RawStatus,
		}); err != nil {
			log.Printf("level=warn component=offramp_service msg=\"failed to apply initial status\" order_id=%s err=%v", order.ID, err)
		}
	}

	s.startTracking(order.ID)

	status := order.CanonicalStatus
	if latest, err := s.repo.FindOrderByID(disburseCtx, order.ID); err == nil {
		status = latest.CanonicalStatus
	}
	return &CreateOrderResult{
		OrderID:                order.ID,
		ProviderTransactionRef: order.ProviderTransactionRef,
		RecipientAmount:        order.RecipientAmount,
		PlatformFee:            order.PlatformFee,
		TotalLocalAmount:       order.TotalLocalAmount,
		Status:                 status,
	}, nil
}

func (s *Service) disburseRequest(intent *domain.DisbursementIntent) provider.DisburseRequest {
	callback := ""
	if s.opts.PublicBaseURL != "" {
		callback = s.opts.PublicBaseURL + "/webhooks/" + string(intent.Provider)
	}
	return provider.DisburseRequest{
		OrderID:         intent.ID,
		ClientReference: intent.DepositTransactionRef,
		WalletAddress:   intent.WalletAddress,
		Currency:        intent.LocalCurrency,
		DepositAmount:   intent.DepositAmount.String(),
		Rate:            intent.RateUsed.String(),
		TotalAmount:     intent.TotalLocalAmount,
		RecipientAmount: intent.RecipientAmount,
		PlatformFee:     intent.PlatformFee,
		PaymentMethod:   intent.PaymentMethod,
		CallbackURL:     callback,
	}
}

func (s *Service) recordDisburseFailure(ctx context.Context, intent *domain.DisbursementIntent, cause error) {
	var unavailable *domain.ProviderUnavailableError
	var markErr error
	if errors.As(cause, &unavailable) && unavailable.Ambiguous() {
		log.Printf("level=error component=offramp_service msg=\"disbursement outcome unknown; left for recovery\" order_id=%s provider=%s err=%v", intent.ID, intent.Provider, cause)
		markErr = s.repo.MarkIntentUnknown(ctx, intent.ID, cause.Error())
	} else {
		log.Printf("level=warn component=offramp_service msg=\"disbursement rejected\" order_id=%s provider=%s err=%v", intent.ID, intent.Provider, cause)
		markErr = s.repo.MarkIntentRejected(ctx, intent.ID, cause.Error())
	}
	if markErr != nil {
		log.Printf("level=error component=offramp_service msg=\"failed to record disbursement failure on intent\" order_id=%s err=%v", intent.ID, markErr)
	}
}

// persistOrder writes the pending order for an accepted disbursement and closes the
// intent. A failure leaves the intent dispatched for the recovery sweep.
func (s *Service) persistOrder(ctx context.Context, intent *domain.DisbursementIntent, ref, rawStatus string) (*domain.Order, error) {
	order := domain.OrderFromIntent(*intent, ref, rawStatus, s.now().UTC())
	if err := s.repo.CreateOrder(ctx, order); err != nil {
		log.Printf("level=error component=offramp_service msg=\"failed to persist accepted order\" order_id=%s provider=%s ref=%s err=%v", intent.ID, intent.Provider, ref, err)
		if errors.Is(err, domain.ErrDuplicateTransactionRef) || errors.Is(err, domain.ErrDepositAlreadyUsed) {
			return nil, err
		}
		return nil, fmt.Errorf("persist order: %w", err)
	}
	if err := s.repo.MarkIntentCompleted(ctx, intent.ID); err != nil {
		log.Printf("level=warn component=offramp_service msg=\"failed to complete intent\" order_id=%s err=%v", intent.ID, err)
	}
	return order, nil
}

func (s *Service) startTracking(orderID uuid.UUID) {
	if !s.opts.BackgroundPolling {
		return
	}
	s.bgWG.Add(1)
	go func() {
		defer s.bgWG.Done()
		if _, err := s.poller.Track(s.bgCtx, orderID); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("level=warn component=offramp_service msg=\"background poll stopped\" order_id=%s err=%v", orderID, err)
		}
	}()
}

// GetOrder returns the status view of an order.
func (s *Service) GetOrder(ctx context.Context, orderID uuid.UUID) (*OrderView, error) {
	order, err := s.repo.FindOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return s.view(order), nil
}

// GetOrderForOwner returns the order only if ownerID created it.
func (s *Service) GetOrderForOwner(ctx context.Context, orderID uuid.UUID, ownerID string) (*OrderView, error) {
	order, err := s.repo.FindOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.OwnerID != ownerID {
		return nil, domain.ErrOrderNotFound
	}
	return s.view(order), nil
}

// GetOrderByTransactionRef returns the status view of the order a provider reference
// belongs to.
func (s *Service) GetOrderByTransactionRef(ctx context.Context, p domain.Provider, ref string) (*OrderView, error) {
	order, err := s.repo.FindOrderByTransactionRef(ctx, p, ref)
	if err != nil {
		return nil, err
	}
	return s.view(order), nil
}

// ListStatusHistory returns the applied transitions of an order.
func (s *Service) ListStatusHistory(ctx context.Context, orderID uuid.UUID) ([]domain.StatusHistoryEntry, error) {
	return s.repo.ListStatusHistory(ctx, orderID)
}

// RefreshOrder polls the provider once on behalf of the order's owner.
func (s *Service) RefreshOrder(ctx context.Context, orderID uuid.UUID, ownerID string) (*OrderView, error) {
	order, err := s.repo.FindOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.OwnerID != ownerID {
		return nil, domain.ErrOrderNotFound
	}
	if !order.CanonicalStatus.IsTerminal() {
		if _, err := s.poller.PollOnce(ctx, order); err != nil {
			log.Printf("level=warn component=offramp_service msg=\"refresh poll failed\" order_id=%s err=%v", orderID, err)
		}
	}
	return s.GetOrder(ctx, orderID)
}

// HandleWebhook verifies and applies a provider webhook. The returned error is for
// logging only; senders are always acknowledged.
func (s *Service) HandleWebhook(ctx context.Context, p domain.Provider, header http.Header, body []byte) (*SignalResult, error) {
	adapter, err := s.registry.Get(p)
	if err != nil {
		return nil, err
	}
	signal, err := adapter.ParseWebhook(header, body)
	if err != nil {
		return nil, err
	}
	return s.engine.Apply(ctx, Signal{
		Provider:         signal.Provider,
		TransactionRef:   signal.TransactionRef,
		Source:           domain.SourceWebhook,
		RawStatus:        signal.RawStatus,
		ReceiptReference: signal.ReceiptReference,
		FailureReason:    signal.FailureReason,
		ObservedAt:       signal.ReceivedAt,
	})
}

// SweepSettlements records missing settlements for delivered orders.
func (s *Service) SweepSettlements(ctx context.Context, limit int) (SweepReport, error) {
	var report SweepReport
	orders, err := s.repo.ListOrdersAwaitingSettlement(ctx, limit)
	if err != nil {
		return report, fmt.Errorf("list orders awaiting settlement: %w", err)
	}
	for i := range orders {
		report.Scanned++
		_, created, err := s.recorder.RecordForOrder(ctx, &orders[i])
		switch {
		case err != nil:
			report.Failed++
			log.Printf("level=warn component=offramp_service msg=\"settlement sweep failed for order\" order_id=%s err=%v", orders[i].ID, err)
		case created:
			report.Succeeded++
		default:
			report.Skipped++
		}
	}
	return report, nil
}

// PollStaleOrders polls non-terminal orders whose status has not moved within the
// stale threshold, at most concurrency at a time.
func (s *Service) PollStaleOrders(ctx context.Context, limit, concurrency int) (SweepReport, error) {
	var report SweepReport
	orders, err := s.repo.ListNonTerminalOrders(ctx, s.now().Add(-s.opts.StaleThreshold), limit)
	if err != nil {
		return report, fmt.Errorf("list stale orders: %w", err)
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i := range orders {
		order := orders[i]
		g.Go(func() error {
			result, err := s.poller.PollOnce(gctx, &order)
			mu.Lock()
			defer mu.Unlock()
			report.Scanned++
			switch {
			case err != nil:
				report.Failed++
				log.Printf("level=warn component=offramp_service msg=\"stale order poll failed\" order_id=%s err=%v", order.ID, err)
			case result.Outcome == domain.OutcomeApplied:
				report.Succeeded++
			default:
				report.Skipped++
			}
			return nil
		})
	}
	_ = g.Wait()
	return report, ctx.Err()
}

// RecoverIntents resolves disbursement intents left without an order: dispatched
// intents get their order written; reserved or unknown ones are looked up at the
// provider by deposit reference.
func (s *Service) RecoverIntents(ctx context.Context, limit int) (SweepReport, error) {
	var report SweepReport
	intents, err := s.repo.ListRecoverableIntents(ctx, s.now().Add(-time.Minute), limit)
	if err != nil {
		return report, fmt.Errorf("list recoverable intents: %w", err)
	}

	for i := range intents {
		report.Scanned++
		recovered, err := s.recoverIntent(ctx, &intents[i])
		switch {
		case err != nil:
			report.Failed++
			log.Printf("level=warn component=offramp_service msg=\"intent recovery failed\" order_id=%s state=%s err=%v", intents[i].ID, intents[i].State, err)
		case recovered:
			report.Succeeded++
		default:
			report.Skipped++
		}
	}
	return report, nil
}

func (s *Service) recoverIntent(ctx context.Context, intent *domain.DisbursementIntent) (bool, error) {
	adapter, err := s.registry.Get(intent.Provider)
	if err != nil {
		return false, err
	}

	ref, raw := "", ""
	if intent.State == domain.IntentDispatched && intent.ProviderTransactionRef != nil {
		ref = *intent.ProviderTransactionRef
		if intent.ProviderRawStatus != nil {
			raw = *intent.ProviderRawStatus
		}
	} else {
		found, err := adapter.LookupByClientReference(ctx, intent.DepositTransactionRef)
		if errors.Is(err, provider.ErrTransactionNotFound) {
			log.Printf("level=info component=offramp_service msg=\"provider has no disbursement for intent; marking rejected\" order_id=%s provider=%s", intent.ID, intent.Provider)
			return false, s.repo.MarkIntentRejected(ctx, intent.ID, "provider has no disbursement for deposit reference")
		}
		if err != nil {
			return false, err
		}
		ref, raw = found.TransactionRef, found.RawStatus
		if err := s.repo.MarkIntentDispatched(ctx, intent.ID, ref, raw); err != nil {
			return false, fmt.Errorf("mark intent dispatched: %w", err)
		}
	}

	if _, err := s.repo.FindOrderByTransactionRef(ctx, intent.Provider, ref); err == nil {
		return false, s.repo.MarkIntentCompleted(ctx, intent.ID)
	} else if !errors.Is(err, domain.ErrOrderNotFound) {
		return false, err
	}

	order, err := s.persistOrder(ctx, intent, ref, raw)
	if err != nil {
		return false, err
	}
	log.Printf("level=info component=offramp_service msg=\"order recovered from intent\" order_id=%s provider=%s ref=%s", order.ID, order.Provider, ref)

	if next := adapter.MapStatus(raw); next.IsKnown() && next != domain.StatusPending {
		if _, err := s.engine.Apply(ctx, Signal{Provider: order.Provider, TransactionRef: ref, Source: domain.SourcePoll, RawStatus: raw}); err != nil {
			log.Printf("level=warn component=offramp_service msg=\"failed to apply recovered status\" order_id=%s err=%v", order.ID, err)
		}
	}
	return true, nil
}

func (s *Service) view(order *domain.Order) *OrderView {
	return &OrderView{
		OrderID:                order.ID,
		Provider:               order.Provider,
		ProviderTransactionRef: order.ProviderTransactionRef,
		CanonicalStatus:        order.CanonicalStatus,
		DisplayStatus:          DisplayStatus(order, s.now(), s.opts.StaleThreshold),
		RecipientAmount:        order.RecipientAmount,
		PlatformFee:            order.PlatformFee,
		TotalLocalAmount:       order.TotalLocalAmount,
		Currency:               order.LocalCurrency,
		ReceiptReference:       order.ReceiptReference,
		FailureReason:          order.FailureReason,
		CreatedAt:              order.CreatedAt,
		LastStatusAt:           order.LastStatusAt,
		CompletedAt:            order.CompletedAt,
	}
}

// DisplayStatus classifies an order for users. A non-terminal order is never shown
// as failed, however old it is.
func DisplayStatus(order *domain.Order, now time.Time, staleThreshold time.Duration) string {
	switch {
	case order.CanonicalStatus.IsSuccess():
		return DisplayCompleted
	case order.CanonicalStatus.IsFailure():
		return DisplayFailed
	case now.Sub(order.CreatedAt) > staleThreshold:
		return DisplayStillProcessing
	default:
		return DisplayProcessing
	}
}
