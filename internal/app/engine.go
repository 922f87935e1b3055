/**
 * @description
 * This file contains the reconciliation engine: the single place where a provider
 * status signal, whether pushed by webhook or pulled by a poll, is turned into a
 * canonical order transition.
 *
 * Key features:
 * - Forward-only transitions (pending < processing < terminal); terminal states never change.
 * - Optimistic concurrency through the store's guarded status update; no in-process locks.
 * - The first entry into a delivered state records the settlement in the same unit of work.
 * - Orphan, unmapped and inconsistent signals are audited, never surfaced to the sender.
 *
 * @dependencies
 * - internal/provider: Maps raw provider statuses to canonical ones.
 * - internal/store: Conditional update and audit persistence.
 * - pkg/rabbitmq: Publishes applied transitions.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/Thedongraphix/Minisend-sub003/internal/domain"
	"github.com/Thedongraphix/Minisend-sub003/internal/provider"
	"github.com/Thedongraphix/Minisend-sub003/internal/store"
	"github.com/Thedongraphix/Minisend-sub003/pkg/rabbitmq"
	"github.com/google/uuid"
)

const defaultMaxRaceRetries = 5

// Signal is one provider status observation.
type Signal struct {
	Provider         domain.Provider
	TransactionRef   string
	Source           domain.SignalSource
	RawStatus        string
	ReceiptReference *string
	FailureReason    *string
	ObservedAt       time.Time
}

// SignalResult reports what the engine did with a signal.
type SignalResult struct {
	Outcome    domain.SignalOutcome
	OrderID    uuid.UUID
	Previous   domain.Status
	Current    domain.Status
	Settlement *domain.Settlement
}

// Err returns the observability error for outcomes that did not advance an order.
func (r *SignalResult) Err() error {
	switch r.Outcome {
	case domain.OutcomeOrphan:
		return domain.ErrOrphanStatusSignal
	case domain.OutcomeInconsistent:
		return domain.ErrInconsistentTransition
	default:
		return nil
	}
}

// Engine applies status signals to orders.
type Engine struct {
	repo           store.Repository
	registry       *provider.Registry
	recorder       *SettlementRecorder
	publisher      rabbitmq.Publisher
	maxRaceRetries int
	now            func() time.Time
}

// NewEngine creates a reconciliation engine.
func NewEngine(repo store.Repository, registry *provider.Registry, recorder *SettlementRecorder, publisher rabbitmq.Publisher) *Engine {
	if publisher == nil {
		publisher = &rabbitmq.EventProducerFallback{}
	}
	return &Engine{
		repo:           repo,
		registry:       registry,
		recorder:       recorder,
		publisher:      publisher,
		maxRaceRetries: defaultMaxRaceRetries,
		now:            time.Now,
	}
}

// Apply reconciles one signal. A nil error means the signal was fully handled,
// including the non-advancing outcomes; errors are storage or configuration
// failures the caller may retry.
func (e *Engine) Apply(ctx context.Context, sig Signal) (*SignalResult, error) {
	adapter, err := e.registry.Get(sig.Provider)
	if err != nil {
		return nil, err
	}
	if sig.ObservedAt.IsZero() {
		sig.ObservedAt = e.now().UTC()
	}

	order, err := e.repo.FindOrderByTransactionRef(ctx, sig.Provider, sig.TransactionRef)
	if err != nil {
		if errors.Is(err, domain.ErrOrderNotFound) {
			log.Printf("level=warn component=reconciliation_engine outcome=orphan provider=%s ref=%s source=%s raw_status=%q", sig.Provider, sig.TransactionRef, sig.Source, sig.RawStatus)
			e.audit(ctx, sig, nil, domain.StatusUnknown, domain.OutcomeOrphan)
			return &SignalResult{Outcome: domain.OutcomeOrphan}, nil
		}
		return nil, fmt.Errorf("lookup order by ref: %w", err)
	}

	next := adapter.MapStatus(sig.RawStatus)
	if !next.IsKnown() {
		log.Printf("level=warn component=reconciliation_engine outcome=unmapped order_id=%s provider=%s raw_status=%q", order.ID, sig.Provider, sig.RawStatus)
		e.audit(ctx, sig, &order.ID, order.CanonicalStatus, domain.OutcomeUnmapped)
		return &SignalResult{Outcome: domain.OutcomeUnmapped, OrderID: order.ID, Previous: order.CanonicalStatus, Current: order.CanonicalStatus}, nil
	}

	raced := false
	for attempt := 0; attempt < e.maxRaceRetries; attempt++ {
		current := order.CanonicalStatus

		switch domain.DecideTransition(current, next) {
		case domain.TransitionRedundant:
			log.Printf("level=info component=reconciliation_engine outcome=redundant order_id=%s status=%s source=%s", order.ID, current, sig.Source)
			return &SignalResult{Outcome: domain.OutcomeRedundant, OrderID: order.ID, Previous: current, Current: current}, nil

		case domain.TransitionRegressive:
			// A loser that finds the winner at or beyond its own status has nothing to
			// report, unless the two disagree on the terminal outcome.
			if raced && current.AtOrBeyond(next) && !conflictingTerminals(current, next) {
				log.Printf("level=info component=reconciliation_engine outcome=redundant order_id=%s status=%s observed=%s source=%s msg=\"lost update race\"", order.ID, current, next, sig.Source)
				return &SignalResult{Outcome: domain.OutcomeRedundant, OrderID: order.ID, Previous: current, Current: current}, nil
			}
			log.Printf("level=warn component=reconciliation_engine outcome=inconsistent order_id=%s current=%s observed=%s raw_status=%q source=%s", order.ID, current, next, sig.RawStatus, sig.Source)
			e.audit(ctx, sig, &order.ID, current, domain.OutcomeInconsistent)
			return &SignalResult{Outcome: domain.OutcomeInconsistent, OrderID: order.ID, Previous: current, Current: current}, nil
		}

		applied, err := e.repo.ConditionalUpdateStatus(ctx, store.UpdateStatusParams{
			OrderID:          order.ID,
			Expected:         current,
			Next:             next,
			RawStatus:        sig.RawStatus,
			Source:           sig.Source,
			ReceiptReference: sig.ReceiptReference,
			FailureReason:    sig.FailureReason,
			At:               sig.ObservedAt,
		})
		if err != nil {
			return nil, fmt.Errorf("conditional status update: %w", err)
		}
		if applied {
			return e.afterApplied(ctx, order, current, next, sig), nil
		}

		raced = true
		order, err = e.repo.FindOrderByID(ctx, order.ID)
		if err != nil {
			return nil, fmt.Errorf("re-read order after lost update: %w", err)
		}
	}

	return nil, fmt.Errorf("order %s: status update still contended after %d attempts", order.ID, e.maxRaceRetries)
}

func (e *Engine) afterApplied(ctx context.Context, order *domain.Order, previous, next domain.Status, sig Signal) *SignalResult {
	log.Printf("level=info component=reconciliation_engine outcome=applied order_id=%s from=%s to=%s source=%s raw_status=%q", order.ID, previous, next, sig.Source, sig.RawStatus)

	order.CanonicalStatus = next
	order.ProviderRawStatus = sig.RawStatus
	order.LastStatusAt = sig.ObservedAt
	if sig.ReceiptReference != nil {
		order.ReceiptReference = sig.ReceiptReference
	}
	if sig.FailureReason != nil {
		order.FailureReason = sig.FailureReason
	}
	if next.IsTerminal() {
		at := sig.ObservedAt
		order.CompletedAt = &at
	}

	result := &SignalResult{Outcome: domain.OutcomeApplied, OrderID: order.ID, Previous: previous, Current: next}

	// Only this transition can enter a delivered state, since terminal states never
	// change again.
	if next.IsSuccess() && e.recorder != nil {
		settlement, _, err := e.recorder.RecordForOrder(ctx, order)
		if err != nil {
			log.Printf("level=error component=reconciliation_engine msg=\"settlement recording failed; left to sweep\" order_id=%s err=%v", order.ID, err)
		} else {
			result.Settlement = settlement
		}
	}

	event := domain.OrderStatusEvent{
		OrderID:                order.ID,
		Provider:               order.Provider,
		ProviderTransactionRef: order.ProviderTransactionRef,
		OwnerID:                order.OwnerID,
		PreviousStatus:         previous,
		Status:                 next,
		Source:                 sig.Source,
		RecipientAmount:        order.RecipientAmount,
		PlatformFee:            order.PlatformFee,
		Currency:               order.LocalCurrency,
		ReceiptReference:       order.ReceiptReference,
		OccurredAt:             sig.ObservedAt,
	}
	if err := e.publisher.PublishOrderStatus(ctx, event); err != nil {
		log.Printf("level=warn component=reconciliation_engine msg=\"order status event publish failed\" order_id=%s status=%s err=%v", order.ID, next, err)
	}

	return result
}

func (e *Engine) audit(ctx context.Context, sig Signal, orderID *uuid.UUID, current domain.Status, outcome domain.SignalOutcome) {
	err := e.repo.RecordSignalAudit(ctx, &domain.SignalAudit{
		ID:                     uuid.New(),
		Provider:               sig.Provider,
		ProviderTransactionRef: sig.TransactionRef,
		OrderID:                orderID,
		Source:                 sig.Source,
		RawStatus:              sig.RawStatus,
		CurrentStatus:          current,
		Outcome:                outcome,
		ReceivedAt:             sig.ObservedAt,
	})
	if err != nil {
		log.Printf("level=warn component=reconciliation_engine msg=\"signal audit write failed\" provider=%s ref=%s outcome=%s err=%v", sig.Provider, sig.TransactionRef, outcome, err)
	}
}

func conflictingTerminals(current, next domain.Status) bool {
	return current.IsTerminal() && next.IsTerminal() && current != next
}
