package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/Thedongraphix/Minisend-sub003/internal/domain"
	"github.com/Thedongraphix/Minisend-sub003/internal/store"
	"github.com/Thedongraphix/Minisend-sub003/pkg/rabbitmq"
	"github.com/google/uuid"
)

// SettlementRecorder creates the single settlement row of a delivered order. The
// uniqueness is enforced by the store, so concurrent or repeated calls are safe.
type SettlementRecorder struct {
	repo      store.Repository
	publisher rabbitmq.Publisher
	now       func() time.Time
}

// NewSettlementRecorder creates a SettlementRecorder.
func NewSettlementRecorder(repo store.Repository, publisher rabbitmq.Publisher) *SettlementRecorder {
	if publisher == nil {
		publisher = &rabbitmq.EventProducerFallback{}
	}
	return &SettlementRecorder{repo: repo, publisher: publisher, now: time.Now}
}

// RecordOnce returns the settlement for orderID, creating it if none exists.
// created is false when an earlier call already recorded it.
func (r *SettlementRecorder) RecordOnce(ctx context.Context, orderID uuid.UUID, amount int64, currency string, method domain.PaymentMethodKind, settledAt time.Time) (*domain.Settlement, bool, error) {
	if settledAt.IsZero() {
		settledAt = r.now().UTC()
	}

	stored, created, err := r.repo.RecordSettlementOnce(ctx, &domain.Settlement{
		ID:        uuid.New(),
		OrderID:   orderID,
		Amount:    amount,
		Currency:  currency,
		Method:    method,
		SettledAt: settledAt,
	})
	if err != nil {
		return nil, false, fmt.Errorf("record settlement: %w", err)
	}

	if !created {
		log.Printf("level=info component=settlement_recorder msg=%q order_id=%s settlement_id=%s", domain.ErrSettlementAlreadyRecorded.Error(), orderID, stored.ID)
		return stored, false, nil
	}

	log.Printf("level=info component=settlement_recorder msg=\"settlement recorded\" order_id=%s settlement_id=%s amount=%d currency=%s", orderID, stored.ID, stored.Amount, stored.Currency)
	event := domain.SettlementRecordedEvent{
		SettlementID: stored.ID,
		OrderID:      stored.OrderID,
		Amount:       stored.Amount,
		Currency:     stored.Currency,
		Method:       stored.Method,
		SettledAt:    stored.SettledAt,
	}
	if err := r.publisher.PublishSettlementRecorded(ctx, event); err != nil {
		log.Printf("level=warn component=settlement_recorder msg=\"settlement event publish failed\" order_id=%s err=%v", orderID, err)
	}
	return stored, true, nil
}

// RecordForOrder settles a delivered order for its recipient amount.
func (r *SettlementRecorder) RecordForOrder(ctx context.Context, order *domain.Order) (*domain.Settlement, bool, error) {
	if !order.CanonicalStatus.IsSuccess() {
		return nil, false, fmt.Errorf("order %s is %s, not delivered", order.ID, order.CanonicalStatus)
	}
	settledAt := order.LastStatusAt
	if order.CompletedAt != nil {
		settledAt = *order.CompletedAt
	}
	return r.RecordOnce(ctx, order.ID, order.RecipientAmount, order.LocalCurrency, order.PaymentMethod.Kind, settledAt)
}
