package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Thedongraphix/Minisend-sub003/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func newTestOrder(ref, depositRef string) *domain.Order {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return &domain.Order{
		ID:                     uuid.New(),
		Provider:               domain.ProviderPretium,
		ProviderTransactionRef: ref,
		OwnerID:                "user_1",
		WalletAddress:          "0xwallet",
		DepositAmount:          decimal.NewFromInt(10),
		DepositTransactionRef:  depositRef,
		LocalCurrency:          "KES",
		RateUsed:               decimal.NewFromInt(130),
		FeeFraction:            decimal.RequireFromString("0.01"),
		TotalLocalAmount:       1300,
		RecipientAmount:        1287,
		PlatformFee:            13,
		PaymentMethod:          domain.PaymentMethod{Kind: domain.PaymentMethodPhone, Phone: "254712345678"},
		CanonicalStatus:        domain.StatusPending,
		ProviderRawStatus:      "PENDING",
		CreatedAt:              now,
		LastStatusAt:           now,
	}
}

func TestMemoryCreateOrderEnforcesUniqueness(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	if err := repo.CreateOrder(ctx, newTestOrder("PRT-1", "0xdep1")); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if err := repo.CreateOrder(ctx, newTestOrder("PRT-1", "0xdep2")); !errors.Is(err, domain.ErrDuplicateTransactionRef) {
		t.Fatalf("expected ErrDuplicateTransactionRef, got %v", err)
	}
	if err := repo.CreateOrder(ctx, newTestOrder("PRT-2", "0xdep1")); !errors.Is(err, domain.ErrDepositAlreadyUsed) {
		t.Fatalf("expected ErrDepositAlreadyUsed, got %v", err)
	}

	other := newTestOrder("PRT-1", "0xdep3")
	other.Provider = domain.ProviderPaycrest
	if err := repo.CreateOrder(ctx, other); err != nil {
		t.Fatalf("same ref under another provider should be accepted, got %v", err)
	}
}

func TestMemoryConditionalUpdateStatus(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	order := newTestOrder("PRT-1", "0xdep1")
	if err := repo.CreateOrder(ctx, order); err != nil {
		t.Fatalf("create order: %v", err)
	}

	receipt := "QK12ABC"
	applied, err := repo.ConditionalUpdateStatus(ctx, UpdateStatusParams{
		OrderID: order.ID, Expected: domain.StatusPending, Next: domain.StatusDelivered,
		RawStatus: "COMPLETE", Source: domain.SourceWebhook, ReceiptReference: &receipt, At: time.Now(),
	})
	if err != nil || !applied {
		t.Fatalf("expected update to apply, applied=%v err=%v", applied, err)
	}

	applied, err = repo.ConditionalUpdateStatus(ctx, UpdateStatusParams{
		OrderID: order.ID, Expected: domain.StatusPending, Next: domain.StatusProcessing,
		RawStatus: "PROCESSING", Source: domain.SourcePoll, At: time.Now(),
	})
	if err != nil || applied {
		t.Fatalf("expected stale guard to reject update, applied=%v err=%v", applied, err)
	}

	stored, _ := repo.FindOrderByID(ctx, order.ID)
	if stored.CanonicalStatus != domain.StatusDelivered || stored.CompletedAt == nil {
		t.Fatalf("unexpected stored order %+v", stored)
	}
	if stored.ReceiptReference == nil || *stored.ReceiptReference != receipt {
		t.Fatalf("expected receipt reference to be captured")
	}

	history, _ := repo.ListStatusHistory(ctx, order.ID)
	if len(history) != 1 || history[0].Source != domain.SourceWebhook {
		t.Fatalf("expected exactly one webhook history entry, got %+v", history)
	}
}

func TestMemoryRecordSettlementOnceUnderConcurrency(t *testing.T) {
	repo := NewMemoryRepository()
	orderID := uuid.New()

	var wg sync.WaitGroup
	created := make(chan bool, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := repo.RecordSettlementOnce(context.Background(), &domain.Settlement{
				ID: uuid.New(), OrderID: orderID, Amount: 1287, Currency: "KES", Method: domain.PaymentMethodPhone, SettledAt: time.Now(),
			})
			if err != nil {
				t.Errorf("record settlement: %v", err)
			}
			created <- ok
		}()
	}
	wg.Wait()
	close(created)

	count := 0
	for ok := range created {
		if ok {
			count++
		}
	}
	if count != 1 || repo.SettlementCount() != 1 {
		t.Fatalf("expected exactly one created settlement, created=%d rows=%d", count, repo.SettlementCount())
	}
}

func TestMemoryReserveIntentReclaimsOnlyRejected(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	first, err := repo.ReserveIntent(ctx, &domain.DisbursementIntent{ID: uuid.New(), DepositTransactionRef: "0xdep", CreatedAt: time.Now()})
	if err != nil {
		t.Fatalf("reserve intent: %v", err)
	}
	if _, err := repo.ReserveIntent(ctx, &domain.DisbursementIntent{ID: uuid.New(), DepositTransactionRef: "0xdep", CreatedAt: time.Now()}); !errors.Is(err, domain.ErrDepositAlreadyUsed) {
		t.Fatalf("expected ErrDepositAlreadyUsed, got %v", err)
	}

	if err := repo.MarkIntentRejected(ctx, first.ID, "insufficient float"); err != nil {
		t.Fatalf("mark rejected: %v", err)
	}
	again, err := repo.ReserveIntent(ctx, &domain.DisbursementIntent{ID: uuid.New(), DepositTransactionRef: "0xdep", CreatedAt: time.Now()})
	if err != nil {
		t.Fatalf("expected rejected intent to be reclaimed, got %v", err)
	}
	if again.ID != first.ID || again.State != domain.IntentReserved {
		t.Fatalf("expected reclaimed intent to keep id and be reserved, got %+v", again)
	}

	if err := repo.MarkIntentDispatched(ctx, again.ID, "PRT-1", "PENDING"); err != nil {
		t.Fatalf("mark dispatched: %v", err)
	}
	if err := repo.MarkIntentRejected(ctx, again.ID, "late"); !errors.Is(err, ErrIntentNotFound) {
		t.Fatalf("dispatched intent must not become rejected, got %v", err)
	}
}

func TestMemoryListRecoverableIntents(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	old := time.Now().Add(-time.Hour)

	stuck, _ := repo.ReserveIntent(ctx, &domain.DisbursementIntent{ID: uuid.New(), DepositTransactionRef: "0xa", CreatedAt: old})
	done, _ := repo.ReserveIntent(ctx, &domain.DisbursementIntent{ID: uuid.New(), DepositTransactionRef: "0xb", CreatedAt: old})
	_ = repo.MarkIntentCompleted(ctx, done.ID)
	repo.SetIntentUpdatedAt(done.ID, old)
	_, _ = repo.ReserveIntent(ctx, &domain.DisbursementIntent{ID: uuid.New(), DepositTransactionRef: "0xc", CreatedAt: time.Now()})

	got, err := repo.ListRecoverableIntents(ctx, time.Now().Add(-time.Minute), 10)
	if err != nil {
		t.Fatalf("list intents: %v", err)
	}
	if len(got) != 1 || got[0].ID != stuck.ID {
		t.Fatalf("expected only the stuck intent, got %+v", got)
	}
}
