/**
 * @description
 * This file defines the `Repository` interface, the contract for all data access
 * required by the off-ramp service. Status changes and settlement creation rely on
 * the storage layer's conditional updates and unique constraints; the application
 * layer holds no locks of its own.
 *
 * @dependencies
 * - github.com/google/uuid: For UUID handling.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/Thedongraphix/Minisend-sub003/internal/domain"
	"github.com/google/uuid"
)

var (
	ErrIntentNotFound     = errors.New("disbursement intent not found")
	ErrSettlementNotFound = errors.New("settlement not found")
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Order methods
	CreateOrder(ctx context.Context, order *domain.Order) error
	FindOrderByID(ctx context.Context, orderID uuid.UUID) (*domain.Order, error)
	FindOrderByTransactionRef(ctx context.Context, provider domain.Provider, ref string) (*domain.Order, error)
	FindOrderByDepositRef(ctx context.Context, depositRef string) (*domain.Order, error)
	ListStatusHistory(ctx context.Context, orderID uuid.UUID) ([]domain.StatusHistoryEntry, error)
	// ConditionalUpdateStatus applies the update only if the stored status still
	// equals params.Expected, and appends the history entry in the same write.
	ConditionalUpdateStatus(ctx context.Context, params UpdateStatusParams) (bool, error)
	ListOrdersAwaitingSettlement(ctx context.Context, limit int) ([]domain.Order, error)
	ListNonTerminalOrders(ctx context.Context, lastStatusBefore time.Time, limit int) ([]domain.Order, error)

	// Settlement methods
	// RecordSettlementOnce inserts the settlement unless one exists for the order,
	// in which case the existing row is returned with created == false.
	RecordSettlementOnce(ctx context.Context, settlement *domain.Settlement) (stored *domain.Settlement, created bool, err error)
	FindSettlementByOrderID(ctx context.Context, orderID uuid.UUID) (*domain.Settlement, error)

	// Signal audit methods
	RecordSignalAudit(ctx context.Context, audit *domain.SignalAudit) error

	// Disbursement intent methods
	// ReserveIntent inserts a reserved intent. An earlier rejected intent for the same
	// deposit is reclaimed; any other existing intent yields ErrDepositAlreadyUsed.
	ReserveIntent(ctx context.Context, intent *domain.DisbursementIntent) (*domain.DisbursementIntent, error)
	MarkIntentDispatched(ctx context.Context, intentID uuid.UUID, providerRef, rawStatus string) error
	MarkIntentCompleted(ctx context.Context, intentID uuid.UUID) error
	MarkIntentRejected(ctx context.Context, intentID uuid.UUID, reason string) error
	MarkIntentUnknown(ctx context.Context, intentID uuid.UUID, reason string) error
	FindIntentByID(ctx context.Context, intentID uuid.UUID) (*domain.DisbursementIntent, error)
	ListRecoverableIntents(ctx context.Context, updatedBefore time.Time, limit int) ([]domain.DisbursementIntent, error)
}

// UpdateStatusParams describes a guarded status change.
type UpdateStatusParams struct {
	OrderID          uuid.UUID
	Expected         domain.Status
	Next             domain.Status
	RawStatus        string
	Source           domain.SignalSource
	ReceiptReference *string
	FailureReason    *string
	At               time.Time
}
