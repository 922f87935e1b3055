/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * It contains the SQL for off-ramp orders, their status history, settlements,
 * disbursement intents and the signal audit log.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - github.com/shopspring/decimal: Deposit amounts and rates are NUMERIC columns.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Thedongraphix/Minisend-sub003/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const (
	uniqueViolation      = "23505"
	depositRefConstraint = "offramp_orders_deposit_ref_key"
)

const orderColumns = `
	id, provider, provider_transaction_ref, owner_id, wallet_address,
	deposit_amount::text, deposit_transaction_ref, local_currency, rate_used::text, fee_fraction::text,
	total_local_amount, recipient_amount, platform_fee, payment_method,
	canonical_status, provider_raw_status, receipt_reference, failure_reason,
	created_at, last_status_at, completed_at`

const intentColumns = `
	id, provider, state, owner_id, wallet_address,
	deposit_amount::text, deposit_transaction_ref, local_currency, rate_used::text, fee_fraction::text,
	total_local_amount, recipient_amount, platform_fee, payment_method,
	provider_transaction_ref, provider_raw_status, last_error, created_at, updated_at`

const settlementColumns = `id, order_id, amount, currency, method, settled_at`

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// CreateOrder inserts a new pending order.
func (r *PostgresRepository) CreateOrder(ctx context.Context, order *domain.Order) error {
	method, err := json.Marshal(order.PaymentMethod)
	if err != nil {
		return fmt.Errorf("marshal payment method: %w", err)
	}

	query := `
		INSERT INTO offramp_orders (
			id, provider, provider_transaction_ref, owner_id, wallet_address,
			deposit_amount, deposit_transaction_ref, local_currency, rate_used, fee_fraction,
			total_local_amount, recipient_amount, platform_fee, payment_method,
			canonical_status, provider_raw_status, created_at, last_status_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`
	_, err = r.db.Exec(ctx, query,
		order.ID,
		order.Provider,
		order.ProviderTransactionRef,
		order.OwnerID,
		order.WalletAddress,
		order.DepositAmount.String(),
		order.DepositTransactionRef,
		order.LocalCurrency,
		order.RateUsed.String(),
		order.FeeFraction.String(),
		order.TotalLocalAmount,
		order.RecipientAmount,
		order.PlatformFee,
		method,
		order.CanonicalStatus,
		order.ProviderRawStatus,
		order.CreatedAt,
		order.LastStatusAt,
	)
	if err != nil {
		return classifyOrderInsertError(err)
	}
	return nil
}

// classifyOrderInsertError maps unique violations on offramp_orders to domain errors.
func classifyOrderInsertError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != uniqueViolation {
		return fmt.Errorf("insert order: %w", err)
	}
	if pgErr.ConstraintName == depositRefConstraint {
		return domain.ErrDepositAlreadyUsed
	}
	return domain.ErrDuplicateTransactionRef
}

// FindOrderByID retrieves an order by its internal id.
func (r *PostgresRepository) FindOrderByID(ctx context.Context, orderID uuid.UUID) (*domain.Order, error) {
	return r.findOrder(ctx, `SELECT `+orderColumns+` FROM offramp_orders WHERE id = $1`, orderID)
}

// FindOrderByTransactionRef retrieves an order by the provider-issued reference.
func (r *PostgresRepository) FindOrderByTransactionRef(ctx context.Context, provider domain.Provider, ref string) (*domain.Order, error) {
	return r.findOrder(ctx, `SELECT `+orderColumns+` FROM offramp_orders WHERE provider = $1 AND provider_transaction_ref = $2`, provider, ref)
}

// FindOrderByDepositRef retrieves the order funded by an on-chain deposit.
func (r *PostgresRepository) FindOrderByDepositRef(ctx context.Context, depositRef string) (*domain.Order, error) {
	return r.findOrder(ctx, `SELECT `+orderColumns+` FROM offramp_orders WHERE deposit_transaction_ref = $1`, depositRef)
}

func (r *PostgresRepository) findOrder(ctx context.Context, query string, args ...interface{}) (*domain.Order, error) {
	order, err := scanOrder(r.db.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrOrderNotFound
		}
		return nil, err
	}
	return order, nil
}

// ListStatusHistory returns the applied transitions of an order, oldest first.
func (r *PostgresRepository) ListStatusHistory(ctx context.Context, orderID uuid.UUID) ([]domain.StatusHistoryEntry, error) {
	rows, err := r.db.Query(ctx, `
		SELECT at, source, raw_status, canonical_status
		FROM offramp_order_status_history
		WHERE order_id = $1
		ORDER BY id ASC
	`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []domain.StatusHistoryEntry
	for rows.Next() {
		var entry domain.StatusHistoryEntry
		if err := rows.Scan(&entry.At, &entry.Source, &entry.RawStatus, &entry.CanonicalStatus); err != nil {
			return nil, err
		}
		history = append(history, entry)
	}
	return history, rows.Err()
}

// ConditionalUpdateStatus moves an order from params.Expected to params.Next. The
// guarded UPDATE and the history INSERT commit together or not at all.
func (r *PostgresRepository) ConditionalUpdateStatus(ctx context.Context, params UpdateStatusParams) (bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE offramp_orders
		SET canonical_status = $3,
			provider_raw_status = $4,
			last_status_at = $5,
			receipt_reference = COALESCE($6, receipt_reference),
			failure_reason = COALESCE($7, failure_reason),
			completed_at = CASE WHEN $8 THEN $5 ELSE completed_at END
		WHERE id = $1 AND canonical_status = $2
	`,
		params.OrderID,
		params.Expected,
		params.Next,
		params.RawStatus,
		params.At,
		params.ReceiptReference,
		params.FailureReason,
		params.Next.IsTerminal(),
	)
	if err != nil {
		return false, fmt.Errorf("update order status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO offramp_order_status_history (order_id, source, raw_status, canonical_status, at)
		VALUES ($1, $2, $3, $4, $5)
	`, params.OrderID, params.Source, params.RawStatus, params.Next, params.At); err != nil {
		return false, fmt.Errorf("insert status history: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// ListOrdersAwaitingSettlement returns delivered or settled orders with no
// settlement row.
func (r *PostgresRepository) ListOrdersAwaitingSettlement(ctx context.Context, limit int) ([]domain.Order, error) {
	return r.listOrders(ctx, `
		SELECT `+orderColumns+`
		FROM offramp_orders
		WHERE canonical_status IN ('delivered', 'settled')
			AND NOT EXISTS (SELECT 1 FROM offramp_settlements s WHERE s.order_id = offramp_orders.id)
		ORDER BY last_status_at ASC
		LIMIT $1
	`, limit)
}

// ListNonTerminalOrders returns pending or processing orders whose status has not
// changed since lastStatusBefore.
func (r *PostgresRepository) ListNonTerminalOrders(ctx context.Context, lastStatusBefore time.Time, limit int) ([]domain.Order, error) {
	return r.listOrders(ctx, `
		SELECT `+orderColumns+`
		FROM offramp_orders
		WHERE canonical_status IN ('pending', 'processing') AND last_status_at < $1
		ORDER BY last_status_at ASC
		LIMIT $2
	`, lastStatusBefore, limit)
}

func (r *PostgresRepository) listOrders(ctx context.Context, query string, args ...interface{}) ([]domain.Order, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *order)
	}
	return orders, rows.Err()
}

// RecordSettlementOnce relies on offramp_settlements_order_key; concurrent callers
// for the same order observe exactly one created row.
func (r *PostgresRepository) RecordSettlementOnce(ctx context.Context, settlement *domain.Settlement) (*domain.Settlement, bool, error) {
	row := r.db.QueryRow(ctx, `
		INSERT INTO offramp_settlements (id, order_id, amount, currency, method, settled_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (order_id) DO NOTHING
		RETURNING `+settlementColumns,
		settlement.ID,
		settlement.OrderID,
		settlement.Amount,
		settlement.Currency,
		settlement.Method,
		settlement.SettledAt,
	)
	stored, err := scanSettlement(row)
	if err == nil {
		return stored, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("insert settlement: %w", err)
	}

	existing, err := r.FindSettlementByOrderID(ctx, settlement.OrderID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// FindSettlementByOrderID returns the settlement of an order.
func (r *PostgresRepository) FindSettlementByOrderID(ctx context.Context, orderID uuid.UUID) (*domain.Settlement, error) {
	settlement, err := scanSettlement(r.db.QueryRow(ctx, `SELECT `+settlementColumns+` FROM offramp_settlements WHERE order_id = $1`, orderID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSettlementNotFound
		}
		return nil, err
	}
	return settlement, nil
}

// RecordSignalAudit appends to the signal audit log.
func (r *PostgresRepository) RecordSignalAudit(ctx context.Context, audit *domain.SignalAudit) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO offramp_signal_audit (
			id, provider, provider_transaction_ref, order_id, source, raw_status, current_status, outcome, received_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		audit.ID,
		audit.Provider,
		audit.ProviderTransactionRef,
		audit.OrderID,
		audit.Source,
		audit.RawStatus,
		audit.CurrentStatus,
		audit.Outcome,
		audit.ReceivedAt,
	)
	return err
}

// ReserveIntent writes the intent before any provider call.
func (r *PostgresRepository) ReserveIntent(ctx context.Context, intent *domain.DisbursementIntent) (*domain.DisbursementIntent, error) {
	method, err := json.Marshal(intent.PaymentMethod)
	if err != nil {
		return nil, fmt.Errorf("marshal payment method: %w", err)
	}

	// Only a rejected intent may be reclaimed; it keeps its id.
	row := r.db.QueryRow(ctx, `
		INSERT INTO offramp_disbursement_intents (
			id, provider, state, owner_id, wallet_address,
			deposit_amount, deposit_transaction_ref, local_currency, rate_used, fee_fraction,
			total_local_amount, recipient_amount, platform_fee, payment_method,
			created_at, updated_at
		) VALUES ($1, $2, 'reserved', $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $14)
		ON CONFLICT (deposit_transaction_ref) DO UPDATE SET
			provider = EXCLUDED.provider,
			state = 'reserved',
			owner_id = EXCLUDED.owner_id,
			wallet_address = EXCLUDED.wallet_address,
			deposit_amount = EXCLUDED.deposit_amount,
			local_currency = EXCLUDED.local_currency,
			rate_used = EXCLUDED.rate_used,
			fee_fraction = EXCLUDED.fee_fraction,
			total_local_amount = EXCLUDED.total_local_amount,
			recipient_amount = EXCLUDED.recipient_amount,
			platform_fee = EXCLUDED.platform_fee,
			payment_method = EXCLUDED.payment_method,
			provider_transaction_ref = NULL,
			provider_raw_status = NULL,
			last_error = NULL,
			updated_at = EXCLUDED.updated_at
		WHERE offramp_disbursement_intents.state = 'rejected'
		RETURNING `+intentColumns,
		intent.ID,
		intent.Provider,
		intent.OwnerID,
		intent.WalletAddress,
		intent.DepositAmount.String(),
		intent.DepositTransactionRef,
		intent.LocalCurrency,
		intent.RateUsed.String(),
		intent.FeeFraction.String(),
		intent.TotalLocalAmount,
		intent.RecipientAmount,
		intent.PlatformFee,
		method,
		intent.CreatedAt,
	)
	reserved, err := scanIntent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrDepositAlreadyUsed
		}
		return nil, fmt.Errorf("reserve intent: %w", err)
	}
	return reserved, nil
}

// MarkIntentDispatched records the reference returned by the provider.
func (r *PostgresRepository) MarkIntentDispatched(ctx context.Context, intentID uuid.UUID, providerRef, rawStatus string) error {
	return r.updateIntent(ctx, `
		UPDATE offramp_disbursement_intents
		SET state = 'dispatched', provider_transaction_ref = $2, provider_raw_status = $3, last_error = NULL, updated_at = NOW()
		WHERE id = $1 AND state IN ('reserved', 'unknown', 'dispatched')
	`, intentID, providerRef, rawStatus)
}

// MarkIntentCompleted closes an intent once its order exists.
func (r *PostgresRepository) MarkIntentCompleted(ctx context.Context, intentID uuid.UUID) error {
	return r.updateIntent(ctx, `
		UPDATE offramp_disbursement_intents
		SET state = 'completed', updated_at = NOW()
		WHERE id = $1 AND state <> 'rejected'
	`, intentID)
}

// MarkIntentRejected records a definite provider refusal.
func (r *PostgresRepository) MarkIntentRejected(ctx context.Context, intentID uuid.UUID, reason string) error {
	return r.updateIntent(ctx, `
		UPDATE offramp_disbursement_intents
		SET state = 'rejected', last_error = $2, updated_at = NOW()
		WHERE id = $1 AND state IN ('reserved', 'unknown')
	`, intentID, reason)
}

// MarkIntentUnknown records that the provider may or may not have accepted the
// disbursement.
func (r *PostgresRepository) MarkIntentUnknown(ctx context.Context, intentID uuid.UUID, reason string) error {
	return r.updateIntent(ctx, `
		UPDATE offramp_disbursement_intents
		SET state = 'unknown', last_error = $2, updated_at = NOW()
		WHERE id = $1 AND state IN ('reserved', 'unknown')
	`, intentID, reason)
}

func (r *PostgresRepository) updateIntent(ctx context.Context, query string, args ...interface{}) error {
	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrIntentNotFound
	}
	return nil
}

// FindIntentByID returns an intent.
func (r *PostgresRepository) FindIntentByID(ctx context.Context, intentID uuid.UUID) (*domain.DisbursementIntent, error) {
	intent, err := scanIntent(r.db.QueryRow(ctx, `SELECT `+intentColumns+` FROM offramp_disbursement_intents WHERE id = $1`, intentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrIntentNotFound
		}
		return nil, err
	}
	return intent, nil
}

// ListRecoverableIntents returns intents left reserved, dispatched or unknown since
// before updatedBefore.
func (r *PostgresRepository) ListRecoverableIntents(ctx context.Context, updatedBefore time.Time, limit int) ([]domain.DisbursementIntent, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+intentColumns+`
		FROM offramp_disbursement_intents
		WHERE state IN ('reserved', 'dispatched', 'unknown') AND updated_at < $1
		ORDER BY updated_at ASC
		LIMIT $2
	`, updatedBefore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var intents []domain.DisbursementIntent
	for rows.Next() {
		intent, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		intents = append(intents, *intent)
	}
	return intents, rows.Err()
}

func scanOrder(row pgx.Row) (*domain.Order, error) {
	var (
		order                        domain.Order
		depositAmount, rate, feeFrac string
		method                       []byte
	)
	err := row.Scan(
		&order.ID,
		&order.Provider,
		&order.ProviderTransactionRef,
		&order.OwnerID,
		&order.WalletAddress,
		&depositAmount,
		&order.DepositTransactionRef,
		&order.LocalCurrency,
		&rate,
		&feeFrac,
		&order.TotalLocalAmount,
		&order.RecipientAmount,
		&order.PlatformFee,
		&method,
		&order.CanonicalStatus,
		&order.ProviderRawStatus,
		&order.ReceiptReference,
		&order.FailureReason,
		&order.CreatedAt,
		&order.LastStatusAt,
		&order.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	if order.DepositAmount, order.RateUsed, order.FeeFraction, err = parseDecimals(depositAmount, rate, feeFrac); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(method, &order.PaymentMethod); err != nil {
		return nil, fmt.Errorf("decode payment method: %w", err)
	}
	return &order, nil
}

func scanIntent(row pgx.Row) (*domain.DisbursementIntent, error) {
	var (
		intent                       domain.DisbursementIntent
		depositAmount, rate, feeFrac string
		method                       []byte
	)
	err := row.Scan(
		&intent.ID,
		&intent.Provider,
		&intent.State,
		&intent.OwnerID,
		&intent.WalletAddress,
		&depositAmount,
		&intent.DepositTransactionRef,
		&intent.LocalCurrency,
		&rate,
		&feeFrac,
		&intent.TotalLocalAmount,
		&intent.RecipientAmount,
		&intent.PlatformFee,
		&method,
		&intent.ProviderTransactionRef,
		&intent.ProviderRawStatus,
		&intent.LastError,
		&intent.CreatedAt,
		&intent.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if intent.DepositAmount, intent.RateUsed, intent.FeeFraction, err = parseDecimals(depositAmount, rate, feeFrac); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(method, &intent.PaymentMethod); err != nil {
		return nil, fmt.Errorf("decode payment method: %w", err)
	}
	return &intent, nil
}

func scanSettlement(row pgx.Row) (*domain.Settlement, error) {
	var s domain.Settlement
	if err := row.Scan(&s.ID, &s.OrderID, &s.Amount, &s.Currency, &s.Method, &s.SettledAt); err != nil {
		return nil, err
	}
	return &s, nil
}

func parseDecimals(deposit, rate, fee string) (decimal.Decimal, decimal.Decimal, decimal.Decimal, error) {
	d, err := decimal.NewFromString(deposit)
	if err != nil {
		return decimal.Zero, decimal.Zero, decimal.Zero, fmt.Errorf("parse deposit amount: %w", err)
	}
	r, err := decimal.NewFromString(rate)
	if err != nil {
		return decimal.Zero, decimal.Zero, decimal.Zero, fmt.Errorf("parse rate: %w", err)
	}
	f, err := decimal.NewFromString(fee)
	if err != nil {
		return decimal.Zero, decimal.Zero, decimal.Zero, fmt.Errorf("parse fee fraction: %w", err)
	}
	return d, r, f, nil
}
