/**
 * @description
 * This file defines the core domain models for the off-ramp service: orders,
 * settlements, disbursement intents and the audit trail of status signals.
 *
 * @notes
 * - Local-currency amounts are whole units stored as `int64`; the fee split is
 *   computed once by the fees package and never recomputed.
 * - Stablecoin deposits and quoted rates keep full precision as decimals.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Provider identifies a settlement provider integration.
type Provider string

const (
	ProviderPretium  Provider = "pretium"
	ProviderPaycrest Provider = "paycrest"
)

// ParseProvider validates a provider name.
func ParseProvider(raw string) (Provider, bool) {
	switch Provider(raw) {
	case ProviderPretium, ProviderPaycrest:
		return Provider(raw), true
	default:
		return "", false
	}
}

// SignalSource tells which path observed a provider status.
type SignalSource string

const (
	SourceWebhook SignalSource = "webhook"
	SourcePoll    SignalSource = "poll"
)

// Order is the durable record of one off-ramp conversion. It maps to the
// `offramp_orders` table.
type Order struct {
	ID                     uuid.UUID       `json:"id"`
	Provider               Provider        `json:"provider"`
	ProviderTransactionRef string          `json:"provider_transaction_ref"`
	OwnerID                string          `json:"owner_id"`
	WalletAddress          string          `json:"wallet_address"`
	DepositAmount          decimal.Decimal `json:"deposit_amount"`
	DepositTransactionRef  string          `json:"deposit_transaction_ref"`
	LocalCurrency          string          `json:"local_currency"`
	RateUsed               decimal.Decimal `json:"rate_used"`
	FeeFraction            decimal.Decimal `json:"fee_fraction"`
	TotalLocalAmount       int64           `json:"total_local_amount"`
	RecipientAmount        int64           `json:"recipient_amount"`
	PlatformFee            int64           `json:"platform_fee"`
	PaymentMethod          PaymentMethod   `json:"payment_method"`
	CanonicalStatus        Status          `json:"canonical_status"`
	ProviderRawStatus      string          `json:"provider_raw_status"`
	ReceiptReference       *string         `json:"receipt_reference,omitempty"`
	FailureReason          *string         `json:"failure_reason,omitempty"`
	CreatedAt              time.Time       `json:"created_at"`
	LastStatusAt           time.Time       `json:"last_status_at"`
	CompletedAt            *time.Time      `json:"completed_at,omitempty"`
}

// StatusHistoryEntry is one applied transition.
type StatusHistoryEntry struct {
	At              time.Time    `json:"at"`
	Source          SignalSource `json:"source"`
	RawStatus       string       `json:"raw_status"`
	CanonicalStatus Status       `json:"canonical_status"`
}

// Settlement confirms that a payout was delivered. At most one exists per order.
type Settlement struct {
	ID        uuid.UUID         `json:"id"`
	OrderID   uuid.UUID         `json:"order_id"`
	Amount    int64             `json:"amount"`
	Currency  string            `json:"currency"`
	Method    PaymentMethodKind `json:"method"`
	SettledAt time.Time         `json:"settled_at"`
}

// IntentState tracks a disbursement intent through the provider call.
type IntentState string

const (
	IntentReserved   IntentState = "reserved"
	IntentDispatched IntentState = "dispatched"
	IntentCompleted  IntentState = "completed"
	IntentRejected   IntentState = "rejected"
	IntentUnknown    IntentState = "unknown"
)

// DisbursementIntent is written before a provider is asked to disburse, so that an
// accepted disbursement can always be traced back to a local order even if the
// order insert itself fails.
type DisbursementIntent struct {
	ID                     uuid.UUID       `json:"id"`
	Provider               Provider        `json:"provider"`
	State                  IntentState     `json:"state"`
	OwnerID                string          `json:"owner_id"`
	WalletAddress          string          `json:"wallet_address"`
	DepositAmount          decimal.Decimal `json:"deposit_amount"`
	DepositTransactionRef  string          `json:"deposit_transaction_ref"`
	LocalCurrency          string          `json:"local_currency"`
	RateUsed               decimal.Decimal `json:"rate_used"`
	FeeFraction            decimal.Decimal `json:"fee_fraction"`
	TotalLocalAmount       int64           `json:"total_local_amount"`
	RecipientAmount        int64           `json:"recipient_amount"`
	PlatformFee            int64           `json:"platform_fee"`
	PaymentMethod          PaymentMethod   `json:"payment_method"`
	ProviderTransactionRef *string         `json:"provider_transaction_ref,omitempty"`
	ProviderRawStatus      *string         `json:"provider_raw_status,omitempty"`
	LastError              *string         `json:"last_error,omitempty"`
	CreatedAt              time.Time       `json:"created_at"`
	UpdatedAt              time.Time       `json:"updated_at"`
}

// OrderFromIntent builds the pending order recorded once the provider returned ref.
func OrderFromIntent(intent DisbursementIntent, ref string, rawStatus string, now time.Time) *Order {
	return &Order{
		ID:                     intent.ID,
		Provider:               intent.Provider,
		ProviderTransactionRef: ref,
		OwnerID:                intent.OwnerID,
		WalletAddress:          intent.WalletAddress,
		DepositAmount:          intent.DepositAmount,
		DepositTransactionRef:  intent.DepositTransactionRef,
		LocalCurrency:          intent.LocalCurrency,
		RateUsed:               intent.RateUsed,
		FeeFraction:            intent.FeeFraction,
		TotalLocalAmount:       intent.TotalLocalAmount,
		RecipientAmount:        intent.RecipientAmount,
		PlatformFee:            intent.PlatformFee,
		PaymentMethod:          intent.PaymentMethod,
		CanonicalStatus:        StatusPending,
		ProviderRawStatus:      rawStatus,
		CreatedAt:              now,
		LastStatusAt:           now,
	}
}

// SignalOutcome records what the reconciliation engine did with a signal.
type SignalOutcome string

const (
	OutcomeApplied      SignalOutcome = "applied"
	OutcomeRedundant    SignalOutcome = "redundant"
	OutcomeInconsistent SignalOutcome = "inconsistent"
	OutcomeOrphan       SignalOutcome = "orphan"
	OutcomeUnmapped     SignalOutcome = "unmapped"
)

// SignalAudit is an append-only record of a status signal that did not advance an
// order. It maps to the `offramp_signal_audit` table.
type SignalAudit struct {
	ID                     uuid.UUID     `json:"id"`
	Provider               Provider      `json:"provider"`
	ProviderTransactionRef string        `json:"provider_transaction_ref"`
	OrderID                *uuid.UUID    `json:"order_id,omitempty"`
	Source                 SignalSource  `json:"source"`
	RawStatus              string        `json:"raw_status"`
	CurrentStatus          Status        `json:"current_status,omitempty"`
	Outcome                SignalOutcome `json:"outcome"`
	ReceivedAt             time.Time     `json:"received_at"`
}
