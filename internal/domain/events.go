package domain

import (
	"time"

	"github.com/google/uuid"
)

// StatusSignalEvent is a provider webhook relayed through the broker by an edge
// ingress instead of being posted to this service directly.
type StatusSignalEvent struct {
	EventID                string    `json:"event_id"`
	Provider               Provider  `json:"provider"`
	ProviderTransactionRef string    `json:"provider_transaction_ref"`
	Status                 string    `json:"status"`
	ReceiptReference       string    `json:"receipt_reference"`
	FailureReason          string    `json:"failure_reason"`
	OccurredAt             time.Time `json:"occurred_at"`
}

// OrderStatusEvent is published after a transition has been applied.
type OrderStatusEvent struct {
	OrderID                uuid.UUID    `json:"order_id"`
	Provider               Provider     `json:"provider"`
	ProviderTransactionRef string       `json:"provider_transaction_ref"`
	OwnerID                string       `json:"owner_id"`
	PreviousStatus         Status       `json:"previous_status"`
	Status                 Status       `json:"status"`
	Source                 SignalSource `json:"source"`
	RecipientAmount        int64        `json:"recipient_amount"`
	PlatformFee            int64        `json:"platform_fee"`
	Currency               string       `json:"currency"`
	ReceiptReference       *string      `json:"receipt_reference,omitempty"`
	OccurredAt             time.Time    `json:"occurred_at"`
}

// SettlementRecordedEvent is published when a settlement row is first created.
type SettlementRecordedEvent struct {
	SettlementID uuid.UUID         `json:"settlement_id"`
	OrderID      uuid.UUID         `json:"order_id"`
	Amount       int64             `json:"amount"`
	Currency     string            `json:"currency"`
	Method       PaymentMethodKind `json:"method"`
	SettledAt    time.Time         `json:"settled_at"`
}
