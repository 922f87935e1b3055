package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidAmount             = errors.New("invalid amount")
	ErrInvalidOrderRequest       = errors.New("invalid order request")
	ErrInvalidPaymentMethod      = errors.New("invalid payment method")
	ErrUnsupportedPaymentMethod  = errors.New("unsupported payment method")
	ErrUnsupportedProvider       = errors.New("unsupported provider")
	ErrDuplicateTransactionRef   = errors.New("duplicate provider transaction reference")
	ErrDepositAlreadyUsed        = errors.New("deposit transaction already used for another order")
	ErrOrderNotFound             = errors.New("order not found")
	ErrOrphanStatusSignal        = errors.New("status signal has no matching order")
	ErrInconsistentTransition    = errors.New("status transition is inconsistent with order state")
	ErrSettlementAlreadyRecorded = errors.New("settlement already recorded for order")
	ErrInvalidWebhookSignature   = errors.New("invalid webhook signature")
)

// ProviderUnavailableError is returned when a settlement provider did not accept a
// request. StatusCode is the provider's HTTP status, or 0 when no response was
// received (the outcome of the request is then unknown).
type ProviderUnavailableError struct {
	Provider   Provider
	StatusCode int
	Message    string
	Err        error
}

func (e *ProviderUnavailableError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("provider %s unavailable: %s", e.Provider, e.detail())
	}
	return fmt.Sprintf("provider %s unavailable (status %d): %s", e.Provider, e.StatusCode, e.detail())
}

func (e *ProviderUnavailableError) detail() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return "no detail"
}

func (e *ProviderUnavailableError) Unwrap() error { return e.Err }

// Ambiguous reports whether the provider may have accepted the request even though
// no success response was received.
func (e *ProviderUnavailableError) Ambiguous() bool { return e.StatusCode == 0 }
