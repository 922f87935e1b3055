/**
 * @description
 * This package adapts each settlement provider to one canonical contract. Provider
 * wire formats are decoded here and nowhere else; the rest of the service only sees
 * canonical statuses and domain types.
 *
 * @dependencies
 * - golang.org/x/time/rate: Caps outbound calls per provider.
 */
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/Thedongraphix/Minisend-sub003/internal/domain"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// ErrTransactionNotFound is returned when the provider has no transaction for a
// reference.
var ErrTransactionNotFound = errors.New("provider transaction not found")

// DisburseRequest is the canonical disbursement request. ClientReference is the
// deposit transaction reference; providers echo it back so an accepted
// disbursement can be found again without the provider's own reference.
type DisburseRequest struct {
	OrderID         uuid.UUID
	ClientReference string
	WalletAddress   string
	Currency        string
	DepositAmount   string
	Rate            string
	TotalAmount     int64
	RecipientAmount int64
	PlatformFee     int64
	PaymentMethod   domain.PaymentMethod
	CallbackURL     string
}

// DisburseResult is returned when a provider accepted a disbursement.
type DisburseResult struct {
	TransactionRef string
	RawStatus      string
	Status         domain.Status
}

// StatusResult is the provider's current view of a transaction.
type StatusResult struct {
	TransactionRef   string
	RawStatus        string
	Status           domain.Status
	ReceiptReference *string
	FailureReason    *string
}

// WebhookSignal is a decoded and verified webhook.
type WebhookSignal struct {
	Provider         domain.Provider
	TransactionRef   string
	RawStatus        string
	ReceiptReference *string
	FailureReason    *string
	ReceivedAt       time.Time
}

// Adapter is implemented once per settlement provider.
type Adapter interface {
	Name() domain.Provider
	Supports(kind domain.PaymentMethodKind) bool
	MapStatus(raw string) domain.Status
	Disburse(ctx context.Context, req DisburseRequest) (*DisburseResult, error)
	FetchStatus(ctx context.Context, transactionRef string) (*StatusResult, error)
	LookupByClientReference(ctx context.Context, clientReference string) (*StatusResult, error)
	ParseWebhook(header http.Header, body []byte) (*WebhookSignal, error)
}

// Registry holds the configured adapters.
type Registry struct {
	adapters map[domain.Provider]Adapter
}

// NewRegistry builds a registry from the given adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[domain.Provider]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Name()] = a
	}
	return r
}

// Get returns the adapter for p.
func (r *Registry) Get(p domain.Provider) (Adapter, error) {
	a, ok := r.adapters[p]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnsupportedProvider, p)
	}
	return a, nil
}

// Providers lists the configured provider names in a stable order.
func (r *Registry) Providers() []domain.Provider {
	out := make([]domain.Provider, 0, len(r.adapters))
	for p := range r.adapters {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// NewLimiter returns a limiter allowing perSecond requests with a burst of the same
// size. A non-positive rate disables limiting.
func NewLimiter(perSecond float64) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := int(perSecond)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

// wait blocks on the limiter. A failure means nothing was sent, so it is reported
// as a definite rejection rather than an ambiguous one.
func wait(ctx context.Context, p domain.Provider, limiter *rate.Limiter) error {
	if err := limiter.Wait(ctx); err != nil {
		return &domain.ProviderUnavailableError{
			Provider:   p,
			StatusCode: http.StatusTooManyRequests,
			Message:    "outbound rate limit",
			Err:        err,
		}
	}
	return nil
}

func checkSupported(a Adapter, method domain.PaymentMethod) error {
	if !a.Supports(method.Kind) {
		return fmt.Errorf("%w: %s does not support %q", domain.ErrUnsupportedPaymentMethod, a.Name(), method.Kind)
	}
	return nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
