package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Thedongraphix/Minisend-sub003/internal/domain"
	"github.com/Thedongraphix/Minisend-sub003/pkg/pretiumclient"
	"golang.org/x/time/rate"
)

// PretiumSignatureHeader carries the webhook HMAC.
const PretiumSignatureHeader = "X-Pretium-Signature"

var pretiumStatuses = map[string]domain.Status{
	"PENDING":    domain.StatusPending,
	"QUEUED":     domain.StatusPending,
	"INITIATED":  domain.StatusProcessing,
	"PROCESSING": domain.StatusProcessing,
	"COMPLETE":   domain.StatusDelivered,
	"COMPLETED":  domain.StatusDelivered,
	"SUCCESS":    domain.StatusDelivered,
	"REVERSED":   domain.StatusRefunded,
	"REFUNDED":   domain.StatusRefunded,
	"EXPIRED":    domain.StatusExpired,
	"TIMEOUT":    domain.StatusExpired,
	"FAILED":     domain.StatusFailed,
	"CANCELLED":  domain.StatusFailed,
}

var pretiumPayoutTypes = map[domain.PaymentMethodKind]string{
	domain.PaymentMethodPhone:       pretiumclient.TypeMobile,
	domain.PaymentMethodTillNumber:  pretiumclient.TypeBuyGoods,
	domain.PaymentMethodPaybill:     pretiumclient.TypePaybill,
	domain.PaymentMethodBankAccount: pretiumclient.TypeBankTransfer,
}

// PretiumAdapter settles payouts through Pretium. It supports every payment method.
type PretiumAdapter struct {
	client        *pretiumclient.Client
	webhookSecret string
	allowUnsigned bool
	limiter       *rate.Limiter
	now           func() time.Time
}

// NewPretiumAdapter wires a Pretium client. A nil limiter disables rate limiting.
func NewPretiumAdapter(client *pretiumclient.Client, webhookSecret string, limiter *rate.Limiter) *PretiumAdapter {
	if limiter == nil {
		limiter = NewLimiter(0)
	}
	return &PretiumAdapter{client: client, webhookSecret: webhookSecret, limiter: limiter, now: time.Now}
}

// AllowUnsignedWebhooks makes ParseWebhook accept deliveries when no webhook
// secret is configured. Local development only.
func (a *PretiumAdapter) AllowUnsignedWebhooks(allow bool) {
	a.allowUnsigned = allow
}

func (a *PretiumAdapter) Name() domain.Provider { return domain.ProviderPretium }

func (a *PretiumAdapter) Supports(kind domain.PaymentMethodKind) bool {
	_, ok := pretiumPayoutTypes[kind]
	return ok
}

func (a *PretiumAdapter) MapStatus(raw string) domain.Status {
	return pretiumStatuses[strings.ToUpper(strings.TrimSpace(raw))]
}

func (a *PretiumAdapter) Disburse(ctx context.Context, req DisburseRequest) (*DisburseResult, error) {
	if err := checkSupported(a, req.PaymentMethod); err != nil {
		return nil, err
	}

	payload := pretiumclient.PayRequest{
		TransactionHash: req.ClientReference,
		Amount:          req.TotalAmount,
		Fee:             req.PlatformFee,
		Type:            pretiumPayoutTypes[req.PaymentMethod.Kind],
		CallbackURL:     req.CallbackURL,
	}
	switch req.PaymentMethod.Kind {
	case domain.PaymentMethodPhone:
		payload.Shortcode = req.PaymentMethod.Phone
		payload.MobileNetwork = "Safaricom"
	case domain.PaymentMethodTillNumber:
		payload.Shortcode = req.PaymentMethod.TillNumber
	case domain.PaymentMethodPaybill:
		payload.Shortcode = req.PaymentMethod.PaybillNumber
		payload.AccountNumber = req.PaymentMethod.AccountNumber
	case domain.PaymentMethodBankAccount:
		payload.AccountNumber = req.PaymentMethod.AccountNumber
		payload.BankCode = req.PaymentMethod.BankCode
		payload.AccountName = req.PaymentMethod.AccountName
	}

	if err := wait(ctx, a.Name(), a.limiter); err != nil {
		return nil, err
	}
	tx, err := a.client.Pay(ctx, req.Currency, payload)
	if err != nil {
		return nil, a.unavailable(err)
	}
	if tx.TransactionCode == "" {
		return nil, &domain.ProviderUnavailableError{Provider: a.Name(), Message: "accepted response carried no transaction code"}
	}

	raw := tx.Status
	if raw == "" {
		raw = "PENDING"
	}
	return &DisburseResult{TransactionRef: tx.TransactionCode, RawStatus: raw, Status: a.MapStatus(raw)}, nil
}

func (a *PretiumAdapter) FetchStatus(ctx context.Context, transactionRef string) (*StatusResult, error) {
	if err := wait(ctx, a.Name(), a.limiter); err != nil {
		return nil, err
	}
	tx, err := a.client.GetStatus(ctx, transactionRef)
	if err != nil {
		return nil, a.lookupFailed(err)
	}
	if tx.TransactionCode == "" {
		tx.TransactionCode = transactionRef
	}
	return a.statusResult(tx), nil
}

func (a *PretiumAdapter) LookupByClientReference(ctx context.Context, clientReference string) (*StatusResult, error) {
	if err := wait(ctx, a.Name(), a.limiter); err != nil {
		return nil, err
	}
	tx, err := a.client.FindByTransactionHash(ctx, clientReference)
	if err != nil {
		return nil, a.lookupFailed(err)
	}
	return a.statusResult(tx), nil
}

func (a *PretiumAdapter) ParseWebhook(header http.Header, body []byte) (*WebhookSignal, error) {
	if !verifyWebhook(string(a.Name()), a.webhookSecret, a.allowUnsigned, header.Get(PretiumSignatureHeader), body) {
		return nil, domain.ErrInvalidWebhookSignature
	}

	var payload pretiumclient.WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode pretium webhook: %w", err)
	}
	if payload.TransactionCode == "" || payload.Status == "" {
		return nil, errors.New("pretium webhook missing transaction_code or status")
	}

	signal := &WebhookSignal{
		Provider:         a.Name(),
		TransactionRef:   payload.TransactionCode,
		RawStatus:        payload.Status,
		ReceiptReference: optional(payload.ReceiptNumber),
		ReceivedAt:       a.now().UTC(),
	}
	if a.MapStatus(payload.Status).IsFailure() {
		signal.FailureReason = optional(payload.Message)
	}
	return signal, nil
}

func (a *PretiumAdapter) statusResult(tx *pretiumclient.Transaction) *StatusResult {
	status := a.MapStatus(tx.Status)
	result := &StatusResult{
		TransactionRef:   tx.TransactionCode,
		RawStatus:        tx.Status,
		Status:           status,
		ReceiptReference: optional(tx.ReceiptNumber),
	}
	if status.IsFailure() {
		result.FailureReason = optional(tx.Message)
	}
	return result
}

// lookupFailed maps a failed status read. Only reads report a missing
// transaction; everything else is an outage.
func (a *PretiumAdapter) lookupFailed(err error) error {
	if errors.Is(err, pretiumclient.ErrNotFound) {
		return ErrTransactionNotFound
	}
	return a.unavailable(err)
}

func (a *PretiumAdapter) unavailable(err error) error {
	if errors.Is(err, pretiumclient.ErrNotFound) {
		return &domain.ProviderUnavailableError{Provider: a.Name(), StatusCode: http.StatusNotFound, Message: "not found", Err: err}
	}
	var apiErr *pretiumclient.APIError
	if errors.As(err, &apiErr) {
		return &domain.ProviderUnavailableError{Provider: a.Name(), StatusCode: apiErr.StatusCode, Message: apiErr.Message, Err: err}
	}
	return &domain.ProviderUnavailableError{Provider: a.Name(), Err: err}
}
