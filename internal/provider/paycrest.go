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
	"github.com/Thedongraphix/Minisend-sub003/pkg/paycrestclient"
	"golang.org/x/time/rate"
)

// PaycrestSignatureHeader carries the webhook HMAC.
const PaycrestSignatureHeader = "X-Paycrest-Signature"

// "validated" means the recipient was paid; "settled" additionally closes the
// on-chain leg.
var paycrestStatuses = map[string]domain.Status{
	"initiated":  domain.StatusPending,
	"pending":    domain.StatusPending,
	"processing": domain.StatusProcessing,
	"fulfilled":  domain.StatusProcessing,
	"validated":  domain.StatusDelivered,
	"settled":    domain.StatusSettled,
	"refunded":   domain.StatusRefunded,
	"reverted":   domain.StatusRefunded,
	"expired":    domain.StatusExpired,
	"failed":     domain.StatusFailed,
	"cancelled":  domain.StatusFailed,
}

// Mobile-money institution codes per currency.
var paycrestMobileInstitutions = map[string]string{
	"KES": "SAFAKEPC",
	"UGX": "MTNAUGPC",
}

// PaycrestOptions are the token settings sent with every order.
type PaycrestOptions struct {
	Token   string
	Network string
}

// PaycrestAdapter settles payouts through Paycrest. It supports phone and bank
// account payouts only.
type PaycrestAdapter struct {
	client        *paycrestclient.Client
	webhookSecret string
	allowUnsigned bool
	opts          PaycrestOptions
	limiter       *rate.Limiter
	now           func() time.Time
}

// NewPaycrestAdapter wires a Paycrest client. A nil limiter disables rate limiting.
func NewPaycrestAdapter(client *paycrestclient.Client, webhookSecret string, opts PaycrestOptions, limiter *rate.Limiter) *PaycrestAdapter {
	if opts.Token == "" {
		opts.Token = "USDC"
	}
	if opts.Network == "" {
		opts.Network = "base"
	}
	if limiter == nil {
		limiter = NewLimiter(0)
	}
	return &PaycrestAdapter{client: client, webhookSecret: webhookSecret, opts: opts, limiter: limiter, now: time.Now}
}

// AllowUnsignedWebhooks makes ParseWebhook accept deliveries when no webhook
// secret is configured. Local development only.
func (a *PaycrestAdapter) AllowUnsignedWebhooks(allow bool) {
	a.allowUnsigned = allow
}

func (a *PaycrestAdapter) Name() domain.Provider { return domain.ProviderPaycrest }

func (a *PaycrestAdapter) Supports(kind domain.PaymentMethodKind) bool {
	return kind == domain.PaymentMethodPhone || kind == domain.PaymentMethodBankAccount
}

func (a *PaycrestAdapter) MapStatus(raw string) domain.Status {
	return paycrestStatuses[strings.ToLower(strings.TrimSpace(raw))]
}

func (a *PaycrestAdapter) Disburse(ctx context.Context, req DisburseRequest) (*DisburseResult, error) {
	if err := checkSupported(a, req.PaymentMethod); err != nil {
		return nil, err
	}

	currency := strings.ToUpper(req.Currency)
	recipient := paycrestclient.Recipient{
		AccountName: req.PaymentMethod.AccountName,
		Currency:    currency,
		Memo:        "Minisend off-ramp " + req.OrderID.String(),
	}
	switch req.PaymentMethod.Kind {
	case domain.PaymentMethodPhone:
		institution, ok := paycrestMobileInstitutions[currency]
		if !ok {
			return nil, fmt.Errorf("%w: paycrest has no mobile money institution for %s", domain.ErrUnsupportedPaymentMethod, currency)
		}
		recipient.Institution = institution
		recipient.AccountIdentifier = req.PaymentMethod.Phone
	case domain.PaymentMethodBankAccount:
		recipient.Institution = req.PaymentMethod.BankCode
		recipient.AccountIdentifier = req.PaymentMethod.AccountNumber
	}
	if recipient.AccountName == "" {
		recipient.AccountName = recipient.AccountIdentifier
	}

	if err := wait(ctx, a.Name(), a.limiter); err != nil {
		return nil, err
	}
	order, err := a.client.CreateOrder(ctx, paycrestclient.CreateOrderRequest{
		Amount:        req.DepositAmount,
		Token:         a.opts.Token,
		Rate:          req.Rate,
		Network:       a.opts.Network,
		LocalAmount:   req.TotalAmount,
		SenderFee:     req.PlatformFee,
		Recipient:     recipient,
		Reference:     req.ClientReference,
		ReturnAddress: req.WalletAddress,
		WebhookURL:    req.CallbackURL,
	})
	if err != nil {
		return nil, a.unavailable(err)
	}
	if order.ID == "" {
		return nil, &domain.ProviderUnavailableError{Provider: a.Name(), Message: "accepted response carried no order id"}
	}

	raw := order.Status
	if raw == "" {
		raw = "initiated"
	}
	return &DisburseResult{TransactionRef: order.ID, RawStatus: raw, Status: a.MapStatus(raw)}, nil
}

func (a *PaycrestAdapter) FetchStatus(ctx context.Context, transactionRef string) (*StatusResult, error) {
	if err := wait(ctx, a.Name(), a.limiter); err != nil {
		return nil, err
	}
	order, err := a.client.GetOrder(ctx, transactionRef)
	if err != nil {
		return nil, a.lookupFailed(err)
	}
	if order.ID == "" {
		order.ID = transactionRef
	}
	return a.statusResult(order), nil
}

func (a *PaycrestAdapter) LookupByClientReference(ctx context.Context, clientReference string) (*StatusResult, error) {
	if err := wait(ctx, a.Name(), a.limiter); err != nil {
		return nil, err
	}
	order, err := a.client.FindByReference(ctx, clientReference)
	if err != nil {
		return nil, a.lookupFailed(err)
	}
	return a.statusResult(order), nil
}

func (a *PaycrestAdapter) ParseWebhook(header http.Header, body []byte) (*WebhookSignal, error) {
	if !verifyWebhook(string(a.Name()), a.webhookSecret, a.allowUnsigned, header.Get(PaycrestSignatureHeader), body) {
		return nil, domain.ErrInvalidWebhookSignature
	}

	var payload paycrestclient.WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode paycrest webhook: %w", err)
	}
	raw := payload.Data.Status
	if raw == "" {
		// "payment_order.validated" -> "validated"
		if i := strings.LastIndex(payload.Event, "."); i >= 0 {
			raw = payload.Event[i+1:]
		}
	}
	if payload.Data.ID == "" || raw == "" {
		return nil, errors.New("paycrest webhook missing order id or status")
	}

	signal := &WebhookSignal{
		Provider:         a.Name(),
		TransactionRef:   payload.Data.ID,
		RawStatus:        raw,
		ReceiptReference: optional(payload.Data.TxHash),
		ReceivedAt:       a.now().UTC(),
	}
	if a.MapStatus(raw).IsFailure() {
		signal.FailureReason = optional(payload.Data.Reason)
	}
	return signal, nil
}

func (a *PaycrestAdapter) statusResult(order *paycrestclient.Order) *StatusResult {
	status := a.MapStatus(order.Status)
	result := &StatusResult{
		TransactionRef:   order.ID,
		RawStatus:        order.Status,
		Status:           status,
		ReceiptReference: optional(order.TxHash),
	}
	if status.IsFailure() {
		result.FailureReason = optional(order.Reason)
	}
	return result
}

// lookupFailed maps a failed status read. Only reads report a missing
// transaction; everything else is an outage.
func (a *PaycrestAdapter) lookupFailed(err error) error {
	if errors.Is(err, paycrestclient.ErrNotFound) {
		return ErrTransactionNotFound
	}
	return a.unavailable(err)
}

func (a *PaycrestAdapter) unavailable(err error) error {
	if errors.Is(err, paycrestclient.ErrNotFound) {
		return &domain.ProviderUnavailableError{Provider: a.Name(), StatusCode: http.StatusNotFound, Message: "not found", Err: err}
	}
	var apiErr *paycrestclient.APIError
	if errors.As(err, &apiErr) {
		return &domain.ProviderUnavailableError{Provider: a.Name(), StatusCode: apiErr.StatusCode, Message: apiErr.Message, Err: err}
	}
	return &domain.ProviderUnavailableError{Provider: a.Name(), Err: err}
}
