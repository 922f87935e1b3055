package provider

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/Thedongraphix/Minisend-sub003/internal/domain"
	"github.com/Thedongraphix/Minisend-sub003/pkg/paycrestclient"
	"github.com/Thedongraphix/Minisend-sub003/pkg/pretiumclient"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func countingServer(t *testing.T, hits *int32, status int, body string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(server.Close)
	return server
}

func phoneRequest() DisburseRequest {
	return DisburseRequest{
		OrderID:         uuid.New(),
		ClientReference: "0xdeposit",
		WalletAddress:   "0xwallet",
		Currency:        "KES",
		DepositAmount:   "10",
		Rate:            "130",
		TotalAmount:     1300,
		RecipientAmount: 1287,
		PlatformFee:     13,
		PaymentMethod:   domain.PaymentMethod{Kind: domain.PaymentMethodPhone, Phone: "254712345678"},
		CallbackURL:     "https://example.test/webhooks/pretium",
	}
}

func TestStatusMapping(t *testing.T) {
	pretium := NewPretiumAdapter(pretiumclient.NewClient("http://unused", ""), "", nil)
	paycrest := NewPaycrestAdapter(paycrestclient.NewClient("http://unused", ""), "", PaycrestOptions{}, nil)

	tests := []struct {
		adapter Adapter
		raw     string
		want    domain.Status
	}{
		{pretium, "PENDING", domain.StatusPending},
		{pretium, "processing", domain.StatusProcessing},
		{pretium, "COMPLETE", domain.StatusDelivered},
		{pretium, "REVERSED", domain.StatusRefunded},
		{pretium, "TIMEOUT", domain.StatusExpired},
		{pretium, "FAILED", domain.StatusFailed},
		{pretium, "SOMETHING_NEW", domain.StatusUnknown},
		{paycrest, "initiated", domain.StatusPending},
		{paycrest, "fulfilled", domain.StatusProcessing},
		{paycrest, "validated", domain.StatusDelivered},
		{paycrest, "SETTLED", domain.StatusSettled},
		{paycrest, "reverted", domain.StatusRefunded},
		{paycrest, "expired", domain.StatusExpired},
		{paycrest, "", domain.StatusUnknown},
	}

	for _, tt := range tests {
		t.Run(string(tt.adapter.Name())+"/"+tt.raw, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.adapter.MapStatus(tt.raw))
		})
	}
}

func TestPaycrestRejectsUnsupportedMethodBeforeNetworkCall(t *testing.T) {
	var hits int32
	server := countingServer(t, &hits, http.StatusOK, `{}`)
	adapter := NewPaycrestAdapter(paycrestclient.NewClient(server.URL, "k"), "", PaycrestOptions{}, nil)

	req := phoneRequest()
	req.PaymentMethod = domain.PaymentMethod{Kind: domain.PaymentMethodTillNumber, TillNumber: "5123456"}

	_, err := adapter.Disburse(context.Background(), req)
	require.ErrorIs(t, err, domain.ErrUnsupportedPaymentMethod)
	assert.Zero(t, atomic.LoadInt32(&hits))
}

func TestPaycrestRejectsPhoneInCurrencyWithoutInstitution(t *testing.T) {
	var hits int32
	server := countingServer(t, &hits, http.StatusOK, `{}`)
	adapter := NewPaycrestAdapter(paycrestclient.NewClient(server.URL, "k"), "", PaycrestOptions{}, nil)

	req := phoneRequest()
	req.Currency = "NGN"

	_, err := adapter.Disburse(context.Background(), req)
	require.ErrorIs(t, err, domain.ErrUnsupportedPaymentMethod)
	assert.Zero(t, atomic.LoadInt32(&hits))
}

func TestPretiumDisburseReturnsReference(t *testing.T) {
	var hits int32
	server := countingServer(t, &hits, http.StatusOK, `{"code":200,"data":{"transaction_code":"PRT-9","status":"PENDING"}}`)
	adapter := NewPretiumAdapter(pretiumclient.NewClient(server.URL, "k"), "", NewLimiter(100))

	res, err := adapter.Disburse(context.Background(), phoneRequest())
	require.NoError(t, err)
	assert.Equal(t, "PRT-9", res.TransactionRef)
	assert.Equal(t, domain.StatusPending, res.Status)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestPretiumDisburseNon2xxIsDefiniteRejection(t *testing.T) {
	var hits int32
	server := countingServer(t, &hits, http.StatusBadRequest, `{"code":400,"message":"insufficient float"}`)
	adapter := NewPretiumAdapter(pretiumclient.NewClient(server.URL, "k"), "", nil)

	_, err := adapter.Disburse(context.Background(), phoneRequest())
	var unavailable *domain.ProviderUnavailableError
	require.True(t, errors.As(err, &unavailable))
	assert.Equal(t, http.StatusBadRequest, unavailable.StatusCode)
	assert.False(t, unavailable.Ambiguous())
}

func TestPretiumDisburseTransportFailureIsAmbiguous(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	adapter := NewPretiumAdapter(pretiumclient.NewClient(url, "k"), "", nil)
	_, err := adapter.Disburse(context.Background(), phoneRequest())

	var unavailable *domain.ProviderUnavailableError
	require.True(t, errors.As(err, &unavailable))
	assert.True(t, unavailable.Ambiguous())
}

func TestDisburseNotFoundIsDefiniteRejection(t *testing.T) {
	var hits int32
	server := countingServer(t, &hits, http.StatusNotFound, ``)

	adapters := []Adapter{
		NewPretiumAdapter(pretiumclient.NewClient(server.URL, "k"), "", nil),
		NewPaycrestAdapter(paycrestclient.NewClient(server.URL, "k"), "", PaycrestOptions{}, nil),
	}
	for _, adapter := range adapters {
		t.Run(string(adapter.Name()), func(t *testing.T) {
			_, err := adapter.Disburse(context.Background(), phoneRequest())
			require.NotErrorIs(t, err, ErrTransactionNotFound)

			var unavailable *domain.ProviderUnavailableError
			require.True(t, errors.As(err, &unavailable))
			assert.Equal(t, http.StatusNotFound, unavailable.StatusCode)
			assert.False(t, unavailable.Ambiguous())
		})
	}
}

func TestFetchStatusNotFound(t *testing.T) {
	var hits int32
	server := countingServer(t, &hits, http.StatusNotFound, ``)
	adapter := NewPaycrestAdapter(paycrestclient.NewClient(server.URL, "k"), "", PaycrestOptions{}, nil)

	_, err := adapter.FetchStatus(context.Background(), "missing")
	require.ErrorIs(t, err, ErrTransactionNotFound)
}

func TestPretiumParseWebhook(t *testing.T) {
	adapter := NewPretiumAdapter(pretiumclient.NewClient("http://unused", ""), "whsec", nil)
	body := []byte(`{"transaction_code":"PRT-1","status":"COMPLETE","receipt_number":"QK12ABC"}`)

	header := http.Header{}
	header.Set(PretiumSignatureHeader, Sign("whsec", body))

	signal, err := adapter.ParseWebhook(header, body)
	require.NoError(t, err)
	assert.Equal(t, "PRT-1", signal.TransactionRef)
	assert.Equal(t, "COMPLETE", signal.RawStatus)
	require.NotNil(t, signal.ReceiptReference)
	assert.Equal(t, "QK12ABC", *signal.ReceiptReference)
	assert.Nil(t, signal.FailureReason)
}

func TestParseWebhookRejectsBadSignature(t *testing.T) {
	adapter := NewPaycrestAdapter(paycrestclient.NewClient("http://unused", ""), "whsec", PaycrestOptions{}, nil)
	body := []byte(`{"event":"payment_order.validated","data":{"id":"ord-1","status":"validated"}}`)

	header := http.Header{}
	header.Set(PaycrestSignatureHeader, Sign("other", body))

	_, err := adapter.ParseWebhook(header, body)
	require.ErrorIs(t, err, domain.ErrInvalidWebhookSignature)
}

func TestParseWebhookWithoutSecret(t *testing.T) {
	body := []byte(`{"transaction_code":"PRT-9","status":"COMPLETE"}`)

	adapter := NewPretiumAdapter(pretiumclient.NewClient("http://unused", ""), "", nil)
	_, err := adapter.ParseWebhook(http.Header{}, body)
	require.ErrorIs(t, err, domain.ErrInvalidWebhookSignature)

	header := http.Header{}
	header.Set(PretiumSignatureHeader, Sign("", body))
	_, err = adapter.ParseWebhook(header, body)
	require.ErrorIs(t, err, domain.ErrInvalidWebhookSignature)

	adapter.AllowUnsignedWebhooks(true)
	signal, err := adapter.ParseWebhook(http.Header{}, body)
	require.NoError(t, err)
	assert.Equal(t, "PRT-9", signal.TransactionRef)
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"id":"ord-1"}`)
	sig := Sign("whsec", body)

	assert.True(t, VerifySignature("whsec", sig, body))
	assert.True(t, VerifySignature("whsec", "sha256="+sig, body))
	assert.True(t, VerifySignature("whsec", "stale, "+sig, body))
	assert.False(t, VerifySignature("whsec", "", body))
	assert.False(t, VerifySignature("", sig, body))
	assert.False(t, VerifySignature("", "", body))
}

func TestPaycrestParseWebhookFallsBackToEventName(t *testing.T) {
	adapter := NewPaycrestAdapter(paycrestclient.NewClient("http://unused", ""), "whsec", PaycrestOptions{}, nil)
	body := []byte(`{"event":"payment_order.refunded","data":{"id":"ord-1","reason":"recipient rejected"}}`)

	header := http.Header{}
	header.Set(PaycrestSignatureHeader, "sha256="+Sign("whsec", body))

	signal, err := adapter.ParseWebhook(header, body)
	require.NoError(t, err)
	assert.Equal(t, "refunded", signal.RawStatus)
	require.NotNil(t, signal.FailureReason)
	assert.Equal(t, "recipient rejected", *signal.FailureReason)
}

func TestRegistry(t *testing.T) {
	registry := NewRegistry(
		NewPretiumAdapter(pretiumclient.NewClient("http://unused", ""), "", nil),
		NewPaycrestAdapter(paycrestclient.NewClient("http://unused", ""), "", PaycrestOptions{}, nil),
	)

	assert.Equal(t, []domain.Provider{domain.ProviderPaycrest, domain.ProviderPretium}, registry.Providers())

	a, err := registry.Get(domain.ProviderPretium)
	require.NoError(t, err)
	assert.True(t, a.Supports(domain.PaymentMethodTillNumber))

	_, err = registry.Get("mpesa-direct")
	require.ErrorIs(t, err, domain.ErrUnsupportedProvider)
}
