package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Thedongraphix/Minisend-sub003/internal/domain"
	"github.com/Thedongraphix/Minisend-sub003/internal/provider"
	"github.com/Thedongraphix/Minisend-sub003/internal/store"
	"github.com/shopspring/decimal"
)

// fakeAdapter speaks the canonical vocabulary directly ("Delivered", "Processing").
type fakeAdapter struct {
	mu sync.Mutex

	name  domain.Provider
	kinds map[domain.PaymentMethodKind]bool

	disburseRaw string
	disburseErr error
	statuses    map[string]string
	byClientRef map[string]*provider.StatusResult
	fetchErr    error

	disburseCalls int
	fetchCalls    int
	seq           int
}

func newFakeAdapter(name domain.Provider, kinds ...domain.PaymentMethodKind) *fakeAdapter {
	if len(kinds) == 0 {
		kinds = []domain.PaymentMethodKind{domain.PaymentMethodPhone, domain.PaymentMethodTillNumber, domain.PaymentMethodPaybill, domain.PaymentMethodBankAccount}
	}
	a := &fakeAdapter{
		name:        name,
		kinds:       make(map[domain.PaymentMethodKind]bool),
		disburseRaw: "Pending",
		statuses:    make(map[string]string),
		byClientRef: make(map[string]*provider.StatusResult),
	}
	for _, k := range kinds {
		a.kinds[k] = true
	}
	return a
}

func (a *fakeAdapter) Name() domain.Provider { return a.name }

func (a *fakeAdapter) Supports(kind domain.PaymentMethodKind) bool { return a.kinds[kind] }

func (a *fakeAdapter) MapStatus(raw string) domain.Status {
	return domain.ParseStatus(strings.ToLower(strings.TrimSpace(raw)))
}

func (a *fakeAdapter) Disburse(ctx context.Context, req provider.DisburseRequest) (*provider.DisburseResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.disburseCalls++
	if a.disburseErr != nil {
		return nil, a.disburseErr
	}
	a.seq++
	ref := fmt.Sprintf("%s-TX-%d", strings.ToUpper(string(a.name)), a.seq)
	a.statuses[ref] = a.disburseRaw
	a.byClientRef[req.ClientReference] = &provider.StatusResult{TransactionRef: ref, RawStatus: a.disburseRaw, Status: a.MapStatus(a.disburseRaw)}
	return &provider.DisburseResult{TransactionRef: ref, RawStatus: a.disburseRaw, Status: a.MapStatus(a.disburseRaw)}, nil
}

func (a *fakeAdapter) FetchStatus(ctx context.Context, ref string) (*provider.StatusResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fetchCalls++
	if a.fetchErr != nil {
		return nil, a.fetchErr
	}
	raw, ok := a.statuses[ref]
	if !ok {
		return nil, provider.ErrTransactionNotFound
	}
	return &provider.StatusResult{TransactionRef: ref, RawStatus: raw, Status: a.MapStatus(raw)}, nil
}

func (a *fakeAdapter) LookupByClientReference(ctx context.Context, clientRef string) (*provider.StatusResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	result, ok := a.byClientRef[clientRef]
	if !ok {
		return nil, provider.ErrTransactionNotFound
	}
	out := *result
	return &out, nil
}

func (a *fakeAdapter) ParseWebhook(header http.Header, body []byte) (*provider.WebhookSignal, error) {
	var payload struct {
		Ref    string `json:"ref"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, err
	}
	return &provider.WebhookSignal{Provider: a.name, TransactionRef: payload.Ref, RawStatus: payload.Status, ReceivedAt: time.Now().UTC()}, nil
}

// setStatus changes what FetchStatus reports for ref.
func (a *fakeAdapter) setStatus(ref, raw string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.statuses[ref] = raw
}

func (a *fakeAdapter) calls() (disburse, fetch int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.disburseCalls, a.fetchCalls
}

type recordingPublisher struct {
	mu          sync.Mutex
	statuses    []domain.OrderStatusEvent
	settlements []domain.SettlementRecordedEvent
}

func (p *recordingPublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	return nil
}

func (p *recordingPublisher) PublishOrderStatus(ctx context.Context, event domain.OrderStatusEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statuses = append(p.statuses, event)
	return nil
}

func (p *recordingPublisher) PublishSettlementRecorded(ctx context.Context, event domain.SettlementRecordedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.settlements = append(p.settlements, event)
	return nil
}

func (p *recordingPublisher) Close() {}

type testHarness struct {
	repo      *store.MemoryRepository
	pretium   *fakeAdapter
	paycrest  *fakeAdapter
	publisher *recordingPublisher
	engine    *Engine
	service   *Service
}

func newTestHarness() *testHarness {
	repo := store.NewMemoryRepository()
	pretium := newFakeAdapter(domain.ProviderPretium)
	paycrest := newFakeAdapter(domain.ProviderPaycrest, domain.PaymentMethodPhone, domain.PaymentMethodBankAccount)
	registry := provider.NewRegistry(pretium, paycrest)
	publisher := &recordingPublisher{}
	recorder := NewSettlementRecorder(repo, publisher)
	engine := NewEngine(repo, registry, recorder, publisher)
	service := NewService(repo, registry, engine, recorder, ServiceOptions{
		DefaultFeeFraction: decimal.RequireFromString("0.01"),
		PublicBaseURL:      "https://offramp.example.com",
		StaleThreshold:     15 * time.Minute,
		PollPolicy:         RetryPolicy{MaxAttempts: 3},
	})
	return &testHarness{repo: repo, pretium: pretium, paycrest: paycrest, publisher: publisher, engine: engine, service: service}
}

func newOrderRequest(p domain.Provider, depositRef string) CreateOrderRequest {
	return CreateOrderRequest{
		OwnerID:               "user_2abc",
		Provider:              p,
		DepositAmount:         decimal.NewFromInt(10),
		LocalCurrency:         "kes",
		RateQuote:             decimal.NewFromInt(130),
		PaymentMethod:         domain.PaymentMethod{Kind: domain.PaymentMethodPhone, Phone: "254712345678"},
		DepositTransactionRef: depositRef,
		WalletAddress:         "0x9f1c4b7e2a",
	}
}

func webhookBody(ref, status string) []byte {
	body, _ := json.Marshal(map[string]string{"ref": ref, "status": status})
	return body
}
