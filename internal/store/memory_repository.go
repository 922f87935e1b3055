package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Thedongraphix/Minisend-sub003/internal/domain"
	"github.com/google/uuid"
)

// MemoryRepository is an in-process Repository with the same uniqueness and
// conditional-update semantics as the Postgres schema. It backs tests and local
// runs without DATABASE_URL.
type MemoryRepository struct {
	mu          sync.Mutex
	orders      map[uuid.UUID]*domain.Order
	byRef       map[string]uuid.UUID
	byDeposit   map[string]uuid.UUID
	history     map[uuid.UUID][]domain.StatusHistoryEntry
	settlements map[uuid.UUID]*domain.Settlement
	intents     map[uuid.UUID]*domain.DisbursementIntent
	intentByDep map[string]uuid.UUID
	audits      []domain.SignalAudit
	now         func() time.Time
}

// NewMemoryRepository returns an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		orders:      make(map[uuid.UUID]*domain.Order),
		byRef:       make(map[string]uuid.UUID),
		byDeposit:   make(map[string]uuid.UUID),
		history:     make(map[uuid.UUID][]domain.StatusHistoryEntry),
		settlements: make(map[uuid.UUID]*domain.Settlement),
		intents:     make(map[uuid.UUID]*domain.DisbursementIntent),
		intentByDep: make(map[string]uuid.UUID),
		now:         time.Now,
	}
}

func refKey(p domain.Provider, ref string) string { return string(p) + "\x00" + ref }

func (m *MemoryRepository) CreateOrder(_ context.Context, order *domain.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.orders[order.ID]; ok {
		return domain.ErrDuplicateTransactionRef
	}
	if _, ok := m.byRef[refKey(order.Provider, order.ProviderTransactionRef)]; ok {
		return domain.ErrDuplicateTransactionRef
	}
	if _, ok := m.byDeposit[order.DepositTransactionRef]; ok {
		return domain.ErrDepositAlreadyUsed
	}

	stored := *order
	m.orders[order.ID] = &stored
	m.byRef[refKey(order.Provider, order.ProviderTransactionRef)] = order.ID
	m.byDeposit[order.DepositTransactionRef] = order.ID
	return nil
}

func (m *MemoryRepository) FindOrderByID(_ context.Context, orderID uuid.UUID) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.orderCopy(orderID)
}

func (m *MemoryRepository) FindOrderByTransactionRef(_ context.Context, provider domain.Provider, ref string) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byRef[refKey(provider, ref)]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	return m.orderCopy(id)
}

func (m *MemoryRepository) FindOrderByDepositRef(_ context.Context, depositRef string) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byDeposit[depositRef]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	return m.orderCopy(id)
}

func (m *MemoryRepository) orderCopy(id uuid.UUID) (*domain.Order, error) {
	order, ok := m.orders[id]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	out := *order
	return &out, nil
}

func (m *MemoryRepository) ListStatusHistory(_ context.Context, orderID uuid.UUID) ([]domain.StatusHistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.StatusHistoryEntry(nil), m.history[orderID]...), nil
}

func (m *MemoryRepository) ConditionalUpdateStatus(_ context.Context, params UpdateStatusParams) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	order, ok := m.orders[params.OrderID]
	if !ok || order.CanonicalStatus != params.Expected {
		return false, nil
	}

	order.CanonicalStatus = params.Next
	order.ProviderRawStatus = params.RawStatus
	order.LastStatusAt = params.At
	if params.ReceiptReference != nil {
		v := *params.ReceiptReference
		order.ReceiptReference = &v
	}
	if params.FailureReason != nil {
		v := *params.FailureReason
		order.FailureReason = &v
	}
	if params.Next.IsTerminal() {
		at := params.At
		order.CompletedAt = &at
	}

	m.history[params.OrderID] = append(m.history[params.OrderID], domain.StatusHistoryEntry{
		At:              params.At,
		Source:          params.Source,
		RawStatus:       params.RawStatus,
		CanonicalStatus: params.Next,
	})
	return true, nil
}

func (m *MemoryRepository) ListOrdersAwaitingSettlement(_ context.Context, limit int) ([]domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.selectOrders(limit, func(o *domain.Order) bool {
		_, settled := m.settlements[o.ID]
		return o.CanonicalStatus.IsSuccess() && !settled
	}), nil
}

func (m *MemoryRepository) ListNonTerminalOrders(_ context.Context, lastStatusBefore time.Time, limit int) ([]domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.selectOrders(limit, func(o *domain.Order) bool {
		return !o.CanonicalStatus.IsTerminal() && o.LastStatusAt.Before(lastStatusBefore)
	}), nil
}

func (m *MemoryRepository) selectOrders(limit int, keep func(*domain.Order) bool) []domain.Order {
	var out []domain.Order
	for _, o := range m.orders {
		if keep(o) {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastStatusAt.Before(out[j].LastStatusAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *MemoryRepository) RecordSettlementOnce(_ context.Context, settlement *domain.Settlement) (*domain.Settlement, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.settlements[settlement.OrderID]; ok {
		out := *existing
		return &out, false, nil
	}
	stored := *settlement
	m.settlements[settlement.OrderID] = &stored
	out := stored
	return &out, true, nil
}

func (m *MemoryRepository) FindSettlementByOrderID(_ context.Context, orderID uuid.UUID) (*domain.Settlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.settlements[orderID]
	if !ok {
		return nil, ErrSettlementNotFound
	}
	out := *s
	return &out, nil
}

// SettlementCount returns how many settlement rows exist.
func (m *MemoryRepository) SettlementCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.settlements)
}

func (m *MemoryRepository) RecordSignalAudit(_ context.Context, audit *domain.SignalAudit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audits = append(m.audits, *audit)
	return nil
}

// SignalAudits returns a copy of the audit log.
func (m *MemoryRepository) SignalAudits() []domain.SignalAudit {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.SignalAudit(nil), m.audits...)
}

// OrderCount returns how many orders exist.
func (m *MemoryRepository) OrderCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.orders)
}

func (m *MemoryRepository) ReserveIntent(_ context.Context, intent *domain.DisbursementIntent) (*domain.DisbursementIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := *intent
	stored.State = domain.IntentReserved
	stored.ProviderTransactionRef = nil
	stored.ProviderRawStatus = nil
	stored.LastError = nil
	stored.UpdatedAt = intent.CreatedAt

	if id, ok := m.intentByDep[intent.DepositTransactionRef]; ok {
		existing := m.intents[id]
		if existing.State != domain.IntentRejected {
			return nil, domain.ErrDepositAlreadyUsed
		}
		stored.ID = existing.ID
		stored.CreatedAt = existing.CreatedAt
	}

	m.intents[stored.ID] = &stored
	m.intentByDep[stored.DepositTransactionRef] = stored.ID
	out := stored
	return &out, nil
}

func (m *MemoryRepository) MarkIntentDispatched(_ context.Context, intentID uuid.UUID, providerRef, rawStatus string) error {
	return m.updateIntent(intentID, []domain.IntentState{domain.IntentReserved, domain.IntentUnknown, domain.IntentDispatched}, func(i *domain.DisbursementIntent) {
		i.State = domain.IntentDispatched
		i.ProviderTransactionRef = &providerRef
		i.ProviderRawStatus = &rawStatus
		i.LastError = nil
	})
}

func (m *MemoryRepository) MarkIntentCompleted(_ context.Context, intentID uuid.UUID) error {
	return m.updateIntent(intentID, []domain.IntentState{domain.IntentReserved, domain.IntentUnknown, domain.IntentDispatched, domain.IntentCompleted}, func(i *domain.DisbursementIntent) {
		i.State = domain.IntentCompleted
	})
}

func (m *MemoryRepository) MarkIntentRejected(_ context.Context, intentID uuid.UUID, reason string) error {
	return m.updateIntent(intentID, []domain.IntentState{domain.IntentReserved, domain.IntentUnknown}, func(i *domain.DisbursementIntent) {
		i.State = domain.IntentRejected
		i.LastError = &reason
	})
}

func (m *MemoryRepository) MarkIntentUnknown(_ context.Context, intentID uuid.UUID, reason string) error {
	return m.updateIntent(intentID, []domain.IntentState{domain.IntentReserved, domain.IntentUnknown}, func(i *domain.DisbursementIntent) {
		i.State = domain.IntentUnknown
		i.LastError = &reason
	})
}

func (m *MemoryRepository) updateIntent(id uuid.UUID, from []domain.IntentState, apply func(*domain.DisbursementIntent)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	intent, ok := m.intents[id]
	if !ok {
		return ErrIntentNotFound
	}
	for _, state := range from {
		if intent.State == state {
			apply(intent)
			intent.UpdatedAt = m.now()
			return nil
		}
	}
	return ErrIntentNotFound
}

func (m *MemoryRepository) FindIntentByID(_ context.Context, intentID uuid.UUID) (*domain.DisbursementIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	intent, ok := m.intents[intentID]
	if !ok {
		return nil, ErrIntentNotFound
	}
	out := *intent
	return &out, nil
}

func (m *MemoryRepository) ListRecoverableIntents(_ context.Context, updatedBefore time.Time, limit int) ([]domain.DisbursementIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.DisbursementIntent
	for _, intent := range m.intents {
		switch intent.State {
		case domain.IntentReserved, domain.IntentDispatched, domain.IntentUnknown:
			if intent.UpdatedAt.Before(updatedBefore) {
				out = append(out, *intent)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SetIntentUpdatedAt backdates an intent so recovery picks it up.
func (m *MemoryRepository) SetIntentUpdatedAt(intentID uuid.UUID, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if intent, ok := m.intents[intentID]; ok {
		intent.UpdatedAt = at
	}
}

var _ Repository = (*MemoryRepository)(nil)
var _ Repository = (*PostgresRepository)(nil)
