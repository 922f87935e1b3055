package app

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/Thedongraphix/Minisend-sub003/internal/domain"
)

func TestStatusSignalConsumer_AppliesRelayedWebhook(t *testing.T) {
	h := newTestHarness()
	created := createTestOrder(t, h, "0xdeposit-relay")
	consumer := NewStatusSignalConsumer(h.engine)

	body, _ := json.Marshal(domain.StatusSignalEvent{
		EventID:                "evt_1",
		Provider:               domain.ProviderPretium,
		ProviderTransactionRef: created.ProviderTransactionRef,
		Status:                 "Delivered",
		ReceiptReference:       "QK81XYZ",
		OccurredAt:             time.Now().UTC(),
	})
	if !consumer.HandleMessage(body) {
		t.Fatal("expected message to be acknowledged")
	}

	order, _ := h.repo.FindOrderByID(context.Background(), created.OrderID)
	if order.CanonicalStatus != domain.StatusDelivered {
		t.Fatalf("expected delivered, got %s", order.CanonicalStatus)
	}
	if order.ReceiptReference == nil || *order.ReceiptReference != "QK81XYZ" {
		t.Fatalf("expected receipt reference, got %v", order.ReceiptReference)
	}
	if h.repo.SettlementCount() != 1 {
		t.Fatalf("expected 1 settlement, got %d", h.repo.SettlementCount())
	}
}

func TestStatusSignalConsumer_DropsMalformedMessages(t *testing.T) {
	h := newTestHarness()
	consumer := NewStatusSignalConsumer(h.engine)

	if !consumer.HandleMessage([]byte("{not json")) {
		t.Fatal("expected malformed payload to be acknowledged")
	}
	body, _ := json.Marshal(domain.StatusSignalEvent{Provider: "acme", ProviderTransactionRef: "x", Status: "Delivered"})
	if !consumer.HandleMessage(body) {
		t.Fatal("expected unknown provider to be acknowledged")
	}
	body, _ = json.Marshal(domain.StatusSignalEvent{Provider: domain.ProviderPaycrest, Status: "Delivered"})
	if !consumer.HandleMessage(body) {
		t.Fatal("expected missing reference to be acknowledged")
	}
}

func TestStatusSignalConsumer_OrphanIsAcknowledged(t *testing.T) {
	h := newTestHarness()
	consumer := NewStatusSignalConsumer(h.engine)

	body, _ := json.Marshal(domain.StatusSignalEvent{Provider: domain.ProviderPaycrest, ProviderTransactionRef: "ghost", Status: "Delivered"})
	if !consumer.HandleMessage(body) {
		t.Fatal("expected orphan signal to be acknowledged")
	}
	if len(h.repo.SignalAudits()) != 1 {
		t.Fatalf("expected orphan audit, got %d", len(h.repo.SignalAudits()))
	}
}
