package app

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"time"

	"github.com/Thedongraphix/Minisend-sub003/internal/domain"
)

// StatusSignalConsumer applies provider status signals relayed through RabbitMQ.
// They take the same path as a webhook posted to this service directly.
type StatusSignalConsumer struct {
	engine *Engine
}

func NewStatusSignalConsumer(engine *Engine) *StatusSignalConsumer {
	return &StatusSignalConsumer{engine: engine}
}

// HandleMessage returns false only for failures worth redelivering.
func (c *StatusSignalConsumer) HandleMessage(body []byte) bool {
	var event domain.StatusSignalEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("level=warn component=status_signal_consumer msg=\"failed to unmarshal payload\" err=%v", err)
		return true
	}

	if _, ok := domain.ParseProvider(string(event.Provider)); !ok {
		log.Printf("level=warn component=status_signal_consumer msg=\"unknown provider; dropping\" provider=%q event_id=%s", event.Provider, event.EventID)
		return true
	}
	if strings.TrimSpace(event.ProviderTransactionRef) == "" {
		log.Printf("level=warn component=status_signal_consumer msg=\"missing transaction reference; dropping\" provider=%s event_id=%s", event.Provider, event.EventID)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	result, err := c.engine.Apply(ctx, Signal{
		Provider:         event.Provider,
		TransactionRef:   strings.TrimSpace(event.ProviderTransactionRef),
		Source:           domain.SourceWebhook,
		RawStatus:        event.Status,
		ReceiptReference: optionalString(event.ReceiptReference),
		FailureReason:    optionalString(event.FailureReason),
		ObservedAt:       event.OccurredAt,
	})
	if err != nil {
		log.Printf("level=error component=status_signal_consumer msg=\"processing error\" provider=%s ref=%s err=%v", event.Provider, event.ProviderTransactionRef, err)
		return false
	}

	log.Printf("level=info component=status_signal_consumer provider=%s ref=%s outcome=%s", event.Provider, event.ProviderTransactionRef, result.Outcome)
	return true
}

func optionalString(value string) *string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return &value
}
