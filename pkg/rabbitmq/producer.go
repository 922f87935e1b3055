/**
 * @description
 * This package provides a simple producer for publishing off-ramp events to RabbitMQ.
 * Applied order transitions and newly recorded settlements are published on the
 * `offramp.events` topic exchange for notification and analytics consumers.
 *
 * @dependencies
 * - github.com/rabbitmq/amqp091-go: The RabbitMQ client library.
 */
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/Thedongraphix/Minisend-sub003/internal/domain"
	"github.com/rabbitmq/amqp091-go"
)

// Exchange and routing keys of off-ramp events.
const (
	OffRampExchange            = "offramp.events"
	SettlementRecordedRouteKey = "offramp.settlement.recorded"
	orderStatusRouteKeyPrefix  = "offramp.order."
	statusSignalRouteKeyPrefix = "offramp.signal."
)

// OrderStatusRoutingKey returns the routing key for a status transition event.
func OrderStatusRoutingKey(status domain.Status) string {
	return orderStatusRouteKeyPrefix + string(status)
}

// StatusSignalRoutingKey returns the routing key relayed provider webhooks arrive on.
func StatusSignalRoutingKey(provider domain.Provider) string {
	return statusSignalRouteKeyPrefix + string(provider)
}

// Publisher is the interface implemented by types that can publish events.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
	PublishOrderStatus(ctx context.Context, event domain.OrderStatusEvent) error
	PublishSettlementRecorded(ctx context.Context, event domain.SettlementRecordedEvent) error
	Close()
}

// EventProducer publishes JSON events over a single channel. The channel is
// replaced once if a publish fails, so callers never see a stale channel twice.
type EventProducer struct {
	conn *amqp091.Connection

	mu       sync.Mutex
	channel  *amqp091.Channel
	declared map[string]bool
}

// EventProducerFallback drops events. It is used when RabbitMQ is unavailable at
// startup or publishing is disabled.
type EventProducerFallback struct{}

func (p *EventProducerFallback) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	log.Printf("level=warn component=rabbitmq_producer mode=fallback msg=\"publish skipped\" exchange=%s routing_key=%s", exchange, routingKey)
	return nil
}

func (p *EventProducerFallback) PublishOrderStatus(ctx context.Context, event domain.OrderStatusEvent) error {
	log.Printf("level=warn component=rabbitmq_producer mode=fallback msg=\"order status event publish skipped\" order_id=%s status=%s", event.OrderID, event.Status)
	return nil
}

func (p *EventProducerFallback) PublishSettlementRecorded(ctx context.Context, event domain.SettlementRecordedEvent) error {
	log.Printf("level=warn component=rabbitmq_producer mode=fallback msg=\"settlement event publish skipped\" order_id=%s", event.OrderID)
	return nil
}

func (p *EventProducerFallback) Close() {}

// sanitizeAMQPURL strips quoting and stray prefixes that env files tend to add.
func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	if idx := strings.Index(strings.ToLower(clean), "amqp"); idx > 0 {
		clean = clean[idx:]
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

// NewEventProducer dials RabbitMQ and opens the publishing channel.
func NewEventProducer(amqpURL string) (*EventProducer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}
	conn, err := amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	return &EventProducer{conn: conn, channel: ch, declared: make(map[string]bool)}, nil
}

// Publish marshals body and sends it to exchange with routingKey. A failed attempt
// reopens the channel and is retried exactly once.
func (p *EventProducer) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		log.Printf("level=error component=rabbitmq_producer msg=\"json marshal failed\" exchange=%s routing_key=%s err=%v", exchange, routingKey, err)
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.publishLocked(ctx, exchange, routingKey, payload)
	if err == nil {
		return nil
	}
	log.Printf("level=warn component=rabbitmq_producer msg=\"publish failed; reopening channel\" exchange=%s routing_key=%s err=%v", exchange, routingKey, err)
	if reopenErr := p.reopenLocked(); reopenErr != nil {
		return fmt.Errorf("publish %s: %w (reopen: %v)", routingKey, err, reopenErr)
	}
	return p.publishLocked(ctx, exchange, routingKey, payload)
}

func (p *EventProducer) publishLocked(ctx context.Context, exchange, routingKey string, payload []byte) error {
	if !p.declared[exchange] {
		// durable topic exchange
		if err := p.channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange %s: %w", exchange, err)
		}
		p.declared[exchange] = true
	}
	return p.channel.PublishWithContext(ctx, exchange, routingKey, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Timestamp:    time.Now(),
		Body:         payload,
	})
}

func (p *EventProducer) reopenLocked() error {
	if p.conn == nil || p.conn.IsClosed() {
		return errors.New("connection closed")
	}
	ch, err := p.conn.Channel()
	if err != nil {
		return err
	}
	if p.channel != nil {
		_ = p.channel.Close()
	}
	p.channel = ch
	p.declared = make(map[string]bool)
	return nil
}

// PublishOrderStatus publishes an applied status transition to the offramp.events exchange.
func (p *EventProducer) PublishOrderStatus(ctx context.Context, event domain.OrderStatusEvent) error {
	return p.Publish(ctx, OffRampExchange, OrderStatusRoutingKey(event.Status), event)
}

// PublishSettlementRecorded publishes a newly created settlement.
func (p *EventProducer) PublishSettlementRecorded(ctx context.Context, event domain.SettlementRecordedEvent) error {
	return p.Publish(ctx, OffRampExchange, SettlementRecordedRouteKey, event)
}

// Close closes the channel and the connection.
func (p *EventProducer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}
