package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log"

	amqp "github.com/rabbitmq/amqp091-go"
)

// MessageHandler processes one delivery. Returning false asks for a redelivery.
type MessageHandler func(body []byte) bool

// Subscription describes a durable queue bound to a topic exchange. Each routing
// key is dispatched to its handler.
type Subscription struct {
	Exchange string
	Queue    string
	Handlers map[string]MessageHandler
	// Prefetch bounds unacknowledged deliveries; zero means 16.
	Prefetch int
}

// Consumer reads events off durable queues.
type Consumer struct {
	conn    *amqp.Connection
	ch      *amqp.Channel
	done    chan struct{}
	started bool
}

// NewConsumer dials RabbitMQ and opens a channel.
func NewConsumer(amqpURL string) (*Consumer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}
	conn, err := amqp.Dial(cleanURL)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	return &Consumer{conn: conn, ch: ch, done: make(chan struct{})}, nil
}

// Start declares the topology of sub and dispatches deliveries in the background
// until ctx is cancelled or the channel closes. A delivery whose handler fails is
// requeued once; a second failure drops it.
func (c *Consumer) Start(ctx context.Context, sub Subscription) error {
	handlers := make(map[string]MessageHandler, len(sub.Handlers))
	for key, h := range sub.Handlers {
		if h != nil {
			handlers[key] = h
		}
	}
	if len(handlers) == 0 {
		return errors.New("no bindings provided")
	}

	prefetch := sub.Prefetch
	if prefetch <= 0 {
		prefetch = 16
	}
	if err := c.ch.Qos(prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	if err := c.ch.ExchangeDeclare(sub.Exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", sub.Exchange, err)
	}
	q, err := c.ch.QueueDeclare(sub.Queue, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", sub.Queue, err)
	}
	for key := range handlers {
		if err := c.ch.QueueBind(q.Name, key, sub.Exchange, false, nil); err != nil {
			return fmt.Errorf("bind %s: %w", key, err)
		}
	}

	deliveries, err := c.ch.ConsumeWithContext(ctx, q.Name, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", q.Name, err)
	}

	c.started = true
	go func() {
		defer close(c.done)
		for d := range deliveries {
			dispatch(q.Name, handlers, d)
		}
		log.Printf("level=info component=rabbitmq_consumer msg=\"delivery channel closed\" queue=%s", q.Name)
	}()
	return nil
}

func dispatch(queue string, handlers map[string]MessageHandler, d amqp.Delivery) {
	handler, ok := handlers[d.RoutingKey]
	switch {
	case !ok:
		log.Printf("level=warn component=rabbitmq_consumer msg=\"no handler for routing key; dropping\" queue=%s routing_key=%s", queue, d.RoutingKey)
		_ = d.Ack(false)
	case handler(d.Body):
		_ = d.Ack(false)
	case d.Redelivered:
		log.Printf("level=error component=rabbitmq_consumer msg=\"handler failed on redelivery; dropping\" queue=%s routing_key=%s", queue, d.RoutingKey)
		_ = d.Nack(false, false)
	default:
		log.Printf("level=warn component=rabbitmq_consumer msg=\"handler failed; re-queuing\" queue=%s routing_key=%s", queue, d.RoutingKey)
		_ = d.Nack(false, true)
	}
}

// Close closes the channel and connection, then waits for the dispatch loop if
// one was started.
func (c *Consumer) Close() {
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
	if c.started {
		<-c.done
	}
}
