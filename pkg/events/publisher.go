package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Event notifies subscribers that a document or paper changed state.
// Delivery is best-effort; clients can always poll the HTTP API instead.
type Event struct {
	Type       string    `json:"type"`
	EntityID   string    `json:"entityId"`
	OwnerID    string    `json:"ownerId"`
	Status     string    `json:"status"`
	OccurredAt time.Time `json:"occurredAt"`
}

// Event types published on the status exchange.
const (
	TypeDocumentStatus = "document.status"
	TypePaperStatus    = "paper.status"
)

// Publisher emits status events.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
	Close() error
}

// AMQPPublisher publishes events to a fanout exchange on RabbitMQ.
type AMQPPublisher struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	channel  *amqp.Channel
	url      string
	exchange string
}

// NewAMQPPublisher connects to RabbitMQ and declares the exchange.
func NewAMQPPublisher(url, exchange string) (*AMQPPublisher, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("amqp url required")
	}
	exchange = strings.TrimSpace(exchange)
	if exchange == "" {
		exchange = "examforge.status"
	}
	p := &AMQPPublisher{url: url, exchange: exchange}
	if err := p.connect(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *AMQPPublisher) connect() error {
	conn, err := amqp.Dial(p.url)
	if err != nil {
		return fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(p.exchange, "fanout", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("declare exchange: %w", err)
	}
	p.conn = conn
	p.channel = ch
	return nil
}

// Publish emits one event. Failures are logged and dropped; a broken
// channel is reconnected on the next call.
func (p *AMQPPublisher) Publish(ctx context.Context, ev Event) {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	body, err := json.Marshal(ev)
	if err != nil {
		slog.Error("marshal event", "type", ev.Type, "error", err)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel == nil || p.channel.IsClosed() {
		if err := p.reconnect(); err != nil {
			slog.Error("amqp reconnect", "error", err)
			return
		}
	}
	err = p.channel.PublishWithContext(ctx, p.exchange, ev.Type, false, false, amqp.Publishing{
		ContentType: "application/json",
		Timestamp:   ev.OccurredAt,
		Body:        body,
	})
	if err != nil {
		slog.Error("publish event", "type", ev.Type, "entityId", ev.EntityID, "error", err)
	}
}

func (p *AMQPPublisher) reconnect() error {
	if p.channel != nil {
		_ = p.channel.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
	return p.connect()
}

// Close shuts down the channel and connection.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		_ = p.channel.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// NoopPublisher drops all events. Used when no broker is configured.
type NoopPublisher struct{}

func (NoopPublisher) Publish(ctx context.Context, ev Event) {}

func (NoopPublisher) Close() error { return nil }
