package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/atmx/ledger-engine/internal/model"
)

const publishTimeout = 5 * time.Second

// AMQPPublisher publishes BalanceChanged events to a durable topic exchange
// with routing key "balance.<reason>". A broken connection is redialed on
// the next delivery.
type AMQPPublisher struct {
	url      string
	exchange string

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
}

// NewAMQPPublisher dials the broker and declares the exchange.
func NewAMQPPublisher(url, exchange string) (*AMQPPublisher, error) {
	p := &AMQPPublisher{url: url, exchange: exchange}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.connect(); err != nil {
		return nil, err
	}
	return p, nil
}

// connect must be called with mu held.
func (p *AMQPPublisher) connect() error {
	conn, err := amqp.Dial(p.url)
	if err != nil {
		return fmt.Errorf("dial RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(
		p.exchange,
		amqp.ExchangeTopic,
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,   // arguments
	); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("declare exchange: %w", err)
	}

	p.conn = conn
	p.channel = ch
	slog.Info("connected to RabbitMQ", "exchange", p.exchange)
	return nil
}

func (p *AMQPPublisher) Name() string { return "amqp" }

// Deliver publishes evt as a persistent JSON message.
func (p *AMQPPublisher) Deliver(ctx context.Context, evt model.BalanceChanged) error {
	key, msg, err := encodeEvent(evt)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn == nil || p.conn.IsClosed() {
		p.reset()
		if err := p.connect(); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := p.channel.PublishWithContext(ctx, p.exchange, key, false, false, msg); err != nil {
		p.reset()
		return fmt.Errorf("publish %s: %w", key, err)
	}
	return nil
}

func encodeEvent(evt model.BalanceChanged) (string, amqp.Publishing, error) {
	body, err := json.Marshal(evt)
	if err != nil {
		return "", amqp.Publishing{}, fmt.Errorf("encode event: %w", err)
	}
	return "balance." + evt.Reason, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Headers:      amqp.Table{"account_id": evt.AccountID, "reference_id": evt.ReferenceID},
		Timestamp:    evt.At,
		Type:         "balance_changed",
		Body:         body,
	}, nil
}

// reset must be called with mu held.
func (p *AMQPPublisher) reset() {
	if p.channel != nil {
		p.channel.Close()
		p.channel = nil
	}
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
}

// Close shuts the connection down.
func (p *AMQPPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reset()
}
