package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/atmx/ledger-engine/internal/model"
)

const (
	reconnectDelay       = 5 * time.Second
	maxReconnectAttempts = 10
	consumerTimeout      = 30 * time.Second
)

// ConsumerConfig configures the RabbitMQ payment consumer.
type ConsumerConfig struct {
	URL      string
	Queue    string
	Prefetch int
	Workers  int
}

// Action is what to do with a delivery after handling it.
type Action int

const (
	Ack     Action = iota // processed or duplicate
	Reject                // malformed or permanently invalid; not requeued
	Requeue               // transient failure; redelivered later
)

func (a Action) String() string {
	switch a {
	case Ack:
		return "ack"
	case Reject:
		return "reject"
	default:
		return "requeue"
	}
}

// Decide maps the outcome of handling a confirmation to a delivery action.
func Decide(err error) Action {
	switch {
	case err == nil:
		return Ack
	case errors.Is(err, ErrInvalidConfirmation),
		errors.Is(err, model.ErrNotFound),
		errors.Is(err, model.ErrInvalidStateTransition):
		return Reject
	default:
		return Requeue
	}
}

// Consumer reads payment confirmations from a durable queue and feeds
// them to an Intake.
type Consumer struct {
	cfg    ConsumerConfig
	intake *Intake
	log    *slog.Logger

	conn    *amqp.Connection
	channel *amqp.Channel
	mu      sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewConsumer connects to RabbitMQ and declares the queue.
func NewConsumer(cfg ConsumerConfig, intake *Intake, log *slog.Logger) (*Consumer, error) {
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 10
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())

	c := &Consumer{
		cfg:    cfg,
		intake: intake,
		log:    log,
		ctx:    ctx,
		cancel: cancel,
	}

	if err := c.connect(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	return c, nil
}

func (c *Consumer) connect() error {
	conn, err := amqp.Dial(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("failed to dial RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	if _, err := ch.QueueDeclare(
		c.cfg.Queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.channel = ch
	c.mu.Unlock()

	c.log.Info("connected to RabbitMQ", "queue", c.cfg.Queue)

	go c.monitorConnection(conn)
	return nil
}

func (c *Consumer) monitorConnection(conn *amqp.Connection) {
	notifyClose := conn.NotifyClose(make(chan *amqp.Error, 1))

	select {
	case err := <-notifyClose:
		if err != nil {
			c.log.Error("RabbitMQ connection closed unexpectedly", "err", err)
			c.reconnect()
		}
	case <-c.ctx.Done():
	}
}

func (c *Consumer) reconnect() {
	c.mu.Lock()
	if c.channel != nil {
		c.channel.Close()
		c.channel = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()

	for attempt := 1; attempt <= maxReconnectAttempts; attempt++ {
		c.log.Info("attempting to reconnect to RabbitMQ", "attempt", attempt)

		if err := c.connect(); err == nil {
			c.log.Info("successfully reconnected to RabbitMQ")
			go func() {
				if err := c.Start(c.ctx); err != nil && c.ctx.Err() == nil {
					c.log.Error("failed to restart consumer after reconnect", "err", err)
				}
			}()
			return
		}

		delay := reconnectDelay * time.Duration(attempt)
		c.log.Warn("reconnection failed, retrying", "attempt", attempt, "delay", delay)

		select {
		case <-time.After(delay):
		case <-c.ctx.Done():
			return
		}
	}

	c.log.Error("max reconnection attempts reached, giving up")
}

// Start consumes until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.RLock()
	channel := c.channel
	c.mu.RUnlock()

	if channel == nil {
		return fmt.Errorf("channel is not initialized")
	}

	msgs, err := channel.Consume(
		c.cfg.Queue,
		"",    // consumer tag
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	c.log.Info("starting payment consumer workers", "workers", c.cfg.Workers)

	for i := 0; i < c.cfg.Workers; i++ {
		c.wg.Add(1)
		go c.worker(ctx, msgs, i)
	}

	<-ctx.Done()
	c.log.Info("stopping payment consumer workers")
	c.wg.Wait()
	return nil
}

func (c *Consumer) worker(ctx context.Context, msgs <-chan amqp.Delivery, workerID int) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				c.log.Warn("message channel closed", "worker_id", workerID)
				return
			}
			c.processMessage(ctx, msg, workerID)
		}
	}
}

func (c *Consumer) processMessage(ctx context.Context, msg amqp.Delivery, workerID int) {
	ctx, cancel := context.WithTimeout(ctx, consumerTimeout)
	defer cancel()

	action := c.Handle(ctx, msg.Body)
	var err error
	switch action {
	case Ack:
		err = msg.Ack(false)
	case Reject:
		err = msg.Nack(false, false)
	default:
		err = msg.Nack(false, true)
	}
	if err != nil {
		c.log.Warn("failed to settle delivery", "worker_id", workerID, "action", action.String(), "err", err)
	}
}

// Handle decodes one message body and applies it.
func (c *Consumer) Handle(ctx context.Context, body []byte) Action {
	var conf Confirmation
	if err := json.Unmarshal(body, &conf); err != nil {
		c.log.Error("failed to unmarshal payment confirmation", "err", err, "body", string(body))
		return Reject
	}

	_, _, err := c.intake.Confirm(ctx, conf)
	action := Decide(err)
	if err != nil {
		c.log.Error("payment confirmation failed",
			"investment_id", conf.InvestmentID,
			"action", action.String(),
			"err", err,
		)
	}
	return action
}

// Close stops the workers and the connection.
func (c *Consumer) Close() {
	c.cancel()
	c.wg.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.channel != nil {
		c.channel.Close()
		c.channel = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.log.Info("payment consumer closed")
}
