// Package notify delivers BalanceChanged facts to clients after commit.
// The core engines only see balance.EventSink; this package owns the
// transports (WebSocket, RabbitMQ) and imports the core, never the reverse.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/atmx/ledger-engine/internal/metrics"
	"github.com/atmx/ledger-engine/internal/model"
)

// Transport delivers one event to one channel.
type Transport interface {
	Name() string
	Deliver(ctx context.Context, evt model.BalanceChanged) error
}

// Options tunes a Dispatcher.
type Options struct {
	QueueSize int
	Workers   int
	Attempts  int
	Backoff   time.Duration
	Logger    *slog.Logger
}

// Dispatcher queues events and fans them out to every transport from a
// small worker pool. Publish never blocks; a full queue drops the event.
type Dispatcher struct {
	queue      chan model.BalanceChanged
	transports []Transport
	opts       Options
	log        *slog.Logger
	wg         sync.WaitGroup
}

// NewDispatcher creates a dispatcher. Call Start to begin delivery.
func NewDispatcher(opts Options, transports ...Transport) *Dispatcher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.Attempts <= 0 {
		opts.Attempts = 3
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 200 * time.Millisecond
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		queue:      make(chan model.BalanceChanged, opts.QueueSize),
		transports: transports,
		opts:       opts,
		log:        log,
	}
}

// Publish enqueues evt. It is called from commit hooks and must not block.
func (d *Dispatcher) Publish(evt model.BalanceChanged) {
	select {
	case d.queue <- evt:
	default:
		metrics.NotificationsDropped.Inc()
		d.log.Warn("notification queue full, dropping event",
			"account", evt.AccountID,
			"reason", evt.Reason,
			"reference_id", evt.ReferenceID,
		)
	}
}

// Start launches the workers. They exit when ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.opts.Workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}
}

// Wait blocks until every worker has exited.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-d.queue:
			d.deliver(ctx, evt)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, evt model.BalanceChanged) {
	for _, t := range d.transports {
		var err error
		for attempt := 1; attempt <= d.opts.Attempts; attempt++ {
			if err = t.Deliver(ctx, evt); err == nil {
				break
			}
			if attempt == d.opts.Attempts {
				break
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(d.opts.Backoff * time.Duration(attempt)):
			}
		}
		if err != nil {
			metrics.NotificationFailures.WithLabelValues(t.Name()).Inc()
			d.log.Warn("notification delivery failed",
				"transport", t.Name(),
				"account", evt.AccountID,
				"attempts", d.opts.Attempts,
				"err", err,
			)
		}
	}
}
