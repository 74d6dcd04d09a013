package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Handler consumes one inbound message. Returning an error only gets it
// logged; the dispatcher offers no redelivery.
type Handler interface {
	HandleEvent(ctx context.Context, payload []byte) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, payload []byte) error

func (f HandlerFunc) HandleEvent(ctx context.Context, payload []byte) error {
	return f(ctx, payload)
}

// Message is one inbound broker message.
type Message struct {
	Queue string
	Key   []byte
	Value []byte
}

// consumer is one queue subscription. The real implementation wraps a Kafka
// client; tests inject fakes.
type consumer interface {
	Poll(ctx context.Context) ([]Message, error)
	Commit(ctx context.Context) error
	Close()
}

// Dispatcher is the long-lived background listener: it connects to the broker
// with bounded retry, declares one queue per registered handler, and routes
// each inbound message to its handler by queue name. Handling within one
// queue is strictly sequential; different queues run concurrently.
type Dispatcher struct {
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer

	// dial is swapped by tests.
	dial func(ctx context.Context, cfg Config, queue string) (consumer, error)

	mu        sync.Mutex
	handlers  map[string]Handler
	consumers []consumer
	started   bool
}

// NewDispatcher creates a dispatcher for the given broker configuration.
func NewDispatcher(cfg Config, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:      cfg,
		logger:   logger,
		tracer:   otel.Tracer("scribe/eventbus"),
		dial:     dialConsumer,
		handlers: make(map[string]Handler),
	}
}

// Register maps a queue name to its handler. All registrations must happen
// before Run.
func (d *Dispatcher) Register(queue string, handler Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		panic("eventbus: Register after Run")
	}
	d.handlers[queue] = handler
}

// Run connects and consumes until ctx is cancelled or Close is called.
// Failing to reach the broker after the retry budget is fatal here, unlike on
// the publish path: a dispatcher that cannot connect serves no purpose, and
// the supervisor restarting the process is the retry.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.mu.Lock()
	d.started = true
	queues := make([]string, 0, len(d.handlers))
	for queue := range d.handlers {
		queues = append(queues, queue)
	}
	d.mu.Unlock()

	if len(queues) == 0 {
		return fmt.Errorf("eventbus: no handlers registered")
	}

	consumers := make(map[string]consumer, len(queues))
	for _, queue := range queues {
		conn, err := d.connect(ctx, queue)
		if err != nil {
			for _, c := range consumers {
				c.Close()
			}
			return fmt.Errorf("%w: queue %q: %v", ErrBrokerUnavailable, queue, err)
		}
		consumers[queue] = conn
	}

	d.mu.Lock()
	for _, c := range consumers {
		d.consumers = append(d.consumers, c)
	}
	d.mu.Unlock()

	d.logger.Info("dispatcher listening", "queues", queues)

	g, ctx := errgroup.WithContext(ctx)
	for queue, conn := range consumers {
		handler := d.handlers[queue]
		g.Go(func() error {
			defer conn.Close()
			return d.consume(ctx, queue, conn, handler)
		})
	}
	return g.Wait()
}

func (d *Dispatcher) connect(ctx context.Context, queue string) (consumer, error) {
	var conn consumer
	err := retry.Do(
		func() error {
			var err error
			conn, err = d.dial(ctx, d.cfg, queue)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(d.cfg.attempts()),
		retry.Delay(d.cfg.RetryDuration),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			d.logger.Info("dispatcher retrying broker connection",
				"queue", queue,
				"attempt", n+1,
				"error", err,
			)
		}),
	)
	return conn, err
}

func (d *Dispatcher) consume(ctx context.Context, queue string, conn consumer, handler Handler) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		messages, err := conn.Poll(ctx)
		if err != nil {
			// A closed client surfaces as context.Canceled; the loop is done.
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			d.logger.Error("poll failed", "queue", queue, "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(d.cfg.RetryDuration):
			}
			continue
		}
		for _, msg := range messages {
			d.dispatch(ctx, queue, handler, msg)
		}
		if len(messages) > 0 {
			if err := conn.Commit(ctx); err != nil {
				d.logger.Error("offset commit failed", "queue", queue, "error", err)
			}
		}
	}
}

// dispatch hands one message to its handler. Handler errors are logged and
// swallowed: audit propagation never gets redelivery in the current design,
// and ingestion is idempotent per record, so operators replay from the source
// if needed.
func (d *Dispatcher) dispatch(ctx context.Context, queue string, handler Handler, msg Message) {
	ctx, span := d.tracer.Start(ctx, "eventbus.dispatch",
		trace.WithAttributes(attribute.String("queue", queue)))
	defer span.End()

	if err := handler.HandleEvent(ctx, msg.Value); err != nil {
		span.RecordError(err)
		d.logger.Error("handler failed",
			"queue", queue,
			"key", string(msg.Key),
			"error", err,
		)
	}
}

// Close stops all consumers. Safe to call concurrently with Run.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.consumers {
		c.Close()
	}
	d.consumers = nil
}
