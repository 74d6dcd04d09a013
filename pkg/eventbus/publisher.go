package eventbus

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/avast/retry-go/v4"
)

// Status is the outcome of a publish attempt.
type Status int

const (
	StatusSuccess Status = iota
	StatusFailed
)

func (s Status) String() string {
	if s == StatusSuccess {
		return "success"
	}
	return "failed"
}

// producer is one live broker connection. The real implementation wraps a
// Kafka client; tests inject fakes.
type producer interface {
	EnsureQueue(ctx context.Context, queue string) error
	Produce(ctx context.Context, queue string, payload []byte) error
	Close()
}

// Publisher sends envelopes to named queues. Delivery is fire-and-forget: a
// failed publish is logged and reported through the returned Status, but the
// caller's transaction has already committed and is never unwound. Each call
// opens its own connection; publish volume is transaction-bounded, so pooling
// is not worth the lifecycle complexity here.
type Publisher struct {
	cfg    Config
	logger *slog.Logger

	// connect is swapped by tests.
	connect func(ctx context.Context, cfg Config) (producer, error)
}

// NewPublisher creates a publisher for the given broker configuration.
func NewPublisher(cfg Config, logger *slog.Logger) *Publisher {
	return &Publisher{cfg: cfg, logger: logger, connect: dialProducer}
}

// Publish declares the queue idempotently and sends one message to it,
// retrying the broker connection up to RetryCount times with RetryDuration
// between attempts. Give-up returns StatusFailed plus ErrBrokerUnavailable so
// operators can wire alerting; callers on the post-commit path treat it as
// best-effort.
func (p *Publisher) Publish(ctx context.Context, queue string, payload []byte) (Status, error) {
	var conn producer
	err := retry.Do(
		func() error {
			var err error
			conn, err = p.connect(ctx, p.cfg)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(p.cfg.attempts()),
		retry.Delay(p.cfg.RetryDuration),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			p.logger.Info("publisher retrying broker connection",
				"queue", queue,
				"attempt", n+1,
				"error", err,
			)
		}),
	)
	if err != nil {
		p.logger.Error("publisher gave up connecting to broker",
			"queue", queue,
			"attempts", p.cfg.attempts(),
			"error", err,
		)
		return StatusFailed, fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}
	defer conn.Close()

	if err := conn.EnsureQueue(ctx, queue); err != nil {
		p.logger.Error("queue declaration failed", "queue", queue, "error", err)
		return StatusFailed, fmt.Errorf("declare queue %q: %w", queue, err)
	}
	if err := conn.Produce(ctx, queue, payload); err != nil {
		p.logger.Error("publish failed", "queue", queue, "error", err)
		return StatusFailed, fmt.Errorf("publish to %q: %w", queue, err)
	}
	return StatusSuccess, nil
}

// PublishEnvelope encodes and publishes a typed envelope to its queue.
func PublishEnvelope[T any](ctx context.Context, p *Publisher, env Envelope[T]) (Status, error) {
	payload, err := env.Encode()
	if err != nil {
		return StatusFailed, err
	}
	return p.Publish(ctx, env.QueueName, payload)
}
