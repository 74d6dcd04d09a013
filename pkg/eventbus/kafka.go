package eventbus

import (
	"context"
	"errors"
	"fmt"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl/plain"
)

// Queues are single-partition topics: one partition keeps delivery order
// within a queue, which the ingestion side relies on.
const queuePartitions = 1

func clientOpts(cfg Config) []kgo.Opt {
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
	}
	if cfg.Username != "" {
		opts = append(opts, kgo.SASL(plain.Auth{
			User: cfg.Username,
			Pass: cfg.Password,
		}.AsMechanism()))
	}
	return opts
}

type kafkaProducer struct {
	client *kgo.Client
	admin  *kadm.Client
}

func dialProducer(ctx context.Context, cfg Config) (producer, error) {
	client, err := kgo.NewClient(clientOpts(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("create broker client: %w", err)
	}
	if err := client.Ping(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("broker unreachable: %w", err)
	}
	return &kafkaProducer{client: client, admin: kadm.NewClient(client)}, nil
}

// EnsureQueue declares the queue's topic. First use must not require
// pre-provisioning, so an already-existing topic is fine.
func (k *kafkaProducer) EnsureQueue(ctx context.Context, queue string) error {
	resp, err := k.admin.CreateTopic(ctx, queuePartitions, 1, nil, queue)
	if err != nil && !errors.Is(err, kerr.TopicAlreadyExists) {
		return fmt.Errorf("create topic %q: %w", queue, err)
	}
	if resp.Err != nil && !errors.Is(resp.Err, kerr.TopicAlreadyExists) {
		return fmt.Errorf("create topic %q: %w", queue, resp.Err)
	}
	return nil
}

// Produce sends one record and flushes the client's buffer. There is no
// broker-acknowledgment round trip beyond the flush; delivery stays
// fire-and-forget.
func (k *kafkaProducer) Produce(ctx context.Context, queue string, payload []byte) error {
	done := make(chan error, 1)
	k.client.Produce(ctx, &kgo.Record{Topic: queue, Value: payload}, func(_ *kgo.Record, err error) {
		done <- err
	})
	if err := k.client.Flush(ctx); err != nil {
		return fmt.Errorf("flush produce buffer: %w", err)
	}
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("produce to %q: %w", queue, err)
		}
	default:
	}
	return nil
}

func (k *kafkaProducer) Close() { k.client.Close() }

type kafkaConsumer struct {
	client *kgo.Client
	queue  string
}

// dialConsumer connects one consumer group member to one queue and declares
// the queue's topic, mirroring the producer side so either end can come up
// first.
func dialConsumer(ctx context.Context, cfg Config, queue string) (consumer, error) {
	group := cfg.GroupID
	if group == "" {
		group = "scribe"
	}
	opts := append(clientOpts(cfg),
		kgo.ConsumeTopics(queue),
		kgo.ConsumerGroup(group),
		kgo.DisableAutoCommit(),
	)
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("create consumer client: %w", err)
	}
	if err := client.Ping(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("broker unreachable: %w", err)
	}
	admin := kadm.NewClient(client)
	resp, err := admin.CreateTopic(ctx, queuePartitions, 1, nil, queue)
	if err != nil && !errors.Is(err, kerr.TopicAlreadyExists) {
		client.Close()
		return nil, fmt.Errorf("create topic %q: %w", queue, err)
	}
	if resp.Err != nil && !errors.Is(resp.Err, kerr.TopicAlreadyExists) {
		client.Close()
		return nil, fmt.Errorf("create topic %q: %w", queue, resp.Err)
	}
	return &kafkaConsumer{client: client, queue: queue}, nil
}

func (k *kafkaConsumer) Poll(ctx context.Context) ([]Message, error) {
	fetches := k.client.PollFetches(ctx)
	if fetches.IsClientClosed() {
		return nil, context.Canceled
	}
	if errs := fetches.Errors(); len(errs) > 0 {
		return nil, fmt.Errorf("poll %q: %w", k.queue, errs[0].Err)
	}
	var messages []Message
	fetches.EachRecord(func(rec *kgo.Record) {
		messages = append(messages, Message{
			Queue: rec.Topic,
			Key:   rec.Key,
			Value: rec.Value,
		})
	})
	return messages, nil
}

// Commit marks everything returned by the last Poll as consumed. The
// dispatcher calls it after handing messages to the handler regardless of the
// handler's outcome: handlers get no redelivery in the current design.
func (k *kafkaConsumer) Commit(ctx context.Context) error {
	if err := k.client.CommitUncommittedOffsets(ctx); err != nil {
		return fmt.Errorf("commit offsets for %q: %w", k.queue, err)
	}
	return nil
}

func (k *kafkaConsumer) Close() { k.client.Close() }
