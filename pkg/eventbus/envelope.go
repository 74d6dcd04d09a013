// Package eventbus carries audit batches between services over a message
// broker. The publisher side is fire-and-forget with bounded connect retry;
// the dispatcher side routes inbound messages to handlers by queue name.
package eventbus

import (
	"encoding/json"
	"fmt"
)

// Envelope is the generic wire wrapper: any payload type can ride the same
// transport. Field names are the wire contract.
type Envelope[T any] struct {
	QueueName string `json:"QueueName"`
	Model     T      `json:"Model"`
}

// NewEnvelope wraps a payload for the given queue.
func NewEnvelope[T any](queueName string, model T) Envelope[T] {
	return Envelope[T]{QueueName: queueName, Model: model}
}

// Encode serializes the envelope for transport.
func (e Envelope[T]) Encode() ([]byte, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope for %q: %w", e.QueueName, err)
	}
	return payload, nil
}

// DecodeEnvelope parses a raw message back into a typed envelope.
func DecodeEnvelope[T any](payload []byte) (Envelope[T], error) {
	var env Envelope[T]
	if err := json.Unmarshal(payload, &env); err != nil {
		return Envelope[T]{}, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}
