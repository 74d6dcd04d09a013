package eventbus

import (
	"errors"
	"time"
)

// ErrBrokerUnavailable means the connect retry budget was exhausted. On the
// publish path it is logged and surfaced as a status so it never fails the
// business write; on the dispatcher start path it is fatal.
var ErrBrokerUnavailable = errors.New("message broker unavailable")

// Config is the broker connection contract. The password arrives encrypted at
// rest and must be decrypted before it lands here.
type Config struct {
	Brokers  []string
	Username string
	Password string

	// RetryCount bounds connection attempts; RetryDuration is the fixed wait
	// between them.
	RetryCount    int
	RetryDuration time.Duration

	// GroupID names the dispatcher's consumer group.
	GroupID string
}

func (c Config) attempts() uint {
	if c.RetryCount < 1 {
		return 1
	}
	return uint(c.RetryCount)
}
