// Package pubsub abstracts the message broker used to exchange change
// events and search notifications between server nodes.
package pubsub

import (
	"context"
	"time"
)

// Message is a received message with acknowledgment controls.
type Message interface {
	Data() []byte
	Subject() string

	// Ack acknowledges successful processing.
	Ack() error

	// Nak requests redelivery.
	Nak() error

	// NakWithDelay requests redelivery after a delay.
	NakWithDelay(delay time.Duration) error

	// Term drops the message without redelivery.
	Term() error
}

// Publisher publishes messages to a stream.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
	Close() error
}

// Consumer consumes messages from a stream.
type Consumer interface {
	// Subscribe starts consuming and returns a channel that is closed when
	// ctx is cancelled. The caller acks or naks every message.
	Subscribe(ctx context.Context) (<-chan Message, error)
}
