package pubsub

import (
	"context"
	"io"
)

// Provider creates publishers and consumers on one broker connection.
type Provider interface {
	io.Closer
	NewPublisher(opts PublisherOptions) (Publisher, error)
	NewConsumer(opts ConsumerOptions) (Consumer, error)
}

// Connectable is implemented by providers that must connect before use.
type Connectable interface {
	Connect(ctx context.Context) error
}
