package pubsub

import "time"

// StorageType selects the stream storage backend.
type StorageType int

const (
	MemoryStorage StorageType = iota
	FileStorage
)

// PublisherOptions configures a publisher.
type PublisherOptions struct {
	// StreamName is created on demand with subjects "<SubjectPrefix>.>".
	StreamName string

	// SubjectPrefix is prepended to every subject. Defaults to StreamName.
	SubjectPrefix string

	// RetryAttempts for a single publish. 0 means no retry.
	RetryAttempts int

	Storage StorageType

	// OnPublish is called after each publish attempt.
	OnPublish func(subject string, err error, latency time.Duration)
}

// ConsumerOptions configures a durable consumer.
type ConsumerOptions struct {
	StreamName   string
	ConsumerName string

	// FilterSubject defaults to "<StreamName>.>".
	FilterSubject string

	// ChannelBufSize is the buffer of the channel returned by Subscribe.
	ChannelBufSize int

	Storage StorageType
}

// DefaultConsumerOptions returns ConsumerOptions with defaults applied.
func DefaultConsumerOptions() ConsumerOptions {
	return ConsumerOptions{
		ChannelBufSize: 100,
	}
}
