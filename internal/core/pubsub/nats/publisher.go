package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/syntrixbase/searchfolder/internal/core/pubsub"
)

type publisher struct {
	js     JetStream
	prefix string
	opts   pubsub.PublisherOptions
}

// NewPublisher creates a publisher and ensures its stream exists.
func NewPublisher(ctx context.Context, js JetStream, opts pubsub.PublisherOptions) (pubsub.Publisher, error) {
	if js == nil {
		return nil, fmt.Errorf("jetstream cannot be nil")
	}

	prefix := opts.SubjectPrefix
	if prefix == "" {
		prefix = opts.StreamName
	}

	if opts.StreamName != "" {
		_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
			Name:     opts.StreamName,
			Subjects: []string{prefix + ".>"},
			Storage:  storageOf(opts.Storage),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to ensure stream %s: %w", opts.StreamName, err)
		}
	}

	return &publisher{js: js, prefix: prefix, opts: opts}, nil
}

func (p *publisher) Publish(ctx context.Context, subject string, data []byte) error {
	start := time.Now()

	full := subject
	if p.prefix != "" {
		full = p.prefix + "." + subject
	}

	var pubOpts []jetstream.PublishOpt
	if p.opts.RetryAttempts > 0 {
		pubOpts = append(pubOpts, jetstream.WithRetryAttempts(p.opts.RetryAttempts))
	}

	_, err := p.js.Publish(ctx, full, data, pubOpts...)
	if p.opts.OnPublish != nil {
		p.opts.OnPublish(full, err, time.Since(start))
	}
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", full, err)
	}
	return nil
}

func (p *publisher) Close() error {
	return nil
}
