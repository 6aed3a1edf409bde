package nats

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/syntrixbase/searchfolder/internal/core/pubsub"
)

type consumer struct {
	js   JetStream
	opts pubsub.ConsumerOptions
}

// NewConsumer creates a durable JetStream consumer.
func NewConsumer(js JetStream, opts pubsub.ConsumerOptions) (pubsub.Consumer, error) {
	if js == nil {
		return nil, fmt.Errorf("jetstream cannot be nil")
	}
	if opts.StreamName == "" {
		return nil, fmt.Errorf("stream name is required")
	}
	if opts.ChannelBufSize <= 0 {
		opts.ChannelBufSize = pubsub.DefaultConsumerOptions().ChannelBufSize
	}
	if opts.ConsumerName == "" {
		opts.ConsumerName = "consumer"
	}
	if opts.FilterSubject == "" {
		opts.FilterSubject = opts.StreamName + ".>"
	}
	return &consumer{js: js, opts: opts}, nil
}

func (c *consumer) Subscribe(ctx context.Context) (<-chan pubsub.Message, error) {
	_, err := c.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     c.opts.StreamName,
		Subjects: []string{c.opts.FilterSubject},
		Storage:  storageOf(c.opts.Storage),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to ensure stream %s: %w", c.opts.StreamName, err)
	}

	cons, err := c.js.CreateOrUpdateConsumer(ctx, c.opts.StreamName, jetstream.ConsumerConfig{
		Durable:       c.opts.ConsumerName,
		AckPolicy:     jetstream.AckExplicitPolicy,
		FilterSubject: c.opts.FilterSubject,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	msgCh := make(chan pubsub.Message, c.opts.ChannelBufSize)
	var closing atomic.Bool

	cc, err := cons.Consume(func(msg jetstream.Msg) {
		if closing.Load() {
			_ = msg.Nak()
			return
		}
		select {
		case msgCh <- &message{msg: msg}:
		case <-ctx.Done():
			_ = msg.Nak()
		}
	})
	if err != nil {
		close(msgCh)
		return nil, fmt.Errorf("failed to start consumer: %w", err)
	}

	slog.Info("Consumer subscribed", "stream", c.opts.StreamName, "consumer", c.opts.ConsumerName)

	go func() {
		<-ctx.Done()
		closing.Store(true)
		cc.Stop()
		close(msgCh)
		slog.Info("Consumer stopped", "stream", c.opts.StreamName)
	}()

	return msgCh, nil
}
