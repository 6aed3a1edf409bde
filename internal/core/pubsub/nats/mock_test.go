package nats

import (
	"context"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/mock"
)

type mockJetStream struct {
	mock.Mock
}

func (m *mockJetStream) CreateOrUpdateStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error) {
	args := m.Called(ctx, cfg)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(jetstream.Stream), args.Error(1)
}

func (m *mockJetStream) CreateOrUpdateConsumer(ctx context.Context, stream string, cfg jetstream.ConsumerConfig) (jetstream.Consumer, error) {
	args := m.Called(ctx, stream, cfg)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(jetstream.Consumer), args.Error(1)
}

func (m *mockJetStream) Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	args := m.Called(ctx, subject, data)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*jetstream.PubAck), args.Error(1)
}

type mockConsumer struct {
	mock.Mock
	jetstream.Consumer
	handlerCh chan jetstream.MessageHandler
}

func newMockConsumer() *mockConsumer {
	return &mockConsumer{handlerCh: make(chan jetstream.MessageHandler, 1)}
}

func (m *mockConsumer) Consume(handler jetstream.MessageHandler, opts ...jetstream.PullConsumeOpt) (jetstream.ConsumeContext, error) {
	args := m.Called(handler)
	select {
	case m.handlerCh <- handler:
	default:
	}
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(jetstream.ConsumeContext), args.Error(1)
}

type mockConsumeContext struct {
	mock.Mock
	jetstream.ConsumeContext
	stopped chan struct{}
}

func newMockConsumeContext() *mockConsumeContext {
	return &mockConsumeContext{stopped: make(chan struct{})}
}

func (m *mockConsumeContext) Stop() {
	select {
	case <-m.stopped:
	default:
		close(m.stopped)
	}
	m.Called()
}

type mockMsg struct {
	mock.Mock
	jetstream.Msg
	data    []byte
	subject string
}

func newMockMsg(subject string, data []byte) *mockMsg {
	return &mockMsg{subject: subject, data: data}
}

func (m *mockMsg) Data() []byte         { return m.data }
func (m *mockMsg) Subject() string      { return m.subject }
func (m *mockMsg) Headers() nats.Header { return nil }

func (m *mockMsg) Ack() error { return m.Called().Error(0) }
func (m *mockMsg) Nak() error { return m.Called().Error(0) }
func (m *mockMsg) Term() error {
	return m.Called().Error(0)
}

func (m *mockMsg) NakWithDelay(d time.Duration) error {
	return m.Called(d).Error(0)
}
