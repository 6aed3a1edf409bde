// Package testing provides in-memory pubsub doubles for tests.
package testing

import (
	"context"
	"sync"
	"time"

	"github.com/syntrixbase/searchfolder/internal/core/pubsub"
)

// PublishedMessage is one recorded publish.
type PublishedMessage struct {
	Subject string
	Data    []byte
}

// MockPublisher records published messages.
type MockPublisher struct {
	mu       sync.Mutex
	messages []PublishedMessage
	err      error
	closed   bool
}

var _ pubsub.Publisher = (*MockPublisher)(nil)

func NewMockPublisher() *MockPublisher {
	return &MockPublisher{}
}

func (m *MockPublisher) Publish(ctx context.Context, subject string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.messages = append(m.messages, PublishedMessage{Subject: subject, Data: append([]byte(nil), data...)})
	return nil
}

func (m *MockPublisher) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Messages returns a copy of everything published so far.
func (m *MockPublisher) Messages() []PublishedMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]PublishedMessage(nil), m.messages...)
}

// SetError makes every following Publish fail with err.
func (m *MockPublisher) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func (m *MockPublisher) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// MockMessage is a pubsub.Message recording its acknowledgment.
type MockMessage struct {
	mu       sync.Mutex
	subject  string
	data     []byte
	acked    bool
	naked    bool
	termed   bool
	nakDelay time.Duration
}

var _ pubsub.Message = (*MockMessage)(nil)

func NewMockMessage(subject string, data []byte) *MockMessage {
	return &MockMessage{subject: subject, data: data}
}

func (m *MockMessage) Data() []byte    { return m.data }
func (m *MockMessage) Subject() string { return m.subject }

func (m *MockMessage) Ack() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acked = true
	return nil
}

func (m *MockMessage) Nak() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.naked = true
	return nil
}

func (m *MockMessage) NakWithDelay(delay time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.naked = true
	m.nakDelay = delay
	return nil
}

func (m *MockMessage) Term() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.termed = true
	return nil
}

func (m *MockMessage) IsAcked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acked
}

func (m *MockMessage) IsNaked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.naked
}

func (m *MockMessage) IsTermed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.termed
}

func (m *MockMessage) NakDelay() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nakDelay
}

// MockConsumer delivers messages handed to Send.
type MockConsumer struct {
	mu    sync.Mutex
	msgCh chan pubsub.Message
	err   error
}

var _ pubsub.Consumer = (*MockConsumer)(nil)

func NewMockConsumer() *MockConsumer {
	return &MockConsumer{}
}

func (c *MockConsumer) Subscribe(ctx context.Context) (<-chan pubsub.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}

	ch := make(chan pubsub.Message, 100)
	c.msgCh = ch
	go func() {
		<-ctx.Done()
		c.mu.Lock()
		if c.msgCh == ch {
			c.msgCh = nil
		}
		close(ch)
		c.mu.Unlock()
	}()
	return ch, nil
}

// Send delivers msg to the current subscriber. It returns false if
// there is none.
func (c *MockConsumer) Send(msg pubsub.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.msgCh == nil {
		return false
	}
	c.msgCh <- msg
	return true
}

// SetError makes Subscribe fail with err.
func (c *MockConsumer) SetError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}
