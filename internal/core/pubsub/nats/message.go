package nats

import (
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// message adapts jetstream.Msg to pubsub.Message.
type message struct {
	msg jetstream.Msg
}

func (m *message) Data() []byte                           { return m.msg.Data() }
func (m *message) Subject() string                        { return m.msg.Subject() }
func (m *message) Ack() error                             { return m.msg.Ack() }
func (m *message) Nak() error                             { return m.msg.Nak() }
func (m *message) NakWithDelay(delay time.Duration) error { return m.msg.NakWithDelay(delay) }
func (m *message) Term() error                            { return m.msg.Term() }
