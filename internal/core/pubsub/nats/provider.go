package nats

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/syntrixbase/searchfolder/internal/core/pubsub"
)

// connectFunc dials NATS; replaced in tests.
type connectFunc func(url string, opts ...nats.Option) (*nats.Conn, error)

// Provider implements pubsub.Provider on one NATS connection.
type Provider struct {
	url     string
	name    string
	connect connectFunc
	newJS   func(nc *nats.Conn) (JetStream, error)

	mu sync.Mutex
	nc *nats.Conn
	js JetStream
}

var (
	_ pubsub.Provider    = (*Provider)(nil)
	_ pubsub.Connectable = (*Provider)(nil)
)

// NewProvider creates a provider. Call Connect before use.
func NewProvider(url, clientName string) *Provider {
	return &Provider{
		url:     url,
		name:    clientName,
		connect: nats.Connect,
		newJS:   NewJetStream,
	}
}

// Connect dials the server and initializes JetStream.
func (p *Provider) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.js != nil {
		return nil
	}

	opts := []nats.Option{nats.Name(p.name)}
	if deadline, ok := ctx.Deadline(); ok {
		opts = append(opts, nats.Timeout(time.Until(deadline)))
	}

	nc, err := p.connect(p.url, opts...)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS at %s: %w", p.url, err)
	}

	js, err := p.newJS(nc)
	if err != nil {
		nc.Close()
		return fmt.Errorf("failed to create JetStream: %w", err)
	}

	p.nc = nc
	p.js = js
	slog.Info("Connected to NATS", "url", p.url)
	return nil
}

func (p *Provider) jetStream() (JetStream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.js == nil {
		return nil, fmt.Errorf("NATS not connected, call Connect first")
	}
	return p.js, nil
}

func (p *Provider) NewPublisher(opts pubsub.PublisherOptions) (pubsub.Publisher, error) {
	js, err := p.jetStream()
	if err != nil {
		return nil, err
	}
	return NewPublisher(context.Background(), js, opts)
}

func (p *Provider) NewConsumer(opts pubsub.ConsumerOptions) (pubsub.Consumer, error) {
	js, err := p.jetStream()
	if err != nil {
		return nil, err
	}
	return NewConsumer(js, opts)
}

// Close closes the connection.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.nc != nil {
		slog.Info("Closing NATS connection")
		p.nc.Close()
	}
	p.nc = nil
	p.js = nil
	return nil
}
