// Package ingest feeds object change events published by other server
// nodes into the local search-folder engine.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/syntrixbase/searchfolder/internal/core/pubsub"
	"github.com/syntrixbase/searchfolder/internal/search/types"
)

// Reporter accepts change events. *engine.Engine implements it.
type Reporter interface {
	ReportObjectChange(storeID, folderID, objectID int64, kind types.ChangeKind) error

	// Sync returns once every change reported before the call has been
	// processed.
	Sync(ctx context.Context) error
}

// Consumer drains a pubsub.Consumer into a Reporter. A message is acked
// only after the Reporter has processed its event, so events still
// queued when the engine stops are redelivered.
type Consumer struct {
	source   pubsub.Consumer
	reporter Reporter
	logger   *slog.Logger

	// RetryDelay is the redelivery delay for events the engine refused.
	RetryDelay time.Duration

	// BatchSize caps the messages reported before one Sync.
	BatchSize int
}

func NewConsumer(source pubsub.Consumer, reporter Reporter, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		source:     source,
		reporter:   reporter,
		logger:     logger.With("component", "search-ingest"),
		RetryDelay: time.Second,
		BatchSize:  64,
	}
}

// Run consumes until ctx is cancelled or the source closes.
func (c *Consumer) Run(ctx context.Context) error {
	msgs, err := c.source.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("subscribe change events: %w", err)
	}

	c.logger.Info("Change ingestion started")
	for msg := range msgs {
		c.process(ctx, c.collect(msg, msgs))
	}
	c.logger.Info("Change ingestion stopped")
	return nil
}

// collect returns first plus the messages already waiting on msgs, up to
// BatchSize.
func (c *Consumer) collect(first pubsub.Message, msgs <-chan pubsub.Message) []pubsub.Message {
	batch := []pubsub.Message{first}
	for len(batch) < c.BatchSize {
		select {
		case msg, ok := <-msgs:
			if !ok {
				return batch
			}
			batch = append(batch, msg)
		default:
			return batch
		}
	}
	return batch
}

// process reports a batch, waits for the engine to apply it and only then
// acks. If the wait fails every reported message is redelivered.
func (c *Consumer) process(ctx context.Context, batch []pubsub.Message) {
	reported := make([]pubsub.Message, 0, len(batch))
	for _, msg := range batch {
		if c.report(msg) {
			reported = append(reported, msg)
		}
	}
	if len(reported) == 0 {
		return
	}

	if err := c.reporter.Sync(ctx); err != nil {
		c.logger.Warn("Change events not applied, requesting redelivery", "count", len(reported), "error", err)
		for _, msg := range reported {
			_ = msg.NakWithDelay(c.RetryDelay)
		}
		return
	}

	for _, msg := range reported {
		if err := msg.Ack(); err != nil {
			c.logger.Warn("Failed to ack change event", "subject", msg.Subject(), "error", err)
		}
	}
}

// report hands one message to the Reporter. Messages it returns false for
// have already been settled.
func (c *Consumer) report(msg pubsub.Message) bool {
	ev, err := decode(msg.Data())
	if err != nil {
		c.logger.Warn("Dropping malformed change event", "subject", msg.Subject(), "error", err)
		_ = msg.Term()
		return false
	}

	if err := c.reporter.ReportObjectChange(ev.StoreID, ev.FolderID, ev.ObjectID, ev.Kind); err != nil {
		if errors.Is(err, types.ErrEngineClosed) {
			_ = msg.NakWithDelay(c.RetryDelay)
			return false
		}
		c.logger.Error("Failed to report change event", "store", ev.StoreID, "folder", ev.FolderID, "object", ev.ObjectID, "error", err)
		_ = msg.Nak()
		return false
	}
	return true
}

func decode(data []byte) (types.ChangeEvent, error) {
	var ev types.ChangeEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return ev, err
	}
	if ev.StoreID == 0 || ev.FolderID == 0 || ev.ObjectID == 0 {
		return ev, fmt.Errorf("incomplete change event")
	}
	switch ev.Kind {
	case types.ChangeAdded, types.ChangeModified, types.ChangeDeleted:
	default:
		return ev, fmt.Errorf("unknown change kind %d", ev.Kind)
	}
	return ev, nil
}
