// Package notify publishes search-folder table notifications over pubsub
// so that every node serving client views of a folder can refresh them.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/syntrixbase/searchfolder/internal/core/pubsub"
	"github.com/syntrixbase/searchfolder/internal/search/types"
)

// Kind names a notification.
type Kind string

const (
	KindRowAdded       Kind = "row_added"
	KindRowRemoved     Kind = "row_removed"
	KindRowModified    Kind = "row_modified"
	KindCounterChanged Kind = "counter_changed"
	KindSearchComplete Kind = "search_complete"
)

// Notification is the published payload.
type Notification struct {
	Kind     Kind      `json:"kind"`
	StoreID  int64     `json:"store_id"`
	FolderID int64     `json:"folder_id"`
	ObjectID int64     `json:"object_id,omitempty"`
	At       time.Time `json:"at"`
}

// Subject returns "<kind>.<store>.<folder>".
func (n Notification) Subject() string {
	return fmt.Sprintf("%s.%d.%d", n.Kind, n.StoreID, n.FolderID)
}

// Publisher implements types.Notifier on a pubsub.Publisher. Publish
// failures are logged; notifications are best effort.
type Publisher struct {
	pub    pubsub.Publisher
	logger *slog.Logger
	now    func() time.Time
}

var _ types.Notifier = (*Publisher)(nil)

func NewPublisher(pub pubsub.Publisher, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		pub:    pub,
		logger: logger.With("component", "search-notify"),
		now:    time.Now,
	}
}

func (p *Publisher) RowAdded(ctx context.Context, storeID, folderID, objectID int64) {
	p.publish(ctx, Notification{Kind: KindRowAdded, StoreID: storeID, FolderID: folderID, ObjectID: objectID})
}

func (p *Publisher) RowRemoved(ctx context.Context, storeID, folderID, objectID int64) {
	p.publish(ctx, Notification{Kind: KindRowRemoved, StoreID: storeID, FolderID: folderID, ObjectID: objectID})
}

func (p *Publisher) RowModified(ctx context.Context, storeID, folderID, objectID int64) {
	p.publish(ctx, Notification{Kind: KindRowModified, StoreID: storeID, FolderID: folderID, ObjectID: objectID})
}

func (p *Publisher) CounterChanged(ctx context.Context, storeID, folderID int64) {
	p.publish(ctx, Notification{Kind: KindCounterChanged, StoreID: storeID, FolderID: folderID})
}

func (p *Publisher) SearchComplete(ctx context.Context, storeID, folderID int64) {
	p.publish(ctx, Notification{Kind: KindSearchComplete, StoreID: storeID, FolderID: folderID})
}

func (p *Publisher) publish(ctx context.Context, n Notification) {
	n.At = p.now().UTC()
	data, err := json.Marshal(n)
	if err != nil {
		p.logger.Error("Failed to encode notification", "kind", n.Kind, "error", err)
		return
	}
	if err := p.pub.Publish(ctx, n.Subject(), data); err != nil {
		p.logger.Warn("Failed to publish notification",
			"kind", n.Kind, "store", n.StoreID, "folder", n.FolderID, "error", err)
	}
}

// Multi fans notifications out to several notifiers.
type Multi []types.Notifier

var _ types.Notifier = Multi(nil)

func (m Multi) RowAdded(ctx context.Context, storeID, folderID, objectID int64) {
	for _, n := range m {
		n.RowAdded(ctx, storeID, folderID, objectID)
	}
}

func (m Multi) RowRemoved(ctx context.Context, storeID, folderID, objectID int64) {
	for _, n := range m {
		n.RowRemoved(ctx, storeID, folderID, objectID)
	}
}

func (m Multi) RowModified(ctx context.Context, storeID, folderID, objectID int64) {
	for _, n := range m {
		n.RowModified(ctx, storeID, folderID, objectID)
	}
}

func (m Multi) CounterChanged(ctx context.Context, storeID, folderID int64) {
	for _, n := range m {
		n.CounterChanged(ctx, storeID, folderID)
	}
}

func (m Multi) SearchComplete(ctx context.Context, storeID, folderID int64) {
	for _, n := range m {
		n.SearchComplete(ctx, storeID, folderID)
	}
}
