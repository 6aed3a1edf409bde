package types

import "context"

// ObjectService resolves object ids, ancestry and property rows. It is
// implemented by the object/cache layer of the server.
type ObjectService interface {
	// ResolveEntryID maps a client-visible entry id to an object id.
	ResolveEntryID(ctx context.Context, storeID int64, entryID []byte) (int64, error)

	// GetParent returns the parent folder of an object or folder.
	// Returns 0 for a store root and ErrNotFound for vanished objects.
	GetParent(ctx context.Context, storeID, objectID int64) (int64, error)

	// GetObjectFlags returns the soft-delete/associated bits of a message.
	GetObjectFlags(ctx context.Context, storeID, objectID int64) (ObjectFlags, error)

	// GetStoreOwner returns the owner of a store.
	GetStoreOwner(ctx context.Context, storeID int64) (string, error)

	// ListSubfolders returns the direct child folders of a folder.
	ListSubfolders(ctx context.Context, storeID, folderID int64) ([]int64, error)

	// ListChildren returns up to limit direct child messages of a folder
	// with ids greater than after, in ascending id order.
	ListChildren(ctx context.Context, storeID, folderID, after int64, limit int) ([]int64, error)

	// GetRows returns the requested properties of each object. Vanished
	// objects are omitted from the result.
	GetRows(ctx context.Context, storeID int64, objectIDs []int64, props []string) ([]Row, error)

	// GetRelated returns the rows of a related table (recipients,
	// attachments, ...) for each object, keyed by object id.
	GetRelated(ctx context.Context, storeID int64, objectIDs []int64, relation string, props []string) (map[int64][]Properties, error)
}

// IndexerQuery asks an external full-text indexer for candidates.
type IndexerQuery struct {
	Owner       string
	StoreID     int64
	Folders     []int64
	Restriction Restriction
}

// Indexer is an optional external full-text indexer. Returning
// ErrIndexerDeclined makes the caller fall back to a brute-force scan.
type Indexer interface {
	Query(ctx context.Context, q IndexerQuery) ([]int64, error)
}

// Notifier fans row and counter changes out to open client views.
type Notifier interface {
	RowAdded(ctx context.Context, storeID, folderID, objectID int64)
	RowRemoved(ctx context.Context, storeID, folderID, objectID int64)
	RowModified(ctx context.Context, storeID, folderID, objectID int64)
	CounterChanged(ctx context.Context, storeID, folderID int64)
	SearchComplete(ctx context.Context, storeID, folderID int64)
}

// NoopNotifier drops every notification.
type NoopNotifier struct{}

func (NoopNotifier) RowAdded(ctx context.Context, storeID, folderID, objectID int64)    {}
func (NoopNotifier) RowRemoved(ctx context.Context, storeID, folderID, objectID int64)  {}
func (NoopNotifier) RowModified(ctx context.Context, storeID, folderID, objectID int64) {}
func (NoopNotifier) CounterChanged(ctx context.Context, storeID, folderID int64)        {}
func (NoopNotifier) SearchComplete(ctx context.Context, storeID, folderID int64)        {}
