// Package store defines the persistence adapter of the search-folder
// engine: search definitions, result rows, folder counters and the
// per-folder status marker.
//
// Lock ordering: every transaction that touches the result rows of a
// search folder locks that folder's counter record first (Tx.LockCounters).
// This ordering is the only deadlock-avoidance mechanism between rebuilds,
// incremental updates and the rest of the server, and must be preserved
// by every caller.
package store

import (
	"context"

	"github.com/syntrixbase/searchfolder/internal/search/types"
)

// Store reads and writes search-folder state outside of transactions.
type Store interface {
	// BeginTx starts a short transaction.
	BeginTx(ctx context.Context) (Tx, error)

	// LoadSearches returns every persisted search folder with its status.
	// Records that cannot be decoded are returned with Err set.
	LoadSearches(ctx context.Context) ([]types.StoredSearch, error)

	// GetSearch returns the definition and status of one search folder.
	// Returns types.ErrNotFound when no definition is stored.
	GetSearch(ctx context.Context, storeID, folderID int64) (*types.StoredSearch, error)

	// SaveDefinition stores a definition and creates the folder's counter
	// record if missing.
	SaveDefinition(ctx context.Context, storeID, folderID int64, def types.SearchDefinition) error

	// DeleteSearch removes the definition, status and counter records.
	DeleteSearch(ctx context.Context, storeID, folderID int64) error

	// SetStatus persists a status. StatusRunning removes the marker.
	SetStatus(ctx context.Context, storeID, folderID int64, status types.Status) error

	// ListResults returns the object ids currently recorded as members.
	ListResults(ctx context.Context, storeID, folderID int64) ([]int64, error)

	// GetCounters returns the folder's item and unread counters.
	GetCounters(ctx context.Context, storeID, folderID int64) (types.Counters, error)
}

// Tx is one short transaction over result rows and counters.
type Tx interface {
	// LockCounters takes the row lock on the folder's counter record and
	// returns its current values. Returns types.ErrNotFound if the folder
	// has no counter record.
	LockCounters(ctx context.Context, storeID, folderID int64) (types.Counters, error)

	// UpsertResult inserts or updates a result row. inserted is true for a
	// fresh row; unreadDelta is the change in unread count caused by the
	// write (+1, 0 or -1).
	UpsertResult(ctx context.Context, row types.ResultRow) (inserted bool, unreadDelta int64, err error)

	// DeleteResult removes a result row if present. wasUnread reports the
	// unread flag of the removed row.
	DeleteResult(ctx context.Context, storeID, folderID, objectID int64) (deleted bool, wasUnread bool, err error)

	// ClearResults removes every result row of a folder and zeroes its counters.
	ClearResults(ctx context.Context, storeID, folderID int64) error

	// AddCounters shifts the folder's counters by the given deltas.
	AddCounters(ctx context.Context, storeID, folderID int64, items, unread int64) error

	Commit() error
	Rollback() error
}
