package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/syntrixbase/searchfolder/internal/search/store"
	"github.com/syntrixbase/searchfolder/internal/search/types"
)

// Tx implements store.Tx on a *sql.Tx.
type Tx struct {
	tx *sql.Tx
}

var _ store.Tx = (*Tx)(nil)

func (t *Tx) LockCounters(ctx context.Context, storeID, folderID int64) (types.Counters, error) {
	var c types.Counters
	err := t.tx.QueryRowContext(ctx, `
		SELECT item_count, unread_count FROM search_folder_counters
		WHERE store_id = $1 AND folder_id = $2
		FOR UPDATE
	`, storeID, folderID).Scan(&c.Items, &c.Unread)
	return c, mapError(err)
}

// UpsertResult relies on the caller holding the counter lock, so the
// read-then-write below cannot race another writer of the same folder.
func (t *Tx) UpsertResult(ctx context.Context, row types.ResultRow) (bool, int64, error) {
	var prevUnread bool
	err := t.tx.QueryRowContext(ctx, `
		SELECT unread FROM search_results
		WHERE store_id = $1 AND folder_id = $2 AND object_id = $3
	`, row.StoreID, row.FolderID, row.ObjectID).Scan(&prevUnread)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := t.tx.ExecContext(ctx, `
			INSERT INTO search_results (store_id, folder_id, object_id, unread)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (store_id, folder_id, object_id) DO UPDATE SET unread = EXCLUDED.unread
		`, row.StoreID, row.FolderID, row.ObjectID, row.Unread); err != nil {
			return false, 0, mapError(err)
		}
		if row.Unread {
			return true, 1, nil
		}
		return true, 0, nil
	case err != nil:
		return false, 0, mapError(err)
	}

	if prevUnread == row.Unread {
		return false, 0, nil
	}
	if _, err := t.tx.ExecContext(ctx, `
		UPDATE search_results SET unread = $4
		WHERE store_id = $1 AND folder_id = $2 AND object_id = $3
	`, row.StoreID, row.FolderID, row.ObjectID, row.Unread); err != nil {
		return false, 0, mapError(err)
	}
	if row.Unread {
		return false, 1, nil
	}
	return false, -1, nil
}

func (t *Tx) DeleteResult(ctx context.Context, storeID, folderID, objectID int64) (bool, bool, error) {
	var wasUnread bool
	err := t.tx.QueryRowContext(ctx, `
		DELETE FROM search_results
		WHERE store_id = $1 AND folder_id = $2 AND object_id = $3
		RETURNING unread
	`, storeID, folderID, objectID).Scan(&wasUnread)
	if errors.Is(err, sql.ErrNoRows) {
		return false, false, nil
	}
	if err != nil {
		return false, false, mapError(err)
	}
	return true, wasUnread, nil
}

func (t *Tx) ClearResults(ctx context.Context, storeID, folderID int64) error {
	if _, err := t.tx.ExecContext(ctx, `
		DELETE FROM search_results WHERE store_id = $1 AND folder_id = $2
	`, storeID, folderID); err != nil {
		return mapError(err)
	}
	_, err := t.tx.ExecContext(ctx, `
		UPDATE search_folder_counters SET item_count = 0, unread_count = 0
		WHERE store_id = $1 AND folder_id = $2
	`, storeID, folderID)
	return mapError(err)
}

func (t *Tx) AddCounters(ctx context.Context, storeID, folderID int64, items, unread int64) error {
	if items == 0 && unread == 0 {
		return nil
	}
	_, err := t.tx.ExecContext(ctx, `
		UPDATE search_folder_counters
		SET item_count = GREATEST(item_count + $3, 0), unread_count = GREATEST(unread_count + $4, 0)
		WHERE store_id = $1 AND folder_id = $2
	`, storeID, folderID, items, unread)
	return mapError(err)
}

func (t *Tx) Commit() error {
	return mapError(t.tx.Commit())
}

func (t *Tx) Rollback() error {
	err := t.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}
