package engine

import (
	"context"
	"errors"

	"github.com/syntrixbase/searchfolder/internal/search/store"
	"github.com/syntrixbase/searchfolder/internal/search/types"
)

// change is the desired membership of one object in one search folder.
type change struct {
	objectID int64
	member   bool
	unread   bool
}

// applied lists what a committed transaction changed.
type applied struct {
	added    []int64
	removed  []int64
	modified []int64
	items    int64
	unread   int64
}

func (a *applied) empty() bool {
	return len(a.added) == 0 && len(a.removed) == 0 && len(a.modified) == 0
}

// writeChanges applies changes to the result rows of a search folder. It
// must be called with the folder's counter row already locked.
func writeChanges(ctx context.Context, tx store.Tx, storeID, folderID int64, changes []change) (applied, error) {
	var res applied
	for _, c := range changes {
		if c.member {
			inserted, unreadDelta, err := tx.UpsertResult(ctx, types.ResultRow{
				StoreID:  storeID,
				FolderID: folderID,
				ObjectID: c.objectID,
				Unread:   c.unread,
			})
			if err != nil {
				return res, err
			}
			switch {
			case inserted:
				res.items++
				res.added = append(res.added, c.objectID)
			case unreadDelta != 0:
				res.modified = append(res.modified, c.objectID)
			}
			res.unread += unreadDelta
			continue
		}

		deleted, wasUnread, err := tx.DeleteResult(ctx, storeID, folderID, c.objectID)
		if err != nil {
			return res, err
		}
		if deleted {
			res.items--
			if wasUnread {
				res.unread--
			}
			res.removed = append(res.removed, c.objectID)
		}
	}

	if err := tx.AddCounters(ctx, storeID, folderID, res.items, res.unread); err != nil {
		return res, err
	}
	return res, nil
}

// applyChanges writes changes for one search folder in a single
// transaction, counter row locked first, retried on transient conflicts.
func (e *Engine) applyChanges(ctx context.Context, op string, s *searchState, changes []change, notify bool) (applied, error) {
	if len(changes) == 0 {
		return applied{}, nil
	}
	return e.commitChanges(ctx, op, s, notify, func(context.Context) ([]change, error) {
		return changes, nil
	})
}

// commitChanges locks the folder's counter row, asks desired for the
// changes and writes them. A search that was removed or redefined
// meanwhile is skipped: the check runs under the counter lock, which a
// redefinition's rebuild also takes before clearing.
func (e *Engine) commitChanges(ctx context.Context, op string, s *searchState, notify bool, desired func(ctx context.Context) ([]change, error)) (applied, error) {
	var res applied
	err := e.runInTx(ctx, op, func(ctx context.Context, tx store.Tx) error {
		res = applied{}
		if _, err := tx.LockCounters(ctx, s.storeID, s.folderID); err != nil {
			return err
		}
		if !e.registry.current(s) {
			return nil
		}
		changes, err := desired(ctx)
		if err != nil || len(changes) == 0 {
			return err
		}
		res, err = writeChanges(ctx, tx, s.storeID, s.folderID, changes)
		return err
	})
	if errors.Is(err, types.ErrNotFound) {
		return applied{}, nil
	}
	if err != nil {
		return applied{}, err
	}

	if notify {
		e.notifyApplied(ctx, s.storeID, s.folderID, &res)
	}
	return res, nil
}

// notifyApplied emits row notifications and counter changes for the
// search folder and its parent.
func (e *Engine) notifyApplied(ctx context.Context, storeID, folderID int64, res *applied) {
	if res.empty() {
		return
	}
	for _, id := range res.added {
		e.notifier.RowAdded(ctx, storeID, folderID, id)
	}
	for _, id := range res.removed {
		e.notifier.RowRemoved(ctx, storeID, folderID, id)
	}
	for _, id := range res.modified {
		e.notifier.RowModified(ctx, storeID, folderID, id)
	}
	e.notifyCounters(ctx, storeID, folderID)
}

func (e *Engine) notifyCounters(ctx context.Context, storeID, folderID int64) {
	e.notifier.CounterChanged(ctx, storeID, folderID)
	parent, err := e.objects.GetParent(ctx, storeID, folderID)
	if err != nil {
		if !errors.Is(err, types.ErrNotFound) {
			e.logger.Warn("Failed to resolve search folder parent", "store", storeID, "folder", folderID, "error", err)
		}
		return
	}
	if parent != 0 {
		e.notifier.CounterChanged(ctx, storeID, parent)
	}
}
