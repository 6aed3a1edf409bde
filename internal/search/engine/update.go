package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/syntrixbase/searchfolder/internal/search/matcher"
	"github.com/syntrixbase/searchfolder/internal/search/metrics"
	"github.com/syntrixbase/searchfolder/internal/search/queue"
	"github.com/syntrixbase/searchfolder/internal/search/types"
)

// eventGroup is a run of same-kind events on one folder.
type eventGroup struct {
	storeID  int64
	folderID int64
	kind     types.ChangeKind
	objects  []int64
}

// processLoop drains the event queue until ctx is cancelled. It wakes on
// a full batch, a barrier, or the flush interval.
func (e *Engine) processLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.queue.Ready():
		case <-ticker.C:
		}
		e.drain(ctx)
	}
}

// drain processes batches until the queue is empty.
func (e *Engine) drain(ctx context.Context) {
	for ctx.Err() == nil {
		events, barriers := e.queue.Pop(e.cfg.UpdateBatchSize)
		if len(events) == 0 && len(barriers) == 0 {
			return
		}
		if len(events) > 0 {
			e.processBatch(ctx, events)
		}
		queue.Release(barriers)
		e.metrics.QueueDepth(e.queue.Len())
	}
}

// processBatch applies one popped batch. Failures are logged per group;
// one folder's failure never stops the others.
func (e *Engine) processBatch(ctx context.Context, events []types.ChangeEvent) {
	for _, g := range groupEvents(events) {
		if err := e.ProcessFolderChange(ctx, g.storeID, g.folderID, g.objects, g.kind); err != nil {
			if ctx.Err() != nil {
				return
			}
			e.logger.Error("Failed to apply folder change",
				"store", g.storeID,
				"folder", g.folderID,
				"kind", g.kind.String(),
				"objects", len(g.objects),
				"error", err)
		}
		e.metrics.EventsProcessed(g.kind.String(), len(g.objects))
	}
}

// groupEvents orders events by store and folder, keeping arrival order
// within a folder, and folds consecutive same-kind events into groups with
// duplicate object ids removed.
func groupEvents(events []types.ChangeEvent) []eventGroup {
	sorted := make([]types.ChangeEvent, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].StoreID != sorted[j].StoreID {
			return sorted[i].StoreID < sorted[j].StoreID
		}
		return sorted[i].FolderID < sorted[j].FolderID
	})

	var (
		groups []eventGroup
		seen   map[int64]bool
	)
	for _, ev := range sorted {
		n := len(groups)
		if n == 0 || groups[n-1].storeID != ev.StoreID || groups[n-1].folderID != ev.FolderID || groups[n-1].kind != ev.Kind {
			groups = append(groups, eventGroup{storeID: ev.StoreID, folderID: ev.FolderID, kind: ev.Kind})
			seen = make(map[int64]bool)
			n++
		}
		if seen[ev.ObjectID] {
			continue
		}
		seen[ev.ObjectID] = true
		groups[n-1].objects = append(groups[n-1].objects, ev.ObjectID)
	}
	return groups
}

// ProcessFolderChange applies a change of objectIDs, which live in (or
// left) folderID, to every active search folder of the store.
//
// Deleted objects that still exist have moved or been soft-deleted; they
// are re-evaluated in their current parent folder.
func (e *Engine) ProcessFolderChange(ctx context.Context, storeID, folderID int64, objectIDs []int64, kind types.ChangeKind) error {
	searches := e.registry.active(storeID)
	if len(searches) == 0 || len(objectIDs) == 0 {
		return nil
	}

	if kind != types.ChangeDeleted {
		return e.applyFolderChange(ctx, storeID, folderID, objectIDs, searches)
	}

	var (
		gone    []int64
		byOwner = make(map[int64][]int64)
		owners  []int64
	)
	for _, id := range objectIDs {
		parent, err := e.objects.GetParent(ctx, storeID, id)
		if errors.Is(err, types.ErrNotFound) {
			gone = append(gone, id)
			continue
		}
		if err != nil {
			return fmt.Errorf("resolve parent of %d: %w", id, err)
		}
		if _, ok := byOwner[parent]; !ok {
			owners = append(owners, parent)
		}
		byOwner[parent] = append(byOwner[parent], id)
	}

	var errs []error
	if len(gone) > 0 {
		changes := make([]change, len(gone))
		for i, id := range gone {
			changes[i] = change{objectID: id}
		}
		for i := range searches {
			if _, err := e.applyChanges(ctx, metrics.OpUpdate, &searches[i], changes, true); err != nil {
				errs = append(errs, fmt.Errorf("search folder %d: %w", searches[i].folderID, err))
			}
		}
	}
	for _, parent := range owners {
		if err := e.applyFolderChange(ctx, storeID, parent, byOwner[parent], searches); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// applyFolderChange re-evaluates objects of folderID against each search.
func (e *Engine) applyFolderChange(ctx context.Context, storeID, folderID int64, objectIDs []int64, searches []searchState) error {
	anc := newAncestry(e.objects, storeID)

	inScope := make([]bool, len(searches))
	var props [][]string
	for i := range searches {
		ok, err := anc.inScope(ctx, folderID, &searches[i].def)
		if err != nil {
			return fmt.Errorf("check scope of folder %d: %w", folderID, err)
		}
		inScope[i] = ok
		if ok {
			props = append(props, searches[i].compiled.RequiredProperties())
		}
	}

	rows := make(map[int64]*types.Row)
	if len(props) > 0 {
		fetched, err := e.objects.GetRows(ctx, storeID, objectIDs, matcher.MergeProperties(props...))
		if err != nil {
			return fmt.Errorf("fetch rows: %w", err)
		}
		for i := range fetched {
			rows[fetched[i].ObjectID] = &fetched[i]
		}
	}

	var errs []error
	for i := range searches {
		s := &searches[i]
		changes, err := e.desiredMembership(ctx, anc, s, inScope[i], folderID, objectIDs, rows)
		if err != nil {
			errs = append(errs, fmt.Errorf("search folder %d: %w", s.folderID, err))
			continue
		}
		if _, err := e.applyChanges(ctx, metrics.OpUpdate, s, changes, true); err != nil {
			errs = append(errs, fmt.Errorf("search folder %d: %w", s.folderID, err))
		}
	}
	return errors.Join(errs...)
}

// desiredMembership decides, per object, whether it belongs in search s.
// Objects whose evaluation fails are left untouched.
func (e *Engine) desiredMembership(ctx context.Context, anc *ancestry, s *searchState, folderInScope bool, folderID int64, objectIDs []int64, rows map[int64]*types.Row) ([]change, error) {
	changes := make([]change, 0, len(objectIDs))
	if !folderInScope {
		for _, id := range objectIDs {
			changes = append(changes, change{objectID: id})
		}
		return changes, nil
	}

	var present []int64
	for _, id := range objectIDs {
		if _, ok := rows[id]; ok {
			present = append(present, id)
		}
	}
	subs, err := s.compiled.EvaluateSubs(ctx, e.objects, s.storeID, present)
	if err != nil {
		return nil, err
	}

	for _, id := range objectIDs {
		row, ok := rows[id]
		if !ok {
			changes = append(changes, change{objectID: id})
			continue
		}

		// The object may have moved since the event was reported.
		if row.ParentID != 0 && row.ParentID != folderID {
			in, err := anc.inScope(ctx, row.ParentID, &s.def)
			if err != nil {
				return nil, err
			}
			if !in {
				changes = append(changes, change{objectID: id})
				continue
			}
		}

		match, err := s.compiled.Match(row, subs)
		if err != nil {
			e.metrics.EvalError()
			e.logger.Warn("Restriction evaluation failed",
				"store", s.storeID, "folder", s.folderID, "object", id, "error", err)
			continue
		}
		changes = append(changes, change{objectID: id, member: match, unread: row.Unread()})
	}
	return changes, nil
}
