package engine

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/syntrixbase/searchfolder/internal/search/types"
)

// Define replaces the definition of a search folder and schedules a
// rebuild from empty results. It returns once the worker is scheduled.
func (e *Engine) Define(ctx context.Context, storeID, folderID int64, def types.SearchDefinition) error {
	if len(def.Scope.Folders) == 0 {
		return fmt.Errorf("%w: empty scope", types.ErrInvalidDefinition)
	}
	compiled, err := e.compiler.Compile(def.Restriction)
	if err != nil {
		return err
	}

	e.opMu.Lock()
	defer e.opMu.Unlock()
	if err := e.checkOpen(); err != nil {
		return err
	}

	e.detachLocked(storeID, folderID)

	if err := e.store.SaveDefinition(ctx, storeID, folderID, def); err != nil {
		return fmt.Errorf("save definition: %w", err)
	}
	if err := e.store.SetStatus(ctx, storeID, folderID, types.StatusRebuilding); err != nil {
		return fmt.Errorf("mark rebuilding: %w", err)
	}

	e.startRebuild(searchState{
		storeID:  storeID,
		folderID: folderID,
		def:      def,
		compiled: compiled,
	})
	e.logger.Info("Search folder defined", "store", storeID, "folder", folderID)
	return nil
}

// DefineByEntryIDs resolves client entry ids of the scope folders and
// defines the search.
func (e *Engine) DefineByEntryIDs(ctx context.Context, storeID, folderID int64, entryIDs [][]byte, recursive bool, restriction types.Restriction) error {
	folders := make([]int64, 0, len(entryIDs))
	for _, entryID := range entryIDs {
		id, err := e.objects.ResolveEntryID(ctx, storeID, entryID)
		if err != nil {
			return fmt.Errorf("%w: resolve scope folder %x: %w", types.ErrInvalidDefinition, entryID, err)
		}
		folders = append(folders, id)
	}
	return e.Define(ctx, storeID, folderID, types.SearchDefinition{
		Scope:       types.Scope{Folders: folders, Recursive: recursive},
		Restriction: restriction,
	})
}

// Cancel stops a search folder: its worker is stopped and joined, it
// leaves the registry and is persisted as Stopped. Result rows are kept.
func (e *Engine) Cancel(ctx context.Context, storeID, folderID int64) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	if err := e.checkOpen(); err != nil {
		return err
	}

	if !e.detachLocked(storeID, folderID) {
		if _, err := e.store.GetSearch(ctx, storeID, folderID); err != nil {
			if errors.Is(err, types.ErrNotFound) {
				return types.ErrNotSearchFolder
			}
			return err
		}
	}

	if err := e.store.SetStatus(ctx, storeID, folderID, types.StatusStopped); err != nil {
		return fmt.Errorf("mark stopped: %w", err)
	}
	e.logger.Info("Search folder cancelled", "store", storeID, "folder", folderID)
	return nil
}

// Remove cancels a search folder and deletes its results, counters,
// status and definition. Used when the folder itself is deleted.
func (e *Engine) Remove(ctx context.Context, storeID, folderID int64) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	if err := e.checkOpen(); err != nil {
		return err
	}

	if !e.detachLocked(storeID, folderID) {
		if _, err := e.store.GetSearch(ctx, storeID, folderID); err != nil {
			if errors.Is(err, types.ErrNotFound) {
				return types.ErrNotSearchFolder
			}
			return err
		}
	}
	return e.purgeLocked(ctx, storeID, folderID)
}

// RemoveStore removes every search folder of a store, tracked or not.
func (e *Engine) RemoveStore(ctx context.Context, storeID int64) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	if err := e.checkOpen(); err != nil {
		return err
	}

	folders := make(map[int64]bool)
	var order []int64
	for _, s := range e.registry.inStore(storeID) {
		folders[s.folderID] = true
		order = append(order, s.folderID)
	}

	persisted, err := e.store.LoadSearches(ctx)
	if err != nil {
		return fmt.Errorf("load searches: %w", err)
	}
	for _, s := range persisted {
		if s.StoreID == storeID && !folders[s.FolderID] {
			folders[s.FolderID] = true
			order = append(order, s.FolderID)
		}
	}

	var errs []error
	for _, folderID := range order {
		e.detachLocked(storeID, folderID)
		if err := e.purgeLocked(ctx, storeID, folderID); err != nil {
			errs = append(errs, err)
		}
	}
	e.logger.Info("Store search folders removed", "store", storeID, "count", len(order))
	return errors.Join(errs...)
}

// detachLocked stops and joins the folder's worker and drops it from the
// registry. It reports whether the folder was tracked.
func (e *Engine) detachLocked(storeID, folderID int64) bool {
	s, ok := e.registry.get(storeID, folderID)
	if !ok {
		return false
	}
	if s.job != nil {
		s.job.stop()
	}
	e.registry.remove(storeID, folderID)
	return true
}

func (e *Engine) purgeLocked(ctx context.Context, storeID, folderID int64) error {
	err := e.clearResults(ctx, storeID, folderID)
	if err != nil && !errors.Is(err, types.ErrNotFound) {
		return fmt.Errorf("clear results of %d: %w", folderID, err)
	}
	if err := e.store.DeleteSearch(ctx, storeID, folderID); err != nil {
		return fmt.Errorf("delete search %d: %w", folderID, err)
	}
	e.logger.Info("Search folder removed", "store", storeID, "folder", folderID)
	return nil
}

// GetDefinition returns a search folder's definition and status.
func (e *Engine) GetDefinition(ctx context.Context, storeID, folderID int64) (types.SearchDefinition, types.Status, error) {
	if s, ok := e.registry.get(storeID, folderID); ok {
		return s.def, s.status, nil
	}
	stored, err := e.store.GetSearch(ctx, storeID, folderID)
	if errors.Is(err, types.ErrNotFound) {
		return types.SearchDefinition{}, types.StatusRunning, types.ErrNotSearchFolder
	}
	if err != nil {
		return types.SearchDefinition{}, types.StatusRunning, err
	}
	return stored.Definition, stored.Status, nil
}

// GetStatus returns the status of a search folder.
func (e *Engine) GetStatus(ctx context.Context, storeID, folderID int64) (types.Status, error) {
	_, status, err := e.GetDefinition(ctx, storeID, folderID)
	return status, err
}

// GetResults returns the persisted members of a search folder. Results
// of a rebuilding folder are incomplete but never corrupt.
func (e *Engine) GetResults(ctx context.Context, storeID, folderID int64) ([]int64, error) {
	return e.store.ListResults(ctx, storeID, folderID)
}

// GetCounters returns the persisted item and unread counters of a search
// folder.
func (e *Engine) GetCounters(ctx context.Context, storeID, folderID int64) (types.Counters, error) {
	return e.store.GetCounters(ctx, storeID, folderID)
}

// LoadAll registers the persisted search folders at startup. Folders
// found Rebuilding are rebuilt from scratch, Running ones are tracked
// without a worker and Stopped ones are left alone.
func (e *Engine) LoadAll(ctx context.Context) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	if err := e.checkOpen(); err != nil {
		return err
	}

	searches, err := e.store.LoadSearches(ctx)
	if err != nil {
		return fmt.Errorf("load searches: %w", err)
	}

	var running, rebuilding, skipped int
	for _, stored := range searches {
		if stored.Err != nil {
			e.logger.Error("Skipping unreadable search folder",
				"store", stored.StoreID, "folder", stored.FolderID, "error", stored.Err)
			skipped++
			continue
		}
		if stored.Status == types.StatusStopped {
			skipped++
			continue
		}
		if _, ok := e.registry.get(stored.StoreID, stored.FolderID); ok {
			continue
		}

		compiled, err := e.compiler.Compile(stored.Definition.Restriction)
		if err != nil {
			e.logger.Error("Skipping search folder with invalid restriction",
				"store", stored.StoreID, "folder", stored.FolderID, "error", err)
			skipped++
			continue
		}

		s := searchState{
			storeID:  stored.StoreID,
			folderID: stored.FolderID,
			def:      stored.Definition,
			compiled: compiled,
			status:   stored.Status,
		}
		if stored.Status == types.StatusRebuilding {
			e.startRebuild(s)
			rebuilding++
			continue
		}
		e.registry.put(&s)
		running++
	}

	e.logger.Info("Search folders loaded", "running", running, "rebuilding", rebuilding, "skipped", skipped)
	return nil
}

// RestartAll rebuilds every tracked search folder and returns when all
// rebuilds are done. Each folder is rebuilt in one transaction without
// notifications, at most RestartConcurrency at a time.
func (e *Engine) RestartAll(ctx context.Context) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	if err := e.checkOpen(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(e.ctx, cancel)
	defer stop()

	var searches []searchState
	for _, s := range e.registry.all() {
		if s.status == types.StatusStopped {
			continue
		}
		if s.job != nil {
			s.job.stop()
		}
		searches = append(searches, s)
	}

	g := new(errgroup.Group)
	g.SetLimit(e.cfg.RestartConcurrency)
	for _, s := range searches {
		g.Go(func() error {
			return e.restartOne(ctx, s)
		})
	}
	err := g.Wait()
	e.logger.Info("Search folders restarted", "count", len(searches), "error", err)
	return err
}

func (e *Engine) restartOne(ctx context.Context, s searchState) error {
	if err := e.store.SetStatus(ctx, s.storeID, s.folderID, types.StatusRebuilding); err != nil {
		return fmt.Errorf("mark %d rebuilding: %w", s.folderID, err)
	}

	job := newJob(s.storeID, s.folderID)
	defer close(job.done)
	s.status = types.StatusRebuilding
	s.job = job
	e.registry.put(&s)

	if err := e.runJob(ctx, job, s, rebuildOptions{singleTx: true}); err != nil {
		if ctx.Err() != nil {
			e.registry.finishJob(job, types.StatusRebuilding)
		}
		return fmt.Errorf("rebuild search folder %d/%d: %w", s.storeID, s.folderID, err)
	}
	return nil
}
