package engine

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/syntrixbase/searchfolder/internal/search/matcher"
	"github.com/syntrixbase/searchfolder/internal/search/metrics"
	"github.com/syntrixbase/searchfolder/internal/search/store"
	"github.com/syntrixbase/searchfolder/internal/search/types"
)

// rebuildOptions selects how a rebuild commits its results.
type rebuildOptions struct {
	// notify emits row and counter notifications per committed batch.
	notify bool

	// singleTx collects every matching row first and commits clear and
	// rows in one transaction.
	singleTx bool
}

// candidateSource yields batches of rows that belong in a search folder.
// confirm re-reads a batch under the counter lock and returns the
// membership the folder must end up with.
type candidateSource interface {
	next(ctx context.Context) (rows []types.Row, done bool, err error)
	confirm(ctx context.Context, ids []int64) ([]change, error)
	name() string
}

// startRebuild registers s as rebuilding and spawns its worker. The
// caller holds opMu.
func (e *Engine) startRebuild(s searchState) {
	job := newJob(s.storeID, s.folderID)
	ctx, cancel := context.WithCancel(e.ctx)
	job.cancel = cancel

	s.status = types.StatusRebuilding
	s.job = job
	e.registry.put(&s)

	e.workersWG.Add(1)
	go func() {
		defer e.workersWG.Done()
		defer close(job.done)
		defer cancel()
		_ = e.runJob(ctx, job, s, rebuildOptions{notify: true})
	}()
}

// runJob runs one rebuild pass and settles the folder's status. A
// cancelled pass leaves the status alone for the canceller to decide.
func (e *Engine) runJob(ctx context.Context, job *Job, s searchState, opts rebuildOptions) error {
	logger := e.logger.With("store", s.storeID, "folder", s.folderID, "job", job.ID)
	logger.Info("Rebuild started", "recursive", s.def.Scope.Recursive, "scope", len(s.def.Scope.Folders))

	err := e.rebuild(ctx, job, &s, opts)
	if err == nil {
		err = e.store.SetStatus(ctx, s.storeID, s.folderID, types.StatusRunning)
	}

	switch {
	case err == nil:
		e.registry.finishJob(job, types.StatusRunning)
		e.notifier.SearchComplete(ctx, s.storeID, s.folderID)
		e.metrics.RebuildFinished(metrics.ResultCompleted, since(job.StartTime))
		attrs := []any{
			"duration", since(job.StartTime),
			"scanned", job.Scanned.Load(),
			"added", job.Added.Load(),
		}
		if c, cErr := e.store.GetCounters(ctx, s.storeID, s.folderID); cErr == nil {
			attrs = append(attrs, "items", c.Items, "unread", c.Unread)
		}
		logger.Info("Rebuild completed", attrs...)
		return nil

	case ctx.Err() != nil:
		e.metrics.RebuildFinished(metrics.ResultCancelled, since(job.StartTime))
		logger.Info("Rebuild cancelled", "scanned", job.Scanned.Load())
		return ctx.Err()
	}

	e.metrics.RebuildFinished(metrics.ResultFailed, since(job.StartTime))
	logger.Error("Rebuild failed, stopping search folder", "error", err)

	// Leave no partial result set behind.
	if clearErr := e.clearResults(ctx, s.storeID, s.folderID); clearErr != nil {
		logger.Warn("Failed to clear results of failed rebuild", "error", clearErr)
	}
	if statusErr := e.store.SetStatus(ctx, s.storeID, s.folderID, types.StatusStopped); statusErr != nil {
		logger.Error("Failed to persist stopped status", "error", statusErr)
	}
	e.registry.finishJob(job, types.StatusStopped)
	return err
}

// rebuild recomputes a search folder's results from scratch.
func (e *Engine) rebuild(ctx context.Context, job *Job, s *searchState, opts rebuildOptions) error {
	folders, set, err := e.expandScope(ctx, s.storeID, s.def.Scope)
	if err != nil {
		return fmt.Errorf("expand scope: %w", err)
	}

	if !opts.singleTx {
		if err := e.clearResults(ctx, s.storeID, s.folderID); err != nil {
			return fmt.Errorf("clear results: %w", err)
		}
		if opts.notify {
			e.notifyCounters(ctx, s.storeID, s.folderID)
		}
	}

	src := e.selectSource(ctx, job, s, folders, set)
	limiter := e.newLimiter()

	var collected []int64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		rows, done, err := src.next(ctx)
		if err != nil {
			return fmt.Errorf("%s: %w", src.name(), err)
		}
		if done {
			break
		}
		if len(rows) == 0 {
			continue
		}

		if limiter != nil {
			if err := limiter.WaitN(ctx, len(rows)); err != nil {
				return err
			}
		}

		ids := make([]int64, len(rows))
		for i := range rows {
			ids[i] = rows[i].ObjectID
		}

		if opts.singleTx {
			collected = append(collected, ids...)
			continue
		}

		res, err := e.commitChanges(ctx, metrics.OpRebuild, s, opts.notify, func(ctx context.Context) ([]change, error) {
			return src.confirm(ctx, ids)
		})
		if err != nil {
			return err
		}
		job.Added.Add(int64(len(res.added)))
	}

	if !opts.singleTx {
		return nil
	}

	var res applied
	err = e.runInTx(ctx, metrics.OpRebuild, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.LockCounters(ctx, s.storeID, s.folderID); err != nil {
			return err
		}
		if err := tx.ClearResults(ctx, s.storeID, s.folderID); err != nil {
			return err
		}
		changes, err := src.confirm(ctx, collected)
		if err != nil {
			return err
		}
		res, err = writeChanges(ctx, tx, s.storeID, s.folderID, changes)
		return err
	})
	if err != nil {
		return err
	}
	job.Added.Add(int64(len(res.added)))
	if opts.notify {
		e.notifyCounters(ctx, s.storeID, s.folderID)
	}
	return nil
}

// clearResults drops every result row of a folder and zeroes its counters.
func (e *Engine) clearResults(ctx context.Context, storeID, folderID int64) error {
	return e.runInTx(ctx, metrics.OpClear, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.LockCounters(ctx, storeID, folderID); err != nil {
			return err
		}
		return tx.ClearResults(ctx, storeID, folderID)
	})
}

func (e *Engine) newLimiter() *rate.Limiter {
	if e.cfg.RebuildQPSLimit <= 0 {
		return nil
	}
	burst := max(e.cfg.RebuildQPSLimit, e.cfg.RebuildBatchSize)
	return rate.NewLimiter(rate.Limit(e.cfg.RebuildQPSLimit), burst)
}

// selectSource prefers the indexer and falls back to a folder scan when
// the indexer is disabled, absent or declines.
func (e *Engine) selectSource(ctx context.Context, job *Job, s *searchState, folders []int64, set map[int64]bool) candidateSource {
	src, err := e.indexerCandidates(ctx, job, s, folders, set)
	if err == nil {
		return src
	}
	if !errors.Is(err, types.ErrIndexerDeclined) {
		e.logger.Warn("Indexer query failed, scanning instead",
			"store", s.storeID, "folder", s.folderID, "job", job.ID, "error", err)
	}
	return &scanSource{
		e:        e,
		job:      job,
		search:   s,
		storeID:  s.storeID,
		compiled: s.compiled,
		scope:    set,
		folders:  folders,
		batch:    e.cfg.RebuildBatchSize,
	}
}

func (e *Engine) indexerCandidates(ctx context.Context, job *Job, s *searchState, folders []int64, set map[int64]bool) (candidateSource, error) {
	if e.indexer == nil || !e.cfg.UseIndexer {
		return nil, types.ErrIndexerDeclined
	}

	owner, err := e.objects.GetStoreOwner(ctx, s.storeID)
	if err != nil {
		return nil, fmt.Errorf("resolve store owner: %w", err)
	}

	ids, err := e.indexer.Query(ctx, types.IndexerQuery{
		Owner:       owner,
		StoreID:     s.storeID,
		Folders:     folders,
		Restriction: s.def.Restriction,
	})
	if err != nil {
		return nil, err
	}

	return &indexerSource{
		e:          e,
		job:        job,
		search:     s,
		storeID:    s.storeID,
		scope:      set,
		candidates: ids,
		batch:      e.cfg.RebuildBatchSize,
	}, nil
}

// scanSource streams the direct children of every working-set folder and
// evaluates the restriction on them.
type scanSource struct {
	e        *Engine
	job      *Job
	search   *searchState
	storeID  int64
	compiled *matcher.Compiled
	scope    map[int64]bool
	folders  []int64
	batch    int

	pos   int
	after int64
}

func (s *scanSource) name() string { return "scan" }

func (s *scanSource) confirm(ctx context.Context, ids []int64) ([]change, error) {
	return s.e.confirm(ctx, s.search, s.scope, ids, true)
}

func (s *scanSource) next(ctx context.Context) ([]types.Row, bool, error) {
	for s.pos < len(s.folders) {
		folder := s.folders[s.pos]
		ids, err := s.e.objects.ListChildren(ctx, s.storeID, folder, s.after, s.batch)
		if errors.Is(err, types.ErrNotFound) {
			ids = nil
		} else if err != nil {
			return nil, false, fmt.Errorf("list children of %d: %w", folder, err)
		}

		if len(ids) < s.batch {
			s.pos++
			s.after = 0
		} else {
			s.after = ids[len(ids)-1]
		}
		if len(ids) == 0 {
			continue
		}

		s.job.Scanned.Add(int64(len(ids)))
		rows, err := s.e.matchRows(ctx, s.storeID, s.compiled, ids)
		return rows, false, err
	}
	return nil, true, nil
}

// indexerSource re-validates indexer candidates against the live object
// state: excluded or out-of-scope candidates are dropped.
type indexerSource struct {
	e          *Engine
	job        *Job
	search     *searchState
	storeID    int64
	scope      map[int64]bool
	candidates []int64
	batch      int
}

func (s *indexerSource) name() string { return "indexer" }

// confirm trusts the indexer for the restriction and re-checks liveness
// and scope only.
func (s *indexerSource) confirm(ctx context.Context, ids []int64) ([]change, error) {
	return s.e.confirm(ctx, s.search, s.scope, ids, false)
}

func (s *indexerSource) next(ctx context.Context) ([]types.Row, bool, error) {
	if len(s.candidates) == 0 {
		return nil, true, nil
	}
	n := min(s.batch, len(s.candidates))
	chunk := s.candidates[:n]
	s.candidates = s.candidates[n:]
	s.job.Scanned.Add(int64(n))

	valid := make([]int64, 0, len(chunk))
	for _, id := range chunk {
		ok, err := s.live(ctx, id)
		if err != nil {
			return nil, false, err
		}
		if ok {
			valid = append(valid, id)
		}
	}
	if len(valid) == 0 {
		return nil, false, nil
	}

	rows, err := s.e.objects.GetRows(ctx, s.storeID, valid, []string{types.PropRead})
	if err != nil {
		return nil, false, fmt.Errorf("fetch rows: %w", err)
	}
	return rows, false, nil
}

func (s *indexerSource) live(ctx context.Context, objectID int64) (bool, error) {
	flags, err := s.e.objects.GetObjectFlags(ctx, s.storeID, objectID)
	if errors.Is(err, types.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if flags.Excluded() {
		return false, nil
	}

	parent, err := s.e.objects.GetParent(ctx, s.storeID, objectID)
	if errors.Is(err, types.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return s.scope[parent], nil
}

// matchRows fetches the rows of ids and keeps those satisfying the
// restriction. Objects failing evaluation are logged and skipped.
func (e *Engine) matchRows(ctx context.Context, storeID int64, compiled *matcher.Compiled, ids []int64) ([]types.Row, error) {
	rows, err := e.objects.GetRows(ctx, storeID, ids, compiled.RequiredProperties())
	if err != nil {
		return nil, fmt.Errorf("fetch rows: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	rowIDs := make([]int64, len(rows))
	for i := range rows {
		rowIDs[i] = rows[i].ObjectID
	}
	subs, err := compiled.EvaluateSubs(ctx, e.objects, storeID, rowIDs)
	if err != nil {
		return nil, err
	}

	matched := rows[:0]
	for i := range rows {
		ok, err := compiled.Match(&rows[i], subs)
		if err != nil {
			e.metrics.EvalError()
			e.logger.Debug("Restriction evaluation failed", "store", storeID, "object", rows[i].ObjectID, "error", err)
			continue
		}
		if ok {
			matched = append(matched, rows[i])
		}
	}
	return matched, nil
}

// confirm re-reads ids and returns their current membership: vanished,
// excluded or out-of-scope objects leave, and with restricted set the
// restriction is evaluated again. Objects failing evaluation are left
// untouched.
func (e *Engine) confirm(ctx context.Context, s *searchState, scope map[int64]bool, ids []int64, restricted bool) ([]change, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	props := []string{types.PropRead}
	if restricted {
		props = s.compiled.RequiredProperties()
	}
	rows, err := e.objects.GetRows(ctx, s.storeID, ids, props)
	if err != nil {
		return nil, fmt.Errorf("fetch rows: %w", err)
	}

	live := make(map[int64]*types.Row, len(rows))
	liveIDs := make([]int64, 0, len(rows))
	for i := range rows {
		r := &rows[i]
		if r.Flags.Excluded() || !scope[r.ParentID] {
			continue
		}
		live[r.ObjectID] = r
		liveIDs = append(liveIDs, r.ObjectID)
	}

	var subs *matcher.SubResults
	if restricted {
		if subs, err = s.compiled.EvaluateSubs(ctx, e.objects, s.storeID, liveIDs); err != nil {
			return nil, err
		}
	}

	changes := make([]change, 0, len(ids))
	for _, id := range ids {
		row, ok := live[id]
		if !ok {
			changes = append(changes, change{objectID: id})
			continue
		}
		if !restricted && row.Err != nil {
			e.metrics.EvalError()
			e.logger.Debug("Unreadable indexer candidate", "store", s.storeID, "object", id, "error", row.Err)
			continue
		}
		if restricted {
			match, err := s.compiled.Match(row, subs)
			if err != nil {
				e.metrics.EvalError()
				e.logger.Debug("Restriction evaluation failed", "store", s.storeID, "object", id, "error", err)
				continue
			}
			if !match {
				changes = append(changes, change{objectID: id})
				continue
			}
		}
		changes = append(changes, change{objectID: id, member: true, unread: row.Unread()})
	}
	return changes, nil
}
