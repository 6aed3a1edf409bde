// Package engine maintains search folders: the registry of active
// searches, their lifecycle, the rebuild workers that populate a search
// from scratch and the update processor that applies object changes
// incrementally.
//
// Two locks guard the in-memory state. opMu serializes lifecycle
// operations (Define, Cancel, Remove, LoadAll, RestartAll) and is held
// while they wait for rebuild workers to exit. The registry's own lock
// guards the map and is never held across I/O, so workers and the update
// processor only ever take the registry lock.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/syntrixbase/searchfolder/internal/search/config"
	"github.com/syntrixbase/searchfolder/internal/search/matcher"
	"github.com/syntrixbase/searchfolder/internal/search/metrics"
	"github.com/syntrixbase/searchfolder/internal/search/queue"
	"github.com/syntrixbase/searchfolder/internal/search/store"
	"github.com/syntrixbase/searchfolder/internal/search/types"
)

// Deps are the collaborators of an Engine. Indexer, Notifier, Metrics and
// Logger are optional.
type Deps struct {
	Store    store.Store
	Objects  types.ObjectService
	Compiler *matcher.Compiler
	Indexer  types.Indexer
	Notifier types.Notifier
	Metrics  metrics.Metrics
	Logger   *slog.Logger
}

// Engine is the search-folder engine.
type Engine struct {
	cfg      config.Config
	store    store.Store
	objects  types.ObjectService
	compiler *matcher.Compiler
	indexer  types.Indexer
	notifier types.Notifier
	metrics  metrics.Metrics
	logger   *slog.Logger

	opMu     sync.Mutex
	registry *registry
	queue    *queue.Queue

	// ctx bounds every worker and the update processor.
	ctx    context.Context
	cancel context.CancelFunc

	processorWG sync.WaitGroup
	workersWG   sync.WaitGroup
	started     atomic.Bool
	closed      atomic.Bool
}

// New creates an engine. Call Start to run the update processor.
func New(cfg config.Config, deps Deps) (*Engine, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Store == nil || deps.Objects == nil {
		return nil, errors.New("search engine needs a store and an object service")
	}
	if deps.Compiler == nil {
		c, err := matcher.NewCompiler()
		if err != nil {
			return nil, err
		}
		deps.Compiler = c
	}
	if deps.Notifier == nil {
		deps.Notifier = types.NoopNotifier{}
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NoopMetrics{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:      cfg,
		store:    deps.Store,
		objects:  deps.Objects,
		compiler: deps.Compiler,
		indexer:  deps.Indexer,
		notifier: deps.Notifier,
		metrics:  deps.Metrics,
		logger:   deps.Logger.With("component", "search-engine"),
		registry: newRegistry(deps.Metrics),
		queue:    queue.New(cfg.UpdateBatchSize),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Start runs the update processor.
func (e *Engine) Start() error {
	if e.closed.Load() {
		return types.ErrEngineClosed
	}
	if !e.started.CompareAndSwap(false, true) {
		return errors.New("search engine already started")
	}

	e.processorWG.Add(1)
	go func() {
		defer e.processorWG.Done()
		e.processLoop(e.ctx)
	}()

	e.logger.Info("Search engine started",
		"update_batch_size", e.cfg.UpdateBatchSize,
		"flush_interval", e.cfg.FlushInterval)
	return nil
}

// Stop cancels every rebuild worker and the update processor and waits
// for them to exit. Persisted statuses are left untouched, so searches
// that were rebuilding are rebuilt by the next LoadAll. Queued events are
// dropped.
func (e *Engine) Stop(ctx context.Context) error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}

	e.cancel()

	// Workers are spawned under opMu; taking it orders every pending
	// workersWG.Add before the Wait below.
	e.opMu.Lock()
	e.queue.Close()
	e.opMu.Unlock()

	done := make(chan struct{})
	go func() {
		e.processorWG.Wait()
		e.workersWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.logger.Info("Search engine stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReportObjectChange queues a change of objectID in folderID. It never
// blocks. For deletes and moves folderID is the folder the object left.
func (e *Engine) ReportObjectChange(storeID, folderID, objectID int64, kind types.ChangeKind) error {
	ok := e.queue.Push(types.ChangeEvent{
		StoreID:  storeID,
		FolderID: folderID,
		ObjectID: objectID,
		Kind:     kind,
	})
	if !ok {
		return types.ErrEngineClosed
	}
	e.metrics.EventReported()
	return nil
}

// Sync waits until every change reported before the call has been
// processed.
func (e *Engine) Sync(ctx context.Context) error {
	if !e.started.Load() {
		return errors.New("search engine not started")
	}
	barrier := e.queue.Barrier()
	if barrier == nil {
		return types.ErrEngineClosed
	}
	select {
	case <-barrier:
		if e.closed.Load() {
			return types.ErrEngineClosed
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ActiveSearches returns the number of tracked search folders.
func (e *Engine) ActiveSearches() int {
	return e.registry.size()
}

func (e *Engine) retryPolicy(op string) store.RetryPolicy {
	return store.RetryPolicy{
		Attempts: e.cfg.TxAttempts,
		Backoff:  e.cfg.RetryBackoff,
		OnRetry: func(attempt int, err error) {
			e.metrics.TxRetry(op)
			e.logger.Debug("Retrying transaction", "op", op, "attempt", attempt, "error", err)
		},
	}
}

// runInTx runs fn with the retry policy of op and counts exhausted retries
// as a failure.
func (e *Engine) runInTx(ctx context.Context, op string, fn func(ctx context.Context, tx store.Tx) error) error {
	err := store.RunInTx(ctx, e.store, e.retryPolicy(op), fn)
	if errors.Is(err, types.ErrRetriesExhausted) {
		e.metrics.TxFailure(op)
	}
	return err
}

func (e *Engine) checkOpen() error {
	if e.closed.Load() {
		return types.ErrEngineClosed
	}
	return nil
}

func since(start time.Time) time.Duration {
	return time.Since(start).Round(time.Millisecond)
}
