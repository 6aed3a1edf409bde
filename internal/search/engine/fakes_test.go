package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/syntrixbase/searchfolder/internal/search/config"
	"github.com/syntrixbase/searchfolder/internal/search/metrics"
	"github.com/syntrixbase/searchfolder/internal/search/store"
	"github.com/syntrixbase/searchfolder/internal/search/types"
)

type folderKey struct {
	storeID  int64
	folderID int64
}

// memStore is an in-memory store.Store. Transactions are serialized and
// rolled back through an undo log.
type memStore struct {
	txMu sync.Mutex

	mu       sync.Mutex
	defs     map[folderKey]types.SearchDefinition
	status   map[folderKey]types.Status
	counters map[folderKey]types.Counters
	results  map[folderKey]map[int64]bool

	// unreadable marks records LoadSearches reports as undecodable.
	unreadable map[folderKey]error

	// lockConflicts makes the next n LockCounters calls fail transiently.
	lockConflicts int
	locks         int
	commits       int
	rollbacks     int
}

var _ store.Store = (*memStore)(nil)

func newMemStore() *memStore {
	return &memStore{
		defs:     make(map[folderKey]types.SearchDefinition),
		status:   make(map[folderKey]types.Status),
		counters: make(map[folderKey]types.Counters),
		results:  make(map[folderKey]map[int64]bool),

		unreadable: make(map[folderKey]error),
	}
}

func (s *memStore) BeginTx(ctx context.Context) (store.Tx, error) {
	s.txMu.Lock()
	return &memTx{s: s}, nil
}

func (s *memStore) LoadSearches(ctx context.Context) ([]types.StoredSearch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.StoredSearch, 0, len(s.defs))
	for k, def := range s.defs {
		if err, ok := s.unreadable[k]; ok {
			out = append(out, types.StoredSearch{StoreID: k.storeID, FolderID: k.folderID, Err: err})
			continue
		}
		out = append(out, types.StoredSearch{StoreID: k.storeID, FolderID: k.folderID, Definition: def, Status: s.status[k]})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StoreID != out[j].StoreID {
			return out[i].StoreID < out[j].StoreID
		}
		return out[i].FolderID < out[j].FolderID
	})
	return out, nil
}

func (s *memStore) GetSearch(ctx context.Context, storeID, folderID int64) (*types.StoredSearch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := folderKey{storeID, folderID}
	def, ok := s.defs[k]
	if !ok {
		return nil, types.ErrNotFound
	}
	return &types.StoredSearch{StoreID: storeID, FolderID: folderID, Definition: def, Status: s.status[k]}, nil
}

func (s *memStore) SaveDefinition(ctx context.Context, storeID, folderID int64, def types.SearchDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := folderKey{storeID, folderID}
	s.defs[k] = def
	if _, ok := s.counters[k]; !ok {
		s.counters[k] = types.Counters{}
	}
	return nil
}

func (s *memStore) DeleteSearch(ctx context.Context, storeID, folderID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := folderKey{storeID, folderID}
	delete(s.defs, k)
	delete(s.status, k)
	delete(s.counters, k)
	return nil
}

func (s *memStore) SetStatus(ctx context.Context, storeID, folderID int64, status types.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := folderKey{storeID, folderID}
	if status == types.StatusRunning {
		delete(s.status, k)
		return nil
	}
	s.status[k] = status
	return nil
}

func (s *memStore) ListResults(ctx context.Context, storeID, folderID int64) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []int64
	for id := range s.results[folderKey{storeID, folderID}] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *memStore) GetCounters(ctx context.Context, storeID, folderID int64) (types.Counters, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.counters[folderKey{storeID, folderID}]
	if !ok {
		return types.Counters{}, types.ErrNotFound
	}
	return c, nil
}

// seedResults records stale members, as left behind by a crash.
func (s *memStore) seedResults(storeID, folderID int64, unread map[int64]bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := folderKey{storeID, folderID}
	rows := make(map[int64]bool, len(unread))
	var c types.Counters
	for id, u := range unread {
		rows[id] = u
		c.Items++
		if u {
			c.Unread++
		}
	}
	s.results[k] = rows
	s.counters[k] = c
}

func (s *memStore) markUnreadable(storeID, folderID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unreadable[folderKey{storeID, folderID}] = errors.New("decode search definition: invalid document length")
}

func (s *memStore) setLockConflicts(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lockConflicts = n
}

func (s *memStore) statusOf(storeID, folderID int64) (types.Status, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := folderKey{storeID, folderID}
	if _, ok := s.defs[k]; !ok {
		return types.StatusRunning, false
	}
	return s.status[k], true
}

// checkCounters asserts that the counters match the result rows.
func (s *memStore) checkCounters(t *testing.T, storeID, folderID int64) types.Counters {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	k := folderKey{storeID, folderID}
	var want types.Counters
	for _, unread := range s.results[k] {
		want.Items++
		if unread {
			want.Unread++
		}
	}
	require.Equal(t, want, s.counters[k], "counters of folder %d", folderID)
	return want
}

type memTx struct {
	s    *memStore
	undo []func()
	done bool
}

func (t *memTx) LockCounters(ctx context.Context, storeID, folderID int64) (types.Counters, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	t.s.locks++
	if t.s.lockConflicts > 0 {
		t.s.lockConflicts--
		return types.Counters{}, fmt.Errorf("%w: lock timeout", types.ErrTransient)
	}
	c, ok := t.s.counters[folderKey{storeID, folderID}]
	if !ok {
		return types.Counters{}, types.ErrNotFound
	}
	return c, nil
}

func (t *memTx) UpsertResult(ctx context.Context, row types.ResultRow) (bool, int64, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	k := folderKey{row.StoreID, row.FolderID}
	rows, ok := t.s.results[k]
	if !ok {
		rows = make(map[int64]bool)
		t.s.results[k] = rows
	}
	prev, exists := rows[row.ObjectID]
	rows[row.ObjectID] = row.Unread
	t.undo = append(t.undo, func() {
		if exists {
			rows[row.ObjectID] = prev
		} else {
			delete(rows, row.ObjectID)
		}
	})

	switch {
	case !exists && row.Unread:
		return true, 1, nil
	case !exists:
		return true, 0, nil
	case prev == row.Unread:
		return false, 0, nil
	case row.Unread:
		return false, 1, nil
	default:
		return false, -1, nil
	}
}

func (t *memTx) DeleteResult(ctx context.Context, storeID, folderID, objectID int64) (bool, bool, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	rows := t.s.results[folderKey{storeID, folderID}]
	unread, ok := rows[objectID]
	if !ok {
		return false, false, nil
	}
	delete(rows, objectID)
	t.undo = append(t.undo, func() { rows[objectID] = unread })
	return true, unread, nil
}

func (t *memTx) ClearResults(ctx context.Context, storeID, folderID int64) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	k := folderKey{storeID, folderID}
	prevRows, hadRows := t.s.results[k]
	prevCounters, hadCounters := t.s.counters[k]
	delete(t.s.results, k)
	if hadCounters {
		t.s.counters[k] = types.Counters{}
	}
	t.undo = append(t.undo, func() {
		if hadRows {
			t.s.results[k] = prevRows
		}
		if hadCounters {
			t.s.counters[k] = prevCounters
		}
	})
	return nil
}

func (t *memTx) AddCounters(ctx context.Context, storeID, folderID int64, items, unread int64) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	k := folderKey{storeID, folderID}
	prev, ok := t.s.counters[k]
	if !ok {
		return nil
	}
	next := prev.Add(items, unread)
	next.Items = max(next.Items, 0)
	next.Unread = max(next.Unread, 0)
	t.s.counters[k] = next
	t.undo = append(t.undo, func() { t.s.counters[k] = prev })
	return nil
}

func (t *memTx) Commit() error {
	if t.done {
		return nil
	}
	t.done = true
	t.s.mu.Lock()
	t.s.commits++
	t.s.mu.Unlock()
	t.s.txMu.Unlock()
	return nil
}

func (t *memTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	t.s.mu.Lock()
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.s.rollbacks++
	t.s.mu.Unlock()
	t.s.txMu.Unlock()
	return nil
}

// memObjects is an in-memory object tree. Folders and messages share one
// id space; a message is an object with properties.
type memObjects struct {
	mu       sync.Mutex
	owner    string
	parents  map[int64]int64
	folders  map[int64]bool
	props    map[int64]types.Properties
	flags    map[int64]types.ObjectFlags
	related  map[string]map[int64][]types.Properties
	entryIDs map[string]int64
	corrupt  map[int64]bool

	rowsErr   error
	rowsCalls int
	lastProps []string
}

var _ types.ObjectService = (*memObjects)(nil)

func newMemObjects() *memObjects {
	return &memObjects{
		owner:    "alice",
		parents:  make(map[int64]int64),
		folders:  make(map[int64]bool),
		props:    make(map[int64]types.Properties),
		flags:    make(map[int64]types.ObjectFlags),
		related:  make(map[string]map[int64][]types.Properties),
		entryIDs: make(map[string]int64),
		corrupt:  make(map[int64]bool),
	}
}

func (o *memObjects) addFolder(id, parent int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.folders[id] = true
	o.parents[id] = parent
}

func (o *memObjects) addMessage(id, folder int64, props types.Properties) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.parents[id] = folder
	o.props[id] = props
}

func (o *memObjects) move(id, folder int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.parents[id] = folder
}

func (o *memObjects) remove(id int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.parents, id)
	delete(o.props, id)
	delete(o.flags, id)
}

func (o *memObjects) setProp(id int64, name string, value any) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.props[id][name] = value
}

// corruptProps makes the object's property document unreadable.
func (o *memObjects) corruptProps(id int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.corrupt[id] = true
}

func (o *memObjects) setFlags(id int64, flags types.ObjectFlags) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.flags[id] = flags
}

func (o *memObjects) addRelated(relation string, id int64, rows ...types.Properties) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.related[relation] == nil {
		o.related[relation] = make(map[int64][]types.Properties)
	}
	o.related[relation][id] = append(o.related[relation][id], rows...)
}

func (o *memObjects) ResolveEntryID(ctx context.Context, storeID int64, entryID []byte) (int64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	id, ok := o.entryIDs[string(entryID)]
	if !ok {
		return 0, types.ErrNotFound
	}
	return id, nil
}

func (o *memObjects) GetParent(ctx context.Context, storeID, objectID int64) (int64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	p, ok := o.parents[objectID]
	if !ok {
		return 0, types.ErrNotFound
	}
	return p, nil
}

func (o *memObjects) GetObjectFlags(ctx context.Context, storeID, objectID int64) (types.ObjectFlags, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.props[objectID]; !ok {
		return 0, types.ErrNotFound
	}
	return o.flags[objectID], nil
}

func (o *memObjects) GetStoreOwner(ctx context.Context, storeID int64) (string, error) {
	return o.owner, nil
}

func (o *memObjects) ListSubfolders(ctx context.Context, storeID, folderID int64) ([]int64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.folders[folderID] {
		return nil, types.ErrNotFound
	}
	var out []int64
	for id := range o.folders {
		if o.parents[id] == folderID && id != folderID {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (o *memObjects) ListChildren(ctx context.Context, storeID, folderID, after int64, limit int) ([]int64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.folders[folderID] {
		return nil, types.ErrNotFound
	}
	var out []int64
	for id := range o.props {
		if o.parents[id] == folderID && id > after {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// GetRows returns only the requested properties, or all of them for nil.
func (o *memObjects) GetRows(ctx context.Context, storeID int64, objectIDs []int64, props []string) ([]types.Row, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rowsCalls++
	o.lastProps = props
	if o.rowsErr != nil {
		return nil, o.rowsErr
	}
	var rows []types.Row
	for _, id := range objectIDs {
		all, ok := o.props[id]
		if !ok {
			continue
		}
		selected := make(types.Properties, len(props))
		for _, p := range props {
			if v, ok := all[p]; ok {
				selected[p] = v
			}
		}
		if props == nil {
			for k, v := range all {
				selected[k] = v
			}
		}
		row := types.Row{ObjectID: id, ParentID: o.parents[id], Flags: o.flags[id], Props: selected}
		if o.corrupt[id] {
			row.Props = nil
			row.Err = fmt.Errorf("object %d: decode properties: invalid character", id)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func (o *memObjects) GetRelated(ctx context.Context, storeID int64, objectIDs []int64, relation string, props []string) (map[int64][]types.Properties, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[int64][]types.Properties)
	for _, id := range objectIDs {
		if rows, ok := o.related[relation][id]; ok {
			out[id] = rows
		}
	}
	return out, nil
}

type fakeIndexer struct {
	mu      sync.Mutex
	ids     []int64
	err     error
	queries []types.IndexerQuery
}

func (f *fakeIndexer) Query(ctx context.Context, q types.IndexerQuery) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	if f.err != nil {
		return nil, f.err
	}
	return append([]int64(nil), f.ids...), nil
}

// recordingNotifier keeps every notification as "kind:folder[:object]".
type recordingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *recordingNotifier) record(format string, args ...any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, fmt.Sprintf(format, args...))
}

func (n *recordingNotifier) RowAdded(ctx context.Context, storeID, folderID, objectID int64) {
	n.record("added:%d:%d", folderID, objectID)
}

func (n *recordingNotifier) RowRemoved(ctx context.Context, storeID, folderID, objectID int64) {
	n.record("removed:%d:%d", folderID, objectID)
}

func (n *recordingNotifier) RowModified(ctx context.Context, storeID, folderID, objectID int64) {
	n.record("modified:%d:%d", folderID, objectID)
}

func (n *recordingNotifier) CounterChanged(ctx context.Context, storeID, folderID int64) {
	n.record("counters:%d", folderID)
}

func (n *recordingNotifier) SearchComplete(ctx context.Context, storeID, folderID int64) {
	n.record("complete:%d", folderID)
}

func (n *recordingNotifier) has(event string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, e := range n.events {
		if e == event {
			return true
		}
	}
	return false
}

func (n *recordingNotifier) reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = nil
}

func testConfig() config.Config {
	return config.Config{
		UpdateBatchSize:    100,
		FlushInterval:      10 * time.Millisecond,
		RebuildBatchSize:   2,
		TxAttempts:         4,
		RestartConcurrency: 2,
	}
}

// countingMetrics counts evaluation errors and drops everything else.
type countingMetrics struct {
	metrics.NoopMetrics
	evalErrors atomic.Int64
}

func (m *countingMetrics) EvalError() { m.evalErrors.Add(1) }

type testEnv struct {
	engine   *Engine
	store    *memStore
	objects  *memObjects
	notifier *recordingNotifier
	metrics  *countingMetrics
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return &testEnv{
		store:    newMemStore(),
		objects:  newMemObjects(),
		notifier: &recordingNotifier{},
		metrics:  &countingMetrics{},
	}
}

// start runs a new engine over the env's store and objects. Earlier
// engines are left running until the test ends.
func (env *testEnv) start(t *testing.T, cfg config.Config, indexer types.Indexer) *Engine {
	t.Helper()
	return env.startWith(t, cfg, indexer, env.objects)
}

// startWith is start with a wrapped object service.
func (env *testEnv) startWith(t *testing.T, cfg config.Config, indexer types.Indexer, objects types.ObjectService) *Engine {
	t.Helper()
	cfg.UseIndexer = indexer != nil
	e, err := New(cfg, Deps{
		Store:    env.store,
		Objects:  objects,
		Indexer:  indexer,
		Notifier: env.notifier,
		Metrics:  env.metrics,
	})
	require.NoError(t, err)
	require.NoError(t, e.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Stop(ctx)
	})
	env.engine = e
	return e
}

// waitRebuild blocks until the folder's current rebuild worker exits.
func (env *testEnv) waitRebuild(t *testing.T, storeID, folderID int64) {
	t.Helper()
	s, ok := env.engine.registry.get(storeID, folderID)
	if !ok || s.job == nil {
		return
	}
	select {
	case <-s.job.done:
	case <-time.After(5 * time.Second):
		t.Fatalf("rebuild of folder %d did not finish", folderID)
	}
}

func (env *testEnv) sync(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, env.engine.Sync(ctx))
}

func (env *testEnv) results(t *testing.T, storeID, folderID int64) []int64 {
	t.Helper()
	ids, err := env.engine.GetResults(context.Background(), storeID, folderID)
	require.NoError(t, err)
	return ids
}

// interleavedObjects runs hook once, right after the first GetRows call
// returns, so a concurrent change lands between reading a batch and
// writing it.
type interleavedObjects struct {
	*memObjects
	fired atomic.Bool
	hook  func()
}

func (o *interleavedObjects) GetRows(ctx context.Context, storeID int64, objectIDs []int64, props []string) ([]types.Row, error) {
	rows, err := o.memObjects.GetRows(ctx, storeID, objectIDs, props)
	if o.fired.CompareAndSwap(false, true) {
		o.hook()
	}
	return rows, err
}
