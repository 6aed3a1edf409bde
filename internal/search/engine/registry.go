package engine

import (
	"sort"
	"sync"

	"github.com/syntrixbase/searchfolder/internal/search/matcher"
	"github.com/syntrixbase/searchfolder/internal/search/metrics"
	"github.com/syntrixbase/searchfolder/internal/search/types"
)

// searchState is one tracked search folder. The registry hands out copies;
// the job pointer is shared.
type searchState struct {
	storeID  int64
	folderID int64
	def      types.SearchDefinition
	compiled *matcher.Compiled
	status   types.Status

	// job is the rebuild worker currently attached, or nil.
	job *Job

	// gen changes every time the folder is (re)registered.
	gen uint64
}

// registry maps store -> folder -> search state.
type registry struct {
	metrics metrics.Metrics

	mu      sync.RWMutex
	stores  map[int64]map[int64]*searchState
	count   int
	nextGen uint64
}

func newRegistry(m metrics.Metrics) *registry {
	return &registry{
		metrics: m,
		stores:  make(map[int64]map[int64]*searchState),
	}
}

func (r *registry) get(storeID, folderID int64) (searchState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.stores[storeID][folderID]
	if !ok {
		return searchState{}, false
	}
	return *s, true
}

// put registers s under a new generation, which is stored back into s.
func (r *registry) put(s *searchState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	folders, ok := r.stores[s.storeID]
	if !ok {
		folders = make(map[int64]*searchState)
		r.stores[s.storeID] = folders
	}
	if _, exists := folders[s.folderID]; !exists {
		r.count++
	}
	r.nextGen++
	s.gen = r.nextGen
	stored := *s
	folders[s.folderID] = &stored
	r.metrics.ActiveSearches(r.count)
}

func (r *registry) remove(storeID, folderID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	folders, ok := r.stores[storeID]
	if !ok {
		return
	}
	if _, exists := folders[folderID]; !exists {
		return
	}
	delete(folders, folderID)
	if len(folders) == 0 {
		delete(r.stores, storeID)
	}
	r.count--
	r.metrics.ActiveSearches(r.count)
}

// finishJob detaches job from its search and sets the search's status.
// It does nothing if the search was removed or another job took over.
func (r *registry) finishJob(job *Job, status types.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.stores[job.StoreID][job.FolderID]
	if !ok || s.job != job {
		return
	}
	s.job = nil
	s.status = status
}

// current reports whether s is still the registered generation of its
// folder.
func (r *registry) current(s *searchState) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cur, ok := r.stores[s.storeID][s.folderID]
	return ok && cur.gen == s.gen
}

// active returns the searches of a store that are maintained by the
// update processor, in folder order.
func (r *registry) active(storeID int64) []searchState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	folders := r.stores[storeID]
	out := make([]searchState, 0, len(folders))
	for _, s := range folders {
		if s.status != types.StatusStopped {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].folderID < out[j].folderID })
	return out
}

// inStore returns every tracked search of a store.
func (r *registry) inStore(storeID int64) []searchState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]searchState, 0, len(r.stores[storeID]))
	for _, s := range r.stores[storeID] {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].folderID < out[j].folderID })
	return out
}

// all returns every tracked search ordered by store and folder.
func (r *registry) all() []searchState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]searchState, 0, r.count)
	for _, folders := range r.stores {
		for _, s := range folders {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].storeID != out[j].storeID {
			return out[i].storeID < out[j].storeID
		}
		return out[i].folderID < out[j].folderID
	})
	return out
}

func (r *registry) size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}
