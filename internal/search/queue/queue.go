// Package queue implements the Event Queue: an unbounded FIFO of change
// events fed by any goroutine and drained in batches by a single consumer.
package queue

import (
	"sync"

	"github.com/syntrixbase/searchfolder/internal/search/types"
)

type entry struct {
	event   types.ChangeEvent
	barrier chan struct{}
}

// Queue is safe for concurrent use. Push never blocks.
type Queue struct {
	mu        sync.Mutex
	items     []entry
	events    int
	batchSize int
	closed    bool

	// ready carries at most one pending wakeup for the consumer.
	ready chan struct{}
}

// New creates a queue that wakes its consumer as soon as batchSize events
// are waiting. Smaller backlogs are picked up by the consumer's own flush
// timer.
func New(batchSize int) *Queue {
	if batchSize < 1 {
		batchSize = 1
	}
	return &Queue{
		batchSize: batchSize,
		ready:     make(chan struct{}, 1),
	}
}

// Push appends an event. Returns false if the queue is closed.
func (q *Queue) Push(ev types.ChangeEvent) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, entry{event: ev})
	q.events++
	full := q.events >= q.batchSize
	q.mu.Unlock()

	if full {
		q.wake()
	}
	return true
}

// Barrier appends a marker and returns a channel closed once the consumer
// has processed every event pushed before it. Returns nil if the queue is
// closed.
func (q *Queue) Barrier() <-chan struct{} {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	q.items = append(q.items, entry{barrier: ch})
	q.mu.Unlock()

	q.wake()
	return ch
}

// Ready is signalled when a full batch or a barrier is waiting.
func (q *Queue) Ready() <-chan struct{} {
	return q.ready
}

// Pop removes up to max events from the head of the queue. A batch ends
// early at the first barrier; the returned barriers must be released with
// Release after the events have been processed.
func (q *Queue) Pop(max int) ([]types.ChangeEvent, []chan struct{}) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var (
		events   []types.ChangeEvent
		barriers []chan struct{}
		n        int
	)
	for n < len(q.items) && len(events) < max {
		e := q.items[n]
		n++
		if e.barrier != nil {
			barriers = append(barriers, e.barrier)
			break
		}
		events = append(events, e.event)
	}

	// Trailing barriers belong to this batch too.
	for n < len(q.items) && q.items[n].barrier != nil {
		barriers = append(barriers, q.items[n].barrier)
		n++
	}

	q.items = q.items[n:]
	q.events -= len(events)
	if len(q.items) == 0 {
		q.items = nil
	}
	return events, barriers
}

// Len returns the number of queued events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.events
}

// Close rejects further pushes and releases every pending barrier.
// Queued events are dropped.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	items := q.items
	q.items = nil
	q.events = 0
	q.mu.Unlock()

	Release(barriersOf(items))
}

// Release closes barrier channels returned by Pop.
func Release(barriers []chan struct{}) {
	for _, b := range barriers {
		close(b)
	}
}

func barriersOf(items []entry) []chan struct{} {
	var out []chan struct{}
	for _, e := range items {
		if e.barrier != nil {
			out = append(out, e.barrier)
		}
	}
	return out
}

func (q *Queue) wake() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
