package broker

import (
	"container/heap"
	"sync"
	"time"

	"github.com/google/uuid"
)

// deadlineWatcher tracks request deadlines in a min-heap so each tick pops
// only what is due instead of scanning every open request. It is purely an
// index: expiry authority stays with the store's atomic close, so a stale
// entry for an already-answered request is harmless.
type deadlineWatcher struct {
	mu      sync.Mutex
	entries deadlineHeap
}

type deadlineEntry struct {
	requestID uuid.UUID
	deadline  time.Time
}

func newDeadlineWatcher() *deadlineWatcher {
	return &deadlineWatcher{}
}

func (w *deadlineWatcher) arm(requestID uuid.UUID, deadline time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	heap.Push(&w.entries, deadlineEntry{requestID: requestID, deadline: deadline})
}

// due pops and returns every request whose deadline is at or before now.
func (w *deadlineWatcher) due(now time.Time) []uuid.UUID {
	w.mu.Lock()
	defer w.mu.Unlock()
	var ids []uuid.UUID
	for len(w.entries) > 0 && !w.entries[0].deadline.After(now) {
		entry := heap.Pop(&w.entries).(deadlineEntry)
		ids = append(ids, entry.requestID)
	}
	return ids
}

func (w *deadlineWatcher) pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}

type deadlineHeap []deadlineEntry

func (h deadlineHeap) Len() int           { return len(h) }
func (h deadlineHeap) Less(i, j int) bool { return h[i].deadline.Before(h[j].deadline) }
func (h deadlineHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *deadlineHeap) Push(x any)        { *h = append(*h, x.(deadlineEntry)) }
func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	entry := old[n-1]
	*h = old[:n-1]
	return entry
}
