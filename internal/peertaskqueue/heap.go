package peertaskqueue

import (
	"time"

	"github.com/ipfs/go-cid"
)

// taskEntry wraps a Task with the book-keeping container/heap needs.
// trashed marks a lazily-removed entry, mirroring the teacher's
// peerRequestTask.trash field in decision/peer_request_queue.go.
type taskEntry struct {
	task    Task
	trashed bool
	index   int
}

// taskHeap is a max-heap on Priority. No creation timestamp or insertion
// sequence is tracked (Task is value-keyed by topic), and container/heap
// is not stable, so the order among tasks of equal priority is not
// defined.
type taskHeap []*taskEntry

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	return h[i].task.Priority > h[j].task.Priority
}
func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *taskHeap) Push(x interface{}) {
	te := x.(*taskEntry)
	te.index = len(*h)
	*h = append(*h, te)
}
func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	te := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return te
}

// lowestPriorityIndex returns the index of the entry with the lowest
// priority, used by the high-water eviction rule (§4.2), or -1 if empty.
func (h taskHeap) lowestPriorityIndex() int {
	if len(h) == 0 {
		return -1
	}
	lowest := 0
	for i := 1; i < len(h); i++ {
		if h[i].task.Priority < h[lowest].task.Priority {
			lowest = i
		}
	}
	return lowest
}

// partner is the per-peer scheduling record, equivalent to the teacher's
// activePartner in decision/peer_request_queue.go, extended with
// freeze/cooldown/protect state (§4.2) the teacher did not have.
type partner struct {
	id          string
	pending     int
	active      int
	protected   bool
	frozenUntil time.Time
	cooldown    time.Duration

	taskHeap taskHeap
	tasks    map[cid.Cid]*taskEntry

	index int // book-keeping for partnerHeap
}

func newPartner(id string) *partner {
	return &partner{id: id, tasks: make(map[cid.Cid]*taskEntry)}
}

// partnerHeap implements round-robin-with-priority: partners with pending
// work are popped before partners with none, and among those with pending
// work the one with the fewest in-flight (active) tasks comes first,
// matching the teacher's partnerCompare. Freeze state is not part of the
// ordering; nextEligiblePartner skips frozen partners.
type partnerHeap []*partner

func (h partnerHeap) Len() int { return len(h) }
func (h partnerHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.pending == 0 {
		return false
	}
	if b.pending == 0 {
		return true
	}
	return a.active < b.active
}
func (h partnerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *partnerHeap) Push(x interface{}) {
	p := x.(*partner)
	p.index = len(*h)
	*h = append(*h, p)
}
func (h *partnerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	p := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return p
}
