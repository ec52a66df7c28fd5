// Package peertaskqueue is the generic, fair, priority-aware work queue
// (§4.2). It generalizes the teacher's decision-only peerRequestQueue
// into a standalone scheduler keyed by an opaque peer identity and
// topic. Its only user is the server engine (internal/decision); the
// client's per-peer msgQueue in peermanager.go does not schedule through
// it.
package peertaskqueue

import (
	"container/heap"
	"sync"
	"time"

	"github.com/ipfs/go-cid"
)

const (
	// defaultCooldown is the initial freeze duration applied to a peer
	// whose downstream send fails (§4.2 "repeated failures grow the
	// cooldown multiplicatively up to a cap").
	defaultCooldown = 100 * time.Millisecond
	maxCooldown     = 30 * time.Second
	cooldownFactor  = 2
)

// Task is one scheduled unit of work for a peer (§3 "Peer-Task-Queue
// Task").
type Task struct {
	Topic    cid.Cid
	Priority int32
	WorkSize int
	Payload  interface{}
}

// PeerTaskQueue is the shared scheduler. All exported methods are safe
// for concurrent use.
type PeerTaskQueue struct {
	mu        sync.Mutex
	partners  map[string]*partner
	pq        partnerHeap
	highWater int
	totalSize int

	work chan struct{}

	// OnEvicted, if set, is called with the topics evictIfOverLimit just
	// dropped for peer. Without this the caller has no way to learn that
	// a pushed task never made it onto the queue, and will keep retrying
	// it for that peer forever.
	OnEvicted func(peer string, topics []cid.Cid)
}

// New constructs a queue. highWaterBytes is the memory high-water mark
// from §4.2's failure mode; 0 disables eviction.
func New(highWaterBytes int) *PeerTaskQueue {
	return &PeerTaskQueue{
		partners:  make(map[string]*partner),
		highWater: highWaterBytes,
		work:      make(chan struct{}, 1),
	}
}

// Work signals whenever a partner may have become eligible for
// PopTasks — a task was pushed, a freeze expired (Thaw), or in-flight
// slots were released (TasksDone) — so a worker blocked between polls
// can wake instead of busy-spinning on an empty queue (matching the
// wake-on-send-channel shape of msgQueue.work in peermanager.go).
func (q *PeerTaskQueue) Work() <-chan struct{} { return q.work }

func (q *PeerTaskQueue) signalWork() {
	select {
	case q.work <- struct{}{}:
	default:
	}
}

func (q *PeerTaskQueue) partnerFor(peer string) *partner {
	p, ok := q.partners[peer]
	if !ok {
		p = newPartner(peer)
		q.partners[peer] = p
		heap.Push(&q.pq, p)
	}
	return p
}

// PushTask inserts or merges t into peer's queue (§4.2 "insert or merge
// with an existing task of same topic": max priority, sum size).
func (q *PeerTaskQueue) PushTask(peer string, t Task) {
	q.mu.Lock()
	defer q.mu.Unlock()

	p := q.partnerFor(peer)
	if existing, ok := p.tasks[t.Topic]; ok {
		if t.Priority > existing.task.Priority {
			existing.task.Priority = t.Priority
		}
		q.totalSize += t.WorkSize
		existing.task.WorkSize += t.WorkSize
		existing.task.Payload = t.Payload
		heap.Fix(&p.taskHeap, existing.index)
	} else {
		pt := &taskEntry{task: t}
		heap.Push(&p.taskHeap, pt)
		p.tasks[t.Topic] = pt
		q.totalSize += t.WorkSize
		p.pending++
	}
	heap.Fix(&q.pq, p.index)

	if victim, dropped := q.evictIfOverLimit(); len(dropped) > 0 && q.OnEvicted != nil {
		q.OnEvicted(victim, dropped)
	}
	q.signalWork()
}

// PopTasks returns tasks for the next non-frozen peer in round-robin
// order summing to at least targetBytes (or until that peer's queue is
// empty), preserving priority order within the peer.
func (q *PeerTaskQueue) PopTasks(targetBytes int) (peer string, tasks []Task) {
	q.mu.Lock()
	defer q.mu.Unlock()

	p := q.nextEligiblePartner()
	if p == nil {
		return "", nil
	}

	var size int
	for p.taskHeap.Len() > 0 && (size < targetBytes || len(tasks) == 0) {
		te := heap.Pop(&p.taskHeap).(*taskEntry)
		delete(p.tasks, te.task.Topic)
		if te.trashed {
			continue
		}
		tasks = append(tasks, te.task)
		size += te.task.WorkSize
		q.totalSize -= te.task.WorkSize
		p.pending--
		p.active++
		if size >= targetBytes {
			break
		}
	}
	heap.Fix(&q.pq, p.index)
	return p.id, tasks
}

// nextEligiblePartner rotates through non-frozen, non-empty partners.
//
// Successive heap.Pop calls yield partners in ascending Less order same
// as a full sort, so popping candidates one at a time to skip frozen
// ones (instead of bumping the frozen head back onto the heap, which
// Less would just sort right back to the top) actually reaches the
// next eligible partner behind it. Every popped candidate, frozen or
// not, is pushed back before returning so the heap's shape and each
// partner's index stay valid for the caller's later heap.Fix.
func (q *PeerTaskQueue) nextEligiblePartner() *partner {
	now := time.Now()
	var popped []*partner
	var found *partner
	for len(q.pq) > 0 {
		cand := heap.Pop(&q.pq).(*partner)
		popped = append(popped, cand)
		if cand.pending == 0 {
			// pending==0 always sorts after pending>0 (partnerHeap.Less),
			// so nothing popped from here on can be eligible either.
			break
		}
		if cand.frozenUntil.After(now) {
			continue
		}
		found = cand
		break
	}
	for _, p := range popped {
		heap.Push(&q.pq, p)
	}
	return found
}

// Remove idempotently removes the task for (peer, topic).
func (q *PeerTaskQueue) Remove(peer string, topic cid.Cid) {
	q.mu.Lock()
	defer q.mu.Unlock()
	p, ok := q.partners[peer]
	if !ok {
		return
	}
	te, ok := p.tasks[topic]
	if !ok {
		return
	}
	te.trashed = true
	delete(p.tasks, topic)
	p.pending--
	q.totalSize -= te.task.WorkSize
	heap.Fix(&q.pq, p.index)
}

// TasksDone acknowledges completion of the given topics for peer,
// releasing the in-flight slots they were occupying and resetting its
// cooldown (a successful send is evidence the peer has recovered).
func (q *PeerTaskQueue) TasksDone(peer string, topics []cid.Cid) {
	q.mu.Lock()
	defer q.mu.Unlock()
	p, ok := q.partners[peer]
	if !ok {
		return
	}
	p.active -= len(topics)
	if p.active < 0 {
		p.active = 0
	}
	p.cooldown = 0
	q.signalWork()
}

// Freeze excludes peer from round-robin scheduling without dropping its
// tasks, applying an exponentially growing cooldown (§4.2).
func (q *PeerTaskQueue) Freeze(peer string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	p := q.partnerFor(peer)
	if p.cooldown == 0 {
		p.cooldown = defaultCooldown
	} else {
		p.cooldown *= cooldownFactor
		if p.cooldown > maxCooldown {
			p.cooldown = maxCooldown
		}
	}
	p.frozenUntil = time.Now().Add(p.cooldown)
}

// Thaw immediately clears any freeze on peer, e.g. once a new connection
// to it is reestablished.
func (q *PeerTaskQueue) Thaw(peer string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	p, ok := q.partners[peer]
	if !ok {
		return
	}
	p.frozenUntil = time.Time{}
	heap.Fix(&q.pq, p.index)
	q.signalWork()
}

// Protect marks peer exempt from the low-water eviction rule (§4.4
// "fairness... a peer under protective status is exempt").
func (q *PeerTaskQueue) Protect(peer string, protect bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	p := q.partnerFor(peer)
	p.protected = protect
}

// evictIfOverLimit drops lowest-priority tasks for the most-backlogged,
// unprotected peer until the queue is back under the high-water mark
// (§4.2 "Failure mode"). Dropped topics are returned so the caller (the
// server engine) can remember not to retry them for this peer without
// forgetting the block for other peers.
func (q *PeerTaskQueue) evictIfOverLimit() (peer string, droppedTopics []cid.Cid) {
	if q.highWater <= 0 || q.totalSize <= q.highWater {
		return "", nil
	}
	var worst *partner
	for _, p := range q.partners {
		if p.protected {
			continue
		}
		if worst == nil || p.pending > worst.pending {
			worst = p
		}
	}
	if worst == nil {
		return "", nil
	}
	for q.totalSize > q.highWater && worst.taskHeap.Len() > 0 {
		lowest := worst.taskHeap.lowestPriorityIndex()
		if lowest < 0 {
			break
		}
		te := worst.taskHeap[lowest]
		heap.Remove(&worst.taskHeap, lowest)
		delete(worst.tasks, te.task.Topic)
		worst.pending--
		q.totalSize -= te.task.WorkSize
		droppedTopics = append(droppedTopics, te.task.Topic)
	}
	heap.Fix(&q.pq, worst.index)
	return worst.id, droppedTopics
}

// Clear drops all queue state for peer, e.g. on final disconnect.
func (q *PeerTaskQueue) Clear(peer string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	p, ok := q.partners[peer]
	if !ok {
		return
	}
	for _, te := range p.taskHeap {
		q.totalSize -= te.task.WorkSize
	}
	delete(q.partners, peer)
	for i, cand := range q.pq {
		if cand == p {
			heap.Remove(&q.pq, i)
			break
		}
	}
}

// PeerCount reports how many peers currently have queue state, mostly
// useful for tests and metrics.
func (q *PeerTaskQueue) PeerCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.partners)
}

// NextWake reports how long a caller that just got nothing from
// PopTasks should wait before polling again, for the case Work alone
// can't signal: a frozen partner's cooldown elapsing is a pure time
// event, not something any Push/Thaw/TasksDone call observes. Returns
// 0 when there is nothing frozen-but-pending to wait on, meaning the
// caller should block on Work indefinitely instead.
func (q *PeerTaskQueue) NextWake() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := time.Now()
	var soonest time.Duration
	have := false
	for _, p := range q.partners {
		if p.pending == 0 || !p.frozenUntil.After(now) {
			continue
		}
		d := p.frozenUntil.Sub(now)
		if !have || d < soonest {
			soonest = d
			have = true
		}
	}
	return soonest
}
