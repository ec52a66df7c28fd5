package decision

import (
	"context"
	"sync"
	"time"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/ipfs/go-bitswap-core/internal/blockstore"
	"github.com/ipfs/go-bitswap-core/internal/message"
	"github.com/ipfs/go-bitswap-core/internal/metrics"
	"github.com/ipfs/go-bitswap-core/internal/peertaskqueue"
	"github.com/ipfs/go-bitswap-core/internal/wantlist"
)

var log = logging.Logger("bitswap/decision")

// cidLengthEstimate approximates the wire cost of a bare presence reply
// (§4.4 "size ≈ CID length").
const cidLengthEstimate = 40

// Envelope is one outgoing message scheduled for delivery to a peer
// (GLOSSARY "Envelope").
type Envelope struct {
	Peer    peer.ID
	Message message.BitSwapMessage
	// Sent must be called once the message has been handed off for
	// delivery (queued on the peer's outbound msgQueue), releasing the
	// peer-task-queue slot it held.
	Sent func()
}

// Engine is the server-side decision loop and envelope scheduler (§4.4).
type Engine struct {
	mu      sync.Mutex
	ledgers map[peer.ID]*Ledger

	tasks *peertaskqueue.PeerTaskQueue
	store blockstore.Blockstore

	outbox chan *Envelope

	targetMessageSize int
	taskWorkerCount   int
	metrics           *metrics.Set

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Config bundles the server.* configuration keys from §6.
type Config struct {
	TargetMessageSize       int
	MaxOutstandingBytesPeer int
	TaskWorkerCount         int
}

func DefaultConfig() Config {
	return Config{
		TargetMessageSize:       1 << 18, // 256 KiB
		MaxOutstandingBytesPeer: 1 << 22, // 4 MiB
		TaskWorkerCount:         8,
	}
}

func NewEngine(ctx context.Context, store blockstore.Blockstore, cfg Config, m *metrics.Set) *Engine {
	ctx, cancel := context.WithCancel(ctx)
	e := &Engine{
		ledgers:           make(map[peer.ID]*Ledger),
		tasks:             peertaskqueue.New(cfg.MaxOutstandingBytesPeer),
		store:             store,
		outbox:            make(chan *Envelope, 32),
		targetMessageSize: cfg.TargetMessageSize,
		taskWorkerCount:   cfg.TaskWorkerCount,
		metrics:           m,
		ctx:               ctx,
		cancel:            cancel,
	}
	e.tasks.OnEvicted = e.handleEvicted
	for i := 0; i < cfg.TaskWorkerCount; i++ {
		e.wg.Add(1)
		go e.taskWorker()
	}
	return e
}

// handleEvicted forgets the ledger's record of wanting the given topics
// from p, so a later NotifyNewBlocks for the same CIDs doesn't just
// re-push the task onto an already-over-limit queue and evict it again
// (§4.2 "Failure mode").
func (e *Engine) handleEvicted(p string, topics []cid.Cid) {
	e.mu.Lock()
	l, ok := e.ledgers[peer.ID(p)]
	e.mu.Unlock()
	if !ok {
		return
	}
	for _, c := range topics {
		l.removeWant(c)
	}
}

func (e *Engine) Close() error {
	e.cancel()
	e.wg.Wait()
	return nil
}

func (e *Engine) Outbox() <-chan *Envelope { return e.outbox }

func (e *Engine) ledgerFor(p peer.ID) *Ledger {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.ledgers[p]
	if !ok {
		l = newLedger(p)
		e.ledgers[p] = l
	}
	return l
}

// WantlistForPeer exposes what a given peer currently wants from us.
func (e *Engine) WantlistForPeer(p peer.ID) []wantlist.Entry {
	return e.ledgerFor(p).wantlistSnapshot()
}

// MessageReceived implements the per-peer decision loop of §4.4: for
// each incoming wantlist entry, update the ledger and push the
// corresponding task onto the peer-task queue.
func (e *Engine) MessageReceived(ctx context.Context, p peer.ID, m message.BitSwapMessage) {
	l := e.ledgerFor(p)

	for _, entry := range m.Wantlist() {
		if entry.Cancel {
			l.removeWant(entry.Cid)
			e.tasks.Remove(string(p), entry.Cid)
			continue
		}

		we := wantlist.Entry{
			Cid:          entry.Cid,
			Priority:     entry.Priority,
			WantType:     entry.WantType,
			SendDontHave: entry.SendDontHave,
		}
		l.updateWant(we)
		e.scheduleResponse(p, we)
	}

	var recvBytes uint64
	for _, b := range m.Blocks() {
		recvBytes += uint64(len(b.RawData()))
	}
	if recvBytes > 0 {
		l.accountReceived(recvBytes)
	}
}

// scheduleResponse consults the store and enqueues the appropriate task
// (§4.4 steps 2-4). The store is consulted again lazily at send time in
// buildEnvelope, since availability may change between enqueue and send.
func (e *Engine) scheduleResponse(p peer.ID, entry wantlist.Entry) {
	has, err := e.store.Has(e.ctx, entry.Cid)
	if err != nil {
		has = false
	}

	switch entry.WantType {
	case wantlist.WantHave:
		if has {
			e.tasks.PushTask(string(p), peertaskqueue.Task{
				Topic: entry.Cid, Priority: entry.Priority,
				WorkSize: cidLengthEstimate, Payload: entry,
			})
		} else if entry.SendDontHave {
			e.tasks.PushTask(string(p), peertaskqueue.Task{
				Topic: entry.Cid, Priority: entry.Priority,
				WorkSize: cidLengthEstimate, Payload: entry,
			})
		}
	case wantlist.WantBlock:
		size := cidLengthEstimate
		if has {
			if n, err := e.store.GetSize(e.ctx, entry.Cid); err == nil {
				size = n
			}
		}
		if has || entry.SendDontHave {
			e.tasks.PushTask(string(p), peertaskqueue.Task{
				Topic: entry.Cid, Priority: entry.Priority,
				WorkSize: size, Payload: entry,
			})
		}
	}
}

// MessageSent records accounting for a message we just handed to the
// network layer (teacher's `bs.send` -> `engine.MessageSent`).
func (e *Engine) MessageSent(p peer.ID, m message.BitSwapMessage) error {
	l := e.ledgerFor(p)
	var n uint64
	for _, b := range m.Blocks() {
		n += uint64(len(b.RawData()))
	}
	l.accountSent(n)
	if e.metrics != nil && n > 0 {
		e.metrics.SentBytes.Observe(float64(n))
	}
	return nil
}

// PeerConnected reestablishes scheduling eligibility for a reconnected
// peer (§4.2 thaw).
func (e *Engine) PeerConnected(p peer.ID) {
	e.tasks.Thaw(string(p))
}

// PeerDisconnected drops the peer's queue state; the ledger itself is
// kept so a quick reconnect doesn't lose want-list history, matching
// the teacher's engine.PeerDisconnected call site in bitswap.go (no
// ledger eviction was ever implemented there either).
func (e *Engine) PeerDisconnected(p peer.ID) {
	e.tasks.Clear(string(p))
}

// SendFailed is the hook spec.md's Open Question (§9, "FailedToSendMessage")
// asks to wire into peer-task-queue freezing.
func (e *Engine) SendFailed(p peer.ID) {
	e.tasks.Freeze(string(p))
}

// ProtectPeer/UnprotectPeer implement the §4.4 fairness exemption.
func (e *Engine) ProtectPeer(p peer.ID)   { e.tasks.Protect(string(p), true) }
func (e *Engine) UnprotectPeer(p peer.ID) { e.tasks.Protect(string(p), false) }

// NotifyNewBlocks implements the provide path of §4.4: for each peer
// whose ledger shows an outstanding want for one of the new CIDs,
// enqueue the corresponding response.
func (e *Engine) NotifyNewBlocks(blks []blocks.Block) {
	e.mu.Lock()
	ledgers := make([]*Ledger, 0, len(e.ledgers))
	for _, l := range e.ledgers {
		ledgers = append(ledgers, l)
	}
	e.mu.Unlock()

	for _, b := range blks {
		for _, l := range ledgers {
			if we, ok := l.wantsBlock(b.Cid()); ok {
				e.scheduleResponse(l.Partner, we)
			}
		}
	}
}

// HashMismatch records a strike against p and reports whether the peer
// should now be demoted to Unresponsive (§7).
func (e *Engine) HashMismatch(p peer.ID, maxStrikes int) (unresponsive bool) {
	n := e.ledgerFor(p).strike()
	return n >= maxStrikes
}

// waitForWork blocks until PopTasks might succeed again: either a
// Push/Thaw/TasksDone signals it directly, a frozen peer's cooldown
// elapses (NextWake bounds the wait so that isn't missed), or the
// engine is closing. Returns false once ctx is done.
func (e *Engine) waitForWork() bool {
	wait := e.tasks.NextWake()
	if wait <= 0 {
		select {
		case <-e.tasks.Work():
		case <-e.ctx.Done():
			return false
		}
		return true
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-e.tasks.Work():
	case <-timer.C:
	case <-e.ctx.Done():
		return false
	}
	return true
}

// taskWorker dequeues tasks and builds outgoing envelopes, one peer's
// batch at a time, respecting targetMessageSize (§4.4 "Envelope
// builder").
func (e *Engine) taskWorker() {
	defer e.wg.Done()
	for {
		peerID, tasks := e.tasks.PopTasks(e.targetMessageSize)
		if peerID == "" {
			if !e.waitForWork() {
				return
			}
			continue
		}

		env := e.buildEnvelope(peer.ID(peerID), tasks)
		if env == nil {
			continue
		}
		select {
		case e.outbox <- env:
		case <-e.ctx.Done():
			return
		}
	}
}

// buildEnvelope loads block data lazily at send time, converting a task
// whose block vanished in the race window to DontHave (if the requester
// asked to be told) or dropping it (§4.4).
func (e *Engine) buildEnvelope(p peer.ID, tasks []peertaskqueue.Task) *Envelope {
	if len(tasks) == 0 {
		return nil
	}
	msg := message.New(false)
	var topics []cid.Cid

	for _, t := range tasks {
		entry, ok := t.Payload.(wantlist.Entry)
		if !ok {
			continue
		}
		topics = append(topics, t.Topic)

		switch entry.WantType {
		case wantlist.WantHave:
			has, err := e.store.Has(e.ctx, entry.Cid)
			switch {
			case err == nil && has:
				msg.AddBlockPresence(entry.Cid, message.Have)
			case entry.SendDontHave:
				msg.AddBlockPresence(entry.Cid, message.DontHave)
			}
		case wantlist.WantBlock:
			blk, err := e.store.Get(e.ctx, entry.Cid)
			switch {
			case err == nil:
				msg.AddBlock(blk)
			case entry.SendDontHave:
				msg.AddBlockPresence(entry.Cid, message.DontHave)
			}
		}
	}

	if msg.Empty() {
		e.tasks.TasksDone(string(p), topics)
		return nil
	}

	return &Envelope{
		Peer:    p,
		Message: msg,
		Sent: func() {
			e.tasks.TasksDone(string(p), topics)
		},
	}
}
