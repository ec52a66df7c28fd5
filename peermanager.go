package bitswap

import (
	"context"
	"errors"
	"sync"
	"time"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/ipfs/go-bitswap-core/internal/message"
	"github.com/ipfs/go-bitswap-core/internal/network"
	"github.com/ipfs/go-bitswap-core/internal/wantlist"
	"github.com/ipfs/go-bitswap-core/session"
)

// reopenBackoff is how long a msgQueue waits before retrying a failed
// sender, matching rdbox-go-ipfs wantmanager's `doWork` 100ms pause
// ("wait in case disconnect notifications are still propagating").
const reopenBackoff = 100 * time.Millisecond

// peerManager owns one outbound msgQueue per peer (teacher's
// peermanager.go/PeerManager), generalized with a reopen-on-failure
// MessageSender (rdbox-go-ipfs wantmanager's msgQueue.doWork) and a
// shared per-CID interest index so concurrent sessions wanting the same
// block share delivery fan-out (§4.3 "Deduplication").
type peerManager struct {
	net                    network.BitSwapNetwork
	behav                  *behaviour
	onSendFailed           func(peer.ID)
	onProtocolNotSupported func(peer.ID)

	mu        sync.Mutex
	peers     map[peer.ID]*msgQueue
	connected map[peer.ID]struct{}

	interestMu sync.Mutex
	interest   map[cid.Cid]map[*session.Session]struct{}
}

func newPeerManager(net network.BitSwapNetwork, onSendFailed, onProtocolNotSupported func(peer.ID)) *peerManager {
	return &peerManager{
		net:                    net,
		onSendFailed:           onSendFailed,
		onProtocolNotSupported: onProtocolNotSupported,
		peers:                  make(map[peer.ID]*msgQueue),
		connected:              make(map[peer.ID]struct{}),
		interest:               make(map[cid.Cid]map[*session.Session]struct{}),
	}
}

// Connected records p as reachable at the network layer, independent of
// whether this peer manager has yet opened an outbound msgQueue to it
// (one may never be needed if we only ever receive from p).
func (pm *peerManager) Connected(p peer.ID) {
	pm.mu.Lock()
	pm.connected[p] = struct{}{}
	pm.mu.Unlock()
}

type msgQueue struct {
	p   peer.ID
	net network.BitSwapNetwork
	pm  *peerManager

	mu  sync.Mutex
	wl  *wantlist.Wantlist
	out message.BitSwapMessage

	sender network.MessageSender

	work chan struct{}
	done chan struct{}
}

func (pm *peerManager) queueFor(p peer.ID) *msgQueue {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	mq, ok := pm.peers[p]
	if ok {
		return mq
	}
	mq = &msgQueue{
		p:    p,
		net:  pm.net,
		pm:   pm,
		wl:   wantlist.New(),
		work: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	pm.peers[p] = mq
	go mq.run(context.Background())
	return mq
}

// existingQueue returns the msgQueue for p if one is already open,
// without creating one, so the receive path can inspect what we
// actually asked p for without triggering an outbound connection.
func (pm *peerManager) existingQueue(p peer.ID) *msgQueue {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.peers[p]
}

func (pm *peerManager) Disconnected(p peer.ID) {
	pm.mu.Lock()
	mq, ok := pm.peers[p]
	delete(pm.peers, p)
	delete(pm.connected, p)
	pm.mu.Unlock()
	if ok {
		close(mq.done)
	}
}

// --- session.Backend ---

func (pm *peerManager) SendWantHave(ctx context.Context, p peer.ID, c cid.Cid, priority int32, sendDontHave bool) {
	pm.queueFor(p).want(c, priority, wantlist.WantHave, sendDontHave)
}

func (pm *peerManager) SendWantBlock(ctx context.Context, p peer.ID, c cid.Cid, priority int32, sendDontHave bool) {
	pm.queueFor(p).want(c, priority, wantlist.WantBlock, sendDontHave)
}

func (pm *peerManager) SendCancel(ctx context.Context, p peer.ID, c cid.Cid) {
	pm.mu.Lock()
	mq, ok := pm.peers[p]
	pm.mu.Unlock()
	if ok {
		mq.cancel(c)
	}
}

func (pm *peerManager) ConnectedPeers() []peer.ID {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	out := make([]peer.ID, 0, len(pm.connected))
	for p := range pm.connected {
		out = append(out, p)
	}
	return out
}

func (pm *peerManager) FindProvidersAsync(ctx context.Context, c cid.Cid, max int) <-chan peer.ID {
	return pm.net.FindProvidersAsync(ctx, c, max)
}

func (pm *peerManager) RegisterInterest(s *session.Session, c cid.Cid) {
	pm.interestMu.Lock()
	defer pm.interestMu.Unlock()
	set, ok := pm.interest[c]
	if !ok {
		set = make(map[*session.Session]struct{})
		pm.interest[c] = set
	}
	set[s] = struct{}{}
}

func (pm *peerManager) UnregisterInterest(s *session.Session, c cid.Cid) {
	pm.interestMu.Lock()
	defer pm.interestMu.Unlock()
	set, ok := pm.interest[c]
	if !ok {
		return
	}
	delete(set, s)
	if len(set) == 0 {
		delete(pm.interest, c)
	}
}

func (pm *peerManager) interestedSessions(c cid.Cid) []*session.Session {
	pm.interestMu.Lock()
	defer pm.interestMu.Unlock()
	set, ok := pm.interest[c]
	if !ok {
		return nil
	}
	out := make([]*session.Session, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	return out
}

// dispatchBlock fans a received block out to every session currently
// waiting on it.
func (pm *peerManager) dispatchBlock(p peer.ID, b blocks.Block) {
	for _, s := range pm.interestedSessions(b.Cid()) {
		s.HandleBlock(p, b)
	}
}

// dispatchPresence fans a Have/DontHave reply out to every session
// currently waiting on it.
func (pm *peerManager) dispatchPresence(p peer.ID, c cid.Cid, have bool) {
	for _, s := range pm.interestedSessions(c) {
		s.HandlePresence(p, c, have)
	}
}

// dispatchMismatch tells every session waiting on c that p delivered
// something other than what it was actually asked for, so each can drop
// p as a candidate (and fail outright if it was their last one).
func (pm *peerManager) dispatchMismatch(p peer.ID, c cid.Cid) {
	for _, s := range pm.interestedSessions(c) {
		s.HandleHashMismatch(p, c)
	}
}

// --- per-peer message queue ---

// want enqueues a wantlist entry, relying on the refcounted Wantlist to
// dedup repeated wants for the same CID from different sessions: only
// the call that actually changes this peer's observable wantlist
// triggers wire traffic (§4.3 "Deduplication").
func (mq *msgQueue) want(c cid.Cid, priority int32, wt wantlist.WantType, sendDontHave bool) {
	if !mq.wl.Add(c, priority, wt) {
		return
	}
	mq.mu.Lock()
	if mq.out == nil {
		mq.out = message.New(false)
	}
	mq.out.AddEntry(c, priority, wt, sendDontHave)
	mq.mu.Unlock()
	mq.signalWork()
}

func (mq *msgQueue) cancel(c cid.Cid) {
	if !mq.wl.Remove(c) {
		return
	}
	mq.mu.Lock()
	if mq.out == nil {
		mq.out = message.New(false)
	}
	mq.out.Cancel(c)
	mq.mu.Unlock()
	mq.signalWork()
}

// enqueueEnvelope enqueues server-engine envelope blocks/presences for
// delivery, sharing this peer's outbound queue with client wantlist
// traffic exactly as the teacher's PeerManager.Send does.
func (mq *msgQueue) enqueueEnvelope(m message.BitSwapMessage) {
	mq.mu.Lock()
	if mq.out == nil {
		mq.out = m
	} else {
		for _, b := range m.Blocks() {
			mq.out.AddBlock(b)
		}
		for _, bp := range m.BlockPresences() {
			mq.out.AddBlockPresence(bp.Cid, bp.Type)
		}
	}
	mq.mu.Unlock()
	mq.signalWork()
}

func (mq *msgQueue) signalWork() {
	select {
	case mq.work <- struct{}{}:
	default:
	}
}

func (mq *msgQueue) run(ctx context.Context) {
	defer func() {
		if mq.sender != nil {
			mq.sender.Close()
		}
	}()
	for {
		select {
		case <-mq.work:
			mq.doWork(ctx)
		case <-mq.done:
			return
		}
	}
}

func (mq *msgQueue) doWork(ctx context.Context) {
	mq.mu.Lock()
	out := mq.out
	mq.out = nil
	mq.mu.Unlock()
	if out == nil || out.Empty() {
		return
	}

	if mq.sender == nil {
		if err := mq.openSender(ctx); err != nil {
			log.Debugf("bitswap: cannot open sender to %s: %s", mq.p, err)
			mq.fail(err)
			return
		}
	}

	if err := mq.sender.SendMsg(ctx, out); err == nil {
		return
	}

	mq.sender.Close()
	mq.sender = nil

	select {
	case <-mq.done:
		return
	case <-time.After(reopenBackoff):
	}

	if err := mq.openSender(ctx); err != nil {
		log.Debugf("bitswap: could not reopen sender to %s: %s", mq.p, err)
		mq.fail(err)
		return
	}
	if err := mq.sender.SendMsg(ctx, out); err != nil {
		log.Debugf("bitswap: send to %s failed after reopen: %s", mq.p, err)
		mq.fail(err)
	}
}

// openSender routes the outbound connection attempt through
// behaviour.Dial's pending-dial sink (§4.5 "Dial") instead of calling
// net.ConnectTo directly: this is the one production call site that
// performs the actual swarm dial a Dial registered a sink for, and
// resolves that sink via ConnectionEstablished/DialFailure exactly as
// any other dial initiator would.
func (mq *msgQueue) openSender(ctx context.Context) error {
	_, needsDial, waitResult := mq.pm.behav.Dial(mq.p)
	if needsDial {
		conctx, cancel := context.WithTimeout(ctx, 10*time.Minute)
		err := mq.net.ConnectTo(conctx, mq.p)
		cancel()
		if err != nil {
			mq.pm.behav.DialFailure(mq.p, err)
		} else {
			mq.pm.behav.ConnectionEstablished(mq.p)
		}
	}
	if waitResult != nil {
		select {
		case err := <-waitResult:
			if err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	sender, err := mq.net.NewMessageSender(ctx, mq.p)
	if err != nil {
		return err
	}
	mq.sender = sender
	return nil
}

// fail reports a send failure upstream. A protocol negotiation mismatch
// is permanent (§4.5 "ProtocolNotSupported") and demotes the peer's
// connection straight to Unresponsive; anything else is treated as
// transient (§9 "FailedToSendMessage" → peer-task-queue freezing)
// without failing the session. The message that failed is not kept:
// after doWork's single reopen attempt it is dropped, and it is not
// re-sent on a later connection.
func (mq *msgQueue) fail(err error) {
	if errors.Is(err, network.ErrProtocolNotSupported) {
		if mq.pm.onProtocolNotSupported != nil {
			mq.pm.onProtocolNotSupported(mq.p)
		}
		return
	}
	if mq.pm.onSendFailed != nil {
		mq.pm.onSendFailed(mq.p)
	}
}
