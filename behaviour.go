package bitswap

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/ipfs/go-bitswap-core/internal/message"
)

// connState mirrors spec.md §4.5's ConnectionState tagged variant: a
// pure enum, no subclassing, no dynamic dispatch.
type connState int

const (
	statePending connState = iota
	stateResponsive
	stateUnresponsive
)

// dialSink is a single-shot reply channel keyed by (peer, dial_id), per
// spec.md §9 "Dial-response sinks": never held across a suspension
// point, cloned out of the map and fulfilled after releasing it.
type dialSink struct {
	// id correlates this dial attempt across log lines spanning the
	// Dial call and its eventual DialFailure/ConnectionEstablished
	// resolution, which may be logged from different goroutines.
	id     string
	result chan error
}

// behaviour is the integration surface with the swarm (§4.5): it owns
// connected_peers, connection_state, and pending_dials, and runs the
// inbound worker pipeline. Because the BitSwapNetwork capability this
// core consumes (§6) reports connectivity at peer granularity rather
// than exposing raw swarm connection objects, this implementation mints
// one connID per peer's current connection instead of tracking several
// concurrent raw connections per peer -- every invariant in spec.md §8
// about the connection-state maps still holds in this degenerate
// single-connection-per-peer case.
type behaviour struct {
	mu              sync.Mutex
	connectedPeers  map[peer.ID]uint64 // peer -> its current connID
	connectionState map[uint64]connState
	connectionProto map[uint64]message.Version
	pendingDials    map[peer.ID][]dialSink

	nextConnID uint64

	// pauseDialing resolves spec.md §9's DIAL_BACK_OFF/_pause_dialing
	// open question: while set, outbound Dial actions are refused
	// immediately with ErrDialingPaused instead of reaching the swarm.
	// TODO: wire the trigger to the libp2p connection manager's
	// high-water callback once this core is given a handle to one. It is
	// only set/cleared through SetDialingPaused, which is not exposed on
	// the Bitswap facade; only tests call it.
	pauseDialing atomic.Bool

	defaultVersion message.Version

	// Inbound worker pipeline (§4.5 "three bounded channels fan out to
	// three single-task consumers"), capacity 2048 per spec.md §5.
	messages      chan inboundMessage
	connects      chan peer.ID
	disconnects   chan peer.ID
	workersWG     sync.WaitGroup
	stopped       chan struct{}

	onMessage      func(p peer.ID, m message.BitSwapMessage)
	onPeerConnected func(p peer.ID)
	onPeerDisconnected func(p peer.ID)
}

type inboundMessage struct {
	from peer.ID
	msg  message.BitSwapMessage
}

const inboundChanCapacity = 2048

func newBehaviour(defaultVersion message.Version) *behaviour {
	return &behaviour{
		connectedPeers:  make(map[peer.ID]uint64),
		connectionState: make(map[uint64]connState),
		connectionProto: make(map[uint64]message.Version),
		pendingDials:    make(map[peer.ID][]dialSink),
		defaultVersion:  defaultVersion,
		messages:        make(chan inboundMessage, inboundChanCapacity),
		connects:        make(chan peer.ID, inboundChanCapacity),
		disconnects:     make(chan peer.ID, inboundChanCapacity),
		stopped:         make(chan struct{}),
	}
}

// SetDialingPaused flips the dial-throttle gate described in spec.md §9.
func (b *behaviour) SetDialingPaused(paused bool) {
	b.pauseDialing.Store(paused)
}

// start spawns the three single-task consumers for the inbound
// pipeline. Each hands its events, one at a time, to the callback set on
// the behaviour (onMessage, onPeerConnected, onPeerDisconnected). The
// message worker does not verify block hashes itself and does not split
// routing between client and server: onMessage (Bitswap.dispatchMessage)
// runs the server update and then the client path in sequence.
func (b *behaviour) start() {
	b.workersWG.Add(3)
	go b.messageWorker()
	go b.connectWorker()
	go b.disconnectWorker()
}

func (b *behaviour) stop() {
	close(b.stopped)
	b.workersWG.Wait()
}

func (b *behaviour) messageWorker() {
	defer b.workersWG.Done()
	for {
		select {
		case im := <-b.messages:
			if b.onMessage != nil {
				b.onMessage(im.from, im.msg)
			}
		case <-b.stopped:
			return
		}
	}
}

func (b *behaviour) connectWorker() {
	defer b.workersWG.Done()
	for {
		select {
		case p := <-b.connects:
			if b.onPeerConnected != nil {
				b.onPeerConnected(p)
			}
		case <-b.stopped:
			return
		}
	}
}

func (b *behaviour) disconnectWorker() {
	defer b.workersWG.Done()
	for {
		select {
		case p := <-b.disconnects:
			if b.onPeerDisconnected != nil {
				b.onPeerDisconnected(p)
			}
		case <-b.stopped:
			return
		}
	}
}

// EnqueueMessage implements the per-peer-FIFO inbound contract of §5:
// overflow drops with a logged warning rather than blocking the swarm
// loop (the explicit backpressure point named in §4.5).
func (b *behaviour) EnqueueMessage(p peer.ID, m message.BitSwapMessage) {
	select {
	case b.messages <- inboundMessage{from: p, msg: m}:
	default:
		log.Warnf("bitswap: inbound message queue full, dropping message from %s", p)
	}
}

// ConnectionEstablished implements the swarm-event row of the same name
// in §4.5: insert conn into the peer's connection set, defaulting its
// state to Pending.
func (b *behaviour) ConnectionEstablished(p peer.ID) {
	b.mu.Lock()
	if _, ok := b.connectedPeers[p]; ok {
		b.mu.Unlock()
		return
	}
	b.nextConnID++
	conn := b.nextConnID
	b.connectedPeers[p] = conn
	b.connectionState[conn] = statePending
	b.mu.Unlock()

	// This network abstraction (§6) only reports a peer as reachable
	// once its stream has already completed protocol negotiation, so
	// there is no separately observable "Connected{protocol}" moment
	// distinct from ConnectionEstablished; promote immediately.
	b.connectionResponsive(p, conn, b.defaultVersion)
}

func (b *behaviour) connectionResponsive(p peer.ID, conn uint64, version message.Version) {
	b.mu.Lock()
	b.connectionState[conn] = stateResponsive
	b.connectionProto[conn] = version
	sinks := b.pendingDials[p]
	delete(b.pendingDials, p)
	b.mu.Unlock()

	for _, s := range sinks {
		log.Debugf("bitswap: dial %s to %s resolved", s.id, p)
		s.result <- nil
	}

	select {
	case b.connects <- p:
	default:
		log.Warnf("bitswap: inbound connect queue full, dropping peer_connected for %s", p)
	}
}

// ConnectionClosed implements §4.5's swarm-event row: remove conn,
// dropping its state, and if the peer's connection set empties, emit a
// peer_disconnected event to the worker pipeline.
func (b *behaviour) ConnectionClosed(p peer.ID) {
	b.mu.Lock()
	conn, ok := b.connectedPeers[p]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(b.connectedPeers, p)
	delete(b.connectionState, conn)
	delete(b.connectionProto, conn)
	b.mu.Unlock()

	select {
	case b.disconnects <- p:
	default:
		log.Warnf("bitswap: inbound disconnect queue full, dropping peer_disconnected for %s", p)
	}
}

// DialFailure implements §4.5's swarm-event row: resolve every pending
// dial sink for the peer with the error.
func (b *behaviour) DialFailure(p peer.ID, err error) {
	b.mu.Lock()
	sinks := b.pendingDials[p]
	delete(b.pendingDials, p)
	b.mu.Unlock()

	for _, s := range sinks {
		log.Debugf("bitswap: dial %s to %s failed: %s", s.id, p, err)
		s.result <- err
	}
}

// Dial implements the outbound-dispatch "Dial" action of §4.5: if the
// peer has no connection, register a sink and report that the caller
// must perform the actual swarm dial and resolve it via
// ConnectionEstablished/DialFailure; if dialing is currently paused
// (§9), the sink resolves immediately with ErrDialingPaused and the
// caller must not dial at all.
func (b *behaviour) Dial(p peer.ID) (alreadyConnected, needsDial bool, waitResult <-chan error) {
	b.mu.Lock()
	if _, ok := b.connectedPeers[p]; ok {
		b.mu.Unlock()
		return true, false, nil
	}
	if b.pauseDialing.Load() {
		b.mu.Unlock()
		ch := make(chan error, 1)
		ch <- ErrDialingPaused
		return false, false, ch
	}
	id := uuid.NewString()
	ch := make(chan error, 1)
	b.pendingDials[p] = append(b.pendingDials[p], dialSink{id: id, result: ch})
	b.mu.Unlock()
	log.Debugf("bitswap: dialing %s (dial %s)", p, id)
	return false, true, ch
}

// Responsive reports whether p currently has a Responsive connection.
func (b *behaviour) Responsive(p peer.ID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	conn, ok := b.connectedPeers[p]
	if !ok {
		return false
	}
	return b.connectionState[conn] == stateResponsive
}

// SetUnresponsive demotes p's current connection, if any, to
// Unresponsive (§7): a peer that has exceeded its strike threshold or
// failed protocol negotiation stays in connected_peers (its connection
// is still open) but is no longer a candidate the strategy/scheduler
// should treat as Responsive.
func (b *behaviour) SetUnresponsive(p peer.ID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	conn, ok := b.connectedPeers[p]
	if !ok {
		return
	}
	b.connectionState[conn] = stateUnresponsive
}

// ProtocolNotSupported implements §4.5's swarm-event row of the same
// name: negotiation with p never agreed on a recognized bitswap version,
// so its connection (if one exists) is marked Unresponsive immediately
// rather than left to accumulate HashMismatch strikes it can never
// actually trigger.
func (b *behaviour) ProtocolNotSupported(p peer.ID) {
	log.Warnf("bitswap: %s does not support any recognized bitswap protocol version", p)
	b.SetUnresponsive(p)
}
