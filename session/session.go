// Package session implements the client-side session engine (§4.3): a
// tracking scope for a group of related gets, with discovery fan-out,
// first-Have-wins promotion, and cancellation-on-drop.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/peer"
	"golang.org/x/sync/errgroup"

	"github.com/ipfs/go-bitswap-core/internal/metrics"
)

var log = logging.Logger("bitswap/session")

// Per-request failure sentinels (§7 "Per-request" error kind). The root
// bitswap package re-exports these by value so errors.Is works across
// the package boundary without this package importing back up to it.
var (
	ErrNoProviders      = errors.New("bitswap: no providers found for requested block")
	ErrTimeout          = errors.New("bitswap: request timed out")
	ErrSessionCancelled = errors.New("bitswap: session cancelled")
	ErrHashMismatch     = errors.New("bitswap: received block does not match its declared cid")
)

// Result is what a GetBlocks subscriber receives: exactly one of Block
// or Err is set.
type Result struct {
	Block blocks.Block
	Err   error
}

// deliver sends res to sub without blocking the caller; a full buffer
// (should not happen in practice, since each want resolves at most
// once per subscriber slot) falls back to a delivering goroutine
// rather than dropping the result, matching the teacher's own
// don't-block-the-caller delivery style.
func deliver(sub chan Result, res Result) {
	select {
	case sub <- res:
	default:
		go func(ch chan Result) { ch <- res }(sub)
	}
}

// Backend is everything a Session needs from the rest of the node:
// peer-directed sends, connected-peer enumeration, provider discovery,
// and the shared per-CID interest index (so two sessions wanting the
// same CID are visible to each other without this package knowing
// anything about how the other session is implemented).
type Backend interface {
	SendWantHave(ctx context.Context, p peer.ID, c cid.Cid, priority int32, sendDontHave bool)
	SendWantBlock(ctx context.Context, p peer.ID, c cid.Cid, priority int32, sendDontHave bool)
	SendCancel(ctx context.Context, p peer.ID, c cid.Cid)
	ConnectedPeers() []peer.ID
	FindProvidersAsync(ctx context.Context, c cid.Cid, max int) <-chan peer.ID

	RegisterInterest(s *Session, c cid.Cid)
	UnregisterInterest(s *Session, c cid.Cid)
}

// Config bundles the client.* configuration keys from §6 that govern
// this session's algorithms.
type Config struct {
	MaxParallelBlockRequests int
	BroadcastDelay           time.Duration
	ProviderSearchLimit      int
	ProviderSearchTimeout    time.Duration
	SessionTimeout           time.Duration
}

// want tracks the per-CID bookkeeping §3's "Session" data model names:
// which peers have declared Have, which have been sent a want-block,
// and every caller still waiting on delivery.
type want struct {
	priority     int32
	sendDontHave bool
	startedAt    time.Time

	haveFrom       map[peer.ID]struct{}
	requestedBlock map[peer.ID]struct{}
	subscribers    []chan Result

	timer    *time.Timer
	resolved bool
}

// Session is a client-side scope grouping related block requests for
// discovery locality and cancellation (GLOSSARY "Session").
type Session struct {
	id      uint64
	ctx     context.Context
	cancel  context.CancelFunc
	backend Backend
	cfg     Config
	metrics *metrics.Set

	mu     sync.Mutex
	wanted map[cid.Cid]*want
	closed bool
}

// New constructs a Session bound to backend's network. Callers should
// call Shutdown when the session's result handles have all been
// dropped, per spec.md §5 cancellation semantics.
func New(ctx context.Context, id uint64, backend Backend, cfg Config, m *metrics.Set) *Session {
	sctx, cancel := context.WithCancel(ctx)
	return &Session{
		id:      id,
		ctx:     sctx,
		cancel:  cancel,
		backend: backend,
		cfg:     cfg,
		metrics: m,
		wanted:  make(map[cid.Cid]*want),
	}
}

func (s *Session) ID() uint64 { return s.id }

// GetBlock retrieves a single block, convenience-wrapping GetBlocks.
func (s *Session) GetBlock(ctx context.Context, c cid.Cid) (blocks.Block, error) {
	out, err := s.GetBlocks(ctx, []cid.Cid{c})
	if err != nil {
		return nil, err
	}
	select {
	case res, ok := <-out:
		if !ok {
			return nil, ErrSessionCancelled
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Block, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// GetBlocks returns a channel that yields one Result per requested CID
// (not necessarily in input order); it closes once ctx is done or the
// session is shut down. A Result's Err distinguishes NoProviders,
// Timeout, HashMismatch, and SessionCancelled (§7 "Per-request").
func (s *Session) GetBlocks(ctx context.Context, ids []cid.Cid) (<-chan Result, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionCancelled
	}

	out := make(chan Result, len(ids))
	var toDiscover []cid.Cid
	for i, c := range ids {
		w, ok := s.wanted[c]
		if !ok {
			w = &want{
				priority:       int32(len(ids) - i),
				sendDontHave:   true,
				startedAt:      time.Now(),
				haveFrom:       make(map[peer.ID]struct{}),
				requestedBlock: make(map[peer.ID]struct{}),
			}
			s.wanted[c] = w
			toDiscover = append(toDiscover, c)
			s.backend.RegisterInterest(s, c)
		}
		w.subscribers = append(w.subscribers, out)
	}
	s.mu.Unlock()

	for _, c := range toDiscover {
		s.startDiscovery(c)
	}

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		for _, c := range ids {
			if w, ok := s.wanted[c]; ok {
				w.subscribers = removeChan(w.subscribers, out)
			}
		}
		s.mu.Unlock()
		close(out)
	}()

	return out, nil
}

// startDiscovery implements the §4.3 "Discovery" algorithm: broadcast
// Have probes to currently-connected peers, fan out to a bounded number
// of provider candidates, and arm the broadcast_delay promotion timer.
func (s *Session) startDiscovery(c cid.Cid) {
	s.mu.Lock()
	w, ok := s.wanted[c]
	if !ok {
		s.mu.Unlock()
		return
	}
	priority, sendDontHave := w.priority, w.sendDontHave
	w.timer = time.AfterFunc(s.cfg.BroadcastDelay, func() { s.promoteToParallel(c) })
	s.mu.Unlock()

	for _, p := range s.backend.ConnectedPeers() {
		s.backend.SendWantHave(s.ctx, p, c, priority, sendDontHave)
	}

	go s.discoverProviders(c, priority, sendDontHave)

	if s.cfg.SessionTimeout > 0 {
		time.AfterFunc(s.cfg.SessionTimeout, func() { s.timeoutIfUnresolved(c) })
	}
}

// discoverProviders queries the provider-discovery collaborator for up
// to ProviderSearchLimit candidates and sends each a Have probe,
// bounded with errgroup so a slow/misbehaving provider set never blocks
// the session beyond ProviderSearchTimeout.
func (s *Session) discoverProviders(c cid.Cid, priority int32, sendDontHave bool) {
	ctx := s.ctx
	if s.cfg.ProviderSearchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ProviderSearchTimeout)
		defer cancel()
	}

	g, gctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, s.cfg.MaxParallelBlockRequests)

providers:
	for p := range s.backend.FindProvidersAsync(ctx, c, s.cfg.ProviderSearchLimit) {
		p := p
		select {
		case sem <- struct{}{}:
		case <-gctx.Done():
			break providers
		}
		g.Go(func() error {
			defer func() { <-sem }()
			s.backend.SendWantHave(gctx, p, c, priority, sendDontHave)
			return nil
		})
	}
	_ = g.Wait()
}

// promoteToParallel fires broadcast_delay after the first probe with no
// Have response yet: send want-block concurrently to up to
// MaxParallelBlockRequests peers we know have declared interest (or, if
// none have, every connected peer, since discovery may still be racing).
func (s *Session) promoteToParallel(c cid.Cid) {
	s.mu.Lock()
	w, ok := s.wanted[c]
	if !ok || w.resolved || len(w.requestedBlock) > 0 {
		s.mu.Unlock()
		return
	}
	candidates := make([]peer.ID, 0, len(w.haveFrom))
	for p := range w.haveFrom {
		candidates = append(candidates, p)
	}
	if len(candidates) == 0 {
		candidates = s.backend.ConnectedPeers()
	}
	if len(candidates) > s.cfg.MaxParallelBlockRequests {
		candidates = candidates[:s.cfg.MaxParallelBlockRequests]
	}
	for _, p := range candidates {
		w.requestedBlock[p] = struct{}{}
	}
	priority, sendDontHave := w.priority, w.sendDontHave
	s.mu.Unlock()

	for _, p := range candidates {
		s.backend.SendWantBlock(s.ctx, p, c, priority, sendDontHave)
	}
}

// HandlePresence implements the §4.3 "Per-peer decision" rule: the
// first peer to declare Have for c is immediately sent a want-block
// request, pre-empting the broadcast_delay promotion.
func (s *Session) HandlePresence(p peer.ID, c cid.Cid, have bool) {
	s.mu.Lock()
	w, ok := s.wanted[c]
	if !ok || w.resolved {
		s.mu.Unlock()
		return
	}
	if !have {
		s.mu.Unlock()
		return
	}
	w.haveFrom[p] = struct{}{}
	first := len(w.requestedBlock) == 0
	if first {
		w.requestedBlock[p] = struct{}{}
	}
	priority, sendDontHave := w.priority, w.sendDontHave
	timer := w.timer
	s.mu.Unlock()

	if first {
		if timer != nil {
			timer.Stop()
		}
		s.backend.SendWantBlock(s.ctx, p, c, priority, sendDontHave)
	}
}

// HandleBlock delivers a received block to every subscriber waiting on
// it, resolves the want, and cancels it with every other peer that was
// asked for it.
func (s *Session) HandleBlock(p peer.ID, b blocks.Block) {
	c := b.Cid()
	s.mu.Lock()
	w, ok := s.wanted[c]
	if !ok {
		s.mu.Unlock()
		return
	}
	if w.resolved {
		// Duplicate delivery from a concurrently-requested peer: wasted
		// bytes, not an error (§4.3).
		s.mu.Unlock()
		return
	}
	w.resolved = true
	if w.timer != nil {
		w.timer.Stop()
	}
	subs := w.subscribers
	others := make([]peer.ID, 0, len(w.requestedBlock))
	for other := range w.requestedBlock {
		if other != p {
			others = append(others, other)
		}
	}
	if s.metrics != nil {
		s.metrics.SessionLatency.Observe(float64(time.Since(w.startedAt).Nanoseconds()))
	}
	delete(s.wanted, c)
	s.mu.Unlock()

	s.backend.UnregisterInterest(s, c)
	for _, other := range others {
		s.backend.SendCancel(s.ctx, other, c)
	}
	for _, sub := range subs {
		deliver(sub, Result{Block: b})
	}
}

// HandleHashMismatch drops p as a candidate for c after the backend
// observed it deliver something other than what it was actually asked
// for (§8 scenario 6). If another peer is still outstanding or has
// already declared Have, the want is left pending for them; only when p
// was the last hope does this fail the want with ErrHashMismatch.
func (s *Session) HandleHashMismatch(p peer.ID, c cid.Cid) {
	s.mu.Lock()
	w, ok := s.wanted[c]
	if !ok || w.resolved {
		s.mu.Unlock()
		return
	}
	delete(w.haveFrom, p)
	delete(w.requestedBlock, p)
	if len(w.haveFrom) > 0 || len(w.requestedBlock) > 0 {
		s.mu.Unlock()
		return
	}
	w.resolved = true
	if w.timer != nil {
		w.timer.Stop()
	}
	subs := w.subscribers
	delete(s.wanted, c)
	s.mu.Unlock()

	s.backend.UnregisterInterest(s, c)
	log.Debugf("session %d: cid %s hash-mismatched by %s with no other candidates", s.id, c, p)
	for _, sub := range subs {
		deliver(sub, Result{Err: ErrHashMismatch})
	}
}

// timeoutIfUnresolved fails a still-outstanding want once the
// session-level deadline passes: ErrNoProviders if nobody ever declared
// Have, ErrTimeout if one or more peers did but never delivered the
// block (§4.3 "Failure semantics").
func (s *Session) timeoutIfUnresolved(c cid.Cid) {
	s.mu.Lock()
	w, ok := s.wanted[c]
	if !ok || w.resolved {
		s.mu.Unlock()
		return
	}
	w.resolved = true
	if w.timer != nil {
		w.timer.Stop()
	}
	subs := w.subscribers
	noProviders := len(w.haveFrom) == 0
	delete(s.wanted, c)
	s.mu.Unlock()

	s.backend.UnregisterInterest(s, c)
	res := Result{Err: ErrTimeout}
	if noProviders {
		res = Result{Err: ErrNoProviders}
		log.Debugf("session %d: cid %s timed out with no providers", s.id, c)
	} else {
		log.Debugf("session %d: cid %s timed out waiting for a promised block", s.id, c)
	}
	for _, sub := range subs {
		deliver(sub, res)
	}
}

// Shutdown cancels every outstanding want and releases this session's
// interest registrations, the sole cancellation signal a dropped result
// handle sends (spec.md §5).
func (s *Session) Shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	wanted := s.wanted
	s.wanted = nil
	s.mu.Unlock()

	s.cancel()
	closed := make(map[chan Result]struct{})
	for c, w := range wanted {
		if w.timer != nil {
			w.timer.Stop()
		}
		s.backend.UnregisterInterest(s, c)
		for _, sub := range w.subscribers {
			// A GetBlocks call spanning several CIDs shares one channel
			// across every one of their subscriber lists; close it once.
			if _, ok := closed[sub]; ok {
				continue
			}
			closed[sub] = struct{}{}
			deliver(sub, Result{Err: ErrSessionCancelled})
			close(sub)
		}
	}
}

func removeChan(chans []chan Result, target chan Result) []chan Result {
	for i, c := range chans {
		if c == target {
			return append(chans[:i], chans[i+1:]...)
		}
	}
	return chans
}
