// Package decision implements the server engine: per-peer ledger,
// decision queue, and envelope scheduling (§4.4).
package decision

import (
	"sync"

	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/ipfs/go-bitswap-core/internal/wantlist"
)

// Ledger is the server-side per-peer accounting record (§3 "Ledger").
type Ledger struct {
	mu sync.Mutex

	Partner peer.ID

	// wants holds what Partner has told us they want from us.
	wants map[cid.Cid]wantlist.Entry

	sentBytes uint64
	recvBytes uint64

	// strikes counts HashMismatch occurrences attributed to this peer
	// (§7 "repeated strikes promote it to Unresponsive").
	strikes int
}

func newLedger(p peer.ID) *Ledger {
	return &Ledger{Partner: p, wants: make(map[cid.Cid]wantlist.Entry)}
}

func (l *Ledger) wantlistSnapshot() []wantlist.Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]wantlist.Entry, 0, len(l.wants))
	for _, e := range l.wants {
		out = append(out, e)
	}
	return out
}

func (l *Ledger) updateWant(e wantlist.Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.wants[e.Cid] = e
}

func (l *Ledger) removeWant(c cid.Cid) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.wants, c)
}

func (l *Ledger) wantsBlock(c cid.Cid) (wantlist.Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.wants[c]
	return e, ok
}

func (l *Ledger) accountSent(n uint64) {
	l.mu.Lock()
	l.sentBytes += n
	l.mu.Unlock()
}

func (l *Ledger) accountReceived(n uint64) {
	l.mu.Lock()
	l.recvBytes += n
	l.mu.Unlock()
}

// overdraft reports how many more bytes we have sent this peer than
// they have sent us -- a cheap signal a strategy could use to throttle
// chronic leeches. Not enforced by this core (no strategy plug-in
// exists yet, matching the teacher's "TODO: at some point, the
// strategy needs to plug in here" note in peer_request_queue.go).
func (l *Ledger) overdraft() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return int64(l.sentBytes) - int64(l.recvBytes)
}

// strike records a HashMismatch from this peer, returning the peer's new
// strike count.
func (l *Ledger) strike() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.strikes++
	return l.strikes
}
