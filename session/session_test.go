package session

import (
	"context"
	"sync"
	"testing"
	"time"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"
)

// fakeBackend is a minimal session.Backend double recording every send
// so tests can assert on discovery/promotion behaviour without a real
// network.
type fakeBackend struct {
	mu sync.Mutex

	connected []peer.ID
	providers map[cid.Cid][]peer.ID

	wantHaves  []sentWant
	wantBlocks []sentWant
	cancels    []sentWant

	interest map[cid.Cid]map[*Session]struct{}
}

type sentWant struct {
	p peer.ID
	c cid.Cid
}

func newFakeBackend(connected ...peer.ID) *fakeBackend {
	return &fakeBackend{
		connected: connected,
		providers: make(map[cid.Cid][]peer.ID),
		interest:  make(map[cid.Cid]map[*Session]struct{}),
	}
}

func (f *fakeBackend) SendWantHave(ctx context.Context, p peer.ID, c cid.Cid, priority int32, sendDontHave bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.wantHaves = append(f.wantHaves, sentWant{p, c})
}

func (f *fakeBackend) SendWantBlock(ctx context.Context, p peer.ID, c cid.Cid, priority int32, sendDontHave bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.wantBlocks = append(f.wantBlocks, sentWant{p, c})
}

func (f *fakeBackend) SendCancel(ctx context.Context, p peer.ID, c cid.Cid) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, sentWant{p, c})
}

func (f *fakeBackend) ConnectedPeers() []peer.ID {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]peer.ID, len(f.connected))
	copy(out, f.connected)
	return out
}

func (f *fakeBackend) FindProvidersAsync(ctx context.Context, c cid.Cid, max int) <-chan peer.ID {
	out := make(chan peer.ID, len(f.providers[c]))
	for _, p := range f.providers[c] {
		out <- p
	}
	close(out)
	return out
}

func (f *fakeBackend) RegisterInterest(s *Session, c cid.Cid) {
	f.mu.Lock()
	defer f.mu.Unlock()
	set, ok := f.interest[c]
	if !ok {
		set = make(map[*Session]struct{})
		f.interest[c] = set
	}
	set[s] = struct{}{}
}

func (f *fakeBackend) UnregisterInterest(s *Session, c cid.Cid) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.interest[c], s)
}

func (f *fakeBackend) wantBlockCount(c cid.Cid) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, w := range f.wantBlocks {
		if w.c.Equals(c) {
			n++
		}
	}
	return n
}

func testCid(t *testing.T, data string) cid.Cid {
	t.Helper()
	return blocks.NewBlock([]byte(data)).Cid()
}

func testConfig() Config {
	return Config{
		MaxParallelBlockRequests: 4,
		BroadcastDelay:           20 * time.Millisecond,
		ProviderSearchLimit:      4,
		ProviderSearchTimeout:    time.Second,
		SessionTimeout:           0,
	}
}

func TestGetBlocksBroadcastsWantHaveToConnectedPeers(t *testing.T) {
	backend := newFakeBackend("p1", "p2")
	s := New(context.Background(), 1, backend, testConfig(), nil)
	defer s.Shutdown()

	c := testCid(t, "a")
	_, err := s.GetBlocks(context.Background(), []cid.Cid{c})
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	backend.mu.Lock()
	n := len(backend.wantHaves)
	backend.mu.Unlock()
	require.Equal(t, 2, n, "expected a want-have to each connected peer")
}

func TestHandlePresenceSendsImmediateWantBlock(t *testing.T) {
	backend := newFakeBackend("p1")
	s := New(context.Background(), 1, backend, testConfig(), nil)
	defer s.Shutdown()

	c := testCid(t, "a")
	_, err := s.GetBlocks(context.Background(), []cid.Cid{c})
	require.NoError(t, err)

	s.HandlePresence(peer.ID("p1"), c, true)

	require.Equal(t, 1, backend.wantBlockCount(c), "expected exactly one want-block after the first Have")
}

func TestPromoteToParallelFiresAfterBroadcastDelay(t *testing.T) {
	backend := newFakeBackend("p1", "p2", "p3")
	cfg := testConfig()
	cfg.BroadcastDelay = 10 * time.Millisecond
	cfg.MaxParallelBlockRequests = 2
	s := New(context.Background(), 1, backend, cfg, nil)
	defer s.Shutdown()

	c := testCid(t, "a")
	_, err := s.GetBlocks(context.Background(), []cid.Cid{c})
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)

	require.NotZero(t, backend.wantBlockCount(c), "expected promote_to_parallel to send want-block once broadcast_delay elapsed")
	require.LessOrEqual(t, backend.wantBlockCount(c), cfg.MaxParallelBlockRequests)
}

func TestHandleBlockResolvesAndCancelsOtherPeers(t *testing.T) {
	backend := newFakeBackend("p1", "p2")
	cfg := testConfig()
	cfg.BroadcastDelay = time.Millisecond
	cfg.MaxParallelBlockRequests = 2
	s := New(context.Background(), 1, backend, cfg, nil)
	defer s.Shutdown()

	blk := blocks.NewBlock([]byte("data"))
	out, err := s.GetBlocks(context.Background(), []cid.Cid{blk.Cid()})
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond) // let promotion fan out to both peers

	s.HandleBlock(peer.ID("p1"), blk)

	select {
	case got, ok := <-out:
		require.True(t, ok, "channel closed without delivering the block")
		require.NoError(t, got.Err)
		require.True(t, got.Block.Cid().Equals(blk.Cid()), "delivered wrong block")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the block")
	}

	backend.mu.Lock()
	defer backend.mu.Unlock()
	foundCancel := false
	for _, c := range backend.cancels {
		if c.p == peer.ID("p2") {
			foundCancel = true
		}
	}
	require.True(t, foundCancel, "expected a cancel sent to the peer that did not deliver the block")
}

func TestDuplicateBlockDeliveryIsIgnored(t *testing.T) {
	backend := newFakeBackend("p1")
	s := New(context.Background(), 1, backend, testConfig(), nil)
	defer s.Shutdown()

	blk := blocks.NewBlock([]byte("data"))
	out, err := s.GetBlocks(context.Background(), []cid.Cid{blk.Cid()})
	require.NoError(t, err)

	s.HandleBlock(peer.ID("p1"), blk)
	<-out

	// A second delivery for an already-resolved want must not panic or
	// double-deliver.
	s.HandleBlock(peer.ID("p1"), blk)
}

func TestShutdownClosesOutstandingChannels(t *testing.T) {
	backend := newFakeBackend("p1")
	s := New(context.Background(), 1, backend, testConfig(), nil)

	out, err := s.GetBlocks(context.Background(), []cid.Cid{testCid(t, "a")})
	require.NoError(t, err)
	s.Shutdown()

	select {
	case got, ok := <-out:
		require.True(t, ok, "expected a cancellation result before the channel closes")
		require.ErrorIs(t, got.Err, ErrSessionCancelled)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for shutdown to resolve the outstanding want")
	}

	select {
	case _, ok := <-out:
		require.False(t, ok, "expected the channel to be closed after the cancellation result")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for shutdown to close the channel")
	}
}
