package decision

import (
	"context"
	"testing"
	"time"

	blocks "github.com/ipfs/go-block-format"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/ipfs/go-bitswap-core/internal/blockstore"
	"github.com/ipfs/go-bitswap-core/internal/message"
	"github.com/ipfs/go-bitswap-core/internal/wantlist"
)

func newTestEngine(t *testing.T) (*Engine, blockstore.Blockstore, func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	store := blockstore.NewMemBlockStore()
	e := NewEngine(ctx, store, Config{TargetMessageSize: 1 << 16, TaskWorkerCount: 1}, nil)
	return e, store, func() {
		e.Close()
		cancel()
	}
}

func TestWantBlockServedWhenPresent(t *testing.T) {
	e, store, done := newTestEngine(t)
	defer done()

	blk := blocks.NewBlock([]byte("hello"))
	if err := store.(*blockstore.MemBlockStore).Put(context.Background(), blk); err != nil {
		t.Fatal(err)
	}

	p := peer.ID("requester")
	m := message.New(false)
	m.AddEntry(blk.Cid(), 1, wantlist.WantBlock, true)
	e.MessageReceived(context.Background(), p, m)

	select {
	case env := <-e.Outbox():
		if len(env.Message.Blocks()) != 1 {
			t.Fatal("expected the served block in the envelope")
		}
		env.Sent()
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for an envelope")
	}
}

func TestWantHaveRepliesDontHaveWhenAbsent(t *testing.T) {
	e, _, done := newTestEngine(t)
	defer done()

	blk := blocks.NewBlock([]byte("missing"))
	p := peer.ID("requester")
	m := message.New(false)
	m.AddEntry(blk.Cid(), 1, wantlist.WantHave, true)
	e.MessageReceived(context.Background(), p, m)

	select {
	case env := <-e.Outbox():
		presences := env.Message.BlockPresences()
		if len(presences) != 1 || presences[0].Type != message.DontHave {
			t.Fatal("expected a DontHave presence for a missing block")
		}
		env.Sent()
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for an envelope")
	}
}

func TestWantHaveSilentWhenAbsentAndNotRequested(t *testing.T) {
	e, _, done := newTestEngine(t)
	defer done()

	blk := blocks.NewBlock([]byte("missing"))
	p := peer.ID("requester")
	m := message.New(false)
	m.AddEntry(blk.Cid(), 1, wantlist.WantHave, false)
	e.MessageReceived(context.Background(), p, m)

	select {
	case <-e.Outbox():
		t.Fatal("expected no envelope when the peer didn't ask to be told DontHave")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCancelRemovesScheduledTask(t *testing.T) {
	e, store, done := newTestEngine(t)
	defer done()

	blk := blocks.NewBlock([]byte("hello"))
	store.(*blockstore.MemBlockStore).Put(context.Background(), blk)

	p := peer.ID("requester")
	want := message.New(false)
	want.AddEntry(blk.Cid(), 1, wantlist.WantBlock, true)
	e.MessageReceived(context.Background(), p, want)

	cancel := message.New(false)
	cancel.Cancel(blk.Cid())
	e.MessageReceived(context.Background(), p, cancel)

	select {
	case env := <-e.Outbox():
		t.Fatalf("expected the cancelled task to never be served, got %v", env.Message.Blocks())
	case <-time.After(200 * time.Millisecond):
	}
}

func TestHashMismatchStrikesAccumulate(t *testing.T) {
	e, _, done := newTestEngine(t)
	defer done()

	p := peer.ID("bad-actor")
	if e.HashMismatch(p, 3) {
		t.Fatal("first strike should not yet reach the threshold")
	}
	if e.HashMismatch(p, 3) {
		t.Fatal("second strike should not yet reach the threshold")
	}
	if !e.HashMismatch(p, 3) {
		t.Fatal("third strike should reach the threshold")
	}
}

func TestEvictedTaskIsNotRescheduledByLateBlock(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := blockstore.NewMemBlockStore()
	e := NewEngine(ctx, store, Config{TargetMessageSize: 1 << 16, TaskWorkerCount: 1, MaxOutstandingBytesPeer: 15}, nil)
	defer e.Close()

	p := peer.ID("requester")
	evicted := blocks.NewBlock([]byte("0123456789")) // 10 bytes
	kept := blocks.NewBlock([]byte("9876543210"))     // 10 bytes

	low := message.New(false)
	low.AddEntry(evicted.Cid(), 1, wantlist.WantBlock, false)
	e.MessageReceived(context.Background(), p, low)

	high := message.New(false)
	high.AddEntry(kept.Cid(), 10, wantlist.WantBlock, false)
	e.MessageReceived(context.Background(), p, high)

	if err := store.(*blockstore.MemBlockStore).Put(context.Background(), evicted); err != nil {
		t.Fatal(err)
	}
	if err := store.(*blockstore.MemBlockStore).Put(context.Background(), kept); err != nil {
		t.Fatal(err)
	}
	e.NotifyNewBlocks([]blocks.Block{evicted, kept})

	select {
	case env := <-e.Outbox():
		if len(env.Message.Blocks()) != 1 || !env.Message.Blocks()[0].Cid().Equals(kept.Cid()) {
			t.Fatalf("expected only the surviving high-priority block, got %v", env.Message.Blocks())
		}
		env.Sent()
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the surviving task")
	}

	// A later notification about the evicted block alone must not
	// re-push it: the ledger was told to forget that want when it was
	// evicted, so scheduleResponse's wantsBlock lookup should no longer
	// match it.
	e.NotifyNewBlocks([]blocks.Block{evicted})

	select {
	case env := <-e.Outbox():
		t.Fatalf("expected the evicted want to stay forgotten, got %v", env.Message.Blocks())
	case <-time.After(200 * time.Millisecond):
	}
}

func TestNotifyNewBlocksSchedulesOutstandingWants(t *testing.T) {
	e, _, done := newTestEngine(t)
	defer done()

	blk := blocks.NewBlock([]byte("arriving"))
	p := peer.ID("requester")
	want := message.New(false)
	want.AddEntry(blk.Cid(), 1, wantlist.WantBlock, false)
	e.MessageReceived(context.Background(), p, want)

	// Drain the initial DontHave-less silence: the block isn't in the
	// store yet so nothing should be scheduled until NotifyNewBlocks.
	select {
	case <-e.Outbox():
		t.Fatal("should not schedule anything before the block exists")
	case <-time.After(100 * time.Millisecond):
	}

	e.NotifyNewBlocks([]blocks.Block{blk})

	select {
	case env := <-e.Outbox():
		if len(env.Message.Blocks()) != 1 {
			t.Fatal("expected the now-available block to be scheduled")
		}
		env.Sent()
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the late-arriving block to be served")
	}
}
