package bitswap

import (
	"bytes"
	"context"
	"testing"
	"time"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/ipfs/go-bitswap-core/internal/blockstore"
	"github.com/ipfs/go-bitswap-core/internal/delay"
	"github.com/ipfs/go-bitswap-core/internal/network/testnet"
)

// testInstance bundles one node's Bitswap handle with its own store, for
// a small virtual swarm, mirroring the teacher's sessionGenerator.
type testInstance struct {
	peer   peer.ID
	bs     *Bitswap
	store  *blockstore.MemBlockStore
	cancel context.CancelFunc
}

func newSwarm(t *testing.T, n int) []*testInstance {
	t.Helper()
	vnet := testnet.New(delay.Fixed(0))

	out := make([]*testInstance, n)
	for i := 0; i < n; i++ {
		p := peer.ID(string(rune('A' + i)))
		adapter := vnet.Adapter(p)
		store := blockstore.NewMemBlockStore()
		ctx, cancel := context.WithCancel(context.Background())
		bs := New(ctx, p, adapter, store)
		out[i] = &testInstance{peer: p, bs: bs, store: store, cancel: cancel}
	}
	return out
}

func closeSwarm(instances []*testInstance) {
	for _, inst := range instances {
		inst.bs.Close()
		inst.cancel()
	}
}

func TestCloseThenGetBlockDoesNotHang(t *testing.T) {
	instances := newSwarm(t, 1)
	defer closeSwarm(instances)

	blk := blocks.NewBlock([]byte("block"))
	instances[0].bs.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := instances[0].bs.GetBlock(ctx, blk.Cid())
	if err == nil {
		t.Fatal("expected GetBlock to fail once the instance is closed")
	}
}

func TestGetBlockFromPeerAfterHasBlock(t *testing.T) {
	instances := newSwarm(t, 2)
	defer closeSwarm(instances)

	hasBlock, wantsBlock := instances[0], instances[1]

	blk := blocks.NewBlock([]byte("block"))
	if err := hasBlock.bs.HasBlock(context.Background(), blk); err != nil {
		t.Fatal(err)
	}

	// Connect so the wanting peer's initial broadcast reaches hasBlock
	// without relying on provider discovery.
	if err := wantsBlock.bs.net.ConnectTo(context.Background(), hasBlock.peer); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	received, err := wantsBlock.bs.GetBlock(ctx, blk.Cid())
	if err != nil {
		t.Fatalf("expected to succeed, got %s", err)
	}
	if !bytes.Equal(blk.RawData(), received.RawData()) {
		t.Fatal("data doesn't match")
	}
}

func TestDuplicateSessionsShareOneNetworkRequest(t *testing.T) {
	instances := newSwarm(t, 2)
	defer closeSwarm(instances)

	hasBlock, wantsBlock := instances[0], instances[1]
	blk := blocks.NewBlock([]byte("shared"))
	if err := hasBlock.bs.HasBlock(context.Background(), blk); err != nil {
		t.Fatal(err)
	}
	if err := wantsBlock.bs.net.ConnectTo(context.Background(), hasBlock.peer); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	s1 := wantsBlock.bs.NewSession(ctx)
	defer s1.Shutdown()
	s2 := wantsBlock.bs.NewSession(ctx)
	defer s2.Shutdown()

	out1, err := s1.GetBlocks(ctx, []cid.Cid{blk.Cid()})
	if err != nil {
		t.Fatal(err)
	}
	out2, err := s2.GetBlocks(ctx, []cid.Cid{blk.Cid()})
	if err != nil {
		t.Fatal(err)
	}

	if _, ok := <-out1; !ok {
		t.Fatal("session 1 did not receive the block")
	}
	if _, ok := <-out2; !ok {
		t.Fatal("session 2 did not receive the block")
	}
}
