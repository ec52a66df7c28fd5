// Package testnet is an in-memory BitSwapNetwork test double, grounded
// on exchange/bitswap/testnet/virtual.go: a shared VirtualNetwork wiring
// together per-peer networkClient adapters with configurable delivery
// delay and a mock content router standing in for the DHT.
package testnet

import (
	"context"
	"errors"
	"sync"

	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/ipfs/go-bitswap-core/internal/delay"
	"github.com/ipfs/go-bitswap-core/internal/message"
	"github.com/ipfs/go-bitswap-core/internal/network"
)

// VirtualNetwork is the shared fabric connecting every peer's adapter.
type VirtualNetwork interface {
	Adapter(p peer.ID) network.BitSwapNetwork
	HasPeer(p peer.ID) bool
}

// New constructs a VirtualNetwork with delay d applied to every
// delivered message.
func New(d *delay.D) VirtualNetwork {
	if d == nil {
		d = delay.Fixed(0)
	}
	return &virtualNetwork{
		clients: make(map[peer.ID]network.Receiver),
		router:  newMockRouter(),
		delay:   d,
	}
}

type virtualNetwork struct {
	mu      sync.RWMutex
	clients map[peer.ID]network.Receiver
	router  *mockRouter
	delay   *delay.D
}

func (n *virtualNetwork) Adapter(p peer.ID) network.BitSwapNetwork {
	client := &networkClient{local: p, net: n}
	n.mu.Lock()
	n.clients[p] = client
	n.mu.Unlock()
	return client
}

func (n *virtualNetwork) HasPeer(p peer.ID) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	_, ok := n.clients[p]
	return ok
}

func (n *virtualNetwork) receiverFor(p peer.ID) (network.Receiver, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	r, ok := n.clients[p]
	return r, ok
}

func (n *virtualNetwork) sendMessage(ctx context.Context, from, to peer.ID, m message.BitSwapMessage) error {
	receiver, ok := n.receiverFor(to)
	if !ok {
		return errors.New("testnet: no such peer on network")
	}
	go n.deliver(receiver, from, m)
	return nil
}

func (n *virtualNetwork) deliver(r network.Receiver, from peer.ID, m message.BitSwapMessage) {
	n.delay.Wait()
	r.ReceiveMessage(context.Background(), from, m)
}

// networkClient is the per-peer BitSwapNetwork adapter handed to a
// Bitswap instance under test, matching the teacher's networkClient.
type networkClient struct {
	local peer.ID
	net   *virtualNetwork

	mu       sync.RWMutex
	receiver network.Receiver
}

func (nc *networkClient) Self() peer.ID { return nc.local }

func (nc *networkClient) SetDelegate(r network.Receiver) {
	nc.mu.Lock()
	nc.receiver = r
	nc.mu.Unlock()
}

func (nc *networkClient) getReceiver() network.Receiver {
	nc.mu.RLock()
	defer nc.mu.RUnlock()
	return nc.receiver
}

func (nc *networkClient) ConnectTo(ctx context.Context, p peer.ID) error {
	if !nc.net.HasPeer(p) {
		return errors.New("testnet: no such peer on network")
	}
	if peerReceiver, ok := nc.net.receiverFor(p); ok {
		peerReceiver.PeerConnected(nc.local)
	}
	if r := nc.getReceiver(); r != nil {
		r.PeerConnected(p)
	}
	return nil
}

func (nc *networkClient) SendMessage(ctx context.Context, p peer.ID, m message.BitSwapMessage) error {
	return nc.net.sendMessage(ctx, nc.local, p, m)
}

// virtualSender queues a SendMessage per SendMsg call; the virtual
// network has no real stream to hold open, so there is nothing to reuse
// across calls beyond the destination peer ID.
type virtualSender struct {
	nc *networkClient
	to peer.ID
}

func (nc *networkClient) NewMessageSender(ctx context.Context, p peer.ID) (network.MessageSender, error) {
	if !nc.net.HasPeer(p) {
		return nil, errors.New("testnet: no such peer on network")
	}
	return &virtualSender{nc: nc, to: p}, nil
}

func (vs *virtualSender) SendMsg(ctx context.Context, m message.BitSwapMessage) error {
	return vs.nc.net.sendMessage(ctx, vs.nc.local, vs.to, m)
}

func (vs *virtualSender) Close() error { return nil }
func (vs *virtualSender) Reset() error { return nil }

func (nc *networkClient) FindProvidersAsync(ctx context.Context, c cid.Cid, max int) <-chan peer.ID {
	out := make(chan peer.ID)
	go func() {
		defer close(out)
		for _, id := range nc.net.router.find(c, max) {
			if id == nc.local {
				continue
			}
			select {
			case <-ctx.Done():
				return
			case out <- id:
			}
		}
	}()
	return out
}

func (nc *networkClient) Provide(ctx context.Context, c cid.Cid) error {
	nc.net.router.provide(c, nc.local)
	return nil
}

// mockRouter is a trivial in-memory stand-in for DHT provider discovery
// (§1 Non-goals excludes real DHT logic from this core).
type mockRouter struct {
	mu        sync.Mutex
	providers map[cid.Cid][]peer.ID
}

func newMockRouter() *mockRouter {
	return &mockRouter{providers: make(map[cid.Cid][]peer.ID)}
}

func (r *mockRouter) provide(c cid.Cid, p peer.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.providers[c] {
		if existing == p {
			return
		}
	}
	r.providers[c] = append(r.providers[c], p)
}

func (r *mockRouter) find(c cid.Cid, max int) []peer.ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	all := r.providers[c]
	if max <= 0 || max >= len(all) {
		out := make([]peer.ID, len(all))
		copy(out, all)
		return out
	}
	out := make([]peer.ID, max)
	copy(out, all[:max])
	return out
}
