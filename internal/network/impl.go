package network

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/ipfs/go-cid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/host"
	inet "github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/core/routing"
	msmux "github.com/multiformats/go-multistream"

	"github.com/ipfs/go-bitswap-core/internal/message"
)

var log = logging.Logger("bitswap/network")

// NewFromIpfsHost adapts a libp2p host + content router into a
// BitSwapNetwork, grounded on network/ipfs_impl.go's NewFromIpfsHost.
// maxMessageSize enforces §4.1's decode-side cap.
func NewFromIpfsHost(h host.Host, r routing.ContentRouting, maxMessageSize int) BitSwapNetwork {
	n := &impl{host: h, routing: r, maxMessageSize: maxMessageSize}
	for _, proto := range SupportedProtocols {
		h.SetStreamHandler(proto, n.handleNewStream)
	}
	h.Network().Notify((*netNotifiee)(n))
	return n
}

type impl struct {
	host           host.Host
	routing        routing.ContentRouting
	maxMessageSize int

	receiverMu sync.RWMutex
	receiver   Receiver
}

func (bsnet *impl) Self() peer.ID { return bsnet.host.ID() }

func (bsnet *impl) SetDelegate(r Receiver) {
	bsnet.receiverMu.Lock()
	bsnet.receiver = r
	bsnet.receiverMu.Unlock()
}

func (bsnet *impl) getReceiver() Receiver {
	bsnet.receiverMu.RLock()
	defer bsnet.receiverMu.RUnlock()
	return bsnet.receiver
}

func (bsnet *impl) ConnectTo(ctx context.Context, p peer.ID) error {
	return bsnet.host.Connect(ctx, peer.AddrInfo{ID: p})
}

func (bsnet *impl) newStreamToPeer(ctx context.Context, p peer.ID) (inet.Stream, error) {
	if err := bsnet.host.Connect(ctx, peer.AddrInfo{ID: p}); err != nil {
		return nil, err
	}
	s, err := bsnet.host.NewStream(ctx, p, SupportedProtocols...)
	if err != nil {
		var notSupported msmux.ErrNotSupported[protocol.ID]
		if errors.As(err, &notSupported) {
			return nil, ErrProtocolNotSupported
		}
		return nil, err
	}
	return s, nil
}

func (bsnet *impl) SendMessage(ctx context.Context, p peer.ID, m message.BitSwapMessage) error {
	s, err := bsnet.newStreamToPeer(ctx, p)
	if err != nil {
		return err
	}
	defer s.Close()

	version, ok := VersionForProtocol(s.Protocol())
	if !ok {
		version = message.V1_2_0
	}
	if err := message.Encode(m, version, s); err != nil {
		log.Debugf("error sending message to %s: %s", p, err)
		return err
	}
	return nil
}

// msgSender is the libp2p-backed MessageSender, grounded on
// rdbox-go-ipfs wantmanager's msgQueue.sender abstraction: one long
// lived outbound stream reused across many SendMsg calls.
type msgSender struct {
	s       inet.Stream
	version message.Version
}

func (bsnet *impl) NewMessageSender(ctx context.Context, p peer.ID) (MessageSender, error) {
	s, err := bsnet.newStreamToPeer(ctx, p)
	if err != nil {
		return nil, err
	}
	version, ok := VersionForProtocol(s.Protocol())
	if !ok {
		version = message.V1_2_0
	}
	return &msgSender{s: s, version: version}, nil
}

func (ms *msgSender) SendMsg(ctx context.Context, m message.BitSwapMessage) error {
	return message.Encode(m, ms.version, ms.s)
}

func (ms *msgSender) Close() error { return ms.s.Close() }
func (ms *msgSender) Reset() error { return ms.s.Reset() }

// FindProvidersAsync mirrors network/ipfs_impl.go: prefer already
// connected peers (cheap) ahead of a genuine routing query, capped at
// max total results.
func (bsnet *impl) FindProvidersAsync(ctx context.Context, c cid.Cid, max int) <-chan peer.ID {
	connected := bsnet.host.Network().Peers()
	out := make(chan peer.ID, len(connected)+max)
	self := bsnet.host.ID()
	sent := 0
	for _, id := range connected {
		if id == self {
			continue
		}
		if max > 0 && sent >= max {
			break
		}
		select {
		case out <- id:
			sent++
		default:
		}
	}

	go func() {
		defer close(out)
		if bsnet.routing == nil || (max > 0 && sent >= max) {
			return
		}
		for info := range bsnet.routing.FindProvidersAsync(ctx, c, max) {
			if info.ID == self {
				continue
			}
			bsnet.host.Peerstore().AddAddrs(info.ID, info.Addrs, peer.TempAddrTTL)
			select {
			case <-ctx.Done():
				return
			case out <- info.ID:
				sent++
			}
			if max > 0 && sent >= max {
				return
			}
		}
	}()
	return out
}

func (bsnet *impl) Provide(ctx context.Context, c cid.Cid) error {
	if bsnet.routing == nil {
		return nil
	}
	return bsnet.routing.Provide(ctx, c, true)
}

func (bsnet *impl) handleNewStream(s inet.Stream) {
	defer s.Close()

	r := bsnet.getReceiver()
	if r == nil {
		return
	}

	for {
		received, err := message.Decode(s, bsnet.maxMessageSize)
		if err != nil {
			if err != io.EOF {
				go r.ReceiveError(err)
				log.Debugf("bitswap net handleNewStream from %s error: %s", s.Conn().RemotePeer(), err)
			}
			return
		}
		p := s.Conn().RemotePeer()
		r.ReceiveMessage(context.Background(), p, received)
	}
}

type netNotifiee impl

func (nn *netNotifiee) impl() *impl { return (*impl)(nn) }

func (nn *netNotifiee) Connected(n inet.Network, c inet.Conn) {
	if r := nn.impl().getReceiver(); r != nil {
		r.PeerConnected(c.RemotePeer())
	}
}

func (nn *netNotifiee) Disconnected(n inet.Network, c inet.Conn) {
	if r := nn.impl().getReceiver(); r != nil {
		r.PeerDisconnected(c.RemotePeer())
	}
}

func (nn *netNotifiee) Listen(n inet.Network, a interface{})      {}
func (nn *netNotifiee) ListenClose(n inet.Network, a interface{}) {}
