// Package network declares the BitSwapNetwork capability this core
// consumes from the libp2p swarm substrate (§6 "Swarm substrate"), along
// with a libp2p-backed implementation and a virtual network test double.
package network

import (
	"context"
	"errors"

	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/ipfs/go-bitswap-core/internal/message"
)

// ErrProtocolNotSupported is returned by SendMessage/NewMessageSender when
// multistream-select could not agree on any of SupportedProtocols with
// the remote peer: a permanent negotiation failure, distinct from a
// transient dial/send error, since retrying the same peer won't help
// (§4.5 "ProtocolNotSupported").
var ErrProtocolNotSupported = errors.New("bitswap: peer does not support any bitswap protocol version")

// Protocol IDs for the three wire versions this core speaks, newest
// first -- mirrors the teacher's single ProtocolBitswap constant in
// network/ipfs_impl.go, generalized to the full version set §6 asks for.
const (
	ProtocolBitswap120 protocol.ID = "/ipfs/bitswap/1.2.0"
	ProtocolBitswap110 protocol.ID = "/ipfs/bitswap/1.1.0"
	ProtocolBitswap100 protocol.ID = "/ipfs/bitswap/1.0.0"
)

// SupportedProtocols lists every protocol ID this core registers,
// highest-version first so multistream-select prefers it.
var SupportedProtocols = []protocol.ID{ProtocolBitswap120, ProtocolBitswap110, ProtocolBitswap100}

// VersionForProtocol maps a negotiated protocol.ID back to a wire
// Version, or ("", false) if unrecognized.
func VersionForProtocol(id protocol.ID) (message.Version, bool) {
	switch id {
	case ProtocolBitswap120:
		return message.V1_2_0, true
	case ProtocolBitswap110:
		return message.V1_1_0, true
	case ProtocolBitswap100:
		return message.V1_0_0, true
	default:
		return "", false
	}
}

// MessageSender is a long-lived per-peer outbound stream, matching the
// rdbox-go-ipfs wantmanager's bsnet.MessageSender abstraction (msgQueue
// held one open `sender` and reopened it on failure).
type MessageSender interface {
	SendMsg(ctx context.Context, m message.BitSwapMessage) error
	Close() error
	Reset() error
}

// Receiver is the inbound delegate the network hands events to (§4.5's
// per-connection handler events, routed here).
type Receiver interface {
	ReceiveMessage(ctx context.Context, p peer.ID, incoming message.BitSwapMessage)
	ReceiveError(err error)
	PeerConnected(p peer.ID)
	PeerDisconnected(p peer.ID)
}

// BitSwapNetwork is the capability this core consumes from the swarm
// (§6). ConnectTo, SendMessage, and NewMessageSender route through
// whatever transport/dialing policy the embedding host enforces.
type BitSwapNetwork interface {
	SetDelegate(Receiver)
	ConnectTo(ctx context.Context, p peer.ID) error
	SendMessage(ctx context.Context, p peer.ID, m message.BitSwapMessage) error
	NewMessageSender(ctx context.Context, p peer.ID) (MessageSender, error)

	// FindProvidersAsync returns a channel of providers for c, capped at
	// max results (§6 "content providers discovery (DHT)" collaborator).
	FindProvidersAsync(ctx context.Context, c cid.Cid, max int) <-chan peer.ID
	Provide(ctx context.Context, c cid.Cid) error

	Self() peer.ID
}
