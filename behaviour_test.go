package bitswap

import (
	"testing"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/ipfs/go-bitswap-core/internal/message"
)

func TestConnectionEstablishedPromotesToResponsive(t *testing.T) {
	b := newBehaviour(message.V1_2_0)
	p := peer.ID("a")

	b.ConnectionEstablished(p)
	if !b.Responsive(p) {
		t.Fatal("expected a freshly established connection to be responsive")
	}
}

func TestSetUnresponsiveDemotesConnectedPeer(t *testing.T) {
	b := newBehaviour(message.V1_2_0)
	p := peer.ID("a")

	b.ConnectionEstablished(p)
	b.SetUnresponsive(p)
	if b.Responsive(p) {
		t.Fatal("expected SetUnresponsive to demote the peer out of Responsive")
	}
}

func TestSetUnresponsiveNoopWithoutConnection(t *testing.T) {
	b := newBehaviour(message.V1_2_0)
	// Must not panic when the peer has no connection at all.
	b.SetUnresponsive(peer.ID("never-connected"))
}

func TestProtocolNotSupportedDemotesConnectedPeer(t *testing.T) {
	b := newBehaviour(message.V1_2_0)
	p := peer.ID("a")

	b.ConnectionEstablished(p)
	b.ProtocolNotSupported(p)
	if b.Responsive(p) {
		t.Fatal("expected ProtocolNotSupported to demote the peer out of Responsive")
	}
}

func TestDialReportsAlreadyConnectedWithoutNeedingADial(t *testing.T) {
	b := newBehaviour(message.V1_2_0)
	p := peer.ID("a")
	b.ConnectionEstablished(p)

	alreadyConnected, needsDial, waitResult := b.Dial(p)
	if !alreadyConnected || needsDial || waitResult != nil {
		t.Fatal("expected an already-connected peer to need no dial and no wait channel")
	}
}

func TestDialResolvesOnConnectionEstablished(t *testing.T) {
	b := newBehaviour(message.V1_2_0)
	p := peer.ID("a")

	alreadyConnected, needsDial, waitResult := b.Dial(p)
	if alreadyConnected || !needsDial {
		t.Fatal("expected a never-connected peer to need a real dial")
	}

	b.ConnectionEstablished(p)

	select {
	case err := <-waitResult:
		if err != nil {
			t.Fatalf("expected the pending dial sink to resolve with no error, got %s", err)
		}
	default:
		t.Fatal("expected ConnectionEstablished to resolve the pending dial sink")
	}
}

func TestDialResolvesOnDialFailure(t *testing.T) {
	b := newBehaviour(message.V1_2_0)
	p := peer.ID("a")

	_, needsDial, waitResult := b.Dial(p)
	if !needsDial {
		t.Fatal("expected a never-connected peer to need a real dial")
	}

	wantErr := ErrDialingPaused
	b.DialFailure(p, wantErr)

	select {
	case err := <-waitResult:
		if err != wantErr {
			t.Fatalf("expected the pending dial sink to resolve with the dial error, got %s", err)
		}
	default:
		t.Fatal("expected DialFailure to resolve the pending dial sink")
	}
}

func TestDialPausedSkipsRealDial(t *testing.T) {
	b := newBehaviour(message.V1_2_0)
	b.SetDialingPaused(true)

	alreadyConnected, needsDial, waitResult := b.Dial(peer.ID("a"))
	if alreadyConnected || needsDial {
		t.Fatal("expected a paused dial to resolve without the caller performing a real dial")
	}
	select {
	case err := <-waitResult:
		if err != ErrDialingPaused {
			t.Fatalf("expected ErrDialingPaused, got %s", err)
		}
	default:
		t.Fatal("expected the paused dial's sink to already hold a result")
	}
}
