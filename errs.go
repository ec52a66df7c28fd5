package bitswap

import (
	"errors"

	"github.com/ipfs/go-bitswap-core/internal/message"
	"github.com/ipfs/go-bitswap-core/session"
)

// Sentinel errors surfaced across the public contract (§7 "Per-request"
// error kind), wrapped with fmt.Errorf("...: %w", ...) at call sites.
//
// ErrNoProviders/ErrSessionCancelled/ErrHashMismatch/ErrTimeout alias the
// session package's values rather than declaring their own: session owns
// them (it cannot import this root package, which imports session), and
// GetBlock's errors.Is callers need these to compare equal to whatever
// session actually delivered through the want/subscriber channel.
var (
	ErrNoProviders      = session.ErrNoProviders
	ErrSessionCancelled = session.ErrSessionCancelled
	ErrHashMismatch     = session.ErrHashMismatch
	ErrTimeout          = session.ErrTimeout
	ErrClosed           = errors.New("bitswap: instance is closed")
	ErrDialingPaused    = errors.New("bitswap: outbound dialing is currently paused")

	// ErrMessageTooLarge re-exports the codec's size-cap sentinel so
	// callers outside internal/message can compare against it with
	// errors.Is without importing an internal package.
	ErrMessageTooLarge = message.ErrMessageTooLarge
)
