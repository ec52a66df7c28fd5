// Package blockstore declares the capability this core consumes from the
// embedding application's block store (§1 "Non-goals", §6 "Store
// capability") and provides a trivial in-memory conformance double for
// tests. The real backend lives outside this core.
package blockstore

import (
	"context"
	"errors"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
)

// Blockstore is the capability set bitswap consumes: {has, get, get_size}.
// Each call is expected to be safe from multiple concurrent goroutines,
// and a failure is treated by callers as "missing" (§6, §7).
type Blockstore interface {
	Has(ctx context.Context, c cid.Cid) (bool, error)
	Get(ctx context.Context, c cid.Cid) (blocks.Block, error)
	GetSize(ctx context.Context, c cid.Cid) (int, error)
}

// ErrNotFound is returned by the MemBlockStore double when a CID is
// absent, matching how a real backend signals a miss.
var ErrNotFound = errors.New("blockstore: block not found")
