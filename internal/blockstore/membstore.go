package blockstore

import (
	"context"
	"sync"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	ds "github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
)

// MemBlockStore is a trivial in-memory conformance double for
// Blockstore. It is explicitly not part of the core (§1): real
// deployments bring their own backend. Grounded on the teacher's
// testutils.go pattern (ds_sync.MutexWrap(ds.NewMapDatastore())).
type MemBlockStore struct {
	mu sync.RWMutex
	ds ds.Datastore
}

func NewMemBlockStore() *MemBlockStore {
	return &MemBlockStore{ds: dssync.MutexWrap(ds.NewMapDatastore())}
}

func dsKey(c cid.Cid) ds.Key {
	return ds.NewKey(c.String())
}

func (m *MemBlockStore) Has(ctx context.Context, c cid.Cid) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ds.Has(ctx, dsKey(c))
}

func (m *MemBlockStore) Get(ctx context.Context, c cid.Cid) (blocks.Block, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, err := m.ds.Get(ctx, dsKey(c))
	if err != nil {
		return nil, ErrNotFound
	}
	return blocks.NewBlockWithCid(data, c)
}

func (m *MemBlockStore) GetSize(ctx context.Context, c cid.Cid) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ok, err := m.ds.Has(ctx, dsKey(c))
	if err != nil || !ok {
		return -1, ErrNotFound
	}
	data, err := m.ds.Get(ctx, dsKey(c))
	if err != nil {
		return -1, ErrNotFound
	}
	return len(data), nil
}

// Put stores a block locally, used by test setup and by the embedding
// application before calling Bitswap.NotifyNewBlocks.
func (m *MemBlockStore) Put(ctx context.Context, b blocks.Block) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ds.Put(ctx, dsKey(b.Cid()), b.RawData())
}
