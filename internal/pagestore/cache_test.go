package pagestore

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, numFrames int) (*Cache, *BlockAllocator) {
	t.Helper()
	store := NewDram(4096)
	require.NoError(t, store.Grow(64))
	blocks := NewBlockAllocator(store, 4096, 8)
	cache := NewCache(store, 4096, numFrames, zerolog.Nop())
	t.Cleanup(cache.Close)
	return cache, blocks
}

func TestCacheAllocGetRoundTrip(t *testing.T) {
	cache, blocks := newTestCache(t, 8)

	addr, err := blocks.AllocExtent()
	require.NoError(t, err)

	h, err := cache.Alloc(addr, TypeBTreeLeaf)
	require.NoError(t, err)
	copy(h.Data()[1:], []byte("hello"))
	require.NoError(t, cache.Lock(h))
	cache.Unlock(h)
	cache.Unget(h)

	require.NoError(t, cache.FlushAll())

	h2, err := cache.Get(addr, TypeBTreeLeaf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(h2.Data()[1:6]))
	cache.Unget(h2)
}

func TestCachePinPreventsEviction(t *testing.T) {
	cache, blocks := newTestCache(t, 2)

	var pinned *Handle
	var pinnedAddr PageAddr
	for i := 0; i < 2; i++ {
		addr, err := blocks.AllocExtent()
		require.NoError(t, err)
		h, err := cache.Alloc(addr, TypeBTreeLeaf)
		require.NoError(t, err)
		require.NoError(t, cache.FlushAll())
		if i == 0 {
			pinned = h
			pinnedAddr = addr
		} else {
			cache.Unget(h)
		}
	}

	// Force eviction attempts; the pinned frame must survive them all.
	for i := 0; i < 10; i++ {
		cache.sweepPass()
	}
	_, ok := cache.lookup(pinnedAddr)
	require.True(t, ok, "pinned frame must not be evicted")
	cache.Unget(pinned)
}

func TestCacheTryClaimExclusive(t *testing.T) {
	cache, blocks := newTestCache(t, 4)
	addr, err := blocks.AllocExtent()
	require.NoError(t, err)
	h, err := cache.Alloc(addr, TypeBTreeLeaf)
	require.NoError(t, err)
	cache.Unget(h)
	require.NoError(t, cache.FlushAll())

	r1, err := cache.Get(addr, TypeBTreeLeaf)
	require.NoError(t, err)
	r2, err := cache.Get(addr, TypeBTreeLeaf)
	require.NoError(t, err)

	require.True(t, cache.TryClaim(r1))
	require.False(t, cache.TryClaim(r2), "a second claim on the same frame must fail")

	cache.Unget(r1)
	cache.Unget(r2)
}

func TestCacheGetAsyncResolves(t *testing.T) {
	cache, blocks := newTestCache(t, 4)
	addr, err := blocks.AllocExtent()
	require.NoError(t, err)
	h, err := cache.Alloc(addr, TypeBTreeLeaf)
	require.NoError(t, err)
	cache.Unget(h)
	require.NoError(t, cache.FlushAll())

	fut := cache.GetAsync(nil, addr, TypeBTreeLeaf)
	got, err := fut.Wait()
	require.NoError(t, err)
	cache.Unget(got)
}
