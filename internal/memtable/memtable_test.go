package memtable

import (
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/IVOES/splinterdb/internal/config"
	"github.com/IVOES/splinterdb/internal/pagestore"
)

func newTestRing(t *testing.T, numSlots int, thresholdBytes int64) *Ring {
	t.Helper()
	pageSize := 4096
	store := pagestore.NewDram(pageSize)
	require.NoError(t, store.Grow(4096))
	blocks := pagestore.NewBlockAllocator(store, pageSize, 8)
	cache := pagestore.NewCache(store, pageSize, 256, zerolog.Nop())
	t.Cleanup(cache.Close)
	alloc := pagestore.NewMiniAllocator(blocks, pagestore.TypeBTreeLeaf, numSlots)
	return New(cache, alloc, config.BytesDataConfig{}, pageSize, numSlots, thresholdBytes, zerolog.Nop())
}

func TestRingInsertAndGet(t *testing.T) {
	r := newTestRing(t, 4, 1<<20)
	require.NoError(t, r.Insert([]byte("a"), config.Message{Kind: config.Insert, Data: []byte("1")}))

	msg, ok, err := r.Get([]byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "1", string(msg.Data))

	_, ok, err = r.Get([]byte("nope"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRingSealsOnThreshold(t *testing.T) {
	r := newTestRing(t, 3, 64)
	for i := 0; i < 20; i++ {
		key := []byte(fmt.Sprintf("key-%03d", i))
		require.NoError(t, r.Insert(key, config.Message{Kind: config.Insert, Data: key}))
	}

	select {
	case idx := <-r.FlushQueue():
		require.Equal(t, Finalized, r.slots[idx].State())
	default:
		t.Fatal("expected at least one slot to be finalized and queued for flush")
	}
}

func TestRingNewestWinsOnOverwrite(t *testing.T) {
	r := newTestRing(t, 3, 1<<20)
	require.NoError(t, r.Insert([]byte("k"), config.Message{Kind: config.Insert, Data: []byte("old")}))
	require.NoError(t, r.Insert([]byte("k"), config.Message{Kind: config.Update, Data: []byte("new")}))

	msg, ok, err := r.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "new", string(msg.Data))
}

func TestRingTakeForFlushAndRelease(t *testing.T) {
	r := newTestRing(t, 3, 32)
	for i := 0; i < 10; i++ {
		key := []byte(fmt.Sprintf("key-%03d", i))
		require.NoError(t, r.Insert(key, config.Message{Kind: config.Insert, Data: key}))
	}
	idx := <-r.FlushQueue()

	tree, gen, err := r.TakeForFlush(idx)
	require.NoError(t, err)
	require.NotNil(t, tree)
	require.Greater(t, gen, uint64(0))
	require.Equal(t, Flushing, r.slots[idx].State())

	r.ReleaseFlushed(idx)
	require.Equal(t, Empty, r.slots[idx].State())

	_, _, err = r.TakeForFlush(idx)
	require.Error(t, err)
}
