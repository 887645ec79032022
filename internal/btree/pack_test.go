package btree

import (
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/IVOES/splinterdb/internal/config"
	"github.com/IVOES/splinterdb/internal/pagestore"
)

type sliceSource struct {
	keys []string
	i    int
}

func (s *sliceSource) Next() ([]byte, config.Message, bool, error) {
	if s.i >= len(s.keys) {
		return nil, config.Message{}, false, nil
	}
	k := s.keys[s.i]
	s.i++
	return []byte(k), config.Message{Kind: config.Insert, Data: []byte(k)}, true, nil
}

func newTestPackEnv(t *testing.T, pageSize int) (*pagestore.Cache, *pagestore.MiniAllocator) {
	t.Helper()
	store := pagestore.NewDram(pageSize)
	require.NoError(t, store.Grow(4096))
	blocks := pagestore.NewBlockAllocator(store, pageSize, 8)
	cache := pagestore.NewCache(store, pageSize, 256, zerolog.Nop())
	t.Cleanup(cache.Close)
	alloc := pagestore.NewMiniAllocator(blocks, pagestore.TypeBTreeLeaf, 1)
	return cache, alloc
}

func TestPackEmptySource(t *testing.T) {
	cache, alloc := newTestPackEnv(t, 256)
	root, n, err := Pack(cache, alloc, 0, 256, &sliceSource{})
	require.NoError(t, err)
	require.Equal(t, 0, n)
	require.Equal(t, pagestore.NilAddr, root)
}

func TestPackSingleLeaf(t *testing.T) {
	cache, alloc := newTestPackEnv(t, 4096)
	keys := []string{"a", "b", "c", "d"}
	root, n, err := Pack(cache, alloc, 0, 4096, &sliceSource{keys: keys})
	require.NoError(t, err)
	require.Equal(t, 4, n)

	p := OpenPacked(cache, root, config.BytesDataConfig{}.Compare)
	for _, k := range keys {
		msg, ok, err := p.Get([]byte(k))
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, k, string(msg.Data))
	}
}

func TestPackManyLeavesIteratesInOrder(t *testing.T) {
	cache, alloc := newTestPackEnv(t, 256)
	const n = 400
	keys := make([]string, n)
	for i := range keys {
		keys[i] = fmt.Sprintf("key-%05d", i)
	}
	root, count, err := Pack(cache, alloc, 0, 256, &sliceSource{keys: keys})
	require.NoError(t, err)
	require.Equal(t, n, count)

	p := OpenPacked(cache, root, config.BytesDataConfig{}.Compare)
	it, err := p.Iter()
	require.NoError(t, err)
	defer it.Close()

	i := 0
	for it.Valid() {
		key, msg := it.Deref()
		require.Equal(t, keys[i], string(key))
		require.Equal(t, keys[i], string(msg.Data))
		i++
		it.Next()
	}
	require.Equal(t, n, i)

	_, ok, err := p.Get([]byte("not-present"))
	require.NoError(t, err)
	require.False(t, ok)
}
