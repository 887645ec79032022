package btree

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/IVOES/splinterdb/internal/config"
	"github.com/IVOES/splinterdb/internal/pagestore"
)

func newTestTree(t *testing.T, pageSize int) *Dynamic {
	t.Helper()
	store := pagestore.NewDram(pageSize)
	require.NoError(t, store.Grow(4096))
	blocks := pagestore.NewBlockAllocator(store, pageSize, 8)
	cache := pagestore.NewCache(store, pageSize, 256, zerolog.Nop())
	t.Cleanup(cache.Close)
	alloc := pagestore.NewMiniAllocator(blocks, pagestore.TypeBTreeLeaf, 1)
	return NewDynamic(cache, alloc, 0, config.BytesDataConfig{}, pageSize)
}

func TestDynamicInsertAndGet(t *testing.T) {
	tr := newTestTree(t, 256)
	require.NoError(t, tr.Insert([]byte("a"), config.Message{Kind: config.Insert, Data: []byte("1")}))
	require.NoError(t, tr.Insert([]byte("b"), config.Message{Kind: config.Insert, Data: []byte("2")}))

	msg, ok, err := tr.Get([]byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("1"), msg.Data)

	_, ok, err = tr.Get([]byte("missing"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDynamicUpdateMerges(t *testing.T) {
	tr := newTestTree(t, 256)
	require.NoError(t, tr.Insert([]byte("k"), config.Message{Kind: config.Insert, Data: []byte("old")}))
	require.NoError(t, tr.Insert([]byte("k"), config.Message{Kind: config.Update, Data: []byte("new")}))

	msg, ok, err := tr.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("new"), msg.Data)
}

func TestDynamicSplitsAndStaysOrdered(t *testing.T) {
	tr := newTestTree(t, 256)
	const n = 500
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%05d", i))
		require.NoError(t, tr.Insert(key, config.Message{Kind: config.Insert, Data: key}))
	}
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%05d", i))
		msg, ok, err := tr.Get(key)
		require.NoError(t, err)
		require.True(t, ok, "missing key %d after splits", i)
		require.Equal(t, key, msg.Data)
	}

	it, err := tr.Iter()
	require.NoError(t, err)
	defer it.Close()
	var prev []byte
	count := 0
	for it.Valid() {
		key, _ := it.Deref()
		if prev != nil {
			require.Equal(t, -1, bytes.Compare(prev, key), "iterator must yield strictly ascending keys")
		}
		prev = append([]byte(nil), key...)
		count++
		it.Next()
	}
	require.Equal(t, n, count)
}

func TestDynamicSeekGE(t *testing.T) {
	tr := newTestTree(t, 256)
	for _, k := range []string{"b", "d", "f", "h"} {
		require.NoError(t, tr.Insert([]byte(k), config.Message{Kind: config.Insert, Data: []byte(k)}))
	}

	it, err := tr.Seek([]byte("c"), GE)
	require.NoError(t, err)
	defer it.Close()
	require.True(t, it.Valid())
	key, _ := it.Deref()
	require.Equal(t, "d", string(key))
}
