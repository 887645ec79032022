package wal

import (
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/IVOES/splinterdb/internal/config"
	"github.com/IVOES/splinterdb/internal/pagestore"
)

func newTestLog(t *testing.T, numShards, commitEveryN int) (*Log, *pagestore.Cache) {
	t.Helper()
	pageSize := 256
	store := pagestore.NewDram(pageSize)
	require.NoError(t, store.Grow(4096))
	blocks := pagestore.NewBlockAllocator(store, pageSize, 4)
	cache := pagestore.NewCache(store, pageSize, 64, zerolog.Nop())
	t.Cleanup(cache.Close)
	alloc := pagestore.NewMiniAllocator(blocks, pagestore.TypeLog, numShards)
	l, err := Open(cache, alloc, pageSize, numShards, commitEveryN, zerolog.Nop())
	require.NoError(t, err)
	return l, cache
}

func TestAppendAndReplaySingleShard(t *testing.T) {
	l, _ := newTestLog(t, 1, 4)
	for i := 0; i < 10; i++ {
		key := []byte(fmt.Sprintf("k-%03d", i))
		_, err := l.Append(0, key, config.Message{Kind: config.Insert, Data: key})
		require.NoError(t, err)
	}
	require.NoError(t, l.Flush())

	var replayed []Entry
	require.NoError(t, l.Replay(func(e Entry) error {
		replayed = append(replayed, e)
		return nil
	}))
	require.Len(t, replayed, 10)
	for i, e := range replayed {
		require.Equal(t, fmt.Sprintf("k-%03d", i), string(e.Key))
	}
}

func TestReplayOrdersAcrossShardsByGeneration(t *testing.T) {
	l, _ := newTestLog(t, 3, 4)
	var gens []uint64
	for i := 0; i < 9; i++ {
		key := []byte(fmt.Sprintf("k-%03d", i))
		gen, err := l.Append(i%3, key, config.Message{Kind: config.Insert, Data: key})
		require.NoError(t, err)
		gens = append(gens, gen)
	}
	require.NoError(t, l.Flush())

	var replayed []Entry
	require.NoError(t, l.Replay(func(e Entry) error {
		replayed = append(replayed, e)
		return nil
	}))
	require.Len(t, replayed, 9)
	for i := 1; i < len(replayed); i++ {
		require.Less(t, replayed[i-1].Generation, replayed[i].Generation)
	}
}

func TestAppendRollsOverAcrossPages(t *testing.T) {
	l, _ := newTestLog(t, 1, 100)
	for i := 0; i < 50; i++ {
		key := []byte(fmt.Sprintf("key-%04d", i))
		_, err := l.Append(0, key, config.Message{Kind: config.Insert, Data: key})
		require.NoError(t, err)
	}
	require.NoError(t, l.Flush())

	var replayed []Entry
	require.NoError(t, l.Replay(func(e Entry) error {
		replayed = append(replayed, e)
		return nil
	}))
	require.Len(t, replayed, 50)
}
