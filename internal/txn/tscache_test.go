package txn

import (
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/IVOES/splinterdb/internal/config"
)

// TestTSCacheEvictionPersistsPendingTimestamp exercises spec.md §8
// scenario 6: with a small TSCacheLogSlots, a bucket collision evicts
// the prior occupant, and any {wts, delta} it still held must survive
// in the stored tuple rather than being silently dropped: the tuple is
// rewritten under its original message kind with is_ts_update set and
// the evicted {wts, delta} in its header.
func TestTSCacheEvictionPersistsPendingTimestamp(t *testing.T) {
	store := newMemStore()
	cache := NewTSCache(1, store, zerolog.Nop())

	keyA := []byte("a")
	require.NoError(t, store.Put(keyA, config.Message{
		Kind: config.Insert,
		Data: EncodeTuple(false, 0, 0, []byte("va")),
	}))

	entryA := cache.Acquire(keyA)
	entryA.setSnapshot(5, 2)
	cache.Release(entryA)

	bucket := cache.bucket(keyA)
	var keyB []byte
	for i := 0; ; i++ {
		cand := []byte(fmt.Sprintf("k%d", i))
		if cache.bucket(cand) == bucket && string(cand) != string(keyA) {
			keyB = cand
			break
		}
	}
	require.NoError(t, store.Put(keyB, config.Message{
		Kind: config.Insert,
		Data: EncodeTuple(false, 0, 0, []byte("vb")),
	}))

	// Acquiring keyB evicts keyA's slot, since NewTSCache(1, ...) has
	// only 2 buckets and both keys hash to the same one.
	cache.Acquire(keyB)

	msg, ok, err := store.Get(keyA)
	require.NoError(t, err)
	require.True(t, ok)

	isUpdate, wts, delta, payload := DecodeTuple(msg.Data)
	require.True(t, isUpdate)
	require.Equal(t, uint64(5), wts)
	require.Equal(t, uint64(2), delta)
	require.Equal(t, "va", string(payload))
}
