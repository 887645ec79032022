package btree

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/IVOES/splinterdb/internal/config"
)

func TestIterPrevMirrorsNext(t *testing.T) {
	tr := newTestTree(t, 256)
	const n = 300
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%05d", i))
		require.NoError(t, tr.Insert(key, config.Message{Kind: config.Insert, Data: key}))
	}

	it, err := tr.Iter()
	require.NoError(t, err)
	defer it.Close()

	var forward [][]byte
	for it.Valid() {
		key, _ := it.Deref()
		forward = append(forward, append([]byte(nil), key...))
		it.Next()
	}
	require.Len(t, forward, n)

	rit, err := tr.Seek([]byte(fmt.Sprintf("key-%05d", n-1)), LE)
	require.NoError(t, err)
	defer rit.Close()

	for i := n - 1; i >= 0; i-- {
		require.True(t, rit.Valid(), "expected valid at i=%d", i)
		key, _ := rit.Deref()
		require.Equal(t, string(forward[i]), string(key))
		rit.Prev()
	}
}

func TestIterSeekEmptyTree(t *testing.T) {
	tr := newTestTree(t, 256)
	it, err := tr.Iter()
	require.NoError(t, err)
	require.False(t, it.Valid())
	it.Close()
}
