package trunk

import (
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/IVOES/splinterdb/internal/btree"
	"github.com/IVOES/splinterdb/internal/config"
	"github.com/IVOES/splinterdb/internal/pagestore"
)

func newTestTree(t *testing.T, cfg Config) (*Tree, *pagestore.Cache, *pagestore.MiniAllocator) {
	t.Helper()
	pageSize := 4096
	store := pagestore.NewDram(pageSize)
	require.NoError(t, store.Grow(4096))
	blocks := pagestore.NewBlockAllocator(store, pageSize, 8)
	cache := pagestore.NewCache(store, pageSize, 256, zerolog.Nop())
	t.Cleanup(cache.Close)
	alloc := pagestore.NewMiniAllocator(blocks, pagestore.TypeBTreeLeaf, 4)
	tr := New(cache, alloc, config.BytesDataConfig{}, pageSize, cfg, zerolog.Nop())
	return tr, cache, alloc
}

func packKeys(t *testing.T, cache *pagestore.Cache, alloc *pagestore.MiniAllocator, batch int, keys []string) (pagestore.PageAddr, [][]byte) {
	t.Helper()
	src := &trunkSliceSource{keys: keys}
	root, _, err := btree.Pack(cache, alloc, batch, 4096, src)
	require.NoError(t, err)
	byteKeys := make([][]byte, len(keys))
	for i, k := range keys {
		byteKeys[i] = []byte(k)
	}
	return root, byteKeys
}

type trunkSliceSource struct {
	keys []string
	i    int
}

func (s *trunkSliceSource) Next() ([]byte, config.Message, bool, error) {
	if s.i >= len(s.keys) {
		return nil, config.Message{}, false, nil
	}
	k := s.keys[s.i]
	s.i++
	return []byte(k), config.Message{Kind: config.Insert, Data: []byte(k)}, true, nil
}

func defaultConfig() Config {
	return Config{MaxPivotKeys: 32, MaxBranches: 8, MaxTuples: 100000, FilterFPRate: 0.01}
}

func TestTreeLookupSingleBranch(t *testing.T) {
	tr, cache, alloc := newTestTree(t, defaultConfig())
	keys := []string{"a", "b", "c", "d"}
	root, byteKeys := packKeys(t, cache, alloc, 1, keys)
	require.NoError(t, tr.InsertBranch(root, byteKeys, len(keys)))

	for _, k := range keys {
		msg, ok, err := tr.Lookup([]byte(k))
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, k, string(msg.Data))
	}
	_, ok, err := tr.Lookup([]byte("zz"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestTreeNewerBranchWins(t *testing.T) {
	tr, cache, alloc := newTestTree(t, defaultConfig())
	root1, keys1 := packKeys(t, cache, alloc, 1, []string{"k"})
	require.NoError(t, tr.InsertBranch(root1, keys1, 1))

	src2 := &trunkMsgSource{keys: []string{"k"}, msgs: []config.Message{{Kind: config.Update, Data: []byte("new")}}}
	root2, _, err := btree.Pack(cache, alloc, 2, 4096, src2)
	require.NoError(t, err)
	require.NoError(t, tr.InsertBranch(root2, [][]byte{[]byte("k")}, 1))

	msg, ok, err := tr.Lookup([]byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "new", string(msg.Data))
}

func TestTreeDeleteHidesKey(t *testing.T) {
	tr, cache, alloc := newTestTree(t, defaultConfig())
	root1, keys1 := packKeys(t, cache, alloc, 1, []string{"k"})
	require.NoError(t, tr.InsertBranch(root1, keys1, 1))

	src2 := &trunkMsgSource{keys: []string{"k"}, msgs: []config.Message{{Kind: config.Delete}}}
	root2, _, err := btree.Pack(cache, alloc, 2, 4096, src2)
	require.NoError(t, err)
	require.NoError(t, tr.InsertBranch(root2, [][]byte{[]byte("k")}, 1))

	_, ok, err := tr.Lookup([]byte("k"))
	require.NoError(t, err)
	require.False(t, ok)
}

type trunkMsgSource struct {
	keys []string
	msgs []config.Message
	i    int
}

func (s *trunkMsgSource) Next() ([]byte, config.Message, bool, error) {
	if s.i >= len(s.keys) {
		return nil, config.Message{}, false, nil
	}
	k, m := s.keys[s.i], s.msgs[s.i]
	s.i++
	return []byte(k), m, true, nil
}

func TestTreeSplitsAndStaysLookupable(t *testing.T) {
	cfg := Config{MaxPivotKeys: 32, MaxBranches: 3, MaxTuples: 100000, FilterFPRate: 0.01}
	tr, cache, alloc := newTestTree(t, cfg)

	allKeys := map[string]bool{}
	for i := 0; i < 6; i++ {
		keys := make([]string, 10)
		for j := range keys {
			keys[j] = fmt.Sprintf("k-%03d-%03d", i, j)
			allKeys[keys[j]] = true
		}
		root, byteKeys := packKeys(t, cache, alloc, i%4, keys)
		require.NoError(t, tr.InsertBranch(root, byteKeys, len(keys)))
	}

	root := tr.node(tr.root)
	require.False(t, root.isLeaf(), "root should have split into an index node by now")

	for k := range allKeys {
		msg, ok, err := tr.Lookup([]byte(k))
		require.NoError(t, err)
		require.True(t, ok, "missing key %q after split", k)
		require.Equal(t, k, string(msg.Data))
	}
}

func TestTreeCompactMergesOverlappingBranches(t *testing.T) {
	cfg := Config{MaxPivotKeys: 32, MaxBranches: 3, MaxTuples: 100000, FilterFPRate: 0.01}
	tr, cache, alloc := newTestTree(t, cfg)

	for i := 0; i < 6; i++ {
		keys := make([]string, 10)
		for j := range keys {
			keys[j] = fmt.Sprintf("k-%03d-%03d", i, j)
		}
		root, byteKeys := packKeys(t, cache, alloc, i%4, keys)
		require.NoError(t, tr.InsertBranch(root, byteKeys, len(keys)))
	}

	root := tr.node(tr.root)
	require.False(t, root.isLeaf())

	src := &trunkMsgSource{keys: []string{"k-002-005"}, msgs: []config.Message{{Kind: config.Update, Data: []byte("updated")}}}
	extra, _, err := btree.Pack(cache, alloc, 3, 4096, src)
	require.NoError(t, err)
	require.NoError(t, tr.InsertBranch(extra, [][]byte{[]byte("k-002-005")}, 1))

	require.NoError(t, tr.Compact(tr.root))

	root = tr.node(tr.root)
	require.Empty(t, root.branches, "compact should clear the root's own pending branches")

	msg, ok, err := tr.Lookup([]byte("k-002-005"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "updated", string(msg.Data))

	msg, ok, err = tr.Lookup([]byte("k-000-000"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "k-000-000", string(msg.Data))
}
