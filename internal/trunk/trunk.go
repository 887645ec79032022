// Package trunk implements the LSM tree of nodes that organizes
// flushed memtable branches into a searchable, compactable structure
// (spec.md §4.7). Trunk nodes are not persisted as pages themselves
// (REDESIGN FLAGS, item 1): each lives in an in-process arena indexed
// by a nodeID, and references its children by that id rather than by
// pointer or page address; trunk crash recovery is an explicit
// Non-goal, so there is nothing to serialize here. The branches a node
// holds, however, are ordinary packed B-trees living on the shared
// page store, so their data does survive a restart — only the
// pivot/filter bookkeeping that organizes them does not.
package trunk

import (
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/IVOES/splinterdb/errs"
	"github.com/IVOES/splinterdb/internal/btree"
	"github.com/IVOES/splinterdb/internal/config"
	"github.com/IVOES/splinterdb/internal/filter"
	"github.com/IVOES/splinterdb/internal/pagestore"
)

type nodeID int32

const noNode nodeID = -1

// branch is one packed B-tree admitted into a node's branch list,
// newest appended last. keyMin/keyMax bound its compaction-overlap
// test without touching the page store.
type branch struct {
	localID filter.BranchID
	root    pagestore.PageAddr
	keyMin  []byte
	keyMax  []byte
	tuples  int
}

// node is one trunk node: pivots split its key range across children
// (leaf nodes have none), and branches[] holds messages pending
// push-down into those children, newest last (spec.md §4.7).
type node struct {
	mu sync.RWMutex // the node's "compaction_lock": RLock for lookups, Lock for structural change

	pivots   [][]byte // len(children)-1
	children []nodeID // nil for a leaf

	branches []*branch
	filt     *filter.Filter
	nextLID  filter.BranchID

	tupleCount int
	generation uint64
}

func (n *node) isLeaf() bool { return n.children == nil }

// childFor returns the index of the child whose pivot band contains
// key (spec.md §4.7 Lookup step 1).
func (n *node) childFor(key []byte, cmp func(a, b []byte) int) int {
	idx := 0
	for i, p := range n.pivots {
		if cmp(key, p) >= 0 {
			idx = i + 1
		} else {
			break
		}
	}
	return idx
}

// nodeHeader is the decoded-pivot-set cache entry: a node's pivot
// slice recorded together with the node generation it was taken at.
// Pivots are already plain Go slices here (no on-disk decode), and
// callers still hold the node's RWMutex read lock while using it.
type nodeHeader struct {
	pivots [][]byte
	gen    uint64
}

// Tree is the trunk LSM: a single root node that grows leaves via
// splits and absorbs memtable flushes directly (spec.md §4.7).
type Tree struct {
	cache    *pagestore.Cache
	alloc    *pagestore.MiniAllocator
	dataCfg  config.DataConfig
	pageSize int
	fpRate   float64
	logger   zerolog.Logger

	maxPivotKeys int
	maxBranches  int
	maxTuples    int

	mu     sync.RWMutex
	arena  []*node
	root   nodeID
	nextID atomic.Int64

	headers *lru.Cache[nodeID, nodeHeader]
}

// Config collects the trunk's size thresholds, split out from
// config.Config so tests can exercise splits/compaction at small
// scale without tiny page sizes.
type Config struct {
	MaxPivotKeys int
	MaxBranches  int
	MaxTuples    int
	FilterFPRate float64
}

// New creates an empty trunk with a single leaf root.
func New(cache *pagestore.Cache, alloc *pagestore.MiniAllocator, dataCfg config.DataConfig, pageSize int, cfg Config, logger zerolog.Logger) *Tree {
	headers, _ := lru.New[nodeID, nodeHeader](1024)
	t := &Tree{
		cache:        cache,
		alloc:        alloc,
		dataCfg:      dataCfg,
		pageSize:     pageSize,
		fpRate:       cfg.FilterFPRate,
		logger:       logger,
		maxPivotKeys: cfg.MaxPivotKeys,
		maxBranches:  cfg.MaxBranches,
		maxTuples:    cfg.MaxTuples,
		headers:      headers,
	}
	root := t.newNode(true)
	t.root = root
	return t
}

func (t *Tree) newNode(leaf bool) nodeID {
	n := &node{filt: filter.New(256, t.fpRate)}
	if !leaf {
		n.children = []nodeID{}
	}
	id := nodeID(t.nextID.Add(1) - 1)
	t.mu.Lock()
	if int(id) >= len(t.arena) {
		grown := make([]*node, id+1)
		copy(grown, t.arena)
		t.arena = grown
	}
	t.arena[id] = n
	t.mu.Unlock()
	return id
}

func (t *Tree) node(id nodeID) *node {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.arena[id]
}

func (t *Tree) cmp(a, b []byte) int { return t.dataCfg.Compare(a, b) }

// InsertBranch admits a freshly packed branch into the root's branch
// list at the newest position (spec.md §4.7, "Insert. Always into the
// root via memtable flush"). keys, in ascending order, are hashed into
// the root's filter so lookups can route around this branch cheaply.
func (t *Tree) InsertBranch(root pagestore.PageAddr, keys [][]byte, tuples int) error {
	t.mu.RLock()
	rootID := t.root
	t.mu.RUnlock()
	n := t.node(rootID)

	n.mu.Lock()
	defer n.mu.Unlock()

	localID := n.nextLID
	n.nextLID++
	var keyMin, keyMax []byte
	if len(keys) > 0 {
		keyMin, keyMax = keys[0], keys[len(keys)-1]
	}
	for _, k := range keys {
		n.filt.Add(filter.Hash(k), localID)
	}
	n.branches = append(n.branches, &branch{localID: localID, root: root, keyMin: keyMin, keyMax: keyMax, tuples: tuples})
	n.tupleCount += tuples
	n.generation++
	t.logger.Debug().Int("node", int(rootID)).Int("branch", int(localID)).Int("tuples", tuples).Msg("trunk branch admitted")

	if len(n.branches) > t.maxBranches || n.tupleCount > t.maxTuples {
		return t.maybeSplitLeaf(rootID, n)
	}
	return nil
}

// Lookup implements spec.md §4.7 Lookup: descend by pivot band,
// consulting each node's routing filter and accumulating messages
// newest-to-oldest, stopping at the first definitive message.
func (t *Tree) Lookup(key []byte) (config.Message, bool, error) {
	t.mu.RLock()
	id := t.root
	t.mu.RUnlock()

	h := filter.Hash(key)
	var acc config.Message
	have := false

	for {
		n := t.node(id)
		n.mu.RLock()
		candidates := n.filt.Query(h)
		for i := len(n.branches) - 1; i >= 0; i-- {
			b := n.branches[i]
			if !candidates.Test(uint(b.localID)) {
				continue
			}
			msg, ok, err := t.probeBranch(b, key)
			if err != nil {
				n.mu.RUnlock()
				return config.Message{}, false, err
			}
			if !ok {
				continue
			}
			if !have {
				acc, have = msg, true
			} else {
				acc = t.dataCfg.Merge(msg, acc)
			}
			if acc.Definitive() {
				n.mu.RUnlock()
				if acc.Kind == config.Delete {
					return config.Message{}, false, nil
				}
				return t.dataCfg.MergeFinal(acc), true, nil
			}
		}
		if n.isLeaf() {
			n.mu.RUnlock()
			break
		}
		child := n.children[t.childForCached(id, n, key)]
		n.mu.RUnlock()
		id = child
	}

	if !have {
		return config.Message{}, false, nil
	}
	return t.dataCfg.MergeFinal(acc), true, nil
}

// childForCached resolves the pivot band for key under id's current
// generation: on a header-cache hit it scans the cached pivot slice,
// on a miss it records n's pivots in the cache and scans n's own (n
// must already be read-locked by the caller; this only reads it, never
// blocks on it). Both paths do the same linear pivot scan.
func (t *Tree) childForCached(id nodeID, n *node, key []byte) int {
	if h, ok := t.headers.Get(id); ok && h.gen == n.generation {
		idx := 0
		for i, p := range h.pivots {
			if t.cmp(key, p) >= 0 {
				idx = i + 1
			} else {
				break
			}
		}
		return idx
	}
	t.headers.Add(id, nodeHeader{pivots: n.pivots, gen: n.generation})
	return n.childFor(key, t.cmp)
}

func (t *Tree) probeBranch(b *branch, key []byte) (config.Message, bool, error) {
	p := btree.OpenPacked(t.cache, b.root, t.cmp)
	return p.Get(key)
}

// allocBatch is the mini-allocator writer class trunk-owned structural
// writes (packed compaction/leaf-split output) use.
const allocBatch = 0

func (t *Tree) openAllBranches(n *node) ([]*btree.Packed, []*branch) {
	trees := make([]*btree.Packed, len(n.branches))
	for i, b := range n.branches {
		trees[i] = btree.OpenPacked(t.cache, b.root, t.cmp)
	}
	return trees, n.branches
}
