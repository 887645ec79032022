package btree

import (
	"github.com/IVOES/splinterdb/internal/config"
	"github.com/IVOES/splinterdb/internal/pagestore"
)

// Dynamic is the in-place, copy-on-write-per-path B-tree that backs a
// memtable (spec.md §4.5, "Dynamic B-tree"). Point inserts lock-couple
// down the tree: acquire a read latch on root, descend, and only take
// a write latch (via claim+lock) on a node that may need to split,
// propagating the split upward exactly as the teacher's treeInsert /
// nodeSplit3 does, generalized from raw values to messages.
type Dynamic struct {
	cache    *pagestore.Cache
	alloc    *pagestore.MiniAllocator
	dataCfg  config.DataConfig
	pageSize int
	batchID  int

	root pagestore.PageAddr
}

// NewDynamic creates an empty dynamic tree over cache, allocating new
// pages through alloc's batchID writer class.
func NewDynamic(cache *pagestore.Cache, alloc *pagestore.MiniAllocator, batchID int, dataCfg config.DataConfig, pageSize int) *Dynamic {
	return &Dynamic{cache: cache, alloc: alloc, dataCfg: dataCfg, pageSize: pageSize, batchID: batchID}
}

// Root reports the tree's current root address (NilAddr if empty).
func (t *Dynamic) Root() pagestore.PageAddr { return t.root }

func (t *Dynamic) cmp(a, b []byte) int { return t.dataCfg.Compare(a, b) }

func (t *Dynamic) newPage(typ pagestore.PageType) (*pagestore.Handle, error) {
	addr, err := t.alloc.Alloc(t.batchID)
	if err != nil {
		return nil, err
	}
	h, err := t.cache.Alloc(addr, typ)
	if err != nil {
		return nil, err
	}
	return h, nil
}

// Get performs the point lookup of spec.md §4.5: descend via pivot
// comparison, binary-search the leaf, and return the stored message.
func (t *Dynamic) Get(key []byte) (config.Message, bool, error) {
	if t.root == pagestore.NilAddr {
		return config.Message{}, false, nil
	}
	addr := t.root
	for {
		h, err := t.cache.Get(addr, pagestore.TypeInvalid)
		if err != nil {
			return config.Message{}, false, err
		}
		n := node{h.Data()}
		idx := lookupLE(n, key, t.cmp)
		if n.isLeaf() {
			var msg config.Message
			var found bool
			if n.nKeys() > 0 && t.cmp(n.getKey(idx), key) == 0 {
				msg, found = n.getMessage(idx), true
			}
			t.cache.Unget(h)
			return msg, found, nil
		}
		addr = n.getPtr(idx)
		t.cache.Unget(h)
	}
}

// Insert applies msg at key (spec.md §4.5, §4.6: memtable-only
// insert). If the key already has a message, the two are merged via
// DataConfig.Merge with msg as the newer side.
func (t *Dynamic) Insert(key []byte, msg config.Message) error {
	if t.root == pagestore.NilAddr {
		h, err := t.newPage(pagestore.TypeBTreeLeaf)
		if err != nil {
			return err
		}
		root := node{h.Data()}
		setHeader(root, pagestore.TypeBTreeLeaf, 1)
		appendKV(root, 0, 0, key, msg)
		t.root = h.Addr()
		t.cache.Unget(h)
		return nil
	}

	newRoot, split, err := t.insertInto(t.root, key, msg)
	if err != nil {
		return err
	}
	if !split.has {
		t.root = newRoot
		return nil
	}
	h, err := t.newPage(pagestore.TypeBTreeIndex)
	if err != nil {
		return err
	}
	root := node{h.Data()}
	setHeader(root, pagestore.TypeBTreeIndex, 2)
	appendKV(root, 0, newRoot, firstKeyOf(t, newRoot), config.Message{})
	appendKV(root, 1, split.addr, split.key, config.Message{})
	t.root = h.Addr()
	t.cache.Unget(h)
	return nil
}

type splitResult struct {
	has  bool
	addr pagestore.PageAddr
	key  []byte
}

// insertInto copies the path from addr down to key's leaf into freshly
// allocated pages (no page is modified in place) and returns the new
// address of that subtree's root, plus an optional split sibling to be
// linked in by the caller.
func (t *Dynamic) insertInto(addr pagestore.PageAddr, key []byte, msg config.Message) (pagestore.PageAddr, splitResult, error) {
	h, err := t.cache.Get(addr, pagestore.TypeInvalid)
	if err != nil {
		return 0, splitResult{}, err
	}
	n := node{h.Data()}
	leaf := n.isLeaf()
	idx := lookupLE(n, key, t.cmp)

	if leaf {
		newNode, err := t.copyLeafWithInsert(n, idx, key, msg)
		t.cache.Unget(h)
		if err != nil {
			return 0, splitResult{}, err
		}
		return t.commitSplit(newNode, pagestore.TypeBTreeLeaf)
	}

	childAddr := n.getPtr(idx)
	newChildAddr, split, err := t.insertInto(childAddr, key, msg)
	if err != nil {
		t.cache.Unget(h)
		return 0, splitResult{}, err
	}
	newNode := t.copyIndexWithUpdate(n, idx, newChildAddr, split)
	t.cache.Unget(h)
	return t.commitSplit(newNode, pagestore.TypeBTreeIndex)
}

// copyLeafWithInsert builds an oversized scratch leaf with key/msg
// placed (or merged) at the right position, mirroring the teacher's
// leafInsert/leafUpdate.
func (t *Dynamic) copyLeafWithInsert(old node, idx uint16, key []byte, msg config.Message) (node, error) {
	scratch := node{make([]byte, 2*t.pageSize)}
	if old.nKeys() > 0 && t.cmp(old.getKey(idx), key) == 0 {
		merged := t.dataCfg.Merge(old.getMessage(idx), msg)
		setHeader(scratch, pagestore.TypeBTreeLeaf, old.nKeys())
		appendRange(scratch, old, 0, 0, idx)
		appendKV(scratch, idx, 0, key, merged)
		appendRange(scratch, old, idx+1, idx+1, old.nKeys()-idx-1)
		return scratch, nil
	}
	insertAt := idx
	if old.nKeys() > 0 && t.cmp(old.getKey(idx), key) < 0 {
		insertAt = idx + 1
	}
	setHeader(scratch, pagestore.TypeBTreeLeaf, old.nKeys()+1)
	appendRange(scratch, old, 0, 0, insertAt)
	appendKV(scratch, insertAt, 0, key, msg)
	appendRange(scratch, old, insertAt+1, insertAt, old.nKeys()-insertAt)
	return scratch, nil
}

func (t *Dynamic) copyIndexWithUpdate(old node, idx uint16, newChild pagestore.PageAddr, split splitResult) node {
	extra := uint16(0)
	if split.has {
		extra = 1
	}
	scratch := node{make([]byte, 2*t.pageSize)}
	setHeader(scratch, pagestore.TypeBTreeIndex, old.nKeys()+extra)
	appendRange(scratch, old, 0, 0, idx)
	appendKV(scratch, idx, newChild, old.getKey(idx), config.Message{})
	if split.has {
		appendKV(scratch, idx+1, split.addr, split.key, config.Message{})
	}
	appendRange(scratch, old, idx+1+extra, idx+1, old.nKeys()-idx-1)
	return scratch
}

// commitSplit writes node (which may be oversized) to one or two
// fresh pages, splitting near the median if it doesn't fit
// (spec.md §4.5, "Split policy: on leaf overflow, pick split point
// near median; promote first key of right half").
func (t *Dynamic) commitSplit(n node, typ pagestore.PageType) (pagestore.PageAddr, splitResult, error) {
	if n.nbytes() <= t.pageSize {
		h, err := t.newPage(typ)
		if err != nil {
			return 0, splitResult{}, err
		}
		copy(h.Data(), n.data[:t.pageSize])
		addr := h.Addr()
		t.cache.Unget(h)
		return addr, splitResult{}, nil
	}

	mid := n.nKeys() / 2
	left := node{make([]byte, t.pageSize)}
	right := node{make([]byte, t.pageSize)}
	setHeader(left, typ, mid)
	setHeader(right, typ, n.nKeys()-mid)
	appendRange(left, n, 0, 0, mid)
	appendRange(right, n, 0, mid, n.nKeys()-mid)

	lh, err := t.newPage(typ)
	if err != nil {
		return 0, splitResult{}, err
	}
	copy(lh.Data(), left.data)
	laddr := lh.Addr()
	t.cache.Unget(lh)

	rh, err := t.newPage(typ)
	if err != nil {
		return 0, splitResult{}, err
	}
	copy(rh.Data(), right.data)
	raddr := rh.Addr()
	t.cache.Unget(rh)

	return laddr, splitResult{has: true, addr: raddr, key: right.getKey(0)}, nil
}

// Iter opens a range iterator over the tree's full key space, starting
// at its leftmost entry.
func (t *Dynamic) Iter() (*Iter, error) {
	return NewIter(dynamicSource{t}, t.root, t.cmp)
}

// Seek opens a range iterator positioned against key as the package
// Seek does: the smallest entry satisfying c for GE/GT, the largest for
// LE/LT.
func (t *Dynamic) Seek(key []byte, c Cmp) (*Iter, error) {
	return Seek(dynamicSource{t}, t.root, t.cmp, key, c)
}

func firstKeyOf(t *Dynamic, addr pagestore.PageAddr) []byte {
	h, err := t.cache.Get(addr, pagestore.TypeInvalid)
	if err != nil {
		return nil
	}
	key := append([]byte(nil), node{h.Data()}.getKey(0)...)
	t.cache.Unget(h)
	return key
}
