package btree

import (
	"github.com/IVOES/splinterdb/internal/config"
	"github.com/IVOES/splinterdb/internal/pagestore"
)

// Cmp enumerates the seek comparisons of spec.md §4.5's range
// iterator (teacher's CMP_GE/CMP_GT/CMP_LT/CMP_LE).
type Cmp int

const (
	GE Cmp = +3
	GT Cmp = +2
	LT Cmp = -2
	LE Cmp = -3
)

// pageSource is the minimal page-access surface both tree personalities
// share, so a single Iter implementation works over either.
type pageSource interface {
	get(addr pagestore.PageAddr) (*pagestore.Handle, error)
	unget(h *pagestore.Handle)
}

type dynamicSource struct{ t *Dynamic }

func (s dynamicSource) get(addr pagestore.PageAddr) (*pagestore.Handle, error) {
	return s.t.cache.Get(addr, pagestore.TypeInvalid)
}
func (s dynamicSource) unget(h *pagestore.Handle) { s.t.cache.Unget(h) }

// Iter walks a B-tree's leaves left-to-right (or right-to-left via
// Prev), holding a pin on the path from root to the current leaf
// until the caller advances past it (spec.md §4.5: "per-page pin held
// until advanced past"). It is the generalization of the teacher's
// BIter from raw values to messages.
type Iter struct {
	src       pageSource
	cmp       func(a, b []byte) int
	path      []*pagestore.Handle // path[0] is root, path[len-1] is the current leaf
	pos       []uint16            // pos[i] is the child/entry index taken at path[i]
	exhausted bool                // true once Next/Prev has walked off either end
}

// NewIter opens an iterator over the tree rooted at root.
func NewIter(src pageSource, root pagestore.PageAddr, cmp func(a, b []byte) int) (*Iter, error) {
	it := &Iter{src: src, cmp: cmp}
	if root == pagestore.NilAddr {
		return it, nil
	}
	if err := it.descendFrom(root, func(node) uint16 { return 0 }); err != nil {
		return nil, err
	}
	return it, nil
}

// Seek positions the iterator against key: for GE/GT at the smallest
// entry satisfying c, for LE/LT at the largest (spec.md §4.5/§8, "Keys
// at the exact pivot boundary go to the right child").
func Seek(src pageSource, root pagestore.PageAddr, cmp func(a, b []byte) int, key []byte, c Cmp) (*Iter, error) {
	it := &Iter{src: src, cmp: cmp}
	if root == pagestore.NilAddr {
		return it, nil
	}
	if err := it.descendFrom(root, func(n node) uint16 { return lookupLE(n, key, cmp) }); err != nil {
		return nil, err
	}
	if it.Valid() {
		cur, _ := it.Deref()
		if !cmpSatisfies(cmp, cur, key, c) {
			if c == GE || c == GT {
				it.Next()
			} else {
				it.Prev()
			}
		}
	}
	return it, nil
}

// descendFrom walks from addr to a leaf, choosing the child at each
// internal node via pick, and records the path.
func (it *Iter) descendFrom(addr pagestore.PageAddr, pick func(node) uint16) error {
	for {
		h, err := it.src.get(addr)
		if err != nil {
			it.Close()
			return err
		}
		n := node{h.Data()}
		idx := pick(n)
		it.path = append(it.path, h)
		it.pos = append(it.pos, idx)
		if n.isLeaf() {
			return nil
		}
		addr = n.getPtr(idx)
	}
}

func cmpSatisfies(cmp func(a, b []byte) int, key, ref []byte, c Cmp) bool {
	r := cmp(key, ref)
	switch c {
	case GE:
		return r >= 0
	case GT:
		return r > 0
	case LT:
		return r < 0
	case LE:
		return r <= 0
	}
	return false
}

// Valid reports whether Deref is safe to call.
func (it *Iter) Valid() bool {
	if len(it.path) == 0 || it.exhausted {
		return false
	}
	leaf := node{it.path[len(it.path)-1].Data()}
	return it.pos[len(it.pos)-1] < leaf.nKeys()
}

// Deref returns the current entry's key and message.
func (it *Iter) Deref() ([]byte, config.Message) {
	leaf := node{it.path[len(it.path)-1].Data()}
	idx := it.pos[len(it.pos)-1]
	return leaf.getKey(idx), leaf.getMessage(idx)
}

// Next advances the iterator one entry forward.
func (it *Iter) Next() {
	if it.exhausted || len(it.path) == 0 {
		return
	}
	leafLevel := len(it.path) - 1
	it.pos[leafLevel]++
	leaf := node{it.path[leafLevel].Data()}
	if it.pos[leafLevel] < leaf.nKeys() {
		return
	}
	it.climbAndDescend(leafLevel, +1)
}

// Prev moves the iterator one entry backward.
func (it *Iter) Prev() {
	if it.exhausted || len(it.path) == 0 {
		return
	}
	leafLevel := len(it.path) - 1
	if it.pos[leafLevel] > 0 {
		it.pos[leafLevel]--
		return
	}
	it.climbAndDescend(leafLevel, -1)
}

// climbAndDescend walks up from level until it finds a node whose
// index can move in dir, moves it, then redescends taking the
// leftmost (dir>0) or rightmost (dir<0) child at every level below.
// If no ancestor can move, the iterator has walked off that end of the
// tree and is marked exhausted.
func (it *Iter) climbAndDescend(level int, dir int) {
	for level > 0 {
		level--
		n := node{it.path[level].Data()}
		if dir > 0 {
			if it.pos[level]+1 < n.nKeys() {
				it.pos[level]++
				it.redescend(level, dir)
				return
			}
		} else {
			if it.pos[level] > 0 {
				it.pos[level]--
				it.redescend(level, dir)
				return
			}
		}
	}
	it.exhausted = true
}

// redescend re-fetches every child below level, following the leftmost
// (dir>0) or rightmost (dir<0) pointer down to a new leaf.
func (it *Iter) redescend(level int, dir int) {
	for i := level + 1; i < len(it.path); i++ {
		it.src.unget(it.path[i])
	}
	it.path = it.path[:level+1]
	it.pos = it.pos[:level+1]

	n := node{it.path[level].Data()}
	addr := n.getPtr(it.pos[level])
	for {
		h, err := it.src.get(addr)
		if err != nil {
			return
		}
		child := node{h.Data()}
		idx := uint16(0)
		if dir < 0 && child.nKeys() > 0 {
			idx = child.nKeys() - 1
		}
		it.path = append(it.path, h)
		it.pos = append(it.pos, idx)
		if child.isLeaf() {
			return
		}
		addr = child.getPtr(idx)
	}
}

// Close releases every page pin the iterator holds. Callers must call
// this once done, analogous to spec.md §6's iterator.deinit.
func (it *Iter) Close() {
	for _, h := range it.path {
		it.src.unget(h)
	}
	it.path = nil
	it.pos = nil
}
