package btree

import (
	"github.com/IVOES/splinterdb/internal/config"
	"github.com/IVOES/splinterdb/internal/pagestore"
)

// Source feeds a sorted, deduplicated stream of (key, message) pairs
// to Pack. Callers typically derive it from a Dynamic.Iter() over a
// sealed memtable, or from a merge of several branches' iterators
// during compaction.
type Source interface {
	// Next returns the next entry in ascending key order, or ok=false
	// once exhausted.
	Next() (key []byte, msg config.Message, ok bool, err error)
}

// pendingEntry is one not-yet-committed node entry: ptr is 0 for a
// leaf entry, the child address for an index entry.
type pendingEntry struct {
	key []byte
	ptr pagestore.PageAddr
	msg config.Message
}

func entryCost(e pendingEntry) int {
	return entryHeader + len(e.key) + len(e.msg.Data) + 8 + 2
}

// buildPage finalizes a page from buffered entries: the node's nKeys
// header is fixed once, up front, since entry offsets are computed
// relative to the final header size (node.go's offsetPos), then
// entries are appended in order.
func buildPage(pageSize int, typ pagestore.PageType, entries []pendingEntry) []byte {
	n := node{make([]byte, pageSize)}
	setHeader(n, typ, uint16(len(entries)))
	for i, e := range entries {
		appendKV(n, uint16(i), e.ptr, e.key, e.msg)
	}
	return n.data
}

// Pack bulk-builds an immutable Packed B-tree branch from src,
// grounded on the fill-leaves/flush-on-overflow/track-min-key pattern
// used elsewhere in the pack for building sorted on-disk runs (see
// DESIGN.md). It returns the new tree's root address and the number of
// entries written, or (NilAddr, 0, nil) if src was empty.
//
// Unlike Dynamic, no page is ever read back during the build: each
// leaf and index level is assembled once in memory and written
// straight to a fresh page (spec.md §4.5, "Packed B-tree ... built
// once from a sorted stream, read-only thereafter").
func Pack(cache *pagestore.Cache, alloc *pagestore.MiniAllocator, batchID int, pageSize int, src Source) (pagestore.PageAddr, int, error) {
	leafAddrs, firstKeys, n, err := packLeaves(cache, alloc, batchID, pageSize, src)
	if err != nil {
		return pagestore.NilAddr, 0, err
	}
	if len(leafAddrs) == 0 {
		return pagestore.NilAddr, 0, nil
	}
	root, err := packIndexLevel(cache, alloc, batchID, pageSize, leafAddrs, firstKeys)
	if err != nil {
		return pagestore.NilAddr, 0, err
	}
	return root, n, nil
}

func packLeaves(cache *pagestore.Cache, alloc *pagestore.MiniAllocator, batchID int, pageSize int, src Source) ([]pagestore.PageAddr, [][]byte, int, error) {
	var leafAddrs []pagestore.PageAddr
	var firstKeys [][]byte
	total := 0

	var pending []pendingEntry
	size := header

	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		addr, err := writePage(cache, alloc, batchID, pageSize, pagestore.TypeBTreeLeaf, pending)
		if err != nil {
			return err
		}
		leafAddrs = append(leafAddrs, addr)
		firstKeys = append(firstKeys, pending[0].key)
		pending = nil
		size = header
		return nil
	}

	for {
		key, msg, ok, err := src.Next()
		if err != nil {
			return nil, nil, 0, err
		}
		if !ok {
			break
		}
		e := pendingEntry{key: append([]byte(nil), key...), msg: msg}
		cost := entryCost(e)
		if len(pending) > 0 && size+cost > pageSize {
			if err := flush(); err != nil {
				return nil, nil, 0, err
			}
		}
		pending = append(pending, e)
		size += cost
		total++
	}
	if err := flush(); err != nil {
		return nil, nil, 0, err
	}
	return leafAddrs, firstKeys, total, nil
}

// packIndexLevel builds one index level over child addrs/keys, then
// recurses on the level above until a single root remains, mirroring
// the fan-in a bulk loader uses to keep the tree balanced without ever
// rebalancing after the fact.
func packIndexLevel(cache *pagestore.Cache, alloc *pagestore.MiniAllocator, batchID int, pageSize int, addrs []pagestore.PageAddr, keys [][]byte) (pagestore.PageAddr, error) {
	if len(addrs) == 1 {
		return addrs[0], nil
	}

	var nextAddrs []pagestore.PageAddr
	var nextKeys [][]byte

	var pending []pendingEntry
	size := header

	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		addr, err := writePage(cache, alloc, batchID, pageSize, pagestore.TypeBTreeIndex, pending)
		if err != nil {
			return err
		}
		nextAddrs = append(nextAddrs, addr)
		nextKeys = append(nextKeys, pending[0].key)
		pending = nil
		size = header
		return nil
	}

	for i, addr := range addrs {
		e := pendingEntry{key: keys[i], ptr: addr}
		cost := entryCost(e)
		if len(pending) > 0 && size+cost > pageSize {
			if err := flush(); err != nil {
				return pagestore.NilAddr, err
			}
		}
		pending = append(pending, e)
		size += cost
	}
	if err := flush(); err != nil {
		return pagestore.NilAddr, err
	}

	return packIndexLevel(cache, alloc, batchID, pageSize, nextAddrs, nextKeys)
}

func writePage(cache *pagestore.Cache, alloc *pagestore.MiniAllocator, batchID int, pageSize int, typ pagestore.PageType, entries []pendingEntry) (pagestore.PageAddr, error) {
	raw := buildPage(pageSize, typ, entries)
	addr, err := alloc.Alloc(batchID)
	if err != nil {
		return pagestore.NilAddr, err
	}
	h, err := cache.Alloc(addr, typ)
	if err != nil {
		return pagestore.NilAddr, err
	}
	copy(h.Data(), raw)
	cache.Unget(h)
	return addr, nil
}

// Packed is a read-only handle onto a bulk-built branch, supporting
// the same point-lookup and iteration operations as Dynamic but never
// mutating pages.
type Packed struct {
	cache *pagestore.Cache
	cmp   func(a, b []byte) int
	root  pagestore.PageAddr
}

// OpenPacked wraps an existing packed-tree root for reads.
func OpenPacked(cache *pagestore.Cache, root pagestore.PageAddr, cmp func(a, b []byte) int) *Packed {
	return &Packed{cache: cache, cmp: cmp, root: root}
}

func (p *Packed) Root() pagestore.PageAddr { return p.root }

type packedSource struct{ p *Packed }

func (s packedSource) get(addr pagestore.PageAddr) (*pagestore.Handle, error) {
	return s.p.cache.Get(addr, pagestore.TypeInvalid)
}
func (s packedSource) unget(h *pagestore.Handle) { s.p.cache.Unget(h) }

// Get performs a point lookup, returning (message, true, nil) if key
// is present.
func (p *Packed) Get(key []byte) (config.Message, bool, error) {
	if p.root == pagestore.NilAddr {
		return config.Message{}, false, nil
	}
	addr := p.root
	for {
		h, err := p.cache.Get(addr, pagestore.TypeInvalid)
		if err != nil {
			return config.Message{}, false, err
		}
		n := node{h.Data()}
		idx := lookupLE(n, key, p.cmp)
		if n.isLeaf() {
			var msg config.Message
			var found bool
			if n.nKeys() > 0 && p.cmp(n.getKey(idx), key) == 0 {
				msg, found = n.getMessage(idx), true
			}
			p.cache.Unget(h)
			return msg, found, nil
		}
		addr = n.getPtr(idx)
		p.cache.Unget(h)
	}
}

// Iter opens a range iterator over the branch's full key space.
func (p *Packed) Iter() (*Iter, error) {
	return NewIter(packedSource{p}, p.root, p.cmp)
}

// Seek opens a range iterator positioned against key as the package
// Seek does: the smallest entry satisfying c for GE/GT, the largest for
// LE/LT.
func (p *Packed) Seek(key []byte, c Cmp) (*Iter, error) {
	return Seek(packedSource{p}, p.root, p.cmp, key, c)
}
