package pagestore

import (
	"fmt"
	"sync/atomic"

	"github.com/bits-and-blooms/bitset"

	"github.com/IVOES/splinterdb/errs"
)

// ExtentAddr identifies an extent: a contiguous group of PagesPerExtent
// pages allocated and freed as a unit (spec.md §4.1, GLOSSARY).
type ExtentAddr uint32

// BlockAllocator hands out fixed-size extents from a disk region and
// reference-counts them (spec.md §4.1). Allocation is O(1) via a
// free-list under a spinlock, matching the source's design; refcounts
// use atomics so inc_ref/dec_ref never block an allocation in
// progress.
type BlockAllocator struct {
	store          Store
	pageSize       int
	pagesPerExtent int

	mu   spinlock
	used *bitset.BitSet // extent index -> allocated
	free []ExtentAddr   // stack of free extent indices, LIFO

	refCounts []atomic.Uint32 // one per extent slot ever handed out
	numExtents atomic.Uint32  // high-water mark of extents ever created
}

// NewBlockAllocator creates an allocator over store, where each extent
// spans pagesPerExtent pages. Extent 0 holds page 0 (NilAddr, the
// super page) and is never handed out.
func NewBlockAllocator(store Store, pageSize, pagesPerExtent int) *BlockAllocator {
	a := &BlockAllocator{
		store:          store,
		pageSize:       pageSize,
		pagesPerExtent: pagesPerExtent,
		used:           bitset.New(1024),
		refCounts:      make([]atomic.Uint32, 0, 1024),
	}
	a.refCounts = a.refCounts[:1]
	a.refCounts[0].Store(1)
	a.numExtents.Store(1)
	return a
}

// AllocExtent reserves a fresh extent, growing the backing store if
// the free list is empty, and returns its base page address with a
// reference count of 1.
func (a *BlockAllocator) AllocExtent() (PageAddr, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var ext ExtentAddr
	if n := len(a.free); n > 0 {
		ext = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		idx := a.numExtents.Add(1) - 1
		if int(idx) >= cap(a.refCounts) {
			grown := make([]atomic.Uint32, len(a.refCounts), cap(a.refCounts)*2+1)
			copy(grown, a.refCounts)
			a.refCounts = grown
		}
		a.refCounts = a.refCounts[:idx+1]
		ext = ExtentAddr(idx)
		needPages := (int(ext) + 1) * a.pagesPerExtent
		if err := a.store.Grow(needPages); err != nil {
			return NilAddr, fmt.Errorf("%w: alloc extent: %v", errs.NoSpace, err)
		}
	}
	a.used.Set(uint(ext))
	a.refCounts[ext].Store(1)
	return a.extentBaseAddr(ext), nil
}

// IncRef bumps an extent's reference count (e.g. a new branch sharing
// an existing extent group).
func (a *BlockAllocator) IncRef(addr PageAddr) {
	ext := a.extentOf(addr)
	a.refCounts[ext].Add(1)
}

// DecRef drops an extent's reference count, freeing it for reuse when
// it reaches zero (spec.md §4.1).
func (a *BlockAllocator) DecRef(addr PageAddr) {
	ext := a.extentOf(addr)
	if a.refCounts[ext].Add(^uint32(0)) == 0 {
		a.mu.Lock()
		a.used.Clear(uint(ext))
		a.free = append(a.free, ext)
		a.mu.Unlock()
	}
}

// BaseAddr rounds addr down to its extent's base page address
// (spec.md §4.1, base_addr).
func (a *BlockAllocator) BaseAddr(addr PageAddr) PageAddr {
	return a.extentBaseAddr(a.extentOf(addr))
}

// PagesPerExtent reports the allocator's extent width in pages.
func (a *BlockAllocator) PagesPerExtent() int { return a.pagesPerExtent }

func (a *BlockAllocator) extentOf(addr PageAddr) ExtentAddr {
	return ExtentAddr(uint64(addr) / uint64(a.pagesPerExtent))
}

func (a *BlockAllocator) extentBaseAddr(ext ExtentAddr) PageAddr {
	return PageAddr(uint64(ext) * uint64(a.pagesPerExtent))
}

// LiveExtents returns the number of extents currently marked allocated
// (the reserved extent 0 is not counted).
func (a *BlockAllocator) LiveExtents() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return int(a.used.Count())
}
