package pagestore

import "sync"

// batch is a mini-allocator's per-writer-class allocation cursor: the
// extent currently being carved up plus the next free page offset
// within it (spec.md §4.2).
type batch struct {
	mu       sync.Mutex
	extent   PageAddr
	hasExt   bool
	cursor   int // next page offset within extent, in [0, pagesPerExtent)
}

// MiniAllocator wraps a BlockAllocator for a single logical object (a
// B-tree, a log shard): it keeps K concurrent batches, one per writer
// thread class, each holding a current extent and cursor, so
// independent writers don't serialize on a single cursor
// (spec.md §4.2).
type MiniAllocator struct {
	blocks *BlockAllocator
	owner  PageType

	mu      sync.Mutex
	batches []*batch
}

// NewMiniAllocator creates a mini-allocator over blocks with
// numBatches concurrent writer classes, scoped to owner (used only for
// diagnostics/logging, not correctness).
func NewMiniAllocator(blocks *BlockAllocator, owner PageType, numBatches int) *MiniAllocator {
	m := &MiniAllocator{blocks: blocks, owner: owner}
	m.batches = make([]*batch, numBatches)
	for i := range m.batches {
		m.batches[i] = &batch{}
	}
	return m
}

// Alloc returns the next page address for writer class batchID,
// pulling a new extent from the block allocator when the current one
// is exhausted (spec.md §4.2, alloc(page_size) -> addr).
func (m *MiniAllocator) Alloc(batchID int) (PageAddr, error) {
	b := m.batchFor(batchID)
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.hasExt || b.cursor >= m.blocks.PagesPerExtent() {
		ext, err := m.blocks.AllocExtent()
		if err != nil {
			return NilAddr, err
		}
		b.extent = ext
		b.hasExt = true
		b.cursor = 0
	}
	addr := b.extent + PageAddr(b.cursor)
	b.cursor++
	return addr, nil
}

// Release returns the unused tail of batchID's current extent to the
// block allocator by dropping this mini-allocator's reference to it,
// so a partially-filled extent at shutdown doesn't leak
// (spec.md §4.2, release).
func (m *MiniAllocator) Release(batchID int) {
	b := m.batchFor(batchID)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.hasExt {
		m.blocks.DecRef(b.extent)
		b.hasExt = false
		b.cursor = 0
	}
}

func (m *MiniAllocator) batchFor(batchID int) *batch {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.batches[batchID%len(m.batches)]
}
