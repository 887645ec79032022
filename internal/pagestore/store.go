package pagestore

import "context"

// Store is the raw block-I/O collaborator spec.md §1 puts out of
// scope ("Raw block I/O ... assumed available"). REDESIGN FLAGS item 6
// folds the source's mmap-backed persistent-memory path under this
// trait, with Dram, File and (future) Pmem implementations selected by
// config rather than compiled in directly.
type Store interface {
	// ReadPage reads exactly PageSize bytes at the given page
	// address into dst.
	ReadPage(addr PageAddr, dst []byte) error

	// WritePage writes exactly PageSize bytes at the given page
	// address.
	WritePage(addr PageAddr, src []byte) error

	// Sync flushes all writes to stable storage.
	Sync() error

	// Grow ensures the store can address at least numPages pages,
	// extending the backing file/region if necessary.
	Grow(numPages int) error

	// NumPages returns the current addressable page count.
	NumPages() int

	// Close releases the store's resources.
	Close() error
}

// AsyncStore is implemented by stores that can issue a read without
// blocking the caller (Dram does). The page cache's get_async path
// (Cache.GetAsync, spec.md §4.3, §5) does not use it: it always runs a
// synchronous fill in a goroutine.
type AsyncStore interface {
	Store
	ReadPageAsync(ctx context.Context, addr PageAddr, dst []byte) <-chan error
}
