package pagestore

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/IVOES/splinterdb/errs"
)

// Frame is one slot of the cache's frame table: a disk page plus its
// metadata (spec.md §4.3). PinCount, Dirty and AccessBit are atomics
// so Get/Unget never contend with the clock sweep for anything beyond
// the frame's own per-page latch.
type Frame struct {
	addr     PageAddr
	pageType PageType
	data     []byte

	pinCount  atomic.Int32
	dirty     atomic.Bool
	accessBit atomic.Bool
	claimed   atomic.Bool

	latch sync.RWMutex
}

// Handle is a pinned reference to a Frame, returned by Get/Alloc. It
// is not safe for concurrent use by multiple goroutines; callers that
// hand a page to another goroutine must call Get again.
type Handle struct {
	frame *Frame
	write bool
}

func (h *Handle) Addr() PageAddr   { return h.frame.addr }
func (h *Handle) Type() PageType   { return h.frame.pageType }
func (h *Handle) Data() []byte     { return h.frame.data }
func (h *Handle) SetType(t PageType) { h.frame.pageType = t }

// Cache is the fixed-size frame table over a Store described in
// spec.md §4.3: a hash map from address to frame index, a clock hand
// sweeping for eviction candidates, and a background flusher for
// dirty pages.
type Cache struct {
	store    Store
	pageSize int
	logger   zerolog.Logger

	frames []Frame

	indexMu sync.RWMutex
	index   map[PageAddr]int

	freeMu   spinlock
	freeList []int // frame slots holding no resident page

	clockHand atomic.Int64

	waitMu  sync.Mutex
	waiters map[PageAddr][]chan error

	writeback chan int // frame indices queued for async writeback

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewCache builds a cache of numFrames frames over store, and starts
// its background clock-sweep and writeback goroutines.
func NewCache(store Store, pageSize, numFrames int, logger zerolog.Logger) *Cache {
	c := &Cache{
		store:     store,
		pageSize:  pageSize,
		logger:    logger.With().Str("component", "cache").Logger(),
		frames:    make([]Frame, numFrames),
		index:     make(map[PageAddr]int, numFrames),
		freeList:  make([]int, numFrames),
		waiters:   make(map[PageAddr][]chan error),
		writeback: make(chan int, numFrames),
		stop:      make(chan struct{}),
	}
	for i := range c.frames {
		c.frames[i].data = make([]byte, pageSize)
		c.freeList[i] = i
	}
	c.wg.Add(2)
	go c.clockSweepLoop()
	go c.writebackLoop()
	return c
}

// Close stops the background goroutines. It does not flush dirty
// pages; call FlushAll first if that is required.
func (c *Cache) Close() {
	close(c.stop)
	c.wg.Wait()
}

// Get returns a read-pinned handle for addr, reading it from the
// Store if not already resident (spec.md §4.3).
func (c *Cache) Get(addr PageAddr, expect PageType) (*Handle, error) {
	if idx, ok := c.lookup(addr); ok {
		f := &c.frames[idx]
		f.pinCount.Add(1)
		f.accessBit.Store(true)
		return &Handle{frame: f}, nil
	}
	idx, err := c.fill(addr, expect)
	if err != nil {
		return nil, err
	}
	f := &c.frames[idx]
	f.pinCount.Add(1)
	f.accessBit.Store(true)
	return &Handle{frame: f}, nil
}

// LookupFuture is the async-lookup context of spec.md §4.7/§5: parked
// on a cache-miss wait queue keyed by page address, resumed by the
// cache-fill completion instead of blocking its caller's goroutine on
// I/O. It stands in for the source's suspend-and-resume cooperative
// coroutine.
type LookupFuture struct {
	done chan error
	c    *Cache
	addr PageAddr
}

// Wait blocks until the page is resident (or the fill failed) and
// returns a read-pinned handle.
func (lf *LookupFuture) Wait() (*Handle, error) {
	if err := <-lf.done; err != nil {
		return nil, err
	}
	idx, ok := lf.c.lookup(lf.addr)
	if !ok {
		return nil, fmt.Errorf("%w: page vanished after fill", errs.InvalidState)
	}
	f := &lf.c.frames[idx]
	f.pinCount.Add(1)
	f.accessBit.Store(true)
	return &Handle{frame: f}, nil
}

// GetAsync is the non-blocking variant of Get (spec.md §4.3): on a
// cache hit it resolves immediately; on a miss it suspends the
// returned future on addr's wait queue and kicks off the fill in the
// background.
func (c *Cache) GetAsync(ctx context.Context, addr PageAddr, expect PageType) *LookupFuture {
	done := make(chan error, 1)
	if _, ok := c.lookup(addr); ok {
		done <- nil
		return &LookupFuture{done: done, c: c, addr: addr}
	}

	c.waitMu.Lock()
	if _, ok := c.lookup(addr); ok {
		c.waitMu.Unlock()
		done <- nil
		return &LookupFuture{done: done, c: c, addr: addr}
	}
	first := len(c.waiters[addr]) == 0
	c.waiters[addr] = append(c.waiters[addr], done)
	c.waitMu.Unlock()

	if first {
		go func() {
			_, err := c.fill(addr, expect)
			c.waitMu.Lock()
			ws := c.waiters[addr]
			delete(c.waiters, addr)
			c.waitMu.Unlock()
			for _, w := range ws {
				w <- err
			}
		}()
	}
	return &LookupFuture{done: done, c: c, addr: addr}
}

// Prefetch issues an async read for addr without pinning it, so a
// later Get is likely to hit (spec.md §4.3).
func (c *Cache) Prefetch(addr PageAddr, expect PageType) {
	if _, ok := c.lookup(addr); ok {
		return
	}
	go func() { _, _ = c.fill(addr, expect) }()
}

// Alloc returns a write-pinned handle for a zero-initialized frame at
// addr, which the caller has already obtained from the block/mini
// allocator (spec.md §4.3, alloc). The page is not written to the
// Store until a later Flush/FlushAll, or until the background
// writeback picks it up once the clock sweep finds it dirty and
// unpinned.
func (c *Cache) Alloc(addr PageAddr, t PageType) (*Handle, error) {
	idx, err := c.evictOrTakeFree()
	if err != nil {
		return nil, err
	}
	f := &c.frames[idx]
	f.addr = addr
	f.pageType = t
	for i := range f.data {
		f.data[i] = 0
	}
	PutType(f.data, t)
	f.pinCount.Store(1)
	f.accessBit.Store(true)
	f.dirty.Store(true)
	f.claimed.Store(true)

	c.indexMu.Lock()
	c.index[addr] = idx
	c.indexMu.Unlock()

	return &Handle{frame: f, write: true}, nil
}

// TryClaim upgrades a read pin to an intention to write; it fails if
// another claim is already outstanding on the frame (spec.md §4.3).
// A successful claim must be followed by Lock before mutating data.
func (c *Cache) TryClaim(h *Handle) bool {
	if h.frame.claimed.CompareAndSwap(false, true) {
		h.write = true
		return true
	}
	return false
}

// Lock acquires the frame's exclusive latch and marks it dirty
// (spec.md §4.3: "lock(handle) ... implies mark_dirty"). The caller
// must hold a successful TryClaim (or have come from Alloc).
func (c *Cache) Lock(h *Handle) error {
	if !h.write {
		return fmt.Errorf("%w: lock without claim", errs.InvalidState)
	}
	h.frame.latch.Lock()
	h.frame.dirty.Store(true)
	return nil
}

// Unlock releases the frame's exclusive latch.
func (c *Cache) Unlock(h *Handle) {
	h.frame.latch.Unlock()
}

// MarkDirty flags the frame dirty without taking the latch, for
// callers that mutate under an external lock (e.g. the trunk's
// structural compaction_lock).
func (c *Cache) MarkDirty(h *Handle) {
	h.frame.dirty.Store(true)
}

// Unget drops one pin, and releases the claim if this handle held it.
func (c *Cache) Unget(h *Handle) {
	if h.write {
		h.frame.claimed.Store(false)
		h.write = false
	}
	h.frame.pinCount.Add(-1)
}

// Flush synchronously writes addr's page to the Store if dirty.
func (c *Cache) Flush(addr PageAddr) error {
	idx, ok := c.lookup(addr)
	if !ok {
		return nil
	}
	return c.flushFrame(idx)
}

// FlushAll synchronously writes every dirty frame, then syncs the
// Store (spec.md §4.3, flush_all).
func (c *Cache) FlushAll() error {
	c.indexMu.RLock()
	indices := make([]int, 0, len(c.index))
	for _, idx := range c.index {
		indices = append(indices, idx)
	}
	c.indexMu.RUnlock()

	for _, idx := range indices {
		if err := c.flushFrame(idx); err != nil {
			return err
		}
	}
	return c.store.Sync()
}

func (c *Cache) flushFrame(idx int) error {
	f := &c.frames[idx]
	if !f.dirty.Load() {
		return nil
	}
	f.latch.RLock()
	err := c.store.WritePage(f.addr, f.data)
	f.latch.RUnlock()
	if err != nil {
		return fmt.Errorf("%w: flush %d: %v", errs.IOError, f.addr, err)
	}
	f.dirty.Store(false)
	return nil
}

func (c *Cache) lookup(addr PageAddr) (int, bool) {
	c.indexMu.RLock()
	idx, ok := c.index[addr]
	c.indexMu.RUnlock()
	return idx, ok
}

func (c *Cache) fill(addr PageAddr, expect PageType) (int, error) {
	idx, err := c.evictOrTakeFree()
	if err != nil {
		return 0, err
	}
	f := &c.frames[idx]
	if err := c.store.ReadPage(addr, f.data); err != nil {
		c.freeMu.Lock()
		c.freeList = append(c.freeList, idx)
		c.freeMu.Unlock()
		return 0, fmt.Errorf("%w: read %d: %v", errs.IOError, addr, err)
	}
	if got := TypeOf(f.data); expect != TypeInvalid && got != expect {
		c.freeMu.Lock()
		c.freeList = append(c.freeList, idx)
		c.freeMu.Unlock()
		return 0, fmt.Errorf("%w: page %d type %s, expected %s", errs.Corrupt, addr, got, expect)
	}
	f.addr = addr
	f.pageType = expect
	f.pinCount.Store(0)
	f.dirty.Store(false)
	f.accessBit.Store(false)
	f.claimed.Store(false)

	c.indexMu.Lock()
	c.index[addr] = idx
	c.indexMu.Unlock()
	return idx, nil
}

func (c *Cache) evictOrTakeFree() (int, error) {
	c.freeMu.Lock()
	if n := len(c.freeList); n > 0 {
		idx := c.freeList[n-1]
		c.freeList = c.freeList[:n-1]
		c.freeMu.Unlock()
		return idx, nil
	}
	c.freeMu.Unlock()
	return c.evictOne()
}
