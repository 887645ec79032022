package pagestore

import (
	"fmt"
	"time"

	"github.com/IVOES/splinterdb/errs"
)

// clockSweepLoop is the background reclaimer of spec.md §4.3: it
// repeatedly calls evictOne's underlying single-pass scan so frames
// free up even when nobody is blocked waiting on Get/Alloc.
func (c *Cache) clockSweepLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.sweepPass()
		}
	}
}

// sweepPass advances the clock hand once around a bounded window,
// opportunistically freeing evictable frames into the free list so a
// subsequent evictOne finds work already done.
func (c *Cache) sweepPass() {
	n := len(c.frames)
	if n == 0 {
		return
	}
	start := int(c.clockHand.Load())
	for i := 0; i < n; i++ {
		pos := (start + i) % n
		if c.tryEvictAt(pos) {
			c.freeMu.Lock()
			c.freeList = append(c.freeList, pos)
			c.freeMu.Unlock()
		}
	}
	c.clockHand.Store(int64((start + n) % n))
}

// evictOne performs the clock algorithm described in spec.md §4.3
// until it reclaims a frame: advance the hand; if the frame is pinned
// or was accessed, clear the access bit and move on; if dirty, queue
// an async writeback and move on; if clean and unpinned, evict it.
func (c *Cache) evictOne() (int, error) {
	n := len(c.frames)
	if n == 0 {
		return 0, fmt.Errorf("%w: no frames", errs.NoMemory)
	}
	for attempt := 0; attempt < n*4; attempt++ {
		pos := int(c.clockHand.Add(1)-1) % n
		if c.tryEvictAt(pos) {
			return pos, nil
		}
	}
	return 0, fmt.Errorf("%w: no evictable frame after full sweep", errs.NoMemory)
}

// tryEvictAt applies one clock-algorithm step to the frame at pos,
// returning true if it was evicted (and is now free for reuse).
func (c *Cache) tryEvictAt(pos int) bool {
	f := &c.frames[pos]

	if f.pinCount.Load() > 0 || f.accessBit.Load() {
		f.accessBit.Store(false)
		return false
	}
	if f.dirty.Load() {
		select {
		case c.writeback <- pos:
		default:
		}
		return false
	}
	if !f.latch.TryLock() {
		return false
	}
	defer f.latch.Unlock()
	if f.pinCount.Load() > 0 || f.dirty.Load() {
		// Raced with a pin/dirty after the checks above.
		return false
	}

	c.indexMu.Lock()
	if cur, ok := c.index[f.addr]; !ok || cur != pos {
		// Frame holds no resident page (already free): nothing evicted.
		c.indexMu.Unlock()
		return false
	}
	delete(c.index, f.addr)
	c.indexMu.Unlock()
	return true
}

// writebackLoop drains frames the clock sweep found dirty, writing
// them back so a later pass can evict them (spec.md §4.3: "background
// flusher writes dirty pages").
func (c *Cache) writebackLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.stop:
			return
		case pos := <-c.writeback:
			_ = c.flushFrame(pos)
		}
	}
}
