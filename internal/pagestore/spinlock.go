package pagestore

import (
	"runtime"
	"sync/atomic"
)

// spinlock is a tight CAS-based mutex for the two hot contention
// points spec.md §5 calls out by name: the block allocator's free
// list and the cache frame table. No pack dependency offers a
// userspace spinlock primitive (this is a thin wrapper over
// sync/atomic, justified in DESIGN.md); sync.Mutex would also work but
// the source's free-list and frame-table paths are held for only a
// handful of instructions, where a spin-then-park primitive avoids a
// syscall-backed futex wait on the common uncontended case.
type spinlock struct {
	state atomic.Bool
}

func (s *spinlock) Lock() {
	for !s.state.CompareAndSwap(false, true) {
		runtime.Gosched()
	}
}

func (s *spinlock) Unlock() {
	s.state.Store(false)
}
