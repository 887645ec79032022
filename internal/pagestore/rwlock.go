package pagestore

import (
	"sync/atomic"
	"time"
)

// ThreadID selects a caller's reader-counter stripe and is passed
// explicitly into every batched-rwlock read call (REDESIGN FLAGS item
// 3: no per-thread globals). RegisterThread hands out the root
// package's ThreadCtx, not a ThreadID.
type ThreadID int

// maxReaderThreads bounds the striped reader-counter array. Real
// deployments register far fewer threads than this; it is sized
// generously rather than made dynamic because the array is read on
// every lock/unlock and must not require a lock of its own to resize.
const maxReaderThreads = 4096

// BatchedRWLock is the per-lock-group reader/writer lock of spec.md
// §5: "writers set a per-lock flag then wait until all per-thread
// reader counters for that lock are zero; readers increment their own
// counter, recheck the writer flag, and back off exponentially
// (initial 1 unit, doubling to cap 2048) if contended." Per-thread
// counters keep an uncontended reader from paying a shared cache-line
// bounce against other readers. No memtable, trunk or cache code takes
// this lock: the trunk uses a per-node sync.RWMutex and the memtable
// ring uses atomic slot states.
type BatchedRWLock struct {
	writerFlag   atomic.Bool
	readerCounts [maxReaderThreads]atomic.Int32

	backoffBase time.Duration
}

// NewBatchedRWLock creates a lock whose exponential backoff starts at
// baseUnit (spec.md §5's "1 unit").
func NewBatchedRWLock(baseUnit time.Duration) *BatchedRWLock {
	if baseUnit <= 0 {
		baseUnit = time.Microsecond
	}
	return &BatchedRWLock{backoffBase: baseUnit}
}

const backoffCapUnits = 2048

// RLock acquires a read pin for thread tid: increments its own
// reader counter, then rechecks the writer flag, backing off and
// retrying if a writer is pending (spec.md §5).
func (l *BatchedRWLock) RLock(tid ThreadID) {
	slot := &l.readerCounts[int(tid)%maxReaderThreads]
	backoff := int64(1)
	for {
		slot.Add(1)
		if !l.writerFlag.Load() {
			return
		}
		// A writer is pending: back off so it can make progress,
		// then retry from scratch.
		slot.Add(-1)
		l.sleepUnits(backoff)
		if backoff < backoffCapUnits {
			backoff *= 2
		}
	}
}

// RUnlock releases thread tid's read pin.
func (l *BatchedRWLock) RUnlock(tid ThreadID) {
	l.readerCounts[int(tid)%maxReaderThreads].Add(-1)
}

// Lock acquires the exclusive lock: sets the writer flag, then waits
// until every per-thread reader counter drains to zero.
func (l *BatchedRWLock) Lock() {
	for !l.writerFlag.CompareAndSwap(false, true) {
		l.sleepUnits(1)
	}
	backoff := int64(1)
	for {
		allClear := true
		for i := range l.readerCounts {
			if l.readerCounts[i].Load() != 0 {
				allClear = false
				break
			}
		}
		if allClear {
			return
		}
		l.sleepUnits(backoff)
		if backoff < backoffCapUnits {
			backoff *= 2
		}
	}
}

// Unlock releases the exclusive lock.
func (l *BatchedRWLock) Unlock() {
	l.writerFlag.Store(false)
}

func (l *BatchedRWLock) sleepUnits(units int64) {
	time.Sleep(time.Duration(units) * l.backoffBase)
}
