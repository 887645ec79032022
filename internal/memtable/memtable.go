// Package memtable implements the ring of in-memory B-trees that
// absorb writes before they're packed into an on-disk trunk branch
// (spec.md §4.6).
package memtable

import (
	"runtime"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/IVOES/splinterdb/errs"
	"github.com/IVOES/splinterdb/internal/btree"
	"github.com/IVOES/splinterdb/internal/config"
	"github.com/IVOES/splinterdb/internal/pagestore"
)

// State is a slot's position in its lifecycle (spec.md §4.6:
// "readers must consult all slots in writable|finalized|flushing
// states in newest→oldest order").
type State int32

const (
	Empty State = iota
	Writable
	Finalized
	Flushing
)

func (s State) String() string {
	switch s {
	case Empty:
		return "empty"
	case Writable:
		return "writable"
	case Finalized:
		return "finalized"
	case Flushing:
		return "flushing"
	default:
		return "unknown"
	}
}

// Slot is one ring entry: a Dynamic B-tree plus the generation counter
// and lifecycle state a reader/flusher coordinates on.
type Slot struct {
	state      atomic.Int32
	generation atomic.Uint64
	tree       *btree.Dynamic
	sizeBytes  atomic.Int64
}

func (s *Slot) State() State { return State(s.state.Load()) }

// Ring is the memtable proper: R slots, one of which is writable at
// any time, cycling forward as slots are sealed, flushed, and
// recycled (spec.md §4.6).
type Ring struct {
	cache    *pagestore.Cache
	alloc    *pagestore.MiniAllocator
	dataCfg  config.DataConfig
	pageSize int

	thresholdBytes int64

	slots   []*Slot
	current atomic.Int64 // index into slots of the writable slot
	nextGen atomic.Uint64

	logger zerolog.Logger

	// flushQueue receives the index of a slot that just transitioned
	// to Finalized, for a background flusher to consume.
	flushQueue chan int
}

// New creates a ring of numSlots empty slots, with slot 0 writable.
func New(cache *pagestore.Cache, alloc *pagestore.MiniAllocator, dataCfg config.DataConfig, pageSize int, numSlots int, thresholdBytes int64, logger zerolog.Logger) *Ring {
	r := &Ring{
		cache:          cache,
		alloc:          alloc,
		dataCfg:        dataCfg,
		pageSize:       pageSize,
		thresholdBytes: thresholdBytes,
		slots:          make([]*Slot, numSlots),
		logger:         logger,
		flushQueue:     make(chan int, numSlots),
	}
	for i := range r.slots {
		r.slots[i] = &Slot{}
	}
	r.slots[0].tree = btree.NewDynamic(cache, alloc, i0BatchID(0), dataCfg, pageSize)
	r.slots[0].generation.Store(r.nextGen.Add(1))
	r.slots[0].state.Store(int32(Writable))
	return r
}

// i0BatchID maps a slot index to the mini-allocator writer class it
// owns, so concurrent slots never contend for the same batch cursor.
func i0BatchID(slot int) int { return slot }

// FlushQueue exposes finalized slot indices for a background flusher.
func (r *Ring) FlushQueue() <-chan int { return r.flushQueue }

// Insert applies msg at key to the current writable slot, sealing and
// publishing it for flush if this insert pushes it over threshold
// (spec.md §4.6, insert steps 1-2).
func (r *Ring) Insert(key []byte, msg config.Message) error {
	for {
		idx := int(r.current.Load())
		slot := r.slots[idx]
		if slot.State() != Writable {
			runtime.Gosched()
			continue // another writer is sealing/rotating; retry
		}
		if err := slot.tree.Insert(key, msg); err != nil {
			return err
		}
		slot.sizeBytes.Add(int64(len(key) + len(msg.Data)))

		if slot.sizeBytes.Load() < r.thresholdBytes {
			return nil
		}
		r.sealAndRotate(idx, slot)
		return nil
	}
}

// sealAndRotate CASes slot from Writable to Finalized and advances the
// ring to the next Empty slot, publishing a flush request. Only one
// of potentially many concurrent inserters that cross threshold
// actually performs the seal; the rest observe Finalized and return.
// If the next slot is not Empty yet (its flush has not finished),
// nothing is sealed: slot stays writable and a later insert retries.
func (r *Ring) sealAndRotate(idx int, slot *Slot) {
	next := (idx + 1) % len(r.slots)
	nextSlot := r.slots[next]
	if nextSlot.State() != Empty {
		return
	}
	if !slot.state.CompareAndSwap(int32(Writable), int32(Finalized)) {
		return
	}
	r.logger.Debug().Int("slot", idx).Int64("bytes", slot.sizeBytes.Load()).Msg("memtable slot finalized")

	nextSlot.tree = btree.NewDynamic(r.cache, r.alloc, i0BatchID(next), r.dataCfg, r.pageSize)
	nextSlot.sizeBytes.Store(0)
	nextSlot.generation.Store(r.nextGen.Add(1))
	nextSlot.state.Store(int32(Writable))
	r.current.Store(int64(next))

	select {
	case r.flushQueue <- idx:
	default:
		r.logger.Warn().Int("slot", idx).Msg("flush queue full, flusher is falling behind")
	}
}

// Get probes every live slot newest-to-oldest (spec.md §4.6's ordering
// invariant), folding each slot's message under the newer ones found
// so far and stopping at the first definitive result. It returns the
// MergeFinal of that fold and whether any slot held the key.
func (r *Ring) Get(key []byte) (config.Message, bool, error) {
	order := r.snapshotNewestFirst()
	var acc config.Message
	have := false
	for _, slot := range order {
		if slot.tree == nil {
			continue
		}
		msg, ok, err := slot.tree.Get(key)
		if err != nil {
			return config.Message{}, false, err
		}
		if !ok {
			continue
		}
		if !have {
			acc, have = msg, true
		} else {
			acc = r.dataCfg.Merge(msg, acc)
		}
		if acc.Definitive() {
			break
		}
	}
	if !have {
		return config.Message{}, false, nil
	}
	return r.dataCfg.MergeFinal(acc), true, nil
}

// snapshotNewestFirst returns the slots currently in
// writable/finalized/flushing order, newest generation first.
func (r *Ring) snapshotNewestFirst() []*Slot {
	live := make([]*Slot, 0, len(r.slots))
	for _, s := range r.slots {
		if s.State() != Empty {
			live = append(live, s)
		}
	}
	for i := 1; i < len(live); i++ {
		for j := i; j > 0 && live[j].generation.Load() > live[j-1].generation.Load(); j-- {
			live[j], live[j-1] = live[j-1], live[j]
		}
	}
	return live
}

// TakeForFlush marks slot idx Flushing and returns its tree, or
// errs.InvalidState if it wasn't Finalized. Called by the background
// flusher after popping idx from FlushQueue().
func (r *Ring) TakeForFlush(idx int) (*btree.Dynamic, uint64, error) {
	slot := r.slots[idx]
	if !slot.state.CompareAndSwap(int32(Finalized), int32(Flushing)) {
		return nil, 0, errs.InvalidState
	}
	return slot.tree, slot.generation.Load(), nil
}

// ReleaseFlushed marks slot idx Empty once its branch has been handed
// to the trunk root. It does not touch the write-ahead log.
func (r *Ring) ReleaseFlushed(idx int) {
	slot := r.slots[idx]
	slot.tree = nil
	slot.sizeBytes.Store(0)
	slot.state.Store(int32(Empty))
	r.alloc.Release(i0BatchID(idx))
}
