// Package txn implements the TicToc-style optimistic transaction layer
// of spec.md §4.9: an inline tuple timestamp header, an approximate
// timestamp cache, and the Begin/Read/Write/Commit protocol, adapted
// from the teacher's latch/retry idiom but generalized from raw value
// storage to the tuple-header encoding spec.md §4.9 requires.
package txn

import (
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/IVOES/splinterdb/errs"
	"github.com/IVOES/splinterdb/internal/config"
)

// IsolationLevel names the isolation levels spec.md §4.9 enumerates.
// Only Serializable is implemented; the others retain an enum slot per
// REDESIGN FLAGS item 12 so SetIsolationLevel has something concrete to
// reject.
type IsolationLevel int

const (
	Serializable IsolationLevel = iota
	Snapshot
	ReadCommitted
)

// Manager hands out transactions sharing one timestamp cache and
// Store, per spec.md §4.9 / §6 (db.Begin / db.SetIsolationLevel).
type Manager struct {
	store   Store
	dataCfg config.DataConfig
	ts      *TSCache
	logger  zerolog.Logger

	mu        sync.RWMutex
	isolation IsolationLevel
}

// NewManager creates a transaction manager over store, with a
// timestamp cache sized to 2^tsCacheLogSlots buckets.
func NewManager(store Store, dataCfg config.DataConfig, tsCacheLogSlots uint, logger zerolog.Logger) *Manager {
	logger = logger.With().Str("component", "txn").Logger()
	return &Manager{
		store:   store,
		dataCfg: dataCfg,
		ts:      NewTSCache(tsCacheLogSlots, store, logger),
		logger:  logger,
	}
}

// SetIsolationLevel implements spec.md §4.9's "Isolation levels":
// only SERIALIZABLE is fully specified; anything else is rejected
// (REDESIGN FLAGS item 12).
func (m *Manager) SetIsolationLevel(level IsolationLevel) error {
	if level != Serializable {
		return fmt.Errorf("%w: only SERIALIZABLE is supported", errs.BadParam)
	}
	m.mu.Lock()
	m.isolation = level
	m.mu.Unlock()
	return nil
}

// Begin implements spec.md §4.9 "Begin. Zero the transaction struct."
func (m *Manager) Begin() *Txn {
	return &Txn{
		mgr:    m,
		reads:  map[string]*readRec{},
		writes: map[string]*writeRec{},
	}
}

type readRec struct {
	key         []byte
	entry       *tsEntry
	wtsObserved uint64
	rtsObserved uint64
}

type writeRec struct {
	key   []byte
	msg   config.Message // caller-visible message: payload only, no tuple header
	entry *tsEntry
}

// Txn is one optimistic transaction, buffering its read and write sets
// until Commit validates and applies them (spec.md §4.9).
type Txn struct {
	mgr *Manager

	mu       sync.Mutex
	reads    map[string]*readRec
	writes   map[string]*writeRec
	writeKey [][]byte
	done     bool
}

// Read implements spec.md §4.9 "Read(k)": acquire (or create) the
// cache entry, snapshot it, fetch the tuple under the invariant that
// lock_bit==0, fold the tuple's on-disk timestamp into the cache entry,
// and record the observed read window.
//
// If key is already in this transaction's own write set, the buffered
// write is returned directly ("read my write") without consulting
// mgr.store or the timestamp cache at all, since the write hasn't been
// applied to storage yet. This mirrors transactional_splinterdb_lookup's
// rw_entry_is_write(entry) special case: such a read also isn't added
// to the read set, so it plays no part in commit-time validation.
func (tx *Txn) Read(key []byte) (config.Message, bool, error) {
	tx.mu.Lock()
	if tx.done {
		tx.mu.Unlock()
		return config.Message{}, false, fmt.Errorf("%w: read after commit/abort", errs.InvalidState)
	}
	ks := string(key)
	if w, ok := tx.writes[ks]; ok {
		tx.mu.Unlock()
		if w.msg.Kind == config.Delete {
			return config.Message{}, false, nil
		}
		return w.msg, true, nil
	}
	rec, ok := tx.reads[ks]
	tx.mu.Unlock()

	var e *tsEntry
	if ok {
		e = rec.entry
	} else {
		e = tx.mgr.ts.Acquire(key)
	}

	var msg config.Message
	var found bool
	var err error
	for {
		if !e.lockBit.Load() {
			msg, found, err = tx.mgr.store.Get(key)
			if err != nil {
				return config.Message{}, false, err
			}
			break
		}
		runtime.Gosched()
	}

	v1wts, v1delta := e.snapshot()
	tupleWTS, tupleDelta := v1wts, v1delta
	var payload []byte
	if found {
		_, tw, td, p := DecodeTuple(msg.Data)
		payload = p
		if tw > tupleWTS {
			tupleWTS, tupleDelta = tw, td
		}
	}
	if tupleWTS > v1wts || (tupleWTS == v1wts && tupleDelta > v1delta) {
		e.setSnapshot(tupleWTS, tupleDelta)
	}
	v2wts, v2delta := e.snapshot()

	tx.mu.Lock()
	tx.reads[ks] = &readRec{key: key, entry: e, wtsObserved: v2wts, rtsObserved: v2wts + v2delta}
	tx.mu.Unlock()

	if !found {
		return config.Message{}, false, nil
	}
	return config.Message{Kind: msg.Kind, Data: payload}, true, nil
}

// Write implements spec.md §4.9 "Write(k, msg). Buffer msg in the
// write set; ensure cache entry exists."
func (tx *Txn) Write(key []byte, msg config.Message) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return fmt.Errorf("%w: write after commit/abort", errs.InvalidState)
	}
	ks := string(key)
	var e *tsEntry
	if r, ok := tx.reads[ks]; ok {
		e = r.entry
	} else if w, ok := tx.writes[ks]; ok {
		e = w.entry
	} else {
		e = tx.mgr.ts.Acquire(key)
	}
	if _, ok := tx.writes[ks]; !ok {
		tx.writeKey = append(tx.writeKey, key)
	}
	tx.writes[ks] = &writeRec{key: key, msg: msg, entry: e}
	return nil
}

// Insert, Update and Delete are convenience wrappers over Write
// matching the root package's KV-shaped API (spec.md §6).
func (tx *Txn) Insert(key, value []byte) error {
	return tx.Write(key, config.Message{Kind: config.Insert, Data: value})
}

func (tx *Txn) Update(key, delta []byte) error {
	return tx.Write(key, config.Message{Kind: config.Update, Data: delta})
}

func (tx *Txn) Delete(key []byte) error {
	return tx.Write(key, config.Message{Kind: config.Delete})
}

// commitEpsilon is spec.md §4.9 step 4's ε, under the Silo-like variant
// (REDESIGN FLAGS: the source leaves this a variant switch; this port
// fixes it at the Silo-like value since no config surface in spec.md §6
// exposes the alternative).
const commitEpsilon = 1

// Commit implements spec.md §4.9 steps 1-8.
func (tx *Txn) Commit() error {
	tx.mu.Lock()
	if tx.done {
		tx.mu.Unlock()
		return fmt.Errorf("%w: commit after commit/abort", errs.InvalidState)
	}
	reads := make([]*readRec, 0, len(tx.reads))
	for _, r := range tx.reads {
		reads = append(reads, r)
	}
	writeKeys := append([][]byte(nil), tx.writeKey...)
	writes := tx.writes
	tx.mu.Unlock()

	// Step 2: sort the write-set by key to avoid lock cycles.
	sort.Slice(writeKeys, func(i, j int) bool { return tx.mgr.dataCfg.Compare(writeKeys[i], writeKeys[j]) < 0 })

	writeRecs := make([]*writeRec, len(writeKeys))
	for i, k := range writeKeys {
		writeRecs[i] = writes[string(k)]
	}

	// Step 3: CAS lock_bit on each write's entry; on any failure,
	// release everything acquired this attempt and retry (no-wait
	// rule).
	tx.acquireWriteLocks(writeRecs)

	ownedEntries := map[*tsEntry]bool{}
	for _, w := range writeRecs {
		ownedEntries[w.entry] = true
	}

	// Step 4: compute commit_ts.
	var maxReadWTS uint64
	for _, r := range reads {
		if r.wtsObserved > maxReadWTS {
			maxReadWTS = r.wtsObserved
		}
	}
	var maxWriteRTS uint64
	for _, w := range writeRecs {
		wts, delta := w.entry.snapshot()
		if rts := wts + delta; rts > maxWriteRTS {
			maxWriteRTS = rts
		}
	}
	commitTS := maxReadWTS + commitEpsilon
	if maxWriteRTS+1 > commitTS {
		commitTS = maxWriteRTS + 1
	}

	// Step 5: validate and extend the read-set.
	aborted := false
	for _, r := range reads {
		if r.rtsObserved >= commitTS {
			continue
		}
		e := r.entry
		e.mu.Lock()
		if e.wts != r.wtsObserved {
			e.mu.Unlock()
			aborted = true
			break
		}
		if e.lockBit.Load() && !ownedEntries[e] && e.wts+e.delta <= commitTS {
			e.mu.Unlock()
			aborted = true
			break
		}
		e.wts = r.wtsObserved
		e.delta = commitTS - r.wtsObserved
		e.mu.Unlock()
	}

	// Step 6/7: unlock-and-abort, or apply and unlock-clean.
	if aborted {
		tx.releaseWriteLocks(writeRecs)
		tx.finish()
		return errs.Abort
	}

	for _, w := range writeRecs {
		tuple := EncodeTuple(false, commitTS, 0, w.msg.Data)
		if err := tx.mgr.store.Put(w.key, config.Message{Kind: w.msg.Kind, Data: tuple}); err != nil {
			tx.releaseWriteLocks(writeRecs)
			tx.finish()
			return err
		}
		w.entry.setSnapshot(commitTS, 0)
		w.entry.lockBit.Store(false)
	}

	tx.finish()
	return nil
}

// acquireWriteLocks implements step 3's CAS-with-no-wait-retry
// discipline.
func (tx *Txn) acquireWriteLocks(writes []*writeRec) []*tsEntry {
	for {
		var acquired []*tsEntry
		ok := true
		for _, w := range writes {
			if w.entry.lockBit.CompareAndSwap(false, true) {
				acquired = append(acquired, w.entry)
				continue
			}
			ok = false
			break
		}
		if ok {
			return acquired
		}
		for _, e := range acquired {
			e.lockBit.Store(false)
		}
		time.Sleep(time.Microsecond)
	}
}

func (tx *Txn) releaseWriteLocks(writes []*writeRec) {
	for _, w := range writes {
		w.entry.lockBit.Store(false)
	}
}

// Abort implements spec.md §4.9 "Deinit" without a commit attempt.
func (tx *Txn) Abort() {
	tx.finish()
}

func (tx *Txn) finish() {
	tx.mu.Lock()
	if tx.done {
		tx.mu.Unlock()
		return
	}
	tx.done = true
	reads := tx.reads
	writes := tx.writes
	tx.mu.Unlock()

	seen := map[*tsEntry]bool{}
	for _, r := range reads {
		if !seen[r.entry] {
			tx.mgr.ts.Release(r.entry)
			seen[r.entry] = true
		}
	}
	for _, w := range writes {
		if !seen[w.entry] {
			tx.mgr.ts.Release(w.entry)
			seen[w.entry] = true
		}
	}
}
