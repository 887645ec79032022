// Package wal implements the sharded write-ahead log of spec.md §4.8:
// one append-only page chain per writer thread, entries stamped with a
// generation number so recovery can merge shards back into a single
// ordered stream and replay it into the memtable. Page encoding
// mirrors internal/btree/node.go's flat-byte-buffer style rather than
// reaching for encoding/gob or a schema library, matching the
// teacher's convention of hand-rolled fixed layouts for on-disk pages.
package wal

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/IVOES/splinterdb/errs"
	"github.com/IVOES/splinterdb/internal/config"
	"github.com/IVOES/splinterdb/internal/pagestore"
)

// page layout:
//
//	| ptype(1) | next(8) | count(2) | entries... |
//
// entry layout: generation(8) kind(1) keylen(4) msglen(4) key msg
const (
	nextOff  = 1
	countOff = nextOff + 8
	pageHdr  = countOff + 2

	entryHdr = 8 + 1 + 4 + 4
)

func getNext(data []byte) pagestore.PageAddr {
	return pagestore.PageAddr(binary.LittleEndian.Uint64(data[nextOff:]))
}

func setNext(data []byte, addr pagestore.PageAddr) {
	binary.LittleEndian.PutUint64(data[nextOff:], uint64(addr))
}

func getCount(data []byte) uint16 {
	return binary.LittleEndian.Uint16(data[countOff:])
}

func setCount(data []byte, n uint16) {
	binary.LittleEndian.PutUint16(data[countOff:], n)
}

// Entry is one logged (key, message) pair, stamped with the generation
// it was appended under.
type Entry struct {
	Generation uint64
	Key        []byte
	Msg        config.Message
}

func entrySize(e Entry) int {
	return entryHdr + len(e.Key) + len(e.Msg.Data)
}

func putEntry(data []byte, off int, e Entry) int {
	binary.LittleEndian.PutUint64(data[off:], e.Generation)
	off += 8
	data[off] = byte(e.Msg.Kind)
	off++
	binary.LittleEndian.PutUint32(data[off:], uint32(len(e.Key)))
	off += 4
	binary.LittleEndian.PutUint32(data[off:], uint32(len(e.Msg.Data)))
	off += 4
	off += copy(data[off:], e.Key)
	off += copy(data[off:], e.Msg.Data)
	return off
}

func getEntry(data []byte, off int) (Entry, int) {
	gen := binary.LittleEndian.Uint64(data[off:])
	off += 8
	kind := config.MessageKind(data[off])
	off++
	klen := binary.LittleEndian.Uint32(data[off:])
	off += 4
	mlen := binary.LittleEndian.Uint32(data[off:])
	off += 4
	key := append([]byte(nil), data[off:off+int(klen)]...)
	off += int(klen)
	msg := append([]byte(nil), data[off:off+int(mlen)]...)
	off += int(mlen)
	return Entry{Generation: gen, Key: key, Msg: config.Message{Kind: kind, Data: msg}}, off
}

// Shard is one writer thread's append-only page chain (spec.md §4.8,
// "sharded: per writer thread"). Entries are buffered into the
// current tail page; every CommitEveryN appended entries the tail page
// is written to the Store through Cache.Flush, which does not call
// Store.Sync (no fsync is issued here; only Cache.FlushAll syncs).
type Shard struct {
	mu sync.Mutex

	cache        *pagestore.Cache
	alloc        *pagestore.MiniAllocator
	batchID      int
	pageSize     int
	commitEveryN int

	head pagestore.PageAddr
	tail pagestore.PageAddr
	h    *pagestore.Handle

	sinceCommit int
	logger      zerolog.Logger
}

func newShard(cache *pagestore.Cache, alloc *pagestore.MiniAllocator, batchID, pageSize, commitEveryN int, logger zerolog.Logger) (*Shard, error) {
	s := &Shard{
		cache:        cache,
		alloc:        alloc,
		batchID:      batchID,
		pageSize:     pageSize,
		commitEveryN: commitEveryN,
		logger:       logger,
	}
	if err := s.openTail(); err != nil {
		return nil, err
	}
	s.head = s.tail
	return s, nil
}

func (s *Shard) openTail() error {
	addr, err := s.alloc.Alloc(s.batchID)
	if err != nil {
		return err
	}
	h, err := s.cache.Alloc(addr, pagestore.TypeLog)
	if err != nil {
		return err
	}
	setNext(h.Data(), pagestore.NilAddr)
	setCount(h.Data(), 0)
	s.tail = addr
	s.h = h
	return nil
}

// Append writes one entry to the shard's tail page, rolling over to a
// fresh page when it doesn't fit, and writing the tail page to the
// Store every CommitEveryN entries (Cache.Flush, without a Store.Sync).
func (s *Shard) Append(e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	need := entrySize(e)
	used := pageHdr
	count := getCount(s.h.Data())
	data := s.h.Data()
	for i := uint16(0); i < count; i++ {
		var tmp int
		_, tmp = getEntry(data, used)
		used = tmp
	}
	if used+need > s.pageSize {
		if err := s.rollover(); err != nil {
			return err
		}
		data = s.h.Data()
		used = pageHdr
		count = 0
	}

	putEntry(data, used, e)
	setCount(data, count+1)
	s.cache.MarkDirty(s.h)

	s.sinceCommit++
	if s.sinceCommit >= s.commitEveryN {
		if err := s.cache.Flush(s.h.Addr()); err != nil {
			return err
		}
		s.sinceCommit = 0
	}
	return nil
}

func (s *Shard) rollover() error {
	if err := s.cache.Flush(s.h.Addr()); err != nil {
		return err
	}
	prevAddr := s.h.Addr()
	prevData := s.h.Data()

	newAddr, err := s.alloc.Alloc(s.batchID)
	if err != nil {
		return err
	}
	newH, err := s.cache.Alloc(newAddr, pagestore.TypeLog)
	if err != nil {
		return err
	}
	setNext(newH.Data(), pagestore.NilAddr)
	setCount(newH.Data(), 0)

	setNext(prevData, newAddr)
	s.cache.MarkDirty(s.h)
	if err := s.cache.Flush(prevAddr); err != nil {
		return err
	}
	s.cache.Unget(s.h)

	s.tail = newAddr
	s.h = newH
	return nil
}

// Flush forces the shard's current tail page to the store.
func (s *Shard) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Flush(s.h.Addr())
}

// Head returns the address of the shard's first page, the starting
// point for replay.
func (s *Shard) Head() pagestore.PageAddr { return s.head }

// Log is the full sharded write-ahead log: one Shard per configured
// writer thread, a shared generation counter stamped on every append
// so Replay can interleave shards back into commit order.
type Log struct {
	cache        *pagestore.Cache
	alloc        *pagestore.MiniAllocator
	pageSize     int
	commitEveryN int
	logger       zerolog.Logger

	shards   []*Shard
	nextGen  uint64
	genMu    sync.Mutex
}

// Open creates a Log with numShards independent writer shards.
func Open(cache *pagestore.Cache, alloc *pagestore.MiniAllocator, pageSize, numShards, commitEveryN int, logger zerolog.Logger) (*Log, error) {
	if commitEveryN < 1 {
		commitEveryN = 1
	}
	l := &Log{
		cache:        cache,
		alloc:        alloc,
		pageSize:     pageSize,
		commitEveryN: commitEveryN,
		logger:       logger.With().Str("component", "wal").Logger(),
	}
	l.shards = make([]*Shard, numShards)
	for i := range l.shards {
		s, err := newShard(cache, alloc, i, pageSize, commitEveryN, l.logger)
		if err != nil {
			return nil, err
		}
		l.shards[i] = s
	}
	return l, nil
}

// nextGeneration hands out a monotonically increasing generation
// stamp, shared across all shards so Replay can total-order entries
// that originated on different writer threads.
func (l *Log) nextGeneration() uint64 {
	l.genMu.Lock()
	defer l.genMu.Unlock()
	l.nextGen++
	return l.nextGen
}

// Append logs (key, msg) on shardID's chain, stamping it with a fresh
// generation number.
func (l *Log) Append(shardID int, key []byte, msg config.Message) (uint64, error) {
	gen := l.nextGeneration()
	shard := l.shards[shardID%len(l.shards)]
	if err := shard.Append(Entry{Generation: gen, Key: key, Msg: msg}); err != nil {
		return 0, err
	}
	return gen, nil
}

// Flush forces every shard's tail page to the store.
func (l *Log) Flush() error {
	for _, s := range l.shards {
		if err := s.Flush(); err != nil {
			return err
		}
	}
	return nil
}

// Replay implements spec.md §4.8 recovery: read every shard's page
// chain in full, merge the resulting entries by generation number, and
// hand each to apply in that order.
func (l *Log) Replay(apply func(Entry) error) error {
	var all []Entry
	for _, s := range l.shards {
		entries, err := readChain(l.cache, s.Head())
		if err != nil {
			return err
		}
		all = append(all, entries...)
	}
	sortEntriesByGeneration(all)
	for _, e := range all {
		if err := apply(e); err != nil {
			return err
		}
	}
	return nil
}

func readChain(cache *pagestore.Cache, head pagestore.PageAddr) ([]Entry, error) {
	var out []Entry
	addr := head
	for addr != pagestore.NilAddr {
		h, err := cache.Get(addr, pagestore.TypeLog)
		if err != nil {
			return nil, fmt.Errorf("%w: wal replay: %v", errs.IOError, err)
		}
		data := h.Data()
		count := getCount(data)
		off := pageHdr
		for i := uint16(0); i < count; i++ {
			var e Entry
			e, off = getEntry(data, off)
			out = append(out, e)
		}
		next := getNext(data)
		cache.Unget(h)
		addr = next
	}
	return out, nil
}

func sortEntriesByGeneration(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Generation < entries[j].Generation })
}
