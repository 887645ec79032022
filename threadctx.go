package splinterdb

// ThreadCtx is the opaque per-writer-thread handle spec.md §6 threads
// through every operation. REDESIGN FLAGS item 3 drops the source's
// thread-local registration table in favor of a plain token: Go
// goroutines aren't OS threads, so there is nothing to pin a
// thread-local slot to. No operation reads the token: WAL shards are
// picked by key hash (DB.walShard) and mini-allocator batches by
// memtable slot.
type ThreadCtx int

// RegisterThread hands out a fresh ThreadCtx, per spec.md §6: a
// distinct integer per call, which selects no WAL shard or
// mini-allocator batch (see ThreadCtx). Grounded on
// large_inserts_bugs_stress_test.c's worker threads, each registering
// its own handle state before driving its key band.
func (db *DB) RegisterThread() ThreadCtx {
	return ThreadCtx(db.nextThreadCtx.Add(1) - 1)
}

// DeregisterThread releases ctx. There is no per-thread state to free
// in this port (see RegisterThread); it exists so callers ported from
// the source's register/deregister pairing don't need to special-case
// this platform.
func (db *DB) DeregisterThread(ctx ThreadCtx) {}
