package splinterdb

import (
	"github.com/IVOES/splinterdb/internal/btree"
	"github.com/IVOES/splinterdb/internal/config"
)

// iterSource adapts a btree.Iter to btree.Source so a sealed
// memtable's contents can be streamed straight into Pack (spec.md §4.6
// "flush: pack the sealed slot's tree into a new trunk branch"); each
// key is also copied into *keys for the trunk's routing filter.
type iterSource struct {
	it   *btree.Iter
	keys *[][]byte
}

func (s iterSource) Next() (key []byte, msg config.Message, ok bool, err error) {
	if !s.it.Valid() {
		return nil, config.Message{}, false, nil
	}
	k, m := s.it.Deref()
	*s.keys = append(*s.keys, append([]byte(nil), k...))
	s.it.Next()
	return k, m, true, nil
}

// flushLoop drains the ring's flush queue, one sealed slot at a time,
// packing each into a fresh trunk branch (spec.md §4.6/§4.7). It runs
// for the DB's lifetime as a single dedicated goroutine rather than a
// workers.Pool task: flushes must apply to the trunk in the order
// slots were sealed, and a pool's worker count would let them race.
func (db *DB) flushLoop() {
	for {
		select {
		case <-db.flushStop:
			return
		case idx := <-db.ring.FlushQueue():
			if err := db.flushSlot(idx); err != nil {
				db.logger.Error().Err(err).Int("slot", idx).Msg("flush failed")
			}
		}
	}
}

func (db *DB) flushSlot(idx int) error {
	tree, _, err := db.ring.TakeForFlush(idx)
	if err != nil {
		return err
	}

	it, err := tree.Iter()
	if err != nil {
		return err
	}
	defer it.Close()

	var keys [][]byte
	root, n, err := btree.Pack(db.cache, db.trunkAlloc, idx%trunkBatches, db.cfg.PageSize, iterSource{it, &keys})
	if err != nil {
		return err
	}
	if n > 0 {
		if err := db.trunk.InsertBranch(root, keys, n); err != nil {
			return err
		}
	}

	db.ring.ReleaseFlushed(idx)
	db.logger.Debug().Int("slot", idx).Int("tuples", n).Msg("memtable slot flushed")
	return nil
}
