package splinterdb

import "github.com/IVOES/splinterdb/internal/config"

// dbStore adapts *DB to internal/txn.Store: the transaction layer
// reads/writes tuples through the same memtable-then-trunk path the
// non-transactional KV surface uses, so a committed transaction's
// writes are visible to ordinary Get calls the instant they land in
// the memtable ring.
type dbStore struct {
	db *DB
}

func (s dbStore) Get(key []byte) (config.Message, bool, error) {
	return s.db.get(key)
}

func (s dbStore) Put(key []byte, msg config.Message) error {
	return s.db.put(key, msg)
}
