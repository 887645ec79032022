package splinterdb

import (
	"fmt"

	"github.com/IVOES/splinterdb/errs"
	"github.com/IVOES/splinterdb/internal/config"
	"github.com/IVOES/splinterdb/internal/txn"
)

// The non-transactional KV surface of spec.md §6. Every write still
// goes through the same tuple-encoded storage format the transaction
// layer uses (txn.EncodeTuple, wts=0), so a plain Insert/Lookup and a
// Txn.Insert/Read interoperate on the same keys without a second
// on-disk representation.

// Insert implements spec.md §6 Insert(ctx, key, value): the key must
// not already hold a live value.
func (db *DB) Insert(ctx ThreadCtx, key, value []byte) error {
	if _, ok, err := db.get(key); err != nil {
		return err
	} else if ok {
		return fmt.Errorf("%w: key already exists", errs.InvalidState)
	}
	return db.write(key, config.Insert, value)
}

// Update implements spec.md §6 Update(ctx, key, delta): delta is
// merged by the caller's DataConfig.Merge on read, not applied here.
func (db *DB) Update(ctx ThreadCtx, key, delta []byte) error {
	return db.write(key, config.Update, delta)
}

// Delete implements spec.md §6 Delete(ctx, key): writes a tombstone,
// it does not remove prior versions from the trunk. Compaction folds
// same-key messages only among one node's pending branches and keeps
// the tombstone, so older versions stay stored below it, hidden from
// Lookup and Range.
func (db *DB) Delete(ctx ThreadCtx, key []byte) error {
	return db.write(key, config.Delete, nil)
}

func (db *DB) write(key []byte, kind config.MessageKind, payload []byte) error {
	tuple := txn.EncodeTuple(false, 0, 0, payload)
	return db.put(key, config.Message{Kind: kind, Data: tuple})
}

// Lookup implements spec.md §6 Lookup(ctx, key), returning errs.NotFound
// if key has no live value.
func (db *DB) Lookup(ctx ThreadCtx, key []byte) (Result, error) {
	msg, ok, err := db.get(key)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return Result{}, errs.NotFound
	}
	_, _, _, payload := txn.DecodeTuple(msg.Data)
	return Result{Value: payload}, nil
}
