package splinterdb

import (
	internaltxn "github.com/IVOES/splinterdb/internal/txn"

	"github.com/IVOES/splinterdb/errs"
	"github.com/IVOES/splinterdb/internal/config"
)

// IsolationLevel mirrors internal/txn.IsolationLevel at the public
// surface (spec.md §4.9, §6).
type IsolationLevel = internaltxn.IsolationLevel

const (
	Serializable  = internaltxn.Serializable
	Snapshot      = internaltxn.Snapshot
	ReadCommitted = internaltxn.ReadCommitted
)

// SetIsolationLevel implements spec.md §6; only Serializable is
// supported (REDESIGN FLAGS, item 12).
func (db *DB) SetIsolationLevel(level IsolationLevel) error {
	return db.txns.SetIsolationLevel(level)
}

// Begin implements spec.md §6 Begin(ctx): starts an optimistic
// transaction over this DB (spec.md §4.9).
func (db *DB) Begin(ctx ThreadCtx) *Txn {
	return &Txn{inner: db.txns.Begin()}
}

// Txn is a handle to one in-flight transaction (spec.md §4.9/§6), a
// thin wrapper translating internal/txn's tuple-encoded Store values
// into the public Result/byte-slice surface.
type Txn struct {
	inner *internaltxn.Txn
}

// Lookup implements spec.md §6's Txn.Lookup, returning errs.NotFound if
// key has no live value within this transaction's view.
func (tx *Txn) Lookup(key []byte) (Result, error) {
	msg, ok, err := tx.inner.Read(key)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return Result{}, errs.NotFound
	}
	return Result{Value: msg.Data}, nil
}

func (tx *Txn) Insert(key, value []byte) error {
	return tx.inner.Write(key, config.Message{Kind: config.Insert, Data: value})
}

func (tx *Txn) Update(key, delta []byte) error {
	return tx.inner.Write(key, config.Message{Kind: config.Update, Data: delta})
}

func (tx *Txn) Delete(key []byte) error {
	return tx.inner.Write(key, config.Message{Kind: config.Delete})
}

// Commit implements spec.md §4.9's 8-step commit protocol. A failed
// validation returns errs.Abort; committing a transaction that already
// committed or aborted returns errs.InvalidState; a storage write
// error is returned as is.
func (tx *Txn) Commit() error {
	return tx.inner.Commit()
}

// Abort discards the transaction without attempting to commit.
func (tx *Txn) Abort() {
	tx.inner.Abort()
}
