package splinterdb_test

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/IVOES/splinterdb"
	"github.com/IVOES/splinterdb/errs"
	"github.com/IVOES/splinterdb/internal/config"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.CacheSize = 1 << 20
	cfg.DiskSize = 8 << 20
	cfg.Filename = ""
	cfg.UseLog = false
	return cfg
}

// scenario 1: a single Insert followed by a Lookup returns the value.
func TestInsertThenLookup(t *testing.T) {
	db, err := splinterdb.Create(testConfig(t))
	require.NoError(t, err)
	defer db.Close()

	ctx := db.RegisterThread()
	defer db.DeregisterThread(ctx)

	require.NoError(t, db.Insert(ctx, []byte("k1"), []byte("v1")))

	res, err := db.Lookup(ctx, []byte("k1"))
	require.NoError(t, err)
	require.Equal(t, "v1", string(res.Value))
}

func TestLookupMissingKeyIsNotFound(t *testing.T) {
	db, err := splinterdb.Create(testConfig(t))
	require.NoError(t, err)
	defer db.Close()

	ctx := db.RegisterThread()
	defer db.DeregisterThread(ctx)

	_, err = db.Lookup(ctx, []byte("nope"))
	require.True(t, errors.Is(err, errs.NotFound))
}

// scenario 2: Insert rejects a key that already exists; Update then
// overwrites the value that a fresh Lookup observes.
func TestInsertRejectsDuplicateThenUpdateOverwrites(t *testing.T) {
	db, err := splinterdb.Create(testConfig(t))
	require.NoError(t, err)
	defer db.Close()

	ctx := db.RegisterThread()
	defer db.DeregisterThread(ctx)

	require.NoError(t, db.Insert(ctx, []byte("k1"), []byte("v1")))
	err = db.Insert(ctx, []byte("k1"), []byte("v2"))
	require.Error(t, err)

	require.NoError(t, db.Update(ctx, []byte("k1"), []byte("v2")))
	res, err := db.Lookup(ctx, []byte("k1"))
	require.NoError(t, err)
	require.Equal(t, "v2", string(res.Value))
}

func TestDeleteHidesKey(t *testing.T) {
	db, err := splinterdb.Create(testConfig(t))
	require.NoError(t, err)
	defer db.Close()

	ctx := db.RegisterThread()
	defer db.DeregisterThread(ctx)

	require.NoError(t, db.Insert(ctx, []byte("k1"), []byte("v1")))
	require.NoError(t, db.Delete(ctx, []byte("k1")))

	_, err = db.Lookup(ctx, []byte("k1"))
	require.True(t, errors.Is(err, errs.NotFound))
}

// scenario 4: two concurrent transactions over the same key serialize
// through Commit — exactly one must abort.
func TestTxnSerializabilityOneWriterAborts(t *testing.T) {
	db, err := splinterdb.Create(testConfig(t))
	require.NoError(t, err)
	defer db.Close()

	ctx := db.RegisterThread()
	defer db.DeregisterThread(ctx)

	require.NoError(t, db.Insert(ctx, []byte("k1"), []byte("v0")))

	tx1 := db.Begin(ctx)
	tx2 := db.Begin(ctx)

	_, err = tx1.Lookup([]byte("k1"))
	require.NoError(t, err)
	_, err = tx2.Lookup([]byte("k1"))
	require.NoError(t, err)

	require.NoError(t, tx1.Update([]byte("k1"), []byte("v1")))
	require.NoError(t, tx2.Update([]byte("k1"), []byte("v2")))

	err1 := tx1.Commit()
	err2 := tx2.Commit()

	if err1 == nil {
		require.True(t, errors.Is(err2, errs.Abort))
	} else {
		require.True(t, errors.Is(err1, errs.Abort))
		require.NoError(t, err2)
	}

	res, err := db.Lookup(ctx, []byte("k1"))
	require.NoError(t, err)
	require.Contains(t, []string{"v1", "v2"}, string(res.Value))
}

func TestTxnReadOwnUncommittedInsert(t *testing.T) {
	db, err := splinterdb.Create(testConfig(t))
	require.NoError(t, err)
	defer db.Close()

	ctx := db.RegisterThread()
	defer db.DeregisterThread(ctx)

	tx := db.Begin(ctx)
	require.NoError(t, tx.Insert([]byte("k1"), []byte("v1")))

	res, err := tx.Lookup([]byte("k1"))
	require.NoError(t, err)
	require.Equal(t, "v1", string(res.Value))
	require.NoError(t, tx.Commit())
}

// scenario 5: data written before Close survives Open and its
// write-ahead log replay.
func TestOpenReplaysLogAfterClose(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t)
	cfg.Filename = filepath.Join(dir, "splinterdb.db")
	cfg.UseLog = true

	db, err := splinterdb.Create(cfg)
	require.NoError(t, err)

	ctx := db.RegisterThread()
	require.NoError(t, db.Insert(ctx, []byte("k1"), []byte("v1")))
	require.NoError(t, db.Insert(ctx, []byte("k2"), []byte("v2")))
	db.DeregisterThread(ctx)
	require.NoError(t, db.Close())

	reopened, err := splinterdb.Open(cfg)
	require.NoError(t, err)
	defer reopened.Close()

	ctx2 := reopened.RegisterThread()
	defer reopened.DeregisterThread(ctx2)

	res, err := reopened.Lookup(ctx2, []byte("k1"))
	require.NoError(t, err)
	require.Equal(t, "v1", string(res.Value))

	res, err = reopened.Lookup(ctx2, []byte("k2"))
	require.NoError(t, err)
	require.Equal(t, "v2", string(res.Value))
}

func TestRangeReturnsKeysInOrderAndDropsTombstones(t *testing.T) {
	db, err := splinterdb.Create(testConfig(t))
	require.NoError(t, err)
	defer db.Close()

	ctx := db.RegisterThread()
	defer db.DeregisterThread(ctx)

	require.NoError(t, db.Insert(ctx, []byte("a"), []byte("1")))
	require.NoError(t, db.Insert(ctx, []byte("b"), []byte("2")))
	require.NoError(t, db.Insert(ctx, []byte("c"), []byte("3")))
	require.NoError(t, db.Delete(ctx, []byte("b")))

	it, err := db.Range(ctx, []byte("a"))
	require.NoError(t, err)

	var keys []string
	for it.Valid() {
		keys = append(keys, string(it.Key()))
		it.Next()
	}
	require.Equal(t, []string{"a", "c"}, keys)
}
