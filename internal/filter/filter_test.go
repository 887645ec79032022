package filter

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFilterNoFalseNegatives(t *testing.T) {
	f := New(1000, 0.01)
	keys := make([][]byte, 1000)
	for i := range keys {
		keys[i] = []byte(fmt.Sprintf("key-%06d", i))
		f.Add(Hash(keys[i]), BranchID(i%8))
	}
	for i, k := range keys {
		bs := f.Query(Hash(k))
		require.True(t, bs.Test(uint(i%8)), "false negative for key %d", i)
	}
}

func TestFilterQueryOnEmptyFilterIsEmpty(t *testing.T) {
	f := New(100, 0.01)
	bs := f.Query(Hash([]byte("never-inserted")))
	require.Equal(t, uint(0), bs.Count())
}

func TestFilterSurvivesBucketCollision(t *testing.T) {
	f := New(1, 0.01)
	// Force two distinct hashes into bucket 0 with different
	// fingerprints (1 and 3), a bucket collision: both branches must
	// remain queryable afterward.
	h1 := uint64(0)
	h2 := uint64(2) << 32
	f.Add(h1, BranchID(3))
	f.Add(h2, BranchID(5))

	require.True(t, f.Query(h1).Test(3), "earlier branch must survive a later colliding insert")
	require.True(t, f.Query(h2).Test(5))
}

func TestFilterFalsePositiveRateIsBounded(t *testing.T) {
	f := New(2000, 0.01)
	for i := 0; i < 2000; i++ {
		f.Add(Hash([]byte(fmt.Sprintf("present-%d", i))), BranchID(1))
	}
	fp := 0
	trials := 5000
	for i := 0; i < trials; i++ {
		bs := f.Query(Hash([]byte(fmt.Sprintf("absent-%d", i))))
		if bs.Test(1) {
			fp++
		}
	}
	// Generous bound: this is a fixed-width-fingerprint approximation,
	// not a tuned Bloom filter; we only assert it isn't pathological.
	require.Less(t, float64(fp)/float64(trials), 0.2)
}
