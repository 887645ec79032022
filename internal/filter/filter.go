// Package filter implements the routing filter of spec.md §4.4: a
// compact probabilistic structure, partitioned by branch id, answering
// "which branches in this set might contain key K". It trades the
// source's quotient-filter fingerprint table for a fixed-width
// fingerprint keyed by github.com/cespare/xxhash/v2 and a per-bucket
// github.com/bits-and-blooms/bitset of candidate branch ids — the same
// hash/bitset pairing the wider pack reaches for when it needs a
// compact membership structure (see DESIGN.md).
package filter

import (
	"math"

	"github.com/bits-and-blooms/bitset"
	"github.com/cespare/xxhash/v2"
)

// BranchID identifies a branch within the set of branches a single
// routing filter spans (spec.md §3, "partitioned into fingerprints per
// branch"). A filter spans at most 256 branches (spec.md §4.4: "2^5 to
// 2^8 branches").
type BranchID uint8

const maxBranches = 256

// fingerprintBits sizes the per-bucket fingerprint; wider fingerprints
// lower the false-positive rate at the cost of more memory per entry.
const fingerprintBits = 16

// Filter is a fixed-bucket-count probabilistic membership structure.
// Unlike a single Bloom filter, each bucket stores a short fingerprint
// tagged with the branch id that inserted it, so query(h) can return
// the precise subset of branches that might contain h rather than a
// single yes/no (spec.md §4.4).
type Filter struct {
	numBuckets uint64
	fpMask     uint64

	fingerprints []uint32         // fingerprint[i] == 0 means the bucket is empty
	branches     []*bitset.BitSet // branches[i] is nil until first insert
	collided     *bitset.BitSet   // bucket i has seen 2+ distinct fingerprints
}

// New creates a filter sized for expectedKeys entries (REDESIGN FLAGS,
// item 11). fpRate is range-checked, defaulting to 1%, but does not
// change the filter's layout: the fixed fingerprintBits width sets the
// false-positive rate.
func New(expectedKeys int, fpRate float64) *Filter {
	if expectedKeys < 1 {
		expectedKeys = 1
	}
	if fpRate <= 0 || fpRate >= 1 {
		fpRate = 0.01
	}
	// Size so each bucket carries roughly half an entry at capacity;
	// the fingerprint width, not the bucket count, is what bounds the
	// false-positive rate here (fpRate is accepted for forward
	// compatibility with a variable-width fingerprint).
	numBuckets := nextPow2(uint64(expectedKeys) * 2)
	if numBuckets < 16 {
		numBuckets = 16
	}
	return &Filter{
		numBuckets:   numBuckets,
		fpMask:       (1 << fingerprintBits) - 1,
		fingerprints: make([]uint32, numBuckets),
		branches:     make([]*bitset.BitSet, numBuckets),
		collided:     bitset.New(uint(numBuckets)),
	}
}

func nextPow2(v uint64) uint64 {
	if v == 0 {
		return 1
	}
	p := uint64(1)
	for p < v {
		p <<= 1
	}
	return p
}

// Hash computes the key hash fed to Add/Query, exposed so callers
// (the trunk, when building a filter for a freshly packed branch) hash
// a key exactly once even when probing multiple filters.
func Hash(key []byte) uint64 {
	return xxhash.Sum64(key)
}

func (f *Filter) bucketAndFP(h uint64) (uint64, uint32) {
	bucket := h & (f.numBuckets - 1)
	fp := uint32((h>>32)&f.fpMask) | 1 // never zero, so it's distinguishable from "empty"
	return bucket, fp
}

// Add records that key-hash h may be found in branch b (spec.md §4.4,
// add(h, b)). A bucket stores only its first fingerprint; once a
// second, different fingerprint lands in the same bucket it is marked
// collided and queries against it always return the full recorded
// branch set, regardless of fingerprint, so a false fingerprint match
// can never cause an earlier branch to be dropped from a query result.
func (f *Filter) Add(h uint64, b BranchID) {
	bucket, fp := f.bucketAndFP(h)
	switch {
	case f.fingerprints[bucket] == 0:
		f.fingerprints[bucket] = fp
	case f.fingerprints[bucket] != fp:
		f.collided.Set(uint(bucket))
	}
	if f.branches[bucket] == nil {
		f.branches[bucket] = bitset.New(maxBranches)
	}
	f.branches[bucket].Set(uint(b))
}

// Query returns the set of branches that may contain the key hashing
// to h (spec.md §4.4, query(h) -> bitset of branch ids). An empty,
// non-nil result means no branch in this filter could contain the
// key.
func (f *Filter) Query(h uint64) *bitset.BitSet {
	bucket, fp := f.bucketAndFP(h)
	if f.branches[bucket] == nil {
		return bitset.New(maxBranches)
	}
	if f.fingerprints[bucket] != fp && !f.collided.Test(uint(bucket)) {
		return bitset.New(maxBranches)
	}
	return f.branches[bucket]
}

// FalsePositiveRateEstimate reports the false-positive rate implied by
// the fixed fingerprint width, 1/2^fingerprintBits. Nothing in this
// module calls it.
func FalsePositiveRateEstimate() float64 {
	return 1.0 / math.Pow(2, fingerprintBits)
}
