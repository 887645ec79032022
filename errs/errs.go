// Package errs defines the sentinel error taxonomy shared by every
// storage-core component: the page cache, the B-tree, the trunk, the
// write-ahead log and the transaction layer all return one of these
// (wrapped with context via fmt.Errorf("...: %w")) rather than inventing
// their own error types.
package errs

import "errors"

var (
	// NoMemory is returned when an in-memory allocation (a frame, a
	// node buffer) cannot be satisfied.
	NoMemory = errors.New("no memory")

	// NoSpace is returned when the block allocator or mini-allocator
	// has no extents left to hand out.
	NoSpace = errors.New("no space")

	// Busy is returned when a latch, lock or CAS could not be
	// acquired and the caller should back off and retry.
	Busy = errors.New("busy")

	// TimedOut is returned when an I/O or lock wait exceeded its
	// configured bound.
	TimedOut = errors.New("timed out")

	// NotFound is returned by lookups that found no tuple for a key.
	// It is distinguished from all other errors: a caller must be
	// able to tell "absent" from "failed".
	NotFound = errors.New("not found")

	// IOError wraps a failure from the underlying PageStore.
	IOError = errors.New("io error")

	// BadParam is returned for invalid configuration or arguments,
	// including unsupported isolation levels.
	BadParam = errors.New("bad param")

	// InvalidState is returned when an operation is attempted on an
	// object in the wrong lifecycle state (e.g. committing a
	// transaction twice).
	InvalidState = errors.New("invalid state")

	// TestFailed marks an assertion failure surfaced in test builds
	// instead of panicking, so test harnesses can assert on it.
	TestFailed = errors.New("test failed")

	// Abort is returned by Txn.Commit when TicToc validation fails.
	// It is not a system error: callers are expected to retry.
	Abort = errors.New("transaction aborted")

	// Corrupt is returned when a page's type tag does not match what
	// the reader expected.
	Corrupt = errors.New("corrupt page")
)
