package rdb

import "errors"

// Sentinel errors realizing the abstract error kinds from spec §7. Callers
// should use errors.Is against these, and call sites wrap them with
// fmt.Errorf("...: %w", ...) for context, matching the teacher's own
// errors.Is/%w convention (core/state/history.go).
var (
	// ErrOutOfMemory is returned when the allocator returns an error on
	// bucket or directory growth. The failed operation is a no-op; the
	// container remains consistent.
	ErrOutOfMemory = errors.New("rdb: out of memory")

	// ErrNotWritable is returned by a mutating operation while writes are
	// disabled (Chain.DisableWrites, or a save in progress).
	ErrNotWritable = errors.New("rdb: not writable")

	// ErrConfigMismatch is returned when a snapshot header disagrees with
	// the configured keySize or fixedDataSize. Load aborts; the container
	// is left in its pre-load state.
	ErrConfigMismatch = errors.New("rdb: config mismatch")

	// ErrCorruptImage is returned when, during load, a declared numKeys
	// exceeds B_MAX, or the post-load sort invariant fails.
	ErrCorruptImage = errors.New("rdb: corrupt image")

	// ErrCancelled is returned by a long operation (sort, getList,
	// CleanBuckets) when the yield hook requests cancellation. Partial
	// results may already be in the caller's buffer. FastSave does not
	// return it: its clean pass uses a hook that never cancels.
	ErrCancelled = errors.New("rdb: cancelled")

	// ErrInvariantViolation is returned by selfTest, or raised internally,
	// when a structural invariant fails. Chain.Repair re-derives drifted
	// key statistics; it does not repair directory ordering.
	ErrInvariantViolation = errors.New("rdb: invariant violation")

	// errNotSorted is an internal-only guard: Bucket read operations
	// (getNode, getKeyVal, getList, split) require lastSorted == numKeys.
	// The BucketSet always sorts before calling them; seeing this escape
	// to a public API means an InvariantViolation.
	errNotSorted = errors.New("rdb: bucket not sorted")

	// errNoSplitBoundary signals that split() could not find a MASKED
	// boundary within the required window around the midpoint; the caller
	// must fall back to a non-splitting compaction pass instead.
	errNoSplitBoundary = errors.New("rdb: no split boundary")
)
