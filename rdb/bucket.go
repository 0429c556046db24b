package rdb

import (
	"fmt"
	"sort"

	"github.com/ledgerwatch/rdbbuckets/rdb/alloc"
	"github.com/ledgerwatch/rdbbuckets/rdb/dbutils"
)

// bucket is a contiguous byte region of up to bmax records of identical
// fixed layout, belonging to one collection, sorted by key from index 0 up
// to lastSorted, with an unsorted tail in [lastSorted, numKeys) (spec §3,
// §4.1).
type bucket struct {
	collnum dbutils.CollNum

	keySize     int
	payloadSize int
	recSize     int
	bmax        int

	keys       []byte // bmax*recSize bytes, owned, from allocator
	numKeys    int
	lastSorted int
	endKey     []byte // inline copy of key at numKeys-1; valid iff lastSorted==numKeys
	tailMax    []byte // MASKED-max key appended to the unsorted tail since the last sort; nil once sorted

	hasNegative bool // at least one key in [0,numKeys) has its deletion bit set

	cmp Comparator
	a   alloc.Allocator
	tag string
}

// bucketHasNegative reports whether any of the first numKeys records in buf
// (laid out recSize apart, key first keySize bytes) has its deletion bit
// set.
func bucketHasNegative(buf []byte, numKeys, recSize, keySize int) bool {
	for i := 0; i < numKeys; i++ {
		off := i * recSize
		if IsNegative(buf[off : off+keySize]) {
			return true
		}
	}
	return false
}

// addStatus is the result of Bucket.addKey.
type addStatus int

const (
	addOK addStatus = iota
	addFull
)

func newBucket(c dbutils.CollNum, keySize, payloadSize, bmax int, cmp Comparator, a alloc.Allocator, tag string) (*bucket, error) {
	recSize := keySize + payloadSize
	buf, err := a.Alloc(bmax*recSize, tag)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOutOfMemory, err)
	}
	return &bucket{
		collnum:     c,
		keySize:     keySize,
		payloadSize: payloadSize,
		recSize:     recSize,
		bmax:        bmax,
		keys:        buf,
		cmp:         cmp,
		a:           a,
		tag:         tag,
	}, nil
}

func (b *bucket) free() {
	if b.keys != nil {
		b.a.Free(b.keys, b.tag)
		b.keys = nil
	}
}

func (b *bucket) full() bool { return b.numKeys == b.bmax }

func (b *bucket) sorted() bool { return b.lastSorted == b.numKeys }

func (b *bucket) recAt(i int) []byte {
	off := i * b.recSize
	return b.keys[off : off+b.recSize]
}

func (b *bucket) keyAt(i int) []byte { return b.recAt(i)[:b.keySize] }

func (b *bucket) payloadAt(i int) []byte { return b.recAt(i)[b.keySize:] }

func (b *bucket) firstKey() []byte {
	if b.numKeys == 0 {
		return nil
	}
	return b.keyAt(0)
}

// addKey appends the record at position numKeys (spec §4.1 addKey). It
// does not sort; the caller triggers sort lazily.
func (b *bucket) addKey(key, payload []byte) addStatus {
	if b.numKeys == b.bmax {
		return addFull
	}
	rec := b.recAt(b.numKeys)
	copy(rec[:b.keySize], key)
	if b.payloadSize > 0 {
		copy(rec[b.keySize:], payload)
	}
	b.numKeys++
	if IsNegative(key) {
		b.hasNegative = true
	}
	if len(b.tailMax) == 0 || b.cmp.Masked(key, b.tailMax) > 0 {
		b.tailMax = append(b.tailMax[:0], key...)
	}
	return addOK
}

// effectiveEndKey returns the largest MASKED key this bucket is known to
// hold, whether or not it has been swept into endKey by sort() yet.
// Callers routing a key to a bucket via its cached range must consult this
// instead of endKey directly: endKey is only refreshed by sort(), so an
// unsorted tail can silently push the bucket's true upper bound past it.
func (b *bucket) effectiveEndKey() []byte {
	if len(b.tailMax) == 0 {
		return b.endKey
	}
	if len(b.endKey) == 0 || b.cmp.Masked(b.tailMax, b.endKey) > 0 {
		return b.tailMax
	}
	return b.endKey
}

// sortResult reports how many dead duplicates sort() collapsed.
type sortResult struct {
	dupsCollapsed int
	negDropped    int
}

// sort sorts [lastSorted, numKeys), merges it into the sorted prefix using
// scratch (>= numKeys*recSize bytes, owned by the caller — the BucketSet's
// reusable sort scratch buffer), then dedup-collapses adjacent
// MASKED-equal records keeping the one at the larger post-merge index
// (spec §4.1 sort()).
func (b *bucket) sort(scratch []byte, yh *YieldHook) (sortResult, error) {
	if b.lastSorted == b.numKeys {
		return sortResult{}, nil
	}
	tailStart := b.lastSorted
	tailLen := b.numKeys - b.lastSorted

	// Stable-sort the tail by STRICT order, preserving insertion order
	// among exact ties (a key re-added verbatim within the same tail).
	tail := &recordSorter{buf: b.keys[tailStart*b.recSize : b.numKeys*b.recSize], recSize: b.recSize, cmp: b.cmp}
	sort.Stable(tail)
	if yh.Breathe() {
		return sortResult{}, ErrCancelled
	}

	// Merge prefix [0, lastSorted) with sorted tail into scratch, dropping
	// exact-STRICT-equal duplicates in favor of the tail (later) entry.
	merged := scratch[:0]
	pi, ti := 0, 0
	dups := 0
	negDroppedAtMerge := 0
	for pi < b.lastSorted && ti < tailLen {
		pk := b.keyAt(pi)
		tk := b.recAt(tailStart + ti)[:b.keySize]
		c := b.cmp.Strict(pk, tk)
		switch {
		case c < 0:
			merged = append(merged, b.recAt(pi)...)
			pi++
		case c > 0:
			merged = append(merged, b.recAt(tailStart+ti)...)
			ti++
		default:
			// exact duplicate key: tail entry is newer, prefix entry is
			// dropped.
			if IsNegative(pk) {
				negDroppedAtMerge++
			}
			merged = append(merged, b.recAt(tailStart+ti)...)
			pi++
			ti++
			dups++
		}
		if yh.Breathe() {
			return sortResult{}, ErrCancelled
		}
	}
	for pi < b.lastSorted {
		merged = append(merged, b.recAt(pi)...)
		pi++
	}
	for ti < tailLen {
		merged = append(merged, b.recAt(tailStart+ti)...)
		ti++
	}

	// Collapse adjacent MASKED-equal records, keeping the later (larger
	// index) one; spec's dedup rule.
	negDropped := 0
	out := merged[:0]
	n := len(merged) / b.recSize
	for i := 0; i < n; i++ {
		rec := merged[i*b.recSize : (i+1)*b.recSize]
		if len(out) > 0 {
			prevKey := out[len(out)-b.recSize : len(out)-b.recSize+b.keySize]
			if b.cmp.Masked(prevKey, rec[:b.keySize]) == 0 {
				// the record we already appended (prevKey) is the dup
				// being collapsed away; replace it with this one.
				if IsNegative(prevKey) {
					negDropped++
				}
				copy(out[len(out)-b.recSize:], rec)
				dups++
				continue
			}
		}
		out = append(out, rec...)
	}

	copy(b.keys, out)
	b.numKeys = len(out) / b.recSize
	b.lastSorted = b.numKeys
	b.hasNegative = bucketHasNegative(b.keys, b.numKeys, b.recSize, b.keySize)
	if b.numKeys > 0 {
		b.endKey = append(b.endKey[:0], b.keyAt(b.numKeys-1)...)
	} else {
		b.endKey = b.endKey[:0]
	}
	b.tailMax = b.tailMax[:0]
	return sortResult{dupsCollapsed: dups, negDropped: negDropped + negDroppedAtMerge}, nil
}

// getNode returns the index of key under STRICT comparison, or -1 if
// absent. Requires a sorted bucket.
func (b *bucket) getNode(key []byte) (int, error) {
	if !b.sorted() {
		return -1, errNotSorted
	}
	lo, hi := 0, b.numKeys
	for lo < hi {
		mid := (lo + hi) / 2
		c := b.cmp.Strict(b.keyAt(mid), key)
		switch {
		case c == 0:
			return mid, nil
		case c < 0:
			lo = mid + 1
		default:
			hi = mid
		}
	}
	return -1, nil
}

// getKeyVal returns the payload of the record whose MASKED key equals key,
// or nil if none. Requires a sorted bucket.
func (b *bucket) getKeyVal(key []byte) ([]byte, error) {
	if !b.sorted() {
		return nil, errNotSorted
	}
	idx, ok := b.maskedSearch(key)
	if !ok {
		return nil, nil
	}
	p := b.payloadAt(idx)
	out := make([]byte, len(p))
	copy(out, p)
	return out, nil
}

// maskedSearch locates the (unique, post-sort) index whose MASKED key
// equals key. The bucket's STRICT-sorted order is also monotonic under
// MASKED compare once invariant 2 (no masked duplicates) holds, so a plain
// binary search using the masked comparator is correct.
func (b *bucket) maskedSearch(key []byte) (int, bool) {
	lo, hi := 0, b.numKeys
	for lo < hi {
		mid := (lo + hi) / 2
		c := b.cmp.Masked(b.keyAt(mid), key)
		switch {
		case c == 0:
			return mid, true
		case c < 0:
			lo = mid + 1
		default:
			hi = mid
		}
	}
	return -1, false
}

// maskedLowerBound returns the first index i with Masked(key[i], key) >= 0.
func (b *bucket) maskedLowerBound(key []byte) int {
	lo, hi := 0, b.numKeys
	for lo < hi {
		mid := (lo + hi) / 2
		if b.cmp.Masked(b.keyAt(mid), key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// getList appends records in [startKey, endKey] into w, in STRICT-ascending
// order, starting from the MASKED lower bound of startKey and stopping at
// the first record whose key STRICT-compares greater than endKey, or once
// minRecSizes bytes have been appended. If the yield hook requests
// cancellation, the scan of this bucket still runs to its end and then
// reports ErrCancelled. Requires a sorted bucket.
func (b *bucket) getList(w ListWriter, startKey, endKey []byte, minRecSizes int, halfKeys bool, yh *YieldHook) (int, bool, error) {
	if !b.sorted() {
		return 0, false, errNotSorted
	}
	idx := b.maskedLowerBound(startKey)
	appended := 0
	cancelled := false
	var prevKey []byte
	for i := idx; i < b.numKeys; i++ {
		key := b.keyAt(i)
		if b.cmp.Strict(key, endKey) > 0 {
			break
		}
		n := w.AppendRecord(key, b.payloadAt(i), prevKey, halfKeys)
		appended += n
		prevKey = key
		if minRecSizes > 0 && appended >= minRecSizes {
			break
		}
		if !cancelled && yh.Breathe() {
			cancelled = true
		}
	}
	if cancelled {
		return appended, true, ErrCancelled
	}
	return appended, false, nil
}

// deleteList removes, by STRICT lookup, every key in r that falls within
// this bucket's [firstKey, endKey] range, shifting left to close the gap.
// Requires a sorted bucket; remains sorted afterward.
func (b *bucket) deleteList(r ListReader) (removed, negRemoved int, err error) {
	if !b.sorted() {
		return 0, 0, errNotSorted
	}
	for i := 0; i < r.Len(); i++ {
		key := r.KeyAt(i)
		if b.numKeys == 0 {
			break
		}
		if b.cmp.Strict(key, b.firstKey()) < 0 || b.cmp.Strict(key, b.endKey) > 0 {
			continue
		}
		idx, ferr := b.getNode(key)
		if ferr != nil {
			return removed, negRemoved, ferr
		}
		if idx < 0 {
			continue
		}
		if IsNegative(b.keyAt(idx)) {
			negRemoved++
		}
		copy(b.keys[idx*b.recSize:], b.keys[(idx+1)*b.recSize:b.numKeys*b.recSize])
		b.numKeys--
		b.lastSorted--
		removed++
		if b.numKeys > 0 {
			b.endKey = append(b.endKey[:0], b.keyAt(b.numKeys-1)...)
		} else {
			b.endKey = b.endKey[:0]
		}
	}
	if negRemoved > 0 {
		b.hasNegative = bucketHasNegative(b.keys, b.numKeys, b.recSize, b.keySize)
	}
	return removed, negRemoved, nil
}

// splitWindowFraction bounds how far from the exact midpoint split() will
// search for a MASKED boundary before giving up (spec §4.1: "within
// +/-1/4 of the midpoint").
const splitWindowFraction = 4

// split moves the upper half of a full, sorted bucket into newBucket. The
// split point is advanced to the first MASKED-differing boundary at or
// after the midpoint; if none exists up to 1/4 above the midpoint, it returns
// errNoSplitBoundary and the caller must fall back to a non-splitting
// compaction pass (spec §4.1 split()).
func (b *bucket) split(newBucket *bucket, swap []byte) (leftEndKey, rightStartKey []byte, err error) {
	if !b.full() || !b.sorted() {
		return nil, nil, errNotSorted
	}
	mid := b.numKeys / 2
	lo := b.numKeys / splitWindowFraction
	hi := b.numKeys - b.numKeys/splitWindowFraction
	boundary := -1
	// search upward from mid for the first i in (lo, hi] where key[i-1]
	// and key[i] differ under MASKED compare.
	for radius := 0; ; radius++ {
		up := mid + radius
		found := false
		if up > lo && up <= hi && up < b.numKeys {
			if b.cmp.Masked(b.keyAt(up-1), b.keyAt(up)) != 0 {
				boundary = up
				found = true
			}
		}
		if found {
			break
		}
		if mid+radius > hi {
			break
		}
	}
	if boundary < 0 {
		return nil, nil, errNoSplitBoundary
	}

	upperLen := (b.numKeys - boundary) * b.recSize
	copy(swap[:upperLen], b.keys[boundary*b.recSize:b.numKeys*b.recSize])
	copy(newBucket.keys[:upperLen], swap[:upperLen])
	newBucket.numKeys = b.numKeys - boundary
	newBucket.lastSorted = newBucket.numKeys
	newBucket.endKey = append(newBucket.endKey[:0], b.endKey...)
	newBucket.collnum = b.collnum

	b.numKeys = boundary
	b.lastSorted = boundary
	b.endKey = append(b.endKey[:0], b.keyAt(boundary-1)...)

	newBucket.hasNegative = bucketHasNegative(newBucket.keys, newBucket.numKeys, newBucket.recSize, newBucket.keySize)
	b.hasNegative = bucketHasNegative(b.keys, b.numKeys, b.recSize, b.keySize)

	return append([]byte(nil), b.endKey...), append([]byte(nil), newBucket.firstKey()...), nil
}

// recordSorter adapts a flat record buffer to sort.Interface for the tail
// sort in Bucket.sort.
type recordSorter struct {
	buf     []byte
	recSize int
	cmp     Comparator
	tmp     []byte
}

func (s *recordSorter) Len() int { return len(s.buf) / s.recSize }

func (s *recordSorter) Less(i, j int) bool {
	a := s.buf[i*s.recSize : i*s.recSize+s.recSize]
	b := s.buf[j*s.recSize : j*s.recSize+s.recSize]
	return s.cmp.Strict(a, b) < 0
}

func (s *recordSorter) Swap(i, j int) {
	if s.tmp == nil {
		s.tmp = make([]byte, s.recSize)
	}
	a := s.buf[i*s.recSize : i*s.recSize+s.recSize]
	b := s.buf[j*s.recSize : j*s.recSize+s.recSize]
	copy(s.tmp, a)
	copy(a, b)
	copy(b, s.tmp)
}
