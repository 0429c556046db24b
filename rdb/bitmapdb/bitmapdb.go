// Package bitmapdb tracks sparse, per-collection sets of directory-slot
// indices using roaring bitmaps, the same data structure and merge
// discipline the teacher's ethdb/bitmapdb package uses to track which block
// numbers touched a given address. Here the "block numbers" are directory
// slot indices, and the two sets kept are: which slots have an unsorted
// tail pending sort() before they can be read or saved, and which slots are
// known to hold at least one negative (tombstone) key.
package bitmapdb

import (
	"sync"

	"github.com/RoaringBitmap/roaring"
	"github.com/ledgerwatch/rdbbuckets/rdb/dbutils"
)

// Tracker holds one roaring bitmap of directory-slot indices per
// collection. It is safe for use by a single BucketSet's writer goroutine;
// callers needing cross-goroutine access must serialize externally, same
// as every other BucketSet mutation (spec §5).
type Tracker struct {
	mu   sync.Mutex
	bySet map[dbutils.CollNum]*roaring.Bitmap
}

// New returns an empty Tracker.
func New() *Tracker {
	return &Tracker{bySet: make(map[dbutils.CollNum]*roaring.Bitmap)}
}

func (t *Tracker) bitmapFor(c dbutils.CollNum) *roaring.Bitmap {
	b, ok := t.bySet[c]
	if !ok {
		b = roaring.New()
		t.bySet[c] = b
	}
	return b
}

// Mark adds slot to the tracked set for collection c.
func (t *Tracker) Mark(c dbutils.CollNum, slot uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bitmapFor(c).Add(slot)
}

// MarkMany ORs delta into the tracked set for collection c, mirroring the
// teacher's AppendMergeByOr: a caller holding a batch of slot indices can
// merge them once rather than calling Mark per slot.
func (t *Tracker) MarkMany(c dbutils.CollNum, delta *roaring.Bitmap) {
	if delta == nil || delta.IsEmpty() {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	cur := t.bitmapFor(c)
	t.bySet[c] = roaring.Or(cur, delta)
}

// Unmark removes slot from the tracked set for collection c.
func (t *Tracker) Unmark(c dbutils.CollNum, slot uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if b, ok := t.bySet[c]; ok {
		b.Remove(slot)
	}
}

// UnmarkAll clears every tracked slot for collection c.
func (t *Tracker) UnmarkAll(c dbutils.CollNum) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.bySet, c)
}

// RenumberAbove drops slot at and shifts every tracked slot index > at
// down by one, so indices recorded before a directory slot is removed stay
// aligned with the slots they named. BucketSet itself does not call it: it
// rebuilds its trackers in full whenever a bucket changes slot.
func (t *Tracker) RenumberAbove(c dbutils.CollNum, at uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.bySet[c]
	if !ok {
		return
	}
	shifted := roaring.New()
	it := b.Iterator()
	for it.HasNext() {
		v := it.Next()
		switch {
		case v < at:
			shifted.Add(v)
		case v > at:
			shifted.Add(v - 1)
		}
	}
	t.bySet[c] = shifted
}

// Contains reports whether slot is tracked for collection c.
func (t *Tracker) Contains(c dbutils.CollNum, slot uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.bySet[c]
	if !ok {
		return false
	}
	return b.Contains(slot)
}

// Each calls fn for every tracked slot of collection c, in ascending order.
func (t *Tracker) Each(c dbutils.CollNum, fn func(slot uint32)) {
	t.mu.Lock()
	b, ok := t.bySet[c]
	t.mu.Unlock()
	if !ok {
		return
	}
	it := b.Iterator()
	for it.HasNext() {
		fn(it.Next())
	}
}

// Count returns the number of tracked slots for collection c.
func (t *Tracker) Count(c dbutils.CollNum) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.bySet[c]
	if !ok {
		return 0
	}
	return b.GetCardinality()
}

// Slot identifies one tracked directory index within its collection.
type Slot struct {
	Coll  dbutils.CollNum
	Index uint32
}

// All returns every tracked slot across every collection. Maintenance
// passes use this to visit only the directory entries actually marked,
// instead of scanning the whole directory to rediscover what this Tracker
// already knows.
func (t *Tracker) All() []Slot {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Slot
	for c, b := range t.bySet {
		it := b.Iterator()
		for it.HasNext() {
			out = append(out, Slot{Coll: c, Index: it.Next()})
		}
	}
	return out
}
