package rdb

import (
	"fmt"
	"sort"

	"github.com/c2h5oh/datasize"

	"github.com/ledgerwatch/rdbbuckets/rdb/alloc"
	"github.com/ledgerwatch/rdbbuckets/rdb/bitmapdb"
	"github.com/ledgerwatch/rdbbuckets/rdb/dbutils"
)

// Options configures a BucketSet (spec §6 "set(fixedDataSize, maxMem,
// allocName, rdbId, dbname, keySize)"). MaxMem is a datasize.ByteSize so
// callers (notably cmd/rdbctl's flags) can spell it "512MB" instead of a
// bare byte count.
type Options struct {
	KeySize       dbutils.KeySize
	FixedDataSize int // 0 = keys-only
	MaxMem        datasize.ByteSize
	RdbID         dbutils.RdbID
	DBName        string
	BMax          int // records per bucket; defaults to 1000 per spec §3
	Comparator    Comparator
	Allocator     alloc.Allocator
}

const defaultBMax = 1000

func (o *Options) setDefaults() {
	if o.BMax == 0 {
		o.BMax = defaultBMax
	}
	if o.Comparator == nil {
		o.Comparator = DefaultComparator
	}
	if o.Allocator == nil {
		o.Allocator = alloc.NewHeapAllocator()
	}
}

// BucketSet is an ordered sequence of Buckets: the directory, ordered
// first by collection number then by first key (MASKED), plus the
// statistics, scratch buffers, and latched flags spec §3/§4.2 describe.
type BucketSet struct {
	opts Options

	keySize     int
	payloadSize int
	recSize     int

	dir []*bucket // sorted by (collnum, MASKED firstKey)

	memAlloced    int64
	memOccupied   int64
	numKeysApprox int64 // includes dead duplicates pending compaction
	numNegKeys    int64

	writable bool
	saving   bool
	dirty    bool

	sortScratch []byte // one bucket's worth, reused across buckets
	swapScratch []byte // one bucket's worth, reused during split

	dirtyTail *bitmapdb.Tracker // which directory slots have a pending tail
	negTrack  *bitmapdb.Tracker // which directory slots hold >=1 negative key

	cache readCache // optional point-lookup cache; see cache.go
}

// NewBucketSet constructs a BucketSet per spec §6's "set(...)" contract.
func NewBucketSet(o Options) (*BucketSet, error) {
	if !o.KeySize.Valid() {
		return nil, fmt.Errorf("%w: key size %d not one of 12/16/24/28", ErrConfigMismatch, o.KeySize)
	}
	if o.FixedDataSize < 0 {
		return nil, fmt.Errorf("%w: negative fixedDataSize", ErrConfigMismatch)
	}
	o.setDefaults()
	recSize := int(o.KeySize) + o.FixedDataSize

	scratchTag := dbutils.AllocTag(o.RdbID, o.DBName, "sortscratch")
	swapTag := dbutils.AllocTag(o.RdbID, o.DBName, "swapscratch")
	sortBuf, err := o.Allocator.Alloc(o.BMax*recSize, scratchTag)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOutOfMemory, err)
	}
	swapBuf, err := o.Allocator.Alloc(o.BMax*recSize, swapTag)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOutOfMemory, err)
	}

	bs := &BucketSet{
		opts:        o,
		keySize:     int(o.KeySize),
		payloadSize: o.FixedDataSize,
		recSize:     recSize,
		writable:    true,
		sortScratch: sortBuf,
		swapScratch: swapBuf,
		dirtyTail:   bitmapdb.New(),
		negTrack:    bitmapdb.New(),
	}
	bs.memAlloced = int64(2 * o.BMax * recSize)
	return bs, nil
}

func (bs *BucketSet) bucketTag() string {
	return dbutils.AllocTag(bs.opts.RdbID, bs.opts.DBName, "bucket")
}

// --- directory search -----------------------------------------------------

// bucketCmp implements spec §4.2's three-way comparator: compare
// collections first; on a tie, MASKED-compare key against the bucket's
// [firstKey, endKey] range. Returns <0 if key belongs strictly left of b,
// >0 if strictly right, 0 if key falls within b's range.
func (bs *BucketSet) bucketCmp(key []byte, c dbutils.CollNum, b *bucket) int {
	if c != b.collnum {
		if c < b.collnum {
			return -1
		}
		return 1
	}
	if b.numKeys == 0 {
		return 0
	}
	if bs.opts.Comparator.Masked(key, b.firstKey()) < 0 {
		return -1
	}
	if bs.opts.Comparator.Masked(key, b.effectiveEndKey()) > 0 {
		return 1
	}
	return 0
}

// getBucketNum returns the index of the bucket that owns key in
// collection c, or -1 if none does (the key belongs before the first
// bucket of c, after the last, or c has no buckets yet).
func (bs *BucketSet) getBucketNum(key []byte, c dbutils.CollNum) int {
	lo, hi := 0, len(bs.dir)
	for lo < hi {
		mid := (lo + hi) / 2
		cmp := bs.bucketCmp(key, c, bs.dir[mid])
		switch {
		case cmp == 0:
			return mid
		case cmp < 0:
			hi = mid
		default:
			lo = mid + 1
		}
	}
	return -1
}

// dirInsertPos returns the directory index at which a bucket for (c,
// firstKey) should be inserted to keep the directory's (collnum, MASKED
// firstKey) order.
func (bs *BucketSet) dirInsertPos(c dbutils.CollNum, firstKey []byte) int {
	return sort.Search(len(bs.dir), func(i int) bool {
		d := bs.dir[i]
		if d.collnum != c {
			return d.collnum > c
		}
		if d.numKeys == 0 {
			return false
		}
		return bs.opts.Comparator.Masked(d.firstKey(), firstKey) > 0
	})
}

// lastBucketBefore returns the index of the last bucket of collection c
// whose firstKey is MASKED-less than or equal to key (or which is empty),
// or -1 if there is none.
func (bs *BucketSet) lastBucketBefore(c dbutils.CollNum, key []byte) int {
	last := -1
	for i, d := range bs.dir {
		if d.collnum != c {
			if d.collnum > c {
				break
			}
			continue
		}
		if d.numKeys == 0 || bs.opts.Comparator.Masked(d.firstKey(), key) <= 0 {
			last = i
		} else {
			break
		}
	}
	return last
}

// --- construction of new buckets ------------------------------------------

func (bs *BucketSet) newBucket(c dbutils.CollNum) (*bucket, error) {
	b, err := newBucket(c, bs.keySize, bs.payloadSize, bs.opts.BMax, bs.opts.Comparator, bs.opts.Allocator, bs.bucketTag())
	if err != nil {
		return nil, err
	}
	bs.memAlloced += int64(bs.opts.BMax * bs.recSize)
	return b, nil
}

func (bs *BucketSet) insertBucketAt(pos int, b *bucket) {
	bs.dir = append(bs.dir, nil)
	copy(bs.dir[pos+1:], bs.dir[pos:])
	bs.dir[pos] = b
	bs.rebuildTrackers()
}

// rebuildTrackers recomputes dirtyTail/negTrack from the buckets' own
// state (bucket.sorted(), bucket.hasNegative). Any operation that changes
// which directory index a bucket occupies calls this instead of shifting
// bitmap indices one collection at a time: a single collection's worth of
// shifted indices in a shared, multi-collection directory is not enough to
// keep every collection's tracker aligned, and per-bucket state is cheap
// enough to re-derive in full.
func (bs *BucketSet) rebuildTrackers() {
	bs.dirtyTail = bitmapdb.New()
	bs.negTrack = bitmapdb.New()
	for i, b := range bs.dir {
		if !b.sorted() {
			bs.dirtyTail.Mark(b.collnum, uint32(i))
		}
		if b.hasNegative {
			bs.negTrack.Mark(b.collnum, uint32(i))
		}
	}
}

// syncNegTrack updates the negTrack bit for directory slot idx to match
// bs.dir[idx].hasNegative, for operations (sort, deleteList) that change a
// bucket's content in place without moving any bucket's directory index.
func (bs *BucketSet) syncNegTrack(idx int) {
	b := bs.dir[idx]
	if b.hasNegative {
		bs.negTrack.Mark(b.collnum, uint32(idx))
	} else {
		bs.negTrack.Unmark(b.collnum, uint32(idx))
	}
}

// --- CRUD -------------------------------------------------------------

// AddNode routes (collnum, key, payload) to its target bucket, splitting a
// full target first if needed, then appends it (spec §4.2 addNode).
func (bs *BucketSet) AddNode(c dbutils.CollNum, key, payload []byte) error {
	if !bs.writable {
		return ErrNotWritable
	}
	if err := bs.validateKey(key); err != nil {
		return err
	}

	idx := bs.getBucketNum(key, c)
	if idx < 0 {
		idx = bs.lastBucketBefore(c, key)
	}

	var target *bucket
	var slot int
	if idx < 0 {
		nb, err := bs.newBucket(c)
		if err != nil {
			return err
		}
		pos := bs.dirInsertPos(c, key)
		bs.insertBucketAt(pos, nb)
		target, slot = nb, pos
	} else {
		target, slot = bs.dir[idx], idx
	}

	if target.full() && !target.sorted() {
		res, err := target.sort(bs.sortScratch, NoopYieldHook())
		if err != nil {
			return err
		}
		bs.numKeysApprox -= int64(res.dupsCollapsed)
		bs.numNegKeys -= int64(res.negDropped)
		bs.dirtyTail.Unmark(target.collnum, uint32(slot))
		bs.syncNegTrack(slot)
		// sort()'s dedup collapse may have freed room the full() check above
		// didn't account for (an exact-duplicate key in the unsorted tail
		// collapses into its sorted-prefix twin); re-check before splitting.
	}

	if target.full() {
		right, err := bs.newBucket(target.collnum)
		if err != nil {
			return err
		}
		_, _, serr := target.split(right, bs.swapScratch)
		if serr == errNoSplitBoundary {
			// fall back to a non-splitting compaction pass: sort() already
			// ran above; without a usable boundary there is nothing more
			// to reclaim here, so the bucket stays full and this key is
			// not added until deleteList/cleanBuckets frees room.
			right.free()
			bs.memAlloced -= int64(bs.opts.BMax * bs.recSize)
			return fmt.Errorf("%w: bucket full with no MASKED split boundary", ErrOutOfMemory)
		}
		if serr != nil {
			right.free()
			bs.memAlloced -= int64(bs.opts.BMax * bs.recSize)
			return serr
		}
		bs.insertBucketAt(slot+1, right)
		// re-dispatch: recompute which of the two halves now owns key.
		return bs.AddNode(c, key, payload)
	}

	if st := target.addKey(key, payload); st == addFull {
		// target became full concurrently with the check above (single
		// writer model, should not happen); treat as out of memory.
		return fmt.Errorf("%w: bucket unexpectedly full", ErrOutOfMemory)
	}
	if target.numKeys-target.lastSorted > 0 {
		bs.dirtyTail.Mark(target.collnum, uint32(slot))
	}
	bs.numKeysApprox++
	if IsNegative(key) {
		bs.numNegKeys++
		bs.negTrack.Mark(target.collnum, uint32(slot))
	}
	bs.memOccupied += int64(bs.recSize)
	bs.dirty = true
	bs.cache.invalidateColl(c)
	return nil
}

func (bs *BucketSet) validateKey(key []byte) error {
	if len(key) != bs.keySize {
		return fmt.Errorf("%w: key length %d != configured key size %d", ErrConfigMismatch, len(key), bs.keySize)
	}
	return nil
}

// AddList iterates a decoded list, adding each record via AddNode. Every
// record is dispatched on its own (a directory search per record); records
// that land in the same bucket go into its unsorted tail, and that bucket
// is sorted only once it fills. Inserts are not batched per target bucket.
func (bs *BucketSet) AddList(c dbutils.CollNum, recs []Record) error {
	for _, r := range recs {
		if err := bs.AddNode(c, r.Key, r.Payload); err != nil {
			return err
		}
	}
	return nil
}

// GetKeyVal returns the payload of the record whose MASKED key equals key
// within collection c, or nil if absent (spec §4.2, via Bucket.getKeyVal).
func (bs *BucketSet) GetKeyVal(c dbutils.CollNum, key []byte) ([]byte, error) {
	if v, ok := bs.cache.get(c, key); ok {
		return v, nil
	}
	idx := bs.getBucketNum(key, c)
	if idx < 0 {
		return nil, nil
	}
	b := bs.dir[idx]
	if !b.sorted() {
		res, err := b.sort(bs.sortScratch, NoopYieldHook())
		if err != nil {
			return nil, err
		}
		bs.numKeysApprox -= int64(res.dupsCollapsed)
		bs.numNegKeys -= int64(res.negDropped)
		bs.dirtyTail.Unmark(c, uint32(idx))
		bs.syncNegTrack(idx)
	}
	v, err := b.getKeyVal(key)
	if err != nil {
		return nil, err
	}
	bs.cache.put(c, key, v)
	return v, nil
}

// GetList scans [startKey, endKey] of collection c into w, sorting any
// dirty bucket it must visit along the way, stopping once minRecSizes
// bytes have been appended or the yield hook cancels (spec §4.2 getList).
func (bs *BucketSet) GetList(c dbutils.CollNum, startKey, endKey []byte, minRecSizes int, w ListWriter, halfKeys bool, yh *YieldHook) error {
	start := bs.firstBucketOverlapping(c, startKey)
	if start < 0 {
		return nil
	}
	total := 0
	for i := start; i < len(bs.dir); i++ {
		b := bs.dir[i]
		if b.collnum != c {
			break
		}
		if !b.sorted() {
			res, err := b.sort(bs.sortScratch, yh)
			if err != nil {
				return err
			}
			bs.numKeysApprox -= int64(res.dupsCollapsed)
			bs.numNegKeys -= int64(res.negDropped)
			bs.dirtyTail.Unmark(c, uint32(i))
			bs.syncNegTrack(i)
		}
		if b.numKeys > 0 && bs.opts.Comparator.Strict(b.firstKey(), endKey) > 0 {
			break
		}
		n, stop, err := b.getList(w, startKey, endKey, minRecSizes-total, halfKeys, yh)
		total += n
		if err == ErrCancelled {
			return ErrCancelled
		}
		if err != nil {
			return err
		}
		if stop || (minRecSizes > 0 && total >= minRecSizes) {
			return nil
		}
	}
	return nil
}

// firstBucketOverlapping finds the first directory slot of collection c
// whose MASKED range could contain a key >= startKey, via binary search.
func (bs *BucketSet) firstBucketOverlapping(c dbutils.CollNum, startKey []byte) int {
	first, last := -1, -1
	for i, d := range bs.dir {
		if d.collnum != c {
			if d.collnum > c && first >= 0 {
				break
			}
			continue
		}
		if first < 0 {
			first = i
		}
		last = i
	}
	if first < 0 {
		return -1
	}
	lo, hi := first, last+1
	for lo < hi {
		mid := (lo + hi) / 2
		d := bs.dir[mid]
		if d.numKeys > 0 && bs.opts.Comparator.Masked(d.effectiveEndKey(), startKey) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo > last {
		return -1
	}
	return lo
}

// DeleteList forwards each key of r to its owning bucket's deleteList,
// pruning buckets left empty (spec §4.2 deleteList).
func (bs *BucketSet) DeleteList(c dbutils.CollNum, r ListReader) error {
	if !bs.writable {
		return ErrNotWritable
	}
	i := 0
	for i < len(bs.dir) {
		b := bs.dir[i]
		if b.collnum != c {
			i++
			continue
		}
		if !b.sorted() {
			res, err := b.sort(bs.sortScratch, NoopYieldHook())
			if err != nil {
				return err
			}
			bs.numKeysApprox -= int64(res.dupsCollapsed)
			bs.numNegKeys -= int64(res.negDropped)
			bs.dirtyTail.Unmark(b.collnum, uint32(i))
			bs.syncNegTrack(i)
		}
		removed, negRemoved, err := b.deleteList(r)
		if err != nil {
			return err
		}
		bs.numKeysApprox -= int64(removed)
		bs.numNegKeys -= int64(negRemoved)
		bs.memOccupied -= int64(removed) * int64(bs.recSize)
		if removed > 0 {
			bs.dirty = true
			bs.cache.invalidateColl(c)
		}
		if negRemoved > 0 {
			bs.syncNegTrack(i)
		}
		if b.numKeys == 0 {
			b.free()
			bs.dir = append(bs.dir[:i], bs.dir[i+1:]...)
			bs.memAlloced -= int64(bs.opts.BMax * bs.recSize)
			bs.rebuildTrackers()
			continue
		}
		i++
	}
	return nil
}

// DelColl removes and frees every bucket belonging to c.
func (bs *BucketSet) DelColl(c dbutils.CollNum) error {
	if !bs.writable {
		return ErrNotWritable
	}
	out := bs.dir[:0]
	for _, b := range bs.dir {
		if b.collnum == c {
			bs.numKeysApprox -= int64(b.numKeys)
			bs.memOccupied -= int64(b.numKeys) * int64(bs.recSize)
			bs.memAlloced -= int64(bs.opts.BMax * bs.recSize)
			b.free()
			continue
		}
		out = append(out, b)
	}
	bs.dir = out
	bs.rebuildTrackers()
	bs.dirty = true
	bs.cache.invalidateColl(c)
	return nil
}

// CollExists reports whether collection c owns at least one bucket.
func (bs *BucketSet) CollExists(c dbutils.CollNum) bool {
	for _, b := range bs.dir {
		if b.collnum == c {
			return true
		}
	}
	return false
}

// CleanBuckets sorts every bucket with a pending tail, finding them via the
// dirty-slot tracker rather than scanning the whole directory (spec §4.2
// cleanBuckets).
func (bs *BucketSet) CleanBuckets(yh *YieldHook) error {
	for _, slot := range bs.dirtyTail.All() {
		b := bs.dir[slot.Index]
		res, err := b.sort(bs.sortScratch, yh)
		if err != nil {
			return err
		}
		bs.numKeysApprox -= int64(res.dupsCollapsed)
		bs.numNegKeys -= int64(res.negDropped)
		bs.dirtyTail.Unmark(slot.Coll, slot.Index)
		bs.syncNegTrack(int(slot.Index))
		if yh.Breathe() {
			return ErrCancelled
		}
	}
	return nil
}

// GetNumNegativeBucketsInColl returns how many directory slots in
// collection c are known to hold at least one negative key, read off
// negTrack rather than a per-key scan.
func (bs *BucketSet) GetNumNegativeBucketsInColl(c dbutils.CollNum) uint64 {
	return bs.negTrack.Count(c)
}

// --- introspection ---------------------------------------------------

func (bs *BucketSet) GetNumKeys() int64 { return bs.numKeysApprox }

func (bs *BucketSet) GetNumKeysInColl(c dbutils.CollNum) int64 {
	var n int64
	for _, b := range bs.dir {
		if b.collnum == c {
			n += int64(b.numKeys)
		}
	}
	return n
}

func (bs *BucketSet) GetNumNegativeKeys() int64 { return bs.numNegKeys }

func (bs *BucketSet) GetNumPositiveKeys() int64 {
	n := bs.numKeysApprox - bs.numNegKeys
	if n < 0 {
		return 0
	}
	return n
}

func (bs *BucketSet) GetMemAlloced() int64 { return bs.memAlloced }

func (bs *BucketSet) GetMemAvailable() int64 {
	avail := int64(bs.opts.MaxMem) - bs.memAlloced
	if avail < 0 {
		return 0
	}
	return avail
}

func (bs *BucketSet) GetMemOccupied() int64 { return bs.memOccupied }

// Is90PercentFull reports memAlloced >= 0.9*maxMem, within one bucket's
// worth of slack to account for numKeysApprox/numNegKeys overestimation
// (spec's "Stat coherence policy").
func (bs *BucketSet) Is90PercentFull() bool {
	if bs.opts.MaxMem <= 0 {
		return false
	}
	slack := int64(bs.opts.BMax * bs.recSize)
	return bs.memAlloced+slack >= (int64(bs.opts.MaxMem)*9)/10
}

// NeedsDump reports whether this BucketSet should be flushed to disk soon.
func (bs *BucketSet) NeedsDump() bool {
	return bs.dirty && bs.Is90PercentFull()
}

// HasRoom reports whether n additional records can be admitted without
// exceeding maxMem, accounting for the 10% overestimation margin.
func (bs *BucketSet) HasRoom(n int) bool {
	if bs.opts.MaxMem <= 0 {
		return true
	}
	projected := bs.memAlloced + int64(n*bs.recSize)
	return projected <= (int64(bs.opts.MaxMem)*11)/10
}

func (bs *BucketSet) NumBuckets() int { return len(bs.dir) }

func (bs *BucketSet) KeySize() dbutils.KeySize { return bs.opts.KeySize }

func (bs *BucketSet) FixedDataSize() int { return bs.payloadSize }

func (bs *BucketSet) RecSize() int { return bs.recSize }

func (bs *BucketSet) DBName() string { return bs.opts.DBName }

// --- flags -------------------------------------------------------------

func (bs *BucketSet) Writable() bool { return bs.writable }
func (bs *BucketSet) Saving() bool   { return bs.saving }
func (bs *BucketSet) Dirty() bool    { return bs.dirty }

func (bs *BucketSet) disableWrites() { bs.writable = false }
func (bs *BucketSet) enableWrites()  { bs.writable = true }

// SetNeedsSave force-marks the BucketSet dirty, e.g. after an external
// mutation of its backing store.
func (bs *BucketSet) SetNeedsSave(v bool) { bs.dirty = v }

// WithCache attaches a bounded point-lookup cache in front of GetKeyVal
// (spec-additional; see cache.go).
func (bs *BucketSet) WithCache(maxBytes int) *BucketSet {
	bs.cache = newFastCache(maxBytes)
	return bs
}

// Free releases every bucket and the scratch buffers. The BucketSet must
// not be used afterward.
func (bs *BucketSet) Free() {
	for _, b := range bs.dir {
		b.free()
	}
	bs.dir = nil
	if bs.sortScratch != nil {
		bs.opts.Allocator.Free(bs.sortScratch, dbutils.AllocTag(bs.opts.RdbID, bs.opts.DBName, "sortscratch"))
		bs.sortScratch = nil
	}
	if bs.swapScratch != nil {
		bs.opts.Allocator.Free(bs.swapScratch, dbutils.AllocTag(bs.opts.RdbID, bs.opts.DBName, "swapscratch"))
		bs.swapScratch = nil
	}
}
