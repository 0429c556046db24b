package rdb

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"sync"

	"github.com/davecgh/go-spew/spew"
	"golang.org/x/sync/errgroup"

	"github.com/ledgerwatch/rdbbuckets/rdb/dbutils"
)

// Chain is the collection-chain coordinator spec §6 describes as the
// gatekeeper of writable/saving/dirty state: "only the head of the chain's
// flags are authoritative; every other member defers to it". A systems
// rewrite is better served by promoting that head-of-chain convention to
// its own type than by picking one BucketSet to play "head" and special
// casing it — so Chain owns the authoritative flags directly and the
// BucketSets it holds, indexed by RdbID, keep their own flags in lockstep
// with it.
type Chain struct {
	mu   sync.Mutex
	sets map[dbutils.RdbID]*BucketSet

	writable bool
	saving   bool
	dirty    bool

	saveErrno error

	snap Snapshotter
}

// NewChain returns an empty, writable Chain using snap as its file
// collaborator. Pass fsnapshot.New() for the default atomic-write behavior.
func NewChain(snap Snapshotter) *Chain {
	return &Chain{
		sets:     make(map[dbutils.RdbID]*BucketSet),
		writable: true,
		snap:     snap,
	}
}

// Register attaches bs under id, so FastSave/FastLoad and the authoritative
// flags cover it. Re-registering the same id replaces the prior BucketSet.
func (ch *Chain) Register(id dbutils.RdbID, bs *BucketSet) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.sets[id] = bs
}

// Get returns the BucketSet registered under id, if any.
func (ch *Chain) Get(id dbutils.RdbID) (*BucketSet, bool) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	bs, ok := ch.sets[id]
	return bs, ok
}

func (ch *Chain) sortedIDs() []dbutils.RdbID {
	ids := make([]dbutils.RdbID, 0, len(ch.sets))
	for id := range ch.sets {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// --- authoritative flags ---------------------------------------------

// Writable reports whether mutating calls should be let through. Every
// BucketSet's own writable flag is set in lockstep by DisableWrites and
// EnableWrites below; Writable on the Chain is the one callers should
// actually branch on.
func (ch *Chain) Writable() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.writable
}

func (ch *Chain) Saving() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.saving
}

func (ch *Chain) Dirty() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.dirty
}

// SaveErrno returns the error from the most recent failed FastSave, or nil.
// Restored from original_source: a failed background save must leave a
// diagnosable trace, not just a log line.
func (ch *Chain) SaveErrno() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.saveErrno
}

// DisableWrites latches every member BucketSet unwritable. Used ahead of a
// save, or by an operator draining writes for maintenance.
func (ch *Chain) DisableWrites() {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.writable = false
	for _, bs := range ch.sets {
		bs.disableWrites()
	}
}

// EnableWrites reverses DisableWrites.
func (ch *Chain) EnableWrites() {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.writable = true
	for _, bs := range ch.sets {
		bs.enableWrites()
	}
}

// SetNeedsSave marks the chain (and every member) dirty, e.g. after a
// direct mutation that bypassed AddNode/DeleteList bookkeeping.
func (ch *Chain) SetNeedsSave(v bool) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.dirty = v
	for _, bs := range ch.sets {
		bs.SetNeedsSave(v)
	}
}

// --- maintenance -------------------------------------------------------

// CleanBuckets runs BucketSet.CleanBuckets across every member, stopping at
// the first error (including ErrCancelled from yh).
func (ch *Chain) CleanBuckets(yh *YieldHook) error {
	ch.mu.Lock()
	ids := ch.sortedIDs()
	ch.mu.Unlock()
	for _, id := range ids {
		bs, ok := ch.Get(id)
		if !ok {
			continue
		}
		if err := bs.CleanBuckets(yh); err != nil {
			return fmt.Errorf("cleanBuckets(%s): %w", dbutils.Tag(id), err)
		}
	}
	return nil
}

// SelfTest checks every member's directory invariants (spec §7's repair()
// precondition check), restored from original_source's SelfTest(thorough
// bool). When thorough is true it additionally re-derives numKeysApprox and
// numNegKeys (the latter via negTrack, skipping buckets known to hold no
// negative keys rather than scanning every record) and compares them
// against the tracked approximations, catching bookkeeping drift that a
// directory-only check would miss.
func (ch *Chain) SelfTest(thorough bool) error {
	ch.mu.Lock()
	ids := ch.sortedIDs()
	ch.mu.Unlock()
	for _, id := range ids {
		bs, _ := ch.Get(id)
		if err := selfTestDirectory(bs); err != nil {
			return fmt.Errorf("selfTest(%s): %w: %w", dbutils.Tag(id), ErrInvariantViolation, err)
		}
		if !thorough {
			continue
		}
		var keys int64
		for _, b := range bs.dir {
			keys += int64(b.numKeys)
		}
		neg := countNegatives(bs)
		if keys > bs.numKeysApprox || neg > bs.numNegKeys {
			return fmt.Errorf("%w: %s stats understate actual content (keys %d/%d, neg %d/%d)",
				ErrInvariantViolation, dbutils.Tag(id), bs.numKeysApprox, keys, bs.numNegKeys, neg)
		}
	}
	return nil
}

// Repair re-derives every member's numKeysApprox from a full bucket scan
// and numNegKeys via countNegatives, clearing whatever drift SelfTest(true)
// would flag. It does not touch directory ordering; a directory invariant failure
// is not recoverable short of reloading from a known-good snapshot.
func (ch *Chain) Repair() error {
	ch.mu.Lock()
	ids := ch.sortedIDs()
	ch.mu.Unlock()
	for _, id := range ids {
		bs, _ := ch.Get(id)
		var keys int64
		for _, b := range bs.dir {
			keys += int64(b.numKeys)
		}
		bs.numKeysApprox = keys
		bs.numNegKeys = countNegatives(bs)
	}
	return nil
}

// countNegatives re-derives the true negative-key count, consulting
// negTrack to skip the per-key scan entirely on buckets it knows hold no
// negative keys rather than visiting every record of every bucket.
func countNegatives(bs *BucketSet) int64 {
	var neg int64
	for _, slot := range bs.negTrack.All() {
		b := bs.dir[slot.Index]
		for i := 0; i < b.numKeys; i++ {
			if IsNegative(b.keyAt(i)) {
				neg++
			}
		}
	}
	return neg
}

// DumpBuckets writes a human-readable dump of every member's directory to
// w, using go-spew the way the teacher reaches for it in ad hoc debug
// tooling (cmd/hack/hack.go). Restored from original_source's
// BucketSet::dumpBuckets, generalized across the whole chain.
func (ch *Chain) DumpBuckets(w io.Writer) {
	ch.mu.Lock()
	ids := ch.sortedIDs()
	ch.mu.Unlock()
	cfg := spew.ConfigState{Indent: "  ", DisableMethods: true}
	for _, id := range ids {
		bs, _ := ch.Get(id)
		fmt.Fprintf(w, "=== %s (%d buckets) ===\n", dbutils.Tag(id), len(bs.dir))
		for i, b := range bs.dir {
			fmt.Fprintf(w, "[%d] coll=%d numKeys=%d lastSorted=%d endKey=%s\n",
				i, b.collnum, b.numKeys, b.lastSorted, cfg.Sdump(b.endKey))
		}
	}
}

// --- persistence ---------------------------------------------------------

// fileFor returns the snapshot path for id within dir.
func fileFor(dir string, id dbutils.RdbID) string {
	return filepath.Join(dir, dbutils.Tag(id)+".rdb")
}

// FastSave serializes every registered BucketSet to dir, one file per RdbID
// (spec §4.3): disable writes, clean every member, serialize, write, then
// restore writable and clear dirty on success. When useThread is true the
// clean+serialize+write work runs on a background goroutine via errgroup
// and FastSave returns immediately after latching saving=true; callback(
// state) fires from that goroutine once the whole chain has been written
// (or failed). When useThread is false, FastSave blocks until done and
// still invokes callback before returning.
func (ch *Chain) FastSave(dir string, useThread bool, state interface{}, callback func(state interface{})) error {
	ch.mu.Lock()
	if ch.saving {
		ch.mu.Unlock()
		return fmt.Errorf("%w: save already in progress", ErrNotWritable)
	}
	ch.writable = false
	ch.saving = true
	ch.saveErrno = nil
	for _, bs := range ch.sets {
		bs.disableWrites()
		bs.saving = true
	}
	ids := ch.sortedIDs()
	ch.mu.Unlock()

	run := func() error {
		err := ch.doSave(dir, ids)
		ch.mu.Lock()
		ch.saving = false
		ch.writable = true
		for _, bs := range ch.sets {
			bs.enableWrites()
			bs.saving = false
		}
		if err != nil {
			ch.saveErrno = err
		} else {
			ch.dirty = false
			ch.saveErrno = nil
			for _, bs := range ch.sets {
				bs.SetNeedsSave(false)
			}
		}
		ch.mu.Unlock()
		if callback != nil {
			callback(state)
		}
		return err
	}

	if !useThread {
		return run()
	}
	go func() {
		_ = run()
	}()
	return nil
}

func (ch *Chain) doSave(dir string, ids []dbutils.RdbID) error {
	g, _ := errgroup.WithContext(context.Background())
	for _, id := range ids {
		id := id
		bs, ok := ch.Get(id)
		if !ok {
			continue
		}
		g.Go(func() error {
			if err := bs.CleanBuckets(NoopYieldHook()); err != nil {
				return fmt.Errorf("%s: %w", dbutils.Tag(id), err)
			}
			data, err := fastSaveBytes(bs)
			if err != nil {
				return fmt.Errorf("%s: %w", dbutils.Tag(id), err)
			}
			if err := ch.snap.WriteFile(fileFor(dir, id), data); err != nil {
				return fmt.Errorf("%s: %w", dbutils.Tag(id), err)
			}
			return nil
		})
	}
	return g.Wait()
}

// FastLoad reads, for every id in opts, the snapshot for id from dir,
// builds a fresh BucketSet from opts[id] and registers it under id,
// freeing any BucketSet already registered there. The image header is
// validated against opts[id] (ErrConfigMismatch on disagreement), so the
// caller-declared configuration, not whatever the image claims, decides
// keySize/fixedDataSize.
func (ch *Chain) FastLoad(dir string, opts map[dbutils.RdbID]Options) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	for id, o := range opts {
		data, err := ch.snap.ReadFile(fileFor(dir, id))
		if err != nil {
			return fmt.Errorf("%s: %w", dbutils.Tag(id), err)
		}
		bs, err := fastLoadBytes(o, data)
		if err != nil {
			return fmt.Errorf("%s: %w", dbutils.Tag(id), err)
		}
		if old, ok := ch.sets[id]; ok {
			old.Free()
		}
		ch.sets[id] = bs
	}
	ch.dirty = false
	ch.saveErrno = nil
	return nil
}
