package rdb

import (
	"encoding/binary"

	"github.com/VictoriaMetrics/fastcache"
	"github.com/ledgerwatch/rdbbuckets/rdb/dbutils"
)

// readCache is the optional point-lookup cache sitting in front of
// BucketSet.GetKeyVal, grounded on the teacher's own
// core/state/db_state_writer.go accountCache *fastcache.Cache field and
// SetAccountCache-style setter: populated on read, invalidated on any
// write to the collection it might be stale for. A zero-value readCache
// (no *fastcache.Cache attached) is always a correct, if unhelpful, no-op
// cache, so BucketSet never needs a nil check at call sites beyond the one
// in get/put/invalidateColl below.
type readCache struct {
	c *fastcache.Cache
}

func newFastCache(maxBytes int) readCache {
	if maxBytes <= 0 {
		maxBytes = 32 * 1024 * 1024
	}
	return readCache{c: fastcache.New(maxBytes)}
}

func cacheKey(c dbutils.CollNum, key []byte) []byte {
	out := make([]byte, 4+len(key))
	binary.BigEndian.PutUint32(out, uint32(c))
	copy(out[4:], key)
	return out
}

func (r readCache) get(c dbutils.CollNum, key []byte) ([]byte, bool) {
	if r.c == nil {
		return nil, false
	}
	v, ok := r.c.HasGet(nil, cacheKey(c, key))
	if !ok {
		return nil, false
	}
	return v, true
}

func (r readCache) put(c dbutils.CollNum, key, val []byte) {
	if r.c == nil {
		return
	}
	r.c.Set(cacheKey(c, key), val)
}

// invalidateColl drops the whole cache on any write to collection c.
// fastcache has no per-prefix eviction, and a write-through per-key
// invalidation would require tracking every cached key; since the cache
// exists purely to speed repeated point lookups between writes, a full
// reset on write is the simplest correct policy and matches how
// infrequently addNode/deleteList/delColl fire relative to GetKeyVal in
// the intended read-heavy workload.
func (r readCache) invalidateColl(c dbutils.CollNum) {
	if r.c == nil {
		return
	}
	r.c.Reset()
}
