package rdb

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ledgerwatch/rdbbuckets/rdb/alloc"
	"github.com/ledgerwatch/rdbbuckets/rdb/dbutils"
)

func key12(last byte) []byte {
	k := make([]byte, 12)
	k[11] = last
	return k
}

func negTwin(k []byte) []byte {
	out := append([]byte(nil), k...)
	out[0] |= 1
	return out
}

func newTestBucket(t *testing.T, bmax int) *bucket {
	t.Helper()
	a := alloc.NewHeapAllocator()
	b, err := newBucket(dbutils.CollNum(0), 12, 0, bmax, DefaultComparator, a, "test")
	require.NoError(t, err)
	t.Cleanup(b.free)
	return b
}

func TestBucketAddKeyAndFull(t *testing.T) {
	b := newTestBucket(t, 4)
	for i := byte(0x10); i < 0x10+4; i++ {
		st := b.addKey(key12(i), nil)
		require.Equal(t, addOK, st)
	}
	require.True(t, b.full())
	require.Equal(t, addFull, b.addKey(key12(0x40), nil))
}

// S2: dedup on sort keeps the negative twin over the earlier positive.
func TestBucketSortDedup(t *testing.T) {
	b := newTestBucket(t, 8)
	k10 := key12(0x10)
	k12 := key12(0x12)
	k11neg := negTwin(key12(0x10))
	k14 := key12(0x14)

	require.Equal(t, addOK, b.addKey(k10, nil))
	require.Equal(t, addOK, b.addKey(k12, nil))
	require.Equal(t, addOK, b.addKey(k11neg, nil))
	require.Equal(t, addOK, b.addKey(k14, nil))

	scratch := make([]byte, 8*b.recSize)
	res, err := b.sort(scratch, NoopYieldHook())
	require.NoError(t, err)

	require.Equal(t, 3, b.numKeys)
	require.Equal(t, 1, res.dupsCollapsed)
	require.Equal(t, 0, res.negDropped)

	require.True(t, IsNegative(b.keyAt(0)))
	require.Equal(t, k12, b.keyAt(1))
	require.Equal(t, k14, b.keyAt(2))
}

func TestBucketGetKeyValMaskedLookup(t *testing.T) {
	b := newTestBucket(t, 4)
	pos := key12(0x10)
	require.Equal(t, addOK, b.addKey(pos, nil))
	scratch := make([]byte, 4*b.recSize)
	_, err := b.sort(scratch, NoopYieldHook())
	require.NoError(t, err)

	v, err := b.getKeyVal(pos)
	require.NoError(t, err)
	require.NotNil(t, v)

	v2, err := b.getKeyVal(negTwin(pos))
	require.NoError(t, err)
	require.NotNil(t, v2)
}

func TestBucketSplitFindsMaskedBoundary(t *testing.T) {
	b := newTestBucket(t, 8)
	for _, last := range []byte{0x10, 0x20, 0x30, 0x40, 0x50, 0x60, 0x70, 0x80} {
		require.Equal(t, addOK, b.addKey(key12(last), nil))
	}
	scratch := make([]byte, 8*b.recSize)
	_, err := b.sort(scratch, NoopYieldHook())
	require.NoError(t, err)

	right := newTestBucket(t, 8)
	swap := make([]byte, 8*b.recSize)
	leftEnd, rightStart, err := b.split(right, swap)
	require.NoError(t, err)
	require.NotNil(t, leftEnd)
	require.NotNil(t, rightStart)
	require.Equal(t, b.numKeys+right.numKeys, 8)
	require.True(t, b.cmp.Strict(leftEnd, rightStart) < 0)
}

func TestBucketDeleteListShrinks(t *testing.T) {
	b := newTestBucket(t, 4)
	k1, k2 := key12(0x10), key12(0x20)
	require.Equal(t, addOK, b.addKey(k1, nil))
	require.Equal(t, addOK, b.addKey(k2, nil))
	scratch := make([]byte, 4*b.recSize)
	_, err := b.sort(scratch, NoopYieldHook())
	require.NoError(t, err)

	removed, negRemoved, err := b.deleteList(&SimpleList{Records: []Record{{Key: k1}}})
	require.NoError(t, err)
	require.Equal(t, 1, removed)
	require.Equal(t, 0, negRemoved)
	require.Equal(t, 1, b.numKeys)
	require.Equal(t, k2, b.keyAt(0))
}
