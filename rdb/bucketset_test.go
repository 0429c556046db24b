package rdb

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ledgerwatch/rdbbuckets/rdb/dbutils"
)

func newTestBucketSet(t *testing.T, bmax int) *BucketSet {
	t.Helper()
	bs, err := NewBucketSet(Options{
		KeySize: dbutils.KeySize12,
		BMax:    bmax,
		MaxMem:  1 << 20,
		DBName:  "test",
	})
	require.NoError(t, err)
	t.Cleanup(bs.Free)
	return bs
}

// S1: single insert / lookup, positive and negative-twin both hit.
func TestBucketSetSingleInsertLookup(t *testing.T) {
	bs := newTestBucketSet(t, 4)
	c0 := dbutils.CollNum(0)
	k := key12(0x10)
	require.NoError(t, bs.AddNode(c0, k, nil))

	v, err := bs.GetKeyVal(c0, k)
	require.NoError(t, err)
	require.NotNil(t, v)

	v2, err := bs.GetKeyVal(c0, negTwin(k))
	require.NoError(t, err)
	require.NotNil(t, v2)

	require.EqualValues(t, 1, bs.GetNumKeys())
	require.EqualValues(t, 0, bs.GetNumNegativeKeys())
}

// S3/S4: a full bucket splits on overflow, and a ranged read spans both
// resulting buckets.
func TestBucketSetSplitAndRangedRead(t *testing.T) {
	bs := newTestBucketSet(t, 4)
	c0 := dbutils.CollNum(0)
	for _, last := range []byte{0x10, 0x20, 0x30, 0x40} {
		require.NoError(t, bs.AddNode(c0, key12(last), nil))
	}
	// triggers a split: the fifth insert into a full bucket.
	require.NoError(t, bs.AddNode(c0, key12(0x25), nil))
	require.GreaterOrEqual(t, bs.NumBuckets(), 2)

	list := &SimpleList{}
	require.NoError(t, bs.GetList(c0, key12(0x00), key12(0xFF), 0, list, false, NoopYieldHook()))
	require.Len(t, list.Records, 5)
	for i := 1; i < len(list.Records); i++ {
		require.True(t, CompareStrict(list.Records[i-1].Key, list.Records[i].Key) < 0)
	}

	// S4: a range spanning the split boundary returns exactly the keys in it.
	mid := &SimpleList{}
	require.NoError(t, bs.GetList(c0, key12(0x15), key12(0x35), 0, mid, false, NoopYieldHook()))
	require.Len(t, mid.Records, 3)
	require.Equal(t, key12(0x20), mid.Records[0].Key)
	require.Equal(t, key12(0x25), mid.Records[1].Key)
	require.Equal(t, key12(0x30), mid.Records[2].Key)
}

// S5: collections are isolated; deleting one leaves the other untouched.
func TestBucketSetCollectionIsolation(t *testing.T) {
	bs := newTestBucketSet(t, 4)
	c0, c1 := dbutils.CollNum(0), dbutils.CollNum(1)
	k := key12(0x10)
	require.NoError(t, bs.AddNode(c0, k, nil))
	require.NoError(t, bs.AddNode(c1, k, nil))

	require.True(t, bs.CollExists(c0))
	require.True(t, bs.CollExists(c1))

	require.NoError(t, bs.DelColl(c0))
	require.False(t, bs.CollExists(c0))
	require.True(t, bs.CollExists(c1))

	v, err := bs.GetKeyVal(c1, k)
	require.NoError(t, err)
	require.NotNil(t, v)
}

func TestBucketSetNotWritableAfterDisableWrites(t *testing.T) {
	bs := newTestBucketSet(t, 4)
	bs.disableWrites()
	err := bs.AddNode(dbutils.CollNum(0), key12(0x10), nil)
	require.ErrorIs(t, err, ErrNotWritable)
}

func TestBucketSetIs90PercentFull(t *testing.T) {
	bs, err := NewBucketSet(Options{
		KeySize: dbutils.KeySize12,
		BMax:    4,
		MaxMem:  4 * 12, // exactly one bucket's worth
		DBName:  "test",
	})
	require.NoError(t, err)
	t.Cleanup(bs.Free)
	// memAlloced already includes the 2 scratch buffers plus the first
	// bucket allocated on first insert, so this tiny maxMem is immediately
	// within the 10% slack window.
	require.NoError(t, bs.AddNode(dbutils.CollNum(0), key12(0x10), nil))
	require.True(t, bs.Is90PercentFull())
}
