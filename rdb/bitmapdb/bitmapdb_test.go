package bitmapdb

import (
	"testing"

	"github.com/RoaringBitmap/roaring"
	"github.com/stretchr/testify/require"

	"github.com/ledgerwatch/rdbbuckets/rdb/dbutils"
)

func TestTrackerMarkContainsUnmark(t *testing.T) {
	tr := New()
	c := dbutils.CollNum(0)
	require.False(t, tr.Contains(c, 3))
	tr.Mark(c, 3)
	require.True(t, tr.Contains(c, 3))
	tr.Unmark(c, 3)
	require.False(t, tr.Contains(c, 3))
}

func TestTrackerEachAndCount(t *testing.T) {
	tr := New()
	c := dbutils.CollNum(1)
	tr.Mark(c, 1)
	tr.Mark(c, 5)
	tr.Mark(c, 9)
	require.EqualValues(t, 3, tr.Count(c))

	var seen []uint32
	tr.Each(c, func(slot uint32) { seen = append(seen, slot) })
	require.ElementsMatch(t, []uint32{1, 5, 9}, seen)
}

func TestTrackerRenumberAboveShiftsDown(t *testing.T) {
	tr := New()
	c := dbutils.CollNum(0)
	tr.Mark(c, 1)
	tr.Mark(c, 3)
	tr.Mark(c, 5)

	tr.RenumberAbove(c, 3) // slot 3 removed; slots > 3 shift down by one

	require.True(t, tr.Contains(c, 1))
	require.False(t, tr.Contains(c, 3))
	require.True(t, tr.Contains(c, 4))
	require.False(t, tr.Contains(c, 5))
}

func TestTrackerUnmarkAllIsolatesCollections(t *testing.T) {
	tr := New()
	c0, c1 := dbutils.CollNum(0), dbutils.CollNum(1)
	tr.Mark(c0, 1)
	tr.Mark(c1, 1)
	tr.UnmarkAll(c0)
	require.False(t, tr.Contains(c0, 1))
	require.True(t, tr.Contains(c1, 1))
}

func TestTrackerMarkManyOrMerges(t *testing.T) {
	tr := New()
	c := dbutils.CollNum(0)
	tr.Mark(c, 1)

	delta := roaring.New()
	delta.Add(2)
	tr.MarkMany(c, delta)

	require.True(t, tr.Contains(c, 1))
	require.True(t, tr.Contains(c, 2))
}
