package rdb

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ledgerwatch/rdbbuckets/rdb/dbutils"
)

var errFileNotFound = errors.New("memSnapshotter: file not found")

// memSnapshotter is an in-memory Snapshotter for tests, avoiding real
// filesystem I/O while exercising the exact same fastSave/fastLoad byte
// path fsnapshot.Writer would.
type memSnapshotter struct{ files map[string][]byte }

func newMemSnapshotter() *memSnapshotter { return &memSnapshotter{files: map[string][]byte{}} }

func (m *memSnapshotter) WriteFile(path string, data []byte) error {
	cp := append([]byte(nil), data...)
	m.files[path] = cp
	return nil
}

func (m *memSnapshotter) ReadFile(path string) ([]byte, error) {
	data, ok := m.files[path]
	if !ok {
		return nil, errFileNotFound
	}
	return data, nil
}

func TestFastSaveLoadRoundTrip(t *testing.T) {
	bs := newTestBucketSet(t, 4)
	c0 := dbutils.CollNum(0)
	for _, last := range []byte{0x10, 0x20, 0x30, 0x40} {
		require.NoError(t, bs.AddNode(c0, key12(last), nil))
	}
	require.NoError(t, bs.AddNode(c0, key12(0x25), nil))

	before := &SimpleList{}
	require.NoError(t, bs.GetList(c0, key12(0x00), key12(0xFF), 0, before, false, NoopYieldHook()))

	snap := newMemSnapshotter()
	ch := NewChain(snap)
	ch.Register(dbutils.RdbIndexdb, bs)
	require.NoError(t, ch.FastSave("/snap", false, nil, nil))
	require.NoError(t, ch.SaveErrno())
	require.False(t, ch.Dirty())

	opts := map[dbutils.RdbID]Options{
		dbutils.RdbIndexdb: {KeySize: dbutils.KeySize12, BMax: 4, MaxMem: 1 << 20, DBName: "test"},
	}
	ch2 := NewChain(snap)
	require.NoError(t, ch2.FastLoad("/snap", opts))

	loaded, ok := ch2.Get(dbutils.RdbIndexdb)
	require.True(t, ok)
	t.Cleanup(loaded.Free)

	after := &SimpleList{}
	require.NoError(t, loaded.GetList(c0, key12(0x00), key12(0xFF), 0, after, false, NoopYieldHook()))
	require.Equal(t, before.Records, after.Records)
}

func TestFastLoadRejectsConfigMismatch(t *testing.T) {
	bs := newTestBucketSet(t, 4)
	require.NoError(t, bs.AddNode(dbutils.CollNum(0), key12(0x10), nil))

	snap := newMemSnapshotter()
	ch := NewChain(snap)
	ch.Register(dbutils.RdbIndexdb, bs)
	require.NoError(t, ch.FastSave("/snap", false, nil, nil))

	badOpts := map[dbutils.RdbID]Options{
		dbutils.RdbIndexdb: {KeySize: dbutils.KeySize16, BMax: 4, MaxMem: 1 << 20, DBName: "test"},
	}
	ch2 := NewChain(snap)
	err := ch2.FastLoad("/snap", badOpts)
	require.ErrorIs(t, err, ErrConfigMismatch)
}
