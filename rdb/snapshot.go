package rdb

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/ledgerwatch/rdbbuckets/rdb/dbutils"
	"github.com/ledgerwatch/rdbbuckets/rdb/migrations"
)

// Snapshotter is the file-abstraction collaborator spec §6 names: "ability
// to write atomically to a temp path and rename on success". The default
// implementation is rdb/fsnapshot.Writer.
type Snapshotter interface {
	WriteFile(path string, data []byte) error
	ReadFile(path string) ([]byte, error)
}

// snapshotMagic and snapshotVersion identify the byte-exact image format
// (spec §4.3: "Not portable across endianness or between different keySize
// configurations"). snapshotVersion is the format version rdb/migrations
// upgrades older images to before fastLoad parses them.
const (
	snapshotMagic   uint32 = 0x52444231 // "RDB1"
	snapshotVersion uint32 = 1
)

// header is the fixed snapshot header (spec §4.3 step 3).
type header struct {
	Magic         uint32
	Version       uint32
	KeySize       uint8
	FixedDataSize uint32
	NumBuckets    uint32
	RecSize       uint32
}

const headerSize = 4 + 4 + 1 + 4 + 4 + 4

func (h header) encode() []byte {
	buf := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(buf[0:4], h.Magic)
	binary.LittleEndian.PutUint32(buf[4:8], h.Version)
	buf[8] = h.KeySize
	binary.LittleEndian.PutUint32(buf[9:13], h.FixedDataSize)
	binary.LittleEndian.PutUint32(buf[13:17], h.NumBuckets)
	binary.LittleEndian.PutUint32(buf[17:21], h.RecSize)
	return buf
}

// dataVersion peeks the version field without requiring the rest of the
// header to be well-formed, so fastLoadBytes can decide whether to run
// migrations before fully decoding.
func dataVersion(buf []byte) (uint32, error) {
	if len(buf) < 8 {
		return 0, fmt.Errorf("%w: truncated header", ErrCorruptImage)
	}
	return binary.LittleEndian.Uint32(buf[4:8]), nil
}

func decodeHeader(buf []byte) (header, error) {
	if len(buf) < headerSize {
		return header{}, fmt.Errorf("%w: truncated header", ErrCorruptImage)
	}
	h := header{
		Magic:         binary.LittleEndian.Uint32(buf[0:4]),
		Version:       binary.LittleEndian.Uint32(buf[4:8]),
		KeySize:       buf[8],
		FixedDataSize: binary.LittleEndian.Uint32(buf[9:13]),
		NumBuckets:    binary.LittleEndian.Uint32(buf[13:17]),
		RecSize:       binary.LittleEndian.Uint32(buf[17:21]),
	}
	if h.Magic != snapshotMagic {
		return header{}, fmt.Errorf("%w: bad magic", ErrCorruptImage)
	}
	return h, nil
}

const bucketHeaderSize = 4 + 4 + 4 // collnum, numKeys, lastSorted (endKey bytes follow, variable width)

// fastSaveBytes serializes bs to a byte-exact image: header, then per
// bucket (collnum, numKeys, lastSorted, endKey, raw keys bytes). Every
// bucket MUST be sorted first (spec §4.3 step 3); CleanBuckets is the
// caller's responsibility, invoked by Chain.FastSave before this runs.
func fastSaveBytes(bs *BucketSet) ([]byte, error) {
	for _, b := range bs.dir {
		if !b.sorted() {
			return nil, fmt.Errorf("%w: unsorted bucket in snapshot path", ErrInvariantViolation)
		}
	}
	h := header{
		Magic:         snapshotMagic,
		Version:       snapshotVersion,
		KeySize:       uint8(bs.keySize),
		FixedDataSize: uint32(bs.payloadSize),
		NumBuckets:    uint32(len(bs.dir)),
		RecSize:       uint32(bs.recSize),
	}
	var out bytes.Buffer
	out.Write(h.encode())
	bhdr := make([]byte, bucketHeaderSize)
	for _, b := range bs.dir {
		binary.LittleEndian.PutUint32(bhdr[0:4], uint32(b.collnum))
		binary.LittleEndian.PutUint32(bhdr[4:8], uint32(b.numKeys))
		binary.LittleEndian.PutUint32(bhdr[8:12], uint32(b.lastSorted))
		out.Write(bhdr)
		endKey := b.endKey
		if len(endKey) != bs.keySize {
			endKey = make([]byte, bs.keySize)
		}
		out.Write(endKey)
		out.Write(b.keys[:b.numKeys*b.recSize])
	}
	return out.Bytes(), nil
}

// fastLoadBytes reconstructs a BucketSet from a byte-exact image produced
// by fastSaveBytes, allocating fresh per-bucket buffers from alloc. It
// validates the header against the configured keySize/fixedDataSize
// (ErrConfigMismatch on disagreement) and every declared numKeys against
// bmax (ErrCorruptImage otherwise), per spec §4.3/§7.
func fastLoadBytes(o Options, data []byte) (*BucketSet, error) {
	if v, verr := dataVersion(data); verr == nil && v != snapshotVersion {
		upgraded, merr := migrations.NewMigrator().Apply(data, snapshotVersion)
		if merr != nil {
			return nil, fmt.Errorf("%w: %v", ErrConfigMismatch, merr)
		}
		data = upgraded
	}
	h, err := decodeHeader(data)
	if err != nil {
		return nil, err
	}
	if dbutils.KeySize(h.KeySize) != o.KeySize || int(h.FixedDataSize) != o.FixedDataSize {
		return nil, fmt.Errorf("%w: image keySize=%d fixedDataSize=%d, configured keySize=%d fixedDataSize=%d",
			ErrConfigMismatch, h.KeySize, h.FixedDataSize, o.KeySize, o.FixedDataSize)
	}
	bs, err := NewBucketSet(o)
	if err != nil {
		return nil, err
	}
	off := headerSize
	for i := uint32(0); i < h.NumBuckets; i++ {
		if off+bucketHeaderSize > len(data) {
			bs.Free()
			return nil, fmt.Errorf("%w: truncated bucket header", ErrCorruptImage)
		}
		collnum := dbutils.CollNum(binary.LittleEndian.Uint32(data[off : off+4]))
		numKeys := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		lastSorted := int(binary.LittleEndian.Uint32(data[off+8 : off+12]))
		off += bucketHeaderSize
		if numKeys > bs.opts.BMax || numKeys < 0 || lastSorted != numKeys {
			bs.Free()
			return nil, fmt.Errorf("%w: bucket %d declares numKeys=%d lastSorted=%d (bmax=%d)",
				ErrCorruptImage, i, numKeys, lastSorted, bs.opts.BMax)
		}
		if off+bs.keySize > len(data) {
			bs.Free()
			return nil, fmt.Errorf("%w: truncated endKey", ErrCorruptImage)
		}
		endKey := append([]byte(nil), data[off:off+bs.keySize]...)
		off += bs.keySize
		recBytes := numKeys * bs.recSize
		if off+recBytes > len(data) {
			bs.Free()
			return nil, fmt.Errorf("%w: truncated record region", ErrCorruptImage)
		}
		nb, err := bs.newBucket(collnum)
		if err != nil {
			bs.Free()
			return nil, err
		}
		copy(nb.keys, data[off:off+recBytes])
		nb.numKeys = numKeys
		nb.lastSorted = lastSorted
		nb.endKey = endKey
		nb.hasNegative = bucketHasNegative(nb.keys, nb.numKeys, nb.recSize, nb.keySize)
		off += recBytes
		bs.dir = append(bs.dir, nb)
		bs.memOccupied += int64(recBytes)
	}
	if err := selfTestDirectory(bs); err != nil {
		bs.Free()
		return nil, err
	}
	var total int64
	for _, b := range bs.dir {
		total += int64(b.numKeys)
	}
	bs.numKeysApprox = total
	bs.rebuildTrackers()
	bs.numNegKeys = countNegatives(bs)
	bs.dirty = false
	return bs, nil
}

// selfTestDirectory checks BucketSet invariants 1-2 (directory ordering,
// non-overlap) across every adjacent pair, the post-load counterpart of
// spec §7's "sort invariant fails post-load" CorruptImage condition. A
// bucket that has never been sorted carries an empty endKey (valid only
// once lastSorted==numKeys per bucket.go); such a pair is skipped rather
// than flagged, since endKey's absence reflects "not yet known", not a
// structural violation — callers wanting a stricter check should run
// CleanBuckets first.
func selfTestDirectory(bs *BucketSet) error {
	for i := 1; i < len(bs.dir); i++ {
		a, b := bs.dir[i-1], bs.dir[i]
		if a.collnum > b.collnum {
			return fmt.Errorf("%w: directory out of collnum order at %d", ErrCorruptImage, i)
		}
		if a.collnum == b.collnum && a.numKeys > 0 && b.numKeys > 0 &&
			bs.opts.Comparator.Masked(a.firstKey(), b.firstKey()) > 0 {
			return fmt.Errorf("%w: directory out of firstKey order at %d", ErrCorruptImage, i)
		}
		if a.collnum == b.collnum && a.numKeys > 0 && b.numKeys > 0 &&
			len(a.endKey) == bs.keySize {
			if bs.opts.Comparator.Strict(a.endKey, b.firstKey()) >= 0 {
				return fmt.Errorf("%w: overlapping buckets at %d", ErrCorruptImage, i)
			}
		}
	}
	return nil
}
