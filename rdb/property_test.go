package rdb

import (
	"sort"
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/stretchr/testify/require"

	"github.com/ledgerwatch/rdbbuckets/rdb/dbutils"
)

// modelEntry tracks, per masked key, whether a positive and/or negative
// variant is currently live, each with its own last-written payload. This
// mirrors the actual dedup rule (sort's MASKED-equal collapse always keeps
// the negative/tombstone variant over a coexisting positive one, since the
// deletion bit makes it STRICT-greater regardless of chronological
// insertion order) rather than naive last-write-wins, which only holds
// for repeated same-polarity writes of the identical key.
type modelEntry struct {
	maskedKey              []byte
	posPresent, negPresent bool
	posPayload, negPayload []byte
}

// winner returns the record the BucketSet should report for this masked
// key after the MASKED-equal dedup rule, or ok=false if neither polarity
// is currently live.
func (e *modelEntry) winner() (key, payload []byte, ok bool) {
	switch {
	case e == nil:
		return nil, nil, false
	case e.negPresent:
		return Negative(e.maskedKey), e.negPayload, true
	case e.posPresent:
		return Positive(e.maskedKey), e.posPayload, true
	default:
		return nil, nil, false
	}
}

// TestBucketSetPropertyRandomOps drives a random sequence of addNode,
// deleteList and cleanBuckets calls through a small BucketSet, checks
// invariants 1-2 (directory ordering/non-overlap, no MASKED duplicates
// post-sort) after every step, and checks invariants 3-4 (getKeyVal
// freshness, getList exhaustiveness) against the model above once the
// sequence is done.
// google/gofuzz supplies the random key/payload bytes, seeded for
// reproducibility the way the teacher's own fuzz-backed tests seed their
// generators.
func TestBucketSetPropertyRandomOps(t *testing.T) {
	f := fuzz.NewWithSeed(42)
	bs, err := NewBucketSet(Options{KeySize: dbutils.KeySize12, FixedDataSize: 1, BMax: 4, DBName: "prop"})
	require.NoError(t, err)
	t.Cleanup(bs.Free)
	c0 := dbutils.CollNum(0)

	model := map[string]*modelEntry{}

	randKey := func() ([]byte, bool) {
		var lastByte, polarity uint8
		f.Fuzz(&lastByte)
		f.Fuzz(&polarity)
		k := make([]byte, 12)
		k[11] = lastByte % 64 // keep the universe small so collisions/splits happen
		neg := polarity%5 == 0
		if neg {
			k[0] |= 1
		}
		return k, neg
	}

	maskedHex := func(k []byte) string { return string(Positive(k)) }

	entryFor := func(k []byte) *modelEntry {
		h := maskedHex(k)
		e := model[h]
		if e == nil {
			e = &modelEntry{maskedKey: Positive(k)}
			model[h] = e
		}
		return e
	}

	for round := 0; round < 300; round++ {
		var op uint8
		f.Fuzz(&op)
		switch op % 3 {
		case 0, 1: // addNode, weighted more heavily than delete
			k, neg := randKey()
			payload := []byte{byte(round)}
			require.NoError(t, bs.AddNode(c0, k, payload))
			e := entryFor(k)
			if neg {
				e.negPresent, e.negPayload = true, payload
			} else {
				e.posPresent, e.posPayload = true, payload
			}
		case 2: // deleteList removes whichever exact polarity currently exists
			k, _ := randKey()
			h := maskedHex(k)
			require.NoError(t, bs.DeleteList(c0, &SimpleList{Records: []Record{{Key: Positive(k)}}}))
			require.NoError(t, bs.DeleteList(c0, &SimpleList{Records: []Record{{Key: Negative(k)}}}))
			if e, ok := model[h]; ok {
				e.posPresent, e.negPresent = false, false
			}
		}

		if round%37 == 0 {
			require.NoError(t, bs.CleanBuckets(NoopYieldHook()))
		}

		checkDirectoryInvariants(t, bs)
		checkNoMaskedDuplicatesPostSort(t, bs)
	}

	require.NoError(t, bs.CleanBuckets(NoopYieldHook()))
	checkDirectoryInvariants(t, bs)
	checkNoMaskedDuplicatesPostSort(t, bs)

	// invariant 3: getKeyVal agrees with the model for every masked key
	// ever generated.
	var want [][]byte
	for _, e := range model {
		key, payload, ok := e.winner()
		if !ok {
			continue
		}
		v, err := bs.GetKeyVal(c0, key)
		require.NoError(t, err)
		require.Equal(t, payload, v, "getKeyVal(%x)", key)
		want = append(want, key)
	}

	// invariant 4: getList over the whole space returns exactly the live,
	// MASKED-deduplicated set, in STRICT-ascending order.
	list := &SimpleList{}
	require.NoError(t, bs.GetList(c0, key12(0x00), key12(0xFF), 0, list, false, NoopYieldHook()))
	sort.Slice(want, func(i, j int) bool { return CompareStrict(want[i], want[j]) < 0 })
	require.Len(t, list.Records, len(want))
	for i, rec := range list.Records {
		require.Equal(t, want[i], rec.Key)
	}
}

func checkDirectoryInvariants(t *testing.T, bs *BucketSet) {
	t.Helper()
	require.NoError(t, selfTestDirectory(bs))
}

func checkNoMaskedDuplicatesPostSort(t *testing.T, bs *BucketSet) {
	t.Helper()
	for _, b := range bs.dir {
		if !b.sorted() {
			continue
		}
		for i := 1; i < b.numKeys; i++ {
			require.NotEqual(t, 0, b.cmp.Masked(b.keyAt(i-1), b.keyAt(i)), "adjacent masked duplicate at %d", i)
		}
	}
}
