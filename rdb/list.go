package rdb

// ListWriter is the byte-level contract getList needs from the external
// list encoder. spec §1 excludes "the Rdb list encoding/decoding machinery
// beyond the byte-level contract required for scans" from this container;
// ListWriter is exactly that contract — everything past it (the wire
// format of a serialized list) belongs to the caller.
type ListWriter interface {
	// AppendRecord appends one record to the list being built. prevKey is
	// the previous record's key (nil for the first record in the list);
	// halfKeys, when true, signals that the encoder MAY elide the
	// high-order bytes key shares with prevKey (spec §4.1 "useHalfKeys").
	// AppendRecord returns the number of bytes it consumed, which getList
	// uses against the caller's minRecSizes budget.
	AppendRecord(key, payload []byte, prevKey []byte, halfKeys bool) int
}

// ListReader is the byte-level contract deleteList needs: the ordered keys
// of an externally-built list to remove.
type ListReader interface {
	Len() int
	KeyAt(i int) []byte
}

// commonPrefixFromMSB returns how many leading bytes (counted from the
// most-significant end, i.e. the high index) a and b share. This is the
// quantity a useHalfKeys-aware encoder elides.
func commonPrefixFromMSB(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	common := 0
	for i := n - 1; i >= 0; i-- {
		if a[i] != b[i] {
			break
		}
		common++
	}
	return common
}

// Record is one decoded (key, payload) pair, used by SimpleList.
type Record struct {
	Key     []byte
	Payload []byte
}

// SimpleList is the default, fully-decoded ListWriter/ListReader used by
// this repo's own tests and by cmd/rdbctl. It is not "the" list format —
// spec §9's open question on useHalfKeys defers the real wire format to an
// external list contract — but a concrete implementation of that contract
// is needed for anything in this repo to exercise getList/deleteList at
// all, so SimpleList keeps every record fully decoded and merely accounts
// for the bytes a half-keys—aware encoder would have saved.
type SimpleList struct {
	Records []Record
	Bytes   int
}

// AppendRecord implements ListWriter.
func (l *SimpleList) AppendRecord(key, payload []byte, prevKey []byte, halfKeys bool) int {
	k := append([]byte(nil), key...)
	p := append([]byte(nil), payload...)
	l.Records = append(l.Records, Record{Key: k, Payload: p})
	n := len(k) + len(p)
	if halfKeys && prevKey != nil {
		if c := commonPrefixFromMSB(key, prevKey); c > 0 {
			n -= c
		}
	}
	l.Bytes += n
	return n
}

// Len implements ListReader.
func (l *SimpleList) Len() int { return len(l.Records) }

// KeyAt implements ListReader.
func (l *SimpleList) KeyAt(i int) []byte { return l.Records[i].Key }
