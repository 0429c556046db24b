// Package dbutils holds the small, dependency-free vocabulary shared by the
// rdb buckets container: key widths, collection numbers, and the table that
// maps an RDB id to the tag used for allocator accounting and on-disk
// naming. It mirrors the teacher convention of keeping bucket/name tables in
// a leaf package that everything else imports, rather than scattering
// string literals through the container.
package dbutils

import "fmt"

// KeySize is the fixed width of every key in one container instance.
// Variable key widths are explicitly out of scope (spec Non-goals).
type KeySize uint8

// Allowed key widths, in bytes.
const (
	KeySize12 KeySize = 12
	KeySize16 KeySize = 16
	KeySize24 KeySize = 24
	KeySize28 KeySize = 28
)

// Valid reports whether ks is one of the four supported key widths.
func (ks KeySize) Valid() bool {
	switch ks {
	case KeySize12, KeySize16, KeySize24, KeySize28:
		return true
	default:
		return false
	}
}

// CollNum identifies the collection (namespace) that owns a record.
// Buckets never mix collections.
type CollNum int32

// RdbID identifies the RDB variant a BucketSet belongs to. It affects only
// the on-disk tag, never on-wire semantics.
type RdbID uint8

// Known rdb ids. Real deployments register their own; these are the ones
// the teacher's own dbutils.Buckets table carries as "well known" entries.
const (
	RdbIndexdb RdbID = iota
	RdbSpiderdb
	RdbTitledb
	RdbClusterdb
	RdbLinkdb
	RdbTagdb
)

var rdbTags = map[RdbID]string{
	RdbIndexdb:  "indexdb",
	RdbSpiderdb: "spiderdb",
	RdbTitledb:  "titledb",
	RdbClusterdb: "clusterdb",
	RdbLinkdb:   "linkdb",
	RdbTagdb:    "tagdb",
}

// Tag returns the allocator/on-disk accounting tag for id, falling back to
// a synthesized name for unregistered ids so callers never have to special
// case an unknown RdbID.
func Tag(id RdbID) string {
	if name, ok := rdbTags[id]; ok {
		return name
	}
	return fmt.Sprintf("rdb-%d", uint8(id))
}

// RegisterTag adds or overrides the on-disk tag for id. Intended for
// embedders defining their own RDB variants.
func RegisterTag(id RdbID, name string) {
	rdbTags[id] = name
}

// AllocTag builds the per-resource accounting tag passed to
// rdb/alloc.Allocator: "<rdbTag>.<dbname>.<resource>".
func AllocTag(id RdbID, dbname, resource string) string {
	return fmt.Sprintf("%s.%s.%s", Tag(id), dbname, resource)
}
