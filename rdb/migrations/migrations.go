// Package migrations upgrades an on-disk snapshot image from an older
// format version to the current one before fastLoad parses it, the same
// "apply sequentially, skip already-applied" shape as the teacher's own
// migrations/migrations.go, repurposed here for byte-format version bumps
// instead of bucket-schema bumps: idempotency is achieved by each Up
// checking the version tag itself rather than a separate applied-set,
// since a snapshot image carries exactly one version at a time.
package migrations

import (
	"encoding/binary"
	"fmt"

	"github.com/ledgerwatch/rdbbuckets/internal/rlog"
)

// Migration upgrades a raw snapshot image from FromVersion to FromVersion+1.
// Up must not assume anything about versions beyond FromVersion; Migrator
// chains migrations by feeding each one's output to the next.
type Migration struct {
	Name        string
	FromVersion uint32
	Up          func(image []byte) ([]byte, error)
}

// versionOffset is rdb/snapshot.go's header layout: magic(4) then
// version(4). Kept in sync with snapshot.go's header.encode/decodeHeader
// by convention, not by import, since migrations intentionally operates
// one level below the typed header (a version-0 image may not even
// decode under the current header struct).
const versionOffset = 4

func readVersion(image []byte) (uint32, error) {
	if len(image) < versionOffset+4 {
		return 0, fmt.Errorf("migrations: image too short to carry a version")
	}
	return binary.LittleEndian.Uint32(image[versionOffset : versionOffset+4]), nil
}

// registry lists every known upgrader, in ascending FromVersion order.
// Empty today: rdbbuckets has shipped only format version 1 so far. Add
// entries here as the on-disk format gains versions, following the
// teacher's own pattern of appending rather than editing past migrations.
var registry = []Migration{}

// Migrator applies registry migrations to bring an image up to
// targetVersion.
type Migrator struct {
	Migrations []Migration
}

// NewMigrator returns a Migrator over the package's built-in registry.
func NewMigrator() *Migrator {
	return &Migrator{Migrations: registry}
}

// Apply repeatedly finds the migration whose FromVersion matches image's
// current version and runs it, until image reports targetVersion or no
// further migration applies.
func (m *Migrator) Apply(image []byte, targetVersion uint32) ([]byte, error) {
	for {
		v, err := readVersion(image)
		if err != nil {
			return nil, err
		}
		if v == targetVersion {
			return image, nil
		}
		var next *Migration
		for i := range m.Migrations {
			if m.Migrations[i].FromVersion == v {
				next = &m.Migrations[i]
				break
			}
		}
		if next == nil {
			return nil, fmt.Errorf("migrations: no upgrader registered from version %d to %d", v, targetVersion)
		}
		rlog.Info("applying snapshot migration", "name", next.Name, "from", v)
		image, err = next.Up(image)
		if err != nil {
			return nil, fmt.Errorf("migrations: %s: %w", next.Name, err)
		}
		rlog.Info("applied snapshot migration", "name", next.Name, "from", v)
	}
}
