// Package fsnapshot is the default Snapshotter (spec §6 file abstraction:
// "ability to write atomically to a temp path and rename on success").
// It is deliberately outside package rdb: spec §1 excludes "the disk file
// abstraction" from the container's own scope, listing it only as a
// collaborator the container consumes. This package is that collaborator's
// default, concrete implementation.
package fsnapshot

import (
	"bytes"
	"os"

	"github.com/natefinch/atomic"
)

// Writer implements rdb.Snapshotter using github.com/natefinch/atomic's
// temp-file-then-rename primitive, present in the retrieved pack's
// calvinalkan-agent-task module and an exact match for the "write
// atomically to a temp path and rename on success" requirement spec §6
// names explicitly.
type Writer struct{}

// New returns a ready-to-use atomic file Snapshotter.
func New() Writer { return Writer{} }

// WriteFile writes data to path atomically: a temp file in the same
// directory is written and fsynced, then renamed over path.
func (Writer) WriteFile(path string, data []byte) error {
	return atomic.WriteFile(path, bytes.NewReader(data))
}

// ReadFile reads the byte-exact image back.
func (Writer) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}
