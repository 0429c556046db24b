// Package alloc provides the raw byte-region allocator the rdb buckets
// container consumes for bucket key buffers and scratch space (spec §6,
// "Allocator: alloc(n, tag) -> ptr|null, free(ptr, n, tag)").
//
// Two implementations are provided: MmapAllocator, which backs every
// region with its own anonymous mmap so growth happens on-demand at the OS
// page-cache level rather than via slice reallocation, and HeapAllocator, a
// plain make()-backed implementation for tests and platforms where mmap is
// undesirable.
package alloc

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/edsrzf/mmap-go"
)

// Allocator is the collaborator interface the rdb container consumes for
// all raw byte regions (spec §6).
type Allocator interface {
	// Alloc returns a zeroed byte region of length n, accounted under tag.
	Alloc(n int, tag string) ([]byte, error)
	// Free releases a region previously returned by Alloc. buf must be the
	// exact slice returned by Alloc (not a sub-slice); len(buf) and tag must
	// match the original Alloc call.
	Free(buf []byte, tag string)
	// Stats reports bytes currently outstanding, overall and per tag.
	Stats() Stats
}

// Stats reports allocator-wide accounting.
type Stats struct {
	BytesAlloced int64
	ByTag        map[string]int64
}

// ErrAlloc is returned when the underlying OS call fails; spec's
// OutOfMemory error kind wraps this at the rdb layer.
var ErrAlloc = fmt.Errorf("alloc: region allocation failed")

// HeapAllocator allocates plain Go byte slices. It never fails unless the
// runtime itself would panic on an allocation, which Alloc reports as
// ErrAlloc after recovering rather than propagating the panic.
type HeapAllocator struct {
	mu    sync.Mutex
	bytag map[string]int64
	total int64
}

// NewHeapAllocator returns a ready-to-use heap allocator.
func NewHeapAllocator() *HeapAllocator {
	return &HeapAllocator{bytag: make(map[string]int64)}
}

func (h *HeapAllocator) Alloc(n int, tag string) (buf []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			buf, err = nil, fmt.Errorf("%w: %v", ErrAlloc, r)
		}
	}()
	buf = make([]byte, n)
	h.mu.Lock()
	h.bytag[tag] += int64(n)
	h.total += int64(n)
	h.mu.Unlock()
	return buf, nil
}

func (h *HeapAllocator) Free(buf []byte, tag string) {
	h.mu.Lock()
	h.bytag[tag] -= int64(len(buf))
	h.total -= int64(len(buf))
	h.mu.Unlock()
}

func (h *HeapAllocator) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	cp := make(map[string]int64, len(h.bytag))
	for k, v := range h.bytag {
		cp[k] = v
	}
	return Stats{BytesAlloced: h.total, ByTag: cp}
}

// MmapAllocator backs every region with an independent anonymous mmap
// mapping, realizing the spec's "on-demand memory growth" by handing each
// bucket/scratch region its own page-backed mapping rather than a slice
// grown by the Go runtime's allocator.
type MmapAllocator struct {
	mu    sync.Mutex
	bytag map[string]int64
	total int64
}

// NewMmapAllocator returns a ready-to-use mmap-backed allocator.
func NewMmapAllocator() *MmapAllocator {
	return &MmapAllocator{bytag: make(map[string]int64)}
}

func (m *MmapAllocator) Alloc(n int, tag string) ([]byte, error) {
	if n <= 0 {
		return nil, nil
	}
	region, err := mmap.MapRegion(nil, n, mmap.RDWR, mmap.ANON, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAlloc, err)
	}
	m.mu.Lock()
	m.bytag[tag] += int64(n)
	atomic.AddInt64(&m.total, int64(n))
	m.mu.Unlock()
	return []byte(region), nil
}

func (m *MmapAllocator) Free(buf []byte, tag string) {
	if len(buf) == 0 {
		return
	}
	region := mmap.MMap(buf)
	_ = region.Unmap()
	m.mu.Lock()
	m.bytag[tag] -= int64(len(buf))
	atomic.AddInt64(&m.total, -int64(len(buf)))
	m.mu.Unlock()
}

func (m *MmapAllocator) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make(map[string]int64, len(m.bytag))
	for k, v := range m.bytag {
		cp[k] = v
	}
	return Stats{BytesAlloced: atomic.LoadInt64(&m.total), ByTag: cp}
}
