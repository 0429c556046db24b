package alloc

import "testing"

func TestHeapAllocatorAccounting(t *testing.T) {
	a := NewHeapAllocator()
	buf, err := a.Alloc(128, "tag-a")
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if len(buf) != 128 {
		t.Fatalf("expected 128 bytes, got %d", len(buf))
	}
	if got := a.Stats().BytesAlloced; got != 128 {
		t.Fatalf("expected 128 outstanding, got %d", got)
	}
	a.Free(buf, "tag-a")
	if got := a.Stats().BytesAlloced; got != 0 {
		t.Fatalf("expected 0 outstanding after Free, got %d", got)
	}
}

func TestHeapAllocatorPerTag(t *testing.T) {
	a := NewHeapAllocator()
	if _, err := a.Alloc(10, "x"); err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if _, err := a.Alloc(20, "y"); err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	stats := a.Stats()
	if stats.ByTag["x"] != 10 || stats.ByTag["y"] != 20 {
		t.Fatalf("unexpected per-tag stats: %+v", stats.ByTag)
	}
}

func TestMmapAllocatorRoundTrip(t *testing.T) {
	m := NewMmapAllocator()
	buf, err := m.Alloc(4096, "mmap-tag")
	if err != nil {
		t.Skipf("mmap unavailable in this environment: %v", err)
	}
	if len(buf) != 4096 {
		t.Fatalf("expected 4096 bytes, got %d", len(buf))
	}
	buf[0] = 0xFF
	if buf[0] != 0xFF {
		t.Fatalf("mmap region not writable")
	}
	m.Free(buf, "mmap-tag")
	if got := m.Stats().BytesAlloced; got != 0 {
		t.Fatalf("expected 0 outstanding after Free, got %d", got)
	}
}
