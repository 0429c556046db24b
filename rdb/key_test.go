package rdb

import "testing"

func TestCompareMaskedIgnoresDeletionBit(t *testing.T) {
	a := key12(0x10)
	b := negTwin(a)
	if CompareMasked(a, b) != 0 {
		t.Fatalf("expected masked-equal, got %d", CompareMasked(a, b))
	}
	if CompareStrict(a, b) == 0 {
		t.Fatalf("expected strict-distinct")
	}
}

func TestCompareStrictOrdersByDeletionBitLast(t *testing.T) {
	pos := key12(0x10)
	neg := negTwin(pos)
	if CompareStrict(pos, neg) >= 0 {
		t.Fatalf("expected positive key to strict-sort before its negative twin")
	}
}

func TestIsNegativeRoundTrip(t *testing.T) {
	k := key12(0x42)
	if IsNegative(k) {
		t.Fatalf("fresh key should not be negative")
	}
	n := Negative(k)
	if !IsNegative(n) {
		t.Fatalf("Negative() should set the deletion bit")
	}
	p := Positive(n)
	if IsNegative(p) {
		t.Fatalf("Positive() should clear the deletion bit")
	}
	if CompareMasked(k, p) != 0 {
		t.Fatalf("Positive(Negative(k)) should masked-equal k")
	}
}
