package heap

import "testing"

func TestRangeAllocatorAllocDealloc(t *testing.T) {
	a := NewRangeAllocator(0x100000, 0x4000, 0x1000)

	p1 := a.Alloc(0x1000)
	p2 := a.Alloc(0x1000)
	if p1 == Invalid || p2 == Invalid || p1 == p2 {
		t.Fatalf("expected two distinct allocations, got %#x %#x", p1, p2)
	}
	if a.InUse() != 0x2000 {
		t.Fatalf("InUse() = %#x, want 0x2000", a.InUse())
	}

	a.Dealloc(p1, 0x1000)
	if a.InUse() != 0x1000 {
		t.Fatalf("InUse() after dealloc = %#x, want 0x1000", a.InUse())
	}

	p3 := a.Alloc(0x1000)
	if p3 != p1 {
		t.Fatalf("expected freed range to be reused, got %#x want %#x", p3, p1)
	}
}

func TestRangeAllocatorExhaustion(t *testing.T) {
	a := NewRangeAllocator(0, 0x1000, 0x1000)
	if a.Alloc(0x1000) == Invalid {
		t.Fatal("first allocation should succeed")
	}
	if a.Alloc(0x1000) != Invalid {
		t.Fatal("expected exhaustion to return Invalid")
	}
}

func TestRangeAllocatorRoundsUpToPagesize(t *testing.T) {
	a := NewRangeAllocator(0, 0x2000, 0x1000)
	p := a.Alloc(1)
	if p == Invalid {
		t.Fatal("alloc failed")
	}
	if a.InUse() != 0x1000 {
		t.Fatalf("InUse() = %#x, want one full page for a 1-byte request", a.InUse())
	}
}

func TestRangeAllocatorCoalescesOnDealloc(t *testing.T) {
	a := NewRangeAllocator(0, 0x3000, 0x1000)
	p1 := a.Alloc(0x1000)
	p2 := a.Alloc(0x1000)
	p3 := a.Alloc(0x1000)
	if p1 == Invalid || p2 == Invalid || p3 == Invalid {
		t.Fatal("setup allocations failed")
	}

	a.Dealloc(p1, 0x1000)
	a.Dealloc(p3, 0x1000)
	a.Dealloc(p2, 0x1000)

	// Everything freed and coalesced back into one run: a full-size
	// allocation should now succeed again.
	whole := a.Alloc(0x3000)
	if whole == Invalid {
		t.Fatal("expected coalesced free list to satisfy a full-size allocation")
	}
}
