package heap

import (
	"testing"

	"vmkern/src/errs"
	"vmkern/src/pgtbl"
	"vmkern/src/tlb"
)

// memStore is a minimal in-memory pgtbl.Store for exercising BackedHeap
// without any real hardware, the same "mock MMU" role mockStore plays in
// package pgtbl's own tests.
type memStore struct {
	nodes map[pgtbl.PhysAddr]*[pgtbl.PTEEntries]pgtbl.PTE
	next  pgtbl.PhysAddr
}

func newMemStore() *memStore {
	return &memStore{nodes: map[pgtbl.PhysAddr]*[pgtbl.PTEEntries]pgtbl.PTE{}, next: 0x1000}
}

func (m *memStore) AllocTablePage() (pgtbl.PhysAddr, bool) {
	p := m.next
	m.next += pgtbl.PageSize
	m.nodes[p] = &[pgtbl.PTEEntries]pgtbl.PTE{}
	return p, true
}

func (m *memStore) Read(node pgtbl.PhysAddr, idx int) pgtbl.PTE { return m.nodes[node][idx] }
func (m *memStore) Write(node pgtbl.PhysAddr, idx int, p pgtbl.PTE) {
	m.nodes[node][idx] = p
}

func newTestBackedHeap(t *testing.T) *BackedHeap {
	t.Helper()
	store := newMemStore()
	kroot, _ := store.AllocTablePage()
	uroot, _ := store.AllocTablePage()
	engine := pgtbl.NewEngine(store, &tlb.LocalBroadcaster{}, nil)
	engine.KernelRoot = kroot
	engine.UserRoot = uroot

	virt := NewRangeAllocator(uint64(pgtbl.KernelBase), 1<<30, uint64(pgtbl.PageSize))
	phys := NewRangeAllocator(0x10000000, 1<<30, uint64(pgtbl.PageSize))
	return NewBackedHeap(virt, phys, engine, pgtbl.RW())
}

func TestBackedHeapAllocMapConservesAccounting(t *testing.T) {
	bh := newTestBackedHeap(t)
	virt := bh.virtual.(*RangeAllocator)
	phys := bh.physical.(*RangeAllocator)

	v := bh.AllocMap(0x1000)
	if v == Invalid {
		t.Fatal("AllocMap failed")
	}
	if virt.InUse() != 0x1000 || phys.InUse() != 0x1000 {
		t.Fatalf("virtual/physical in-use = %#x/%#x, want 0x1000/0x1000", virt.InUse(), phys.InUse())
	}
	if !bh.engine.ValidateVirtual(pgtbl.VirtAddr(v), 0x1000) {
		t.Fatal("expected AllocMap's range to be mapped")
	}

	bh.DeallocUnmap(v, 0x1000)
	if virt.InUse() != 0 || phys.InUse() != 0 {
		t.Fatalf("virtual/physical in-use after dealloc = %#x/%#x, want 0/0", virt.InUse(), phys.InUse())
	}
	if bh.engine.ValidateVirtual(pgtbl.VirtAddr(v), 0x1000) {
		t.Fatal("expected DeallocUnmap to remove the mapping")
	}
}

// failingAllocator always fails. As the physical allocator it drives
// AllocMap's physical-exhaustion unwind (the virtual reservation must be
// released); as the virtual allocator it drives the ENOHEAP path.
type failingAllocator struct{ pagesize uint64 }

func (f *failingAllocator) Alloc(length uint64) uint64         { return Invalid }
func (f *failingAllocator) Dealloc(addr uint64, length uint64) {}
func (f *failingAllocator) Pagesize() uint64                    { return f.pagesize }

func TestBackedHeapAllocMapUnwindsOnPhysicalExhaustion(t *testing.T) {
	store := newMemStore()
	kroot, _ := store.AllocTablePage()
	engine := pgtbl.NewEngine(store, &tlb.LocalBroadcaster{}, nil)
	engine.KernelRoot = kroot
	engine.UserRoot = kroot

	virt := NewRangeAllocator(uint64(pgtbl.KernelBase), 1<<30, uint64(pgtbl.PageSize))
	phys := &failingAllocator{pagesize: uint64(pgtbl.PageSize)}
	bh := NewBackedHeap(virt, phys, engine, pgtbl.RW())

	v, e := bh.AllocMapErr(0x1000)
	if v != Invalid {
		t.Fatal("expected AllocMap to fail when the physical allocator is exhausted")
	}
	if e != errs.ENOMEM {
		t.Fatalf("AllocMapErr reason = %v, want ENOMEM", e)
	}
	if virt.InUse() != 0 {
		t.Fatalf("expected the virtual reservation to be unwound, InUse() = %#x", virt.InUse())
	}
}

// TestDeallocUnmapRoundsUnalignedLength guards against passing an
// unrounded length into UnmapPagesWithHandler, which panics on anything
// not already a multiple of the page size: AllocMap rounds internally,
// so the matching DeallocUnmap call must round the same way rather than
// forwarding the caller's raw length.
func TestDeallocUnmapRoundsUnalignedLength(t *testing.T) {
	bh := newTestBackedHeap(t)
	v := bh.AllocMap(100)
	if v == Invalid {
		t.Fatal("AllocMap failed")
	}
	bh.DeallocUnmap(v, 100)

	virt := bh.virtual.(*RangeAllocator)
	phys := bh.physical.(*RangeAllocator)
	if virt.InUse() != 0 || phys.InUse() != 0 {
		t.Fatalf("virtual/physical in-use after dealloc = %#x/%#x, want 0/0", virt.InUse(), phys.InUse())
	}
}

func TestBackedHeapAllocMapErrReportsNoHeap(t *testing.T) {
	store := newMemStore()
	kroot, _ := store.AllocTablePage()
	engine := pgtbl.NewEngine(store, &tlb.LocalBroadcaster{}, nil)
	engine.KernelRoot = kroot
	engine.UserRoot = kroot

	virt := &failingAllocator{pagesize: uint64(pgtbl.PageSize)}
	phys := NewRangeAllocator(0x20000000, 1<<20, uint64(pgtbl.PageSize))
	bh := NewBackedHeap(virt, phys, engine, pgtbl.RW())

	_, e := bh.AllocMapErr(0x1000)
	if e != errs.ENOHEAP {
		t.Fatalf("AllocMapErr reason = %v, want ENOHEAP", e)
	}
}
