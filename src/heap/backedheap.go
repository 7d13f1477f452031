package heap

import (
	"sync"

	"vmkern/src/errs"
	"vmkern/src/pgtbl"
)

// BackedHeap composes a virtual-address allocator, a physical-frame
// allocator and a page-table engine into a single allocator that
// atomically reserves, backs and maps virtual memory -- nanos'
// heap/backed_heap composition (alloc_map/dealloc_unmap), generalized
// here to any pair of Allocators rather than one fixed global id-pool.
type BackedHeap struct {
	mu       sync.Mutex
	virtual  Allocator
	physical Allocator
	engine   *pgtbl.Engine
	flags    pgtbl.Flags
}

// NewBackedHeap composes virtual, physical and engine under flags, which
// is applied to every mapping this heap installs.
func NewBackedHeap(virtual, physical Allocator, engine *pgtbl.Engine, flags pgtbl.Flags) *BackedHeap {
	return &BackedHeap{virtual: virtual, physical: physical, engine: engine, flags: flags}
}

// AllocMap reserves a virtual range and a physical range of length bytes
// and maps the former onto the latter, returning the virtual base, or
// Invalid on failure. It is a thin wrapper over AllocMapErr for callers
// that only need the uniform Allocator sentinel convention.
func (b *BackedHeap) AllocMap(length uint64) uint64 {
	v, _ := b.AllocMapErr(length)
	return v
}

// AllocMapErr is AllocMap with a diagnostic reason attached on failure:
// ENOHEAP when no virtual range was available, ENOMEM when none of the
// physical backing was, EEXIST when the mapping itself would have
// overwritten an existing one. On any failure it unwinds whatever it had
// already reserved: the allocation either completes as a whole or leaves
// no trace.
func (b *BackedHeap) AllocMapErr(length uint64) (uint64, errs.Err_t) {
	b.mu.Lock()
	defer b.mu.Unlock()

	v := b.virtual.Alloc(length)
	if v == Invalid {
		return Invalid, errs.ENOHEAP
	}
	p := b.physical.Alloc(length)
	if p == Invalid {
		b.virtual.Dealloc(v, length)
		return Invalid, errs.ENOMEM
	}
	if !b.engine.Map(pgtbl.VirtAddr(v), pgtbl.PhysAddr(p), length, b.flags) {
		b.physical.Dealloc(p, length)
		b.virtual.Dealloc(v, length)
		return Invalid, errs.EEXIST
	}
	return v, 0
}

// DeallocUnmap unmaps [vaddr, vaddr+length), then returns both the
// virtual range and its backing physical frames to their allocators.
// length is rounded up to the page size before it reaches the
// alignment-sensitive unmap path, mirroring backed_dealloc_unmap's
// pad(len, pagesize) -- AllocMap's own length already went through the
// same rounding on the way in, via the virtual/physical allocators and
// Map, so an unrounded length here would otherwise panic in Unmap
// without ever having panicked on the matching alloc.
func (b *BackedHeap) DeallocUnmap(vaddr uint64, length uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	length = pgtbl.Round(length)
	b.engine.UnmapPagesWithHandler(pgtbl.VirtAddr(vaddr), length, func(base pgtbl.PhysAddr, plen uint64) {
		b.physical.Dealloc(uint64(base), plen)
	})
	b.virtual.Dealloc(vaddr, length)
}

// DeallocVirtual releases [vaddr, vaddr+length) back to the virtual
// allocator without touching any mapping or physical backing, for virtual
// ranges this heap reserved but never mapped, or whose mapping is owned
// elsewhere.
func (b *BackedHeap) DeallocVirtual(vaddr uint64, length uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.virtual.Dealloc(vaddr, length)
}

// Pagesize reports the virtual allocator's granularity, satisfying
// Allocator.
func (b *BackedHeap) Pagesize() uint64 { return b.virtual.Pagesize() }

// Alloc satisfies Allocator by delegating to AllocMap.
func (b *BackedHeap) Alloc(length uint64) uint64 { return b.AllocMap(length) }

// Dealloc satisfies Allocator by delegating to DeallocUnmap.
func (b *BackedHeap) Dealloc(addr uint64, length uint64) { b.DeallocUnmap(addr, length) }
