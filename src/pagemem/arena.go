// Package pagemem implements the table-page allocator backing the
// page-table engine in package pgtbl: a bootstrap allocator that bump-
// allocates table-page nodes out of a fixed, identity-mapped region before
// any dynamic allocator exists, and a runtime allocator that refills from
// 2 MiB huge-backed slabs obtained from a heap.Allocator once one does --
// in the style of biscuit's Physmem_t/Dmap (mem.go, dmap.go), generalized
// from a global 4 KiB free-page list to slab refill.
package pagemem

import (
	"unsafe"

	"vmkern/src/pgtbl"
)

// PageBytes is the size, in bytes, of one table-page node.
const PageBytes = pgtbl.PageSize

// SlabSize is the size of one runtime-mode refill slab: 2 MiB, the span of
// a single large-page mapping, so a slab can itself be block-mapped.
const SlabSize = 2 << 20

// page is the raw contents of one table-page node: 512 64-bit PTE slots.
type page [pgtbl.PTEEntries]pgtbl.PTE

// Arena owns a backing byte pool simulating a span of identity-mapped
// physical memory and translates a PhysAddr into directly addressable
// storage, the role biscuit's Dmap plays over its direct map (dmap.go).
type Arena struct {
	base  pgtbl.PhysAddr
	bytes []byte
}

// NewArena creates an Arena covering [base, base+length). length must be a
// multiple of PageBytes.
func NewArena(base pgtbl.PhysAddr, length uint64) *Arena {
	return &Arena{base: base, bytes: make([]byte, length)}
}

// Base returns the arena's starting physical address.
func (a *Arena) Base() pgtbl.PhysAddr { return a.base }

// Len returns the arena's byte length.
func (a *Arena) Len() uint64 { return uint64(len(a.bytes)) }

// Contains reports whether p falls within the arena.
func (a *Arena) Contains(p pgtbl.PhysAddr) bool {
	return p >= a.base && uint64(p-a.base) < uint64(len(a.bytes))
}

// dmap returns the directly addressable table-page node at p. p must lie
// within the arena and be page-aligned; callers (TableAllocator) uphold
// this.
func (a *Arena) dmap(p pgtbl.PhysAddr) *page {
	off := uint64(p - a.base)
	return (*page)(unsafe.Pointer(&a.bytes[off]))
}

// Zero zeros length bytes of backing memory at the physical address
// identity-mapped by vaddr. It satisfies pgtbl.MemZeroer for bootstrap-mode
// engines, where virtual and physical addresses within the arena coincide;
// runtime-mode engines with a real direct map supply their own MemZeroer.
func (a *Arena) Zero(vaddr pgtbl.VirtAddr, length uint64) {
	off := uint64(pgtbl.PhysAddr(vaddr) - a.base)
	for i := uint64(0); i < length; i++ {
		a.bytes[off+i] = 0
	}
}
