package pagemem

import (
	"sync"

	"vmkern/src/heap"
	"vmkern/src/pgtbl"
)

// TableAllocator is a pgtbl.Store that hands out zeroed table-page nodes,
// carved from an Arena. It starts in bootstrap mode -- a bump allocator
// over a fixed region -- and is switched to runtime mode once a dynamic physical
// allocator exists, after which it refills 2 MiB slabs from a
// heap.Allocator and hands out 4 KiB nodes from the resulting free list.
// This mirrors biscuit's progression from a boot-time identity map to
// Physmem_t-backed allocation (mem.go).
type TableAllocator struct {
	arena *Arena

	mu      sync.Mutex
	bump    pgtbl.PhysAddr
	bumpEnd pgtbl.PhysAddr

	slabs heap.Allocator
	free  []pgtbl.PhysAddr
}

// NewBootstrap creates a TableAllocator that bump-allocates over the whole
// of arena. Allocation takes the allocator's mutex in both modes.
func NewBootstrap(arena *Arena) *TableAllocator {
	return &TableAllocator{
		arena:   arena,
		bump:    arena.Base(),
		bumpEnd: arena.Base() + pgtbl.PhysAddr(arena.Len()),
	}
}

// EnableRuntime switches the allocator to slab-refill mode, sourcing
// future table pages from slabs instead of the bootstrap region. Any
// bootstrap-region page already handed out remains valid.
func (t *TableAllocator) EnableRuntime(slabs heap.Allocator) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.slabs = slabs
}

// AllocTablePage returns a freshly zeroed table-page node, satisfying
// pgtbl.Store.
func (t *TableAllocator) AllocTablePage() (pgtbl.PhysAddr, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.slabs != nil {
		return t.allocRuntime()
	}

	if t.bump+pgtbl.PhysAddr(PageBytes) > t.bumpEnd {
		return 0, false
	}
	p := t.bump
	t.bump += pgtbl.PhysAddr(PageBytes)
	*t.arena.dmap(p) = page{}
	return p, true
}

// allocRuntime serves one node off t.free, refilling from a fresh slab
// when empty. Called with t.mu held.
func (t *TableAllocator) allocRuntime() (pgtbl.PhysAddr, bool) {
	if len(t.free) == 0 {
		base := t.slabs.Alloc(SlabSize)
		if base == heap.Invalid {
			return 0, false
		}
		for off := uint64(0); off < SlabSize; off += PageBytes {
			t.free = append(t.free, pgtbl.PhysAddr(base)+pgtbl.PhysAddr(off))
		}
	}
	p := t.free[len(t.free)-1]
	t.free = t.free[:len(t.free)-1]
	*t.arena.dmap(p) = page{}
	return p, true
}

// Read returns the PTE at slot idx of the node at node, satisfying
// pgtbl.Store.
func (t *TableAllocator) Read(node pgtbl.PhysAddr, idx int) pgtbl.PTE {
	return t.arena.dmap(node)[idx]
}

// Write installs the PTE at slot idx of the node at node, satisfying
// pgtbl.Store.
func (t *TableAllocator) Write(node pgtbl.PhysAddr, idx int, p pgtbl.PTE) {
	t.arena.dmap(node)[idx] = p
}
