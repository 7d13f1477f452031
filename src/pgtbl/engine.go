package pgtbl

import (
	"fmt"
	"sync"

	"vmkern/src/tlb"
)

// Store supplies fresh zeroed table-page memory and raw PTE-slot access
// for one page-table node. Production code backs it with the table-page
// allocator (package pagemem); property tests back it with an in-memory
// mock, per SPEC §8 ("the page-table engine instantiated over a mock MMU
// that records PTE writes").
type Store interface {
	// AllocTablePage returns the physical address of a freshly
	// allocated, zero-initialized 4 KiB table-page node, or false if
	// none could be obtained.
	AllocTablePage() (PhysAddr, bool)
	// Read returns the PTE at slot idx of the node at phys.
	Read(node PhysAddr, idx int) PTE
	// Write installs the PTE at slot idx of the node at phys.
	Write(node PhysAddr, idx int, p PTE)
}

// MemZeroer zeroes the backing memory of a mapped virtual range. It is
// optional: engines used purely to exercise PTE bookkeeping (as in
// tests) need not provide one.
type MemZeroer interface {
	Zero(vaddr VirtAddr, length uint64)
}

// Engine is the recursive, 4-level page-table walker/mapper. It owns the
// page-table lock (pt_lock in SPEC terms) and is held for the entire
// duration of any structural mutation or traversal -- no suspension point
// exists inside it, per SPEC §5.
type Engine struct {
	store       Store
	broadcaster tlb.Broadcaster
	mem         MemZeroer

	mu sync.Mutex

	// KernelRoot and UserRoot are the PML4 physical addresses for the
	// canonical kernel and user halves respectively, selected by a
	// virtual address's sign bit (SPEC §6).
	KernelRoot PhysAddr
	UserRoot   PhysAddr

	// HugeBacked is the huge-backed translation window; update_map_flags
	// fatally asserts against mappings that intersect it (SPEC §4.4.4).
	HugeBacked Range
}

// NewEngine constructs an Engine over store, using b to issue TLB
// shootdowns. mem may be nil if zero_mapped_pages is never called.
func NewEngine(store Store, b tlb.Broadcaster, mem MemZeroer) *Engine {
	return &Engine{store: store, broadcaster: b, mem: mem}
}

// canonical47 reports whether v lies in the kernel half of the address
// space (bit 47 set, per SPEC §6).
func canonical47(v VirtAddr) bool {
	return v&(1<<47) != 0
}

// rootFor selects the PML4 root for v.
func (e *Engine) rootFor(v VirtAddr) PhysAddr {
	if canonical47(v) {
		return e.KernelRoot
	}
	return e.UserRoot
}

// newFlushSet begins a batch for one structural mutation.
func (e *Engine) newFlushSet() *tlb.FlushSet {
	return tlb.New()
}

func (e *Engine) sync(fs *tlb.FlushSet) {
	fs.Sync(e.broadcaster, nil)
}

// Map installs PTEs covering [v, v+length) -> [p, p+length) with flags.
// v and p must be page-aligned; length is rounded up to PageSize. It
// returns false (without having committed a partial, inconsistent range
// beyond what was already installed) if an existing mapping would have
// been overwritten or table-page memory was exhausted -- the caller is
// expected to treat this as fatal, per SPEC §7.1: having committed to the
// address range, the core cannot itself pick a different one.
func (e *Engine) Map(v VirtAddr, p PhysAddr, length uint64, flags Flags) bool {
	if !Aligned(uint64(v)) || !Aligned(uint64(p)) {
		panic("pgtbl: Map requires page-aligned v and p")
	}
	length = Round(length)
	if length == 0 {
		return true
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	fs := e.newFlushSet()
	root := e.rootFor(v)
	pp := p
	ok := e.mapLevel(root, firstLevel, Range{Start: v, End: v + VirtAddr(length)}, &pp, flags, fs)
	e.sync(fs)
	if !ok {
		fmt.Printf("pgtbl: map would overwrite entry: v=0x%x p=0x%x len=0x%x\n", v, p, length)
	}
	return ok
}

// mapLevel is the recursive installer, mirroring nanos' map_level: it
// walks the index range covered by v at this level, installing leaf
// PTEs, promoting to block mappings where alignment and span allow, or
// descending through (allocating, if absent) a child table.
func (e *Engine) mapLevel(node PhysAddr, level int, v Range, p *PhysAddr, flags Flags, fs *tlb.FlushSet) bool {
	shift := levelShift(level)
	lsize := levelSize(level)
	firstIdx := index(v.Start, level)
	lastIdx := index(v.Start+VirtAddr(v.Len()-1), level)

	cursor := v.Start
	for i := firstIdx; i <= lastIdx; i++ {
		entry := e.store.Read(node, i)
		// span of this index's slot, clipped to the requested range
		slotEnd := VirtAddr(util64RoundDownEnd(uint64(cursor), shift) + lsize)
		remaining := v.End - cursor
		span := uint64(remaining)
		if uint64(slotEnd-cursor) < span {
			span = uint64(slotEnd - cursor)
		}

		if !entry.Present() {
			switch {
			case level == leafLevel:
				newPTE := leafPTE(*p, flags)
				*p += PhysAddr(PageSize)
				e.store.Write(node, i, newPTE)
				fs.Invalidate(tlb.Addr(cursor))
			case !flags.MinPage && level > firstLevel &&
				uint64(cursor)%lsize == 0 && uint64(*p)%lsize == 0 &&
				span >= lsize:
				newPTE := blockPTE(*p, flags)
				*p += PhysAddr(lsize)
				e.store.Write(node, i, newPTE)
				fs.Invalidate(tlb.Addr(cursor))
			default:
				child, ok := e.store.AllocTablePage()
				if !ok {
					return false
				}
				if !e.mapLevel(child, level+1, Range{Start: cursor, End: cursor + VirtAddr(span)}, p, flags, fs) {
					return false
				}
				e.store.Write(node, i, tableDescriptor(child))
			}
		} else {
			if isMapping(level, entry) {
				return false
			}
			child := entry.Addr()
			if !e.mapLevel(child, level+1, Range{Start: cursor, End: cursor + VirtAddr(span)}, p, flags, fs) {
				return false
			}
		}
		cursor += VirtAddr(span)
	}
	return true
}

// util64RoundDownEnd returns the address of the start of the index slot
// containing cursor at the given shift, i.e. cursor rounded down to a
// multiple of 2^shift.
func util64RoundDownEnd(cursor uint64, shift uint) uint64 {
	mask := (uint64(1) << shift) - 1
	return cursor &^ mask
}
