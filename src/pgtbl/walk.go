package pgtbl

import "vmkern/src/tlb"

// EntryHandler is invoked once per PTE slot visited by Traverse, whether
// or not the slot is present. It may mutate the entry in place (via the
// engine's store through node/idx) but must never trigger further
// table-structure mutations -- the walk holds the page-table lock for its
// entire duration (SPEC §4.4.2).
//
// Returning false aborts the walk at that point.
type EntryHandler func(e *Engine, level int, vaddr VirtAddr, node PhysAddr, idx int) bool

// Traverse walks every PTE slot covering [vaddr, vaddr+length), present or
// not, invoking handler at each one. When a table descriptor is encountered and handler
// accepts it, the walk descends; block and leaf mappings are never
// descended into. The page-table lock is held for the whole call.
func (e *Engine) Traverse(vaddr VirtAddr, length uint64, handler EntryHandler) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	r := RangeL(vaddr, Round(length))
	return e.recursePTEs(e.rootFor(vaddr), firstLevel, r, r.Start, handler)
}

// recursePTEs mirrors nanos' recurse_ptes: it computes the index range
// covered by [vstart, vstart+len) at this level relative to laddr (the
// address of index 0 of this node), visits each index in range, and
// descends through present table descriptors. At the root level laddr is
// taken from v itself: the base of the canonical half v lies in.
func (e *Engine) recursePTEs(node PhysAddr, level int, v Range, laddr VirtAddr, handler EntryHandler) bool {
	shift := levelShift(level)
	lsize := levelSize(level)
	if level == firstLevel {
		laddr = v.Start &^ (1<<48 - 1)
	}

	var startIdx uint64
	if uint64(v.Start) > uint64(laddr) {
		startIdx = (uint64(v.Start) - uint64(laddr)) >> shift
	}
	span := uint64(v.End) - uint64(laddr)
	endIdx := (span + lsize - 1) / lsize
	if endIdx > PTEEntries {
		endIdx = PTEEntries
	}

	for i := uint64(startIdx); i < endIdx; i++ {
		addr := laddr + VirtAddr(i<<shift)
		entry := e.store.Read(node, int(i))

		if !handler(e, level, addr, node, int(i)) {
			return false
		}
		// re-read: handler may have mutated this slot.
		entry = e.store.Read(node, int(i))
		if entry.Present() && level < leafLevel && !entry.IsBlock() {
			if !e.recursePTEs(entry.Addr(), level+1, v, laddr+VirtAddr(i<<shift), handler) {
				return false
			}
		}
	}
	return true
}

// ValidateVirtual reports whether every page in [base, base+length) is
// present.
func (e *Engine) ValidateVirtual(base VirtAddr, length uint64) bool {
	ok := true
	e.Traverse(base, length, func(eng *Engine, level int, vaddr VirtAddr, node PhysAddr, idx int) bool {
		if !eng.store.Read(node, idx).Present() {
			ok = false
			return false
		}
		return true
	})
	return ok
}

// intersectsHugeBacked reports whether r overlaps the huge-backed
// translation window.
func (e *Engine) intersectsHugeBacked(r Range) bool {
	return e.HugeBacked.Len() != 0 && r.Intersects(e.HugeBacked)
}

// UpdateMapFlags rewrites the protection-bit subset of every present
// leaf/block PTE in [vaddr, vaddr+length) to flags, recording exactly one
// invalidate per changed VA. It panics if the range intersects the
// huge-backed region, which is a globally shared translation window whose
// protection bits must never be rewritten by a single caller (SPEC
// §4.4.4).
func (e *Engine) UpdateMapFlags(vaddr VirtAddr, length uint64, flags Flags) {
	flags.MinPage = false
	if e.intersectsHugeBacked(RangeL(vaddr, Round(length))) {
		panic("pgtbl: update_map_flags on huge-backed region")
	}

	e.mu.Lock()
	fs := e.newFlushSet()
	r := RangeL(vaddr, Round(length))
	e.recursePTEs(e.rootFor(vaddr), firstLevel, r, r.Start, func(eng *Engine, level int, addr VirtAddr, node PhysAddr, idx int) bool {
		orig := eng.store.Read(node, idx)
		if !orig.Present() || !isMapping(level, orig) {
			return true
		}
		eng.store.Write(node, idx, updateProtection(orig, flags))
		fs.Invalidate(tlb.Addr(addr))
		return true
	})
	e.mu.Unlock()
	e.sync(fs)
}

// ZeroMappedPages zeroes the backing memory of every present mapping in
// [vaddr, vaddr+length). It is a no-op if no MemZeroer was supplied.
func (e *Engine) ZeroMappedPages(vaddr VirtAddr, length uint64) {
	if e.mem == nil {
		return
	}
	e.Traverse(vaddr, length, func(eng *Engine, level int, addr VirtAddr, node PhysAddr, idx int) bool {
		entry := eng.store.Read(node, idx)
		if entry.Present() && isMapping(level, entry) {
			size := levelSize(level)
			if level == leafLevel {
				size = PageSize
			}
			eng.mem.Zero(addr, size)
		}
		return true
	})
}

// RangeHandler is invoked once per contiguous physical range freed by
// UnmapPagesWithHandler, so frames can be returned to their physical
// allocator.
type RangeHandler func(base PhysAddr, length uint64)

// UnmapPagesWithHandler clears every present leaf/block PTE in
// [vaddr, vaddr+length), invalidates its VA, and optionally reports each
// freed physical range to rh. vaddr and length must be page-aligned.
func (e *Engine) UnmapPagesWithHandler(vaddr VirtAddr, length uint64, rh RangeHandler) {
	if !Aligned(uint64(vaddr)) || !Aligned(length) {
		panic("pgtbl: unmap requires page-aligned vaddr and length")
	}

	e.mu.Lock()
	fs := e.newFlushSet()
	r := RangeL(vaddr, length)
	var pendBase PhysAddr
	var pendLen uint64
	e.recursePTEs(e.rootFor(vaddr), firstLevel, r, r.Start, func(eng *Engine, level int, addr VirtAddr, node PhysAddr, idx int) bool {
		entry := eng.store.Read(node, idx)
		if entry.Present() && isMapping(level, entry) {
			eng.store.Write(node, idx, 0)
			fs.Invalidate(tlb.Addr(addr))
			if rh != nil {
				size := levelSize(level)
				if level == leafLevel {
					size = PageSize
				}
				if pendLen != 0 && pendBase+PhysAddr(pendLen) == entry.Addr() {
					pendLen += size
				} else {
					if pendLen != 0 {
						rh(pendBase, pendLen)
					}
					pendBase, pendLen = entry.Addr(), size
				}
			}
		}
		return true
	})
	if pendLen != 0 {
		rh(pendBase, pendLen)
	}
	e.mu.Unlock()
	e.sync(fs)
}

// Unmap clears every present mapping in [vaddr, vaddr+length) without
// reporting freed frames.
func (e *Engine) Unmap(vaddr VirtAddr, length uint64) {
	e.UnmapPagesWithHandler(vaddr, length, nil)
}

// RemapPages moves every present mapping from [old, old+length) to
// [new, new+length), preserving frame and flags, and zeroing the source
// PTEs. It performs a forward walk only and therefore requires the source
// and destination ranges to be disjoint (SPEC §4.4.3, Non-goals); nanos
// documents the same restriction and a reverse-walking variant remains a
// possible future addition for the overlapping case.
func (e *Engine) RemapPages(newBase, oldBase VirtAddr, length uint64) {
	newRange := RangeL(newBase, length)
	oldRange := RangeL(oldBase, length)
	if newRange.Intersects(oldRange) {
		panic("pgtbl: remap_pages requires disjoint source and destination")
	}

	e.mu.Lock()
	fs := e.newFlushSet()
	e.recursePTEs(e.rootFor(oldBase), firstLevel, oldRange, oldRange.Start, func(eng *Engine, level int, addr VirtAddr, node PhysAddr, idx int) bool {
		orig := eng.store.Read(node, idx)
		if !orig.Present() || !isMapping(level, orig) {
			return true
		}
		offset := uint64(addr - oldBase)
		newAddr := newBase + VirtAddr(offset)
		phys := orig.Addr()
		flags := orig.Flags()
		mapSize := levelSize(level)
		if level == leafLevel {
			mapSize = PageSize
		}

		pp := phys
		if !eng.mapLevel(eng.rootFor(newAddr), firstLevel, RangeL(newAddr, mapSize), &pp, flags, fs) {
			panic("pgtbl: remap_pages destination already mapped")
		}
		eng.store.Write(node, idx, 0)
		fs.Invalidate(tlb.Addr(addr))
		return true
	})
	e.mu.Unlock()
	e.sync(fs)
}
