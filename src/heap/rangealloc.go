package heap

import (
	"sync"

	"vmkern/src/util"
)

// freeRange is one entry on the free list: a first-fit candidate run of
// addresses available for allocation.
type freeRange struct {
	base, len uint64
}

// RangeAllocator is a first-fit, page-granular Allocator over a fixed
// address window, e.g. a virtual-address range or a physical frame pool.
// It plays the role of biscuit's Physmem_t free list (mem.go's
// freei/freelen linked list of page indices) generalized from a fixed
// frame table to an arbitrary address window, since this core's virtual
// and physical allocators are external collaborators reachable only
// through the Allocator interface, not a concrete frame table.
type RangeAllocator struct {
	mu       sync.Mutex
	pagesize uint64
	free     []freeRange
	inUse    uint64 // bytes currently allocated, for conservation checks
}

// NewRangeAllocator creates an allocator managing [base, base+length) in
// units of pagesize.
func NewRangeAllocator(base, length, pagesize uint64) *RangeAllocator {
	return &RangeAllocator{
		pagesize: pagesize,
		free:     []freeRange{{base: base, len: length}},
	}
}

// Pagesize reports the allocation granularity.
func (a *RangeAllocator) Pagesize() uint64 { return a.pagesize }

// InUse reports the number of bytes currently allocated. Used by the
// backed-heap conservation property test (SPEC §8.7).
func (a *RangeAllocator) InUse() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inUse
}

// Alloc reserves length bytes, rounded up to the page size, first-fit.
func (a *RangeAllocator) Alloc(length uint64) uint64 {
	length = util.Roundup(length, a.pagesize)
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, fr := range a.free {
		if fr.len < length {
			continue
		}
		base := fr.base
		if fr.len == length {
			a.free = append(a.free[:i], a.free[i+1:]...)
		} else {
			a.free[i] = freeRange{base: fr.base + length, len: fr.len - length}
		}
		a.inUse += length
		return base
	}
	return Invalid
}

// Dealloc returns [addr, addr+length) to the free list, coalescing with
// adjacent free runs. The list is kept sorted by address, so Alloc's
// first fit is the lowest-addressed run large enough.
func (a *RangeAllocator) Dealloc(addr uint64, length uint64) {
	length = util.Roundup(length, a.pagesize)
	a.mu.Lock()
	defer a.mu.Unlock()
	a.inUse -= length

	merged := freeRange{base: addr, len: length}
	out := a.free[:0]
	for _, fr := range a.free {
		switch {
		case fr.base+fr.len == merged.base:
			merged.base = fr.base
			merged.len += fr.len
		case merged.base+merged.len == fr.base:
			merged.len += fr.len
		default:
			out = append(out, fr)
		}
	}
	pos := len(out)
	for j, fr := range out {
		if fr.base > merged.base {
			pos = j
			break
		}
	}
	out = append(out, freeRange{})
	copy(out[pos+1:], out[pos:])
	out[pos] = merged
	a.free = out
}
