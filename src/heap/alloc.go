// Package heap defines the uniform allocator capability set used by every
// sub-allocator in this core (virtual-address ranges, physical frames,
// table-page memory), and composes a virtual allocator, a physical
// allocator and a page-table engine into a single "backed heap" that
// atomically allocates, backs, and maps virtual memory -- the Go
// equivalent of nanos' heap/backed_heap and biscuit's mem.Page_i
// allocator-interface idiom.
package heap

// Invalid is the sentinel returned by Alloc on failure. Callers must
// check for it explicitly; there is no error-valued return on the hot
// path, matching nanos' INVALID_ADDRESS/INVALID_PHYSICAL convention.
const Invalid uint64 = ^uint64(0)

// Allocator is the capability set exposed by every sub-allocator this
// core composes: reserve a length-aligned range, release one, and report
// the granularity it deals in.
type Allocator interface {
	// Alloc reserves length bytes and returns the base address, or
	// Invalid if no such range is available.
	Alloc(length uint64) uint64
	// Dealloc releases a previously allocated [addr, addr+length) range.
	Dealloc(addr uint64, length uint64)
	// Pagesize reports this allocator's granularity.
	Pagesize() uint64
}
