package trap

import (
	"fmt"
	"sync"
)

// VectorAllocator hands out device-interrupt vector numbers from the
// range above the fixed architectural exceptions, in the style of
// biscuit's Msivecs_t available-set (msi.go) generalized from a fixed
// 8-vector MSI range to the full post-exception IDT space interrupt.c
// manages with an id_heap.
type VectorAllocator struct {
	mu    sync.Mutex
	avail map[int]bool
}

// NewVectorAllocator returns an allocator over [ExceptionVectors, NumVectors).
func NewVectorAllocator() *VectorAllocator {
	avail := make(map[int]bool, NumVectors-ExceptionVectors)
	for v := ExceptionVectors; v < NumVectors; v++ {
		avail[v] = true
	}
	return &VectorAllocator{avail: avail}
}

// AllocateInterrupt reserves and returns an available vector number, or
// ok=false if none remain.
func (a *VectorAllocator) AllocateInterrupt() (vector int, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for v := range a.avail {
		delete(a.avail, v)
		return v, true
	}
	return 0, false
}

// ReserveInterrupt removes a specific vector from the available set, for
// vectors fixed by convention (e.g. the spurious-interrupt vector) rather
// than dynamically allocated. It reports false if the vector was already
// taken.
func (a *VectorAllocator) ReserveInterrupt(vector int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.avail[vector] {
		return false
	}
	delete(a.avail, vector)
	return true
}

// DeallocateInterrupt returns vector to the available set.
func (a *VectorAllocator) DeallocateInterrupt(vector int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.avail[vector] {
		panic(fmt.Sprintf("trap: vector %d double free", vector))
	}
	a.avail[vector] = true
}
