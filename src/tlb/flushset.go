// Package tlb implements TLB flush-set batching: an accumulator of virtual
// addresses invalidated by a page-table mutation, drained by a single
// batched shootdown. The accumulator is a fixed-capacity ring, in the
// style of biscuit's circbuf.Circbuf_t, repurposed to hold addresses
// instead of bytes: once the ring is full further invalidates degrade the
// batch to a full-TLB-reload request instead of growing unboundedly.
package tlb

import "sync"

// Addr is a virtual address slated for invalidation. It is a plain
// integer here (rather than pgtbl.VirtAddr) so that this package has no
// dependency on the page-table engine it serves.
type Addr uint64

// capacity bounds how many distinct addresses one flush-set batches
// before the set degrades to a full reload. 32 matches the common
// hardware-recommended invlpg-vs-full-reload crossover.
const capacity = 32

// Broadcaster issues the actual hardware/IPI work. Production code backs
// it with an APIC shootdown; tests back it with a recording fake.
type Broadcaster interface {
	// InvalidateLocal invalidates addrs in the current CPU's TLB, or
	// performs a full local reload when full is true.
	InvalidateLocal(addrs []Addr, full bool)
	// Shootdown broadcasts to every other CPU that has this address
	// space loaded, invoking done once every remote CPU has
	// acknowledged the invalidation.
	Shootdown(addrs []Addr, full bool, done func())
}

// FlushSet accumulates addresses invalidated by one structural page-table
// mutation (map/unmap/update_flags/remap). It is not safe for concurrent
// use; callers hold the page-table lock for its entire lifetime.
type FlushSet struct {
	buf      [capacity]Addr
	n        int
	overflow bool
}

// New returns a fresh, empty flush-set.
func New() *FlushSet {
	return &FlushSet{}
}

// Invalidate records addr for invalidation. Once the ring is full the set
// is marked for a full reload instead of growing; subsequent calls are
// no-ops. Nothing is flushed at the moment of overflow: the full reload is
// issued by the next Sync.
func (fs *FlushSet) Invalidate(addr Addr) {
	if fs.overflow {
		return
	}
	if fs.n == capacity {
		fs.overflow = true
		return
	}
	fs.buf[fs.n] = addr
	fs.n++
}

// Addrs returns the accumulated addresses. It is empty when the set has
// overflowed into a full-reload request.
func (fs *FlushSet) Addrs() []Addr {
	if fs.overflow {
		return nil
	}
	return fs.buf[:fs.n]
}

// Full reports whether the set has overflowed its capacity and degraded
// to a full-TLB-reload request.
func (fs *FlushSet) Full() bool {
	return fs.overflow
}

// Sync issues the batched invalidation: locally, then via IPI shootdown to
// every remote CPU sharing the address space, invoking done once all
// acknowledgments have arrived. A flush-set with nothing recorded still
// calls done synchronously with no hardware work performed.
func (fs *FlushSet) Sync(b Broadcaster, done func()) {
	if fs.n == 0 && !fs.overflow {
		if done != nil {
			done()
		}
		return
	}
	addrs := fs.Addrs()
	b.InvalidateLocal(addrs, fs.overflow)
	b.Shootdown(addrs, fs.overflow, done)
}

// LocalBroadcaster is a Broadcaster for a single-CPU system (bring-up,
// unit tests): invalidation never needs to leave this CPU, so Shootdown
// completes immediately.
type LocalBroadcaster struct {
	mu      sync.Mutex
	Invoked [][]Addr
	Fulls   []bool
}

// InvalidateLocal records the invalidation request.
func (l *LocalBroadcaster) InvalidateLocal(addrs []Addr, full bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cp := append([]Addr(nil), addrs...)
	l.Invoked = append(l.Invoked, cp)
	l.Fulls = append(l.Fulls, full)
}

// Shootdown has no remote CPUs to contact on a single-CPU system, so it
// invokes done immediately.
func (l *LocalBroadcaster) Shootdown(addrs []Addr, full bool, done func()) {
	if done != nil {
		done()
	}
}
