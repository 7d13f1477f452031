// Package kctx implements the kernel-context and per-CPU bookkeeping this
// core needs to suspend and resume execution around an asynchronous page
// fault: the single spare kernel context, the per-CPU table that tracks
// it, and a pprof-based snapshot of per-CPU fault activity. Grounded on
// kernel.c's init_kernel_contexts/suspend_kernel_context/
// resume_kernel_context/install_fallback_fault_handler, and on biscuit's
// Counter_t atomic-stats idiom (stats.go).
package kctx

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/google/pprof/profile"
)

// MaxCPUs bounds the per-CPU table. The idle mask holds one bit per CPU in
// a single 64-bit word, so this can never exceed 64.
const MaxCPUs = 64

// State is a CPU's scheduling state, kernel.c's per-CPU state enum
// (not_present/kernel/user/interrupt/idle).
type State int

const (
	NotPresent State = iota
	Kernel
	User
	Interrupt
	Idle
)

func (s State) String() string {
	switch s {
	case NotPresent:
		return "not_present"
	case Kernel:
		return "kernel"
	case User:
		return "user"
	case Interrupt:
		return "interrupt"
	case Idle:
		return "idle"
	default:
		return "unknown"
	}
}

// Counter_t is an atomically-incremented statistics counter.
type Counter_t int64

// Inc increments the counter.
func (c *Counter_t) Inc() {
	atomic.AddInt64((*int64)(unsafe.Pointer(c)), 1)
}

// Load returns the counter's current value.
func (c *Counter_t) Load() int64 {
	return atomic.LoadInt64((*int64)(unsafe.Pointer(c)))
}

// FaultHandler is invoked when a CPU running ctx takes an asynchronous
// page fault.
type FaultHandler func(ctx *KernelContext)

// KernelContext is one saved kernel execution frame: a stack identity and
// the fault handler active within it. It stands in for nanos' "context"
// register-frame array.
type KernelContext struct {
	ID           uint64
	FaultHandler FaultHandler
	Suspended    Counter_t
}

// PerCPU is the state kept for one CPU: its currently running kernel
// context, fault statistics, and scheduling state. State is owned by the
// Table that holds this PerCPU and must only be read or written through
// its State/SetState methods, which serialize access the same way the
// rest of this struct is serialized.
type PerCPU struct {
	ID      int
	current *KernelContext
	Faults  Counter_t
	state   State
}

// Table is the fixed per-CPU array plus the single spare kernel context
// shared by every CPU. Only one CPU at a time can hold the kernel lock,
// and the lock is held for a suspended context's entire lifetime, so one
// spare context suffices kernel-wide -- expanding this to a pool is a
// prerequisite for ever suspending without the kernel lock held, not
// something this core does today.
type Table struct {
	mu       sync.Mutex
	cpus     [MaxCPUs]*PerCPU
	spare    *KernelContext
	n        int
	idleMask uint64 // one bit per CPU id, set/cleared with atomic CAS
}

// NewTable builds a Table of n CPUs (n must not exceed MaxCPUs), each
// starting out running the context ctxFor(i) returns; ctxFor(-1) supplies
// the initial spare.
func NewTable(n int, ctxFor func(id int) *KernelContext) *Table {
	if n > MaxCPUs {
		panic("kctx: MaxCPUs exceeded")
	}
	t := &Table{n: n, spare: ctxFor(-1)}
	for i := 0; i < n; i++ {
		t.cpus[i] = &PerCPU{ID: i, current: ctxFor(i), state: Kernel}
	}
	return t
}

// CPU returns the per-CPU state for id.
func (t *Table) CPU(id int) *PerCPU {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cpus[id]
}

// Current returns the kernel context currently running on id.
func (c *PerCPU) Current() *KernelContext {
	return c.current
}

// State returns id's current scheduling state.
func (t *Table) State(id int) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cpus[id].state
}

// SetState sets id's scheduling state.
func (t *Table) SetState(id int, s State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cpus[id].state = s
}

// ClearIdle clears id's bit in the idle mask, the bit-atomic clear every
// trap entry performs on the way in (common_handler step 2) regardless of
// what else the trap turns out to need.
func (t *Table) ClearIdle(id int) {
	t.setIdleBit(id, false)
}

// SetIdle sets id's bit in the idle mask, marking the CPU as having
// nothing runnable.
func (t *Table) SetIdle(id int) {
	t.setIdleBit(id, true)
}

func (t *Table) setIdleBit(id int, idle bool) {
	bit := uint64(1) << uint(id)
	for {
		old := atomic.LoadUint64(&t.idleMask)
		var next uint64
		if idle {
			next = old | bit
		} else {
			next = old &^ bit
		}
		if next == old || atomic.CompareAndSwapUint64(&t.idleMask, old, next) {
			return
		}
	}
}

// IdleMask returns the current idle_cpu_mask.
func (t *Table) IdleMask() uint64 {
	return atomic.LoadUint64(&t.idleMask)
}

// Suspended reports whether the shared spare is currently in use, i.e.
// some CPU already has a suspended context outstanding.
func (t *Table) Suspended() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.spare == nil
}

// Suspend swaps id's running context out for the shared spare and returns
// the context that was running, for the caller to resume later. It panics
// if no spare is available: the kernel-lock invariant this core relies on
// guarantees at most one suspension is ever outstanding.
func (t *Table) Suspend(id int) *KernelContext {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.spare == nil {
		panic("kctx: suspend_kernel_context called with no spare available")
	}
	cpu := t.cpus[id]
	saved := cpu.current
	cpu.current = t.spare
	t.spare = nil
	cpu.Faults.Inc()
	saved.Suspended.Inc()
	return saved
}

// Resume restores ctx as id's running context, making the context it
// displaces the new spare.
func (t *Table) Resume(id int, ctx *KernelContext) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cpu := t.cpus[id]
	t.spare = cpu.current
	cpu.current = ctx
}

// InstallFallbackFaultHandler installs h as the fault handler of every
// CPU's current context: the handler every CPU falls back to before any
// thread-specific handler has been set.
func (t *Table) InstallFallbackFaultHandler(h FaultHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := 0; i < t.n; i++ {
		t.cpus[i].current.FaultHandler = h
	}
}

// Snapshot captures a pprof profile of per-CPU fault-suspension counts, so
// the counters this package keeps can be inspected with standard pprof
// tooling instead of an ad hoc printf dump.
func (t *Table) Snapshot() *profile.Profile {
	t.mu.Lock()
	defer t.mu.Unlock()

	fn := &profile.Function{ID: 1, Name: "page_fault_suspend"}
	loc := &profile.Location{ID: 1, Line: []profile.Line{{Function: fn}}}
	p := &profile.Profile{
		SampleType: []*profile.ValueType{{Type: "faults", Unit: "count"}},
		Function:   []*profile.Function{fn},
		Location:   []*profile.Location{loc},
	}

	for i := 0; i < t.n; i++ {
		cpu := t.cpus[i]
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{cpu.Faults.Load()},
			Label:    map[string][]string{"cpu": {fmt.Sprintf("%d", cpu.ID)}},
		})
	}
	return p
}
