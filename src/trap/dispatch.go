package trap

import (
	"fmt"
	"io"
	"sync"

	"vmkern/src/kctx"
)

// Handler runs in response to a raw interrupt vector with no frame
// threading, the analogue of interrupt.c's thunk handlers array.
type Handler func()

// FaultHandler resolves a synchronous fault (page fault, GP, etc) and
// returns the frame to resume into, or nil if it could not be resolved --
// a terminal condition for that trap.
type FaultHandler func(f *Frame) *Frame

// Dispatcher owns the per-vector handler table and implements the trap
// entry policy every vector funnels through, interrupt.c's
// common_handler.
type Dispatcher struct {
	mu       sync.Mutex
	handlers [NumVectors]Handler
	names    [NumVectors]string
	out      io.Writer

	// SpuriousVector, if non-zero, takes the no-EOI fast return path
	// common_handler reserves for the spurious interrupt vector.
	SpuriousVector int

	// EOI is invoked after a registered external-interrupt handler
	// returns normally, the way common_handler issues end-of-interrupt
	// only for vectors >= ExceptionVectors. May be nil.
	EOI func(vector int)

	// Reenqueue is invoked with the interrupted frame when an external
	// interrupt arrives while the CPU was running user code, the
	// run-queue re-enqueue common_handler performs before any further
	// trap processing. May be nil.
	Reenqueue func(f *Frame)
}

// NewDispatcher returns a Dispatcher that logs terminal traps to out.
func NewDispatcher(out io.Writer) *Dispatcher {
	d := &Dispatcher{out: out}
	copy(d.names[:], exceptionNames[:])
	return d
}

// external reports whether vector identifies a device/IPI interrupt
// rather than an architectural exception, interrupt.c's >= 32 test.
func external(vector uint64) bool {
	return vector >= ExceptionVectors
}

// RegisterInterrupt installs h as the handler for vector under name. It
// panics on a double registration, matching register_interrupt's
// single-owner invariant.
func (d *Dispatcher) RegisterInterrupt(vector int, name string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.handlers[vector] != nil {
		panic(fmt.Sprintf("trap: handler for vector %d already registered", vector))
	}
	d.handlers[vector] = h
	d.names[vector] = name
}

// UnregisterInterrupt removes vector's handler. It panics if none was
// registered, matching unregister_interrupt.
func (d *Dispatcher) UnregisterInterrupt(vector int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.handlers[vector] == nil {
		panic(fmt.Sprintf("trap: no handler registered for vector %d", vector))
	}
	d.handlers[vector] = nil
}

// Dispatch implements common_handler's policy for one trap arriving on
// CPU id of cpus:
//
//  1. validate the vector is one this core knows about, else fatal;
//  2. clear the CPU's idle bit;
//  3. if the CPU was running user code and the vector is an external
//     interrupt, re-enqueue the interrupted frame before anything else;
//  4. if the vector is the registered spurious vector, return
//     immediately with no EOI and no further processing;
//  5. if the CPU's state was already Interrupt, fatal (reentry);
//  6. if the frame's FULL bit is already set, fatal (double save);
//  7. set FULL, mark the CPU Interrupt, and dispatch: the vector's
//     registered handler if any (EOI'd afterward if external), else
//     fallback, the context's synchronous fault handler;
//  8. restore the CPU's prior state and clear FULL once handling
//     completes normally, so the frame and CPU can be reused.
//
// It returns the frame to resume into, or nil if the trap is terminal --
// the caller should treat a nil return the way exit_fault does: dump the
// frame and halt.
func (d *Dispatcher) Dispatch(cpus *kctx.Table, id int, f *Frame, fallback FaultHandler) *Frame {
	if f.Vector >= NumVectors {
		fmt.Fprintf(d.out, "trap: exception for invalid interrupt vector %d\n", f.Vector)
		return nil
	}

	cpus.ClearIdle(id)
	prior := cpus.State(id)

	if prior == kctx.User && external(f.Vector) && d.Reenqueue != nil {
		d.Reenqueue(f)
	}

	if d.SpuriousVector != 0 && int(f.Vector) == d.SpuriousVector {
		return f
	}

	if prior == kctx.Interrupt {
		fmt.Fprintf(d.out, "trap: reentrant interrupt on CPU %d, vector %d\n", id, f.Vector)
		DumpFrame(d.out, f)
		return nil
	}

	if f.Full {
		fmt.Fprintf(d.out, "trap: frame already full\n")
		return nil
	}
	f.Full = true
	cpus.SetState(id, kctx.Interrupt)

	d.mu.Lock()
	h := d.handlers[f.Vector]
	d.mu.Unlock()

	if h != nil {
		h()
		if d.EOI != nil && external(f.Vector) {
			d.EOI(int(f.Vector))
		}
		f.Full = false
		cpus.SetState(id, prior)
		return f
	}

	if fallback == nil {
		fmt.Fprintf(d.out, "trap: no fault handler for frame, vector %d\n", f.Vector)
		DumpFrame(d.out, f)
		cpus.SetState(id, prior)
		return nil
	}
	retframe := fallback(f)
	if retframe == nil {
		DumpFrame(d.out, f)
		cpus.SetState(id, prior)
		return nil
	}
	retframe.Full = false
	cpus.SetState(id, prior)
	return retframe
}
