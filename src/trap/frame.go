// Package trap implements the fault/interrupt entry path this core needs
// once virtual memory is live: the saved-register frame, the eight-step
// dispatch policy that decides whether a trap is handled or terminal, a
// vector allocator for device interrupts, and shared-IRQ chaining.
// Grounded on interrupt.c's common_handler/print_frame/frame_trace and on
// biscuit's caller.Callerdump (caller.go) for backtrace printing.
package trap

import (
	"fmt"
	"io"
	"runtime"

	"golang.org/x/arch/x86/x86asm"
)

// ExceptionVectors is the number of architecturally-defined CPU exception
// vectors (0..31); vectors at or above this are device/IPI interrupts.
const ExceptionVectors = 32

// NumVectors is the size of the IDT this core manages.
const NumVectors = 256

// exceptionNames mirrors interrupt.c's interrupt_names table for the
// fixed architectural exceptions.
var exceptionNames = [ExceptionVectors]string{
	"Divide by 0", "Reserved", "NMI Interrupt", "Breakpoint (INT3)",
	"Overflow (INTO)", "Bounds range exceeded (BOUND)", "Invalid opcode (UD2)",
	"Device not available (WAIT/FWAIT)", "Double fault", "Coprocessor segment overrun",
	"Invalid TSS", "Segment not present", "Stack-segment fault",
	"General protection fault", "Page fault", "Reserved",
	"x87 FPU error", "Alignment check", "Machine check",
	"SIMD Floating-Point Exception",
}

// Frame captures the saved machine state for one trap: the general
// registers, segment selectors, and the trap-specific vector/error-code/
// CR2 triple, mirroring interrupt.c's fixed FRAME_* offsets as named
// fields instead of magic indices into a u64 array.
type Frame struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RBP, RSP uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	RIP, RFlags        uint64
	SS, CS, DS, ES     uint64
	FSBase, GSBase     uint64

	Vector    uint64
	ErrorCode uint64
	CR2       uint64 // faulting address, valid only for vector 14

	// Full marks the frame as currently owned by trap handling, set and
	// cleared by Dispatch to catch re-entrant overflow.
	Full bool

	// Code holds raw bytes captured at RIP, for best-effort faulting-
	// instruction decode in DumpFrame.
	Code []byte
}

// vectorName returns the architectural exception name for vector, or
// empty for a device/IPI vector.
func vectorName(vector uint64) string {
	if vector < ExceptionVectors {
		return exceptionNames[vector]
	}
	return ""
}

// registerDump lists (name, value) pairs in print_frame's order.
func (f *Frame) registerDump() [][2]interface{} {
	return [][2]interface{}{
		{"rax", f.RAX}, {"rbx", f.RBX}, {"rcx", f.RCX}, {"rdx", f.RDX},
		{"rsi", f.RSI}, {"rdi", f.RDI}, {"rbp", f.RBP}, {"rsp", f.RSP},
		{"r8", f.R8}, {"r9", f.R9}, {"r10", f.R10}, {"r11", f.R11},
		{"r12", f.R12}, {"r13", f.R13}, {"r14", f.R14}, {"r15", f.R15},
		{"rip", f.RIP}, {"rflags", f.RFlags},
		{"ss", f.SS}, {"cs", f.CS}, {"ds", f.DS}, {"es", f.ES},
		{"fsbase", f.FSBase}, {"gsbase", f.GSBase}, {"vector", f.Vector},
	}
}

// DumpFrame prints f in the style of interrupt.c's print_frame: the
// vector and its name if architectural, the error code for page and
// general-protection faults, CR2 for page faults, a best-effort decode of the faulting
// instruction, and the full register set.
func DumpFrame(w io.Writer, f *Frame) {
	fmt.Fprintf(w, " interrupt: %d", f.Vector)
	if name := vectorName(f.Vector); name != "" {
		fmt.Fprintf(w, " (%s)", name)
	}
	fmt.Fprintln(w)

	if f.Vector == 13 || f.Vector == 14 {
		fmt.Fprintf(w, "error code: %#x\n", f.ErrorCode)
	}
	if f.Vector == 14 {
		fmt.Fprintf(w, "   address: %#x\n", f.CR2)
	}

	if len(f.Code) > 0 {
		if inst, err := x86asm.Decode(f.Code, 64); err == nil {
			if asm, err := x86asm.GNUSyntax(inst, f.RIP, nil); err == nil {
				fmt.Fprintf(w, "instruction: %s\n", asm)
			}
		}
	}

	fmt.Fprintln(w)
	for _, reg := range f.registerDump() {
		fmt.Fprintf(w, "%7s: %#x\n", reg[0], reg[1])
	}
}

// Backtrace prints the calling goroutine's stack starting at skip frames
// up, in the style of biscuit's caller.Callerdump: this core has no real
// unwinder of its own (frame_trace walks RBP chains that don't exist in
// compiled Go), so it defers to runtime.Caller the way biscuit's debug
// tooling does when it needs an ordinary Go-side backtrace rather than a
// target-frame walk.
func Backtrace(w io.Writer, skip int) {
	for i := skip; ; i++ {
		_, file, line, ok := runtime.Caller(i)
		if !ok {
			return
		}
		fmt.Fprintf(w, "%s:%d\n", file, line)
	}
}
