package kctx

import "testing"

func newTestTable(t *testing.T, n int) *Table {
	t.Helper()
	id := uint64(100)
	return NewTable(n, func(i int) *KernelContext {
		id++
		return &KernelContext{ID: id}
	})
}

func TestSuspendResumeRoundTrip(t *testing.T) {
	tbl := newTestTable(t, 2)
	if tbl.Suspended() {
		t.Fatal("expected a spare to be available initially")
	}

	original := tbl.CPU(0).Current()
	saved := tbl.Suspend(0)
	if saved != original {
		t.Fatal("Suspend should return the context that was running")
	}
	if !tbl.Suspended() {
		t.Fatal("expected no spare available once suspended")
	}

	tbl.Resume(0, saved)
	if tbl.CPU(0).Current() != saved {
		t.Fatal("Resume should restore the saved context")
	}
	if tbl.Suspended() {
		t.Fatal("expected a spare to be available again after resume")
	}
}

func TestSuspendPanicsWithNoSpare(t *testing.T) {
	tbl := newTestTable(t, 2)
	tbl.Suspend(0)

	defer func() {
		if recover() == nil {
			t.Fatal("expected a second concurrent suspend to panic")
		}
	}()
	tbl.Suspend(1)
}

func TestInstallFallbackFaultHandlerAppliesToEveryCPU(t *testing.T) {
	tbl := newTestTable(t, 4)
	invoked := 0
	handler := func(ctx *KernelContext) { invoked++ }
	tbl.InstallFallbackFaultHandler(handler)

	for i := 0; i < 4; i++ {
		tbl.CPU(i).Current().FaultHandler(nil)
	}
	if invoked != 4 {
		t.Fatalf("handler invoked %d times, want 4", invoked)
	}
}

func TestMaxCPUsExceeded(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic when requesting more than MaxCPUs")
		}
	}()
	NewTable(MaxCPUs+1, func(i int) *KernelContext { return &KernelContext{} })
}

func TestNewTableStartsCPUsInKernelState(t *testing.T) {
	tbl := newTestTable(t, 2)
	if tbl.State(0) != Kernel || tbl.State(1) != Kernel {
		t.Fatal("expected every CPU to start in the Kernel state")
	}
}

func TestSetStateRoundTrips(t *testing.T) {
	tbl := newTestTable(t, 1)
	tbl.SetState(0, User)
	if tbl.State(0) != User {
		t.Fatalf("State(0) = %v, want User", tbl.State(0))
	}
	tbl.SetState(0, Interrupt)
	if tbl.State(0) != Interrupt {
		t.Fatalf("State(0) = %v, want Interrupt", tbl.State(0))
	}
}

func TestIdleMaskSetAndClear(t *testing.T) {
	tbl := newTestTable(t, 3)
	tbl.SetIdle(0)
	tbl.SetIdle(2)
	if tbl.IdleMask() != 0b101 {
		t.Fatalf("IdleMask() = %#b, want 0b101", tbl.IdleMask())
	}
	tbl.ClearIdle(0)
	if tbl.IdleMask() != 0b100 {
		t.Fatalf("IdleMask() = %#b, want 0b100", tbl.IdleMask())
	}
	// Clearing an already-clear bit, or setting an already-set one, is a
	// no-op rather than a CAS retry loop.
	tbl.ClearIdle(0)
	tbl.SetIdle(2)
	if tbl.IdleMask() != 0b100 {
		t.Fatalf("IdleMask() = %#b, want 0b100 after redundant set/clear", tbl.IdleMask())
	}
}

func TestSnapshotReflectsSuspendCounts(t *testing.T) {
	tbl := newTestTable(t, 2)
	tbl.Suspend(0)
	tbl.Resume(0, tbl.CPU(0).Current())
	tbl.Suspend(0)

	p := tbl.Snapshot()
	if len(p.Sample) != 2 {
		t.Fatalf("got %d samples, want 2 (one per CPU)", len(p.Sample))
	}
	if p.Sample[0].Value[0] != 2 {
		t.Fatalf("CPU 0 fault count = %d, want 2", p.Sample[0].Value[0])
	}
}
