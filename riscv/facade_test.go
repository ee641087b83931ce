package riscv

import (
	"context"
	"testing"

	"github.com/rvdebug/dtm/tap/faketap"
	"github.com/rvdebug/dtm/target"
)

func newFacadeForTest() (*Facade, *faketap.Hart) {
	hart := faketap.NewHart()
	h := &Hart{
		link:        nil,
		numTriggers: 4,
	}
	ft := faketap.New(hart)
	ft.WriteIR(irDBUS)
	link := NewLink(ft, 6, 1)
	h.link = link
	h.ex = &Executor{link: link}
	return NewFacade(h, "rv32-fake"), hart
}

func TestFacadeMemReadWrite(t *testing.T) {
	ctx := context.Background()
	f, _ := newFacadeForTest()

	if err := f.MemWrite(ctx, 0x1000, []uint32{1, 2, 3}); err != nil {
		t.Fatalf("MemWrite: %v", err)
	}
	got, err := f.MemRead(ctx, 0x1000, 3)
	if err != nil {
		t.Fatalf("MemRead: %v", err)
	}
	want := []uint32{1, 2, 3}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("MemRead[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestFacadeGPRegRoundTrip(t *testing.T) {
	ctx := context.Background()
	f, _ := newFacadeForTest()

	if err := f.RegsWrite(ctx, 15, 0xabcd); err != nil {
		t.Fatalf("RegsWrite: %v", err)
	}
	v, err := f.RegRead(ctx, 15)
	if err != nil {
		t.Fatalf("RegRead: %v", err)
	}
	if v != 0xabcd {
		t.Fatalf("RegRead(15) = 0x%x, want 0xabcd", v)
	}
}

func TestFacadeRegZeroIsHardwired(t *testing.T) {
	ctx := context.Background()
	f, _ := newFacadeForTest()

	if err := f.RegsWrite(ctx, regZero, 0xffffffff); err != nil {
		t.Fatalf("RegsWrite(zero): %v", err)
	}
	v, err := f.RegRead(ctx, regZero)
	if err != nil {
		t.Fatalf("RegRead(zero): %v", err)
	}
	if v != 0 {
		t.Fatalf("RegRead(zero) = 0x%x, want 0", v)
	}
}

func TestFacadeOutOfRangeRegister(t *testing.T) {
	ctx := context.Background()
	f, _ := newFacadeForTest()

	if _, err := f.RegRead(ctx, regCSRLimit+1); err == nil {
		t.Fatalf("expected an error for an out-of-range register number")
	}
}

func TestFacadeRegsSizeIsCoreBlockBytes(t *testing.T) {
	f, _ := newFacadeForTest()
	if got, want := f.RegsSize(), 33*4; got != want {
		t.Fatalf("RegsSize() = %d, want %d (33 core registers, 4 bytes each)", got, want)
	}
}

func TestFacadeHaltAndPoll(t *testing.T) {
	ctx := context.Background()
	f, _ := newFacadeForTest()

	if err := f.HaltRequest(ctx); err != nil {
		t.Fatalf("HaltRequest: %v", err)
	}
	reason, err := f.HaltPoll(ctx)
	if err != nil {
		t.Fatalf("HaltPoll: %v", err)
	}
	if reason != target.HaltReasonRequest {
		t.Fatalf("HaltPoll after HaltRequest = %v, want %v", reason, target.HaltReasonRequest)
	}
}

func TestFacadeResumeThenStep(t *testing.T) {
	ctx := context.Background()
	f, _ := newFacadeForTest()

	if err := f.HaltResume(ctx, false); err != nil {
		t.Fatalf("HaltResume: %v", err)
	}
	if err := f.HaltResume(ctx, true); err != nil {
		t.Fatalf("HaltResume(step): %v", err)
	}
	reason, err := f.HaltPoll(ctx)
	if err != nil {
		t.Fatalf("HaltPoll: %v", err)
	}
	if reason != target.HaltReasonStepping {
		t.Fatalf("HaltPoll after a step = %v, want %v", reason, target.HaltReasonStepping)
	}
}

func TestFacadeBreakwatchLifecycle(t *testing.T) {
	ctx := context.Background()
	f, _ := newFacadeForTest()

	bw := &target.Breakwatch{Addr: 0x9000, Kind: target.BreakwatchExecute}
	if err := f.BreakwatchSet(ctx, bw); err != nil {
		t.Fatalf("BreakwatchSet: %v", err)
	}
	if err := f.BreakwatchClear(ctx, bw); err != nil {
		t.Fatalf("BreakwatchClear: %v", err)
	}
}

func TestFacadeCheckErrorClearsStickyFlag(t *testing.T) {
	ctx := context.Background()
	f, hart := newFacadeForTest()

	hart.ForceFail = true
	if err := f.MemWrite(ctx, 0, []uint32{1}); err == nil {
		t.Fatalf("expected MemWrite to surface the forced dbus failure")
	}
	had, err := f.CheckError(ctx)
	if err != nil {
		t.Fatalf("CheckError: %v", err)
	}
	if !had {
		t.Fatalf("CheckError should report the prior sticky error")
	}
	if err := f.MemWrite(ctx, 0, []uint32{1}); err != nil {
		t.Fatalf("MemWrite after CheckError: %v", err)
	}
}
