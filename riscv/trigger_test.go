package riscv

import (
	"testing"

	"github.com/rvdebug/dtm/tap/faketap"
	"github.com/rvdebug/dtm/target"
)

func newHartForTest() *Hart {
	hart := faketap.NewHart()
	ft := faketap.New(hart)
	ft.WriteIR(irDBUS)
	link := NewLink(ft, 6, 1)
	return &Hart{link: link, ex: &Executor{link: link}, numTriggers: 4}
}

func TestTriggerSetAllocatesFreeSlot(t *testing.T) {
	h := newHartForTest()
	ts := NewTriggerSet(h, 4)

	bw := &target.Breakwatch{Addr: 0x8000, Kind: target.BreakwatchExecute}
	if err := ts.Set(bw); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if bw.Slot == nil {
		t.Fatalf("expected a trigger slot to be recorded")
	}
}

func TestTriggerSetSkipsOccupiedSlots(t *testing.T) {
	h := newHartForTest()
	ts := NewTriggerSet(h, 4)

	first := &target.Breakwatch{Addr: 0x1000, Kind: target.BreakwatchExecute}
	second := &target.Breakwatch{Addr: 0x2000, Kind: target.BreakwatchLoad}
	if err := ts.Set(first); err != nil {
		t.Fatalf("Set(first): %v", err)
	}
	if err := ts.Set(second); err != nil {
		t.Fatalf("Set(second): %v", err)
	}
	if first.Slot == second.Slot {
		t.Fatalf("expected distinct trigger slots, got %v and %v", first.Slot, second.Slot)
	}
}

func TestTriggerClearFreesSlotForReuse(t *testing.T) {
	h := newHartForTest()
	ts := NewTriggerSet(h, 4)

	bw := &target.Breakwatch{Addr: 0x4000, Kind: target.BreakwatchStore}
	if err := ts.Set(bw); err != nil {
		t.Fatalf("Set: %v", err)
	}
	slot := bw.Slot
	if err := ts.Clear(bw); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if bw.Slot != nil {
		t.Fatalf("Clear should reset bw.Slot")
	}

	again := &target.Breakwatch{Addr: 0x5000, Kind: target.BreakwatchAccess}
	if err := ts.Set(again); err != nil {
		t.Fatalf("Set(again): %v", err)
	}
	if again.Slot != slot {
		t.Fatalf("expected the freed slot %v to be reused, got %v", slot, again.Slot)
	}
}

func TestTriggerClearFindsSlotWithoutBwSlot(t *testing.T) {
	h := newHartForTest()
	ts := NewTriggerSet(h, 4)

	bw := &target.Breakwatch{Addr: 0x6000, Kind: target.BreakwatchLoad}
	if err := ts.Set(bw); err != nil {
		t.Fatalf("Set: %v", err)
	}

	// Simulate a fresh process that only knows the address, the way
	// cmd/rvdtmctl's break-clear does across invocations.
	fresh := &target.Breakwatch{Addr: 0x6000, Kind: target.BreakwatchLoad}
	if err := ts.Clear(fresh); err != nil {
		t.Fatalf("Clear without a Slot: %v", err)
	}

	again := &target.Breakwatch{Addr: 0x7000, Kind: target.BreakwatchExecute}
	if err := ts.Set(again); err != nil {
		t.Fatalf("Set(again): %v", err)
	}
	if again.Slot != bw.Slot {
		t.Fatalf("expected the freed slot %v to be reused, got %v", bw.Slot, again.Slot)
	}
}

func TestTriggerClearUnknownAddressFails(t *testing.T) {
	h := newHartForTest()
	ts := NewTriggerSet(h, 4)

	if err := ts.Clear(&target.Breakwatch{Addr: 0x9000}); err == nil {
		t.Fatalf("expected an error clearing a breakwatch with no matching trigger")
	}
}

func TestTriggerSetExhaustion(t *testing.T) {
	h := newHartForTest()
	ts := NewTriggerSet(h, 1)

	if err := ts.Set(&target.Breakwatch{Addr: 0x1000, Kind: target.BreakwatchExecute}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := ts.Set(&target.Breakwatch{Addr: 0x2000, Kind: target.BreakwatchExecute}); err == nil {
		t.Fatalf("expected an error once every trigger slot is occupied")
	}
}
