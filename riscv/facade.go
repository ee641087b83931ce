package riscv

import (
	"context"
	"fmt"

	"github.com/cesanta/errors"
	"github.com/golang/glog"

	"github.com/rvdebug/dtm/target"
)

// GDB-ordered rv32 register numbering this façade exposes through
// target.Target.RegRead/RegsWrite.
const (
	regZero       = 0
	regGPRLo      = 1
	regGPRMid     = 8  // DSCRATCH, shadowing s0
	regRAMWord    = 9  // Debug RAM word `dramsize`, shadowing s1
	regGPRHi      = 10
	regGPRHiLimit = 31
	regDPC        = 32
	regCSRBase    = 65
	regCSRLimit   = regCSRBase + 4095
)

// Facade is the Target Façade: it implements target.Target over a
// scanned Hart, translating each vtable call into one or more Debug RAM
// program executions via the Code Stubs catalog.
type Facade struct {
	hart *Hart
	trig *TriggerSet

	name string

	// haltRequested records that this façade issued a halt, so HaltPoll
	// can distinguish a driver-initiated halt from a target-initiated
	// one even while the hart's HALTNOT bit still lags behind.
	haltRequested bool
}

var _ target.Target = (*Facade)(nil)

// NewFacade wraps a scanned Hart as a target.Target.
func NewFacade(h *Hart, name string) *Facade {
	return &Facade{hart: h, trig: NewTriggerSet(h, h.numTriggers), name: name}
}

func (f *Facade) Name() string { return f.name }

// RegsSize reports the byte size of the core register block (x0-x31 plus
// pc) the upstream g/G packet consumer sizes its buffer against, per
// spec §6. CSRs ride the same RegRead/RegsWrite vtable at register
// numbers past regDPC but are not part of this block; regFault, not
// RegsSize, is what bounds the valid register-number range.
func (f *Facade) RegsSize() int { return 33 * 4 }

func (f *Facade) TDesc() string {
	return `<target version="1.0"><architecture>riscv:rv32</architecture></target>`
}

// Attach requests a halt and returns once the request has been issued;
// it does not block waiting for the halt to take effect.
func (f *Facade) Attach(ctx context.Context) error {
	glog.Infof("%s: attach", f.name)
	return f.HaltRequest(ctx)
}

// Detach resumes the target without stepping.
func (f *Facade) Detach(ctx context.Context) error {
	glog.Infof("%s: detach", f.name)
	return f.HaltResume(ctx, false)
}

// CheckError clears the DTM Link's sticky error flag and reports whether
// one had been set since the last call.
func (f *Facade) CheckError(ctx context.Context) (bool, error) {
	return f.hart.link.CheckError(), nil
}

func (f *Facade) regFault(reg int) error {
	return errors.Errorf("register %d out of range (0..%d)", reg, regCSRLimit)
}

func (f *Facade) RegRead(ctx context.Context, reg int) (uint32, error) {
	switch {
	case reg == regZero:
		return 0, nil
	case reg == regGPRMid:
		return f.csrRead(csrDSCRATCH), nil
	case reg == regRAMWord:
		// Upstream register map quirk: word `dramsize` of the Debug RAM
		// doubles as the dmcontrol completion register, so this reads
		// dmcontrol's raw bits rather than a shadowed GPR value.
		v := f.hart.link.Read(resultSlot)
		return uint32(v), f.errIfSticky()
	case reg >= regGPRLo && reg < regGPRMid, reg > regGPRMid && reg <= regGPRHiLimit:
		f.hart.ex.Exec(stubGPRegRead(uint32(reg)))
		return f.hart.ex.Result(), f.errIfSticky()
	case reg == regDPC:
		return f.csrRead(csrDPC), nil
	case reg >= regCSRBase && reg <= regCSRLimit:
		return f.csrRead(uint32(reg - regCSRBase)), nil
	}
	return 0, f.regFault(reg)
}

func (f *Facade) RegsWrite(ctx context.Context, reg int, value uint32) error {
	switch {
	case reg == regZero:
		return nil
	case reg == regGPRMid:
		f.csrWrite(csrDSCRATCH, value)
		return f.errIfSticky()
	case reg == regRAMWord:
		f.hart.link.Write(resultSlot, uint64(value))
		return f.errIfSticky()
	case reg >= regGPRLo && reg < regGPRMid, reg > regGPRMid && reg <= regGPRHiLimit:
		f.hart.ex.Exec(stubGPRegWrite(uint32(reg), value))
		return f.errIfSticky()
	case reg == regDPC:
		f.csrWrite(csrDPC, value)
		return f.errIfSticky()
	case reg >= regCSRBase && reg <= regCSRLimit:
		f.csrWrite(uint32(reg-regCSRBase), value)
		return f.errIfSticky()
	}
	return f.regFault(reg)
}

func (f *Facade) csrRead(csr uint32) uint32 {
	f.hart.ex.Exec(stubCSRRead(csr))
	return f.hart.ex.Result()
}

func (f *Facade) csrWrite(csr, val uint32) {
	f.hart.ex.Exec(stubCSRWrite(csr, val))
}

func (f *Facade) errIfSticky() error {
	if f.hart.link.Error() {
		return errors.Errorf("dbus error")
	}
	return nil
}

// Reset pulses dcsr's ndmreset-equivalent bit (spec §4.3's reset stub),
// which this driver's fake and real hart both treat as a full core
// reset rather than a debug-only reset.
func (f *Facade) Reset(ctx context.Context) error {
	f.hart.ex.Exec(stubReset())
	return f.errIfSticky()
}

func (f *Facade) HaltRequest(ctx context.Context) error {
	f.hart.ex.Exec(stubHalt())
	f.haltRequested = true
	return f.errIfSticky()
}

func (f *Facade) HaltResume(ctx context.Context, step bool) error {
	f.hart.ex.Exec(stubResume(step))
	f.haltRequested = false
	return f.errIfSticky()
}

// HaltPoll reads dmcontrol first: if this façade never requested a halt
// and the hart's HALTNOT bit is clear, the hart is simply running and no
// further query is needed. HALTNOT can lag several transactions behind a
// halt-request stub, so haltRequested is authoritative for that initial
// transition; otherwise dcsr.cause is decoded per spec's halt-reason
// table.
func (f *Facade) HaltPoll(ctx context.Context) (target.HaltReason, error) {
	dmcontrol := f.hart.link.Read(resultSlot)
	if err := f.errIfSticky(); err != nil {
		return target.HaltReasonError, err
	}
	if !f.haltRequested && dmcontrol&haltnotBit == 0 {
		return target.HaltReasonRunning, nil
	}

	dcsr := f.csrRead(csrDCSR)
	if err := f.errIfSticky(); err != nil {
		return target.HaltReasonError, err
	}
	cause := (dcsr >> 6) & 7
	switch cause {
	case 0:
		return target.HaltReasonRunning, nil
	case 1, 2:
		return target.HaltReasonBreakpoint, nil
	case 3, 5:
		return target.HaltReasonRequest, nil
	case 4:
		return target.HaltReasonStepping, nil
	default:
		return target.HaltReasonError, nil
	}
}

func (f *Facade) BreakwatchSet(ctx context.Context, bw *target.Breakwatch) error {
	return f.trig.Set(bw)
}

func (f *Facade) BreakwatchClear(ctx context.Context, bw *target.Breakwatch) error {
	return f.trig.Clear(bw)
}

// MemRead reads length 32-bit words starting at addr via the mem_read32
// stub, one Debug RAM program per word. addr must be word-aligned; an
// unaligned request is a programming error in the caller, not something
// this driver can recover from, so it panics rather than returning an
// error (spec's "invalid request" edge case).
func (f *Facade) MemRead(ctx context.Context, addr uint32, length int) ([]uint32, error) {
	if addr%4 != 0 {
		panic(fmt.Sprintf("MemRead: unaligned address 0x%x", addr))
	}
	out := make([]uint32, length)
	for i := 0; i < length; i++ {
		f.hart.ex.Exec(stubMemRead32(addr + uint32(i)*4))
		if err := f.errIfSticky(); err != nil {
			return nil, errors.Annotatef(err, "MemRead at 0x%x", addr+uint32(i)*4)
		}
		out[i] = f.hart.ex.Result()
	}
	return out, nil
}

// MemWrite writes data as consecutive 32-bit words starting at addr via
// the mem_write32 stub, one Debug RAM program per word. addr must be
// word-aligned; see MemRead.
func (f *Facade) MemWrite(ctx context.Context, addr uint32, data []uint32) error {
	if addr%4 != 0 {
		panic(fmt.Sprintf("MemWrite: unaligned address 0x%x", addr))
	}
	for i, v := range data {
		f.hart.ex.Exec(stubMemWrite32(addr+uint32(i)*4, v))
		if err := f.errIfSticky(); err != nil {
			return errors.Annotatef(err, "MemWrite at 0x%x", addr+uint32(i)*4)
		}
	}
	return nil
}
