// Package faketap implements an in-memory simulated hart behind tap.TAP,
// for the riscv package's own tests. It understands just enough of the
// dbus wire format and the fixed Code Stubs catalog (riscv/stubs.go) to
// answer the Debug RAM traffic the driver generates, without decoding
// arbitrary RISC-V instructions.
package faketap

import (
	"encoding/binary"

	"github.com/cesanta/errors"

	"github.com/rvdebug/dtm/tap"
)

// JTAG instruction register values, duplicated from riscv/dtm.go since
// that package's constants are unexported.
const (
	irDTMCONTROL tap.IR = 0x10
	irDBUS       tap.IR = 0x11
)

// dtmcontrol field layout, matching riscv/scan.go: version bits[3:0],
// abits split across bits[14:13] (high) and bits[7:4] (low), idle
// bits[12:10].
const (
	dtmcontrolVersion     = 0
	dtmcontrolAbitsLoShift = 4
	dtmcontrolAbitsHiShift = 13
	dtmcontrolIdleShift    = 10
)

// Debug RAM geometry, matching riscv/scan.go and riscv/debugram.go: words
// 0..ramSize-1 are ordinary Debug RAM instruction words. Each staged
// program's own store instruction leaves its result in the word right
// after the program, a dynamic address exec() writes explicitly per
// stub below; resultSlot (word dramsize = ramSize) is a separate, fixed
// register that doubles as dmcontrol/HALTNOT, and dminfo lives one
// address past that.
const (
	ramSize    = 16
	resultSlot = ramSize
	dminfoAddr = resultSlot + 1
)

// interruptBit and haltnotBit occupy the top two bits of the 34-bit dbus
// data field, above the 32-bit instruction/result value, matching
// riscv/debugram.go. A dbus WRITE with interruptBit set is what starts
// Debug RAM execution, regardless of which word it targets (it always
// targets the last word of whatever program was just staged); a dbus
// READ of resultSlot reports haltnotBit alongside the completion value.
const (
	interruptBit = 1 << 33
	haltnotBit   = 1 << 32
)

// dminfo field layout, matching riscv/scan.go: dmversion bits[1:0],
// authenticated bit 5, dramsize bits[15:10].
const (
	dminfoAuthBit       = 1 << 5
	dminfoDramsizeShift = 10
	dminfoVersion       = 1
)

// dbus operation codes and status codes, matching riscv/dtm.go.
const (
	dbusNOP   = 0
	dbusREAD  = 1
	dbusWRITE = 2

	statusOK     = 0
	statusFailed = 2
	statusRetry  = 3
)

// CSR numbers, matching riscv/stubs.go.
const (
	csrDCSR     = 0x7b0
	csrDPC      = 0x7b1
	csrDSCRATCH = 0x7b2
	csrTSELECT  = 0x7a0
	csrMCONTROL = 0x7a1
	csrTDATA2   = 0x7a2
)

// maxTriggers bounds the simulated hart's hardware trigger slots. Real
// harts report their own count; this fake just needs enough to exercise
// the allocator's walk-and-skip logic.
const maxTriggers = 8

// Hart is the simulated processor state a TAP exposes.
type Hart struct {
	GPR [32]uint32
	CSR map[uint32]uint32
	Mem map[uint32]uint32

	// trigger holds mcontrol/tdata2 per tselect index, since draft 0.11
	// trigger CSRs are windowed through tselect rather than being
	// separately addressed: reading or writing MCONTROL or TDATA2 acts
	// on whichever slot TSELECT currently names.
	trigger [maxTriggers]struct{ mcontrol, tdata2 uint32 }

	halted bool

	// RetryCountdown, when non-zero, makes the next N dbus transactions
	// return status 3 (retry) before succeeding. ForceFail makes the
	// next dbus transaction return status 2 (failed) once.
	RetryCountdown int
	ForceFail      bool

	// DminfoOverride, if set, post-processes the simulated dminfo value
	// before it is returned, for tests exercising Scan's protocol-refusal
	// gates (wrong DM version, not authenticated, wrong Debug RAM size).
	DminfoOverride func(uint32) uint32
}

// numImplementedTriggers is how many of the maxTriggers slots this fake
// hart wires up as real address/data-match triggers (mcontrol type ==
// 2), matching riscv.Hart's own hardcoded trigger count. Slots at or
// past this index read back type 0, i.e. not implemented.
const numImplementedTriggers = 4

// mcontrolTypeMatch is the hardwired tdata1 type field a real
// address/data-match trigger reports; software can configure the rest
// of mcontrol but never this field.
const mcontrolTypeShift = 28
const mcontrolTypeMatch = 2 << mcontrolTypeShift

// NewHart returns a hart with dcsr.cause already parked at "halted by
// request", the state a debugger expects to find on attach.
func NewHart() *Hart {
	h := &Hart{CSR: map[uint32]uint32{}, Mem: map[uint32]uint32{}}
	h.halted = true
	h.CSR[csrDCSR] = 3 << 6 // cause = halt request
	for i := 0; i < numImplementedTriggers; i++ {
		h.trigger[i].mcontrol = mcontrolTypeMatch
	}
	return h
}

// TAP is a tap.TAP backed by a Hart: it decodes dtmcontrol and dbus
// traffic and drives the Debug RAM program recognizer below.
type TAP struct {
	hart *Hart

	ir    tap.IR
	abits uint8
	idle  uint8

	ram [resultSlot + 1]uint32

	// touched records which ram words were written during the current
	// staging burst (reset whenever word 0 is written, since every Debug
	// RAM program is staged starting at word 0). It exists solely to
	// disambiguate the gpreg_read and gpreg_write stub shapes, which are
	// bit-identical at rx=0.
	touched [ramSize]bool

	// dbus is captured-then-shift: the data returned by a ShiftDR is the
	// result of the PREVIOUSLY latched operation, not the one just
	// shifted in. pending holds that latched operation's result, to be
	// returned on the next shift.
	pending uint64
}

// New wraps hart behind a TAP whose dtmcontrol reports abits=6 and
// idle=1.
func New(hart *Hart) *TAP {
	return &TAP{hart: hart, abits: 6, idle: 1}
}

func (t *TAP) WriteIR(ir tap.IR) error {
	t.ir = ir
	return nil
}

func (t *TAP) RunTestIdle(n int) error { return nil }

func (t *TAP) Close() error { return nil }

func (t *TAP) ShiftDR(out, in []byte, nbits int) error {
	switch t.ir {
	case irDTMCONTROL:
		return t.shiftDTMControl(out, in)
	case irDBUS:
		return t.shiftDbus(out, in, nbits)
	default:
		return errors.Errorf("faketap: ShiftDR with unsupported IR 0x%x", t.ir)
	}
}

func (t *TAP) shiftDTMControl(out, in []byte) error {
	req := binary.LittleEndian.Uint32(out)
	const dbusreset = 1 << 16
	if req&dbusreset != 0 {
		t.pending = 0
	}
	abitsLo := uint32(t.abits) & 0xf
	abitsHi := (uint32(t.abits) >> 4) & 0x3
	resp := uint32(dtmcontrolVersion) | abitsLo<<dtmcontrolAbitsLoShift | abitsHi<<dtmcontrolAbitsHiShift | uint32(t.idle)<<dtmcontrolIdleShift
	binary.LittleEndian.PutUint32(in, resp)
	return nil
}

// shiftDbus services one dbus ShiftDR. A genuine transaction reports the
// PREVIOUS latched operation's result (captured-then-shift, per the DTM
// Link's two-shift read pipeline) and only then applies the new request.
// A forced failure or retry, by contrast, takes effect on this very
// shift and leaves the newly submitted request unprocessed, mirroring a
// bus that is momentarily busy or broken rather than one with a result
// pending.
func (t *TAP) shiftDbus(out, in []byte, nbits int) error {
	buf := make([]byte, 8)
	copy(buf, out[:(nbits+7)/8])
	req := binary.LittleEndian.Uint64(buf)

	var resp uint64
	switch {
	case t.hart.ForceFail:
		t.hart.ForceFail = false
		resp = statusFailed
	case t.hart.RetryCountdown > 0:
		t.hart.RetryCountdown--
		resp = statusRetry
	default:
		resp = t.pending
		addr := uint32(req >> 36)
		reqData := (req >> 2) & 0x3ffffffff
		switch uint8(req & 3) {
		case dbusWRITE:
			t.write(addr, reqData)
			t.pending = statusOK
		case dbusREAD:
			t.pending = t.read(addr)<<2 | statusOK
		default:
			t.pending = statusOK
		}
	}

	binary.LittleEndian.PutUint64(buf, resp)
	copy(in[:(nbits+7)/8], buf)
	return nil
}

// write stages data's low 32 bits into Debug RAM word addr, if addr names
// one, then runs the staged program if data carries interruptBit — the
// same write that lands a program's last word is the one that starts it,
// regardless of which word address it targets.
func (t *TAP) write(addr uint32, data uint64) {
	if addr < ramSize {
		if addr == 0 {
			for i := range t.touched {
				t.touched[i] = false
			}
		}
		t.touched[addr] = true
	}
	if addr <= resultSlot {
		t.ram[addr] = uint32(data)
	}
	if data&interruptBit != 0 {
		t.exec()
	}
}

// read answers a dbus READ. resultSlot additionally reports haltnotBit,
// mirroring the hart's current halt state; exec always completes
// synchronously, so a read never observes interruptBit still set.
func (t *TAP) read(addr uint32) uint64 {
	switch {
	case addr == dminfoAddr:
		// Matches riscv/scan.go's dminfo layout: dramsize in bits[15:10],
		// authenticated bit 5 set, debug module version 1 (bits[1:0]).
		v := uint32(resultSlot)<<dminfoDramsizeShift | dminfoAuthBit | uint32(dminfoVersion)
		if t.hart.DminfoOverride != nil {
			v = t.hart.DminfoOverride(v)
		}
		return uint64(v)
	case addr == resultSlot:
		v := uint64(t.ram[resultSlot])
		if t.hart.halted {
			v |= haltnotBit
		}
		return v
	case addr < ramSize:
		return uint64(t.ram[addr])
	}
	return 0
}

// exec recognizes the staged RAM contents by shape against the fixed
// Code Stubs catalog (riscv/stubs.go) and applies the corresponding
// effect to the hart. Stub shapes are distinguished by their unpatched
// opcode bits, by how many words are staged (see touched), and by the
// patched fields (register index, CSR address, literal operand), which
// are masked off before comparison. A stub that returns a value stores
// it in the RAM word right after its own program, matching each stub's
// own store-instruction immediate (riscv/debugram.go): word 5 for
// mem_read32 (4 instructions plus the patched address operand), word 2
// for gpreg_read, word 3 for csr_read.
func (t *TAP) exec() {
	r := t.ram
	switch {
	case r[0] == 0x41002403 && r[1] == 0x00042483 && r[2] == 0x40902a23 && r[3] == 0x3f80006f:
		addr := r[4]
		t.ram[5] = t.hart.Mem[addr]
	case r[0] == 0x41002403 && r[1] == 0x41402483 && r[2] == 0x00942023 && r[3] == 0x3f80006f:
		addr, val := r[4], r[5]
		t.hart.Mem[addr] = val
	// gpreg_read and gpreg_write are bit-identical at rx==0 (ORing zero
	// into either patch site leaves the base word unchanged), so shape
	// alone cannot tell them apart there. touched[2] does: gpreg_write
	// always stages a third word (the value), gpreg_read never does.
	// The gpreg_write patch site (bits 11:7) already holds 8 in the base
	// word, so the index recovered here is rx|8.
	case t.touched[2] && r[0]&^(0x1f<<7) == 0x40002423&^(0x1f<<7) && r[1] == 0x4000006f:
		rx, val := (r[0]>>7)&0x1f, r[2]
		t.hart.GPR[rx] = val
	case r[0]&^(0x1f<<20) == 0x40002423 && r[1] == 0x4000006f:
		rx := (r[0] >> 20) & 0x1f
		t.ram[2] = t.hart.GPR[rx]
	case r[0]&^(0xfff<<20) == 0x00002473 && r[1] == 0x40802623 && r[2] == 0x3fc0006f:
		csr := (r[0] >> 20) & 0xfff
		t.ram[3] = t.readCSR(csr)
	case r[0] == 0x40c02403 && r[1]&^(0xfff<<20) == 0x00041073 && r[2] == 0x3fc0006f:
		csr, val := (r[1]>>20)&0xfff, r[3]
		t.writeCSR(csr, val)
	case r[0] == 0x7b046073 && r[1] == 0x4000006f:
		t.hart.halted = true
		t.hart.CSR[csrDCSR] = (t.hart.CSR[csrDCSR] &^ (7 << 6)) | (3 << 6) // request
	case r[0] == (0x7b006073|dcsrStepBit) && r[1] == 0x7b047073:
		t.hart.halted = true
		t.hart.CSR[csrDCSR] = (t.hart.CSR[csrDCSR] &^ (7 << 6)) | (4 << 6) // stepping
	case r[0] == 0x7b006073 && r[1] == (0x7b047073|dcsrStepBit):
		t.hart.halted = false
	}
}

const dcsrStepBit = 1 << 17

func (t *TAP) readCSR(csr uint32) uint32 {
	switch csr {
	case csrMCONTROL:
		return t.hart.trigger[t.tselect()].mcontrol
	case csrTDATA2:
		return t.hart.trigger[t.tselect()].tdata2
	default:
		return t.hart.CSR[csr]
	}
}

func (t *TAP) writeCSR(csr, val uint32) {
	switch csr {
	case csrMCONTROL:
		// The type field is hardwired; software can only change the
		// fields below it (dmode, action, enable bits, kind).
		idx := t.tselect()
		typ := t.hart.trigger[idx].mcontrol & (0xf << mcontrolTypeShift)
		t.hart.trigger[idx].mcontrol = typ | (val &^ (0xf << mcontrolTypeShift))
		return
	case csrTDATA2:
		t.hart.trigger[t.tselect()].tdata2 = val
		return
	}
	if csr == csrDCSR && val&(1<<29) != 0 {
		for i := range t.hart.GPR {
			t.hart.GPR[i] = 0
		}
		for k := range t.hart.Mem {
			delete(t.hart.Mem, k)
		}
		t.hart.halted = false
		return
	}
	t.hart.CSR[csr] = val
}

// tselect returns the currently selected trigger index, clamped into
// the simulated hart's slot array so an out-of-range TSELECT write
// can't index out of bounds.
func (t *TAP) tselect() uint32 {
	v := t.hart.CSR[csrTSELECT]
	if v >= maxTriggers {
		return maxTriggers - 1
	}
	return v
}
