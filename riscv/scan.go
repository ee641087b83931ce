package riscv

import (
	"encoding/binary"

	"github.com/cesanta/errors"
	"github.com/golang/glog"

	"github.com/rvdebug/dtm/tap"
)

// dtmcontrol field layout (draft 0.11 wire protocol v0): version is
// bits[3:0]; abits is split across two ranges, high bits[14:13] and low
// bits[7:4]; idle is bits[12:10]; dbusreset (write-one) is bit 16.
const (
	dtmcontrolVersionMask  = 0xf
	dtmcontrolAbitsLoShift = 4
	dtmcontrolAbitsLoMask  = 0xf
	dtmcontrolAbitsHiShift = 13
	dtmcontrolAbitsHiMask  = 0x3
	dtmcontrolIdleShift    = 10
	dtmcontrolIdleMask     = 0x7
)

// dminfo field layout: dmversion is bits[1:0]; authbusy is bit 4 (not
// consumed by this driver); authenticated is bit 5; dramsize is
// bits[15:10].
const (
	dminfoVersionMask   = 0x3
	dminfoAuthBit       = 1 << 5
	dminfoDramsizeShift = 10
	dminfoDramsizeMask  = 0x3f
)

// dmVersionSupported is the debug module version this driver understands.
const dmVersionSupported = 1

// Debug RAM addressing. Instruction words occupy 0..ramSize-1; a
// program's own store instruction leaves its result in the word right
// after the program (riscv/debugram.go), which the stub catalog's jump
// offsets (riscv/stubs.go) assume never runs past word ramSize-1.
// dramsize (spec §3, dminfo[15:10]) names the word index one past that:
// the dmcontrol/HALTNOT register the register-9 map quirk and HaltPoll
// read directly, fixed at ramSize regardless of any particular program's
// length. dminfo itself lives one word further still. A Debug RAM
// reporting any other dramsize would shift every jump offset baked into
// the stub catalog, so Scan refuses to attach rather than recompute them.
const ramSize = 16

const resultSlot = ramSize
const dminfoAddr = resultSlot + 1

// Hart is a scanned, attachable RISC-V hart: a DTM Link bound to the
// Debug RAM geometry Scan verified, plus a trigger count that Scan sets
// to a fixed 4 rather than probing the hart for it.
type Hart struct {
	link *Link
	ex   *Executor

	numTriggers int
}

// Scan probes the TAP for a DTM, reads dtmcontrol to learn abits/idle,
// and confirms the debug module is present, authenticated, of a version
// this driver understands, and reports the dramsize the stub catalog's
// jump offsets assume. Any of those conditions failing is a silent
// protocol refusal, not a Go error: Scan returns (nil, nil), the same as
// an ordinary "not found". A non-nil error means the TAP itself faulted
// (a transport failure) or the dbus read of dminfo left the link's
// sticky error flag set.
func Scan(t tap.TAP) (*Hart, error) {
	if err := t.WriteIR(irDTMCONTROL); err != nil {
		return nil, errors.Annotatef(err, "Scan: WriteIR(DTMCONTROL)")
	}
	buf := make([]byte, 4)
	if err := t.ShiftDR(buf, buf, 32); err != nil {
		return nil, errors.Annotatef(err, "Scan: ShiftDR(dtmcontrol)")
	}
	dtmcontrol := binary.LittleEndian.Uint32(buf)
	version := dtmcontrol & dtmcontrolVersionMask
	if version != 0 {
		glog.V(1).Infof("Scan: refusing dtmcontrol version %d", version)
		return nil, nil
	}
	abitsHi := (dtmcontrol >> dtmcontrolAbitsHiShift) & dtmcontrolAbitsHiMask
	abitsLo := (dtmcontrol >> dtmcontrolAbitsLoShift) & dtmcontrolAbitsLoMask
	abits := uint8(abitsHi<<4 | abitsLo)
	idle := uint8((dtmcontrol >> dtmcontrolIdleShift) & dtmcontrolIdleMask)
	glog.V(1).Infof("dtmcontrol=0x%08x version=%d abits=%d idle=%d", dtmcontrol, version, abits, idle)

	if err := t.WriteIR(irDBUS); err != nil {
		return nil, errors.Annotatef(err, "Scan: WriteIR(DBUS)")
	}
	link := NewLink(t, abits, idle)

	dminfo := link.Read(dminfoAddr)
	if link.Error() {
		return nil, errors.Errorf("Scan: dbus error reading dminfo")
	}
	glog.V(1).Infof("dminfo=0x%09x", dminfo)

	if dminfo&dminfoAuthBit == 0 {
		glog.V(1).Infof("Scan: refusing, not authenticated")
		return nil, nil
	}
	dmVersion := dminfo & dminfoVersionMask
	if dmVersion != dmVersionSupported {
		glog.V(1).Infof("Scan: refusing unsupported debug module version %d", dmVersion)
		return nil, nil
	}
	if dramsize := uint32((dminfo >> dminfoDramsizeShift) & dminfoDramsizeMask); dramsize != resultSlot {
		glog.V(1).Infof("Scan: refusing, dminfo dramsize field is %d (want %d)", dramsize, resultSlot)
		return nil, nil
	}

	h := &Hart{
		link:        link,
		numTriggers: 4,
	}
	h.ex = &Executor{link: link}
	glog.Infof("hart found: abits=%d idle=%d ramSize=%d", abits, idle, ramSize)
	return h, nil
}

// Link exposes the underlying DTM Link, for callers that must issue raw
// dbus transactions. The Executor and the Trigger Module do not use it:
// the Executor holds its own Link, and the Trigger Module goes through
// the Executor.
func (h *Hart) Link() *Link { return h.link }
