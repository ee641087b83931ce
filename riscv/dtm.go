// Package riscv implements the RISC-V external debug support draft 0.11
// Debug Transport Module driver: the DTM link, the Debug RAM execution
// engine, the instruction stub catalog, the target façade, and the
// hardware trigger allocator. See SPEC_FULL.md for the full contract.
package riscv

import (
	"encoding/binary"

	"github.com/cesanta/errors"
	"github.com/golang/glog"

	"github.com/rvdebug/dtm/tap"
)

// JTAG instruction register values for the DTM (spec §6, wire protocol v0).
const (
	irIDCODE     tap.IR = 0x01
	irDTMCONTROL tap.IR = 0x10
	irDBUS       tap.IR = 0x11
	irBYPASS     tap.IR = 0x1f
)

const dtmcontrolDBUSRESET = 1 << 16

// dbus operation codes.
const (
	dbusNOP   = 0
	dbusREAD  = 1
	dbusWRITE = 2
)

// dbus status codes, returned in the low 2 bits of a dbus shift response.
const (
	statusOK      = 0
	statusFailed  = 2
	statusRetry   = 3
)

// Link is the DTM Link: it encodes dbus transactions, issues them over a
// JTAG TAP, and implements the sticky-error and retry recovery state
// machine of spec §4.1. One Link exists per scanned hart.
type Link struct {
	tap   tap.TAP
	abits uint8 // 0-63, dbus address width
	idle  uint8 // 0-7, run-test/idle cycles required between shifts

	lastDbus uint64 // resend pattern used by status-3 recovery
	err      bool   // sticky bus error (spec §3 invariant)
}

// NewLink wraps t as a DTM Link with the given abits/idle parameters, as
// decoded from dtmcontrol by Scan.
func NewLink(t tap.TAP, abits, idle uint8) *Link {
	return &Link{tap: t, abits: abits, idle: idle}
}

// Reset performs a DBUSRESET: select DTMCONTROL, shift a 32-bit DR with
// the reset bit set. Used both by status-3 recovery and by the public
// error-check entry point (Target.CheckError).
func (l *Link) Reset() error {
	if err := l.tap.WriteIR(irDTMCONTROL); err != nil {
		return errors.Annotatef(err, "Reset: WriteIR(DTMCONTROL)")
	}
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, dtmcontrolDBUSRESET)
	if err := l.tap.ShiftDR(buf, buf, 32); err != nil {
		return errors.Annotatef(err, "Reset: ShiftDR")
	}
	glog.V(3).Infof("after dbusreset: dtmcontrol = 0x%08x", binary.LittleEndian.Uint32(buf))
	return l.tap.WriteIR(irDBUS)
}

// Error reports whether the sticky bus error flag is set.
func (l *Link) Error() bool { return l.err }

func (l *Link) dbusWidth() int { return int(l.abits) + 36 }

func (l *Link) encode(addr uint32, data34 uint64, op uint8) uint64 {
	return (uint64(addr) << 36) | ((data34 & 0x3ffffffff) << 2) | uint64(op)
}

func (l *Link) shift(dbus uint64) (uint64, error) {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, dbus)
	nbits := l.dbusWidth()
	if err := l.tap.ShiftDR(buf, buf, nbits); err != nil {
		return 0, errors.Annotatef(err, "dbus shift")
	}
	return binary.LittleEndian.Uint64(buf), nil
}

// lowAccess performs one dbus shift, with the unbounded status-3 retry
// loop of spec §4.1. Spec §5 allows an implementation-defined retry bound
// whose exhaustion sets the sticky flag rather than raising out of band;
// this driver leaves the retry unbounded, matching the original, since a
// status-3 response means "bus busy", not "bus broken".
func (l *Link) lowAccess(dbus uint64) uint64 {
	for {
		ret, err := l.shift(dbus)
		if err != nil {
			l.err = true
			return 0
		}
		switch ret & 3 {
		case statusRetry:
			if err := l.Reset(); err != nil {
				l.err = true
				return 0
			}
			glog.V(4).Infof("retry out 0x%x", dbus)
			if _, err := l.shift(l.lastDbus); err != nil {
				l.err = true
				return 0
			}
			if err := l.tap.RunTestIdle(int(l.idle)); err != nil {
				l.err = true
				return 0
			}
			continue
		case statusOK:
			l.lastDbus = dbus
		default: // statusFailed and anything undefined
			l.err = true
			return 0
		}
		if err := l.tap.RunTestIdle(int(l.idle)); err != nil {
			l.err = true
			return 0
		}
		return (ret >> 2) & 0x3ffffffff
	}
}

// Write issues a dbus WRITE of data34 (low 34 bits significant) to addr.
// While the sticky error flag is set this is a no-op (spec §3 invariant).
func (l *Link) Write(addr uint32, data34 uint64) {
	if l.err {
		return
	}
	glog.V(4).Infof("dbus write addr=0x%x data=0x%x", addr, data34)
	l.lowAccess(l.encode(addr, data34, dbusWRITE))
}

// Read issues the two-shift dbus READ pipeline (arm, then NOP to collect
// the result) and returns the 34-bit data field. While the sticky error
// flag is set this returns 0 without any JTAG I/O.
func (l *Link) Read(addr uint32) uint64 {
	if l.err {
		return 0
	}
	l.lowAccess(l.encode(addr, 0, dbusREAD))
	if l.err {
		return 0
	}
	v := l.lowAccess(l.encode(0, 0, dbusNOP))
	glog.V(4).Infof("dbus read addr=0x%x == 0x%x", addr, v)
	return v
}

// CheckError clears the sticky error flag and reports whether an error
// had occurred, performing a DBUS reset first if it had; a Link that
// never faulted is left alone.
func (l *Link) CheckError() bool {
	had := l.err
	if had {
		l.Reset()
	}
	l.err = false
	return had
}
