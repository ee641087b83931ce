// Package hidtap implements tap.TAP over a CMSIS-DAP-class USB HID debug
// probe, using the DAP_JTAG_* subset of the CMSIS-DAP command set
// (https://arm-software.github.io/CMSIS_5/DAP/html/group__DAP__Commands__gr.html).
// It is the second of two concrete TAP backends this repository carries
// for the otherwise-external JTAG TAP collaborator; unlike a Serial Wire
// Debug probe driver, this one only ever issues raw JTAG sequences, since
// the RISC-V DTM link (riscv.Link) speaks directly to the TAP rather than
// to an AP/DP register file.
package hidtap

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"

	"github.com/cesanta/errors"
	"github.com/cesanta/hid"
	"github.com/golang/glog"

	"github.com/rvdebug/dtm/tap"
)

type cmd uint8

const (
	cmdInfo       cmd = 0x00
	cmdConnect    cmd = 0x02
	cmdDisconnect cmd = 0x03
	cmdResetTgt   cmd = 0x0a
	cmdSWJClock   cmd = 0x11
	cmdJTAGSeq    cmd = 0x14
	cmdJTAGCfg    cmd = 0x15
)

const (
	connectModeJTAG = 0x02
)

type hidTAP struct {
	d             hid.Device
	maxPacketSize int
}

// Open enumerates HID devices for one matching vid/pid, opens it, connects
// in JTAG mode and configures a single device with the given IR length.
func Open(vid, pid uint16, irLen uint8) (tap.TAP, error) {
	devs, err := hid.Devices()
	if err != nil {
		return nil, errors.Annotatef(err, "failed to enumerate HID devices")
	}
	for i, di := range devs {
		glog.V(1).Infof("%d: %04x:%04x %s", i, di.VendorID, di.ProductID, di.Path)
		if di.VendorID != vid || di.ProductID != pid {
			continue
		}
		d, err := di.Open()
		if err != nil {
			return nil, errors.Annotatef(err, "failed to open device %04x:%04x", vid, pid)
		}
		glog.Infof("opened %04x:%04x (%s)", vid, pid, di.Path)
		h := &hidTAP{d: d, maxPacketSize: 64}
		if err := h.connect(irLen); err != nil {
			h.Close()
			return nil, errors.Trace(err)
		}
		return h, nil
	}
	return nil, errors.NotFoundf("device %04x:%04x", vid, pid)
}

func newCmd(c cmd) *bytes.Buffer {
	return bytes.NewBuffer([]uint8{0, uint8(c)})
}

func (h *hidTAP) exec(args *bytes.Buffer) (*bytes.Buffer, error) {
	glog.V(4).Infof(" => %s", hex.EncodeToString(args.Bytes()[1:]))
	if len(args.Bytes()) > h.maxPacketSize {
		return nil, errors.Errorf("packet too long (max %d, got %d)", h.maxPacketSize, len(args.Bytes()))
	}
	if err := h.d.Write(args.Bytes()); err != nil {
		return nil, errors.Annotatef(err, "device write failed")
	}
	resp, ok := <-h.d.ReadCh()
	if !ok {
		return nil, errors.Annotatef(h.d.ReadError(), "device read failed")
	}
	glog.V(4).Infof(" <= %s", hex.EncodeToString(resp))
	c := args.Bytes()[1]
	if resp[0] != c {
		return nil, errors.Errorf("response to wrong command (want 0x%02x, got 0x%02x)", c, resp[0])
	}
	return bytes.NewBuffer(resp[1:]), nil
}

func (h *hidTAP) execCheckStatus(args *bytes.Buffer) error {
	resp, err := h.exec(args)
	if err != nil {
		return errors.Trace(err)
	}
	if resp.Bytes()[0] != 0 {
		return errors.Errorf("command 0x%02x returned error (0x%02x)", args.Bytes()[1], resp.Bytes()[0])
	}
	return nil
}

func (h *hidTAP) connect(irLen uint8) error {
	args := newCmd(cmdConnect)
	binary.Write(args, binary.LittleEndian, uint8(connectModeJTAG))
	resp, err := h.exec(args)
	if err != nil {
		return errors.Annotatef(err, "DAP_Connect")
	}
	if resp.Bytes()[0] == 0 {
		return errors.Errorf("connect error")
	}
	// DAP_JTAG_Configure: one device in the chain, its IR length.
	cfg := newCmd(cmdJTAGCfg)
	binary.Write(cfg, binary.LittleEndian, uint8(1))
	binary.Write(cfg, binary.LittleEndian, irLen)
	return errors.Annotatef(h.execCheckStatus(cfg), "DAP_JTAG_Configure")
}

// jtagSequence issues one DAP_JTAG_Sequence: nbits TCK cycles with TMS held
// at tms, shifting tdi out (LSB-first) and, if capture is set, returning
// the bits clocked in on TDO.
func (h *hidTAP) jtagSequence(tms bool, tdi []byte, nbits int, capture bool) ([]byte, error) {
	nbytes := (nbits + 7) / 8
	args := newCmd(cmdJTAGSeq)
	binary.Write(args, binary.LittleEndian, uint8(1)) // sequence count
	info := uint8(nbits % 64)
	if tms {
		info |= 1 << 6
	}
	if capture {
		info |= 1 << 7
	}
	binary.Write(args, binary.LittleEndian, info)
	args.Write(tdi[:nbytes])
	resp, err := h.exec(args)
	if err != nil {
		return nil, errors.Annotatef(err, "DAP_JTAG_Sequence")
	}
	if resp.Bytes()[0] != 0 {
		return nil, errors.Errorf("JTAG sequence failed (0x%02x)", resp.Bytes()[0])
	}
	if !capture {
		return nil, nil
	}
	out := make([]byte, nbytes)
	copy(out, resp.Bytes()[1:])
	return out, nil
}

// WriteIR drives the TAP from run-test/idle through Select-IR/Capture-IR/
// Shift-IR/Exit1-IR/Update-IR and back to run-test/idle, shifting in ir.
func (h *hidTAP) WriteIR(ir tap.IR) error {
	glog.V(3).Infof("WriteIR(0x%x)", ir)
	// Select-DR-Scan, Select-IR-Scan, Capture-IR, Shift-IR (stay).
	if _, err := h.jtagSequence(true, []byte{0x03}, 3, false); err != nil {
		return errors.Annotatef(err, "WriteIR: enter shift-ir")
	}
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(ir))
	if _, err := h.jtagSequence(false, buf, 32, false); err != nil {
		return errors.Annotatef(err, "WriteIR: shift")
	}
	// Exit1-IR, Update-IR, Run-Test/Idle.
	if _, err := h.jtagSequence(true, []byte{0x01}, 2, false); err != nil {
		return errors.Annotatef(err, "WriteIR: exit")
	}
	return nil
}

// ShiftDR drives Shift-DR for nbits bits, returning the bits captured on
// TDO. Unlike WriteIR it is the caller's (riscv.Link's) job to leave the
// TAP in run-test/idle afterwards via RunTestIdle.
func (h *hidTAP) ShiftDR(out, in []byte, nbits int) error {
	glog.V(4).Infof("ShiftDR(%d bits)", nbits)
	if _, err := h.jtagSequence(true, []byte{0x01}, 2, false); err != nil {
		return errors.Annotatef(err, "ShiftDR: enter shift-dr")
	}
	nbytes := (nbits + 7) / 8
	resp, err := h.jtagSequence(false, out[:nbytes], nbits, true)
	if err != nil {
		return errors.Annotatef(err, "ShiftDR: shift")
	}
	copy(in[:nbytes], resp)
	if _, err := h.jtagSequence(true, []byte{0x01}, 2, false); err != nil {
		return errors.Annotatef(err, "ShiftDR: exit")
	}
	return nil
}

func (h *hidTAP) RunTestIdle(n int) error {
	glog.V(4).Infof("RunTestIdle(%d)", n)
	if n == 0 {
		return nil
	}
	zeros := make([]byte, (n+7)/8)
	_, err := h.jtagSequence(false, zeros, n, false)
	return errors.Annotatef(err, "RunTestIdle")
}

func (h *hidTAP) Close() error {
	if h.d != nil {
		h.d.Close()
	}
	return nil
}
