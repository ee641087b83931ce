// +build !no_libudev

// Package usbtap implements tap.TAP over a generic USB-bulk JTAG adapter:
// two bulk endpoints carrying a trivial command framing (select IR, shift
// DR, run idle cycles). It is one of two concrete TAP backends this
// repository carries for the otherwise-external JTAG TAP collaborator.
package usbtap

import (
	"encoding/binary"

	"github.com/cesanta/errors"
	"github.com/golang/glog"
	"github.com/google/gousb"

	"github.com/rvdebug/dtm/tap"
)

// Command bytes sent as the first byte of every bulk-out transfer.
const (
	cmdWriteIR      = 0x01
	cmdShiftDR      = 0x02
	cmdRunTestIdle  = 0x03
)

// usbTAP drives a JTAG adapter that exposes a pair of USB bulk endpoints
// (one OUT, one IN) carrying the tiny command framing above.
type usbTAP struct {
	uctx  *gousb.Context
	dev   *gousb.Device
	intf  *gousb.Interface
	done  func()
	epOut *gousb.OutEndpoint
	epIn  *gousb.InEndpoint
}

// Open finds and opens a USB JTAG adapter matching vid/pid (and serial, if
// non-empty), claims the device's default interface and opens its bulk
// endpoints epOutNum/epInNum. intfNum is not consulted: the claimed
// interface is always the one DefaultInterface returns.
func Open(vid, pid gousb.ID, serial string, intfNum, epOutNum, epInNum int) (tap.TAP, error) {
	uctx := gousb.NewContext()
	devs, err := uctx.OpenDevices(func(dd *gousb.DeviceDesc) bool {
		result := dd.Vendor == vid && dd.Product == pid
		glog.V(1).Infof("dev %+v", dd)
		return result
	})
	if err != nil && len(devs) == 0 {
		uctx.Close()
		return nil, errors.Annotatef(err, "failed to enumerate USB devices")
	}
	var dev *gousb.Device
	for _, d := range devs {
		if dev != nil {
			d.Close()
			continue
		}
		sn, _ := d.SerialNumber()
		if serial == "" || sn == serial {
			dev = d
		} else {
			d.Close()
		}
	}
	if dev == nil {
		uctx.Close()
		return nil, errors.Errorf("no JTAG adapter matching %s:%s found", vid, pid)
	}
	intf, done, err := dev.DefaultInterface()
	if err != nil {
		dev.Close()
		uctx.Close()
		return nil, errors.Annotatef(err, "failed to claim interface")
	}
	epOut, err := intf.OutEndpoint(epOutNum)
	if err != nil {
		done()
		dev.Close()
		uctx.Close()
		return nil, errors.Annotatef(err, "failed to open OUT endpoint")
	}
	epIn, err := intf.InEndpoint(epInNum)
	if err != nil {
		done()
		dev.Close()
		uctx.Close()
		return nil, errors.Annotatef(err, "failed to open IN endpoint")
	}
	glog.Infof("opened USB JTAG adapter %s:%s", vid, pid)
	return &usbTAP{uctx: uctx, dev: dev, intf: intf, done: done, epOut: epOut, epIn: epIn}, nil
}

func (u *usbTAP) WriteIR(ir tap.IR) error {
	glog.V(3).Infof("WriteIR(0x%x)", ir)
	buf := make([]byte, 5)
	buf[0] = cmdWriteIR
	binary.LittleEndian.PutUint32(buf[1:], uint32(ir))
	if _, err := u.epOut.Write(buf); err != nil {
		return errors.Annotatef(err, "WriteIR")
	}
	return nil
}

func (u *usbTAP) ShiftDR(out, in []byte, nbits int) error {
	nbytes := (nbits + 7) / 8
	glog.V(4).Infof("ShiftDR(%d bits)", nbits)
	hdr := make([]byte, 5)
	hdr[0] = cmdShiftDR
	binary.LittleEndian.PutUint32(hdr[1:], uint32(nbits))
	if _, err := u.epOut.Write(append(hdr, out[:nbytes]...)); err != nil {
		return errors.Annotatef(err, "ShiftDR write")
	}
	resp := make([]byte, nbytes)
	if _, err := u.epIn.Read(resp); err != nil {
		return errors.Annotatef(err, "ShiftDR read")
	}
	copy(in[:nbytes], resp)
	return nil
}

func (u *usbTAP) RunTestIdle(n int) error {
	glog.V(4).Infof("RunTestIdle(%d)", n)
	buf := make([]byte, 5)
	buf[0] = cmdRunTestIdle
	binary.LittleEndian.PutUint32(buf[1:], uint32(n))
	if _, err := u.epOut.Write(buf); err != nil {
		return errors.Annotatef(err, "RunTestIdle")
	}
	return nil
}

func (u *usbTAP) Close() error {
	if u.done != nil {
		u.done()
	}
	if u.dev != nil {
		u.dev.Close()
	}
	if u.uctx != nil {
		u.uctx.Close()
	}
	return nil
}
