package faketap

import (
	"encoding/binary"
	"testing"

	"github.com/rvdebug/dtm/tap"
)

func TestDTMControlReportsAbitsAndIdle(t *testing.T) {
	var _ tap.TAP = New(NewHart())

	ft := New(NewHart())
	ft.WriteIR(irDTMCONTROL)
	buf := make([]byte, 4)
	if err := ft.ShiftDR(buf, buf, 32); err != nil {
		t.Fatalf("ShiftDR: %v", err)
	}
	v := binary.LittleEndian.Uint32(buf)
	if got := v & 0xf; got != dtmcontrolVersion {
		t.Errorf("version = %d, want %d", got, dtmcontrolVersion)
	}
	// abits=6 fits entirely in the low nibble (bits[7:4]); the high bits
	// (bits[14:13]) stay zero, so reading just the low field recovers it.
	if got := (v >> dtmcontrolAbitsLoShift) & 0xf; got != 6 {
		t.Errorf("abits = %d, want 6", got)
	}
	if got := (v >> dtmcontrolIdleShift) & 0x7; got != 1 {
		t.Errorf("idle = %d, want 1", got)
	}
}

func TestNewHartStartsHalted(t *testing.T) {
	h := NewHart()
	if !h.halted {
		t.Fatalf("a fresh hart should start halted")
	}
	if cause := (h.CSR[csrDCSR] >> 6) & 7; cause != 3 {
		t.Fatalf("dcsr.cause = %d, want 3 (halt request)", cause)
	}
}
