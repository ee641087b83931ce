package riscv

import (
	"testing"

	"github.com/rvdebug/dtm/tap/faketap"
)

func newExecutorForTest() (*Executor, *faketap.Hart) {
	hart := faketap.NewHart()
	ft := faketap.New(hart)
	ft.WriteIR(irDBUS)
	return &Executor{link: NewLink(ft, 6, 1)}, hart
}

func TestExecMemReadWrite(t *testing.T) {
	ex, hart := newExecutorForTest()

	ex.Exec(stubMemWrite32(0x2000, 0xcafef00d))
	if ex.link.Error() {
		t.Fatalf("unexpected sticky error after mem_write32")
	}
	if got := hart.Mem[0x2000]; got != 0xcafef00d {
		t.Fatalf("Mem[0x2000] = 0x%x, want 0xcafef00d", got)
	}

	ex.Exec(stubMemRead32(0x2000))
	if ex.link.Error() {
		t.Fatalf("unexpected sticky error after mem_read32")
	}
	if got := ex.Result(); got != 0xcafef00d {
		t.Fatalf("Result() = 0x%x, want 0xcafef00d", got)
	}
}

func TestExecGPRegRoundTrip(t *testing.T) {
	ex, _ := newExecutorForTest()

	ex.Exec(stubGPRegWrite(5, 123))
	ex.Exec(stubGPRegRead(5))
	if got := ex.Result(); got != 123 {
		t.Fatalf("gpreg x5 round trip = %d, want 123", got)
	}
}

func TestExecCSRRoundTrip(t *testing.T) {
	ex, _ := newExecutorForTest()

	ex.Exec(stubCSRWrite(csrDSCRATCH, 0x55aa))
	ex.Exec(stubCSRRead(csrDSCRATCH))
	if got := ex.Result(); got != 0x55aa {
		t.Fatalf("CSR dscratch round trip = 0x%x, want 0x55aa", got)
	}
}

func TestExecTooLongProgramPanics(t *testing.T) {
	ex, _ := newExecutorForTest()
	defer func() {
		if recover() == nil {
			t.Fatalf("expected a panic for an over-length debug ram program")
		}
	}()
	ex.Exec(make([]uint32, ramSize+1))
}
