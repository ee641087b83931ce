package riscv

import "testing"

// These pin the Code Stubs catalog's instruction words against the
// upstream encoding table, so an accidental edit to stubs.go is caught
// even though the words themselves are opaque machine code.
func TestStubEncodingsArePinned(t *testing.T) {
	cases := []struct {
		name string
		got  []uint32
		want []uint32
	}{
		{"mem_read32", stubMemRead32(0x1234), []uint32{0x41002403, 0x00042483, 0x40902a23, 0x3f80006f, 0x1234}},
		{"mem_write32", stubMemWrite32(0x1234, 0x5678), []uint32{0x41002403, 0x41402483, 0x00942023, 0x3f80006f, 0x1234, 0x5678}},
		{"gpreg_read", stubGPRegRead(7), []uint32{0x40002423 | (7 << 20), 0x4000006f}},
		{"gpreg_write", stubGPRegWrite(7, 0x42), []uint32{0x40002423 | (7 << 7), 0x4000006f, 0x42}},
		{"csr_read", stubCSRRead(csrDCSR), []uint32{0x00002473 | (csrDCSR << 20), 0x40802623, 0x3fc0006f}},
		{"csr_write", stubCSRWrite(csrDCSR, 1), []uint32{0x40c02403, 0x00041073 | (csrDCSR << 20), 0x3fc0006f, 1}},
		{"halt", stubHalt(), []uint32{0x7b046073, 0x4000006f}},
		{"resume", stubResume(false), []uint32{0x7b006073, 0x7b047073 | dcsrStepBit, 0x3fc0006f}},
		{"resume_step", stubResume(true), []uint32{0x7b006073 | dcsrStepBit, 0x7b047073, 0x3fc0006f}},
		{"reset", stubReset(), []uint32{0x40c02403, 0x00041073 | (csrDCSR << 20), 0x3fc0006f, 1 << 29}},
	}
	for _, c := range cases {
		if len(c.got) != len(c.want) {
			t.Errorf("%s: length %d, want %d", c.name, len(c.got), len(c.want))
			continue
		}
		for i := range c.want {
			if c.got[i] != c.want[i] {
				t.Errorf("%s: word[%d] = 0x%08x, want 0x%08x", c.name, i, c.got[i], c.want[i])
			}
		}
	}
}
