// Package tap declares the interface to the lower JTAG TAP bit-banger: the
// thing that actually knows how to select an IR register, shift a DR of N
// bits, and run the TAP through run-test/idle. Per this repository's scope,
// the TAP layer itself is an external collaborator; only the interface
// lives here, plus a couple of concrete backends (tap/usbtap, tap/hidtap)
// that happen to exist in the retrieved dependency pack, and a fake
// (tap/faketap) used by the driver's own tests.
package tap

// IR is a JTAG instruction register value.
type IR uint32

// TAP is the minimal surface the DTM Link (riscv.Link) needs from a JTAG
// transport: select an instruction register, shift a data register of a
// given width with simultaneous in/out, and clock idle cycles.
type TAP interface {
	// WriteIR selects ir as the current instruction register.
	WriteIR(ir IR) error
	// ShiftDR shifts nbits bits through the data register. out supplies the
	// bits to shift in (LSB-first, packed into bytes), in receives the bits
	// shifted out; both must be at least ceil(nbits/8) bytes. It is valid
	// for out and in to alias the same backing array.
	ShiftDR(out, in []byte, nbits int) error
	// RunTestIdle clocks n TMS=0 cycles through run-test/idle.
	RunTestIdle(n int) error
	// Close releases the underlying transport.
	Close() error
}
