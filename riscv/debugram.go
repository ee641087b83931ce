package riscv

import "fmt"

// interruptBit and haltnotBit live in the upper two bits of the 34-bit
// dbus data field, alongside the 32-bit instruction/result value: bit 33
// requests execution and is cleared by the hart on completion; bit 32
// mirrors the hart's current halt state independent of any pending
// executor run.
const (
	interruptBit = 1 << 33
	haltnotBit   = 1 << 32
)

// Executor runs a staged Debug RAM program to completion and retrieves
// its result, if any. The Code Stubs and the Target Façade run Debug RAM
// programs only through Exec/Result; the façade's few direct dbus
// accesses (register 9, HaltPoll's dmcontrol read, CheckError) go to the
// Link instead.
type Executor struct {
	link *Link

	result uint32
}

// Exec stages words into the Debug RAM starting at word 0; the last word
// is written with INTERRUPT set, which both places it in the RAM and
// tells the hart to resume execution of Debug RAM from address 0x400.
// Each stub's own final store instruction leaves its result in the word
// right after the program (spec §4.2, §4.3's "return via" column), so
// Exec busy-waits on that word, len(words), until the hart's jump to
// <resume> clears INTERRUPT there, then latches the returned value for
// Result. It returns nothing, not even a Go error: a failed dbus
// transaction during execution stops the run and leaves the link's
// sticky error flag set for the caller to observe via Link.Error or
// Target.CheckError, matching the rest of this driver's error model.
func (e *Executor) Exec(words []uint32) {
	if len(words) == 0 {
		panic("debug ram program must stage at least one word")
	}
	if len(words) > ramSize {
		panic(fmt.Sprintf("debug ram program too long: %d words (max %d)", len(words), ramSize))
	}
	for i := 0; i < len(words)-1; i++ {
		e.link.Write(uint32(i), uint64(words[i]))
		if e.link.Error() {
			return
		}
	}
	last := uint32(len(words) - 1)
	e.link.Write(last, uint64(words[last])|interruptBit)
	if e.link.Error() {
		return
	}
	pollAddr := uint32(len(words))
	for {
		v := e.link.Read(pollAddr)
		if e.link.Error() {
			return
		}
		if v&interruptBit == 0 {
			e.result = uint32(v)
			return
		}
	}
}

// Result returns the low 32 bits of Exec's last completion poll.
func (e *Executor) Result() uint32 { return e.result }
