package riscv

import (
	"github.com/cesanta/errors"
	"github.com/golang/glog"

	"github.com/rvdebug/dtm/common/multierror"
	"github.com/rvdebug/dtm/target"
)

// mcontrol (tdata1) fields this driver sets, draft 0.11 trigger module.
// The type field (bits [31:28]) is hardware-fixed at 2 for an
// address/data match trigger and is read to detect a free slot, but is
// not itself part of the configure write (spec §4.5, §8 scenario 4).
const (
	mcontrolDMode      = 1 << 27
	mcontrolActionDbg  = 1 << 12 // action: enter debug mode
	mcontrolEnableMask = 0x78    // M/S/U enable bits [6:3]
)

const mcontrolTypeShift = 28

func mcontrolKind(kind target.BreakwatchKind) uint32 {
	switch kind {
	case target.BreakwatchExecute:
		return 1 << 2 // EXECUTE
	case target.BreakwatchLoad:
		return 1 << 0 // LOAD
	case target.BreakwatchStore:
		return 1 << 1 // STORE
	case target.BreakwatchAccess:
		return (1 << 0) | (1 << 1)
	default:
		return 0
	}
}

// TriggerSet allocates and releases hardware triggers against a hart,
// saving and restoring tselect around every operation so it never
// disturbs a trigger another agent (or GDB itself) left selected.
type TriggerSet struct {
	hart *Hart
	n    int
}

// NewTriggerSet builds an allocator over the first n trigger slots
// (NewFacade passes the Hart's fixed count of 4).
func NewTriggerSet(h *Hart, n int) *TriggerSet {
	return &TriggerSet{hart: h, n: n}
}

func (ts *TriggerSet) csrRead(csr uint32) uint32 {
	ts.hart.ex.Exec(stubCSRRead(csr))
	return ts.hart.ex.Result()
}

func (ts *TriggerSet) csrWrite(csr, val uint32) {
	ts.hart.ex.Exec(stubCSRWrite(csr, val))
}

// Set walks the trigger slots looking for one that is free (type == 2,
// with no enable bits set), and configures it for bw. The selected slot
// index is stashed in bw.Slot for Clear to find again. tselect reading
// back something other than what was just written, or a slot reporting
// type == 0, means the hart implements no further slots past this
// index, so the walk stops there rather than probing higher indices
// that can only be equally absent.
func (ts *TriggerSet) Set(bw *target.Breakwatch) error {
	saved := ts.csrRead(csrTSELECT)
	defer ts.csrWrite(csrTSELECT, saved)

	// skipped collects one diagnostic per occupied/unusable slot the walk
	// passes over, so a caller diagnosing exhaustion sees why every
	// candidate was rejected rather than just "none were free".
	var skipped error

	for i := 0; i < ts.n; i++ {
		ts.csrWrite(csrTSELECT, uint32(i))
		if ts.csrRead(csrTSELECT) != uint32(i) {
			break // hart has no slot i
		}
		mc := ts.csrRead(csrMCONTROL)
		typ := mc >> mcontrolTypeShift
		if typ == 0 {
			break // slot does not exist
		}
		if typ == 2 && mc&mcontrolEnableMask == 0 {
			mc = mcontrolDMode | mcontrolActionDbg | mcontrolEnableMask | mcontrolKind(bw.Kind)
			ts.csrWrite(csrMCONTROL, mc)
			ts.csrWrite(csrTDATA2, bw.Addr)
			bw.Slot = i
			glog.V(3).Infof("trigger %d armed: addr=0x%x kind=%v", i, bw.Addr, bw.Kind)
			return nil
		}
		if typ == 2 {
			skipped = multierror.Append(skipped, errors.Errorf("trigger %d: in use (mcontrol=0x%x)", i, mc))
		} else {
			skipped = multierror.Append(skipped, errors.Errorf("trigger %d: type %d not allocatable by this driver", i, typ))
		}
	}
	if skipped != nil {
		return errors.Annotatef(skipped, "no free hardware trigger for breakwatch at 0x%x", bw.Addr)
	}
	return errors.Errorf("no hardware triggers implemented for breakwatch at 0x%x", bw.Addr)
}

// Clear disables the trigger previously allocated by Set. If bw carries
// no in-process Slot, e.g. a fresh CLI invocation clearing a trigger a
// prior invocation armed, Clear re-walks the slots looking for one still
// configured with a live address/data match on bw.Addr, the same way Set
// discovers occupied slots, rather than requiring the caller to remember
// which index a previous process chose.
func (ts *TriggerSet) Clear(bw *target.Breakwatch) error {
	saved := ts.csrRead(csrTSELECT)
	defer ts.csrWrite(csrTSELECT, saved)

	slot, ok := bw.Slot.(int)
	if !ok {
		found := -1
		for i := 0; i < ts.n; i++ {
			ts.csrWrite(csrTSELECT, uint32(i))
			if ts.csrRead(csrTSELECT) != uint32(i) {
				break
			}
			mc := ts.csrRead(csrMCONTROL)
			typ := mc >> mcontrolTypeShift
			if typ == 0 {
				break
			}
			if typ == 2 && mc&mcontrolEnableMask != 0 && ts.csrRead(csrTDATA2) == bw.Addr {
				found = i
				break
			}
		}
		if found < 0 {
			return errors.Errorf("breakwatch at 0x%x has no allocated trigger", bw.Addr)
		}
		slot = found
	}

	ts.csrWrite(csrTSELECT, uint32(slot))
	ts.csrWrite(csrMCONTROL, 0)
	ts.csrWrite(csrTDATA2, 0)
	bw.Slot = nil
	return nil
}
