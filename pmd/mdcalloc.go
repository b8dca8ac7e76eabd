package pmd

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/mpool-io/pmd/cmn"
	"github.com/mpool-io/pmd/cmn/cos"
	"github.com/mpool-io/pmd/cmn/nlog"
	"github.com/mpool-io/pmd/ecio"
	"github.com/mpool-io/pmd/smap"
)

// mdcCreateLogBytes is the per-mlog capacity new MDCs are allocated
// with, before any user records land (spec.md §4.F "mdc_alloc reserves
// two equal-size mlogs on distinct devices").
const mdcCreateLogBytes = 1 << 20

// CreateMDC implements spec.md §4.F mdc_alloc: allocate a fresh paired
// log across two distinct devices (spreading the pair so a single
// device failure doesn't take out a whole MDC), open it, and install it
// as a new live slot. Single-threaded by allocMu — concurrent growth
// requests serialize (spec.md §4.F "Locking").
func (m *MDA) CreateMDC() (uint8, error) {
	m.allocMu.Lock()
	defer m.allocMu.Unlock()

	// mdc0Validate presupposes MDC0 already exists (spec.md §4.F step 1);
	// skip it on the one call that creates MDC0 itself (pool bootstrap).
	if mdc0 := m.slot(0); mdc0 != nil {
		if _, err := m.mdc0Validate(mdc0, false); err != nil {
			return 0, errors.Wrap(err, "pmd: mdc_alloc: mdc0 residue cleanup")
		}
	}

	m.growMu.Lock()
	slot := m.slotvcntUnsafe()
	if slot >= MDCSlots {
		m.growMu.Unlock()
		return 0, errors.Wrap(cos.ErrNoSpace, "pmd: mdc_alloc: slot table exhausted")
	}
	m.growMu.Unlock()

	m.pdvlock.RLock()
	pdh1, pdh2, ok := m.pickLogPair(slot)
	devices := append([]cmn.DeviceParms(nil), m.devices...)
	m.pdvlock.RUnlock()
	if !ok {
		return 0, errors.Wrap(cos.ErrDeviceUnavailable, "pmd: mdc_alloc: need two distinct live devices")
	}

	zcnt := m.ecio.ZoneCount(mdcCreateLogBytes)
	shell1, err := m.ecio.LayoutAlloc(pdh1, zcnt, zcnt, smap.SpaceUsable, mdcCreateLogBytes)
	if err != nil {
		return 0, errors.Wrap(err, "pmd: mdc_alloc: log1 zone alloc")
	}
	shell2, err := m.ecio.LayoutAlloc(pdh2, zcnt, zcnt, smap.SpaceUsable, mdcCreateLogBytes)
	if err != nil {
		m.ecio.LayoutFree(pdh1, shell1.LD)
		return 0, errors.Wrap(err, "pmd: mdc_alloc: log2 zone alloc")
	}

	// spec.md §4.F step 4: erase both before they're committed, so a
	// newly reserved pair never starts life with a previous occupant's
	// stale contents; neither mlog is committed yet, so this doesn't
	// need to be atomic with anything else.
	if err := m.ecio.MlogErase(shell1.LD); err != nil {
		m.ecio.LayoutFree(pdh1, shell1.LD)
		m.ecio.LayoutFree(pdh2, shell2.LD)
		return 0, errors.Wrap(err, "pmd: mdc_alloc: erase of first mlog failed")
	}
	if err := m.ecio.MlogErase(shell2.LD); err != nil {
		m.ecio.LayoutFree(pdh1, shell1.LD)
		m.ecio.LayoutFree(pdh2, shell2.LD)
		return 0, errors.Wrap(err, "pmd: mdc_alloc: erase of second mlog failed")
	}

	handle, err := m.logs.Open(shell1.LD, shell2.LD)
	if err != nil {
		m.ecio.LayoutFree(pdh1, shell1.LD)
		m.ecio.LayoutFree(pdh2, shell2.LD)
		return 0, errors.Wrap(err, "pmd: mdc_alloc: open paired log")
	}

	mi := newMdcSlot()
	mi.handle = handle
	mi.mdccver = cmn.MetaverPMDLatest
	mi.open = true

	m.growMu.Lock()
	m.slots[slot] = mi
	m.setSlotVCnt(slot + 1)
	m.growMu.Unlock()

	// Every MDC, including MDC0 itself, records its own two paired-log
	// mlogs as ordinary committed objects in MDC0 — that self-reference
	// is exactly what mdc0_validate checks for (spec.md §4.H).
	if err := m.recordMDCInMDC0(uint8(slot), pdh1, shell1.LD, pdh2, shell2.LD); err != nil {
		return 0, errors.Wrap(err, "pmd: mdc_alloc: record new MDC in MDC0")
	}

	// spec.md §4.F step 7: an empty MDC with no VERSION record just
	// forces its first compaction to add one; emit it now so a freshly
	// created slot starts with the same record mix a compacted one has.
	if mi.mdccver.AtLeast(cmn.V1_0_0_1) {
		var c codec
		buf, verr := c.packVersion(uint32(mi.mdccver.Major), uint32(mi.mdccver.Minor), uint32(mi.mdccver.Patch), uint32(mi.mdccver.Build))
		if verr == nil {
			mi.compact.Lock()
			verr = m.addrec(uint8(slot), mi, buf, true)
			mi.compact.Unlock()
		}
		if verr != nil {
			nlog.Errorf("pmd: mdc_alloc: slot %d version record: %v", slot, verr)
		}
	}

	if slot != 0 && m.selector != nil {
		free := m.selectorFreeSnapshot(devices)
		m.selector.updateCredit(free, m.excludedSlots())
	}

	m.tracker.IncMdcAlloc()
	return uint8(slot), nil
}

func (m *MDA) slotvcntUnsafe() int { return m.SlotVCnt() }

// pickLogPair implements the device-order-reversal detail restored from
// the original MDC allocator (SPEC_FULL §4.F): with an even number of
// live devices, successive pairs alternate which of the two candidate
// devices is picked first, so the active mlog of each MDC alternates
// between the first two live devices instead of always favoring the
// first as the "primary" half of the pair; devices beyond the first two
// live ones are never used for MDC logs. With an odd device count there's no even
// split to alternate against, so the order never reverses
// (original_source/src/pmd.c:2485-2495, "No need to reverse if the
// number of PDs is odd").
func (m *MDA) pickLogPair(newSlot int) (pdh1, pdh2 uint16, ok bool) {
	var live []uint16
	for i, d := range m.devices {
		if !d.Unavail {
			live = append(live, uint16(i))
		}
	}
	if len(live) < 2 {
		return 0, 0, false
	}
	pdcnt := len(live)
	reverse := pdcnt%2 == 0 && (newSlot*2/pdcnt)%2 == 1
	if reverse {
		return live[1], live[0], true
	}
	return live[0], live[1], true
}

// recordMDCInMDC0 appends the new MDC's two mlog layouts into MDC0 as
// ordinary committed objects (MDC0 is itself an MDC slot — spec.md §3
// "MDC0 is both the root catalog and the array's bootstrap MDC").
//
// spec.md §4.F step 5: log1 and log2 don't need to commit atomically —
// mdc0_validate cleans up a lone surviving mlog on the next activation
// or allocation — but if log2's commit fails here we don't wait for
// that later pass: we delete log1 immediately, durably, so replay never
// sees an odd one out (invariant 2, "every MDCi>0 has exactly two mlogs
// or none").
func (m *MDA) recordMDCInMDC0(slot uint8, pdh1 uint16, ld1 ecio.LayoutDesc, pdh2 uint16, ld2 ecio.LayoutDesc) error {
	mdc0 := m.slot(0)
	var c codec
	var log1 *Layout
	for i, ld := range []ecio.LayoutDesc{ld1, ld2} {
		objID := LogIDMake(uint64(2*int(slot)+i), 0)
		l := newLayout(objID, uuid.New(), ld, 0)
		l.state = StateCommitted

		// Only mark it committed in MDC0's tree once its OCREATE is
		// durable — a speculative insert ahead of the append would leave
		// this entry visible even though this record never made it into
		// the log, which is exactly the inconsistency step 5 exists to
		// avoid.
		buf, err := c.packOCreate(l)
		if err != nil {
			if i == 1 {
				m.rollbackMDCLog1(mdc0, log1)
			}
			return err
		}
		mdc0.compact.Lock()
		err = m.addrec(0, mdc0, buf, true)
		mdc0.compact.Unlock()
		if err != nil {
			if i == 1 {
				m.rollbackMDCLog1(mdc0, log1)
			}
			return err
		}

		mdc0.co.Lock()
		mdc0.committed.ReplaceOrInsert(l)
		mdc0.co.Unlock()
		if i == 0 {
			log1 = l
		}
	}
	return nil
}

// rollbackMDCLog1 durably deletes log1's just-committed registration
// entry in MDC0 after log2's commit failed, per recordMDCInMDC0's doc
// comment.
func (m *MDA) rollbackMDCLog1(mdc0 *MdcInfo, log1 *Layout) {
	var c codec
	mdc0.co.Lock()
	remove(mdc0.committed, log1.ObjID())
	mdc0.co.Unlock()

	buf, err := c.packODelete(log1.ObjID())
	if err != nil {
		nlog.Errorf("pmd: mdc_alloc: rollback objid 0x%x: pack odelete: %v", log1.ObjID(), err)
		return
	}
	mdc0.compact.Lock()
	err = m.addrec(0, mdc0, buf, true)
	mdc0.compact.Unlock()
	if err != nil {
		nlog.Errorf("pmd: mdc_alloc: rollback objid 0x%x: odelete append: %v", log1.ObjID(), err)
	}
}

// selectorFreeSnapshot gathers each live slot's free/cap estimate for
// selector.updateCredit; a slot's "free" is its allocated capacity
// minus its live (write) length — the same figures pre-compaction uses
// to decide need_compact.
func (m *MDA) selectorFreeSnapshot(_ []cmn.DeviceParms) map[uint8]slotFree {
	stats := make(map[uint8]slotFree)
	n := m.SlotVCnt()
	for i := 1; i < n; i++ {
		mi := m.slots[i]
		if mi == nil {
			continue
		}
		capB := uint64(mi.handle.CapBytes())
		fill := uint64(mi.handle.FillBytes())
		free := uint64(1)
		if capB > fill {
			free = capB - fill
		}
		stats[uint8(i)] = slotFree{free: free, cap: capB}
	}
	return stats
}
