package pmd

import (
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/mpool-io/pmd/cmn"
)

// compact implements spec.md §4.D: rewrite the slot's current live state
// into the inactive member of the paired log, then atomically cut over.
// The caller must hold mi.compact for the whole call (spec.md §4.D
// "Locking").
func (m *MDA) compact(slot uint8, mi *MdcInfo) error {
	start := time.Now()
	var lastErr error
	for attempt := 0; attempt < MDCCompactRetryDefault; attempt++ {
		if attempt > 0 {
			if err := mi.handle.Reopen(); err != nil {
				lastErr = errors.Wrap(err, "reopen")
				continue
			}
		}
		if err := m.compactOnce(slot, mi); err != nil {
			lastErr = err
			continue
		}
		m.tracker.IncCompaction(strconv.Itoa(int(slot)), "ok")
		m.tracker.ObserveCompact(strconv.Itoa(int(slot)), time.Since(start).Seconds())
		return nil
	}
	m.tracker.IncCompaction(strconv.Itoa(int(slot)), "failed")
	return errors.Wrapf(lastErr, "pmd: compaction of slot %d failed after %d retries (fatal)", slot, MDCCompactRetryDefault)
}

func (m *MDA) compactOnce(slot uint8, mi *MdcInfo) error {
	if err := mi.handle.CStart(); err != nil {
		return errors.Wrap(err, "cstart")
	}

	var c codec
	if mi.mdccver.AtLeast(cmn.V1_0_0_1) {
		buf, err := c.packVersion(uint32(mi.mdccver.Major), uint32(mi.mdccver.Minor), uint32(mi.mdccver.Patch), uint32(mi.mdccver.Build))
		if err != nil {
			return err
		}
		if err := m.addrec(slot, mi, buf, false); err != nil {
			return errors.Wrap(err, "version record")
		}
	}

	if slot == 0 {
		if err := m.emitMDC0Props(mi); err != nil {
			return err
		}
	} else {
		buf, err := c.packOIDCkpt(mi.lckpt)
		if err != nil {
			return err
		}
		if err := m.addrec(slot, mi, buf, false); err != nil {
			return errors.Wrap(err, "oidckpt record")
		}
	}

	// An MDC's own paired-log registration entries (the slot-0 mlogs
	// naming it in MDC0's committed map) are never rewritten as OCREATE
	// here, for MDC0's own compaction same as any other slot's: they are
	// reconstructed by mdc_alloc committing them once at MDC-create time,
	// not by this walk.
	var compacted, total int
	var walkErr error
	mi.co.RLock()
	mi.committed.Ascend(func(l *Layout) bool {
		total++
		if IsMDC0MlogObjID(l.ObjID()) {
			return true
		}
		buf, err := c.packOCreate(l)
		if err != nil {
			walkErr = err
			return false
		}
		if err := m.addrec(slot, mi, buf, false); err != nil {
			walkErr = errors.Wrap(err, "ocreate record")
			return false
		}
		compacted++
		return true
	})
	mi.co.RUnlock()
	if walkErr != nil {
		return walkErr
	}

	if err := mi.handle.CEnd(); err != nil {
		return errors.Wrap(err, "cend")
	}

	if slot != 0 {
		m.preCompactReset(mi, uint64(compacted))
	}
	_ = total
	return nil
}

// emitMDC0Props implements spec.md §4.D step 3 for i==0: one MCCONFIG
// per non-defunct device, one MCSPARE per media class that has a
// device, one MPCONFIG for pool config. Appends are no-sync, relying on
// the caller's enclosing cstart/cend bracket to flush (compaction's
// per-record sync would be redundant work repeated on every record).
func (m *MDA) emitMDC0Props(mi *MdcInfo) error {
	return m.logMDC0Props(func(buf []byte) error {
		return m.addrec(0, mi, buf, false)
	})
}

// seedMDC0Props durably appends MDC0's initial device/spare/pool-config
// records into the freshly-created, still-empty active log at pool
// bootstrap, outside of any compaction cycle (see Bootstrap's doc
// comment for why compaction itself can't be used here).
func (m *MDA) seedMDC0Props(mi *MdcInfo) error {
	return m.logMDC0Props(func(buf []byte) error {
		return m.addrec(0, mi, buf, true)
	})
}

func (m *MDA) logMDC0Props(emit func(buf []byte) error) error {
	var c codec
	m.pdvlock.RLock()
	devices := append([]cmn.DeviceParms(nil), m.devices...)
	sparePct := make(map[cmn.MediaClass]int, len(m.sparePct))
	for k, v := range m.sparePct {
		sparePct[k] = v
	}
	identity := m.poolIdentity
	m.pdvlock.RUnlock()

	classesSeen := make(map[cmn.MediaClass]bool)
	for _, d := range devices {
		if d.Unavail {
			continue
		}
		classesSeen[d.Class] = true
		buf, err := c.packMCConfig(cmcconfig{
			UUID: d.UUID, Path: d.Path, Class: uint8(d.Class),
			ZoneBytes: d.ZoneBytes, ZoneCount: d.ZoneCount, Unavail: d.Unavail,
		})
		if err != nil {
			return err
		}
		if err := emit(buf); err != nil {
			return errors.Wrap(err, "mcconfig record")
		}
	}
	for class := range classesSeen {
		pct := sparePct[class]
		buf, err := c.packMCSpare(uint8(class), uint32(pct))
		if err != nil {
			return err
		}
		if err := emit(buf); err != nil {
			return errors.Wrap(err, "mcspare record")
		}
	}
	buf, err := c.packMPConfig(identity.Name, identity.UUID)
	if err != nil {
		return err
	}
	return errors.Wrap(emit(buf), "mpconfig record")
}

// preCompactReset implements spec.md §4.D step 6: after compacting
// slot i>0, pcc_cr = pcc_cobj = compacted, pcc_up = pcc_del = pcc_er = 0.
func (m *MDA) preCompactReset(mi *MdcInfo, compacted uint64) {
	mi.statsMu.Lock()
	mi.pco.pccCr = compacted
	mi.pco.pccCobj = compacted
	mi.pco.pccUp = 0
	mi.pco.pccDel = 0
	mi.pco.pccEr = 0
	mi.pco.pccLen = uint64(mi.handle.FillBytes())
	mi.pco.pccCap = uint64(mi.handle.CapBytes())
	mi.statsMu.Unlock()
}
