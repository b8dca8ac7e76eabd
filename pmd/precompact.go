package pmd

import (
	"sync/atomic"
	"time"

	"github.com/mpool-io/pmd/cmn/nlog"
)

// StartPrecompactor implements spec.md §4.I: a background task that
// periodically checks each live slot's need_compact and the pool-wide
// mdc_needed, launching compaction or MDC growth without blocking any
// foreground path. It is purely additive over the synchronous paths —
// every compaction it triggers goes through the same m.compact used by
// mdc_addrec on log-full. Stopped by MDA.Close via the teardown-hook
// chain (SPEC_FULL §4.I; grounded on space/cleanup.go's periodic parent
// jogger in the teacher).
func (m *MDA) StartPrecompactor() {
	period := time.Duration(m.config.Tunables.PcoPeriodSecs) * time.Second
	if period <= 0 {
		period = 60 * time.Second
	}
	stop := make(chan struct{})
	go m.precompactLoop(period, stop)
	m.onTeardown(func() { close(stop) })
}

func (m *MDA) precompactLoop(period time.Duration, stop chan struct{}) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.precompactTick()
		}
	}
}

// precompactTick walks live slots starting from a rotating cursor (so
// repeated ticks spread work evenly instead of always starting at slot
// 1), compacting whichever slots cross the fill/garbage thresholds,
// then checks whether the pool as a whole needs another MDC.
func (m *MDA) precompactTick() {
	n := m.SlotVCnt()
	if n <= 1 {
		return
	}
	live := n - 1 // slot 0 (MDC0) is never pre-compacted by this path
	cursor := int(atomic.AddUint64(&m.precompactCursor, 1) % uint64(live))

	for offset := 0; offset < live; offset++ {
		slot := uint8(((cursor+offset)%live)+1)
		mi := m.slot(slot)
		if mi == nil || !mi.open {
			continue
		}
		if m.slotNeedsCompact(mi) {
			mi.compact.Lock()
			err := m.compact(slot, mi)
			mi.compact.Unlock()
			if err != nil {
				nlog.Errorf("pmd: pre-compactor: slot %d compaction failed: %v", slot, err)
			}
		}
	}

	if m.poolNeedsGrowth() {
		if _, err := m.CreateMDC(); err != nil {
			nlog.Errorf("pmd: pre-compactor: mdc growth failed: %v", err)
		}
	}
}

// slotNeedsCompact implements spec.md §4.G need_compact for one slot:
// its log is filling up and enough of what it holds is garbage
// (deleted/superseded records never reclaimed since the last
// compaction); both thresholds must be crossed.
func (m *MDA) slotNeedsCompact(mi *MdcInfo) bool {
	mi.statsMu.Lock()
	fillPct := percentOf(uint64(mi.handle.FillBytes()), uint64(mi.handle.CapBytes()))
	var garbagePct float64
	if mi.pco.pccCr > mi.pco.pccCobj {
		garbagePct = percentOf(mi.pco.pccCr-mi.pco.pccCobj, mi.pco.pccCr)
	}
	mi.statsMu.Unlock()
	return needCompact(fillPct, garbagePct, m.config.Tunables.PcoPctFull, m.config.Tunables.PcoPctGarbage)
}

// poolNeedsGrowth implements spec.md §4.G mdc_needed: the fullest live
// slot's fill ratio against the create-threshold tunable, and the
// pool-wide garbage ratio against the garbage ceiling — growing into a
// pool that's merely full of reclaimable garbage would be wasted space
// that compaction should have freed instead.
func (m *MDA) poolNeedsGrowth() bool {
	n := m.SlotVCnt()
	var fullest float64
	var totalRec, totalGarbage uint64
	for i := 1; i < n; i++ {
		mi := m.slots[i]
		if mi == nil {
			continue
		}
		pct := percentOf(uint64(mi.handle.FillBytes()), uint64(mi.handle.CapBytes()))
		if pct > fullest {
			fullest = pct
		}
		mi.statsMu.Lock()
		totalRec += mi.pco.pccCr
		if mi.pco.pccCr > mi.pco.pccCobj {
			totalGarbage += mi.pco.pccCr - mi.pco.pccCobj
		}
		mi.statsMu.Unlock()
	}
	garbagePct := percentOf(totalGarbage, totalRec)
	return mdcNeeded(n, fullest, garbagePct, m.config.Tunables.CrtMdcPctFull, m.config.Tunables.CrtMdcPctGrbg)
}

// excludedSlots implements the exclusion half of spec.md §4.G
// update_credit step 1: MDC0 (never in the free-snapshot map to begin
// with) plus a window of pconbnoalloc+2 slots starting at the
// pre-compact cursor's current position, so update_credit never hands
// out fresh allocation credit to a slot the pre-compactor is about to
// (or just did) lock for compaction. When the window would cover every
// live slot, nothing is excluded and all of slots 1..n-1 stay eligible.
func (m *MDA) excludedSlots() map[uint8]bool {
	n := m.SlotVCnt()
	if n <= 1 {
		return nil
	}
	live := n - 1
	window := m.config.Tunables.PconBnoAlloc + 2
	if live <= window {
		return nil
	}
	cursor := int(atomic.LoadUint64(&m.precompactCursor) % uint64(live))
	excluded := make(map[uint8]bool, window)
	for offset := 0; offset < window && offset < live; offset++ {
		slot := uint8(((cursor+offset)%live) + 1)
		excluded[slot] = true
	}
	return excluded
}

func percentOf(v, total uint64) float64 {
	if total == 0 {
		return 0
	}
	return float64(v) / float64(total) * 100
}
