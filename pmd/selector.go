package pmd

import "sync"

// selector implements spec.md §4.G: the MDC selector spreads newly
// allocated objects across slots by credit, and tells the pre-compactor
// which slots need compaction or growth.
//
// mds_tbl[MDCTBL_SZ] holds one slot index per table entry; alloc_idgen
// walks it round-robin (mdsTblIdx in the MDA) so that bursts of
// allocation interleave across slots instead of hammering one. update_credit
// rebuilds the table whenever a slot's free-space credit changes enough
// to shift its share of entries.
type selector struct {
	mu  sync.RWMutex
	tbl [MDCTblSize]uint8
}

// slotFree is one live (non-MDC0) slot's free/capacity snapshot, as fed
// to update_credit.
type slotFree struct {
	free uint64
	cap  uint64
}

func newSelector(slotvcnt int) *selector {
	s := &selector{}
	s.rebuildLocked(creditsForUniform(slotvcnt), nil)
	return s
}

// creditsForUniform seeds every live slot (1..slotvcnt-1; slot 0 is
// MDC0 and never receives user objects) with equal credit, used at
// activation before real free-space numbers are known.
func creditsForUniform(slotvcnt int) map[uint8]slotFree {
	stats := make(map[uint8]slotFree, slotvcnt)
	for i := 1; i < slotvcnt; i++ {
		stats[uint8(i)] = slotFree{free: 1, cap: 1}
	}
	if len(stats) == 0 {
		stats[0] = slotFree{free: 1, cap: 1} // degenerate: only MDC0 exists yet
	}
	return stats
}

// updateCredit implements spec.md §4.G update_credit: given each live
// slot's current free/cap snapshot and the set of slots to leave out of
// this rebuild (MDC0 plus the pre-compact cursor's exclusion window),
// drop anything left too close to full capacity, then recompute each
// survivor's share of mds_tbl entries proportional to free space.
func (s *selector) updateCredit(stats map[uint8]slotFree, excluded map[uint8]bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rebuildLocked(stats, excluded)
}

// freeFloorNum/freeFloorDen implement the "free capacity < 0.25% of cap"
// drop threshold (spec.md §4.G step 2) without floating point.
const (
	freeFloorNum = 25
	freeFloorDen = 10000
)

func (s *selector) rebuildLocked(stats map[uint8]slotFree, excluded map[uint8]bool) {
	type cand struct {
		slot uint8
		free uint64
	}
	cands := make([]cand, 0, len(stats))
	for slot, sf := range stats {
		if excluded[slot] {
			continue
		}
		if sf.cap > 0 && sf.free*freeFloorDen < sf.cap*freeFloorNum {
			continue
		}
		cands = append(cands, cand{slot: slot, free: sf.free})
	}
	if len(cands) == 0 {
		for i := range s.tbl {
			s.tbl[i] = 0
		}
		return
	}

	// Sort descending by free space; ties broken by ascending slot so the
	// table layout is deterministic from one rebuild to the next.
	for i := 0; i < len(cands); i++ {
		for j := i + 1; j < len(cands); j++ {
			swap := cands[j].free > cands[i].free
			if cands[j].free == cands[i].free && cands[j].slot < cands[i].slot {
				swap = true
			}
			if swap {
				cands[i], cands[j] = cands[j], cands[i]
			}
		}
	}
	// Cap the working set to MPOOL_MDC_SET_SZ (spec.md §4.G step 4): only
	// the roomiest few slots are worth crediting in any one rebuild.
	if len(cands) > MPoolMDCSetSize {
		cands = cands[:MPoolMDCSetSize]
	}

	var total uint64
	for _, c := range cands {
		total += c.free
	}
	if total == 0 {
		total = uint64(len(cands))
		for i := range cands {
			cands[i].free = 1
		}
	}

	// credits[i] is cands[i]'s proportional share of MDCTblSize entries;
	// the remainder left over by integer division is handed out
	// round-robin starting from the highest-free slot (spec.md §4.G
	// step 4 "distribute credits proportionally, remainder round-robin").
	credits := make([]int, len(cands))
	var assigned int
	for i, c := range cands {
		credits[i] = int(uint64(MDCTblSize) * c.free / total)
		assigned += credits[i]
	}
	for i := 0; assigned < MDCTblSize; i = (i + 1) % len(cands) {
		credits[i]++
		assigned++
	}

	// Interleave each slot's credits across the table instead of writing
	// one contiguous block per slot (spec.md §4.G step 5: "so each MDC's
	// slots are maximally spread" — a burst of allocations right after a
	// rebuild must not hammer a single MDC).
	remaining := append([]int(nil), credits...)
	idx := 0
	for idx < MDCTblSize {
		progressed := false
		for i, c := range cands {
			if remaining[i] <= 0 || idx >= MDCTblSize {
				continue
			}
			s.tbl[idx] = c.slot
			idx++
			remaining[i]--
			progressed = true
		}
		if !progressed {
			break
		}
	}
}

// mdcNeeded implements spec.md §4.G mdc_needed: the pool needs another
// MDC only when there's room to grow into, the fullest live slot has
// crossed the create-threshold fill ratio, AND the pool isn't simply
// sitting on reclaimable garbage (in which case compaction, not growth,
// is the fix).
func mdcNeeded(slotvcnt int, fullestFillPct, garbagePct, crtPctFull, crtPctGrbg float64) bool {
	return slotvcnt < MDCSlots && fullestFillPct > crtPctFull && garbagePct < crtPctGrbg
}

// needCompact implements spec.md §4.G need_compact: a slot needs
// compaction once it is both full enough AND carrying enough garbage
// that rewriting it is worthwhile — a full-but-clean log just hasn't
// been touched yet and compacting it would reclaim nothing.
func needCompact(fillPct, garbagePct, pcoPctFull, pcoPctGarbage float64) bool {
	return fillPct >= pcoPctFull && garbagePct >= pcoPctGarbage
}
