package pmd

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/mpool-io/pmd/cmn"
	"github.com/mpool-io/pmd/cmn/cos"
	"github.com/mpool-io/pmd/cmn/nlog"
	"github.com/mpool-io/pmd/ecio"
	"github.com/mpool-io/pmd/omf"
)

// replayWorkers bounds the parallel slot-replay worker pool when the
// config's objloadjobs tunable is not positive (spec.md
// §4.H "replay is embarrassingly parallel across slots once MDC0's
// membership is known").
const replayWorkers = 8

// SlotHandles maps a live slot index (0 == MDC0) to its already-opened
// paired log. Discovering which device holds which MDC's mlog pair and
// opening it is ECIO/MDC-log's job (spec.md §1 names both as
// interface-only collaborators); PMD's own activation scope begins at
// "replay records into the in-memory tree."
type SlotHandles map[uint8]PairedLog

// Activate implements spec.md §4.H: replay MDC0 first and alone (every
// other slot's existence is itself a record inside MDC0, so nothing
// else can start until MDC0's membership is known), validate it, then
// replay the remaining live slots concurrently.
func Activate(cfg *cmn.Config, handles SlotHandles, space SpaceMap, ecio ExtentEngine, logs LogOpener, sbw SuperblockWriter, tracker TrackerObserver) (*MDA, error) {
	if tracker == nil {
		tracker = noopTracker{}
	}
	m := &MDA{
		space: space, ecio: ecio, logs: logs, sbw: sbw, tracker: tracker,
		config:       cfg,
		devices:      append([]cmn.DeviceParms(nil), cfg.Devices...),
		poolIdentity: cfg.Pool,
		sparePct:     sparePctFromConfig(cfg),
	}

	mdc0Handle, ok := handles[0]
	if !ok {
		return nil, errors.Wrap(cos.ErrInvalid, "pmd: activate: no handle for MDC0")
	}
	mdc0 := newMdcSlot()
	mdc0.handle = mdc0Handle
	mdc0.mdccver = cmn.MetaverPMDLatest
	mdc0.open = true
	m.slots[0] = mdc0
	m.setSlotVCnt(1)

	if err := m.replaySlot(0, mdc0); err != nil {
		return nil, errors.Wrap(err, "pmd: activate: MDC0 replay")
	}
	slotvcnt, err := m.mdc0Validate(mdc0, true)
	if err != nil {
		return nil, err
	}
	mdc0.uq.Lock()
	mdc0.luniq = uint64(slotvcnt - 1)
	mdc0.uq.Unlock()

	g, _ := errgroup.WithContext(context.Background())
	jobs := replayWorkers
	if cfg.Tunables.ObjLoadJobs > 0 {
		jobs = cfg.Tunables.ObjLoadJobs
	}
	g.SetLimit(jobs)
	for slot := uint8(1); slot < uint8(slotvcnt); slot++ {
		slot := slot
		h, ok := handles[slot]
		if !ok {
			return nil, errors.Wrapf(cos.ErrInvalid, "pmd: activate: no handle for MDC slot %d named by MDC0", slot)
		}
		mi := newMdcSlot()
		mi.handle = h
		mi.mdccver = cmn.MetaverPMDLatest
		mi.open = true
		m.slots[slot] = mi
		g.Go(func() error {
			if err := m.replaySlot(slot, mi); err != nil {
				return err
			}
			// spec.md §4.H step 6: "set luniq = uniq(lckpt) + OBJID_UNIQ_DELTA
			// - 1 so next id issued will force an OIDCKPT".
			mi.uq.Lock()
			mi.luniq = ObjIDUniq(mi.lckpt) + ObjIDUniqDelta - 1
			mi.uq.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, errors.Wrap(err, "pmd: activate: slot replay")
	}
	m.setSlotVCnt(slotvcnt)

	m.selector = newSelector(m.SlotVCnt())
	if free := m.selectorFreeSnapshot(m.devices); len(free) > 0 {
		m.selector.updateCredit(free, m.excludedSlots())
	}
	return m, nil
}

func sparePctFromConfig(cfg *cmn.Config) map[cmn.MediaClass]int {
	out := make(map[cmn.MediaClass]int, len(cfg.SparePct))
	for name, pct := range cfg.SparePct {
		switch name {
		case "capacity":
			out[cmn.MediaCapacity] = pct
		case "staging":
			out[cmn.MediaStaging] = pct
		}
	}
	return out
}

// replaySlot implements spec.md §4.H step 3: rewind the slot's log,
// walk every framed record, and apply it to {committed, luniq, lckpt}
// (and, for slot 0, the pool's device/spare/identity config).
func (m *MDA) replaySlot(slot uint8, mi *MdcInfo) error {
	if err := mi.handle.Rewind(); err != nil {
		return errors.Wrap(err, "rewind")
	}
	buf := make([]byte, 0, mi.handle.CapBytes())
	chunk := make([]byte, 4096)
	for {
		n, err := mi.handle.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			break // io.EOF or any other terminal read condition ends replay
		}
	}

	var c codec
	recs, err := c.splitRecords(buf)
	if err != nil {
		return err
	}

	var devices []cmn.DeviceParms
	sparePct := make(map[cmn.MediaClass]int)
	var identity *cmn.PoolIdentity
	var maxUniq uint64

	for _, raw := range recs {
		rec, err := c.unpack(raw)
		if err != nil {
			return errors.Wrap(err, "replay: unpack")
		}
		switch v := rec.(type) {
		case omf.Version:
			mi.mdccver = cmn.Version{Major: int(v.Major), Minor: int(v.Minor), Patch: int(v.Patch), Build: int(v.Build)}
		case omf.OCreate:
			if _, dup := lookup(mi.committed, v.ObjID); dup {
				return errors.Wrapf(cos.ErrInternal, "replay: slot %d: duplicate ocreate for objid 0x%x", slot, v.ObjID)
			}
			l := newLayout(v.ObjID, parseUUIDOrNil(v.UUID), ecio.LayoutDesc{PDH: v.PDH, ZAddr: v.ZAddr, ZCnt: v.ZCnt}, v.MbLen)
			l.gen = v.Gen
			l.state = StateCommitted
			mi.committed.ReplaceOrInsert(l)
			if u := ObjIDUniq(v.ObjID); u > maxUniq {
				maxUniq = u
			}
		case omf.ODelete:
			if _, found := remove(mi.committed, v.ObjID); !found {
				return errors.Wrapf(cos.ErrInternal, "replay: slot %d: odelete for unknown objid 0x%x", slot, v.ObjID)
			}
			if u := ObjIDUniq(v.ObjID); u > maxUniq {
				maxUniq = u
			}
		case omf.OIDCkpt:
			prevUniq := ObjIDUniq(mi.lckpt)
			newUniq := ObjIDUniq(v.ObjID)
			if !(prevUniq == 0 && newUniq == 0) && newUniq <= prevUniq {
				return errors.Wrapf(cos.ErrInternal, "replay: slot %d: oidckpt uniq %d not strictly greater than %d", slot, newUniq, prevUniq)
			}
			mi.lckpt = v.ObjID
			if u := ObjIDUniq(v.ObjID); u > maxUniq {
				maxUniq = u
			}
		case omf.OErase:
			l, ok := lookup(mi.committed, v.ObjID)
			if !ok {
				return errors.Wrapf(cos.ErrInternal, "replay: slot %d: oerase for unknown objid 0x%x", slot, v.ObjID)
			}
			if v.Gen <= l.gen {
				return errors.Wrapf(cos.ErrInternal, "replay: slot %d: oerase gen %d not greater than layout gen %d for objid 0x%x", slot, v.Gen, l.gen, v.ObjID)
			}
			l.gen = v.Gen
		case omf.OUpdate:
			if l, ok := lookup(mi.committed, v.ObjID); ok {
				l.gen = v.Gen
				l.mblen = v.MbLen
			}
		case omf.MCConfig:
			devices = append(devices, cmn.DeviceParms{
				UUID: v.UUID, Path: v.Path, Class: cmn.MediaClass(v.Class),
				ZoneBytes: v.ZoneBytes, ZoneCount: v.ZoneCount, Unavail: v.Unavail,
			})
		case omf.MCSpare:
			sparePct[cmn.MediaClass(v.Class)] = int(v.Percent)
		case omf.MPConfig:
			identity = &cmn.PoolIdentity{Name: v.PoolName, UUID: v.PoolUUID}
		}
	}

	mi.uq.Lock()
	if maxUniq > mi.luniq {
		mi.luniq = maxUniq
	}
	mi.uq.Unlock()

	// spec.md §4.H step 6: "insert each object into SMAP (reserve its
	// zones) and update stats" — SMAP itself isn't durable, so every
	// surviving committed layout's extent must be re-reserved here;
	// deleted/aborted layouts were never inserted into mi.committed
	// above, so they're simply absent from this walk.
	mi.co.RLock()
	mi.committed.Ascend(func(l *Layout) bool {
		ld := l.LD()
		if err2 := m.space.Insert(ld.PDH, ld.ZAddr, ld.ZCnt); err2 != nil {
			nlog.Errorf("pmd: replay: smap_insert slot=%d objid=0x%x: %v", slot, l.ObjID(), err2)
		}
		m.updateAllocStats(mi, l.Type(), m.ecio.CapFromLayout(ld))
		return true
	})
	mi.co.RUnlock()

	if slot == 0 {
		m.pdvlock.Lock()
		if len(devices) > 0 {
			m.devices = devices
		}
		if len(sparePct) > 0 {
			m.sparePct = sparePct
		}
		if identity != nil {
			m.poolIdentity = *identity
		}
		m.pdvlock.Unlock()
	}
	return nil
}

// mdc0Validate implements spec.md §4.H/§4.F mdc0_validate: MDC0's
// committed map holds nothing but every live MDC's own paired-log mlog
// pair (two entries per MDC index, keyed by uniq>>1); slotvcnt itself
// is derived from that set, not tracked separately. Each MDCi with
// i < max must have exactly two entries; a short count at max is the
// residue of a crash mid mdc_alloc (spec.md §4.F step 8) — this is
// cleaned up by deleting whichever of the pair's two mlogs exist, in
// both activation and allocator (CreateMDC) callers, matching
// original_source/'s `pmd_mdc0_validate` which attempts the same
// delete regardless of mode and differs only in whether a delete
// failure is fatal: tolerated during activation, fatal for the
// allocator (a failed cleanup there would let two callers race for
// the same slot).
func (m *MDA) mdc0Validate(mdc0 *MdcInfo, activation bool) (slotvcnt int, err error) {
	if m.poolIdentity.Name == "" || m.poolIdentity.UUID == "" {
		return 0, errors.Wrap(cos.ErrInvalid, "pmd: mdc0_validate: missing pool identity")
	}
	lcnt := make(map[int]int)
	var maxIdx int
	var walkErr error
	mdc0.co.RLock()
	mdc0.committed.Ascend(func(l *Layout) bool {
		objID := l.ObjID()
		if !IsMDC0MlogObjID(objID) {
			walkErr = errors.Wrapf(cos.ErrInternal, "pmd: mdc0_validate: objid 0x%x is not an MDC mlog entry", objID)
			return false
		}
		idx := int(ObjIDUniq(objID) >> 1)
		lcnt[idx]++
		if idx > maxIdx {
			maxIdx = idx
		}
		return true
	})
	mdc0.co.RUnlock()
	if walkErr != nil {
		return 0, walkErr
	}
	if len(lcnt) == 0 {
		return 0, errors.Wrap(cos.ErrInvalid, "pmd: mdc0_validate: MDC0 names no MDCs")
	}
	for i := 0; i < maxIdx; i++ {
		if lcnt[i] != 2 {
			return 0, errors.Wrapf(cos.ErrInternal, "pmd: mdc0_validate: MDC %d does not own exactly two mlogs", i)
		}
	}
	if lcnt[maxIdx] != 2 {
		// max is residue from an allocator crash between log1's commit
		// and publication (spec.md §4.F step 8).
		if delErr := m.mdc0DeleteResidue(mdc0, maxIdx); delErr != nil {
			if !activation {
				return 0, errors.Wrap(delErr, "pmd: mdc0_validate: residue cleanup")
			}
			nlog.Errorf("pmd: mdc0_validate: residue cleanup at MDC %d: %v", maxIdx, delErr)
		}
		return maxIdx, nil
	}
	return maxIdx + 1, nil
}

// mdc0DeleteResidue removes whichever of MDC index idx's two paired-log
// registration entries are present in MDC0's committed map, logging an
// ODELETE for each (spec.md §4.F mdc0_validate clean-up branch).
func (m *MDA) mdc0DeleteResidue(mdc0 *MdcInfo, idx int) error {
	var c codec
	var firstErr error
	for i := 0; i < 2; i++ {
		objID := LogIDMake(uint64(2*idx+i), 0)
		mdc0.co.Lock()
		_, ok := lookup(mdc0.committed, objID)
		if ok {
			remove(mdc0.committed, objID)
		}
		mdc0.co.Unlock()
		if !ok {
			continue
		}
		buf, err := c.packODelete(objID)
		if err == nil {
			mdc0.compact.Lock()
			err = m.addrec(0, mdc0, buf, true)
			mdc0.compact.Unlock()
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func parseUUIDOrNil(s string) uuid.UUID {
	parsed, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil
	}
	return parsed
}
