package pmd

import (
	"math/bits"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/mpool-io/pmd/cmn"
	"github.com/mpool-io/pmd/cmn/cos"
	"github.com/mpool-io/pmd/ecio"
	"github.com/mpool-io/pmd/smap"
)

// AllocArgs parameterizes obj_alloc/obj_realloc (spec.md §4.E).
type AllocArgs struct {
	OType      ObjType
	CapBytes   uint64
	Class      cmn.MediaClass
	BestEffort bool
	Spare      bool
	ReallocID  uint64 // non-zero: caller supplies the objid (realloc)
}

const (
	allocMaxTries        = 1024
	allocMaxTriesFallback = 8
	allocWaitMinMicros   = 128
	allocWaitMaxMicros   = 256
	allocDrainEvery      = 8 // drain the erase workqueue every 1/8th retry
)

// Alloc implements spec.md §4.E obj_alloc (and, when args.ReallocID != 0,
// obj_realloc).
func (m *MDA) Alloc(args AllocArgs) (*Layout, error) {
	if args.OType != ObjTypeMblock && args.OType != ObjTypeMlog {
		return nil, errors.Wrap(cos.ErrInvalid, "pmd: obj_alloc: bad object type")
	}
	var slot uint8
	var objID uint64
	if args.ReallocID != 0 {
		slot = ObjIDSlot(args.ReallocID)
		if slot == 0 {
			return nil, errors.Wrap(cos.ErrInvalid, "pmd: obj_realloc: slot 0 is reserved")
		}
		mi := m.slot(slot)
		mi.uq.Lock()
		ok := ObjIDUniq(args.ReallocID) <= mi.luniq
		mi.uq.Unlock()
		if !ok {
			return nil, errors.Wrap(cos.ErrInvalid, "pmd: obj_realloc: uniq beyond luniq")
		}
		objID = args.ReallocID
	} else {
		var err error
		objID, slot, err = m.allocIdgen(args.OType)
		if err != nil {
			return nil, err
		}
	}

	shell, ld, err := m.allocZones(args)
	if err != nil {
		return nil, err
	}

	mi := m.slot(slot)
	l := newLayout(objID, shell.UUID, ld, shell.MbLen)
	mi.unco.Lock()
	if args.ReallocID != 0 {
		mi.co.RLock()
		_, inCommitted := lookup(mi.committed, objID)
		mi.co.RUnlock()
		if inCommitted {
			mi.unco.Unlock()
			m.ecio.LayoutFree(ld.PDH, ld)
			return nil, errors.Wrap(cos.ErrExists, "pmd: obj_realloc: objid already committed")
		}
	}
	insErr := insertUnique(mi.uncommitted, l)
	mi.unco.Unlock()
	if insErr != nil {
		m.ecio.LayoutFree(ld.PDH, ld)
		return nil, insErr
	}

	m.updateAllocStats(mi, args.OType, shell.MbLen)
	return l, nil
}

func (m *MDA) allocZones(args AllocArgs) (*ecio.Shell, ecio.LayoutDesc, error) {
	classes := m.classFallbackOrder(args.Class, args.BestEffort)
	maxTries := allocMaxTries
	if args.BestEffort {
		maxTries = allocMaxTriesFallback
	}
	zcnt := m.ecio.ZoneCount(args.CapBytes)

	var lastErr error
	for _, class := range classes {
		m.pdvlock.RLock()
		pdh, align, ok := m.pickDevice(class)
		m.pdvlock.RUnlock()
		if !ok {
			lastErr = errors.Wrapf(cos.ErrDeviceUnavailable, "pmd: no device in class %s", class)
			continue
		}
		if zcnt < align {
			align = zcnt
		}
		align = nextPow2(align)

		kind := smap.SpaceUsable
		if args.Spare {
			kind = smap.SpaceSpare
		}
		wait := time.Duration(allocWaitMinMicros) * time.Microsecond
		for try := 0; try < maxTries; try++ {
			shell, err := m.ecio.LayoutAlloc(pdh, zcnt, align, kind, args.CapBytes)
			if err == nil {
				return shell, shell.LD, nil
			}
			lastErr = err
			m.tracker.IncAllocRetry()
			if try%allocDrainEvery == allocDrainEvery-1 {
				m.drainErase()
			}
			time.Sleep(wait)
			if wait < time.Duration(allocWaitMaxMicros)*time.Microsecond {
				wait *= 2
			}
		}
		if !args.BestEffort {
			break
		}
	}
	return nil, ecio.LayoutDesc{}, errors.Wrap(lastErr, "pmd: obj_alloc: zone allocation exhausted")
}

// classFallbackOrder implements spec.md §4.E step 3: try the primary
// class; if best-effort was requested, fall back to subsequent classes.
func (m *MDA) classFallbackOrder(primary cmn.MediaClass, bestEffort bool) []cmn.MediaClass {
	if !bestEffort {
		return []cmn.MediaClass{primary}
	}
	order := []cmn.MediaClass{primary}
	for c := cmn.MediaClass(0); c < cmn.NumMediaClasses; c++ {
		if c != primary {
			order = append(order, c)
		}
	}
	return order
}

// pickDevice selects mc.pdmc — the first available device in class, in
// device order — under the caller's held pdvlock.
func (m *MDA) pickDevice(class cmn.MediaClass) (pdh uint16, align uint32, ok bool) {
	for i, d := range m.devices {
		if d.Unavail || d.Class != class {
			continue
		}
		return uint16(i), d.Align, true
	}
	return 0, 0, false
}

func nextPow2(v uint32) uint32 {
	if v <= 1 {
		return 1
	}
	return 1 << bits.Len32(v-1)
}

func (m *MDA) updateAllocStats(mi *MdcInfo, otype ObjType, capBytes uint64) {
	mi.statsMu.Lock()
	defer mi.statsMu.Unlock()
	switch otype {
	case ObjTypeMblock:
		mi.stats.mblockCnt++
		mi.stats.mblockAlen += capBytes
	case ObjTypeMlog:
		mi.stats.mlogCnt++
		mi.stats.mlogAlen += capBytes
	}
}

func (m *MDA) undoAllocStats(mi *MdcInfo, otype ObjType, capBytes uint64) {
	mi.statsMu.Lock()
	defer mi.statsMu.Unlock()
	switch otype {
	case ObjTypeMblock:
		mi.stats.mblockCnt--
		mi.stats.mblockAlen -= capBytes
	case ObjTypeMlog:
		mi.stats.mlogCnt--
		mi.stats.mlogAlen -= capBytes
	}
}

// Commit implements spec.md §4.E obj_commit.
func (m *MDA) Commit(l *Layout) error {
	l.WLock()
	defer l.WUnlock()

	if l.Type() != ObjTypeMblock && l.Type() != ObjTypeMlog {
		return errors.Wrap(cos.ErrInvalid, "pmd: obj_commit: not a user object")
	}
	if l.state.Has(StateCommitted) {
		return nil // idempotent
	}

	slot := l.Slot()
	mi := m.slot(slot)
	mi.compact.Lock()
	defer mi.compact.Unlock()

	var c codec
	buf, err := c.packOCreate(l)
	if err != nil {
		return err
	}
	if err := m.addrec(slot, mi, buf, true); err != nil {
		return errors.Wrap(err, "pmd: obj_commit: ocreate append")
	}

	mi.unco.Lock()
	_, _ = remove(mi.uncommitted, l.ObjID())
	mi.unco.Unlock()

	mi.co.Lock()
	if _, exists := lookup(mi.committed, l.ObjID()); exists {
		mi.co.Unlock()
		mi.unco.Lock()
		l.state = StateUncommitted
		mi.uncommitted.ReplaceOrInsert(l)
		mi.unco.Unlock()
		return errors.Wrap(cos.ErrInternal, "pmd: obj_commit: duplicate in committed map (log now inconsistent)")
	}
	l.state = StateCommitted
	mi.committed.ReplaceOrInsert(l)
	mi.co.Unlock()

	mi.statsMu.Lock()
	mi.stats.mblockWlen += l.mblen
	mi.pco.pccCr++
	mi.pco.pccCobj++
	mi.statsMu.Unlock()

	m.tracker.SetCommitted(m.liveCommittedTotal())
	return nil
}

// Abort implements spec.md §4.E obj_abort (uncommitted only).
func (m *MDA) Abort(l *Layout) error {
	l.WLock()
	defer l.WUnlock()
	if l.state.Has(StateCommitted) {
		return errors.Wrap(cos.ErrInvalid, "pmd: obj_abort: already committed")
	}
	if l.refcnt > 2 {
		return errors.Wrap(cos.ErrInvalid, "pmd: obj_abort: refcnt too high")
	}
	if l.isdel {
		return errors.Wrap(cos.ErrInvalid, "pmd: obj_abort: already deleted")
	}
	l.refcnt = 0
	l.isdel = true
	l.state |= StateRemoved

	slot := l.Slot()
	mi := m.slot(slot)
	mi.unco.Lock()
	remove(mi.uncommitted, l.ObjID())
	mi.unco.Unlock()

	m.undoAllocStats(mi, l.Type(), l.mblen)
	m.enqueueErase(l)
	return nil
}

// Delete implements spec.md §4.E obj_delete (committed only).
func (m *MDA) Delete(l *Layout) error {
	l.WLock()
	defer l.WUnlock()
	slot := l.Slot()
	mi := m.slot(slot)

	mi.compact.Lock()
	defer mi.compact.Unlock()
	mi.ref.Lock()
	if l.refcnt > 2 || l.isdel {
		mi.ref.Unlock()
		return errors.Wrap(cos.ErrInvalid, "pmd: obj_delete: refcnt too high or already deleted")
	}
	l.isdel = true
	l.state |= StateRemoved
	mi.ref.Unlock()

	var c codec
	buf, err := c.packODelete(l.ObjID())
	if err != nil {
		return err
	}
	if err := m.addrec(slot, mi, buf, true); err != nil {
		mi.ref.Lock()
		l.isdel = false
		l.state &^= StateRemoved
		mi.ref.Unlock()
		return errors.Wrap(err, "pmd: obj_delete: odelete append")
	}

	mi.co.Lock()
	remove(mi.committed, l.ObjID())
	mi.co.Unlock()

	m.undoAllocStats(mi, l.Type(), l.mblen)
	mi.statsMu.Lock()
	mi.pco.pccDel++
	mi.pco.pccCobj--
	mi.statsMu.Unlock()
	m.tracker.IncDeleted(slotLabel(slot))
	m.tracker.SetCommitted(m.liveCommittedTotal())

	m.enqueueErase(l)
	return nil
}

// Erase implements spec.md §4.E obj_erase (mlog only, bumps generation).
func (m *MDA) Erase(l *Layout, gen uint64) error {
	l.WLock()
	defer l.WUnlock()
	if l.Type() != ObjTypeMlog {
		return errors.Wrap(cos.ErrInvalid, "pmd: obj_erase: not an mlog")
	}
	if !l.state.Has(StateCommitted) || l.state.Has(StateRemoved) {
		return errors.Wrap(cos.ErrInvalid, "pmd: obj_erase: not committed or already removed")
	}
	if gen <= l.gen {
		return errors.Wrap(cos.ErrInvalid, "pmd: obj_erase: gen not increasing")
	}

	if IsMDC0MlogObjID(l.ObjID()) {
		if err := m.mdc0MetaUpdate(l.ObjID(), gen); err != nil {
			return err
		}
		l.gen = gen
		return nil
	}

	slot := l.Slot()
	mi := m.slot(slot)
	mi.compact.Lock()
	defer mi.compact.Unlock()

	var c codec
	buf, err := c.packOErase(l.ObjID(), gen)
	if err != nil {
		return err
	}
	if err := m.addrec(slot, mi, buf, true); err != nil {
		return errors.Wrap(err, "pmd: obj_erase: oerase append")
	}
	l.gen = gen
	mi.statsMu.Lock()
	mi.pco.pccEr++
	mi.statsMu.Unlock()
	return nil
}

// Get implements spec.md §4.E obj_get: fails if isdel, else increments.
func (m *MDA) Get(l *Layout) error {
	slot := l.Slot()
	mi := m.slot(slot)
	mi.ref.Lock()
	defer mi.ref.Unlock()
	if l.isdel {
		return errors.Wrap(cos.ErrInvalid, "pmd: obj_get: deleted")
	}
	l.refcnt++
	return nil
}

// Put implements spec.md §4.E obj_put: decrements if refcnt>1 and not del.
func (m *MDA) Put(l *Layout) {
	slot := l.Slot()
	mi := m.slot(slot)
	mi.ref.Lock()
	defer mi.ref.Unlock()
	if l.refcnt > 1 && !l.isdel {
		l.refcnt--
	}
}

// FindGet implements spec.md §4.E obj_find_get.
func (m *MDA) FindGet(slot uint8, objID uint64) (*Layout, error) {
	mi := m.slot(slot)
	mi.co.RLock()
	l, ok := lookup(mi.committed, objID)
	mi.co.RUnlock()
	if !ok {
		mi.unco.Lock()
		l, ok = lookup(mi.uncommitted, objID)
		mi.unco.Unlock()
	}
	if !ok {
		return nil, errors.Wrap(cos.ErrNotFound, "pmd: obj_find_get")
	}
	if err := m.Get(l); err != nil {
		return nil, err
	}
	return l, nil
}

func (m *MDA) liveCommittedTotal() int64 {
	var total int64
	n := m.SlotVCnt()
	for i := 0; i < n; i++ {
		mi := m.slots[i]
		if mi == nil {
			continue
		}
		mi.co.RLock()
		total += int64(mi.committed.Len())
		mi.co.RUnlock()
	}
	return total
}

func slotLabel(slot uint8) string {
	return strconv.Itoa(int(slot))
}

// --- id generation (spec.md §4.E "Id generation (alloc_idgen)") ---

// allocIdgen follows spec.md §5's lock hierarchy, compact outer, uq
// inner ("uq mutex... may be taken while holding compact"): the common
// case (no checkpoint due) only ever takes uq, but once a checkpoint
// write is needed it drops uq, takes compact, then re-takes uq nested
// inside it — re-checking luniq in case another caller raced this slot
// to the same checkpoint boundary in between.
func (m *MDA) allocIdgen(otype ObjType) (objID uint64, slot uint8, err error) {
	idx := atomic.AddUint64(&m.mdsTblIdx, 1) % uint64(MDCTblSize)
	m.selector.mu.RLock()
	slot = m.selector.tbl[idx]
	m.selector.mu.RUnlock()

	mi := m.slot(slot)
	for {
		mi.uq.Lock()
		newUniq := mi.luniq + 1
		newID := MakeObjID(newUniq, otype, slot)
		if !ObjIDCkpt(newID) {
			mi.luniq = newUniq
			mi.uq.Unlock()
			return newID, slot, nil
		}
		mi.uq.Unlock()

		mi.compact.Lock()
		mi.uq.Lock()
		if mi.luniq != newUniq-1 {
			// Another allocator advanced luniq past this boundary first;
			// retry from scratch with the now-current luniq.
			mi.uq.Unlock()
			mi.compact.Unlock()
			continue
		}
		var c codec
		buf, perr := c.packOIDCkpt(newID)
		if perr == nil {
			perr = m.addrec(slot, mi, buf, true)
		}
		if perr != nil {
			mi.uq.Unlock()
			mi.compact.Unlock()
			return 0, 0, errors.Wrap(perr, "pmd: alloc_idgen: oidckpt append")
		}
		mi.lckpt = newID
		mi.luniq = newUniq
		mi.uq.Unlock()
		mi.compact.Unlock()
		return newID, slot, nil
	}
}
