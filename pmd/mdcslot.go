package pmd

import (
	"sync"

	"github.com/google/btree"
	"github.com/pkg/errors"

	"github.com/mpool-io/pmd/cmn"
	"github.com/mpool-io/pmd/cmn/cos"
)

type pcoCounters struct {
	pccCr, pccUp, pccDel, pccEr uint64
	pccCobj                     uint64
	pccCap, pccLen              uint64
}

type mdcStats struct {
	mblockCnt, mlogCnt     uint64
	mblockAlen, mlogAlen   uint64
	mblockWlen             uint64
}

type creditInfo struct {
	slot   uint8
	free   uint64
	credit uint64
}

// MdcInfo is one MDC slot (spec.md §3 "MDC slot"). Locks follow the
// hierarchy in spec.md §5: compact > uq > co > unco > ref > stats.
type MdcInfo struct {
	handle PairedLog
	recbuf []byte

	compact sync.Mutex
	uq      sync.Mutex
	co      sync.RWMutex
	unco    sync.Mutex
	ref     sync.Mutex
	statsMu sync.Mutex

	committed   *btree.BTreeG[*Layout]
	uncommitted *btree.BTreeG[*Layout]

	luniq   uint64
	lckpt   uint64
	mdccver cmn.Version

	stats mdcStats
	pco   pcoCounters

	credit creditInfo

	open bool // slot has an opened MDC handle (need_compact requires cap>0)
}

func newMdcSlot() *MdcInfo {
	less := func(a, b *Layout) bool { return lessLayout(a, b) }
	return &MdcInfo{
		committed:   btree.NewG(32, less),
		uncommitted: btree.NewG(32, less),
	}
}

// insertUnique returns cos.ErrExists if objid is already present
// (spec.md §4.A "Insert returns duplicate if the key exists").
func insertUnique(t *btree.BTreeG[*Layout], l *Layout) error {
	if _, found := t.Get(l); found {
		return errors.Wrapf(cos.ErrExists, "objid 0x%x", l.ObjID())
	}
	t.ReplaceOrInsert(l)
	return nil
}

func lookup(t *btree.BTreeG[*Layout], objID uint64) (*Layout, bool) {
	probe := &Layout{objID: objID}
	return t.Get(probe)
}

func remove(t *btree.BTreeG[*Layout], objID uint64) (*Layout, bool) {
	probe := &Layout{objID: objID}
	return t.Delete(probe)
}

// MDA is the metadata array: the root of a pool's in-memory PMD state
// (spec.md §3 "MDA"). It owns MDCSlots slots, a growth lock, and the
// selector table.
type MDA struct {
	growMu   sync.Mutex // guards slot-count growth (spec.md §3 "a lock guarding slot-count growth")
	slotvMu  sync.Mutex // slotvlock: brief reads/writes of slotvcnt
	slots    [MDCSlots]*MdcInfo
	slotvcnt int

	// process-wide activation/alloc mutex (spec.md §5 item 1), modeled
	// as an RWMutex per Design Note §9. Only Close takes it (for write);
	// activation, MDC allocation and ordinary ops do not take it.
	activationLock sync.RWMutex

	// single-threaded MDC allocator mutex (spec.md §4.F)
	allocMu sync.Mutex

	selector  *selector
	mdsTblIdx uint64 // atomically advanced cursor into selector.tbl (alloc_idgen)

	pdvlock      sync.RWMutex // per-mpool device-list lock (spec.md §5 item 2)
	devices      []cmn.DeviceParms
	poolIdentity cmn.PoolIdentity
	sparePct     map[cmn.MediaClass]int

	space  SpaceMap
	ecio   ExtentEngine
	logs   LogOpener
	sbw    SuperblockWriter
	tracker TrackerObserver

	config *cmn.Config

	precompactCursor uint64
	precompactCancel func()
	teardownHooks    []func()
	teardownMu       sync.Mutex

	eraseOnce sync.Once
	eraseQ    *eraseWorkqueue
}

// TrackerObserver is the subset of stats.Tracker PMD calls into; kept
// as an interface so tests can run without a live Prometheus registry.
type TrackerObserver interface {
	SetCommitted(n int64)
	IncDeleted(slot string)
	IncCompaction(slot, outcome string)
	ObserveCompact(slot string, seconds float64)
	IncMdcAlloc()
	IncAllocRetry()
	IncLogFull(slot string)
}

// noopTracker satisfies TrackerObserver when the caller doesn't wire a
// real stats.Tracker (unit tests exercising pure PMD logic).
type noopTracker struct{}

func (noopTracker) SetCommitted(int64)               {}
func (noopTracker) IncDeleted(string)                 {}
func (noopTracker) IncCompaction(string, string)      {}
func (noopTracker) ObserveCompact(string, float64)    {}
func (noopTracker) IncMdcAlloc()                      {}
func (noopTracker) IncAllocRetry()                    {}
func (noopTracker) IncLogFull(string)                 {}

func (m *MDA) SlotVCnt() int {
	m.slotvMu.Lock()
	defer m.slotvMu.Unlock()
	return m.slotvcnt
}

func (m *MDA) setSlotVCnt(n int) {
	m.slotvMu.Lock()
	m.slotvcnt = n
	m.slotvMu.Unlock()
}

func (m *MDA) slot(i uint8) *MdcInfo { return m.slots[i] }

// SlotHandle returns slot i's currently open paired-log handle, or nil if
// the slot isn't live. Exists so a caller tearing a pool down for restart
// (or a test simulating one) can hand the same handles back to Activate.
func (m *MDA) SlotHandle(i uint8) PairedLog {
	mi := m.slots[i]
	if mi == nil {
		return nil
	}
	return mi.handle
}

// onTeardown registers a cleanup hook run in LIFO order by Close,
// restoring the spec's "synchronous cancel of delayed work on
// deactivation" without a kernel workqueue (SPEC_FULL §4.I).
func (m *MDA) onTeardown(fn func()) {
	m.teardownMu.Lock()
	m.teardownHooks = append(m.teardownHooks, fn)
	m.teardownMu.Unlock()
}

// Close runs teardown hooks (pre-compactor stop, erase-workqueue stop)
// in reverse registration order. It does not release SMAP.
func (m *MDA) Close() {
	m.activationLock.Lock()
	defer m.activationLock.Unlock()
	m.teardownMu.Lock()
	hooks := m.teardownHooks
	m.teardownHooks = nil
	m.teardownMu.Unlock()
	for i := len(hooks) - 1; i >= 0; i-- {
		hooks[i]()
	}
}
