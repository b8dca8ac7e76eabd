package pmd_test

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mpool-io/pmd"
	"github.com/mpool-io/pmd/cmn"
	"github.com/mpool-io/pmd/ecio"
	"github.com/mpool-io/pmd/mdclog"
	"github.com/mpool-io/pmd/pmd/pmdtest"
)

func testConfig() *cmn.Config {
	return &cmn.Config{
		Pool: cmn.PoolIdentity{Name: "testpool", UUID: "pool-uuid-1"},
		Devices: []cmn.DeviceParms{
			{UUID: "dev0", Path: "/dev/d0", Class: cmn.MediaCapacity, ZoneBytes: 4096, ZoneCount: 4096, Align: 1},
			{UUID: "dev1", Path: "/dev/d1", Class: cmn.MediaCapacity, ZoneBytes: 4096, ZoneCount: 4096, Align: 1},
		},
		SparePct: map[string]int{"capacity": 10, "staging": 10},
		Tunables: cmn.DefaultTunables(),
	}
}

type harness struct {
	space *pmdtest.FakeSpace
	ecio  *pmdtest.FakeECIO
	logs  *pmdtest.FakeLogOpener
	sbw   *pmdtest.FakeSuperblock
}

func newHarness() *harness {
	space := pmdtest.NewFakeSpace()
	space.AddDevice(0, 4096, 10)
	space.AddDevice(1, 4096, 10)
	return &harness{
		space: space,
		ecio:  pmdtest.NewFakeECIO(4096),
		logs:  pmdtest.NewFakeLogOpener(1 << 20),
		sbw:   pmdtest.NewFakeSuperblock(),
	}
}

func bootstrapPool(t *testing.T) (*pmd.MDA, *harness) {
	t.Helper()
	h := newHarness()
	m, err := pmd.Bootstrap(testConfig(), h.space, h.ecio, h.logs, h.sbw, nil)
	require.NoError(t, err)
	return m, h
}

func TestBootstrapCreatesMDC0(t *testing.T) {
	m, _ := bootstrapPool(t)
	require.Equal(t, 1, m.SlotVCnt())
}

func TestAllocCommitFindGetPut(t *testing.T) {
	m, _ := bootstrapPool(t)

	_, err := m.CreateMDC() // slot 1, so user objects have somewhere to land
	require.NoError(t, err)

	l, err := m.Alloc(pmd.AllocArgs{OType: pmd.ObjTypeMblock, CapBytes: 4096, Class: cmn.MediaCapacity})
	require.NoError(t, err)
	require.NoError(t, m.Commit(l))

	got, err := m.FindGet(l.Slot(), l.ObjID())
	require.NoError(t, err)
	require.Equal(t, l.ObjID(), got.ObjID())
	require.True(t, got.State().Has(pmd.StateCommitted))
	m.Put(got)
}

func TestAllocAbortDoesNotCommit(t *testing.T) {
	m, _ := bootstrapPool(t)
	_, err := m.CreateMDC()
	require.NoError(t, err)

	l, err := m.Alloc(pmd.AllocArgs{OType: pmd.ObjTypeMlog, CapBytes: 4096, Class: cmn.MediaCapacity})
	require.NoError(t, err)
	require.NoError(t, m.Abort(l))

	_, err = m.FindGet(l.Slot(), l.ObjID())
	require.Error(t, err)
}

func TestCommitThenDeleteRemovesFromCommitted(t *testing.T) {
	m, _ := bootstrapPool(t)
	_, err := m.CreateMDC()
	require.NoError(t, err)

	l, err := m.Alloc(pmd.AllocArgs{OType: pmd.ObjTypeMblock, CapBytes: 4096, Class: cmn.MediaCapacity})
	require.NoError(t, err)
	require.NoError(t, m.Commit(l))
	require.NoError(t, m.Delete(l))

	_, err = m.FindGet(l.Slot(), l.ObjID())
	require.Error(t, err)
}

func TestCreateMDCGrowsSlotCount(t *testing.T) {
	m, _ := bootstrapPool(t)
	require.Equal(t, 1, m.SlotVCnt())

	slot, err := m.CreateMDC()
	require.NoError(t, err)
	require.EqualValues(t, 1, slot)
	require.Equal(t, 2, m.SlotVCnt())
}

func TestActivateReplaysBootstrappedPool(t *testing.T) {
	m, h := bootstrapPool(t)
	_, err := m.CreateMDC()
	require.NoError(t, err)

	l, err := m.Alloc(pmd.AllocArgs{OType: pmd.ObjTypeMblock, CapBytes: 4096, Class: cmn.MediaCapacity})
	require.NoError(t, err)
	require.NoError(t, m.Commit(l))

	// A real restart would reopen each slot's paired log from its last
	// on-disk contents; the fakes keep that state in the mdclog handles
	// bootstrap/CreateMDC already produced, so Activate can reuse them
	// directly rather than round-tripping through a filesystem.
	handles := pmd.SlotHandles{}
	for slot := uint8(0); slot < uint8(m.SlotVCnt()); slot++ {
		handles[slot] = m.SlotHandle(slot)
	}

	m2, err := pmd.Activate(testConfig(), handles, h.space, h.ecio, h.logs, h.sbw, nil)
	require.NoError(t, err)
	require.Equal(t, m.SlotVCnt(), m2.SlotVCnt())

	got, err := m2.FindGet(l.Slot(), l.ObjID())
	require.NoError(t, err)
	require.Equal(t, l.ObjID(), got.ObjID())
	m2.Put(got)
}

func handlesOf(t *testing.T, m *pmd.MDA) pmd.SlotHandles {
	t.Helper()
	handles := pmd.SlotHandles{}
	for slot := uint8(0); slot < uint8(m.SlotVCnt()); slot++ {
		handles[slot] = m.SlotHandle(slot)
	}
	return handles
}

// TestOIDCkptSurvivesCrash covers spec.md §8 boundary case 1: an
// allocation run that lands exactly on an OIDCKPT boundary, crash, then
// confirm the restarted pool never reuses a uniq handed out before the
// crash (it must instead skip a whole OBJID_UNIQ_DELTA window forward,
// per Activate's luniq-from-lckpt recovery).
func TestOIDCkptSurvivesCrash(t *testing.T) {
	m, h := bootstrapPool(t)
	_, err := m.CreateMDC()
	require.NoError(t, err)

	var lastObjID uint64
	for i := 0; i < pmd.ObjIDUniqDelta; i++ {
		l, err := m.Alloc(pmd.AllocArgs{OType: pmd.ObjTypeMblock, CapBytes: 4096, Class: cmn.MediaCapacity})
		require.NoError(t, err)
		lastObjID = l.ObjID()
	}
	require.Zero(t, pmd.ObjIDUniq(lastObjID)%pmd.ObjIDUniqDelta,
		"this run should end exactly on the checkpoint boundary")

	m2, err := pmd.Activate(testConfig(), handlesOf(t, m), h.space, h.ecio, h.logs, h.sbw, nil)
	require.NoError(t, err)

	l2, err := m2.Alloc(pmd.AllocArgs{OType: pmd.ObjTypeMblock, CapBytes: 4096, Class: cmn.MediaCapacity})
	require.NoError(t, err)
	require.Greater(t, pmd.ObjIDUniq(l2.ObjID()), pmd.ObjIDUniq(lastObjID),
		"post-crash allocation must never reuse a uniq handed out before the crash")
}

// TestAllocNoCommitLostOnCrash covers spec.md §8 scenario 3: an object
// allocated but never committed must not survive a crash/restart — only
// committed state is durable.
func TestAllocNoCommitLostOnCrash(t *testing.T) {
	m, h := bootstrapPool(t)
	_, err := m.CreateMDC()
	require.NoError(t, err)

	l, err := m.Alloc(pmd.AllocArgs{OType: pmd.ObjTypeMblock, CapBytes: 4096, Class: cmn.MediaCapacity})
	require.NoError(t, err)

	m2, err := pmd.Activate(testConfig(), handlesOf(t, m), h.space, h.ecio, h.logs, h.sbw, nil)
	require.NoError(t, err)

	_, err = m2.FindGet(l.Slot(), l.ObjID())
	require.Error(t, err, "an object never committed before a crash must not survive replay")
}

// TestDeleteSurvivesCrash covers spec.md §8 scenario 4: a committed
// object that is then deleted must replay as gone, not reappear as
// committed, after a crash/restart.
func TestDeleteSurvivesCrash(t *testing.T) {
	m, h := bootstrapPool(t)
	_, err := m.CreateMDC()
	require.NoError(t, err)

	l, err := m.Alloc(pmd.AllocArgs{OType: pmd.ObjTypeMblock, CapBytes: 4096, Class: cmn.MediaCapacity})
	require.NoError(t, err)
	require.NoError(t, m.Commit(l))
	require.NoError(t, m.Delete(l))

	m2, err := pmd.Activate(testConfig(), handlesOf(t, m), h.space, h.ecio, h.logs, h.sbw, nil)
	require.NoError(t, err)

	_, err = m2.FindGet(l.Slot(), l.ObjID())
	require.Error(t, err, "a deleted object must replay as deleted, not reappear as committed")
}

// countingTracker is a minimal TrackerObserver that only counts
// successful compactions, for tests that need to observe that one
// happened without a live Prometheus registry.
type countingTracker struct {
	mu          sync.Mutex
	compactions int
}

func (c *countingTracker) SetCommitted(int64)          {}
func (c *countingTracker) IncDeleted(string)           {}
func (c *countingTracker) ObserveCompact(string, float64) {}
func (c *countingTracker) IncMdcAlloc()                {}
func (c *countingTracker) IncAllocRetry()              {}
func (c *countingTracker) IncLogFull(string)           {}
func (c *countingTracker) IncCompaction(_, outcome string) {
	if outcome != "ok" {
		return
	}
	c.mu.Lock()
	c.compactions++
	c.mu.Unlock()
}

// TestCommitTriggersCompactionOnLogFull covers spec.md §8 scenario 5:
// repeatedly committing into a small log must eventually hit
// cos.ErrLogFull inside addrec and transparently compact before
// retrying the append, rather than surfacing the error to the caller.
// Each object is deleted after its commit so the log accumulates records
// that compaction can drop; 64 live objects would not fit a 2048-byte
// log even after compaction.
func TestCommitTriggersCompactionOnLogFull(t *testing.T) {
	space := pmdtest.NewFakeSpace()
	space.AddDevice(0, 4096, 10)
	space.AddDevice(1, 4096, 10)
	tracker := &countingTracker{}
	m, err := pmd.Bootstrap(testConfig(), space, pmdtest.NewFakeECIO(4096), pmdtest.NewFakeLogOpener(2048), pmdtest.NewFakeSuperblock(), tracker)
	require.NoError(t, err)
	_, err = m.CreateMDC()
	require.NoError(t, err)

	for i := 0; i < 64; i++ {
		l, err := m.Alloc(pmd.AllocArgs{OType: pmd.ObjTypeMblock, CapBytes: 4096, Class: cmn.MediaCapacity})
		require.NoError(t, err)
		require.NoError(t, m.Commit(l))
		require.NoError(t, m.Delete(l))
	}

	tracker.mu.Lock()
	n := tracker.compactions
	tracker.mu.Unlock()
	require.Greater(t, n, 0, "repeatedly committing into a small log must trigger at least one compaction")
}

// flakyLog wraps a real mdclog.Handle and, once armed, fails the Nth
// Append call after arming rather than writing it — used to simulate a
// crash between recordMDCInMDC0's two mlog commits.
type flakyLog struct {
	*mdclog.Handle
	armed  int32
	failAt int32
	count  int32
}

func (f *flakyLog) Append(p []byte, sync bool) error {
	if atomic.LoadInt32(&f.armed) == 1 {
		if atomic.AddInt32(&f.count, 1) == atomic.LoadInt32(&f.failAt) {
			return errors.New("pmd_test: injected append failure")
		}
	}
	return f.Handle.Append(p, sync)
}

// instrumentedOpener hands back a flakyLog for the very first Open call
// (MDC0's, made by Bootstrap) and ordinary fakes for every call after,
// so a test can arm a fault against MDC0's log specifically once
// bootstrap has already finished seeding it.
type instrumentedOpener struct {
	inner  *pmdtest.FakeLogOpener
	mdc0   *flakyLog
	opened int
}

func (o *instrumentedOpener) Open(l1, l2 ecio.LayoutDesc) (pmd.PairedLog, error) {
	o.opened++
	if o.opened == 1 {
		o.mdc0 = &flakyLog{Handle: mdclog.Open(o.inner.CapBytes)}
		return o.mdc0, nil
	}
	return o.inner.Open(l1, l2)
}

func (o *instrumentedOpener) OpenExisting(l1, l2 ecio.LayoutDesc, activeContents []byte) (pmd.PairedLog, error) {
	return o.inner.OpenExisting(l1, l2, activeContents)
}

// TestMDCAllocRollsBackLog1WhenLog2CommitFails covers spec.md §8
// scenario 6: a crash between committing an MDC's two paired-log
// registrations in MDC0. log1's OCREATE must be rolled back (a durable
// ODELETE) rather than left as the lone surviving half of the pair.
func TestMDCAllocRollsBackLog1WhenLog2CommitFails(t *testing.T) {
	space := pmdtest.NewFakeSpace()
	space.AddDevice(0, 4096, 10)
	space.AddDevice(1, 4096, 10)
	opener := &instrumentedOpener{inner: pmdtest.NewFakeLogOpener(1 << 20)}

	m, err := pmd.Bootstrap(testConfig(), space, pmdtest.NewFakeECIO(4096), opener, pmdtest.NewFakeSuperblock(), nil)
	require.NoError(t, err)
	require.NotNil(t, opener.mdc0)

	// Arm the fault now that bootstrap's own MDC0 seeding is done: fail
	// the second append CreateMDC makes to MDC0's log, which is log2's
	// OCREATE (the first is log1's, which must succeed and then get
	// rolled back).
	atomic.StoreInt32(&opener.mdc0.failAt, 2)
	atomic.StoreInt32(&opener.mdc0.armed, 1)

	_, err = m.CreateMDC()
	require.Error(t, err, "mdc_alloc must fail when the new MDC's second mlog can't be registered")
	atomic.StoreInt32(&opener.mdc0.armed, 0)

	_, err = m.FindGet(0, pmd.LogIDMake(2, 0))
	require.Error(t, err, "log1's registration must be rolled back when log2's commit fails")
	_, err = m.FindGet(0, pmd.LogIDMake(3, 0))
	require.Error(t, err, "log2 was never committed in the first place")
}
