// Package pmdtest provides in-memory fakes for pmd's SMAP/ECIO/MDC-log/
// SB collaborator interfaces (pmd/ports.go), so pmd's own tests can
// exercise every component without a real device or filesystem.
package pmdtest

import (
	"sync"

	"github.com/google/uuid"

	"github.com/mpool-io/pmd"
	"github.com/mpool-io/pmd/ecio"
	"github.com/mpool-io/pmd/mdclog"
	"github.com/mpool-io/pmd/sb"
	"github.com/mpool-io/pmd/smap"
)

// FakeSpace wraps a real smap.Pool — it's already an in-memory
// implementation, so there is nothing to fake beyond construction.
type FakeSpace struct{ *smap.Pool }

func NewFakeSpace() *FakeSpace { return &FakeSpace{Pool: smap.Init()} }

// FakeECIO is a deterministic in-memory ExtentEngine: allocation always
// succeeds against an unbounded address space per device, so tests can
// drive pmd's own retry/fallback logic by returning errors from a
// wrapped instance rather than from real exhaustion.
type FakeECIO struct {
	mu        sync.Mutex
	nextZAddr map[uint16]uint32
	zoneBytes uint64
	FailAlloc func(pdh uint16) bool // test hook: force LayoutAlloc failure
}

func NewFakeECIO(zoneBytes uint64) *FakeECIO {
	return &FakeECIO{nextZAddr: make(map[uint16]uint32), zoneBytes: zoneBytes}
}

func (e *FakeECIO) ZoneCount(capBytes uint64) uint32 {
	if capBytes == 0 {
		return 1
	}
	n := capBytes / e.zoneBytes
	if capBytes%e.zoneBytes != 0 {
		n++
	}
	return uint32(n)
}

func (e *FakeECIO) LayoutAlloc(pdh uint16, zcnt, _ uint32, _ smap.SpaceKind, mbLen uint64) (*ecio.Shell, error) {
	if e.FailAlloc != nil && e.FailAlloc(pdh) {
		return nil, errAllocFailed
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	zaddr := e.nextZAddr[pdh]
	e.nextZAddr[pdh] = zaddr + zcnt
	return &ecio.Shell{
		UUID:  uuid.New(),
		LD:    ecio.LayoutDesc{PDH: pdh, ZAddr: zaddr, ZCnt: zcnt},
		MbLen: mbLen,
	}, nil
}

func (e *FakeECIO) LayoutFree(uint16, ecio.LayoutDesc) error   { return nil }
func (e *FakeECIO) MlogErase(ecio.LayoutDesc) error            { return nil }
func (e *FakeECIO) MblockErase(ecio.LayoutDesc) error          { return nil }
func (e *FakeECIO) CapFromLayout(ld ecio.LayoutDesc) uint64    { return uint64(ld.ZCnt) * e.zoneBytes }

type allocFailedErr struct{}

func (allocFailedErr) Error() string { return "pmdtest: forced LayoutAlloc failure" }

var errAllocFailed = allocFailedErr{}

// FakeLogOpener opens real mdclog.Handle values — mdclog is already an
// in-memory rendering of the paired log, so "fake" here means "small
// capacity, deterministic" rather than a separate implementation.
type FakeLogOpener struct {
	CapBytes int
}

func NewFakeLogOpener(capBytes int) *FakeLogOpener { return &FakeLogOpener{CapBytes: capBytes} }

func (o *FakeLogOpener) Open(_, _ ecio.LayoutDesc) (pmd.PairedLog, error) {
	return mdclog.Open(o.CapBytes), nil
}

func (o *FakeLogOpener) OpenExisting(_, _ ecio.LayoutDesc, activeContents []byte) (pmd.PairedLog, error) {
	return mdclog.OpenExisting(o.CapBytes, activeContents), nil
}

// FakeSuperblock keeps one Image per device in memory, mirroring
// sb.Writer's on-disk semantics without touching a filesystem.
type FakeSuperblock struct {
	mu     sync.Mutex
	images map[uint16]*sb.Image
}

func NewFakeSuperblock() *FakeSuperblock {
	return &FakeSuperblock{images: make(map[uint16]*sb.Image)}
}

func (f *FakeSuperblock) WriteUpdate(pdh uint16, image *sb.Image) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *image
	f.images[pdh] = &cp
	return nil
}

func (f *FakeSuperblock) ReadSB0() (*sb.Image, error) { return f.Read(0) }

func (f *FakeSuperblock) Read(pdh uint16) (*sb.Image, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	img, ok := f.images[pdh]
	if !ok {
		return nil, errNoImage
	}
	cp := *img
	return &cp, nil
}

type noImageErr struct{}

func (noImageErr) Error() string { return "pmdtest: no superblock image for device" }

var errNoImage = noImageErr{}
