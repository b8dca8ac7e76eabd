package pmd

import (
	"github.com/mpool-io/pmd/ecio"
	"github.com/mpool-io/pmd/sb"
	"github.com/mpool-io/pmd/smap"
)

// SpaceMap is the SMAP collaborator (spec.md §6 "To SMAP").
type SpaceMap interface {
	Insert(pdh uint16, zaddr, zcnt uint32) error
	Alloc(pdh uint16, zcnt uint32, kind smap.SpaceKind, align uint32) (uint32, error)
	Release(pdh uint16, zaddr, zcnt uint32) error
}

// ExtentEngine is the ECIO collaborator (spec.md §6 "To ECIO").
type ExtentEngine interface {
	ZoneCount(capBytes uint64) uint32
	LayoutAlloc(pdh uint16, zcnt, align uint32, kind smap.SpaceKind, mbLen uint64) (*ecio.Shell, error)
	LayoutFree(pdh uint16, ld ecio.LayoutDesc) error
	MlogErase(ld ecio.LayoutDesc) error
	MblockErase(ld ecio.LayoutDesc) error
	CapFromLayout(ld ecio.LayoutDesc) uint64
}

// PairedLog is one opened MDC log handle (spec.md §6 "To MDC log").
type PairedLog interface {
	Close() error
	Rewind() error
	Read(p []byte) (int, error)
	Append(p []byte, sync bool) error
	CStart() error
	CEnd() error
	FillBytes() int
	CapBytes() int
	// Reopen implements spec.md §4.D's compaction retry step "on every
	// retry except the first, re-open the paired log first": discard
	// whatever in-flight cstart/cend state the failed attempt left
	// behind before the next compactOnce begins.
	Reopen() error
}

// LogOpener opens/creates a paired log for a given pair of mlog layouts;
// the factory indirection is what lets tests substitute an in-memory
// fake without dragging device geometry into the test harness.
type LogOpener interface {
	Open(log1, log2 ecio.LayoutDesc) (PairedLog, error)
	OpenExisting(log1, log2 ecio.LayoutDesc, activeContents []byte) (PairedLog, error)
}

// SuperblockWriter is the SB collaborator (spec.md §6 "To SB").
type SuperblockWriter interface {
	WriteUpdate(pdh uint16, image *sb.Image) error
	ReadSB0() (*sb.Image, error)
}
