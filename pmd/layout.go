package pmd

import (
	"sync"

	"github.com/google/uuid"

	"github.com/mpool-io/pmd/ecio"
)

// LayoutState is a bitset over {uncommitted, committed, removed}
// (spec.md §3 "state").
type LayoutState uint8

const (
	StateUncommitted LayoutState = 1 << iota
	StateCommitted
	StateRemoved
)

func (s LayoutState) Has(bit LayoutState) bool { return s&bit != 0 }

// Layout is the in-memory representation of one mblock or mlog
// (spec.md §3 "Layout"). It carries its own reader/writer lock
// (rwlock); callers take it for the duration of a state transition.
//
// interface guard-style accessors mirror the teacher's core.CT: plain
// getters, no surprises, so callers never reach into the fields directly.
type Layout struct {
	rwlock sync.RWMutex

	objID  uint64
	uuid   uuid.UUID
	ld     ecio.LayoutDesc
	gen    uint64
	state  LayoutState
	refcnt int32
	isdel  bool
	mblen  uint64
}

func newLayout(objID uint64, u uuid.UUID, ld ecio.LayoutDesc, mblen uint64) *Layout {
	return &Layout{objID: objID, uuid: u, ld: ld, mblen: mblen, state: StateUncommitted, refcnt: 1}
}

func (l *Layout) ObjID() uint64        { return l.objID }
func (l *Layout) UUID() uuid.UUID      { return l.uuid }
func (l *Layout) LD() ecio.LayoutDesc  { return l.ld }
func (l *Layout) Gen() uint64          { return l.gen }
func (l *Layout) State() LayoutState   { return l.state }
func (l *Layout) Refcnt() int32        { return l.refcnt }
func (l *Layout) IsDel() bool          { return l.isdel }
func (l *Layout) MbLen() uint64        { return l.mblen }
func (l *Layout) Slot() uint8          { return ObjIDSlot(l.objID) }
func (l *Layout) Type() ObjType        { return ObjIDType(l.objID) }
func (l *Layout) Uniq() uint64         { return ObjIDUniq(l.objID) }

func (l *Layout) RLock()   { l.rwlock.RLock() }
func (l *Layout) RUnlock() { l.rwlock.RUnlock() }
func (l *Layout) WLock()   { l.rwlock.Lock() }
func (l *Layout) WUnlock() { l.rwlock.Unlock() }

// lessLayout orders layouts by objid for the committed/uncommitted btrees,
// giving §4.A's "iteration in objid order" directly from the tree walk.
func lessLayout(a, b *Layout) bool { return a.objID < b.objID }
