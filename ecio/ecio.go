// Package ecio is the extent-I/O collaborator named only by interface in
// spec.md §1 ("ECIO"): layout allocation, erase, and size queries. PMD
// calls layout_alloc/layout_free/mblock_erase/mlog_erase against it.
/*
 * Copyright (c) 2026 The mpool-io/pmd Authors.
 */
package ecio

import (
	"github.com/google/uuid"

	"github.com/mpool-io/pmd/smap"
)

// LayoutDesc is the device/zone-range portion of an in-memory Layout
// (spec.md §3 "ld"); pmd.Layout embeds this rather than duplicating it.
type LayoutDesc struct {
	PDH   uint16
	ZAddr uint32
	ZCnt  uint32
}

// Shell is the freshly built layout handed back by LayoutAlloc before
// PMD fills in objid/state/refcnt.
type Shell struct {
	UUID  uuid.UUID
	LD    LayoutDesc
	Gen   uint64
	MbLen uint64
}

// Engine adapts one pool's device geometry to zone math and defers the
// actual zone reservation to smap.Pool.
type Engine struct {
	ZonePageBytes uint64 // zonepg * page_size
	Space         *smap.Pool
}

func NewEngine(zonePageBytes uint64, space *smap.Pool) *Engine {
	return &Engine{ZonePageBytes: zonePageBytes, Space: space}
}

// ZoneCount implements spec.md §4.E step 4: ceil(cap / zone_bytes), or 1
// if cap is unspecified.
func (e *Engine) ZoneCount(capBytes uint64) uint32 {
	if capBytes == 0 {
		return 1
	}
	n := capBytes / e.ZonePageBytes
	if capBytes%e.ZonePageBytes != 0 {
		n++
	}
	return uint32(n)
}

// LayoutAlloc reserves zcnt zones on pdh (at the given alignment, in the
// requested space kind) and returns a fresh layout shell.
func (e *Engine) LayoutAlloc(pdh uint16, zcnt, align uint32, kind smap.SpaceKind, mbLen uint64) (*Shell, error) {
	zaddr, err := e.Space.Alloc(pdh, zcnt, kind, align)
	if err != nil {
		return nil, err
	}
	return &Shell{
		UUID:  uuid.New(),
		LD:    LayoutDesc{PDH: pdh, ZAddr: zaddr, ZCnt: zcnt},
		MbLen: mbLen,
	}, nil
}

// LayoutFree releases a shell's zones back to smap; used when an alloc
// is unwound (duplicate objid on insert — spec.md §4.E step 8).
func (e *Engine) LayoutFree(pdh uint16, ld LayoutDesc) error {
	return e.Space.Release(pdh, ld.ZAddr, ld.ZCnt)
}

// MlogErase and MblockErase are best-effort device-side erasures; in this
// in-process rendering there is no physical media to scrub, so both are
// no-ops beyond validating the descriptor — kept as distinct entry points
// because spec.md §4.E/§7 treats their failure-reporting differently
// (mlog erase failure is advisory, mblock erase failure is logged).
func (*Engine) MlogErase(LayoutDesc) error   { return nil }
func (*Engine) MblockErase(LayoutDesc) error { return nil }

// CapFromLayout returns the allocated byte capacity of a layout.
func (e *Engine) CapFromLayout(ld LayoutDesc) uint64 {
	return uint64(ld.ZCnt) * e.ZonePageBytes
}
