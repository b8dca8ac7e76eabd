// Package smap is the per-device zone allocator named only by interface
// in spec.md §1 ("SMAP"). PMD calls smap_insert/smap_alloc/smap_free and
// treats it as an opaque collaborator; this package gives that
// collaborator a concrete, in-process implementation so the module
// builds and runs end to end.
/*
 * Copyright (c) 2026 The mpool-io/pmd Authors.
 */
package smap

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/mpool-io/pmd/cmn/cos"
)

// SpaceKind distinguishes the usable pool from the spare-spillover
// region a device reserves (spec.md §4.E step 5).
type SpaceKind uint8

const (
	SpaceUsable SpaceKind = iota
	SpaceSpare
)

// device tracks free zones as a sorted run-length list; simple and
// sufficient at the zone-count granularity PMD operates at (thousands,
// not billions, of zones per device).
type device struct {
	zoneCount uint32
	spareFrom uint32 // zones >= spareFrom are the spare region
	free      []run  // free runs in the usable region, sorted by zaddr
	freeSpare []run  // free runs in the spare region
}

type run struct{ addr, cnt uint32 }

// Pool is one mpool's SMAP state: a zone allocator per device.
type Pool struct {
	mu      sync.Mutex
	devices map[uint16]*device
}

// Init mirrors smap_mpool_init: build an empty allocator for the pool,
// later populated by Insert calls from activation/replay.
func Init() *Pool {
	return &Pool{devices: make(map[uint16]*device)}
}

// Free mirrors smap_mpool_free: release all allocator state.
func (p *Pool) Free() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.devices = nil
}

// AddDevice registers pdh with zoneCount zones, sparePct of which are
// reserved as the spare-spillover region (spec.md §4.E step 5), and
// marks the whole device free.
func (p *Pool) AddDevice(pdh uint16, zoneCount uint32, sparePct int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	spareFrom := zoneCount - uint32(uint64(zoneCount)*uint64(sparePct)/100)
	d := &device{zoneCount: zoneCount, spareFrom: spareFrom}
	if spareFrom > 0 {
		d.free = []run{{0, spareFrom}}
	}
	if spareFrom < zoneCount {
		d.freeSpare = []run{{spareFrom, zoneCount - spareFrom}}
	}
	p.devices[pdh] = d
}

// Insert mirrors smap_insert: reserve [zaddr, zaddr+zcnt) as already in
// use, called during replay to reconstruct allocator state from
// committed layouts (spec.md §4.H step 6).
func (p *Pool) Insert(pdh uint16, zaddr, zcnt uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.devices[pdh]
	if !ok {
		return errors.Wrapf(cos.ErrInvalid, "smap: unknown device %d", pdh)
	}
	if zaddr < d.spareFrom {
		d.free = reserve(d.free, zaddr, zcnt)
	} else {
		d.freeSpare = reserve(d.freeSpare, zaddr, zcnt)
	}
	return nil
}

// Alloc mirrors smap_alloc: find zcnt contiguous zones aligned to align
// (rounded to a power of two by the caller per spec.md §4.E step 5).
func (p *Pool) Alloc(pdh uint16, zcnt uint32, kind SpaceKind, align uint32) (zaddr uint32, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.devices[pdh]
	if !ok {
		return 0, errors.Wrapf(cos.ErrInvalid, "smap: unknown device %d", pdh)
	}
	if align == 0 {
		align = 1
	}
	runs := &d.free
	if kind == SpaceSpare {
		runs = &d.freeSpare
	}
	for i, r := range *runs {
		start := alignUp(r.addr, align)
		end := start + zcnt
		if start < r.addr+r.cnt && end <= r.addr+r.cnt {
			*runs = consume(*runs, i, start, zcnt)
			return start, nil
		}
	}
	return 0, errors.Wrap(cos.ErrNoSpace, "smap: no contiguous free zones")
}

// Release mirrors smap_free: release [zaddr, zaddr+zcnt) back to its region.
func (p *Pool) Release(pdh uint16, zaddr, zcnt uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.devices[pdh]
	if !ok {
		return errors.Wrapf(cos.ErrInvalid, "smap: unknown device %d", pdh)
	}
	if zaddr < d.spareFrom {
		d.free = release(d.free, zaddr, zcnt)
	} else {
		d.freeSpare = release(d.freeSpare, zaddr, zcnt)
	}
	return nil
}

func alignUp(v, align uint32) uint32 {
	if align <= 1 {
		return v
	}
	rem := v % align
	if rem == 0 {
		return v
	}
	return v + (align - rem)
}

func reserve(runs []run, zaddr, zcnt uint32) []run {
	out := runs[:0:0]
	for _, r := range runs {
		if zaddr+zcnt <= r.addr || zaddr >= r.addr+r.cnt {
			out = append(out, r)
			continue
		}
		if r.addr < zaddr {
			out = append(out, run{r.addr, zaddr - r.addr})
		}
		if zaddr+zcnt < r.addr+r.cnt {
			out = append(out, run{zaddr + zcnt, r.addr + r.cnt - zaddr - zcnt})
		}
	}
	return out
}

func consume(runs []run, idx int, start, zcnt uint32) []run {
	r := runs[idx]
	out := append([]run{}, runs[:idx]...)
	if r.addr < start {
		out = append(out, run{r.addr, start - r.addr})
	}
	if start+zcnt < r.addr+r.cnt {
		out = append(out, run{start + zcnt, r.addr + r.cnt - start - zcnt})
	}
	out = append(out, runs[idx+1:]...)
	return out
}

func release(runs []run, zaddr, zcnt uint32) []run {
	out := append([]run{}, runs...)
	out = append(out, run{zaddr, zcnt})
	return mergeRuns(out)
}

func mergeRuns(runs []run) []run {
	if len(runs) < 2 {
		return runs
	}
	for i := 0; i < len(runs); i++ {
		for j := i + 1; j < len(runs); j++ {
			if runs[i].addr > runs[j].addr {
				runs[i], runs[j] = runs[j], runs[i]
			}
		}
	}
	out := runs[:1]
	for _, r := range runs[1:] {
		last := &out[len(out)-1]
		if last.addr+last.cnt == r.addr {
			last.cnt += r.cnt
			continue
		}
		out = append(out, r)
	}
	return out
}
