// Package mdclog implements the paired-mlog log named only by interface
// in spec.md §1 ("MDC log"): open/close/rewind/read/append/cstart/cend
// over a pair of mlogs with active/standby semantics. PMD's compaction
// engine (§4.D) and append path (§4.C) are the only callers.
/*
 * Copyright (c) 2026 The mpool-io/pmd Authors.
 */
package mdclog

import (
	"io"
	"sync"

	"github.com/pkg/errors"

	"github.com/mpool-io/pmd/cmn/cos"
)

// DefaultLogCapBytes bounds a single mlog's fill before Append reports
// cos.ErrLogFull and the caller (pmd's mdc_addrec) triggers a compaction.
const DefaultLogCapBytes = 1 << 20 // 1MiB, recommend-sized like the spec's other constants

// log is one physical mlog: an append-only byte buffer plus a read cursor
// used during replay.
type log struct {
	buf    []byte
	cursor int
	capB   int
}

func newLog(capB int) *log { return &log{capB: capB} }

func (l *log) append(p []byte) error {
	if len(l.buf)+len(p) > l.capB {
		return errors.Wrap(cos.ErrLogFull, "mdclog: mlog full")
	}
	l.buf = append(l.buf, p...)
	return nil
}

func (l *log) rewind() { l.cursor = 0 }

func (l *log) read(p []byte) (int, error) {
	if l.cursor >= len(l.buf) {
		return 0, io.EOF
	}
	n := copy(p, l.buf[l.cursor:])
	l.cursor += n
	return n, nil
}

// Handle is an opened paired log: one active (read target, and append
// target outside of compaction), one standby. target always points at
// whichever log Append currently writes to — the active log normally,
// the standby log between CStart and CEnd — mirroring the real paired
// log, where callers never see the redirection.
type Handle struct {
	mu            sync.Mutex
	active, stand *log
	target        *log
	compacting    bool
	closed        bool
}

// Open mirrors mdc log open(): two already-allocated mlog extents become
// one active/standby pair. In this in-process rendering "already
// allocated" just means "already have backing logs"; a genuinely fresh
// MDC starts both empty.
func Open(capBytes int) *Handle {
	if capBytes <= 0 {
		capBytes = DefaultLogCapBytes
	}
	h := &Handle{active: newLog(capBytes), stand: newLog(capBytes)}
	h.target = h.active
	return h
}

// OpenExisting reopens a handle whose active log already carries
// persisted records (activation replay source, or a compacted log that
// was never closed).
func OpenExisting(capBytes int, activeContents []byte) *Handle {
	h := Open(capBytes)
	h.active.buf = append([]byte(nil), activeContents...)
	return h
}

func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

// Rewind resets the active log's read cursor to the beginning, as
// activation does before walking records (spec.md §4.H step 3).
func (h *Handle) Rewind() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.active.rewind()
	return nil
}

// Read pulls the next chunk from the active log; io.EOF at end of log.
func (h *Handle) Read(p []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.active.read(p)
}

// Append writes to the current target: the active log in steady state,
// or the standby log while a compaction is in flight between CStart and
// CEnd (spec.md §4.C/§4.D — compaction's record emission is an ordinary
// no-sync append, it just lands somewhere else).
func (h *Handle) Append(p []byte, _ bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return errors.New("mdclog: append on closed handle")
	}
	return h.target.append(p)
}

// CStart mirrors mdc.cstart(): reset the inactive (standby) log, return
// its write pointer to zero, and redirect Append to it (spec.md §4.D
// step 1).
func (h *Handle) CStart() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stand = newLog(h.active.capB)
	h.target = h.stand
	h.compacting = true
	return nil
}

// CEnd mirrors mdc.cend(): flush the standby log and atomically swap
// active/standby, reclaiming the old active log (spec.md §4.D step 5).
func (h *Handle) CEnd() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.active, h.stand = h.stand, h.active
	h.stand.buf = h.stand.buf[:0]
	h.stand.cursor = 0
	h.target = h.active
	h.compacting = false
	return nil
}

// FillBytes and CapBytes expose the active log's size for pre-compaction
// counters (pcc_len, pcc_cap) without leaking the log's internal layout.
func (h *Handle) FillBytes() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.active.buf)
}

func (h *Handle) CapBytes() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.active.capB
}

// Reopen implements spec.md §4.D's compaction retry step "on every
// retry except the first, re-open the paired log first": drop whatever
// cstart/cend state the failed attempt left mid-flight (target pointed
// at the standby log, compacting still true) so the next attempt starts
// from the same clean state the first attempt did.
func (h *Handle) Reopen() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return errors.New("mdclog: reopen of closed handle")
	}
	h.target = h.active
	h.compacting = false
	return nil
}
