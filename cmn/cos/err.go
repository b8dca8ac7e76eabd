// Package cos provides common low-level types and error kinds shared by every
// PMD package.
/*
 * Copyright (c) 2026 The mpool-io/pmd Authors.
 */
package cos

import (
	"fmt"
	"sync/atomic"

	"github.com/pkg/errors"
)

// Sentinel error kinds from spec §7. Call sites wrap these with
// `errors.Wrap`/`errors.Wrapf` for context; compare with `errors.Is`.
var (
	ErrInvalid             = errors.New("invalid argument")
	ErrNotFound            = errors.New("not found")
	ErrExists              = errors.New("already exists")
	ErrLogFull             = errors.New("mdc log full")
	ErrNoSpace             = errors.New("mdc slots exhausted")
	ErrDeviceUnavailable   = errors.New("device unavailable")
	ErrVersionTooNew       = errors.New("on-media version newer than binary supports")
	ErrUpgradeNotPermitted = errors.New("upgrade not permitted")
	ErrInternal            = errors.New("internal error")
)

// ErrValue latches the first error stored and counts subsequent stores;
// used by background tasks (pre-compactor, async erase) that must surface
// a sticky failure without blocking on it.
type ErrValue struct {
	val atomic.Value
	cnt atomic.Int64
}

func (ea *ErrValue) Store(err error) {
	if ea.cnt.Add(1) == 1 {
		ea.val.Store(errBox{err})
	}
}

func (ea *ErrValue) Err() error {
	x := ea.val.Load()
	if x == nil {
		return nil
	}
	err := x.(errBox).err
	if cnt := ea.cnt.Load(); cnt > 1 {
		err = fmt.Errorf("%w (cnt=%d)", err, cnt)
	}
	return err
}

type errBox struct{ err error }

// IsFatal reports whether err represents a replay-time fatal condition
// (not-found, exists, version-too-new, upgrade-not-permitted, internal) as opposed
// to a surfaced-but-recoverable API error.
func IsFatal(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrExists) ||
		errors.Is(err, ErrVersionTooNew) ||
		errors.Is(err, ErrUpgradeNotPermitted) ||
		errors.Is(err, ErrInternal)
}
