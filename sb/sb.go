// Package sb is the superblock collaborator named only by interface in
// spec.md §1 ("SB"): for MDC0, the durable image lives in device
// superblocks, and PMD calls sb_write_update. In a non-kernel rendering
// there is no literal superblock sector to write to, so this package
// mirrors one image per device into a small on-disk file, replaced
// atomically so a crash mid-write never leaves a torn image — the exact
// all-or-nothing property the original superblock sector write gives for
// free (spec.md §3 invariant 7: the SB copy is authoritative on
// activation).
/*
 * Copyright (c) 2026 The mpool-io/pmd Authors.
 */
package sb

import (
	"bytes"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	jsoniter "github.com/json-iterator/go"
	atomicfile "github.com/natefinch/atomic"
	"github.com/pkg/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DeviceMirror is one device's entry in the SB device-list mirror.
type DeviceMirror struct {
	UUID    string `json:"uuid"`
	Path    string `json:"path"`
	Class   uint8  `json:"class"`
	Unavail bool   `json:"unavail"`
}

// Image is the persisted layout from spec.md §6: magic, pool identity,
// per-device odp parameters, MDC0's two mlog generations, and the
// device-list mirror. SB0 (pdh==0's image) is authoritative on read-back;
// partial writes to higher-index devices are tolerated (spec.md §4.J).
type Image struct {
	Magic    uint32         `json:"magic"`
	PoolName string         `json:"pool_name"`
	PoolUUID string         `json:"pool_uuid"`
	Mdc0Gen1 uint64         `json:"mdc0gen1"`
	Mdc0Gen2 uint64         `json:"mdc0gen2"`
	Mdc0PDH1 uint16         `json:"mdc0pdh1"`
	Mdc0PDH2 uint16         `json:"mdc0pdh2"`
	Mdc0ZA1  uint32         `json:"mdc0za1"`
	Mdc0ZA2  uint32         `json:"mdc0za2"`
	Mdc0ZC1  uint32         `json:"mdc0zc1"`
	Mdc0ZC2  uint32         `json:"mdc0zc2"`
	Devices  []DeviceMirror `json:"devices"`
}

const magic = 0x504d4430 // "PMD0"

// NewImage seeds a fresh image with the well-known magic.
func NewImage(poolName, poolUUID string) *Image {
	return &Image{Magic: magic, PoolName: poolName, PoolUUID: poolUUID}
}

// Writer persists per-device SB mirrors under dir, one file per pdh.
type Writer struct {
	dir string
}

func NewWriter(dir string) *Writer { return &Writer{dir: dir} }

func (w *Writer) pathFor(pdh uint16) string {
	return filepath.Join(w.dir, deviceFileName(pdh))
}

func deviceFileName(pdh uint16) string {
	return "sb." + itoa(pdh) + ".json"
}

func itoa(v uint16) string {
	if v == 0 {
		return "0"
	}
	var buf [8]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

// WriteUpdate mirrors sb_write_update: serialize image and replace the
// device's mirror file atomically (rename-over, via natefinch/atomic),
// under a file lock so concurrent writers to the same device (MDC0
// writeback racing a future multi-writer caller) never interleave.
func (w *Writer) WriteUpdate(pdh uint16, image *Image) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return errors.Wrapf(err, "sb: create mirror dir %s", w.dir)
	}
	path := w.pathFor(pdh)
	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return errors.Wrapf(err, "sb: lock device %d mirror", pdh)
	}
	defer lock.Unlock()

	body, err := json.Marshal(image)
	if err != nil {
		return errors.Wrapf(err, "sb: marshal image for device %d", pdh)
	}
	if err := atomicfile.WriteFile(path, bytes.NewReader(body)); err != nil {
		return errors.Wrapf(err, "sb: atomic write device %d mirror", pdh)
	}
	return nil
}

// ReadSB0 loads the authoritative device-0 image, if present.
func (w *Writer) ReadSB0() (*Image, error) {
	return w.Read(0)
}

func (w *Writer) Read(pdh uint16) (*Image, error) {
	body, err := os.ReadFile(w.pathFor(pdh))
	if err != nil {
		return nil, err
	}
	var img Image
	if err := json.Unmarshal(body, &img); err != nil {
		return nil, errors.Wrapf(err, "sb: unmarshal device %d mirror", pdh)
	}
	return &img, nil
}
