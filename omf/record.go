// Package omf implements the on-media record format: the closed set of
// record kinds an MDC log carries, and their pack/unpack codec. PMD itself
// never depends on the wire layout directly — pmd/codec.go is the thin
// adapter named in spec.md §4.B.
/*
 * Copyright (c) 2026 The mpool-io/pmd Authors.
 */
package omf

import (
	"github.com/OneOfOne/xxhash"
	"github.com/pkg/errors"
	"github.com/tinylib/msgp/msgp"
)

// RecordKind are the stable wire identifiers from spec.md §6.
type RecordKind uint8

const (
	KindVersion RecordKind = iota + 1
	KindOCreate
	KindODelete
	KindOIDCkpt
	KindOErase
	KindOUpdate
	KindMCConfig
	KindMCSpare
	KindMPConfig
)

// MDCRECPackLenMax bounds a single packed record (spec.md §3, `recbuf`
// sizing — MDCREC_PACKLEN_MAX).
const MDCRECPackLenMax = 4096

// Record is implemented by every wire record; Pack/Unpack hand-encode
// with the msgp helper functions (no code generation step — the same
// wire helpers tinylib/msgp's generated code would call).
type Record interface {
	Kind() RecordKind
	Pack() ([]byte, error)
}

func packHeader(b []byte, kind RecordKind) []byte {
	b = msgp.AppendUint8(b, uint8(kind))
	return b
}

func unpackHeader(b []byte) (RecordKind, []byte, error) {
	k, rest, err := msgp.ReadUint8Bytes(b)
	return RecordKind(k), rest, err
}

// Checksum computes an xxhash64 of a packed record body. No record
// format stores it and neither the write nor the replay path calls it.
func Checksum(packed []byte) uint64 {
	return xxhash.Checksum64(packed)
}

// --- Version ---

type Version struct {
	Major, Minor, Patch, Build uint32
}

func (Version) Kind() RecordKind { return KindVersion }

func (v Version) Pack() ([]byte, error) {
	b := packHeader(nil, KindVersion)
	b = msgp.AppendUint32(b, v.Major)
	b = msgp.AppendUint32(b, v.Minor)
	b = msgp.AppendUint32(b, v.Patch)
	b = msgp.AppendUint32(b, v.Build)
	return b, nil
}

func UnpackVersion(b []byte) (Version, error) {
	var v Version
	var err error
	if v.Major, b, err = msgp.ReadUint32Bytes(b); err != nil {
		return v, err
	}
	if v.Minor, b, err = msgp.ReadUint32Bytes(b); err != nil {
		return v, err
	}
	if v.Patch, b, err = msgp.ReadUint32Bytes(b); err != nil {
		return v, err
	}
	v.Build, _, err = msgp.ReadUint32Bytes(b)
	return v, err
}

// --- OCreate: durable object creation (layout snapshot) ---

type OCreate struct {
	ObjID   uint64
	PDH     uint16
	ZAddr   uint32
	ZCnt    uint32
	Gen     uint64
	MbLen   uint64
	OType   uint8
	UUID    string
}

func (OCreate) Kind() RecordKind { return KindOCreate }

func (r OCreate) Pack() ([]byte, error) {
	b := packHeader(nil, KindOCreate)
	b = msgp.AppendUint64(b, r.ObjID)
	b = msgp.AppendUint16(b, r.PDH)
	b = msgp.AppendUint32(b, r.ZAddr)
	b = msgp.AppendUint32(b, r.ZCnt)
	b = msgp.AppendUint64(b, r.Gen)
	b = msgp.AppendUint64(b, r.MbLen)
	b = msgp.AppendUint8(b, r.OType)
	b = msgp.AppendString(b, r.UUID)
	if len(b) > MDCRECPackLenMax {
		return nil, errors.Errorf("omf: OCreate record exceeds %d bytes", MDCRECPackLenMax)
	}
	return b, nil
}

func UnpackOCreate(b []byte) (OCreate, error) {
	var r OCreate
	var err error
	if r.ObjID, b, err = msgp.ReadUint64Bytes(b); err != nil {
		return r, err
	}
	if r.PDH, b, err = msgp.ReadUint16Bytes(b); err != nil {
		return r, err
	}
	if r.ZAddr, b, err = msgp.ReadUint32Bytes(b); err != nil {
		return r, err
	}
	if r.ZCnt, b, err = msgp.ReadUint32Bytes(b); err != nil {
		return r, err
	}
	if r.Gen, b, err = msgp.ReadUint64Bytes(b); err != nil {
		return r, err
	}
	if r.MbLen, b, err = msgp.ReadUint64Bytes(b); err != nil {
		return r, err
	}
	if r.OType, b, err = msgp.ReadUint8Bytes(b); err != nil {
		return r, err
	}
	r.UUID, _, err = msgp.ReadStringBytes(b)
	return r, err
}

// --- ODelete ---

type ODelete struct{ ObjID uint64 }

func (ODelete) Kind() RecordKind { return KindODelete }

func (r ODelete) Pack() ([]byte, error) {
	b := packHeader(nil, KindODelete)
	b = msgp.AppendUint64(b, r.ObjID)
	return b, nil
}

func UnpackODelete(b []byte) (ODelete, error) {
	id, _, err := msgp.ReadUint64Bytes(b)
	return ODelete{ObjID: id}, err
}

// --- OIDCkpt ---

type OIDCkpt struct{ ObjID uint64 }

func (OIDCkpt) Kind() RecordKind { return KindOIDCkpt }

func (r OIDCkpt) Pack() ([]byte, error) {
	b := packHeader(nil, KindOIDCkpt)
	b = msgp.AppendUint64(b, r.ObjID)
	return b, nil
}

func UnpackOIDCkpt(b []byte) (OIDCkpt, error) {
	id, _, err := msgp.ReadUint64Bytes(b)
	return OIDCkpt{ObjID: id}, err
}

// --- OErase ---

type OErase struct {
	ObjID uint64
	Gen   uint64
}

func (OErase) Kind() RecordKind { return KindOErase }

func (r OErase) Pack() ([]byte, error) {
	b := packHeader(nil, KindOErase)
	b = msgp.AppendUint64(b, r.ObjID)
	b = msgp.AppendUint64(b, r.Gen)
	return b, nil
}

func UnpackOErase(b []byte) (OErase, error) {
	var r OErase
	var err error
	if r.ObjID, b, err = msgp.ReadUint64Bytes(b); err != nil {
		return r, err
	}
	r.Gen, _, err = msgp.ReadUint64Bytes(b)
	return r, err
}

// --- OUpdate: on replay, overwrites the gen and mblen of a committed
// layout (no write path in this package emits it) ---

type OUpdate struct {
	ObjID uint64
	Gen   uint64
	MbLen uint64
}

func (OUpdate) Kind() RecordKind { return KindOUpdate }

func (r OUpdate) Pack() ([]byte, error) {
	b := packHeader(nil, KindOUpdate)
	b = msgp.AppendUint64(b, r.ObjID)
	b = msgp.AppendUint64(b, r.Gen)
	b = msgp.AppendUint64(b, r.MbLen)
	return b, nil
}

func UnpackOUpdate(b []byte) (OUpdate, error) {
	var r OUpdate
	var err error
	if r.ObjID, b, err = msgp.ReadUint64Bytes(b); err != nil {
		return r, err
	}
	if r.Gen, b, err = msgp.ReadUint64Bytes(b); err != nil {
		return r, err
	}
	r.MbLen, _, err = msgp.ReadUint64Bytes(b)
	return r, err
}

// --- MCConfig: one per non-defunct device ---

type MCConfig struct {
	UUID      string
	Path      string
	Class     uint8
	ZoneBytes uint64
	ZoneCount uint32
	Unavail   bool
}

func (MCConfig) Kind() RecordKind { return KindMCConfig }

func (r MCConfig) Pack() ([]byte, error) {
	b := packHeader(nil, KindMCConfig)
	b = msgp.AppendString(b, r.UUID)
	b = msgp.AppendString(b, r.Path)
	b = msgp.AppendUint8(b, r.Class)
	b = msgp.AppendUint64(b, r.ZoneBytes)
	b = msgp.AppendUint32(b, r.ZoneCount)
	b = msgp.AppendBool(b, r.Unavail)
	return b, nil
}

func UnpackMCConfig(b []byte) (MCConfig, error) {
	var r MCConfig
	var err error
	if r.UUID, b, err = msgp.ReadStringBytes(b); err != nil {
		return r, err
	}
	if r.Path, b, err = msgp.ReadStringBytes(b); err != nil {
		return r, err
	}
	if r.Class, b, err = msgp.ReadUint8Bytes(b); err != nil {
		return r, err
	}
	if r.ZoneBytes, b, err = msgp.ReadUint64Bytes(b); err != nil {
		return r, err
	}
	if r.ZoneCount, b, err = msgp.ReadUint32Bytes(b); err != nil {
		return r, err
	}
	r.Unavail, _, err = msgp.ReadBoolBytes(b)
	return r, err
}

// --- MCSpare: one per media class that has a device ---

type MCSpare struct {
	Class   uint8
	Percent uint32
}

func (MCSpare) Kind() RecordKind { return KindMCSpare }

func (r MCSpare) Pack() ([]byte, error) {
	b := packHeader(nil, KindMCSpare)
	b = msgp.AppendUint8(b, r.Class)
	b = msgp.AppendUint32(b, r.Percent)
	return b, nil
}

func UnpackMCSpare(b []byte) (MCSpare, error) {
	var r MCSpare
	var err error
	if r.Class, b, err = msgp.ReadUint8Bytes(b); err != nil {
		return r, err
	}
	r.Percent, _, err = msgp.ReadUint32Bytes(b)
	return r, err
}

// --- MPConfig: one per pool ---

type MPConfig struct {
	PoolName string
	PoolUUID string
}

func (MPConfig) Kind() RecordKind { return KindMPConfig }

func (r MPConfig) Pack() ([]byte, error) {
	b := packHeader(nil, KindMPConfig)
	b = msgp.AppendString(b, r.PoolName)
	b = msgp.AppendString(b, r.PoolUUID)
	return b, nil
}

func UnpackMPConfig(b []byte) (MPConfig, error) {
	var r MPConfig
	var err error
	if r.PoolName, b, err = msgp.ReadStringBytes(b); err != nil {
		return r, err
	}
	r.PoolUUID, _, err = msgp.ReadStringBytes(b)
	return r, err
}

// Unpack inspects the header byte and dispatches to the matching
// Unpack<Kind> function, returning a Record and the wire kind.
func Unpack(buf []byte) (Record, error) {
	kind, body, err := unpackHeader(buf)
	if err != nil {
		return nil, errors.Wrap(err, "omf: truncated record header")
	}
	switch kind {
	case KindVersion:
		v, err := UnpackVersion(body)
		return v, err
	case KindOCreate:
		v, err := UnpackOCreate(body)
		return v, err
	case KindODelete:
		v, err := UnpackODelete(body)
		return v, err
	case KindOIDCkpt:
		v, err := UnpackOIDCkpt(body)
		return v, err
	case KindOErase:
		v, err := UnpackOErase(body)
		return v, err
	case KindOUpdate:
		v, err := UnpackOUpdate(body)
		return v, err
	case KindMCConfig:
		v, err := UnpackMCConfig(body)
		return v, err
	case KindMCSpare:
		v, err := UnpackMCSpare(body)
		return v, err
	case KindMPConfig:
		v, err := UnpackMPConfig(body)
		return v, err
	default:
		return nil, errors.Errorf("omf: unknown record kind %d", kind)
	}
}
