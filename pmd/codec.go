package pmd

import (
	"github.com/pkg/errors"
	"github.com/tinylib/msgp/msgp"

	"github.com/mpool-io/pmd/omf"
)

// codec is the thin boundary to OMF pack/unpack named by spec.md §4.B:
// PMD's in-memory types never leak into the wire format directly, and
// every mutating path goes through exactly one of these adapters.
type codec struct{}

func (codec) packOCreate(l *Layout) ([]byte, error) {
	r := omf.OCreate{
		ObjID: l.ObjID(), PDH: l.ld.PDH, ZAddr: l.ld.ZAddr, ZCnt: l.ld.ZCnt,
		Gen: l.gen, MbLen: l.mblen, OType: uint8(l.Type()), UUID: l.uuid.String(),
	}
	return r.Pack()
}

func (codec) packODelete(objID uint64) ([]byte, error) {
	return omf.ODelete{ObjID: objID}.Pack()
}

func (codec) packOIDCkpt(objID uint64) ([]byte, error) {
	return omf.OIDCkpt{ObjID: objID}.Pack()
}

func (codec) packOErase(objID, gen uint64) ([]byte, error) {
	return omf.OErase{ObjID: objID, Gen: gen}.Pack()
}

func (codec) packOUpdate(l *Layout) ([]byte, error) {
	return omf.OUpdate{ObjID: l.ObjID(), Gen: l.gen, MbLen: l.mblen}.Pack()
}

func (codec) packVersion(major, minor, patch, build uint32) ([]byte, error) {
	return omf.Version{Major: major, Minor: minor, Patch: patch, Build: build}.Pack()
}

func (codec) packMCConfig(d cmcconfig) ([]byte, error) {
	return omf.MCConfig{UUID: d.UUID, Path: d.Path, Class: d.Class, ZoneBytes: d.ZoneBytes, ZoneCount: d.ZoneCount, Unavail: d.Unavail}.Pack()
}

func (codec) packMCSpare(class uint8, pct uint32) ([]byte, error) {
	return omf.MCSpare{Class: class, Percent: pct}.Pack()
}

func (codec) packMPConfig(name, uuidStr string) ([]byte, error) {
	return omf.MPConfig{PoolName: name, PoolUUID: uuidStr}.Pack()
}

// cmcconfig mirrors a device's MCCONFIG fields without importing cmn
// into the codec's call sites (keeps the adapter a pure translation
// layer — spec.md §4.B "thin boundary").
type cmcconfig struct {
	UUID, Path        string
	Class             uint8
	ZoneBytes         uint64
	ZoneCount         uint32
	Unavail           bool
}

// unpack dispatches a raw record to its typed form; callers switch on
// the dynamic type, mirroring omf.Unpack's kind dispatch one layer up.
func (codec) unpack(buf []byte) (omf.Record, error) {
	rec, err := omf.Unpack(buf)
	if err != nil {
		return nil, errors.Wrap(err, "pmd: codec unpack")
	}
	return rec, nil
}

// splitRecords undoes addrec's msgp bin framing, walking a whole log's
// byte stream back into individual packed records for replay (spec.md
// §4.H step 3).
func (codec) splitRecords(buf []byte) ([][]byte, error) {
	var recs [][]byte
	for len(buf) > 0 {
		rec, rest, err := msgp.ReadBytesBytes(buf, nil)
		if err != nil {
			return nil, errors.Wrap(err, "pmd: codec splitRecords: truncated framing")
		}
		recs = append(recs, rec)
		buf = rest
	}
	return recs, nil
}
