package pmd

import (
	"strconv"

	"github.com/pkg/errors"
	"github.com/tinylib/msgp/msgp"

	"github.com/mpool-io/pmd/cmn/cos"
)

// addrec implements spec.md §4.C mdc_addrec: pack record into the
// slot's scratch buffer, append to the active mlog, and on "log full"
// trigger a compaction and retry exactly once.
//
// Records are framed with a msgp bin header before hitting the log, so
// replay (§4.H) can split a log's byte stream back into individual
// records without a side-channel length table — msgp.ReadBytesBytes
// hands back both the record and the unconsumed remainder.
//
// Callers must already hold mi.compact for the duration of {append, the
// in-memory mutation that record represents} — addrec itself does not
// take the lock, matching the spec's "callers hold the slot's compact
// mutex across any sequence" requirement.
func (m *MDA) addrec(slot uint8, mi *MdcInfo, packed []byte, sync bool) error {
	framed := msgp.AppendBytes(nil, packed)
	if len(mi.recbuf) < len(framed) {
		mi.recbuf = make([]byte, len(framed))
	}
	n := copy(mi.recbuf, framed)
	err := mi.handle.Append(mi.recbuf[:n], sync)
	if err == nil {
		return nil
	}
	if !errors.Is(err, cos.ErrLogFull) {
		return err
	}
	if !sync {
		// spec.md §4.C: "record-emission inside compaction uses a
		// no-sync append to avoid recursion" — a no-sync append must
		// never itself trigger compaction.
		return err
	}
	m.tracker.IncLogFull(strconv.Itoa(int(slot)))
	if cerr := m.compact(slot, mi); cerr != nil {
		return errors.Wrap(cerr, "pmd: compact-on-log-full failed")
	}
	n = copy(mi.recbuf, framed)
	return mi.handle.Append(mi.recbuf[:n], sync)
}
