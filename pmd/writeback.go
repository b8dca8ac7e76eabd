package pmd

import (
	"github.com/pkg/errors"

	"github.com/mpool-io/pmd/cmn"
	"github.com/mpool-io/pmd/sb"
)

// mdc0MetaUpdate implements spec.md §4.J mdc0_meta_update: MDC0's own
// paired mlogs don't compact into themselves (that would be circular),
// so their generation bump on obj_erase is instead persisted straight
// to the superblock mirror on every device. The SB copy is what
// activation trusts for "which of MDC0's two mlogs is current"
// (spec.md §3 invariant 7).
func (m *MDA) mdc0MetaUpdate(objID uint64, gen uint64) error {
	img, err := m.sbw.ReadSB0()
	if err != nil {
		img = sb.NewImage(m.poolIdentity.Name, m.poolIdentity.UUID)
	}
	img.PoolName = m.poolIdentity.Name
	img.PoolUUID = m.poolIdentity.UUID

	switch ObjIDUniq(objID) {
	case 0:
		img.Mdc0Gen1 = gen
	case 1:
		img.Mdc0Gen2 = gen
	default:
		return errors.Errorf("pmd: mdc0_meta_update: objid 0x%x is not one of MDC0's paired logs", objID)
	}

	m.pdvlock.RLock()
	devices := append([]sb.DeviceMirror(nil), mirrorsFromDevices(m.devices)...)
	m.pdvlock.RUnlock()
	img.Devices = devices

	var firstErr error
	for pdh := range devices {
		if err := m.sbw.WriteUpdate(uint16(pdh), img); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "pmd: mdc0_meta_update: device %d", pdh)
		}
	}
	return firstErr
}

func mirrorsFromDevices(devices []cmn.DeviceParms) []sb.DeviceMirror {
	out := make([]sb.DeviceMirror, 0, len(devices))
	for _, d := range devices {
		out = append(out, sb.DeviceMirror{
			UUID:    d.UUID,
			Path:    d.Path,
			Class:   uint8(d.Class),
			Unavail: d.Unavail,
		})
	}
	return out
}
