package pmd

import (
	"github.com/pkg/errors"

	"github.com/mpool-io/pmd/cmn"
	"github.com/mpool-io/pmd/cmn/cos"
)

// Bootstrap creates a brand-new pool: MDC0 doesn't exist yet, so there
// is nothing to activate/replay (spec.md §4.H presupposes MDC0 already
// exists). This is the one-time counterpart to Activate — allocate
// MDC0's own paired log via the ordinary MDC allocator (§4.F), which
// durably logs MDC0's own two mlogs as committed objects, then
// separately seed the pool's device/spare/identity configuration.
//
// This deliberately does not route through the ordinary compactor
// (contrast `CreateMDC`'s slot>0 path, which needs no such seeding):
// compaction's committed-object walk (spec.md §4.D step 4) skips an
// MDC's own paired-log registration entries on the assumption they are
// already durable from being logged once at create time (see
// `recordMDCInMDC0`) — running a compaction immediately afterward, before
// anything else has been appended, would cut over to a log missing
// those very entries.
func Bootstrap(cfg *cmn.Config, space SpaceMap, ecio ExtentEngine, logs LogOpener, sbw SuperblockWriter, tracker TrackerObserver) (*MDA, error) {
	if tracker == nil {
		tracker = noopTracker{}
	}
	m := &MDA{
		space: space, ecio: ecio, logs: logs, sbw: sbw, tracker: tracker,
		config:       cfg,
		devices:      append([]cmn.DeviceParms(nil), cfg.Devices...),
		poolIdentity: cfg.Pool,
		sparePct:     sparePctFromConfig(cfg),
	}
	m.selector = newSelector(1)

	slot, err := m.CreateMDC()
	if err != nil {
		return nil, errors.Wrap(err, "pmd: bootstrap: MDC0 allocation")
	}
	if slot != 0 {
		return nil, errors.Wrap(cos.ErrInternal, "pmd: bootstrap: first MDC must land in slot 0")
	}

	mdc0 := m.slot(0)
	mdc0.compact.Lock()
	err = m.seedMDC0Props(mdc0)
	mdc0.compact.Unlock()
	if err != nil {
		return nil, errors.Wrap(err, "pmd: bootstrap: seed MDC0 config")
	}
	return m, nil
}
