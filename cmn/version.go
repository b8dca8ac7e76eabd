// Package cmn provides pool/device configuration, tunables, and the
// on-media content-version type shared by every PMD package.
/*
 * Copyright (c) 2026 The mpool-io/pmd Authors.
 */
package cmn

import "fmt"

// Version is an MDC's on-media content-version (mdccver), a dotted
// 4-component value compared component-wise. VERSION records carry one
// per MDC; §4.D gates the VERSION record emission on >= V1_0_0_1, and
// §4.H rejects replay of anything newer than MetaverPMDLatest.
type Version struct {
	Major, Minor, Patch, Build int
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", v.Major, v.Minor, v.Patch, v.Build)
}

// Compare returns -1, 0, 1 as v is less than, equal to, or greater than o.
func (v Version) Compare(o Version) int {
	for _, pair := range [][2]int{
		{v.Major, o.Major}, {v.Minor, o.Minor}, {v.Patch, o.Patch}, {v.Build, o.Build},
	} {
		if pair[0] != pair[1] {
			if pair[0] < pair[1] {
				return -1
			}
			return 1
		}
	}
	return 0
}

func (v Version) Less(o Version) bool    { return v.Compare(o) < 0 }
func (v Version) AtLeast(o Version) bool { return v.Compare(o) >= 0 }

var (
	// V1_0_0_0 is the original, VERSION-record-less MDC format.
	V1_0_0_0 = Version{1, 0, 0, 0}
	// V1_0_0_1 is the first format that emits a VERSION record per
	// compaction (spec.md §4.D step 2).
	V1_0_0_1 = Version{1, 0, 0, 1}

	// MetaverPMDLatest is the newest on-media format this binary writes;
	// replay fails with cos.ErrVersionTooNew above it (§4.H, §7).
	MetaverPMDLatest = V1_0_0_1
)
