package cmn

import (
	"os"

	units "github.com/docker/go-units"
	jsoniter "github.com/json-iterator/go"
	flag "github.com/spf13/pflag"
	"github.com/tailscale/hujson"
)

var jsonc = jsoniter.ConfigCompatibleWithStandardLibrary

// MediaClass enumerates the device classes a pool's devices are grouped
// into (spec.md §4.E step 3, §4.H "uacnt" check). MP_MED_NUMBER is the
// count below which too few good devices fails activation.
type MediaClass int

const (
	MediaCapacity MediaClass = iota
	MediaStaging
	NumMediaClasses // MP_MED_NUMBER
)

func (mc MediaClass) String() string {
	switch mc {
	case MediaCapacity:
		return "capacity"
	case MediaStaging:
		return "staging"
	default:
		return "unknown"
	}
}

// DeviceParms are the odp (on-disk parameters) mirrored into superblocks
// and compared on replay (§4.H props_load reconcile).
type DeviceParms struct {
	UUID      string     `json:"uuid"`
	Path      string     `json:"path"`
	Class     MediaClass `json:"class"`
	ZoneBytes uint64     `json:"zone_bytes"` // "zonepg * page_size" — a plain byte count in JSON (see ParseZoneSize for human-readable strings)
	ZoneCount uint32     `json:"zone_count"`
	Align     uint32     `json:"align"` // power-of-two alignment hint for smap.Alloc
	Unavail   bool       `json:"unavail"`
}

// ParseZoneSize parses a human-readable capacity string ("256KiB", "4MiB")
// the way device config files express zone geometry.
func ParseZoneSize(s string) (uint64, error) {
	return units.RAMInBytes(s)
}

// Tunables are the named knobs from spec.md §6, loaded from a HuJSON
// config file and overridable via command-line flags (pflag) at process
// start — CLI surface proper stays out of scope, but the flag set that
// backs config defaults is ambient.
type Tunables struct {
	ObjLoadJobs   int     `json:"objloadjobs"`
	MpMdcNcap     int     `json:"mp_mdcncap"`
	PcoPeriodSecs int     `json:"pcoperiod"`
	PcoPctFull    float64 `json:"pcopctfull"`
	PcoPctGarbage float64 `json:"pcopctgarbage"`
	CrtMdcPctFull float64 `json:"crtmdcpctfull"`
	CrtMdcPctGrbg float64 `json:"crtmdcpctgrbg"`
	PconBnoAlloc  int     `json:"pconbnoalloc"`
}

// DefaultTunables mirrors the recommended constants named throughout
// spec.md §4 (MDC_SLOTS=256, MDC_TBL_SZ=16384, etc. live next to their
// call sites in package pmd; these are the operator-facing ones).
func DefaultTunables() Tunables {
	return Tunables{
		ObjLoadJobs:   8,
		MpMdcNcap:     8, // MPOOL_MDC_SET_SZ
		PcoPeriodSecs: 60,
		PcoPctFull:    75,
		PcoPctGarbage: 38,
		CrtMdcPctFull: 80,
		CrtMdcPctGrbg: 10,
		PconBnoAlloc:  2,
	}
}

// Clamp enforces spec.md §4.I's [1s, 3600s] pre-compactor period bound.
func (t *Tunables) Clamp() {
	switch {
	case t.PcoPeriodSecs < 1:
		t.PcoPeriodSecs = 1
	case t.PcoPeriodSecs > 3600:
		t.PcoPeriodSecs = 3600
	}
}

// PoolIdentity names the pool and the holder device for the SB mirror
// (spec.md §6 "persisted layout").
type PoolIdentity struct {
	Name string `json:"name"`
	UUID string `json:"uuid"`
}

type Config struct {
	Pool      PoolIdentity  `json:"pool"`
	Devices   []DeviceParms `json:"devices"`
	SparePct  map[string]int `json:"spare_pct"` // per media class, set by MCSPARE
	Tunables  Tunables      `json:"tunables"`
}

// RegisterFlags binds tunables to a flag set, the ambient-config
// counterpart of a CLI without building the CLI surface itself.
func RegisterFlags(fs *flag.FlagSet, t *Tunables) {
	fs.IntVar(&t.ObjLoadJobs, "objloadjobs", t.ObjLoadJobs, "parallel workers for MDC object replay")
	fs.IntVar(&t.MpMdcNcap, "mp-mdcncap", t.MpMdcNcap, "MDC batch-allocation size")
	fs.IntVar(&t.PcoPeriodSecs, "pcoperiod", t.PcoPeriodSecs, "pre-compactor period, seconds")
	fs.Float64Var(&t.PcoPctFull, "pcopctfull", t.PcoPctFull, "per-MDC compact-need fill threshold, percent")
	fs.Float64Var(&t.PcoPctGarbage, "pcopctgarbage", t.PcoPctGarbage, "per-MDC compact-need garbage threshold, percent")
	fs.Float64Var(&t.CrtMdcPctFull, "crtmdcpctfull", t.CrtMdcPctFull, "pool fill threshold that triggers MDC growth, percent")
	fs.Float64Var(&t.CrtMdcPctGrbg, "crtmdcpctgrbg", t.CrtMdcPctGrbg, "pool garbage ceiling under which MDC growth is allowed, percent")
	fs.IntVar(&t.PconBnoAlloc, "pconbnoalloc", t.PconBnoAlloc, "selector exclusion window ahead of the pre-compact cursor")
}

// LoadConfig reads a HuJSON (JSON-with-comments) pool config file and
// decodes it with jsoniter after stripping comments/trailing commas.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	std, err := hujson.Standardize(raw)
	if err != nil {
		return nil, err
	}
	cfg := &Config{Tunables: DefaultTunables()}
	if err := jsonc.Unmarshal(std, cfg); err != nil {
		return nil, err
	}
	cfg.Tunables.Clamp()
	return cfg, nil
}
