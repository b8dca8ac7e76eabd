package cmn

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseZoneSize(t *testing.T) {
	n, err := ParseZoneSize("4MiB")
	require.NoError(t, err)
	require.EqualValues(t, 4*1024*1024, n)
}

func TestTunablesClamp(t *testing.T) {
	tn := DefaultTunables()
	tn.PcoPeriodSecs = 0
	tn.Clamp()
	require.Equal(t, 1, tn.PcoPeriodSecs)

	tn.PcoPeriodSecs = 999999
	tn.Clamp()
	require.Equal(t, 3600, tn.PcoPeriodSecs)

	tn.PcoPeriodSecs = 120
	tn.Clamp()
	require.Equal(t, 120, tn.PcoPeriodSecs)
}

func TestLoadConfigParsesHuJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pool.hujson")
	doc := `{
  // pool identity
  "pool": {"name": "testpool", "uuid": "uuid-1"},
  "devices": [
    {"uuid": "d0", "path": "/dev/d0", "class": 0, "zone_bytes": 4096, "zone_count": 1024},
  ],
  "spare_pct": {"capacity": 10},
}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "testpool", cfg.Pool.Name)
	require.Len(t, cfg.Devices, 1)
	require.EqualValues(t, 4096, cfg.Devices[0].ZoneBytes)
	require.Equal(t, 10, cfg.SparePct["capacity"])
	// LoadConfig clamps tunables even when the file doesn't set them.
	require.GreaterOrEqual(t, cfg.Tunables.PcoPeriodSecs, 1)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig("/nonexistent/pool.hujson")
	require.Error(t, err)
}
