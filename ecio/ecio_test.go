package ecio

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mpool-io/pmd/smap"
)

func TestZoneCount(t *testing.T) {
	e := NewEngine(1024, smap.Init())
	require.EqualValues(t, 1, e.ZoneCount(0))
	require.EqualValues(t, 1, e.ZoneCount(1024))
	require.EqualValues(t, 2, e.ZoneCount(1025))
	require.EqualValues(t, 4, e.ZoneCount(4096))
}

func TestLayoutAllocFree(t *testing.T) {
	space := smap.Init()
	space.AddDevice(0, 16, 0)
	e := NewEngine(1024, space)

	shell, err := e.LayoutAlloc(0, 4, 1, smap.SpaceUsable, 4096)
	require.NoError(t, err)
	require.EqualValues(t, 4, shell.LD.ZCnt)
	require.NotEqual(t, shell.UUID.String(), "")

	require.NoError(t, e.LayoutFree(0, shell.LD))

	// freed zones must be reusable
	shell2, err := e.LayoutAlloc(0, 16, 1, smap.SpaceUsable, 16384)
	require.NoError(t, err)
	require.EqualValues(t, 16, shell2.LD.ZCnt)
}

func TestCapFromLayout(t *testing.T) {
	e := NewEngine(1024, smap.Init())
	require.EqualValues(t, 4096, e.CapFromLayout(LayoutDesc{ZCnt: 4}))
}
