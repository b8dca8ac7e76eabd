package smap

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mpool-io/pmd/cmn/cos"
)

func TestAllocReleaseRoundTrip(t *testing.T) {
	p := Init()
	p.AddDevice(0, 100, 10) // 90 usable zones, 10 spare

	zaddr, err := p.Alloc(0, 20, SpaceUsable, 1)
	require.NoError(t, err)
	require.EqualValues(t, 0, zaddr)

	zaddr2, err := p.Alloc(0, 10, SpaceUsable, 1)
	require.NoError(t, err)
	require.EqualValues(t, 20, zaddr2)

	require.NoError(t, p.Release(0, zaddr, 20))

	zaddr3, err := p.Alloc(0, 20, SpaceUsable, 1)
	require.NoError(t, err)
	require.EqualValues(t, 0, zaddr3, "released run should be reusable")
}

func TestAllocSpareRegionIsolated(t *testing.T) {
	p := Init()
	p.AddDevice(0, 100, 10)

	_, err := p.Alloc(0, 50, SpaceSpare, 1)
	require.Error(t, err, "spare region is only 10 zones")

	zaddr, err := p.Alloc(0, 5, SpaceSpare, 1)
	require.NoError(t, err)
	require.EqualValues(t, 90, zaddr)
}

func TestAllocExhaustion(t *testing.T) {
	p := Init()
	p.AddDevice(0, 10, 0)
	_, err := p.Alloc(0, 11, SpaceUsable, 1)
	require.ErrorIs(t, err, cos.ErrNoSpace)
}

func TestAllocUnknownDevice(t *testing.T) {
	p := Init()
	_, err := p.Alloc(7, 1, SpaceUsable, 1)
	require.ErrorIs(t, err, cos.ErrInvalid)
}

func TestAlignment(t *testing.T) {
	p := Init()
	p.AddDevice(0, 64, 0)
	_, _ = p.Alloc(0, 3, SpaceUsable, 1) // consume [0,3)
	zaddr, err := p.Alloc(0, 4, SpaceUsable, 4)
	require.NoError(t, err)
	require.Zero(t, zaddr%4, "aligned allocation must land on a multiple of 4")
}

func TestInsertReservesExistingExtent(t *testing.T) {
	p := Init()
	p.AddDevice(0, 100, 0)
	require.NoError(t, p.Insert(0, 10, 5))

	zaddr, err := p.Alloc(0, 5, SpaceUsable, 1)
	require.NoError(t, err)
	require.EqualValues(t, 0, zaddr)

	zaddr2, err := p.Alloc(0, 5, SpaceUsable, 1)
	require.NoError(t, err)
	require.NotEqual(t, uint32(10), zaddr2, "the inserted run must not be handed out again")
}
