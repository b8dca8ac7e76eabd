package omf

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOCreatePackUnpackRoundTrip(t *testing.T) {
	r := OCreate{
		ObjID: 0xdeadbeef, PDH: 3, ZAddr: 100, ZCnt: 8,
		Gen: 1, MbLen: 4096, OType: 1, UUID: "abc-123",
	}
	buf, err := r.Pack()
	require.NoError(t, err)

	rec, err := Unpack(buf)
	require.NoError(t, err)
	got, ok := rec.(OCreate)
	require.True(t, ok)
	require.Equal(t, r, got)
}

func TestODeleteOIDCkptOErasePackUnpack(t *testing.T) {
	d, err := ODelete{ObjID: 42}.Pack()
	require.NoError(t, err)
	rec, err := Unpack(d)
	require.NoError(t, err)
	require.Equal(t, ODelete{ObjID: 42}, rec)

	ck, err := OIDCkpt{ObjID: 256}.Pack()
	require.NoError(t, err)
	rec, err = Unpack(ck)
	require.NoError(t, err)
	require.Equal(t, OIDCkpt{ObjID: 256}, rec)

	er, err := OErase{ObjID: 7, Gen: 2}.Pack()
	require.NoError(t, err)
	rec, err = Unpack(er)
	require.NoError(t, err)
	require.Equal(t, OErase{ObjID: 7, Gen: 2}, rec)
}

func TestMCConfigMCSpareMPConfigPackUnpack(t *testing.T) {
	c, err := MCConfig{UUID: "u", Path: "/dev/x", Class: 1, ZoneBytes: 1024, ZoneCount: 10, Unavail: false}.Pack()
	require.NoError(t, err)
	rec, err := Unpack(c)
	require.NoError(t, err)
	require.Equal(t, MCConfig{UUID: "u", Path: "/dev/x", Class: 1, ZoneBytes: 1024, ZoneCount: 10, Unavail: false}, rec)

	s, err := MCSpare{Class: 1, Percent: 10}.Pack()
	require.NoError(t, err)
	rec, err = Unpack(s)
	require.NoError(t, err)
	require.Equal(t, MCSpare{Class: 1, Percent: 10}, rec)

	p, err := MPConfig{PoolName: "mypool", PoolUUID: "uuid-1"}.Pack()
	require.NoError(t, err)
	rec, err = Unpack(p)
	require.NoError(t, err)
	require.Equal(t, MPConfig{PoolName: "mypool", PoolUUID: "uuid-1"}, rec)
}

func TestUnpackUnknownKind(t *testing.T) {
	_, err := Unpack([]byte{0xff})
	require.Error(t, err)
}

func TestUnpackTruncated(t *testing.T) {
	_, err := Unpack(nil)
	require.Error(t, err)
}

func TestChecksumDeterministic(t *testing.T) {
	buf := []byte("some packed record")
	require.Equal(t, Checksum(buf), Checksum(buf))
	require.NotEqual(t, Checksum(buf), Checksum([]byte("different")))
}
