package mdclog

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mpool-io/pmd/cmn/cos"
)

func TestAppendReadRoundTrip(t *testing.T) {
	h := Open(1024)
	require.NoError(t, h.Append([]byte("hello"), true))
	require.NoError(t, h.Append([]byte("world"), true))

	require.NoError(t, h.Rewind())
	buf := make([]byte, 1024)
	n, err := h.Read(buf)
	require.True(t, err == nil || err == io.EOF)
	require.Equal(t, "helloworld", string(buf[:n]))
}

func TestAppendLogFull(t *testing.T) {
	h := Open(8)
	require.NoError(t, h.Append([]byte("12345678"), true))
	err := h.Append([]byte("x"), true)
	require.ErrorIs(t, err, cos.ErrLogFull)
}

func TestCStartCEndSwapsActiveStandby(t *testing.T) {
	h := Open(1024)
	require.NoError(t, h.Append([]byte("old"), true))
	require.EqualValues(t, 3, h.FillBytes())

	require.NoError(t, h.CStart())
	// active log is unaffected mid-compaction
	require.EqualValues(t, 3, h.FillBytes())
	require.NoError(t, h.Append([]byte("new"), false))

	require.NoError(t, h.CEnd())
	require.EqualValues(t, 3, h.FillBytes())

	require.NoError(t, h.Rewind())
	buf := make([]byte, 16)
	n, _ := h.Read(buf)
	require.Equal(t, "new", string(buf[:n]))
}

func TestOpenExistingSeedsActiveLog(t *testing.T) {
	h := OpenExisting(1024, []byte("seed"))
	require.EqualValues(t, 4, h.FillBytes())
	buf := make([]byte, 16)
	n, _ := h.Read(buf)
	require.Equal(t, "seed", string(buf[:n]))
}

func TestCloseRejectsAppend(t *testing.T) {
	h := Open(128)
	require.NoError(t, h.Close())
	require.Error(t, h.Append([]byte("x"), true))
}
