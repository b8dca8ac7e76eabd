package cmn

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVersionCompare(t *testing.T) {
	require.Equal(t, 0, V1_0_0_0.Compare(V1_0_0_0))
	require.Equal(t, -1, V1_0_0_0.Compare(V1_0_0_1))
	require.Equal(t, 1, V1_0_0_1.Compare(V1_0_0_0))
}

func TestVersionLessAtLeast(t *testing.T) {
	require.True(t, V1_0_0_0.Less(V1_0_0_1))
	require.False(t, V1_0_0_1.Less(V1_0_0_0))
	require.True(t, V1_0_0_1.AtLeast(V1_0_0_0))
	require.False(t, V1_0_0_0.AtLeast(V1_0_0_1))
	require.True(t, V1_0_0_1.AtLeast(V1_0_0_1))
}

func TestVersionString(t *testing.T) {
	require.Equal(t, "1.0.0.1", V1_0_0_1.String())
}
