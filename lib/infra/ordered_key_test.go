package infra

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeyComparator(t *testing.T) {
	testcases := []struct {
		name     string
		i, j     float64
		expected int64
	}{
		{"equal", 1.5, 1.5, 0},
		{"greater", 2, 1, 1},
		{"less", -1, 1, -1},
		{"negative zero", math.Copysign(0, -1), 0, 0},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.expected, KeyComparator[float64](tc.i, tc.j))
		})
	}
	require.Equal(t, int64(-1), KeyComparator[string]("a", "b"))
	require.Equal(t, int64(1), KeyComparator[uint8](3, 2))
}

func TestIsUnorderedKey(t *testing.T) {
	require.True(t, IsUnorderedKey[float64](math.NaN()))
	require.True(t, IsUnorderedKey[float32](float32(math.NaN())))
	require.False(t, IsUnorderedKey[float64](math.Inf(1)))
	require.False(t, IsUnorderedKey[int](0))
	require.False(t, IsUnorderedKey[string](""))
}
