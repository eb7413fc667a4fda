package balancer

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voxelfit/internal/fiterr"
)

func devices(weights ...float64) []Device {
	out := make([]Device, len(weights))
	for i, w := range weights {
		out[i] = Device{ID: i, Name: "dev", Weight: w}
	}
	return out
}

func TestPartition_TilesExactly(t *testing.T) {
	cases := []struct {
		name    string
		n       int
		weights []float64
	}{
		{"single device", 100, []float64{1}},
		{"even split", 100, []float64{1, 1}},
		{"uneven count", 101, []float64{1, 1}},
		{"weighted", 100, []float64{3, 1}},
		{"many devices few items", 3, []float64{1, 1, 1, 1, 1}},
		{"skewed weights", 10, []float64{100, 1, 1}},
		{"fractional weights", 97, []float64{0.5, 0.25, 0.25}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assignments, err := Partition(tc.n, devices(tc.weights...))
			require.NoError(t, err)

			covered := 0
			prevEnd := 0
			for _, a := range assignments {
				assert.False(t, a.Range.Empty(), "empty range assigned")
				assert.Equal(t, prevEnd, a.Range.Start, "ranges must abut in ascending order")
				prevEnd = a.Range.End
				covered += a.Range.Len()
			}
			assert.Equal(t, tc.n, covered, "union must equal [0, n)")
			assert.Equal(t, tc.n, prevEnd)
		})
	}
}

func TestPartition_WeightProportionality(t *testing.T) {
	assignments, err := Partition(100, devices(3, 1))
	require.NoError(t, err)
	require.Len(t, assignments, 2)

	assert.Equal(t, 75, assignments[0].Range.Len())
	assert.Equal(t, 25, assignments[1].Range.Len())
}

func TestPartition_EveryDeviceGetsWorkWhenEnoughItems(t *testing.T) {
	assignments, err := Partition(3, devices(100, 1, 1))
	require.NoError(t, err)
	require.Len(t, assignments, 3)
	for _, a := range assignments {
		assert.GreaterOrEqual(t, a.Range.Len(), 1)
	}
}

func TestPartition_ZeroItems(t *testing.T) {
	assignments, err := Partition(0, devices(1, 1))
	require.NoError(t, err)
	assert.Empty(t, assignments)

	// No devices is fine when there is no work.
	assignments, err = Partition(0, nil)
	require.NoError(t, err)
	assert.Empty(t, assignments)
}

func TestPartition_NoDevices(t *testing.T) {
	_, err := Partition(10, nil)
	require.Error(t, err)

	var cfgErr *fiterr.ConfigurationError
	assert.True(t, errors.As(err, &cfgErr))
}

func TestPartition_NonPositiveWeight(t *testing.T) {
	_, err := Partition(10, devices(1, 0))
	require.Error(t, err)

	var cfgErr *fiterr.ConfigurationError
	assert.True(t, errors.As(err, &cfgErr))
}

func TestEvenWeights(t *testing.T) {
	in := devices(3, 7)
	out := EvenWeights(in)

	for _, d := range out {
		assert.Equal(t, 1.0, d.Weight)
	}
	// Input untouched.
	assert.Equal(t, 3.0, in[0].Weight)
}

func TestRange_Shift(t *testing.T) {
	r := Range{Start: 2, End: 5}
	assert.Equal(t, Range{Start: 12, End: 15}, r.Shift(10))
	assert.Equal(t, 3, r.Len())
}
