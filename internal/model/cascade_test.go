package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCascade_TwoStageLifecycle(t *testing.T) {
	c := NewBallStickCascade()
	require.Equal(t, []string{"S0", "BallStick"}, c.StageNames())

	results := StageResults{}

	assert.True(t, c.HasNext())

	first, err := c.Next(results)
	require.NoError(t, err)
	assert.Equal(t, "S0", first.Name())
	assert.True(t, c.HasNext())

	results["S0"] = ResultMaps{"S0.s0": []float64{100, 200}}

	second, err := c.Next(results)
	require.NoError(t, err)
	assert.Equal(t, "BallStick", second.Name())
	assert.False(t, c.HasNext())

	_, err = c.Next(results)
	require.Error(t, err)
}

func TestCascade_ResetKeepsCallerResults(t *testing.T) {
	c := NewBallStickCascade()
	results := StageResults{"S0": ResultMaps{"S0.s0": []float64{1}}}

	_, err := c.Next(results)
	require.NoError(t, err)
	_, err = c.Next(results)
	require.NoError(t, err)
	require.False(t, c.HasNext())

	c.Reset()
	assert.True(t, c.HasNext())

	first, err := c.Next(results)
	require.NoError(t, err)
	assert.Equal(t, "S0", first.Name())

	// Results held by the caller survive the reset untouched.
	assert.Equal(t, []float64{1}, results["S0"]["S0.s0"])
}

func TestRegistry(t *testing.T) {
	def, err := Get("BallStick (Cascade)")
	require.NoError(t, err)

	cascade, ok := def.(*Cascade)
	require.True(t, ok)
	assert.Equal(t, "BallStick (Cascade)", cascade.Name())

	_, err = Get("nonesuch")
	require.Error(t, err)

	assert.Contains(t, Names(), "S0")
	assert.Contains(t, Names(), "BallStick")
}
