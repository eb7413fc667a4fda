package strategy

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"voxelfit/internal/balancer"
	"voxelfit/internal/data"
	"voxelfit/internal/fiterr"
	"voxelfit/internal/model"
	"voxelfit/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeModel is a minimal model.Model for exercising the chunk loop.
type fakeModel struct {
	name   string
	params []string
}

func (m fakeModel) Name() string                         { return m.name }
func (m fakeModel) ParameterNames() []string             { return m.params }
func (m fakeModel) RequiredColumns() []string            { return nil }
func (m fakeModel) ValidateProtocol(*data.Problem) error { return nil }
func (m fakeModel) BuildKernel(*data.Problem, model.Optimizer, model.StageResults) (model.Kernel, error) {
	return nil, errors.New("not used")
}

// countingKernel records how many voxel fits ran and writes the voxel index.
type countingKernel struct {
	calls atomic.Int64
}

func (k *countingKernel) Fit(voxel int, measurements []float64, params []float64) error {
	k.calls.Add(1)
	for i := range params {
		params[i] = float64(voxel)
	}
	return nil
}

// failAboveKernel fails for voxels at or past a threshold.
type failAboveKernel struct{ threshold int }

func (k failAboveKernel) Fit(voxel int, measurements []float64, params []float64) error {
	if voxel >= k.threshold {
		return fmt.Errorf("no convergence")
	}
	for i := range params {
		params[i] = 1
	}
	return nil
}

func testProblem(t *testing.T, numVoxels int) *data.Problem {
	t.Helper()
	values := make([]float64, numVoxels*2)
	for i := range values {
		values[i] = float64(i)
	}
	ds, err := data.NewDataset(values, numVoxels, 2)
	require.NoError(t, err)
	return &data.Problem{Dataset: ds, NoiseStd: 1}
}

func testConfig(budget int64) Config {
	return Config{
		BudgetBytes:    budget,
		MinChunkVoxels: 1,
		Devices: []balancer.Device{
			{Name: "cpu0", Weight: 1},
			{Name: "cpu1", Weight: 1},
		},
		Store: store.NewMemoryStore(),
	}
}

func TestNew_UnknownStrategy(t *testing.T) {
	_, err := New("massively-parallel", testConfig(1 << 20))
	var cfgErr *fiterr.ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
}

func TestChunked_ProcessesAllVoxels(t *testing.T) {
	// Budget of 10 voxels' working set: (2 meas + 1 param) * 8 bytes = 24.
	s, err := New("chunked", testConfig(240))
	require.NoError(t, err)

	problem := testProblem(t, 25)
	m := fakeModel{name: "S0", params: []string{"S0.s0"}}
	kernel := &countingKernel{}

	results, err := s.Process(context.Background(), m, kernel, problem)
	require.NoError(t, err)
	assert.EqualValues(t, 25, kernel.calls.Load())

	require.Len(t, results, 1)
	got := results["S0.s0"]
	require.Len(t, got, 25)
	for v, value := range got {
		assert.Equal(t, float64(v), value, "voxel %d", v)
	}
}

func TestChunked_SkipsStoredChunks(t *testing.T) {
	cfg := testConfig(240) // 10 voxels per chunk
	s, err := New("chunked", cfg)
	require.NoError(t, err)

	problem := testProblem(t, 25)
	m := fakeModel{name: "S0", params: []string{"S0.s0"}}

	first := &countingKernel{}
	_, err = s.Process(context.Background(), m, first, problem)
	require.NoError(t, err)
	require.EqualValues(t, 25, first.calls.Load())

	// A rerun against the same store recomputes nothing.
	second := &countingKernel{}
	results, err := s.Process(context.Background(), m, second, problem)
	require.NoError(t, err)
	assert.EqualValues(t, 0, second.calls.Load())
	assert.Len(t, results["S0.s0"], 25)
}

func TestChunked_ResumesAfterInvalidation(t *testing.T) {
	cfg := testConfig(240)
	s, err := New("chunked", cfg)
	require.NoError(t, err)

	problem := testProblem(t, 25)
	m := fakeModel{name: "S0", params: []string{"S0.s0"}}

	_, err = s.Process(context.Background(), m, &countingKernel{}, problem)
	require.NoError(t, err)

	require.NoError(t, cfg.Store.Invalidate(context.Background(), "S0"))

	kernel := &countingKernel{}
	_, err = s.Process(context.Background(), m, kernel, problem)
	require.NoError(t, err)
	assert.EqualValues(t, 25, kernel.calls.Load())
}

func TestChunked_BudgetTooSmall(t *testing.T) {
	cfg := testConfig(8) // not even one voxel's working set
	s, err := New("chunked", cfg)
	require.NoError(t, err)

	problem := testProblem(t, 4)
	m := fakeModel{name: "S0", params: []string{"S0.s0"}}

	_, err = s.Process(context.Background(), m, &countingKernel{}, problem)
	var exhausted *fiterr.ResourceExhaustionError
	require.True(t, errors.As(err, &exhausted))
	assert.Greater(t, exhausted.Requested, exhausted.Budget)
}

func TestChunked_WorkerFailureKeepsChunkOut(t *testing.T) {
	cfg := testConfig(240)
	s, err := New("chunked", cfg)
	require.NoError(t, err)

	problem := testProblem(t, 25)
	m := fakeModel{name: "BallStick", params: []string{"d"}}

	// Voxels 12+ fail, so the second chunk fails while the first succeeds.
	_, err = s.Process(context.Background(), m, failAboveKernel{threshold: 12}, problem)
	var partial *fiterr.PartialFailureError
	require.True(t, errors.As(err, &partial))
	assert.Equal(t, "BallStick", partial.Model)
	assert.NotEmpty(t, partial.Causes)

	// The failed chunk must not be in the store; the completed one must be.
	ctx := context.Background()
	ok, err := cfg.Store.HasChunk(ctx, "BallStick", balancer.Range{Start: 0, End: 10}, []string{"d"})
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = cfg.Store.HasChunk(ctx, "BallStick", balancer.Range{Start: 10, End: 20}, []string{"d"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAllVoxels_SingleChunk(t *testing.T) {
	cfg := testConfig(8) // would starve the chunked strategy
	s, err := New("all-voxels", cfg)
	require.NoError(t, err)

	problem := testProblem(t, 5)
	m := fakeModel{name: "S0", params: []string{"S0.s0"}}
	kernel := &countingKernel{}

	results, err := s.Process(context.Background(), m, kernel, problem)
	require.NoError(t, err)
	assert.EqualValues(t, 5, kernel.calls.Load())
	assert.Len(t, results["S0.s0"], 5)

	chunks, err := cfg.Store.Chunks(context.Background(), "S0")
	require.NoError(t, err)
	assert.Equal(t, []balancer.Range{{Start: 0, End: 5}}, chunks)
}

func TestNew_RequiresDevicesAndStore(t *testing.T) {
	cfg := testConfig(1 << 20)
	cfg.Devices = nil
	_, err := New("chunked", cfg)
	require.Error(t, err)

	cfg = testConfig(1 << 20)
	cfg.Store = nil
	_, err = New("chunked", cfg)
	require.Error(t, err)
}
