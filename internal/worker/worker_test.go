package worker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"voxelfit/internal/balancer"
	"voxelfit/internal/data"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// doublingKernel writes [2*first-measurement, voxel-index] per voxel.
type doublingKernel struct{}

func (doublingKernel) Fit(voxel int, measurements []float64, params []float64) error {
	params[0] = 2 * measurements[0]
	params[1] = float64(voxel)
	return nil
}

// failingKernel fails on one specific voxel.
type failingKernel struct{ badVoxel int }

func (k failingKernel) Fit(voxel int, measurements []float64, params []float64) error {
	if voxel == k.badVoxel {
		return fmt.Errorf("kernel diverged")
	}
	params[0] = measurements[0]
	params[1] = 0
	return nil
}

func testDataset(t *testing.T, numVoxels int) *data.Dataset {
	t.Helper()
	values := make([]float64, numVoxels*2)
	for i := range values {
		values[i] = float64(i)
	}
	ds, err := data.NewDataset(values, numVoxels, 2)
	require.NoError(t, err)
	return ds
}

func TestWorker_CalculateAndReadResults(t *testing.T) {
	ds := testDataset(t, 4)
	dev := balancer.Device{Name: "cpu", Weight: 1}

	w, err := New(dev, balancer.Range{Start: 1, End: 3}, ds, doublingKernel{}, 2, nil)
	require.NoError(t, err)
	defer w.Release()

	h, err := w.Calculate(context.Background())
	require.NoError(t, err)
	require.NoError(t, h.Wait(context.Background()))

	dst := [][]float64{make([]float64, 2), make([]float64, 2)}
	require.NoError(t, w.ReadResults(dst, 0))

	// Voxel 1 first measurement is 2, voxel 2 is 4.
	assert.Equal(t, []float64{4, 8}, dst[0])
	assert.Equal(t, []float64{1, 2}, dst[1])
}

func TestWorker_InputIsCopied(t *testing.T) {
	values := []float64{1, 1, 2, 2}
	ds, err := data.NewDataset(values, 2, 2)
	require.NoError(t, err)

	w, err := New(balancer.Device{Name: "cpu", Weight: 1}, balancer.Range{Start: 0, End: 2}, ds, doublingKernel{}, 2, nil)
	require.NoError(t, err)
	defer w.Release()

	// Mutating the source after staging must not affect the computation.
	values[0] = 100

	h, err := w.Calculate(context.Background())
	require.NoError(t, err)
	require.NoError(t, h.Wait(context.Background()))

	dst := [][]float64{make([]float64, 2), make([]float64, 2)}
	require.NoError(t, w.ReadResults(dst, 0))
	assert.Equal(t, 2.0, dst[0][0])
}

func TestWorker_FailurePropagates(t *testing.T) {
	ds := testDataset(t, 4)

	w, err := New(balancer.Device{Name: "cpu", Weight: 1}, balancer.Range{Start: 0, End: 4}, ds, failingKernel{badVoxel: 2}, 2, nil)
	require.NoError(t, err)
	defer w.Release()

	h, err := w.Calculate(context.Background())
	require.NoError(t, err)

	err = h.Wait(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "voxel 2")
}

func TestWorker_ReleaseIsIdempotent(t *testing.T) {
	ds := testDataset(t, 2)

	w, err := New(balancer.Device{Name: "cpu", Weight: 1}, balancer.Range{Start: 0, End: 2}, ds, doublingKernel{}, 2, nil)
	require.NoError(t, err)

	w.Release()
	assert.NotPanics(t, w.Release)

	_, err = w.Calculate(context.Background())
	assert.True(t, errors.Is(err, ErrReleased))

	err = w.ReadResults([][]float64{{0, 0}, {0, 0}}, 0)
	assert.True(t, errors.Is(err, ErrReleased))
}

func TestWorker_SingleDispatch(t *testing.T) {
	ds := testDataset(t, 2)

	w, err := New(balancer.Device{Name: "cpu", Weight: 1}, balancer.Range{Start: 0, End: 2}, ds, doublingKernel{}, 2, nil)
	require.NoError(t, err)
	defer w.Release()

	h, err := w.Calculate(context.Background())
	require.NoError(t, err)
	require.NoError(t, h.Wait(context.Background()))

	_, err = w.Calculate(context.Background())
	require.Error(t, err)
}

func TestWorker_EmptyRangeRejected(t *testing.T) {
	ds := testDataset(t, 2)
	_, err := New(balancer.Device{Name: "cpu", Weight: 1}, balancer.Range{Start: 1, End: 1}, ds, doublingKernel{}, 2, nil)
	require.Error(t, err)
}

// blockingKernel lets the test observe cancellation.
type blockingKernel struct{ started chan struct{} }

func (k blockingKernel) Fit(voxel int, measurements []float64, params []float64) error {
	if voxel == 0 {
		close(k.started)
		time.Sleep(10 * time.Millisecond)
	}
	params[0], params[1] = 0, 0
	return nil
}

func TestWorker_ContextCancellation(t *testing.T) {
	ds := testDataset(t, 100)
	ctx, cancel := context.WithCancel(context.Background())

	k := blockingKernel{started: make(chan struct{})}
	w, err := New(balancer.Device{Name: "cpu", Weight: 1}, balancer.Range{Start: 0, End: 100}, ds, k, 2, nil)
	require.NoError(t, err)
	defer w.Release()

	h, err := w.Calculate(ctx)
	require.NoError(t, err)

	<-k.started
	cancel()

	err = h.Wait(context.Background())
	assert.True(t, errors.Is(err, context.Canceled))
}
