// Package worker implements the compute worker that owns the device-resident
// buffers for one kernel invocation over one assigned voxel range.
//
// A worker's buffers live exactly as long as the worker: Release frees them
// deterministically, is safe to call more than once, and the orchestration
// layer guarantees it runs on every exit path of a chunk (normal, error or
// panic) by deferring it at dispatch time. Buffers are never shared between
// workers.
package worker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"voxelfit/internal/balancer"
	"voxelfit/internal/data"
	"voxelfit/internal/model"
)

// ErrReleased is returned when a worker is used after Release.
var ErrReleased = errors.New("worker already released")

// Worker executes one kernel over one voxel range on one device. It owns a
// read-only input buffer holding the range's measurements and a write buffer
// receiving the fitted parameters.
type Worker struct {
	device    balancer.Device
	rng       balancer.Range // absolute voxel indices into the dataset
	kernel    model.Kernel
	numParams int
	logger    *zap.Logger

	// Device-resident buffers, owned exclusively by this worker.
	input  []float64 // voxel-major measurements for rng
	output []float64 // voxel-major parameters for rng

	measurements int
	released     bool
	calculating  bool
}

// New allocates a worker's buffers and stages the input data for its range.
func New(device balancer.Device, rng balancer.Range, ds *data.Dataset, kernel model.Kernel, numParams int, logger *zap.Logger) (*Worker, error) {
	if rng.Empty() {
		return nil, fmt.Errorf("worker range %s is empty", rng)
	}
	if rng.Start < 0 || rng.End > ds.NumVoxels() {
		return nil, fmt.Errorf("worker range %s outside dataset of %d voxels", rng, ds.NumVoxels())
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	w := &Worker{
		device:       device,
		rng:          rng,
		kernel:       kernel,
		numParams:    numParams,
		logger:       logger,
		measurements: ds.NumMeasurements(),
		input:        make([]float64, rng.Len()*ds.NumMeasurements()),
		output:       make([]float64, rng.Len()*numParams),
	}
	for i := 0; i < rng.Len(); i++ {
		copy(w.input[i*w.measurements:(i+1)*w.measurements], ds.Voxel(rng.Start+i))
	}
	return w, nil
}

// Range returns the worker's assigned voxel range.
func (w *Worker) Range() balancer.Range { return w.rng }

// Device returns the device this worker runs on.
func (w *Worker) Device() balancer.Device { return w.device }

// Handle tracks one asynchronous Calculate invocation. Completion implies
// the worker's output buffer is valid for the calculated range.
type Handle struct {
	done chan struct{}
	err  error
}

// Wait blocks until the computation finishes or the context is done.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Calculate runs the kernel over the worker's range asynchronously. The
// returned handle completes when every voxel in the range has been fitted
// or a voxel fit failed; on failure the output buffer contents are
// unspecified and must not be merged.
func (w *Worker) Calculate(ctx context.Context) (*Handle, error) {
	if w.released {
		return nil, ErrReleased
	}
	if w.calculating {
		return nil, fmt.Errorf("worker for range %s was already dispatched", w.rng)
	}
	w.calculating = true

	h := &Handle{done: make(chan struct{})}
	// The goroutine touches only buffers owned by this worker; the caller
	// sequences Release after Wait.
	go func() {
		defer close(h.done)
		h.err = w.run(ctx)
	}()
	return h, nil
}

func (w *Worker) run(ctx context.Context) error {
	w.logger.Debug("worker computing",
		zap.String("device", w.device.Name),
		zap.String("range", w.rng.String()))

	for i := 0; i < w.rng.Len(); i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		voxel := w.rng.Start + i
		measurements := w.input[i*w.measurements : (i+1)*w.measurements]
		params := w.output[i*w.numParams : (i+1)*w.numParams]
		if err := w.kernel.Fit(voxel, measurements, params); err != nil {
			return fmt.Errorf("device %s voxel %d: %w", w.device.Name, voxel, err)
		}
	}
	return nil
}

// ReadResults copies the fitted parameters into the caller-supplied
// per-parameter arrays: dst[p][offset+i] receives parameter p of range voxel
// i. Valid only after the Calculate handle completed without error.
func (w *Worker) ReadResults(dst [][]float64, offset int) error {
	if w.released {
		return ErrReleased
	}
	if len(dst) != w.numParams {
		return fmt.Errorf("expected %d parameter arrays, got %d", w.numParams, len(dst))
	}
	for i := 0; i < w.rng.Len(); i++ {
		for p := 0; p < w.numParams; p++ {
			dst[p][offset+i] = w.output[i*w.numParams+p]
		}
	}
	return nil
}

// Release frees the worker's buffers. Safe to call more than once; any later
// use of the worker fails with ErrReleased.
func (w *Worker) Release() {
	if w.released {
		return
	}
	w.released = true
	w.input = nil
	w.output = nil
	w.logger.Debug("worker released",
		zap.String("device", w.device.Name),
		zap.String("range", w.rng.String()))
}
