// Package strategy turns a voxel-wise fitting problem into device-sized
// pieces of work. A strategy walks the problem in chunks, fans each chunk out
// over the configured devices and persists every finished chunk before moving
// on, so a restarted run resumes where the previous one stopped.
package strategy

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"voxelfit/internal/balancer"
	"voxelfit/internal/data"
	"voxelfit/internal/fiterr"
	"voxelfit/internal/model"
	"voxelfit/internal/store"
	"voxelfit/internal/worker"
)

// Strategy processes one model fit over a problem's voxels.
type Strategy interface {
	Name() string

	// Process runs the kernel over every voxel, persisting chunk results to
	// the store as it goes, and returns the assembled per-parameter maps.
	// Chunks already present in the store are not recomputed.
	Process(ctx context.Context, m model.Model, kernel model.Kernel, problem *data.Problem) (model.ResultMaps, error)
}

// Config carries the shared strategy dependencies.
type Config struct {
	BudgetBytes    int64
	MinChunkVoxels int
	Devices        []balancer.Device
	Store          store.Interface
	Logger         *zap.Logger
}

func (c *Config) fill() {
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.MinChunkVoxels <= 0 {
		c.MinChunkVoxels = 1
	}
}

// New constructs the named strategy. Known names are "chunked" and
// "all-voxels".
func New(name string, cfg Config) (Strategy, error) {
	cfg.fill()
	if cfg.Store == nil {
		return nil, fiterr.Configurationf("strategy %q needs a result store", name)
	}
	if len(cfg.Devices) == 0 {
		return nil, fiterr.Configurationf("strategy %q needs at least one device", name)
	}
	switch name {
	case "chunked":
		return &Chunked{cfg: cfg}, nil
	case "all-voxels":
		return &AllVoxels{cfg: cfg}, nil
	default:
		return nil, fiterr.Configurationf("unknown processing strategy %q", name)
	}
}

// Chunked processes the problem in sequential chunks sized so that one
// chunk's working set fits the configured byte budget.
type Chunked struct {
	cfg Config
}

func (s *Chunked) Name() string { return "chunked" }

// chunkVoxels derives the chunk size from the budget. The per-voxel working
// set is the staged measurements plus the parameter output, in float64s.
func (s *Chunked) chunkVoxels(problem *data.Problem, numParams int) (int, error) {
	perVoxel := int64(problem.Dataset.NumMeasurements()+numParams) * 8
	voxels := int(s.cfg.BudgetBytes / perVoxel)
	if voxels < s.cfg.MinChunkVoxels {
		return 0, &fiterr.ResourceExhaustionError{
			Requested: int64(s.cfg.MinChunkVoxels) * perVoxel,
			Budget:    s.cfg.BudgetBytes,
		}
	}
	return voxels, nil
}

func (s *Chunked) Process(ctx context.Context, m model.Model, kernel model.Kernel, problem *data.Problem) (model.ResultMaps, error) {
	size, err := s.chunkVoxels(problem, len(m.ParameterNames()))
	if err != nil {
		return nil, err
	}
	return processChunks(ctx, s.cfg, m, kernel, problem, size)
}

// AllVoxels processes the whole problem as one chunk, regardless of budget.
// Useful for small datasets and as the degenerate reference strategy.
type AllVoxels struct {
	cfg Config
}

func (s *AllVoxels) Name() string { return "all-voxels" }

func (s *AllVoxels) Process(ctx context.Context, m model.Model, kernel model.Kernel, problem *data.Problem) (model.ResultMaps, error) {
	n := problem.Dataset.NumVoxels()
	if n == 0 {
		n = 1
	}
	return processChunks(ctx, s.cfg, m, kernel, problem, n)
}

// processChunks is the shared chunk loop. Each chunk is either skipped (its
// results are already stored), or computed across all devices and written to
// the store in one transaction before the next chunk starts.
func processChunks(ctx context.Context, cfg Config, m model.Model, kernel model.Kernel, problem *data.Problem, chunkSize int) (model.ResultMaps, error) {
	n := problem.Dataset.NumVoxels()
	params := m.ParameterNames()
	logger := cfg.Logger.With(zap.String("model", m.Name()))

	for start := 0; start < n; start += chunkSize {
		chunk := balancer.Range{Start: start, End: min(start+chunkSize, n)}

		done, err := cfg.Store.HasChunk(ctx, m.Name(), chunk, params)
		if err != nil {
			return nil, err
		}
		if done {
			logger.Debug("chunk already stored, skipping", zap.String("range", chunk.String()))
			continue
		}

		values, err := computeChunk(ctx, cfg, m, kernel, problem, chunk, logger)
		if err != nil {
			return nil, err
		}
		if err := cfg.Store.WriteChunk(ctx, m.Name(), chunk, params, values); err != nil {
			return nil, err
		}
		logger.Info("chunk complete",
			zap.String("range", chunk.String()),
			zap.Int("voxels", chunk.Len()))
	}

	out := make(model.ResultMaps, len(params))
	for _, param := range params {
		values, err := cfg.Store.ReadParam(ctx, m.Name(), param, n)
		if err != nil {
			return nil, err
		}
		out[param] = values
	}
	return out, nil
}

// computeChunk fans one chunk out over the devices and gathers the results
// into one array per parameter. Workers write disjoint offset ranges of the
// shared arrays. Any worker failure fails the whole chunk; nothing of a
// failed chunk reaches the store.
func computeChunk(ctx context.Context, cfg Config, m model.Model, kernel model.Kernel, problem *data.Problem, chunk balancer.Range, logger *zap.Logger) ([][]float64, error) {
	assignments, err := balancer.Partition(chunk.Len(), cfg.Devices)
	if err != nil {
		return nil, err
	}

	numParams := len(m.ParameterNames())
	values := make([][]float64, numParams)
	for p := range values {
		values[p] = make([]float64, chunk.Len())
	}

	causes := make([]error, len(assignments))
	g, gctx := errgroup.WithContext(ctx)
	for i, a := range assignments {
		i, a := i, a
		rng := a.Range.Shift(chunk.Start)
		offset := a.Range.Start
		g.Go(func() error {
			err := runWorker(gctx, a.Device, rng, problem, kernel, values, offset, logger)
			if err != nil {
				causes[i] = fmt.Errorf("device %s: %w", a.Device.Name, err)
			}
			return err
		})
	}
	if g.Wait() != nil {
		failure := &fiterr.PartialFailureError{Model: m.Name()}
		for _, cause := range causes {
			if cause != nil {
				failure.Causes = append(failure.Causes, cause)
			}
		}
		return nil, failure
	}
	return values, nil
}

// runWorker owns one worker's full lifecycle for a single range.
func runWorker(ctx context.Context, device balancer.Device, rng balancer.Range, problem *data.Problem, kernel model.Kernel, dst [][]float64, offset int, logger *zap.Logger) error {
	w, err := worker.New(device, rng, problem.Dataset, kernel, len(dst), logger)
	if err != nil {
		return err
	}
	defer w.Release()

	handle, err := w.Calculate(ctx)
	if err != nil {
		return err
	}
	if err := handle.Wait(ctx); err != nil {
		return err
	}
	return w.ReadResults(dst, offset)
}
