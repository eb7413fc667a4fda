// Package fitting is the orchestration layer: it resolves per-model
// configuration, sequences cascade stages, and drives each model through a
// processing strategy.
package fitting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"voxelfit/internal/config"
	"voxelfit/internal/data"
	"voxelfit/internal/fiterr"
	"voxelfit/internal/model"
	"voxelfit/internal/store"
	"voxelfit/internal/strategy"
)

// Options controls recomputation of already-stored results.
type Options struct {
	// Recalculate invalidates stored results before fitting.
	Recalculate bool

	// OnlyRecalculateLast restricts a requested recalculation to the final
	// stage of a cascade; earlier stages run in skip-if-exists mode. Lets
	// cascades sharing a prefix reuse intermediate stages.
	OnlyRecalculateLast bool
}

// Runner fits models and cascades against one result store.
type Runner struct {
	cfg    *config.Config
	store  store.Interface
	logger *zap.Logger
}

func NewRunner(cfg *config.Config, st store.Interface, logger *zap.Logger) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if st == nil {
		return nil, fiterr.Configurationf("fitting runner needs a result store")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{cfg: cfg, store: st, logger: logger}, nil
}

// FitModel fits the named model or cascade over the problem and returns the
// final stage's parameter maps.
func (r *Runner) FitModel(ctx context.Context, name string, problem *data.Problem, opts Options) (model.ResultMaps, error) {
	def, err := model.Get(name)
	if err != nil {
		return nil, err
	}
	return r.run(ctx, def, problem, nil, opts.Recalculate, opts.OnlyRecalculateLast, model.StageResults{})
}

// run recursively resolves cascades. For a cascade, each stage is fitted in
// chain order with the accumulated prior-stage results available for
// seeding; a requested recalculation reaches earlier stages only when
// onlyLast is false.
func (r *Runner) run(ctx context.Context, def model.Definition, problem *data.Problem, chain []string, recalculate, onlyLast bool, prior model.StageResults) (model.ResultMaps, error) {
	chain = append(chain, def.Name())

	cascade, ok := def.(*model.Cascade)
	if !ok {
		m, isModel := def.(model.Model)
		if !isModel {
			return nil, fmt.Errorf("definition %q is neither a model nor a cascade", def.Name())
		}
		return r.fitSingle(ctx, m, problem, chain, recalculate, prior)
	}

	results := model.StageResults{}
	var last model.ResultMaps
	for cascade.HasNext() {
		sub, err := cascade.Next(results)
		if err != nil {
			cascade.Reset()
			return nil, err
		}

		subRecalculate := false
		if recalculate {
			if !onlyLast || !cascade.HasNext() {
				subRecalculate = true
			}
		}

		maps, err := r.run(ctx, sub, problem, chain, subRecalculate, onlyLast, results)
		if err != nil {
			cascade.Reset()
			return nil, err
		}
		results[sub.Name()] = maps
		last = maps
	}
	cascade.Reset()
	return last, nil
}

// fitSingle fits one non-cascade model: it resolves the protocol options,
// optimizer and strategy for the current chain, then hands the kernel to the
// strategy.
func (r *Runner) fitSingle(ctx context.Context, m model.Model, problem *data.Problem, chain []string, recalculate bool, prior model.StageResults) (model.ResultMaps, error) {
	logger := r.logger.With(
		zap.String("model", m.Name()),
		zap.Strings("chain", chain))
	logger.Info("preparing model fit",
		zap.Float64("noise_std", problem.NoiseStd),
		zap.Int("voxels", problem.Dataset.NumVoxels()))

	problem, err := r.applyProtocolOptions(m, problem, chain, logger)
	if err != nil {
		return nil, err
	}
	if err := m.ValidateProtocol(problem); err != nil {
		return nil, err
	}

	optSettings := r.cfg.Optimization.Default
	if s, ok, err := config.MatchChain(r.cfg.Optimization.ModelSpecific, chain); err != nil {
		return nil, err
	} else if ok {
		optSettings = s
	}
	opt, err := model.NewOptimizer(optSettings.Name, optSettings.Patience)
	if err != nil {
		return nil, err
	}

	strat, err := r.strategyFor(chain, logger)
	if err != nil {
		return nil, err
	}

	if recalculate {
		if err := r.store.Invalidate(ctx, m.Name()); err != nil {
			return nil, err
		}
	}

	kernel, err := m.BuildKernel(problem, opt, prior)
	if err != nil {
		return nil, err
	}

	logger.Info("starting model fit",
		zap.String("optimizer", optSettings.Name),
		zap.String("strategy", strat.Name()))
	start := time.Now()

	maps, err := strat.Process(ctx, m, kernel, problem)
	if err != nil {
		var partial *fiterr.PartialFailureError
		if errors.As(err, &partial) && len(partial.Chain) == 0 {
			partial.Chain = chain
		}
		return nil, err
	}

	logger.Info("model fit complete", zap.String("runtime", formatRuntime(time.Since(start))))
	return maps, nil
}

// applyProtocolOptions restricts the problem's measurements per the model
// chain's protocol options, when any are configured.
func (r *Runner) applyProtocolOptions(m model.Model, problem *data.Problem, chain []string, logger *zap.Logger) (*data.Problem, error) {
	opts, ok, err := config.MatchChain(r.cfg.ProtocolOptions, chain)
	if err != nil {
		return nil, err
	}
	if !ok || opts.IsZero() {
		return problem, nil
	}

	var indices []int
	if opts.UnweightedOnly {
		indices = problem.Protocol.UnweightedIndices()
	} else {
		indices, err = problem.Protocol.IndicesBValueInRange(opts.BMin, opts.BMax)
		if err != nil {
			return nil, err
		}
	}
	if len(indices) == 0 {
		return nil, fiterr.Configurationf(
			"protocol options for model %s select no volumes", m.Name())
	}
	if len(indices) == problem.Protocol.Length() {
		return problem, nil
	}

	logger.Info("applying model protocol options",
		zap.Int("volumes", len(indices)),
		zap.Int("total", problem.Protocol.Length()))
	return problem.WithMeasurementSubset(indices), nil
}

// strategyFor builds the processing strategy for the chain, with the
// model-specific override table consulted first.
func (r *Runner) strategyFor(chain []string, logger *zap.Logger) (strategy.Strategy, error) {
	name := r.cfg.Processing.Strategy
	budget := r.cfg.Processing.BudgetBytes
	if s, ok, err := config.MatchChain(r.cfg.Processing.ModelSpecific, chain); err != nil {
		return nil, err
	} else if ok {
		if s.Name != "" {
			name = s.Name
		}
		if s.BudgetBytes > 0 {
			budget = s.BudgetBytes
		}
	}
	return strategy.New(name, strategy.Config{
		BudgetBytes:    budget,
		MinChunkVoxels: r.cfg.Processing.MinChunkVoxels,
		Devices:        r.cfg.BalancerDevices(),
		Store:          r.store,
		Logger:         logger,
	})
}

// formatRuntime renders a duration in h:mm:ss form for run summaries.
func formatRuntime(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	m := (d % time.Hour) / time.Minute
	s := (d % time.Minute) / time.Second
	return fmt.Sprintf("%d:%02d:%02d", h, m, s)
}
