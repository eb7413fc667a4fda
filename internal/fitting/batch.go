package fitting

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"voxelfit/internal/data"
	"voxelfit/internal/fiterr"
	"voxelfit/internal/model"
	"voxelfit/internal/store"
)

// Subject is one dataset in a batch run. Store, when set, receives the
// subject's results; subjects sharing the runner's store would otherwise
// overwrite each other, since results are keyed by model and chunk.
type Subject struct {
	ID      string
	Problem *data.Problem
	Store   store.Interface
}

// BatchResults holds per-subject, per-model parameter maps.
type BatchResults map[string]map[string]model.ResultMaps

// BatchFit fits every listed model over every subject. A model whose
// required columns cannot be resolved for a subject is logged and skipped; a
// partial worker failure aborts that model but not the batch. Only errors
// fatal to the whole run (configuration, resource exhaustion, store failures)
// are returned. Cascade recalculation is restricted to final stages so
// cascades sharing a prefix reuse intermediate results.
func (r *Runner) BatchFit(ctx context.Context, subjects []Subject, models []string, recalculate bool) (BatchResults, error) {
	if len(models) == 0 {
		return nil, fiterr.Configurationf("batch fit with no models")
	}
	opts := Options{Recalculate: recalculate, OnlyRecalculateLast: true}

	start := time.Now()
	r.logger.Info("batch fitting started",
		zap.Int("subjects", len(subjects)),
		zap.Strings("models", models))

	results := make(BatchResults, len(subjects))
	for _, subject := range subjects {
		logger := r.logger.With(zap.String("subject", subject.ID))
		subjectResults := make(map[string]model.ResultMaps, len(models))

		runner := r
		if subject.Store != nil {
			runner = &Runner{cfg: r.cfg, store: subject.Store, logger: logger}
		}

		for _, name := range models {
			maps, err := runner.FitModel(ctx, name, subject.Problem, opts)
			if err != nil {
				var insufficient *fiterr.InsufficientDataError
				if errors.As(err, &insufficient) {
					logger.Warn("skipping model, insufficient data",
						zap.String("model", name),
						zap.Strings("missing", insufficient.Missing))
					continue
				}
				var partial *fiterr.PartialFailureError
				if errors.As(err, &partial) {
					logger.Error("model fit failed, continuing batch",
						zap.String("model", name),
						zap.Error(err))
					continue
				}
				return nil, err
			}
			subjectResults[name] = maps
		}
		results[subject.ID] = subjectResults
	}

	r.logger.Info("batch fitting finished",
		zap.String("runtime", formatRuntime(time.Since(start))))
	return results, nil
}
