package main

import (
	"context"
	"fmt"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"voxelfit/internal/data"
	"voxelfit/internal/fitting"
	"voxelfit/internal/model"
	"voxelfit/internal/protocol"
	"voxelfit/internal/store"
)

var (
	fitDataPath     string
	fitProtocolPath string
	fitBvecPath     string
	fitBvalPath     string
	fitMaskPath     string
	fitModelName    string
	fitOutputDir    string
	fitNoiseStd     float64
	fitRecalculate  bool
	fitOnlyLast     bool
	fitRunID        string
)

var fitCmd = &cobra.Command{
	Use:   "fit",
	Short: "Fit one model or cascade over a dataset",
	Long: `Fit runs the named model (or cascade) over every masked voxel of the
dataset and writes one parameter map file per fitted parameter.

Chunk results are persisted in a results database under the output directory;
re-running the same fit skips finished chunks unless --recalculate is given.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runFit(ctx)
	},
}

func init() {
	fitCmd.Flags().StringVar(&fitDataPath, "data", "", "dataset file, one voxel per row (required)")
	fitCmd.Flags().StringVar(&fitProtocolPath, "protocol", "", "protocol file (.prtcl)")
	fitCmd.Flags().StringVar(&fitBvecPath, "bvec", "", "gradient vector file, used with --bval instead of --protocol")
	fitCmd.Flags().StringVar(&fitBvalPath, "bval", "", "b-value file, used with --bvec")
	fitCmd.Flags().StringVar(&fitMaskPath, "mask", "", "voxel mask file, one 0/1 per position")
	fitCmd.Flags().StringVar(&fitModelName, "model", "", "model to fit (required, see 'voxelfit models')")
	fitCmd.Flags().StringVarP(&fitOutputDir, "output", "o", "output", "output directory")
	fitCmd.Flags().Float64Var(&fitNoiseStd, "noise-std", 0, "noise standard deviation; 0 estimates it from the unweighted volumes")
	fitCmd.Flags().BoolVar(&fitRecalculate, "recalculate", false, "invalidate stored results and refit")
	fitCmd.Flags().BoolVar(&fitOnlyLast, "only-recalculate-last", false, "restrict --recalculate to the final cascade stage")
	fitCmd.Flags().StringVar(&fitRunID, "run", "", "pin the results run; by default the output directory's current run is resumed")
	_ = fitCmd.MarkFlagRequired("data")
	_ = fitCmd.MarkFlagRequired("model")
}

func runFit(ctx context.Context) error {
	problem, mask, err := loadProblem(fitDataPath, fitProtocolPath, fitBvecPath, fitBvalPath, fitMaskPath, fitNoiseStd)
	if err != nil {
		return err
	}
	logger.Info("problem loaded",
		zap.String("model", fitModelName),
		zap.Int("voxels", problem.Dataset.NumVoxels()),
		zap.Int("measurements", problem.Dataset.NumMeasurements()),
		zap.Float64("noise_std", problem.NoiseStd))

	storeOpts := []store.Option{store.WithLogger(logger)}
	if fitRunID != "" {
		storeOpts = append(storeOpts, store.WithRunID(fitRunID))
	}
	st, err := store.OpenSQLite(resultsDBPath(fitOutputDir), storeOpts...)
	if err != nil {
		return err
	}
	defer st.Close()
	logger.Info("result store open", zap.String("run", st.RunID()))

	runner, err := fitting.NewRunner(cfg, st, logger)
	if err != nil {
		return err
	}
	maps, err := runner.FitModel(ctx, fitModelName, problem, fitting.Options{
		Recalculate:         fitRecalculate,
		OnlyRecalculateLast: fitOnlyLast,
	})
	if err != nil {
		return err
	}

	return writeResultMaps(fitOutputDir, fitModelName, maps, mask)
}

// loadProblem assembles the problem bundle from the input files.
func loadProblem(dataPath, protocolPath, bvecPath, bvalPath, maskPath string, noiseStd float64) (*data.Problem, data.Mask, error) {
	ds, err := data.LoadMatrix(dataPath)
	if err != nil {
		return nil, nil, err
	}

	var prot *protocol.Protocol
	switch {
	case protocolPath != "":
		prot, err = protocol.Load(protocolPath)
	case bvecPath != "" && bvalPath != "":
		prot, err = protocol.LoadBvecBval(bvecPath, bvalPath)
	default:
		return nil, nil, fmt.Errorf("either --protocol or --bvec/--bval is required")
	}
	if err != nil {
		return nil, nil, err
	}

	var mask data.Mask
	if maskPath != "" {
		mask, err = data.LoadMask(maskPath)
		if err != nil {
			return nil, nil, err
		}
		ds, err = ds.ApplyMask(mask)
		if err != nil {
			return nil, nil, err
		}
	}

	problem, err := data.NewProblem(ds, prot, mask, data.ResolveNoiseStd(noiseStd, ds, prot))
	if err != nil {
		return nil, nil, err
	}
	return problem, mask, nil
}

func resultsDBPath(outputDir string) string {
	return filepath.Join(outputDir, "results.db")
}

// writeResultMaps writes one whitespace separated file per parameter under
// <output>/<model>/. With a mask, values are expanded back to full-volume
// positions, excluded positions as NaN.
func writeResultMaps(outputDir, modelName string, maps model.ResultMaps, mask data.Mask) error {
	dir := filepath.Join(outputDir, sanitizeName(modelName))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	params := make([]string, 0, len(maps))
	for param := range maps {
		params = append(params, param)
	}
	sort.Strings(params)

	for _, param := range params {
		values := maps[param]
		if mask != nil {
			expanded, err := mask.RestoreMap(values, math.NaN())
			if err != nil {
				return err
			}
			values = expanded
		}

		var b strings.Builder
		for _, v := range values {
			fmt.Fprintf(&b, "%g\n", v)
		}
		path := filepath.Join(dir, sanitizeName(param)+".txt")
		if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
			return fmt.Errorf("write parameter map %s: %w", param, err)
		}
		logger.Info("parameter map written", zap.String("path", path))
	}
	return nil
}

// sanitizeName keeps model and parameter names filesystem-safe.
func sanitizeName(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ' ', '(', ')':
			return '_'
		}
		return r
	}, name)
}
