package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"voxelfit/internal/data"
	"voxelfit/internal/fitting"
	"voxelfit/internal/store"
)

var (
	batchDataDir     string
	batchModels      []string
	batchNoiseStd    float64
	batchRecalculate bool
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Fit a list of models over every subject in a directory",
	Long: `Batch scans a directory for subject subdirectories and fits the given
models over each. A subject directory holds:

    data.txt              the measurement matrix, one voxel per row
    protocol.prtcl        the acquisition protocol
    mask.txt              optional voxel mask

Results land in <subject>/output. Models whose required protocol columns a
subject lacks are skipped with a warning; the batch continues. Recalculation
is restricted to final cascade stages, so cascades sharing a prefix reuse
intermediate results.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runBatch(ctx)
	},
}

func init() {
	batchCmd.Flags().StringVar(&batchDataDir, "data-dir", "", "directory of subject subdirectories (required)")
	batchCmd.Flags().StringSliceVar(&batchModels, "models", nil, "models to fit, comma separated (required)")
	batchCmd.Flags().Float64Var(&batchNoiseStd, "noise-std", 0, "noise standard deviation; 0 estimates it per subject")
	batchCmd.Flags().BoolVar(&batchRecalculate, "recalculate", false, "invalidate stored results and refit")
	_ = batchCmd.MarkFlagRequired("data-dir")
	_ = batchCmd.MarkFlagRequired("models")
}

func runBatch(ctx context.Context) error {
	subjectDirs, err := findSubjects(batchDataDir)
	if err != nil {
		return err
	}
	if len(subjectDirs) == 0 {
		return fmt.Errorf("no subject directories with data.txt and protocol.prtcl under %s", batchDataDir)
	}
	logger.Info("subjects found", zap.Int("count", len(subjectDirs)))

	subjects := make([]fitting.Subject, 0, len(subjectDirs))
	masks := map[string]data.Mask{}
	stores := make([]*store.SQLiteStore, 0, len(subjectDirs))
	defer func() {
		for _, st := range stores {
			st.Close()
		}
	}()

	for _, dir := range subjectDirs {
		id := filepath.Base(dir)
		maskPath := filepath.Join(dir, "mask.txt")
		if _, err := os.Stat(maskPath); err != nil {
			maskPath = ""
		}
		problem, mask, err := loadProblem(
			filepath.Join(dir, "data.txt"),
			filepath.Join(dir, "protocol.prtcl"),
			"", "", maskPath, batchNoiseStd)
		if err != nil {
			return fmt.Errorf("subject %s: %w", id, err)
		}

		st, err := store.OpenSQLite(resultsDBPath(filepath.Join(dir, "output")), store.WithLogger(logger))
		if err != nil {
			return fmt.Errorf("subject %s: %w", id, err)
		}
		stores = append(stores, st)
		subjects = append(subjects, fitting.Subject{ID: id, Problem: problem, Store: st})
		masks[id] = mask
	}

	runner, err := fitting.NewRunner(cfg, store.NewMemoryStore(), logger)
	if err != nil {
		return err
	}
	results, err := runner.BatchFit(ctx, subjects, batchModels, batchRecalculate)
	if err != nil {
		return err
	}

	for _, dir := range subjectDirs {
		id := filepath.Base(dir)
		for name, maps := range results[id] {
			if err := writeResultMaps(filepath.Join(dir, "output"), name, maps, masks[id]); err != nil {
				return fmt.Errorf("subject %s: %w", id, err)
			}
		}
	}
	return nil
}

// findSubjects lists subdirectories holding both a dataset and a protocol.
func findSubjects(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("reading data directory: %w", err)
	}
	var dirs []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(root, entry.Name())
		if _, err := os.Stat(filepath.Join(dir, "data.txt")); err != nil {
			continue
		}
		if _, err := os.Stat(filepath.Join(dir, "protocol.prtcl")); err != nil {
			continue
		}
		dirs = append(dirs, dir)
	}
	sort.Strings(dirs)
	return dirs, nil
}
