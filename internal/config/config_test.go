package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsOnly(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "chunked", cfg.Processing.Strategy)
	assert.Len(t, cfg.Devices, 1)
	assert.Equal(t, "powell", cfg.Optimization.Default.Name)
}

func TestLoad_YAMLFile(t *testing.T) {
	content := `
devices:
  - name: gpu0
    weight: 3
    memory_bytes: 8589934592
  - name: cpu
    weight: 1
processing:
  strategy: chunked
  budget_bytes: 1048576
optimization:
  default:
    name: nmsimplex
    patience: 5
  model_specific:
    - models: ["^BallStick$", "^S0$"]
      options:
        name: powell
        patience: 10
protocol_options:
  - models: ^Tensor$
    options:
      b_max: 1.5e9
`
	path := filepath.Join(t.TempDir(), "voxelfit.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Len(t, cfg.Devices, 2)
	assert.Equal(t, 3.0, cfg.Devices[0].Weight)
	assert.Equal(t, int64(1048576), cfg.Processing.BudgetBytes)
	assert.Equal(t, "nmsimplex", cfg.Optimization.Default.Name)

	opt, ok, err := MatchChain(cfg.Optimization.ModelSpecific, []string{"BallStick", "S0"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, OptimizerSettings{Name: "powell", Patience: 10}, opt)

	po, ok, err := MatchChain(cfg.ProtocolOptions, []string{"Tensor"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1.5e9, po.BMax)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("VOXELFIT_LOG_LEVEL", "debug")
	t.Setenv("VOXELFIT_BUDGET_BYTES", "4096")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, int64(4096), cfg.Processing.BudgetBytes)
}

func TestLoad_RejectsBadPattern(t *testing.T) {
	content := `
protocol_options:
  - models: "("
    options:
      b_max: 1
`
	path := filepath.Join(t.TempDir(), "voxelfit.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestValidate_RejectsNonPositiveWeight(t *testing.T) {
	cfg := Default()
	cfg.Devices[0].Weight = 0
	require.Error(t, cfg.Validate())
}

func TestWithOverrides_ShadowDoesNotLeak(t *testing.T) {
	cfg := Default()
	original := cfg.Processing.BudgetBytes

	err := cfg.WithOverrides(func(c *Config) {
		c.Processing.BudgetBytes = 1
		c.Optimization.ModelSpecific = append(c.Optimization.ModelSpecific, Entry[OptimizerSettings]{
			Key:   ChainKey{"^S0$"},
			Value: OptimizerSettings{Name: "nmsimplex"},
		})
	}, func(c *Config) error {
		assert.Equal(t, int64(1), c.Processing.BudgetBytes)
		assert.Len(t, c.Optimization.ModelSpecific, 1)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, original, cfg.Processing.BudgetBytes)
	assert.Empty(t, cfg.Optimization.ModelSpecific)
}

func TestWithOverrides_RestoredOnError(t *testing.T) {
	cfg := Default()
	wantErr := errors.New("boom")

	err := cfg.WithOverrides(func(c *Config) {
		c.Processing.Strategy = "all-voxels"
	}, func(c *Config) error {
		return wantErr
	})
	assert.ErrorIs(t, err, wantErr)
	assert.Equal(t, "chunked", cfg.Processing.Strategy)
}

func TestWithOverrides_RestoredOnPanic(t *testing.T) {
	cfg := Default()

	assert.Panics(t, func() {
		_ = cfg.WithOverrides(func(c *Config) {
			c.Processing.Strategy = "all-voxels"
		}, func(c *Config) error {
			panic("kernel died")
		})
	})
	assert.Equal(t, "chunked", cfg.Processing.Strategy)
}

func TestClone_DeepCopiesTables(t *testing.T) {
	cfg := Default()
	cfg.ProtocolOptions = []Entry[ProtocolOptions]{
		{Key: ChainKey{"^S0$"}, Value: ProtocolOptions{UnweightedOnly: true}},
	}

	clone := cfg.Clone()
	if diff := cmp.Diff(cfg, clone, cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("clone differs from original (-want +got):\n%s", diff)
	}

	clone.Devices[0].Weight = 99
	clone.ProtocolOptions[0].Key[0] = "changed"

	assert.Equal(t, 1.0, cfg.Devices[0].Weight)
	assert.Equal(t, "^S0$", cfg.ProtocolOptions[0].Key[0])
}
