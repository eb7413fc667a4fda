// Package config holds the voxelfit runtime configuration: devices, chunk
// budgets, optimizer settings and the model-specific override tables.
//
// A Config is an immutable value once loaded; callers needing temporary
// deviations use WithOverrides, which works on a shadow copy and leaves the
// original untouched on every exit path.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"voxelfit/internal/balancer"
)

// Config is the full voxelfit configuration.
type Config struct {
	// Devices lists the compute devices available to the partitioner.
	Devices []DeviceConfig `yaml:"devices"`

	// Processing selects and parameterizes the processing strategy.
	Processing ProcessingConfig `yaml:"processing"`

	// Optimization configures the optimizer per model chain.
	Optimization OptimizationConfig `yaml:"optimization"`

	// ProtocolOptions restricts the protocol per model chain, e.g. to a
	// b-value range.
	ProtocolOptions []Entry[ProtocolOptions] `yaml:"protocol_options"`

	// Logging configures the process logger.
	Logging LoggingConfig `yaml:"logging"`
}

// DeviceConfig describes one compute device.
type DeviceConfig struct {
	Name        string  `yaml:"name"`
	Weight      float64 `yaml:"weight"`
	MemoryBytes int64   `yaml:"memory_bytes"`
}

// ProcessingConfig selects the processing strategy and its chunk budget.
type ProcessingConfig struct {
	// Strategy is the default strategy name: "chunked" or "all-voxels".
	Strategy string `yaml:"strategy"`

	// BudgetBytes caps the working set of one chunk across all devices.
	BudgetBytes int64 `yaml:"budget_bytes"`

	// MinChunkVoxels clamps the chunk size from below.
	MinChunkVoxels int `yaml:"min_chunk_voxels"`

	// ModelSpecific overrides the strategy per model chain.
	ModelSpecific []Entry[StrategySettings] `yaml:"model_specific"`
}

// StrategySettings is the strategy override payload.
type StrategySettings struct {
	Name        string `yaml:"name"`
	BudgetBytes int64  `yaml:"budget_bytes"`
}

// OptimizationConfig holds the default optimizer and per-chain overrides.
type OptimizationConfig struct {
	Default       OptimizerSettings          `yaml:"default"`
	ModelSpecific []Entry[OptimizerSettings] `yaml:"model_specific"`
}

// OptimizerSettings names an optimization routine and its patience.
type OptimizerSettings struct {
	Name     string `yaml:"name"`
	Patience int    `yaml:"patience"`
}

// ProtocolOptions is the per-model protocol restriction payload.
type ProtocolOptions struct {
	// BMin/BMax keep only volumes whose b-value lies in [BMin, BMax].
	// Both zero means no b-value restriction.
	BMin float64 `yaml:"b_min"`
	BMax float64 `yaml:"b_max"`

	// UnweightedOnly keeps only the unweighted volumes.
	UnweightedOnly bool `yaml:"unweighted_only"`
}

// IsZero reports whether the options impose no restriction.
func (o ProtocolOptions) IsZero() bool {
	return o.BMin == 0 && o.BMax == 0 && !o.UnweightedOnly
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
	File   string `yaml:"file"`
}

// Default returns the built-in configuration: one CPU device, chunked
// processing with a 256 MiB budget and a Powell-style optimizer.
func Default() *Config {
	return &Config{
		Devices: []DeviceConfig{
			{Name: "cpu", Weight: 1},
		},
		Processing: ProcessingConfig{
			Strategy:       "chunked",
			BudgetBytes:    256 << 20,
			MinChunkVoxels: 1,
		},
		Optimization: OptimizationConfig{
			Default: OptimizerSettings{Name: "powell", Patience: 2},
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load reads a YAML configuration file on top of the defaults and applies
// environment overrides. An empty path loads defaults only.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}
	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies VOXELFIT_* environment variables.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("VOXELFIT_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("VOXELFIT_STRATEGY"); v != "" {
		c.Processing.Strategy = v
	}
	if v := os.Getenv("VOXELFIT_BUDGET_BYTES"); v != "" {
		if budget, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Processing.BudgetBytes = budget
		}
	}
}

// Validate checks the configuration for structural problems.
func (c *Config) Validate() error {
	for _, d := range c.Devices {
		if d.Weight <= 0 {
			return fmt.Errorf("device %s: weight must be positive, got %v", d.Name, d.Weight)
		}
	}
	for _, key := range keysOf(c.Processing.ModelSpecific) {
		if err := key.Validate(); err != nil {
			return err
		}
	}
	for _, key := range keysOf(c.Optimization.ModelSpecific) {
		if err := key.Validate(); err != nil {
			return err
		}
	}
	for _, key := range keysOf(c.ProtocolOptions) {
		if err := key.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func keysOf[T any](entries []Entry[T]) []ChainKey {
	keys := make([]ChainKey, len(entries))
	for i, e := range entries {
		keys[i] = e.Key
	}
	return keys
}

// BalancerDevices converts the configured devices for the partitioner.
func (c *Config) BalancerDevices() []balancer.Device {
	devices := make([]balancer.Device, len(c.Devices))
	for i, d := range c.Devices {
		devices[i] = balancer.Device{
			ID:          i,
			Name:        d.Name,
			Weight:      d.Weight,
			MemoryBytes: d.MemoryBytes,
		}
	}
	return devices
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	out := *c
	out.Devices = append([]DeviceConfig(nil), c.Devices...)
	out.Processing.ModelSpecific = cloneEntries(c.Processing.ModelSpecific)
	out.Optimization.ModelSpecific = cloneEntries(c.Optimization.ModelSpecific)
	out.ProtocolOptions = cloneEntries(c.ProtocolOptions)
	return &out
}

func cloneEntries[T any](entries []Entry[T]) []Entry[T] {
	out := make([]Entry[T], len(entries))
	for i, e := range entries {
		out[i] = Entry[T]{Key: append(ChainKey(nil), e.Key...), Value: e.Value}
	}
	return out
}

// WithOverrides runs fn against a shadow copy of the configuration with
// apply'd deviations. The receiver is never modified, so the prior
// configuration is in effect again as soon as fn returns, however fn exits.
func (c *Config) WithOverrides(apply func(*Config), fn func(*Config) error) error {
	shadow := c.Clone()
	apply(shadow)
	return fn(shadow)
}
