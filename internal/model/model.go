// Package model defines the model capability surface the orchestration layer
// fits against, a small set of built-in compartment models, and the cascade
// type that sequences model-fit stages.
package model

import (
	"fmt"
	"sort"

	"voxelfit/internal/data"
	"voxelfit/internal/fiterr"
)

// ResultMaps holds one per-voxel value array per parameter name: the output
// of fitting one model.
type ResultMaps map[string][]float64

// StageResults accumulates the outputs of completed cascade stages by model
// name, available to later stages for parameter seeding.
type StageResults map[string]ResultMaps

// Kernel estimates model parameters for single voxels. A kernel is built for
// one problem and invoked by compute workers over their assigned ranges.
type Kernel interface {
	// Fit estimates parameters for the voxel at the given dataset index,
	// writing into params (len == number of declared parameters). The index
	// lets kernels look up per-voxel seeds from earlier cascade stages.
	// Implementations must be safe for concurrent use by multiple workers.
	Fit(voxel int, measurements []float64, params []float64) error
}

// Model is one fittable model: it validates the protocol, declares its
// parameters and builds the compute kernel.
type Model interface {
	Name() string

	// ParameterNames lists the parameters the kernel produces, in the
	// order the kernel writes them.
	ParameterNames() []string

	// RequiredColumns lists the protocol columns (real or virtual) the
	// model needs.
	RequiredColumns() []string

	// ValidateProtocol checks that all required columns resolve; a failure
	// is an InsufficientDataError.
	ValidateProtocol(problem *data.Problem) error

	// BuildKernel constructs the kernel for the given problem, optionally
	// seeded from earlier cascade stage results.
	BuildKernel(problem *data.Problem, opt Optimizer, prior StageResults) (Kernel, error)
}

// Definition is either a single Model or a *Cascade; the fitting layer
// dispatches on the concrete type.
type Definition interface {
	Name() string
}

var registry = map[string]func() Definition{}

// Register adds a model definition factory under its name. Intended for use
// from init functions; duplicate names panic.
func Register(name string, factory func() Definition) {
	if _, dup := registry[name]; dup {
		panic(fmt.Sprintf("model %q registered twice", name))
	}
	registry[name] = factory
}

// Get constructs the named model definition.
func Get(name string) (Definition, error) {
	factory, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown model %q", name)
	}
	return factory(), nil
}

// Names lists the registered model names, sorted.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// validateColumns is the shared RequiredColumns check.
func validateColumns(name string, problem *data.Problem, required []string) error {
	var missing []string
	for _, col := range required {
		if !problem.Protocol.HasColumn(col) {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return &fiterr.InsufficientDataError{Model: name, Missing: missing}
	}
	return nil
}
