package model

import (
	"math"

	"gonum.org/v1/gonum/optimize"

	"voxelfit/internal/fiterr"
)

// Optimizer minimizes a voxel objective starting from an initial parameter
// estimate. Implementations must be safe for concurrent use.
type Optimizer interface {
	Name() string
	Minimize(objective func(x []float64) float64, x0 []float64) []float64
}

// NewOptimizer builds the named optimization routine. Patience scales the
// iteration budget relative to the problem dimension.
func NewOptimizer(name string, patience int) (Optimizer, error) {
	if patience <= 0 {
		patience = 2
	}
	switch name {
	case "", "powell":
		return &powell{patience: patience}, nil
	case "nmsimplex":
		return &nelderMead{patience: patience}, nil
	default:
		return nil, fiterr.Configurationf("unknown optimizer %q", name)
	}
}

// powell is a derivative-free coordinate descent with successive step
// shrinking. One pass tries each coordinate direction in turn; the patience
// factor sets how many shrink cycles run per dimension.
type powell struct {
	patience int
}

func (o *powell) Name() string { return "powell" }

func (o *powell) Minimize(objective func([]float64) float64, x0 []float64) []float64 {
	x := append([]float64(nil), x0...)
	best := objective(x)

	steps := make([]float64, len(x))
	for i, v := range x {
		steps[i] = math.Abs(v) * 0.1
		if steps[i] == 0 {
			steps[i] = 0.1
		}
	}

	cycles := o.patience * (len(x) + 1) * 10
	for c := 0; c < cycles; c++ {
		improved := false
		for i := range x {
			for _, dir := range []float64{1, -1} {
				x[i] += dir * steps[i]
				if v := objective(x); v < best {
					best = v
					improved = true
				} else {
					x[i] -= dir * steps[i]
				}
			}
		}
		if !improved {
			for i := range steps {
				steps[i] *= 0.5
			}
		}
	}
	return x
}

// nelderMead wraps the gonum simplex implementation.
type nelderMead struct {
	patience int
}

func (o *nelderMead) Name() string { return "nmsimplex" }

func (o *nelderMead) Minimize(objective func([]float64) float64, x0 []float64) []float64 {
	problem := optimize.Problem{Func: objective}
	settings := &optimize.Settings{
		MajorIterations: o.patience * (len(x0) + 1) * 100,
	}
	result, err := optimize.Minimize(problem, x0, settings, &optimize.NelderMead{})
	if err != nil || result == nil {
		// Fall back to the initial estimate; a voxel that cannot be
		// refined keeps its seed values.
		return append([]float64(nil), x0...)
	}
	return result.X
}
