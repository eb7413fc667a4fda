package model

import (
	"gonum.org/v1/gonum/stat"

	"voxelfit/internal/data"
)

func init() {
	Register("S0", func() Definition { return NewS0() })
}

// S0 models the unweighted signal amplitude: a single parameter fitted
// against the unweighted volumes only.
type S0 struct{}

// NewS0 returns the S0 model.
func NewS0() *S0 { return &S0{} }

func (m *S0) Name() string { return "S0" }

func (m *S0) ParameterNames() []string { return []string{"S0.s0"} }

func (m *S0) RequiredColumns() []string { return []string{"b"} }

func (m *S0) ValidateProtocol(problem *data.Problem) error {
	return validateColumns(m.Name(), problem, m.RequiredColumns())
}

func (m *S0) BuildKernel(problem *data.Problem, opt Optimizer, prior StageResults) (Kernel, error) {
	if err := m.ValidateProtocol(problem); err != nil {
		return nil, err
	}
	unweighted := problem.Protocol.UnweightedIndices()
	if len(unweighted) == 0 {
		// No unweighted volumes; the amplitude is fit over everything.
		unweighted = make([]int, problem.Protocol.Length())
		for i := range unweighted {
			unweighted[i] = i
		}
	}
	return &s0Kernel{indices: unweighted, opt: opt}, nil
}

type s0Kernel struct {
	indices []int
	opt     Optimizer
}

func (k *s0Kernel) Fit(voxel int, measurements []float64, params []float64) error {
	sample := make([]float64, len(k.indices))
	for j, i := range k.indices {
		sample[j] = measurements[i]
	}
	seed := stat.Mean(sample, nil)

	objective := func(x []float64) float64 {
		sse := 0.0
		for _, v := range sample {
			r := v - x[0]
			sse += r * r
		}
		return sse
	}
	params[0] = k.opt.Minimize(objective, []float64{seed})[0]
	return nil
}
