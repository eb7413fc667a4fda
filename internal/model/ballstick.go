package model

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"voxelfit/internal/data"
)

func init() {
	Register("BallStick", func() Definition { return NewBallStick() })
	Register("BallStick (Cascade)", func() Definition { return NewBallStickCascade() })
}

// defaultDiffusivity seeds the diffusion coefficient, m^2/s.
const defaultDiffusivity = 1.7e-9

// BallStick is the two-compartment ball-and-stick model: an isotropic ball
// and a single oriented stick sharing one diffusivity.
//
// Signal: S = s0 * ((1-w) * exp(-b d) + w * exp(-b d (g.n)^2)) with the
// stick orientation n parameterized by spherical angles theta and phi.
type BallStick struct{}

// NewBallStick returns the single (non-cascaded) ball-and-stick model.
func NewBallStick() *BallStick { return &BallStick{} }

func (m *BallStick) Name() string { return "BallStick" }

func (m *BallStick) ParameterNames() []string {
	return []string{"S0.s0", "w_stick.w", "d", "theta", "phi"}
}

func (m *BallStick) RequiredColumns() []string {
	return []string{"b", "gx", "gy", "gz"}
}

func (m *BallStick) ValidateProtocol(problem *data.Problem) error {
	return validateColumns(m.Name(), problem, m.RequiredColumns())
}

func (m *BallStick) BuildKernel(problem *data.Problem, opt Optimizer, prior StageResults) (Kernel, error) {
	if err := m.ValidateProtocol(problem); err != nil {
		return nil, err
	}

	b, err := problem.Protocol.Column("b")
	if err != nil {
		return nil, err
	}
	gx, err := problem.Protocol.Column("gx")
	if err != nil {
		return nil, err
	}
	gy, err := problem.Protocol.Column("gy")
	if err != nil {
		return nil, err
	}
	gz, err := problem.Protocol.Column("gz")
	if err != nil {
		return nil, err
	}

	k := &ballStickKernel{
		b: b, gx: gx, gy: gy, gz: gz,
		unweighted: problem.Protocol.UnweightedIndices(),
		opt:        opt,
	}

	// Seed s0 from an earlier cascade stage when available.
	if maps, ok := prior["S0"]; ok {
		if s0, ok := maps["S0.s0"]; ok {
			k.s0Seed = s0
		}
	}
	return k, nil
}

type ballStickKernel struct {
	b, gx, gy, gz []float64
	unweighted    []int
	opt           Optimizer

	// s0Seed holds per-voxel amplitudes from a prior S0 stage, indexed by
	// dataset voxel index; nil when fitting standalone.
	s0Seed []float64
}

// signal evaluates the model prediction for one volume.
func (k *ballStickKernel) signal(x []float64, i int) float64 {
	s0, w, d, theta, phi := x[0], x[1], x[2], x[3], x[4]
	nx := math.Sin(theta) * math.Cos(phi)
	ny := math.Sin(theta) * math.Sin(phi)
	nz := math.Cos(theta)
	dot := k.gx[i]*nx + k.gy[i]*ny + k.gz[i]*nz
	ball := math.Exp(-k.b[i] * d)
	stick := math.Exp(-k.b[i] * d * dot * dot)
	return s0 * ((1-w)*ball + w*stick)
}

func (k *ballStickKernel) Fit(voxel int, measurements []float64, params []float64) error {
	if len(params) != 5 {
		return fmt.Errorf("ballstick kernel expects 5 parameters, got %d", len(params))
	}

	s0 := k.seedS0(voxel, measurements)
	x0 := []float64{s0, 0.5, defaultDiffusivity, math.Pi / 4, math.Pi / 4}

	objective := func(x []float64) float64 {
		// Penalize physically meaningless regions instead of bounding the
		// search space.
		if x[0] < 0 || x[1] < 0 || x[1] > 1 || x[2] < 0 {
			return math.Inf(1)
		}
		sse := 0.0
		for i := range measurements {
			r := measurements[i] - k.signal(x, i)
			sse += r * r
		}
		return sse
	}

	copy(params, k.opt.Minimize(objective, x0))
	return nil
}

// seedS0 prefers the amplitude fitted by a prior S0 cascade stage, then the
// voxel mean of the unweighted volumes; with no unweighted volumes the
// overall mean is used.
func (k *ballStickKernel) seedS0(voxel int, measurements []float64) float64 {
	if k.s0Seed != nil && voxel < len(k.s0Seed) {
		return k.s0Seed[voxel]
	}
	if len(k.unweighted) == 0 {
		return stat.Mean(measurements, nil)
	}
	sample := make([]float64, len(k.unweighted))
	for j, i := range k.unweighted {
		sample[j] = measurements[i]
	}
	return stat.Mean(sample, nil)
}

// NewBallStickCascade builds the two-stage cascade S0 -> BallStick. The
// second stage reuses the fitted S0 amplitudes as its seed.
func NewBallStickCascade() *Cascade {
	return NewCascade("BallStick (Cascade)", []Stage{
		{Name: "S0", Build: func(prior StageResults) (Model, error) {
			return NewS0(), nil
		}},
		{Name: "BallStick", Build: func(prior StageResults) (Model, error) {
			return NewBallStick(), nil
		}},
	})
}
