package protocol

// VirtualColumn derives a column from the other columns of a protocol. The
// derivation must be pure: it may read the protocol but never mutate it.
//
// The registry is closed and hand-curated; the dependency graph between the
// default columns is acyclic, which is not re-validated at runtime.
type VirtualColumn struct {
	Name   string
	Derive func(*Protocol) ([]float64, error)
}

// defaultVirtualColumns returns the built-in derivation set: the diffusion
// weighting b and the three sequence timing parameters, each computed from
// whatever real columns are available.
func defaultVirtualColumns() []VirtualColumn {
	return []VirtualColumn{
		{Name: "b", Derive: deriveB},
		{Name: "G", Derive: timingColumn(func(t Timings) []float64 { return t.G })},
		{Name: "Delta", Derive: timingColumn(func(t Timings) []float64 { return t.BigDelta })},
		{Name: "delta", Derive: timingColumn(func(t Timings) []float64 { return t.SmallDelta })},
	}
}

// deriveB computes b = gamma_h^2 * G^2 * delta^2 * (Delta - delta/3) from the
// sequence timings.
func deriveB(p *Protocol) ([]float64, error) {
	t, err := SequenceTimings(p)
	if err != nil {
		return nil, err
	}
	b := make([]float64, len(t.G))
	for i := range b {
		b[i] = GammaH * GammaH * t.G[i] * t.G[i] * t.SmallDelta[i] * t.SmallDelta[i] *
			(t.BigDelta[i] - t.SmallDelta[i]/3)
	}
	return b, nil
}

func timingColumn(pick func(Timings) []float64) func(*Protocol) ([]float64, error) {
	return func(p *Protocol) ([]float64, error) {
		t, err := SequenceTimings(p)
		if err != nil {
			return nil, err
		}
		return pick(t), nil
	}
}
