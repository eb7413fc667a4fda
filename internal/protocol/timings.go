package protocol

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// Timings holds the gradient amplitude and pulse timing parameters of a
// pulsed-gradient sequence, one value per volume.
type Timings struct {
	G          []float64 // gradient amplitude, T/m
	BigDelta   []float64 // pulse separation Delta, s
	SmallDelta []float64 // pulse duration delta, s
}

// defaultMaxG is the maximum gradient amplitude (T/m) assumed when timings
// must be bulk-estimated and no maxG column is present.
const defaultMaxG = 0.04

// SequenceTimings returns G, Delta and delta, estimating whichever members
// are not directly available. Precedence:
//
//  1. all three real: used verbatim;
//  2. b, Delta, delta real: G in closed form, zeroed on unweighted volumes;
//  3. b, Delta, G real: delta by numeric root-finding of the cubic
//     b = gamma^2 G^2 delta^2 (Delta - delta/3);
//  4. b, G, delta real: Delta in closed form, NaN clamped to zero;
//  5. only b real: bulk estimate assuming a maximum gradient amplitude,
//     apportioned among volumes by relative weighting strength.
//
// Without a real b column none of the estimates apply and an error is
// returned.
func SequenceTimings(p *Protocol) (Timings, error) {
	allReal := func(names ...string) bool {
		for _, n := range names {
			if !p.IsColumnReal(n) {
				return false
			}
		}
		return true
	}
	col := func(name string) []float64 {
		values, _ := p.Column(name)
		return values
	}

	if allReal("G", "delta", "Delta") {
		return Timings{G: col("G"), BigDelta: col("Delta"), SmallDelta: col("delta")}, nil
	}

	if allReal("b", "Delta", "delta") {
		b, bigDelta, smallDelta := col("b"), col("Delta"), col("delta")
		g := make([]float64, len(b))
		for i := range g {
			g[i] = math.Sqrt(b[i] / (GammaH * GammaH * smallDelta[i] * smallDelta[i] *
				(bigDelta[i] - smallDelta[i]/3)))
		}
		for _, i := range p.UnweightedIndices() {
			g[i] = 0
		}
		return Timings{G: g, BigDelta: bigDelta, SmallDelta: smallDelta}, nil
	}

	if allReal("b", "Delta", "G") {
		b, bigDelta, g := col("b"), col("Delta"), col("G")
		smallDelta := make([]float64, len(b))
		for i := range smallDelta {
			if b[i] == 0 || g[i] == 0 {
				continue
			}
			smallDelta[i] = solveSmallDelta(b[i], bigDelta[i], g[i])
		}
		return Timings{G: g, BigDelta: bigDelta, SmallDelta: smallDelta}, nil
	}

	if allReal("b", "G", "delta") {
		b, g, smallDelta := col("b"), col("G"), col("delta")
		bigDelta := make([]float64, len(b))
		for i := range bigDelta {
			gsq := GammaH * GammaH * g[i] * g[i]
			v := (b[i] - gsq*math.Pow(smallDelta[i], 3)/3) / (gsq * smallDelta[i] * smallDelta[i])
			if math.IsNaN(v) || math.IsInf(v, 0) {
				v = 0
			}
			bigDelta[i] = v
		}
		return Timings{G: g, BigDelta: bigDelta, SmallDelta: smallDelta}, nil
	}

	if !p.IsColumnReal("b") {
		return Timings{}, fmt.Errorf("cannot estimate sequence timings: %w", errNoB)
	}

	return bulkEstimate(p)
}

var errNoB = fmt.Errorf("column %q: %w", "b", ErrColumnNotFound)

// bulkEstimate assumes the scanner ran at maximum gradient amplitude and
// derives one shared Delta = delta from the strongest shell, apportioning G
// among volumes by sqrt(b / bmax).
func bulkEstimate(p *Protocol) (Timings, error) {
	b, err := p.Column("b")
	if err != nil {
		return Timings{}, err
	}

	maxG := make([]float64, p.Length())
	if p.IsColumnReal("maxG") {
		maxG, _ = p.Column("maxG")
	} else {
		for i := range maxG {
			maxG[i] = defaultMaxG
		}
	}

	bmax := 1.0
	if shells, err := p.BValueShells(); err == nil && len(shells) > 0 {
		bmax = floats.Max(shells)
	}

	n := p.Length()
	g := make([]float64, n)
	bigDelta := make([]float64, n)
	smallDelta := make([]float64, n)
	for i := 0; i < n; i++ {
		bigDelta[i] = math.Cbrt(3 * bmax / (2 * GammaH * GammaH * maxG[i] * maxG[i]))
		smallDelta[i] = bigDelta[i]
		g[i] = math.Sqrt(b[i]/bmax) * maxG[i]
	}
	return Timings{G: g, BigDelta: bigDelta, SmallDelta: smallDelta}, nil
}

// solveSmallDelta finds the root of
//
//	f(d) = gamma^2 G^2 d^2 (Delta - d/3) - b
//
// by Newton iteration with bisection bounds. f is strictly increasing on
// (0, 2*Delta) and the physically meaningful root satisfies 0 < d <= Delta,
// so the bracket [0, 2*Delta] contains exactly that root.
func solveSmallDelta(b, bigDelta, g float64) float64 {
	gsq := GammaH * GammaH * g * g
	f := func(d float64) float64 {
		return gsq*d*d*(bigDelta-d/3) - b
	}
	df := func(d float64) float64 {
		return gsq * (2*d*bigDelta - d*d)
	}

	lo, hi := 0.0, 2*bigDelta
	d := bigDelta / 2
	for iter := 0; iter < 100; iter++ {
		fv := f(d)
		if math.Abs(fv) < b*1e-12 {
			return d
		}
		if fv > 0 {
			hi = d
		} else {
			lo = d
		}
		dfv := df(d)
		next := d - fv/dfv
		if dfv == 0 || next <= lo || next >= hi {
			next = (lo + hi) / 2
		}
		d = next
	}
	return d
}
