package data

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"voxelfit/internal/protocol"
)

// Problem bundles everything a model fit needs: the masked measurement data,
// the acquisition protocol and the noise level.
type Problem struct {
	Dataset  *Dataset
	Protocol *protocol.Protocol
	Mask     Mask
	NoiseStd float64
}

// NewProblem validates that the dataset and protocol agree on the
// measurement count.
func NewProblem(ds *Dataset, prot *protocol.Protocol, mask Mask, noiseStd float64) (*Problem, error) {
	if prot.Length() != ds.NumMeasurements() {
		return nil, fmt.Errorf("protocol length %d does not match measurement count %d",
			prot.Length(), ds.NumMeasurements())
	}
	if mask != nil && mask.Count() != ds.NumVoxels() {
		return nil, fmt.Errorf("mask count %d does not match voxel count %d",
			mask.Count(), ds.NumVoxels())
	}
	return &Problem{Dataset: ds, Protocol: prot, Mask: mask, NoiseStd: noiseStd}, nil
}

// WithMeasurementSubset returns a problem restricted to the given measurement
// indices, reusing the same mask and noise level.
func (p *Problem) WithMeasurementSubset(indices []int) *Problem {
	return &Problem{
		Dataset:  p.Dataset.SubsetMeasurements(indices),
		Protocol: p.Protocol.Subset(indices),
		Mask:     p.Mask,
		NoiseStd: p.NoiseStd,
	}
}

// EstimateNoiseStd estimates the measurement noise standard deviation from
// the spread of the unweighted volumes. Per voxel the standard deviation over
// the repeated unweighted measurements is taken; the estimate is the mean
// over all voxels. Falls back to 1 when fewer than two unweighted volumes
// exist.
func EstimateNoiseStd(ds *Dataset, prot *protocol.Protocol) float64 {
	unweighted := prot.UnweightedIndices()
	if len(unweighted) < 2 || ds.NumVoxels() == 0 {
		return 1
	}

	stds := make([]float64, 0, ds.NumVoxels())
	sample := make([]float64, len(unweighted))
	for v := 0; v < ds.NumVoxels(); v++ {
		voxel := ds.Voxel(v)
		for j, i := range unweighted {
			sample[j] = voxel[i]
		}
		if s := stat.StdDev(sample, nil); !math.IsNaN(s) {
			stds = append(stds, s)
		}
	}
	if len(stds) == 0 {
		return 1
	}
	return stat.Mean(stds, nil)
}

// ResolveNoiseStd returns the explicit value when positive, otherwise an
// estimate from the data.
func ResolveNoiseStd(explicit float64, ds *Dataset, prot *protocol.Protocol) float64 {
	if explicit > 0 {
		return explicit
	}
	return EstimateNoiseStd(ds, prot)
}
