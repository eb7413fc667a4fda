// Package data holds the measurement dataset and the mask bookkeeping that
// maps between full-volume voxel positions and the fitted region of interest.
package data

import (
	"fmt"
)

// Dataset is an ordered collection of voxels, each carrying a fixed-length
// measurement vector. The voxel count and measurement count are immutable
// once constructed.
type Dataset struct {
	values       []float64 // voxel-major, len = numVoxels*numMeasurements
	numVoxels    int
	measurements int
}

// NewDataset builds a dataset from voxel-major values.
func NewDataset(values []float64, numVoxels, measurements int) (*Dataset, error) {
	if numVoxels < 0 || measurements <= 0 {
		return nil, fmt.Errorf("invalid dataset shape %dx%d", numVoxels, measurements)
	}
	if len(values) != numVoxels*measurements {
		return nil, fmt.Errorf("dataset values length %d does not match shape %dx%d",
			len(values), numVoxels, measurements)
	}
	return &Dataset{values: values, numVoxels: numVoxels, measurements: measurements}, nil
}

// NumVoxels returns the number of voxels.
func (d *Dataset) NumVoxels() int { return d.numVoxels }

// NumMeasurements returns the measurement count per voxel.
func (d *Dataset) NumMeasurements() int { return d.measurements }

// Voxel returns the measurement vector of voxel i. The slice aliases the
// dataset storage; callers must not modify it.
func (d *Dataset) Voxel(i int) []float64 {
	return d.values[i*d.measurements : (i+1)*d.measurements]
}

// Slice returns a view over the voxels in [start, end) as a new Dataset
// sharing the same storage.
func (d *Dataset) Slice(start, end int) *Dataset {
	return &Dataset{
		values:       d.values[start*d.measurements : end*d.measurements],
		numVoxels:    end - start,
		measurements: d.measurements,
	}
}

// SubsetMeasurements returns a new dataset keeping only the measurement
// columns at the given indices, in order. Used when a model restricts the
// protocol to part of the acquisition.
func (d *Dataset) SubsetMeasurements(indices []int) *Dataset {
	values := make([]float64, d.numVoxels*len(indices))
	for v := 0; v < d.numVoxels; v++ {
		src := d.Voxel(v)
		dst := values[v*len(indices) : (v+1)*len(indices)]
		for j, i := range indices {
			dst[j] = src[i]
		}
	}
	return &Dataset{values: values, numVoxels: d.numVoxels, measurements: len(indices)}
}

// ApplyMask compacts the dataset down to the masked voxel positions. The
// mask length must equal the voxel count.
func (d *Dataset) ApplyMask(m Mask) (*Dataset, error) {
	if len(m) != d.numVoxels {
		return nil, fmt.Errorf("mask length %d does not match voxel count %d", len(m), d.numVoxels)
	}
	return m.CreateROI(d.values, d.measurements)
}

// Mask marks which positions of the full volume are included in the fit.
type Mask []bool

// Count returns the number of included positions.
func (m Mask) Count() int {
	n := 0
	for _, in := range m {
		if in {
			n++
		}
	}
	return n
}

// CreateROI compacts a full-volume voxel-major value array down to only the
// masked positions.
func (m Mask) CreateROI(volume []float64, measurements int) (*Dataset, error) {
	if len(volume) != len(m)*measurements {
		return nil, fmt.Errorf("volume length %d does not match mask size %d x %d measurements",
			len(volume), len(m), measurements)
	}
	values := make([]float64, 0, m.Count()*measurements)
	for pos, in := range m {
		if in {
			values = append(values, volume[pos*measurements:(pos+1)*measurements]...)
		}
	}
	return NewDataset(values, m.Count(), measurements)
}

// RestoreMap expands per-ROI-voxel values back to full-volume positions,
// filling excluded positions with fill.
func (m Mask) RestoreMap(roiValues []float64, fill float64) ([]float64, error) {
	if len(roiValues) != m.Count() {
		return nil, fmt.Errorf("roi length %d does not match mask count %d", len(roiValues), m.Count())
	}
	out := make([]float64, len(m))
	j := 0
	for pos, in := range m {
		if in {
			out[pos] = roiValues[j]
			j++
		} else {
			out[pos] = fill
		}
	}
	return out, nil
}
