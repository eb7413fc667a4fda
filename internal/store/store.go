// Package store persists per-chunk fitting results so interrupted runs can
// resume without recomputing finished work.
package store

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"

	"voxelfit/internal/balancer"
)

// Interface is the durable result store consulted by processing strategies.
// A chunk counts as present only when every requested parameter map covers
// the full chunk range.
type Interface interface {
	// HasChunk reports whether results for all params exist for the exact range.
	HasChunk(ctx context.Context, model string, rng balancer.Range, params []string) (bool, error)

	// WriteChunk stores one chunk's results. values[i] holds the map for
	// params[i] and must have length rng.Len(). The write is atomic: either
	// all parameter maps land or none do.
	WriteChunk(ctx context.Context, model string, rng balancer.Range, params []string, values [][]float64) error

	// ReadParam assembles the full parameter map across all stored chunks.
	// Voxels no chunk covers are NaN.
	ReadParam(ctx context.Context, model, param string, numVoxels int) ([]float64, error)

	// Chunks lists the stored chunk ranges for a model, ordered by start.
	Chunks(ctx context.Context, model string) ([]balancer.Range, error)

	// Invalidate removes every stored result for the model.
	Invalidate(ctx context.Context, model string) error

	Close() error
}

func checkChunkShape(rng balancer.Range, params []string, values [][]float64) error {
	if rng.Empty() {
		return fmt.Errorf("store: empty chunk range %s", rng)
	}
	if len(params) == 0 {
		return fmt.Errorf("store: chunk write with no parameters")
	}
	if len(values) != len(params) {
		return fmt.Errorf("store: %d parameter names but %d value maps", len(params), len(values))
	}
	for i, v := range values {
		if len(v) != rng.Len() {
			return fmt.Errorf("store: parameter %q has %d values for range %s", params[i], len(v), rng)
		}
	}
	return nil
}

func encodeFloats(values []float64) []byte {
	buf := make([]byte, 8*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint64(buf[8*i:], math.Float64bits(v))
	}
	return buf
}

func decodeFloats(buf []byte) ([]float64, error) {
	if len(buf)%8 != 0 {
		return nil, fmt.Errorf("store: blob length %d is not a multiple of 8", len(buf))
	}
	values := make([]float64, len(buf)/8)
	for i := range values {
		values[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[8*i:]))
	}
	return values, nil
}

func nanSlice(n int) []float64 {
	s := make([]float64, n)
	for i := range s {
		s[i] = math.NaN()
	}
	return s
}
