package store

import (
	"context"
	"sort"
	"sync"

	"voxelfit/internal/balancer"
)

type chunkKey struct {
	model string
	param string
	start int
}

type chunkRow struct {
	rng    balancer.Range
	values []float64
}

// MemoryStore is an in-process Interface implementation. It backs tests and
// runs that explicitly opt out of persistence.
type MemoryStore struct {
	mu   sync.RWMutex
	rows map[chunkKey]chunkRow
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[chunkKey]chunkRow)}
}

func (m *MemoryStore) HasChunk(_ context.Context, model string, rng balancer.Range, params []string) (bool, error) {
	if len(params) == 0 || rng.Empty() {
		return false, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, param := range params {
		row, ok := m.rows[chunkKey{model, param, rng.Start}]
		if !ok || row.rng != rng {
			return false, nil
		}
	}
	return true, nil
}

func (m *MemoryStore) WriteChunk(_ context.Context, model string, rng balancer.Range, params []string, values [][]float64) error {
	if err := checkChunkShape(rng, params, values); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, row := range m.rows {
		if key.model == model && row.rng.Start < rng.End && row.rng.End > rng.Start {
			delete(m.rows, key)
		}
	}
	for i, param := range params {
		v := make([]float64, len(values[i]))
		copy(v, values[i])
		m.rows[chunkKey{model, param, rng.Start}] = chunkRow{rng: rng, values: v}
	}
	return nil
}

func (m *MemoryStore) ReadParam(_ context.Context, model, param string, numVoxels int) ([]float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := nanSlice(numVoxels)
	for key, row := range m.rows {
		if key.model != model || key.param != param {
			continue
		}
		copy(out[row.rng.Start:row.rng.End], row.values)
	}
	return out, nil
}

func (m *MemoryStore) Chunks(_ context.Context, model string) ([]balancer.Range, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[balancer.Range]bool)
	var chunks []balancer.Range
	for key, row := range m.rows {
		if key.model != model || seen[row.rng] {
			continue
		}
		seen[row.rng] = true
		chunks = append(chunks, row.rng)
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].Start < chunks[j].Start })
	return chunks, nil
}

func (m *MemoryStore) Invalidate(_ context.Context, model string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.rows {
		if key.model == model {
			delete(m.rows, key)
		}
	}
	return nil
}

func (m *MemoryStore) Close() error { return nil }
