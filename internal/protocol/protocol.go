// Package protocol implements the acquisition parameter table used by the
// fitting pipeline. A protocol maps named acquisition parameters to one value
// per measurement volume. Columns are either real (explicitly supplied) or
// virtual (derived on demand from other columns); real columns always win.
//
// All values are in SI units: G in T/m, Delta and delta in seconds, b in
// s/m^2.
package protocol

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// GammaH is the gyromagnetic ratio of the hydrogen atom in rad s^-1 T^-1.
const GammaH = 267.5987e6

// UnweightedThreshold is the b-value (s/m^2) under which a volume is treated
// as unweighted.
const UnweightedThreshold = 25e6

// ErrColumnNotFound is returned when a column is neither real nor derivable.
var ErrColumnNotFound = errors.New("column not found")

// preferredColumnOrder is the order in which columns are listed and written.
var preferredColumnOrder = []string{"gx", "gy", "gz", "G", "Delta", "delta", "TE", "TR", "T1", "b", "q", "maxG"}

// Protocol is an immutable-length table of acquisition parameter columns.
// The zero value is not usable; construct with New or FromColumns.
type Protocol struct {
	columns  map[string][]float64
	virtuals []VirtualColumn
	length   int
}

// New creates an empty protocol with the default virtual column registry.
func New() *Protocol {
	return &Protocol{
		columns:  make(map[string][]float64),
		virtuals: defaultVirtualColumns(),
	}
}

// FromColumns creates a protocol initialized with the given columns. All
// columns must have equal length.
func FromColumns(columns map[string][]float64) (*Protocol, error) {
	p := New()
	// Insert in sorted order so length conflicts are reported
	// deterministically.
	names := make([]string, 0, len(columns))
	for name := range columns {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := p.AddColumn(name, columns[name]); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Length returns the number of measurement volumes in this protocol.
func (p *Protocol) Length() int { return p.length }

// AddColumn adds or replaces a real column. A single value is broadcast to
// the protocol length. A column longer than the protocol is truncated; a
// shorter one is rejected.
func (p *Protocol) AddColumn(name string, values []float64) error {
	if len(values) == 0 {
		return fmt.Errorf("column %q: no values given", name)
	}

	if len(values) == 1 && p.length > 1 {
		broadcast := make([]float64, p.length)
		for i := range broadcast {
			broadcast[i] = values[0]
		}
		p.columns[name] = broadcast
		return nil
	}

	switch {
	case p.length == 0:
		p.length = len(values)
	case len(values) > p.length:
		values = values[:p.length]
	case len(values) < p.length:
		return fmt.Errorf("column %q: expected %d values, got %d", name, p.length, len(values))
	}

	stored := make([]float64, len(values))
	copy(stored, values)
	p.columns[name] = stored
	return nil
}

// AddScalar adds a column holding a single value broadcast over the protocol
// length.
func (p *Protocol) AddScalar(name string, value float64) {
	n := p.length
	if n == 0 {
		n = 1
	}
	values := make([]float64, n)
	for i := range values {
		values[i] = value
	}
	p.columns[name] = values
	if p.length == 0 {
		p.length = 1
	}
}

// RemoveColumn removes a real column. Removing "g" removes the three gradient
// components.
func (p *Protocol) RemoveColumn(name string) {
	if name == "g" {
		delete(p.columns, "gx")
		delete(p.columns, "gy")
		delete(p.columns, "gz")
		return
	}
	delete(p.columns, name)
}

// Column resolves the named column, preferring real data and falling back to
// the virtual column registry. The returned slice is a copy; resolving never
// mutates the protocol.
func (p *Protocol) Column(name string) ([]float64, error) {
	if values, ok := p.columns[name]; ok {
		out := make([]float64, len(values))
		copy(out, values)
		return out, nil
	}

	for _, vc := range p.virtuals {
		if vc.Name == name {
			values, err := vc.Derive(p)
			if err != nil {
				return nil, fmt.Errorf("deriving column %q: %w", name, err)
			}
			return values, nil
		}
	}

	return nil, fmt.Errorf("column %q: %w", name, ErrColumnNotFound)
}

// HasColumn reports whether the column can be resolved, real or virtual.
func (p *Protocol) HasColumn(name string) bool {
	_, err := p.Column(name)
	return err == nil
}

// IsColumnReal reports whether real data exists for the column.
func (p *Protocol) IsColumnReal(name string) bool {
	_, ok := p.columns[name]
	return ok
}

// ColumnNames lists the real column names, preferred order first and any
// remaining names sorted.
func (p *Protocol) ColumnNames() []string {
	names := make([]string, 0, len(p.columns))
	for name := range p.columns {
		names = append(names, name)
	}
	return inPreferredOrder(names)
}

// EstimatedColumnNames lists the virtual columns not shadowed by real data.
func (p *Protocol) EstimatedColumnNames() []string {
	var names []string
	for _, vc := range p.virtuals {
		if !p.IsColumnReal(vc.Name) {
			names = append(names, vc.Name)
		}
	}
	return inPreferredOrder(names)
}

// UnweightedIndices returns the indices of the unweighted volumes: b under
// the threshold or gradient vector shorter than 0.99. When no b column is
// resolvable at all, every volume counts as unweighted.
func (p *Protocol) UnweightedIndices() []int {
	b, err := p.Column("b")
	if err != nil {
		indices := make([]int, p.length)
		for i := range indices {
			indices[i] = i
		}
		return indices
	}

	gx, gy, gz := p.columns["gx"], p.columns["gy"], p.columns["gz"]
	var indices []int
	for i := 0; i < p.length; i++ {
		unweighted := b[i] < UnweightedThreshold
		if gx != nil && gy != nil && gz != nil {
			norm := math.Sqrt(gx[i]*gx[i] + gy[i]*gy[i] + gz[i]*gz[i])
			unweighted = unweighted || norm < 0.99
		}
		if unweighted {
			indices = append(indices, i)
		}
	}
	return indices
}

// WeightedIndices returns the complement of UnweightedIndices.
func (p *Protocol) WeightedIndices() []int {
	unweighted := make(map[int]bool)
	for _, i := range p.UnweightedIndices() {
		unweighted[i] = true
	}
	var indices []int
	for i := 0; i < p.length; i++ {
		if !unweighted[i] {
			indices = append(indices, i)
		}
	}
	return indices
}

// BValueShells returns the unique b-values of the weighted volumes in
// ascending order.
func (p *Protocol) BValueShells() ([]float64, error) {
	b, err := p.Column("b")
	if err != nil {
		return nil, err
	}
	seen := make(map[float64]bool)
	var shells []float64
	for _, i := range p.WeightedIndices() {
		if !seen[b[i]] {
			seen[b[i]] = true
			shells = append(shells, b[i])
		}
	}
	sort.Float64s(shells)
	return shells, nil
}

// IndicesBValueInRange returns the indices of volumes whose b-value lies in
// [start, end]. Unweighted volumes are not treated specially.
func (p *Protocol) IndicesBValueInRange(start, end float64) ([]int, error) {
	b, err := p.Column("b")
	if err != nil {
		return nil, err
	}
	var indices []int
	for i, v := range b {
		if start <= v && v <= end {
			indices = append(indices, i)
		}
	}
	return indices, nil
}

// Subset returns a new protocol with only the rows at the given indices, in
// the given order. Only real columns carry over; virtual columns derive from
// the subset as usual.
func (p *Protocol) Subset(indices []int) *Protocol {
	out := New()
	for name, values := range p.columns {
		sub := make([]float64, len(indices))
		for j, i := range indices {
			sub[j] = values[i]
		}
		out.columns[name] = sub
	}
	out.length = len(indices)
	return out
}

// Clone returns a deep copy of the protocol.
func (p *Protocol) Clone() *Protocol {
	out := New()
	for name, values := range p.columns {
		stored := make([]float64, len(values))
		copy(stored, values)
		out.columns[name] = stored
	}
	out.length = p.length
	return out
}

func inPreferredOrder(names []string) []string {
	remaining := make(map[string]bool, len(names))
	for _, n := range names {
		remaining[n] = true
	}

	ordered := make([]string, 0, len(names))
	for _, n := range preferredColumnOrder {
		if remaining[n] {
			ordered = append(ordered, n)
			delete(remaining, n)
		}
	}

	rest := make([]string, 0, len(remaining))
	for n := range remaining {
		rest = append(rest, n)
	}
	sort.Strings(rest)
	return append(ordered, rest...)
}
