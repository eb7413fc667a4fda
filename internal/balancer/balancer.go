// Package balancer splits a range of independent work items across compute
// devices. The partition is pure: execution is left to the workers.
package balancer

import (
	"fmt"

	"voxelfit/internal/fiterr"
)

// Range is a contiguous half-open interval [Start, End) over voxel indices.
type Range struct {
	Start int
	End   int
}

// Len returns the number of work items in the range.
func (r Range) Len() int { return r.End - r.Start }

// Empty reports whether the range contains no work items.
func (r Range) Empty() bool { return r.End <= r.Start }

// Shift returns the range translated by offset. Used to map a chunk-local
// range back to absolute voxel indices.
func (r Range) Shift(offset int) Range {
	return Range{Start: r.Start + offset, End: r.End + offset}
}

func (r Range) String() string { return fmt.Sprintf("[%d, %d)", r.Start, r.End) }

// Device identifies one compute device and its scheduling weight.
type Device struct {
	ID     int
	Name   string
	Weight float64
	// MemoryBytes is the usable device memory, consulted by the processing
	// strategy when sizing chunks. Zero means unknown.
	MemoryBytes int64
}

// Assignment binds one work range to one device.
type Assignment struct {
	Device Device
	Range  Range
}

// Partition divides [0, n) across the given devices proportional to their
// weights. The returned assignments are in ascending range order, pairwise
// disjoint, and tile [0, n) exactly. When n >= len(devices) every device
// receives at least one item.
//
// n == 0 yields no assignments. n > 0 with no devices is a configuration
// error, as is any non-positive weight.
func Partition(n int, devices []Device) ([]Assignment, error) {
	if n < 0 {
		return nil, fiterr.Configurationf("negative work item count %d", n)
	}
	if n == 0 {
		return nil, nil
	}
	if len(devices) == 0 {
		return nil, fiterr.Configurationf("no devices available for %d work items", n)
	}

	total := 0.0
	for _, d := range devices {
		if d.Weight <= 0 {
			return nil, fiterr.Configurationf("device %s has non-positive weight %v", d.Name, d.Weight)
		}
		total += d.Weight
	}

	counts := shareCounts(n, devices, total)

	assignments := make([]Assignment, 0, len(devices))
	cursor := 0
	for i, d := range devices {
		if counts[i] == 0 {
			continue
		}
		assignments = append(assignments, Assignment{
			Device: d,
			Range:  Range{Start: cursor, End: cursor + counts[i]},
		})
		cursor += counts[i]
	}
	return assignments, nil
}

// shareCounts apportions n items by weight using largest-remainder rounding,
// reserving one item per device up front when there are enough items to go
// around.
func shareCounts(n int, devices []Device, total float64) []int {
	counts := make([]int, len(devices))

	remaining := n
	if n >= len(devices) {
		for i := range counts {
			counts[i] = 1
		}
		remaining = n - len(devices)
	}

	fractions := make([]float64, len(devices))
	assigned := 0
	for i, d := range devices {
		share := float64(remaining) * d.Weight / total
		whole := int(share)
		counts[i] += whole
		fractions[i] = share - float64(whole)
		assigned += whole
	}

	// Hand the leftover items to the devices with the largest fractional
	// shares, first device winning ties.
	for leftover := remaining - assigned; leftover > 0; leftover-- {
		best := -1
		for i, f := range fractions {
			if best == -1 || f > fractions[best] {
				best = i
			}
		}
		counts[best]++
		fractions[best] = -1
	}
	return counts
}

// EvenWeights returns a copy of devices with all weights set to 1, the
// distribution used when no relative device speeds are known.
func EvenWeights(devices []Device) []Device {
	out := make([]Device, len(devices))
	copy(out, devices)
	for i := range out {
		out[i].Weight = 1
	}
	return out
}
