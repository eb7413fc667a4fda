package data

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// LoadMatrix reads a dataset from a text file with one voxel per row and one
// whitespace separated measurement per column. Blank lines and lines starting
// with '#' are skipped.
func LoadMatrix(path string) (*Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening dataset file: %w", err)
	}
	defer f.Close()

	var values []float64
	measurements := 0
	row := 0

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 1024*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if measurements == 0 {
			measurements = len(fields)
		} else if len(fields) != measurements {
			return nil, fmt.Errorf("dataset file %s: row %d has %d values, expected %d",
				path, row, len(fields), measurements)
		}
		for _, field := range fields {
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, fmt.Errorf("dataset file %s row %d: %w", path, row, err)
			}
			values = append(values, v)
		}
		row++
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading dataset file %s: %w", path, err)
	}
	if row == 0 {
		return nil, fmt.Errorf("dataset file %s holds no voxels", path)
	}
	return NewDataset(values, row, measurements)
}

// LoadMask reads a voxel inclusion mask: one whitespace separated 0/1 value
// per voxel position, across any number of lines.
func LoadMask(path string) (Mask, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening mask file: %w", err)
	}
	defer f.Close()

	var mask Mask
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		for _, field := range strings.Fields(line) {
			switch field {
			case "0":
				mask = append(mask, false)
			case "1":
				mask = append(mask, true)
			default:
				return nil, fmt.Errorf("mask file %s: value %q is not 0 or 1", path, field)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading mask file %s: %w", path, err)
	}
	if len(mask) == 0 {
		return nil, fmt.Errorf("mask file %s is empty", path)
	}
	return mask, nil
}
