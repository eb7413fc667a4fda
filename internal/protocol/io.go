package protocol

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Load reads a protocol file: a comma separated column name header prefixed
// with '#', followed by one whitespace separated row per volume.
func Load(path string) (*Protocol, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening protocol file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return nil, fmt.Errorf("protocol file %s is empty", path)
	}
	header := scanner.Text()
	if !strings.HasPrefix(header, "#") {
		return nil, fmt.Errorf("protocol file %s: no column names defined", path)
	}

	var names []string
	for _, n := range strings.Split(strings.TrimPrefix(header, "#"), ",") {
		names = append(names, strings.TrimSpace(n))
	}

	columns := make(map[string][]float64, len(names))
	row := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != len(names) {
			return nil, fmt.Errorf("protocol file %s row %d: expected %d values, got %d",
				path, row, len(names), len(fields))
		}
		for i, field := range fields {
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, fmt.Errorf("protocol file %s row %d column %s: %w", path, row, names[i], err)
			}
			columns[names[i]] = append(columns[names[i]], v)
		}
		row++
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading protocol file: %w", err)
	}

	return FromColumns(columns)
}

// Write stores the protocol at the given path. When columns is nil all real
// columns are written; if the full timing triple is present the derived b and
// maxG columns are dropped from the output, since they are recoverable.
func Write(p *Protocol, path string, columns []string) error {
	if columns == nil {
		columns = p.ColumnNames()
		if contains(columns, "G") && contains(columns, "Delta") && contains(columns, "delta") {
			columns = remove(columns, "b")
			columns = remove(columns, "maxG")
		}
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating protocol directory: %w", err)
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating protocol file: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	fmt.Fprintf(w, "#%s\n", strings.Join(columns, ","))

	data := make([][]float64, len(columns))
	for i, name := range columns {
		data[i], err = p.Column(name)
		if err != nil {
			return err
		}
	}
	for row := 0; row < p.Length(); row++ {
		for i := range columns {
			if i > 0 {
				if err := w.WriteByte('\t'); err != nil {
					return err
				}
			}
			if _, err := fmt.Fprintf(w, "%e", data[i][row]); err != nil {
				return err
			}
		}
		if err := w.WriteByte('\n'); err != nil {
			return err
		}
	}
	return w.Flush()
}

// LoadBvecBval builds a protocol from a gradient vector file (three rows gx,
// gy, gz, auto-transposed when stored one vector per line) and a b-value
// file. B-values below 1e4 are assumed to be in s/mm^2 and scaled to s/m^2.
func LoadBvecBval(bvecPath, bvalPath string) (*Protocol, error) {
	vectors, err := readMatrix(bvecPath)
	if err != nil {
		return nil, fmt.Errorf("reading bvec file: %w", err)
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("bvec file %s is empty", bvecPath)
	}
	// Row-per-vector layout has many rows of width 3; transpose to the
	// three-row layout.
	if len(vectors) != 3 && len(vectors[0]) == 3 {
		vectors = transpose(vectors)
	}
	if len(vectors) != 3 {
		return nil, fmt.Errorf("bvec file %s: expected 3 gradient components, got %d", bvecPath, len(vectors))
	}

	bvals, err := readMatrix(bvalPath)
	if err != nil {
		return nil, fmt.Errorf("reading bval file: %w", err)
	}
	var b []float64
	for _, row := range bvals {
		b = append(b, row...)
	}
	if len(b) == 0 {
		return nil, fmt.Errorf("bval file %s is empty", bvalPath)
	}
	if len(b) != len(vectors[0]) {
		return nil, fmt.Errorf("bvec and bval files disagree on volume count: %d vs %d",
			len(vectors[0]), len(b))
	}

	if b[0] < 1e4 {
		for i := range b {
			b[i] *= 1e6
		}
	}

	return FromColumns(map[string][]float64{
		"gx": vectors[0],
		"gy": vectors[1],
		"gz": vectors[2],
		"b":  b,
	})
}

func readMatrix(path string) ([][]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var rows [][]float64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var row []float64
		for _, field := range strings.Fields(line) {
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, fmt.Errorf("parsing %q: %w", field, err)
			}
			row = append(row, v)
		}
		rows = append(rows, row)
	}
	return rows, scanner.Err()
}

func transpose(m [][]float64) [][]float64 {
	if len(m) == 0 {
		return nil
	}
	out := make([][]float64, len(m[0]))
	for i := range out {
		out[i] = make([]float64, len(m))
		for j := range m {
			out[i][j] = m[j][i]
		}
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func remove(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}
