package gradients

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/golang/geo/r3"
)

// Table is a gradient table: one b-value and one direction per volume.
// B0Mask is filled by Normalize.
type Table struct {
	Bvals  []float64
	Bvecs  []r3.Vector
	B0Mask []bool
}

// Len returns the number of volumes described by the table.
func (t *Table) Len() int { return len(t.Bvals) }

// Clone returns a deep copy.
func (t *Table) Clone() *Table {
	out := &Table{
		Bvals: append([]float64(nil), t.Bvals...),
		Bvecs: append([]r3.Vector(nil), t.Bvecs...),
	}
	if t.B0Mask != nil {
		out.B0Mask = append([]bool(nil), t.B0Mask...)
	}
	return out
}

// NumB0 returns how many volumes are flagged as b=0.
func (t *Table) NumB0() int {
	n := 0
	for _, b := range t.B0Mask {
		if b {
			n++
		}
	}
	return n
}

// B0Indices returns the indices of b=0 volumes in acquisition order.
func (t *Table) B0Indices() []int {
	var out []int
	for i, b := range t.B0Mask {
		if b {
			out = append(out, i)
		}
	}
	return out
}

// ParseFiles reads an FSL bval/bvec pair. When nvols is positive the table
// length must match it.
func ParseFiles(bvalPath, bvecPath string, nvols int) (*Table, error) {
	bf, err := os.Open(bvalPath)
	if err != nil {
		return nil, err
	}
	defer bf.Close()
	vf, err := os.Open(bvecPath)
	if err != nil {
		return nil, err
	}
	defer vf.Close()

	t, err := Parse(bf, vf)
	if err != nil {
		return nil, fmt.Errorf("%s, %s: %w", bvalPath, bvecPath, err)
	}
	if nvols > 0 && t.Len() != nvols {
		return nil, fmt.Errorf("%w: %d gradient entries for %d volumes", ErrCorruptGradients, t.Len(), nvols)
	}
	return t, nil
}

// Parse reads whitespace-delimited b-values and b-vectors. The b-vector file
// may hold three rows of N values or N rows of three values; with exactly
// three volumes the FSL row-major layout is assumed.
func Parse(bvals, bvecs io.Reader) (*Table, error) {
	vals, err := readRows(bvals)
	if err != nil {
		return nil, fmt.Errorf("%w: bval: %v", ErrCorruptGradients, err)
	}
	var flat []float64
	for _, row := range vals {
		flat = append(flat, row...)
	}
	if len(flat) == 0 {
		return nil, fmt.Errorf("%w: empty bval file", ErrCorruptGradients)
	}

	rows, err := readRows(bvecs)
	if err != nil {
		return nil, fmt.Errorf("%w: bvec: %v", ErrCorruptGradients, err)
	}

	n := len(flat)
	vecs, err := orientVectors(rows, n)
	if err != nil {
		return nil, err
	}
	return &Table{Bvals: flat, Bvecs: vecs}, nil
}

func orientVectors(rows [][]float64, n int) ([]r3.Vector, error) {
	rowMajor := len(rows) == 3
	for _, r := range rows {
		if len(r) != n {
			rowMajor = false
			break
		}
	}
	if rowMajor {
		out := make([]r3.Vector, n)
		for i := 0; i < n; i++ {
			out[i] = r3.Vector{X: rows[0][i], Y: rows[1][i], Z: rows[2][i]}
		}
		return out, nil
	}

	colMajor := len(rows) == n
	for _, r := range rows {
		if len(r) != 3 {
			colMajor = false
			break
		}
	}
	if colMajor {
		out := make([]r3.Vector, n)
		for i, r := range rows {
			out[i] = r3.Vector{X: r[0], Y: r[1], Z: r[2]}
		}
		return out, nil
	}

	total := 0
	for _, r := range rows {
		total += len(r)
	}
	return nil, fmt.Errorf("%w: %d b-values but b-vectors hold %d rows (%d values)", ErrCorruptGradients, n, len(rows), total)
}

func readRows(r io.Reader) ([][]float64, error) {
	var rows [][]float64
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		row := make([]float64, len(fields))
		for i, f := range fields {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, err
			}
			row[i] = v
		}
		rows = append(rows, row)
	}
	return rows, sc.Err()
}
