package gradients

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

const rasbHeader = "# R\tA\tS\tB"

// ToRAS maps vectors expressed along the voxel axes of an image into RAS+
// world space using the rotation part of its affine (voxel sizes divided
// out), renormalizing non-null results and zeroing those shorter than 0.2.
func ToRAS(affine [4][4]float64, vecs []r3.Vector) []r3.Vector {
	return applyLinear(linearPart(affine), vecs)
}

// FromRAS is the inverse of ToRAS.
func FromRAS(affine [4][4]float64, vecs []r3.Vector) ([]r3.Vector, error) {
	var inv mat.Dense
	if err := inv.Inverse(linearPart(affine)); err != nil {
		return nil, fmt.Errorf("inverting affine: %w", err)
	}
	return applyLinear(&inv, vecs), nil
}

func linearPart(a [4][4]float64) *mat.Dense {
	m := mat.NewDense(3, 3, nil)
	for j := 0; j < 3; j++ {
		zoom := math.Sqrt(a[0][j]*a[0][j] + a[1][j]*a[1][j] + a[2][j]*a[2][j])
		if zoom == 0 {
			zoom = 1
		}
		for i := 0; i < 3; i++ {
			m.Set(i, j, a[i][j]/zoom)
		}
	}
	return m
}

// FromFSL converts FSL b-vectors of an image into RAS+ vectors. FSL
// vectors run along the voxel axes, with the first axis negated when the
// voxel-to-world determinant is positive.
func FromFSL(affine [4][4]float64, vecs []r3.Vector) []r3.Vector {
	return ToRAS(affine, fslFlip(affine, vecs))
}

// ToFSL is the inverse of FromFSL.
func ToFSL(affine [4][4]float64, vecs []r3.Vector) ([]r3.Vector, error) {
	vox, err := FromRAS(affine, vecs)
	if err != nil {
		return nil, err
	}
	return fslFlip(affine, vox), nil
}

func fslFlip(affine [4][4]float64, vecs []r3.Vector) []r3.Vector {
	out := append([]r3.Vector(nil), vecs...)
	if mat.Det(linearPart(affine)) <= 0 {
		return out
	}
	for i := range out {
		if out[i].X != 0 {
			out[i].X = -out[i].X
		}
	}
	return out
}

func applyLinear(m mat.Matrix, vecs []r3.Vector) []r3.Vector {
	out := make([]r3.Vector, len(vecs))
	in := mat.NewVecDense(3, nil)
	var res mat.VecDense
	for i, v := range vecs {
		in.SetVec(0, v.X)
		in.SetVec(1, v.Y)
		in.SetVec(2, v.Z)
		res.MulVec(m, in)
		w := r3.Vector{X: res.AtVec(0), Y: res.AtVec(1), Z: res.AtVec(2)}
		if n := w.Norm(); n < 0.2 {
			w = r3.Vector{}
		} else {
			w = w.Mul(1 / n)
		}
		out[i] = w
	}
	return out
}

// WriteRASB writes the canonical RAS+B table: a header row followed by one
// tab-separated `x y z b` row per volume.
func WriteRASB(w io.Writer, t *Table) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, rasbHeader)
	for i := range t.Bvals {
		v := t.Bvecs[i]
		fmt.Fprintf(bw, "%.8f\t%.8f\t%.8f\t%s\n", v.X, v.Y, v.Z, strconv.FormatFloat(t.Bvals[i], 'g', 6, 64))
	}
	return bw.Flush()
}

// ReadRASB parses a table written by WriteRASB. B0Mask is left unset.
func ReadRASB(r io.Reader) (*Table, error) {
	t := &Table{}
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) != 4 {
			return nil, fmt.Errorf("%w: rasb line %d: want 4 columns, got %d", ErrCorruptGradients, line, len(fields))
		}
		var vals [4]float64
		for i, f := range fields {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: rasb line %d: %v", ErrCorruptGradients, line, err)
			}
			vals[i] = v
		}
		t.Bvecs = append(t.Bvecs, r3.Vector{X: vals[0], Y: vals[1], Z: vals[2]})
		t.Bvals = append(t.Bvals, vals[3])
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return t, nil
}

// WriteFSL writes b-vectors as three rows and b-values as one row.
func WriteFSL(bvecW, bvalW io.Writer, t *Table) error {
	rows := [3][]string{}
	for _, v := range t.Bvecs {
		rows[0] = append(rows[0], fmt.Sprintf("%.6f", v.X))
		rows[1] = append(rows[1], fmt.Sprintf("%.6f", v.Y))
		rows[2] = append(rows[2], fmt.Sprintf("%.6f", v.Z))
	}
	for _, r := range rows {
		if _, err := fmt.Fprintln(bvecW, strings.Join(r, " ")); err != nil {
			return err
		}
	}
	vals := make([]string, len(t.Bvals))
	for i, b := range t.Bvals {
		vals[i] = strconv.FormatFloat(b, 'f', -1, 64)
	}
	_, err := fmt.Fprintln(bvalW, strings.Join(vals, " "))
	return err
}

// SaveRASB writes the RAS+B table to path.
func SaveRASB(path string, t *Table) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteRASB(f, t); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// SaveFSL writes bvecPath and bvalPath.
func SaveFSL(bvecPath, bvalPath string, t *Table) error {
	vf, err := os.Create(bvecPath)
	if err != nil {
		return err
	}
	defer vf.Close()
	bf, err := os.Create(bvalPath)
	if err != nil {
		return err
	}
	defer bf.Close()
	if err := WriteFSL(vf, bf, t); err != nil {
		return err
	}
	if err := vf.Close(); err != nil {
		return err
	}
	return bf.Close()
}

// LoadRASB reads a RAS+B table from path.
func LoadRASB(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadRASB(f)
}
