package imaging

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// Affine is a 4x4 homogeneous transform, row-major.
type Affine [4][4]float64

// Identity returns the identity transform.
func Identity() Affine {
	return Affine{{1, 0, 0, 0}, {0, 1, 0, 0}, {0, 0, 1, 0}, {0, 0, 0, 1}}
}

func (a Affine) dense() *mat.Dense {
	m := mat.NewDense(4, 4, nil)
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			m.Set(i, j, a[i][j])
		}
	}
	return m
}

func fromDense(m mat.Matrix) Affine {
	var a Affine
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			a[i][j] = m.At(i, j)
		}
	}
	return a
}

// Mul returns a·b.
func (a Affine) Mul(b Affine) Affine {
	var out mat.Dense
	out.Mul(a.dense(), b.dense())
	return fromDense(&out)
}

// Inverse returns a⁻¹.
func (a Affine) Inverse() (Affine, error) {
	var inv mat.Dense
	if err := inv.Inverse(a.dense()); err != nil {
		return Affine{}, fmt.Errorf("singular affine: %w", err)
	}
	return fromDense(&inv), nil
}

// Apply maps the point (x, y, z).
func (a Affine) Apply(x, y, z float64) (float64, float64, float64) {
	return a[0][0]*x + a[0][1]*y + a[0][2]*z + a[0][3],
		a[1][0]*x + a[1][1]*y + a[1][2]*z + a[1][3],
		a[2][0]*x + a[2][1]*y + a[2][2]*z + a[2][3]
}

// Det3 returns the determinant of the linear 3x3 block.
func (a Affine) Det3() float64 {
	m := mat.NewDense(3, 3, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			m.Set(i, j, a[i][j])
		}
	}
	return mat.Det(m)
}

// ReadAffine parses four whitespace-separated rows of four numbers, the
// layout shared by FSL matrices and the RAS transforms written here.
// Comment lines starting with '#' are ignored.
func ReadAffine(path string) (Affine, error) {
	f, err := os.Open(path)
	if err != nil {
		return Affine{}, err
	}
	defer f.Close()

	var a Affine
	row := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) != 4 || row > 3 {
			return Affine{}, fmt.Errorf("%s: not a 4x4 matrix", path)
		}
		for j, f := range fields {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return Affine{}, fmt.Errorf("%s: %w", path, err)
			}
			a[row][j] = v
		}
		row++
	}
	if err := sc.Err(); err != nil {
		return Affine{}, err
	}
	if row != 4 {
		return Affine{}, fmt.Errorf("%s: expected 4 rows, got %d", path, row)
	}
	return a, nil
}

// WriteAffine writes a as four rows of four numbers.
func WriteAffine(path string, a Affine) error {
	var sb strings.Builder
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			if j > 0 {
				sb.WriteByte(' ')
			}
			v := a[i][j]
			if v == 0 {
				v = math.Abs(v)
			}
			sb.WriteString(strconv.FormatFloat(v, 'f', 8, 64))
		}
		sb.WriteByte('\n')
	}
	return os.WriteFile(path, []byte(sb.String()), 0o644)
}
