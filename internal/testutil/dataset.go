package testutil

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/specialistvlad/dmriprepgo/internal/nifti"
	"github.com/stretchr/testify/require"
)

// Dataset builds a small synthetic BIDS dataset in a temporary directory.
type Dataset struct {
	Root string
	t    *testing.T
}

// fixtureAffine is the RAS-oriented 2 mm grid of every fixture image.
var fixtureAffine = [4][4]float64{
	{2, 0, 0, -8},
	{0, 2, 0, -8},
	{0, 0, 2, -6},
	{0, 0, 0, 1},
}

// FixtureShape is the spatial extent of fixture images.
var FixtureShape = []int{8, 8, 6}

// NewDataset creates an empty dataset with a valid dataset_description.json.
func NewDataset(t *testing.T) *Dataset {
	t.Helper()
	d := &Dataset{Root: filepath.Join(t.TempDir(), "bids"), t: t}
	d.JSON("dataset_description.json", map[string]any{"Name": "fixture", "BIDSVersion": "1.8.0"})
	return d
}

// File writes raw content at rel.
func (d *Dataset) File(rel, content string) string {
	d.t.Helper()
	p := filepath.Join(d.Root, filepath.FromSlash(rel))
	require.NoError(d.t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(d.t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

// JSON writes v as a JSON file at rel.
func (d *Dataset) JSON(rel string, v any) string {
	d.t.Helper()
	raw, err := json.MarshalIndent(v, "", "  ")
	require.NoError(d.t, err)
	return d.File(rel, string(raw))
}

// Image writes a synthetic image at rel with nvols volumes (3D when
// nvols is zero). Volume t holds a smooth blob scaled by scale(t).
func (d *Dataset) Image(rel string, nvols int, scale func(t int) float64) string {
	d.t.Helper()
	shape := append([]int(nil), FixtureShape...)
	n := 1
	if nvols > 0 {
		shape = append(shape, nvols)
		n = nvols
	}
	img := nifti.New(shape, fixtureAffine)
	vox := img.VoxelsPerVolume()
	for v := 0; v < n; v++ {
		s := 1.0
		if scale != nil {
			s = scale(v)
		}
		vol := img.Volume(v)
		for i := 0; i < vox; i++ {
			x := i % shape[0]
			y := (i / shape[0]) % shape[1]
			z := i / (shape[0] * shape[1])
			r2 := sq(float64(x)-3.5) + sq(float64(y)-3.5) + sq(float64(z)-2.5)
			vol[i] = s * 1000 * math.Exp(-r2/8)
		}
	}
	p := filepath.Join(d.Root, filepath.FromSlash(rel))
	require.NoError(d.t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(d.t, nifti.Write(p, img))
	return p
}

func sq(v float64) float64 { return v * v }

// DWI adds a diffusion run for subject (and session when non-empty) with
// the given b-values. Directions cycle through an evenly spread set, b0
// volumes get a zero vector. Extra entities such as dir or run may be
// passed in entities. It returns the image path.
func (d *Dataset) DWI(subject, session string, entities map[string]string, bvals []float64, meta map[string]any) string {
	d.t.Helper()
	stem := d.stem(subject, session, entities, "dwi")
	dir := d.dir(subject, session, "dwi")

	vecs := Directions(len(bvals))
	var bvalRow []string
	rows := [3][]string{}
	for i, b := range bvals {
		bvalRow = append(bvalRow, fmt.Sprintf("%g", b))
		v := vecs[i]
		if b <= 50 {
			v = [3]float64{}
		}
		for k := 0; k < 3; k++ {
			rows[k] = append(rows[k], fmt.Sprintf("%.6f", v[k]))
		}
	}
	d.File(dir+"/"+stem+".bval", strings.Join(bvalRow, " ")+"\n")
	d.File(dir+"/"+stem+".bvec", strings.Join(rows[0], " ")+"\n"+strings.Join(rows[1], " ")+"\n"+strings.Join(rows[2], " ")+"\n")

	if meta == nil {
		meta = map[string]any{"PhaseEncodingDirection": "j-", "TotalReadoutTime": 0.05}
	}
	d.JSON(dir+"/"+stem+".json", meta)

	return d.Image(dir+"/"+stem+".nii.gz", len(bvals), func(t int) float64 {
		if bvals[t] <= 50 {
			return 1
		}
		return math.Exp(-bvals[t] * 0.0007)
	})
}

// T1w adds a structural image.
func (d *Dataset) T1w(subject, session string) string {
	d.t.Helper()
	stem := d.stem(subject, session, nil, "T1w")
	return d.Image(d.dir(subject, session, "anat")+"/"+stem+".nii.gz", 0, nil)
}

// Fmap adds a fieldmap-directory image with the given suffix and sidecar.
func (d *Dataset) Fmap(subject, session string, entities map[string]string, suffix string, nvols int, meta map[string]any) string {
	d.t.Helper()
	stem := d.stem(subject, session, entities, suffix)
	dir := d.dir(subject, session, "fmap")
	if meta != nil {
		d.JSON(dir+"/"+stem+".json", meta)
	}
	return d.Image(dir+"/"+stem+".nii.gz", nvols, nil)
}

// RelToSubject returns path relative to its subject directory, the form
// IntendedFor entries use.
func (d *Dataset) RelToSubject(subject, path string) string {
	rel, err := filepath.Rel(filepath.Join(d.Root, "sub-"+subject), path)
	require.NoError(d.t, err)
	return filepath.ToSlash(rel)
}

func (d *Dataset) dir(subject, session, datatype string) string {
	parts := []string{"sub-" + subject}
	if session != "" {
		parts = append(parts, "ses-"+session)
	}
	return strings.Join(append(parts, datatype), "/")
}

func (d *Dataset) stem(subject, session string, entities map[string]string, suffix string) string {
	parts := []string{"sub-" + subject}
	if session != "" {
		parts = append(parts, "ses-"+session)
	}
	for _, k := range []string{"acq", "dir", "run"} {
		if v := entities[k]; v != "" {
			parts = append(parts, k+"-"+v)
		}
	}
	return strings.Join(append(parts, suffix), "_")
}

// Directions returns n unit vectors spread over the full sphere.
func Directions(n int) [][3]float64 {
	out := make([][3]float64, n)
	golden := math.Pi * (3 - math.Sqrt(5))
	for i := 0; i < n; i++ {
		y := 1 - 2*(float64(i)+0.5)/float64(n)
		r := math.Sqrt(1 - y*y)
		th := golden * float64(i)
		out[i] = [3]float64{math.Cos(th) * r, y, math.Sin(th) * r}
	}
	return out
}

// Shells returns nb0 zero b-values followed by ndirs volumes at each shell.
func Shells(nb0, ndirs int, shells ...float64) []float64 {
	out := make([]float64, 0, nb0+ndirs*len(shells))
	for i := 0; i < nb0; i++ {
		out = append(out, 0)
	}
	for _, b := range shells {
		for i := 0; i < ndirs; i++ {
			out = append(out, b)
		}
	}
	return out
}
