package eddy_files

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"os"
	"reflect"

	"github.com/specialistvlad/dmriprepgo/internal/fieldmap"
	"github.com/specialistvlad/dmriprepgo/internal/imaging"
	"github.com/specialistvlad/dmriprepgo/internal/nifti"
	"github.com/specialistvlad/dmriprepgo/internal/registry"
)

//go:embed stage.hcl
var manifest []byte

// Module implements the registry.Module interface for this package.
type Module struct{}

// Input defines the arguments of the eddy_files stage.
type Input struct {
	DWI       string      `cty:"dwi"`
	DWISource *string     `cty:"dwi_source"`
	OppSource *string     `cty:"opp_source"`
	Rows      [][]float64 `cty:"rows"`
	DWIRow    int         `cty:"dwi_row"`
}

// Run writes acqp and an index assigning every DWI volume to DWIRow. Rows
// are given along the voxel axes of the acquired images; when the source
// image of a row is known, the row is mapped onto the RAS+ axes the
// corrected data uses. DWISource covers DWIRow, OppSource every other row.
func Run(ctx context.Context, in *Input, env *registry.Env) error {
	if len(in.Rows) == 0 {
		return fmt.Errorf("no acquisition rows")
	}
	if in.DWIRow < 1 || in.DWIRow > len(in.Rows) {
		return fmt.Errorf("dwi_row %d outside 1..%d", in.DWIRow, len(in.Rows))
	}
	rows := make([]fieldmap.Row, len(in.Rows))
	for i, r := range in.Rows {
		row, err := fieldmap.RowFromFloats(r)
		if err != nil {
			return err
		}
		src := in.OppSource
		if i+1 == in.DWIRow {
			src = in.DWISource
		}
		if src != nil {
			o, err := imaging.OrientationOfFile(*src)
			if err != nil {
				return err
			}
			row = imaging.ReorientRow(o, row)
		}
		rows[i] = row
	}

	hdr, err := nifti.ReadHeader(in.DWI)
	if err != nil {
		return err
	}

	var acqp, index bytes.Buffer
	if err := fieldmap.WriteRows(&acqp, rows); err != nil {
		return err
	}
	if err := fieldmap.WriteIndex(&index, in.DWIRow, hdr.NumVolumes()); err != nil {
		return err
	}
	if err := os.WriteFile(env.Output("acqp"), acqp.Bytes(), 0o644); err != nil {
		return err
	}
	return os.WriteFile(env.Output("index"), index.Bytes(), 0o644)
}

// Register registers the handler and manifest with the registry.
func (m *Module) Register(r *registry.Registry) {
	r.RegisterHandler("eddy_files", &registry.RegisteredHandler{
		NewInput:  func() any { return new(Input) },
		InputType: reflect.TypeOf(Input{}),
		Fn:        Run,
	})
	r.RegisterManifest("eddy_files/stage.hcl", manifest)
}
