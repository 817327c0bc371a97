package merge_b0s

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"reflect"
	"slices"

	"github.com/specialistvlad/dmriprepgo/internal/ctxlog"
	"github.com/specialistvlad/dmriprepgo/internal/fieldmap"
	"github.com/specialistvlad/dmriprepgo/internal/imaging"
	"github.com/specialistvlad/dmriprepgo/internal/nifti"
	"github.com/specialistvlad/dmriprepgo/internal/registry"
)

//go:embed stage.hcl
var manifest []byte

// Module implements the registry.Module interface for this package.
type Module struct{}

// Input defines the arguments of the merge_b0s stage.
type Input struct {
	Same       string    `cty:"same"`
	Opp        string    `cty:"opp"`
	SameSource *string   `cty:"same_source"`
	OppSource  *string   `cty:"opp_source"`
	SameRow    []float64 `cty:"same_row"`
	OppRow     []float64 `cty:"opp_row"`
}

// Run stacks same then opp. The opposite image is resampled onto the grid
// of the first when their shapes differ. Each row is mapped from the voxel
// axes of its source image, when given, onto the RAS+ axes of the stack.
func Run(ctx context.Context, in *Input, env *registry.Env) error {
	sameRow, err := sourceRow(in.SameRow, in.SameSource)
	if err != nil {
		return fmt.Errorf("same_row: %w", err)
	}
	oppRow, err := sourceRow(in.OppRow, in.OppSource)
	if err != nil {
		return fmt.Errorf("opp_row: %w", err)
	}

	same, err := nifti.Read(in.Same)
	if err != nil {
		return err
	}
	opp, err := nifti.Read(in.Opp)
	if err != nil {
		return err
	}
	if !slices.Equal(same.Shape()[:3], opp.Shape()[:3]) {
		ctxlog.FromContext(ctx).Info("Resampling reversed-polarity b0s onto the DWI grid.", "from", opp.Shape()[:3], "to", same.Shape()[:3])
		if opp, err = imaging.ApplyAffine(ctx, opp, same, imaging.Identity(), false, imaging.Linear, env.Threads); err != nil {
			return err
		}
	}

	merged, counts, err := imaging.MergeVolumes(same, opp)
	if err != nil {
		return err
	}
	if err := nifti.Write(env.Output("merged"), merged); err != nil {
		return err
	}

	rows := make([]fieldmap.Row, 0, counts[0]+counts[1])
	for range counts[0] {
		rows = append(rows, sameRow)
	}
	for range counts[1] {
		rows = append(rows, oppRow)
	}
	f, err := os.Create(env.Output("datain"))
	if err != nil {
		return err
	}
	if err := fieldmap.WriteRows(f, rows); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func sourceRow(v []float64, source *string) (fieldmap.Row, error) {
	row, err := fieldmap.RowFromFloats(v)
	if err != nil || source == nil {
		return row, err
	}
	o, err := imaging.OrientationOfFile(*source)
	if err != nil {
		return row, err
	}
	return imaging.ReorientRow(o, row), nil
}

// Register registers the handler and manifest with the registry.
func (m *Module) Register(r *registry.Registry) {
	r.RegisterHandler("merge_b0s", &registry.RegisteredHandler{
		NewInput:  func() any { return new(Input) },
		InputType: reflect.TypeOf(Input{}),
		Fn:        Run,
	})
	r.RegisterManifest("merge_b0s/stage.hcl", manifest)
}
