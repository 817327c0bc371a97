// Package stages lists every stage compiled into the binary and assembles
// them into a loaded, validated registry.
package stages

import (
	"context"
	"fmt"

	"github.com/specialistvlad/dmriprepgo/internal/ctxlog"
	"github.com/specialistvlad/dmriprepgo/internal/registry"
	"github.com/specialistvlad/dmriprepgo/modules/apply_affine"
	"github.com/specialistvlad/dmriprepgo/modules/bias_correct"
	"github.com/specialistvlad/dmriprepgo/modules/coreg_dwi_to_t1"
	"github.com/specialistvlad/dmriprepgo/modules/datasink"
	"github.com/specialistvlad/dmriprepgo/modules/denoise"
	"github.com/specialistvlad/dmriprepgo/modules/eddy"
	"github.com/specialistvlad/dmriprepgo/modules/eddy_files"
	"github.com/specialistvlad/dmriprepgo/modules/extract_b0"
	"github.com/specialistvlad/dmriprepgo/modules/fieldmap_hz"
	"github.com/specialistvlad/dmriprepgo/modules/fsl_to_ras_xfm"
	"github.com/specialistvlad/dmriprepgo/modules/median_b0"
	"github.com/specialistvlad/dmriprepgo/modules/merge_b0s"
	"github.com/specialistvlad/dmriprepgo/modules/reorient_to_ras"
	"github.com/specialistvlad/dmriprepgo/modules/resample_isotropic"
	"github.com/specialistvlad/dmriprepgo/modules/skullstrip"
	"github.com/specialistvlad/dmriprepgo/modules/tensor_fit"
	"github.com/specialistvlad/dmriprepgo/modules/topup"
	"github.com/specialistvlad/dmriprepgo/modules/unring"
	"github.com/specialistvlad/dmriprepgo/modules/validate_gradients"
)

// Core is the definitive list of all stage modules compiled into the
// dmriprep binary.
var Core = []registry.Module{
	// Native image and table helpers.
	&validate_gradients.Module{},
	&reorient_to_ras.Module{},
	&extract_b0.Module{},
	&median_b0.Module{},
	&resample_isotropic.Module{},
	&merge_b0s.Module{},
	&eddy_files.Module{},
	&fieldmap_hz.Module{},
	&fsl_to_ras_xfm.Module{},
	&apply_affine.Module{},
	&datasink.Module{},

	// External tools.
	&denoise.Module{},
	&unring.Module{},
	&topup.Module{},
	&eddy.Module{},
	&bias_correct.Module{},
	&skullstrip.Module{},
	&coreg_dwi_to_t1.Module{},
	&tensor_fit.Module{},
}

// NewRegistry registers modules (Core when none are given), loads their
// manifests and checks that manifests and Go handlers agree.
func NewRegistry(ctx context.Context, modules ...registry.Module) (*registry.Registry, error) {
	logger := ctxlog.FromContext(ctx)
	if len(modules) == 0 {
		modules = Core
	}
	reg := registry.New()
	for _, mod := range modules {
		mod.Register(reg)
	}
	logger.Debug("All stage modules registered.", "count", len(modules))

	if err := reg.Load(ctx); err != nil {
		return nil, fmt.Errorf("loading stage manifests: %w", err)
	}
	if err := reg.ValidateRegistry(ctx); err != nil {
		return nil, err
	}
	logger.Debug("Registry validation passed.", "stages", len(reg.Kinds()))
	return reg, nil
}
