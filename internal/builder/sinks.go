package builder

import (
	"github.com/specialistvlad/dmriprepgo/internal/config"
	"github.com/specialistvlad/dmriprepgo/internal/dag"
	"github.com/specialistvlad/dmriprepgo/internal/derivatives"
)

// derivative is one terminal output routed to the derivatives tree.
type derivative struct {
	id     string
	in     dag.Handle
	bvals  *dag.Handle
	bvecs  *dag.Handle
	space  string
	desc   string
	suffix string
	extra  map[string]string
}

// derivativesOf lists the run's derivatives for the requested output
// spaces.
func (b *Builder) derivativesOf() []derivative {
	bvals := out(NodeGradients, "bvals")
	bvecs := out(NodeEddy, "bvecs_rotated")

	var ds []derivative
	if b.cfg.WantsSpace(config.SpaceDWI) {
		ds = append(ds, derivative{
			id: "ds_dwi", in: out(NodeBiasCorrect, "image_corrected"), bvals: &bvals, bvecs: &bvecs,
			space: config.SpaceDWI, desc: "preproc", suffix: "dwi",
		})
	}
	ds = append(ds,
		derivative{id: "ds_mask", in: out(NodeSkullstripPost, "b0_mask"), space: config.SpaceDWI, desc: "brain", suffix: "mask"},
		derivative{id: "ds_dwiref", in: out(NodeB0RefPost, "b0_ref"), space: config.SpaceDWI, suffix: "dwiref"},
	)
	for _, m := range []struct{ port, desc string }{
		{"fa", "FA"}, {"md", "MD"}, {"ad", "AD"}, {"rd", "RD"}, {"v1", "V1"},
	} {
		ds = append(ds, derivative{
			id: "ds_" + m.port, in: out(NodeTensorFit, m.port),
			space: config.SpaceDWI, desc: m.desc, suffix: "dwiref",
		})
	}
	ds = append(ds,
		derivative{
			id: "ds_xfm_to_t1", in: out(NodeXfmToT1, "affine"), suffix: "xfm",
			extra: map[string]string{"from": config.SpaceDWI, "to": config.SpaceT1w, "mode": "image"},
		},
		derivative{
			id: "ds_xfm_from_t1", in: out(NodeXfmFromT1, "affine"), suffix: "xfm",
			extra: map[string]string{"from": config.SpaceT1w, "to": config.SpaceDWI, "mode": "image"},
		},
	)
	if b.cfg.WantsSpace(config.SpaceT1w) {
		wb := out(NodeDWIToT1, "bvals")
		wv := out(NodeDWIToT1, "bvecs")
		ds = append(ds, derivative{
			id: "ds_dwi_t1", in: out(NodeDWIToT1, "warped"), bvals: &wb, bvecs: &wv,
			space: config.SpaceT1w, desc: "preproc", suffix: "dwi",
		})
	}
	return ds
}

// sinks adds one datasink per derivative. Each sidecar records the
// processing stages scheduled for the run.
func (b *Builder) sinks(r *runGraph, info *runInfo) {
	meta, err := metadataJSON(info.meta)
	if err != nil {
		r.err = err
		return
	}
	stages := r.stages()
	outDir := derivatives.Dir(b.cfg.DerivativesDir(), info.dwi.Entities, "dwi")

	for _, d := range b.derivativesOf() {
		in := ports{"in_file": d.in}
		if d.bvals != nil {
			in["bvals"] = *d.bvals
			in["bvecs"] = *d.bvecs
		}
		p := params{
			"out_dir":  outDir,
			"entities": info.dwi.Entities,
			"suffix":   d.suffix,
			"source":   info.dwi.RelPath,
			"stages":   stages,
			"metadata": meta,
		}
		if d.space != "" {
			p["space"] = d.space
		}
		if d.desc != "" {
			p["desc"] = d.desc
		}
		if len(d.extra) > 0 {
			p["extra_entities"] = d.extra
		}
		if drop := b.cfg.Workflow.DropEntities; len(drop) > 0 {
			p["drop_entities"] = drop
		}
		r.add(d.id, kindDatasink, in, p)
	}
}
