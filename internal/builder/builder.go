package builder

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/specialistvlad/dmriprepgo/internal/bids"
	"github.com/specialistvlad/dmriprepgo/internal/config"
	"github.com/specialistvlad/dmriprepgo/internal/ctxlog"
	"github.com/specialistvlad/dmriprepgo/internal/dag"
	"github.com/specialistvlad/dmriprepgo/internal/fieldmap"
	"github.com/specialistvlad/dmriprepgo/internal/gradients"
)

// Stage kinds the builder schedules.
const (
	kindReorient      = "reorient_to_ras"
	kindValidate      = "validate_gradients"
	kindDenoise       = "denoise"
	kindUnring        = "unring"
	kindResample      = "resample_isotropic"
	kindExtractB0     = "extract_b0"
	kindMedianB0      = "median_b0"
	kindSkullstripDWI = "skullstrip_dwi"
	kindSkullstripT1  = "skullstrip_anat"
	kindEddyFiles     = "eddy_files"
	kindMergeB0s      = "merge_b0s"
	kindTopup         = "topup"
	kindPhasediffHz   = "phasediff_to_hz"
	kindPhasesHz      = "phases_to_hz"
	kindFieldmapHz    = "fieldmap_to_hz"
	kindApplyAffine   = "apply_affine"
	kindEddy          = "eddy"
	kindBiasCorrect   = "bias_correct"
	kindTensorFit     = "tensor_fit"
	kindCoreg         = "coreg_dwi_to_t1"
	kindFSLToRAS      = "fsl_to_ras_xfm"
	kindDatasink      = "datasink"
)

// Node ids inside a run graph.
const (
	NodeReorient       = "reorient_dwi"
	NodeGradients      = "gradients"
	NodeDenoise        = "denoise"
	NodeUnring         = "unring"
	NodeResample       = "resample"
	NodeB0Pre          = "b0_pre"
	NodeB0RefPre       = "b0_ref_pre"
	NodeSkullstripPre  = "skullstrip_pre"
	NodeEddyFiles      = "eddy_files"
	NodeReorientEPI    = "reorient_epi"
	NodeMergeB0s       = "merge_b0s"
	NodeTopup          = "topup"
	NodeFieldHz        = "fmap_hz"
	NodeFieldToDWI     = "fmap_to_dwi"
	NodeEddy           = "eddy"
	NodeBiasCorrect    = "bias_correct"
	NodeB0Post         = "b0_post"
	NodeB0RefPost      = "b0_ref_post"
	NodeSkullstripPost = "skullstrip_post"
	NodeTensorFit      = "tensor_fit"
	NodeCoreg          = "coreg"
	NodeXfmToT1        = "xfm_dwi_to_t1"
	NodeXfmFromT1      = "xfm_t1_to_dwi"
	NodeDWIToT1        = "dwi_to_t1"
)

// AnatPrefix is where the driver attaches a subject's anatomical graph.
// Run graphs reference its nodes under this prefix.
const AnatPrefix = "anat"

// Node ids inside the anatomical graph.
const (
	NodeReorientT1   = "reorient_t1w"
	NodeSkullstripT1 = "skullstrip_t1w"
)

// Labels attached to every node of a run graph.
const (
	LabelSubject = "subject"
	LabelSession = "session"
	LabelRun     = "run"
	LabelSLM     = "slm"
)

// Source is the dataset access the builder needs.
type Source interface {
	fieldmap.Source
	Companion(f *bids.File, ext string) (*bids.File, error)
}

// Builder turns DWI runs into processing graphs.
type Builder struct {
	cfg *config.Config
	src Source
	cat dag.Catalog
}

// New creates a builder. cat resolves stage kinds for validation.
func New(cfg *config.Config, src Source, cat dag.Catalog) *Builder {
	return &Builder{cfg: cfg, src: src, cat: cat}
}

// Session returns the session label of f, "01" when the dataset has no
// session level.
func Session(f *bids.File) string {
	if s := f.Session(); s != "" {
		return s
	}
	return "01"
}

// RunLabel names a run by the entities of its file other than sub and ses,
// e.g. "dir-AP_run-1_dwi". It is a valid node id segment.
func RunLabel(f *bids.File) string {
	ents := make(map[string]string, len(f.Entities))
	for k, v := range f.Entities {
		if k != "sub" && k != "ses" {
			ents[k] = v
		}
	}
	return bids.BuildName(ents, f.Suffix, "")
}

// BuildAnat returns the graph preparing a subject's T1w image: RAS+
// reorientation followed by brain extraction.
func (b *Builder) BuildAnat(ctx context.Context, t1w *bids.File) (*dag.Graph, error) {
	logger := ctxlog.FromContext(ctx)
	r := newRunGraph("anat", map[string]string{LabelSubject: t1w.Subject()})
	r.add(NodeReorientT1, kindReorient, ports{"image": dag.FromPath(t1w.Path)}, nil)
	r.add(NodeSkullstripT1, kindSkullstripT1, ports{"t1w": out(NodeReorientT1, "reoriented")}, nil)
	if r.err != nil {
		return nil, r.err
	}
	if err := r.g.Validate(b.cat); err != nil {
		return nil, fmt.Errorf("anatomical graph of sub-%s: %w", t1w.Subject(), err)
	}
	logger.Debug("Build: Anatomical graph complete.", "t1w", t1w.RelPath)
	return r.g, nil
}

func anatRef(node, port string) dag.Handle {
	return dag.FromNode(AnatPrefix+"."+node, port)
}

// runInfo is what the builder learns about a run before creating nodes.
type runInfo struct {
	dwi    *bids.File
	meta   map[string]any
	bval   string
	bvec   string
	row    fieldmap.Row
	slm    gradients.SLM
	bundle fieldmap.Bundle
}

// Build returns the processing graph of one DWI run. anat is the subject's
// anatomical graph; run graph nodes reference it under AnatPrefix. Missing
// sidecar fields and invalid gradient tables fail the build before any
// node is created.
func (b *Builder) Build(ctx context.Context, dwi *bids.File, anat *dag.Graph) (*dag.Graph, error) {
	ctx, logger := ctxlog.With(ctx, "run", dwi.RelPath)
	logger.Debug("Build: Starting graph construction.")

	info, err := b.inspect(ctx, dwi)
	if err != nil {
		return nil, err
	}
	logger.Debug("Build: Preconditions satisfied.", "pe", info.row, "slm", info.slm, "fieldmap", bundleName(info.bundle))

	r := newRunGraph(RunLabel(dwi), map[string]string{
		LabelSubject: dwi.Subject(),
		LabelSession: Session(dwi),
		LabelRun:     RunLabel(dwi),
	})
	b.wire(ctx, r, info)
	if r.err != nil {
		return nil, r.err
	}
	logger.Debug("Build: Node creation complete.", "node_count", len(r.g.Nodes))

	if err := b.validate(r.g, anat); err != nil {
		return nil, fmt.Errorf("%s: %w", dwi.RelPath, err)
	}
	logger.Debug("Build: Graph construction successful.", "stages", r.stages())
	return r.g, nil
}

// inspect checks the run's preconditions and selects its field information.
func (b *Builder) inspect(ctx context.Context, dwi *bids.File) (*runInfo, error) {
	logger := ctxlog.FromContext(ctx)
	meta, err := b.src.Metadata(dwi.Path)
	if err != nil {
		return nil, err
	}
	pe, err := fieldmap.PhaseEncodingOf(dwi, meta)
	if err != nil {
		return nil, err
	}
	trt, err := fieldmap.TotalReadoutTime(dwi, meta)
	if err != nil {
		return nil, err
	}

	bval, err := b.src.Companion(dwi, ".bval")
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", gradients.ErrCorruptGradients, dwi.RelPath, err)
	}
	bvec, err := b.src.Companion(dwi, ".bvec")
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", gradients.ErrCorruptGradients, dwi.RelPath, err)
	}
	tab, err := gradients.ParseFiles(bval.Path, bvec.Path, 0)
	if err != nil {
		return nil, err
	}
	res, err := gradients.Validate(ctx, tab, b.gradientOptions())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", dwi.RelPath, err)
	}

	info := &runInfo{
		dwi:  dwi,
		meta: meta,
		bval: bval.Path,
		bvec: bvec.Path,
		row:  fieldmap.NewRow(pe, trt),
		slm:  res.SLM,
	}
	if b.cfg.Ignores(config.IgnoreFieldmaps) {
		logger.Info("Field maps ignored; distortion correction is skipped.")
		return info, nil
	}
	info.bundle, err = fieldmap.Discover(b.src, dwi, pe, b.cfg.Workflow.UseSynSDC)
	if err != nil {
		return nil, err
	}
	return info, nil
}

func (b *Builder) gradientOptions() gradients.Options {
	opts := gradients.DefaultOptions()
	if b.cfg.Workflow.B0Threshold > 0 {
		opts.B0Threshold = b.cfg.Workflow.B0Threshold
	}
	opts.RaiseInconsistent = b.cfg.Workflow.RaiseInconsistent
	return opts
}

// wire creates every node of the run.
func (b *Builder) wire(ctx context.Context, r *runGraph, info *runInfo) {
	wf := b.cfg.Workflow
	b0Threshold := b.gradientOptions().B0Threshold

	r.add(NodeReorient, kindReorient, ports{
		"image": dag.FromPath(info.dwi.Path),
		"bvals": dag.FromPath(info.bval),
		"bvecs": dag.FromPath(info.bvec),
	}, nil)
	r.add(NodeGradients, kindValidate, ports{
		"dwi":  out(NodeReorient, "reoriented"),
		"rasb": out(NodeReorient, "rasb"),
	}, params{"b0_threshold": b0Threshold, "raise_inconsistent": wf.RaiseInconsistent})

	dwiPre := r.chain(out(NodeReorient, "reoriented"), b.preEddy()...)

	r.add(NodeB0Pre, kindExtractB0, ports{"dwi": dwiPre, "rasb": out(NodeGradients, "rasb")}, params{"b0_threshold": b0Threshold})
	r.add(NodeB0RefPre, kindMedianB0, ports{"b0s": out(NodeB0Pre, "b0s")}, nil)
	r.add(NodeSkullstripPre, kindSkullstripDWI, ports{"b0_ref": out(NodeB0RefPre, "b0_ref")}, params{"frac": wf.BetFrac})
	maskPre := out(NodeSkullstripPre, "b0_mask")

	fieldPorts, extraRows, err := b.distortion(ctx, r, info, out(NodeB0Pre, "b0s"), out(NodeB0RefPre, "b0_ref"))
	if err != nil {
		r.err = err
		return
	}

	rows := [][]float64{info.row.Floats()}
	for _, row := range extraRows {
		rows = append(rows, row.Floats())
	}
	// Rows follow the sidecars, along the voxel axes of the acquired images.
	filesIn := ports{"dwi": dwiPre, "dwi_source": dag.FromPath(info.dwi.Path)}
	if fm, ok := info.bundle.(*fieldmap.PEPOLAR); ok {
		filesIn["opp_source"] = dag.FromPath(fm.EPI.Path)
	}
	r.add(NodeEddyFiles, kindEddyFiles, filesIn, params{"rows": rows, "dwi_row": 1})

	eddyIn := ports{
		"dwi":   dwiPre,
		"bvals": out(NodeGradients, "bvals"),
		"bvecs": out(NodeGradients, "bvecs"),
		"mask":  maskPre,
		"index": out(NodeEddyFiles, "index"),
		"acqp":  out(NodeEddyFiles, "acqp"),
	}
	for port, h := range fieldPorts {
		eddyIn[port] = h
	}
	eddy := r.add(NodeEddy, kindEddy, eddyIn, params{"niter": wf.EddyNiter, "repol": wf.EddyRepol})
	eddy.ParamFrom = map[string]dag.Handle{"slm": out(NodeGradients, "slm")}
	eddy.Labels[LabelSLM] = string(info.slm)

	bvals := out(NodeGradients, "bvals")
	bvecs := out(NodeEddy, "bvecs_rotated")

	r.add(NodeBiasCorrect, kindBiasCorrect, ports{
		"image": out(NodeEddy, "dwi_corrected"),
		"mask":  maskPre,
		"bvals": bvals,
		"bvecs": bvecs,
	}, nil)
	dwiPost := out(NodeBiasCorrect, "image_corrected")

	r.add(NodeB0Post, kindExtractB0, ports{"dwi": dwiPost, "rasb": out(NodeGradients, "rasb")}, params{"b0_threshold": b0Threshold})
	r.add(NodeB0RefPost, kindMedianB0, ports{"b0s": out(NodeB0Post, "b0s"), "mask": maskPre}, nil)
	r.add(NodeSkullstripPost, kindSkullstripDWI, ports{"b0_ref": out(NodeB0RefPost, "b0_ref")}, params{"frac": wf.BetFrac})
	r.add(NodeTensorFit, kindTensorFit, ports{
		"dwi":   dwiPost,
		"bvals": bvals,
		"bvecs": bvecs,
		"mask":  out(NodeSkullstripPost, "b0_mask"),
	}, nil)

	b.coregister(r)
	b.sinks(r, info)
}

// preEddy lists the optional transforms applied before eddy. Each one
// the configuration disables is skipped.
func (b *Builder) preEddy() []transform {
	res := b.cfg.Workflow.ResampleResolution
	return []transform{
		{id: NodeDenoise, kind: kindDenoise, in: "dwi", out: "dwi_denoised", skip: b.cfg.Ignores(config.IgnoreDenoising)},
		{id: NodeUnring, kind: kindUnring, in: "dwi", out: "dwi_unringed", skip: b.cfg.Ignores(config.IgnoreUnringing)},
		{id: NodeResample, kind: kindResample, in: "image", out: "resampled", params: params{"voxel_size": res}, skip: res <= 0},
	}
}

// distortion wires the correction sub-graph of the selected field bundle.
// It returns the eddy inputs the sub-graph feeds and the acquisition rows
// it adds after the DWI row.
func (b *Builder) distortion(ctx context.Context, r *runGraph, info *runInfo, b0s, b0Ref dag.Handle) (ports, []fieldmap.Row, error) {
	logger := ctxlog.FromContext(ctx)

	switch fm := info.bundle.(type) {
	case nil:
		logger.Info("No field map intended for this run; eddy runs without susceptibility correction.")
		return nil, nil, nil
	case *fieldmap.Syn:
		logger.Warn("Fieldmap-less correction is not implemented; continuing with identity transforms.")
		return nil, nil, nil
	case *fieldmap.PEPOLAR:
		opp := fieldmap.NewRow(fm.PE, fm.TotalReadout)
		r.add(NodeReorientEPI, kindReorient, ports{"image": dag.FromPath(fm.EPI.Path)}, nil)
		r.add(NodeMergeB0s, kindMergeB0s, ports{
			"same":        b0s,
			"opp":         out(NodeReorientEPI, "reoriented"),
			"same_source": dag.FromPath(info.dwi.Path),
			"opp_source":  dag.FromPath(fm.EPI.Path),
		}, params{"same_row": info.row.Floats(), "opp_row": opp.Floats()})
		r.add(NodeTopup, kindTopup, ports{
			"merged_b0s": out(NodeMergeB0s, "merged"),
			"acqp":       out(NodeMergeB0s, "datain"),
		}, nil)
		return ports{"fieldcoef": out(NodeTopup, "fieldcoef"), "movpar": out(NodeTopup, "movpar")}, []fieldmap.Row{opp}, nil
	case *fieldmap.Phasediff:
		r.add(NodeFieldHz, kindPhasediffHz, ports{"phasediff": dag.FromPath(fm.Phasediff.Path)},
			params{"echo1": fm.Echo1, "echo2": fm.Echo2})
	case *fieldmap.Phase:
		r.add(NodeFieldHz, kindPhasesHz, ports{
			"phase1": dag.FromPath(fm.Phase1.Path),
			"phase2": dag.FromPath(fm.Phase2.Path),
		}, params{"echo1": fm.Echo1, "echo2": fm.Echo2})
	case *fieldmap.Fieldmap:
		r.add(NodeFieldHz, kindFieldmapHz, ports{"fieldmap": dag.FromPath(fm.Fieldmap.Path)}, params{"units": fm.Units})
	default:
		return nil, nil, fmt.Errorf("unhandled field map bundle %T", fm)
	}

	r.add(NodeFieldToDWI, kindApplyAffine, ports{
		"moving":    out(NodeFieldHz, "fmap_hz"),
		"reference": b0Ref,
	}, params{"interp": "linear"})
	return ports{"field": out(NodeFieldToDWI, "warped")}, nil, nil
}

// coregister aligns the corrected b0 reference with the T1w image and
// converts the FLIRT matrices into RAS+ transforms.
func (b *Builder) coregister(r *runGraph) {
	b0Brain := out(NodeSkullstripPost, "b0_brain")
	t1Brain := anatRef(NodeSkullstripT1, "t1_brain")
	t1Head := anatRef(NodeReorientT1, "reoriented")

	r.add(NodeCoreg, kindCoreg, ports{
		"b0_ref":   b0Brain,
		"t1_brain": t1Brain,
		"t1_head":  t1Head,
	}, params{"bbr": b.cfg.Workflow.RunReconall})
	r.add(NodeXfmToT1, kindFSLToRAS, ports{
		"mat":       out(NodeCoreg, "epi_to_t1_aff"),
		"source":    b0Brain,
		"reference": t1Brain,
	}, nil)
	r.add(NodeXfmFromT1, kindFSLToRAS, ports{
		"mat":       out(NodeCoreg, "t1_to_epi_aff"),
		"source":    t1Brain,
		"reference": b0Brain,
	}, nil)

	if b.cfg.WantsSpace(config.SpaceT1w) {
		r.add(NodeDWIToT1, kindApplyAffine, ports{
			"moving":    out(NodeBiasCorrect, "image_corrected"),
			"reference": t1Head,
			"aff":       out(NodeXfmToT1, "affine"),
			"bvals":     out(NodeGradients, "bvals"),
			"bvecs":     out(NodeEddy, "bvecs_rotated"),
		}, params{"interp": "cubic"})
	}
}

// validate checks run together with the anatomical graph it references.
func (b *Builder) validate(run, anat *dag.Graph) error {
	check := dag.New(run.Name)
	if err := check.Attach("", run); err != nil {
		return err
	}
	if anat != nil {
		if err := check.Attach(AnatPrefix, anat); err != nil {
			return err
		}
	}
	return check.Validate(b.cat)
}

func bundleName(bundle fieldmap.Bundle) string {
	if bundle == nil {
		return "none"
	}
	return bundle.Kind().String()
}

// metadataJSON encodes the run's sidecar for the datasinks.
func metadataJSON(meta map[string]any) (string, error) {
	if len(meta) == 0 {
		return "{}", nil
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
