package builder

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"slices"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/specialistvlad/dmriprepgo/internal/bids"
	"github.com/specialistvlad/dmriprepgo/internal/config"
	"github.com/specialistvlad/dmriprepgo/internal/ctxlog"
	"github.com/specialistvlad/dmriprepgo/internal/dag"
	"github.com/specialistvlad/dmriprepgo/internal/gradients"
	"github.com/specialistvlad/dmriprepgo/internal/stages"
	"github.com/specialistvlad/dmriprepgo/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fixture is a dataset with one subject, one T1w and one DWI run.
type fixture struct {
	ds  *testutil.Dataset
	dwi string
}

func newFixture(t *testing.T, bvals []float64, meta map[string]any) *fixture {
	t.Helper()
	ds := testutil.NewDataset(t)
	ds.T1w("01", "")
	return &fixture{ds: ds, dwi: ds.DWI("01", "", map[string]string{"dir": "AP"}, bvals, meta)}
}

func defaultConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.New()
	cfg.Execution.OutputDir = t.TempDir()
	return cfg
}

// build indexes the fixture and builds the anatomical and run graphs.
func (f *fixture) build(t *testing.T, cfg *config.Config) (*dag.Graph, error) {
	t.Helper()
	ctx := ctxlog.Discard(context.Background())
	l, err := bids.Index(ctx, f.ds.Root, 1)
	require.NoError(t, err)
	reg, err := stages.NewRegistry(ctx)
	require.NoError(t, err)

	t1w := l.Query(bids.Filter{Subject: "01", Datatype: "anat", Suffix: "T1w", Extensions: bids.NiftiExtensions})
	require.Len(t, t1w, 1)
	dwi, ok := l.File(f.dwi)
	require.True(t, ok)

	b := New(cfg, l, reg)
	anat, err := b.BuildAnat(ctx, t1w[0])
	require.NoError(t, err)
	return b.Build(ctx, dwi, anat)
}

func (f *fixture) intendedFor(t *testing.T) string {
	t.Helper()
	return f.ds.RelToSubject("01", f.dwi)
}

func (f *fixture) writeBvec(t *testing.T, vecs [][3]float64) {
	t.Helper()
	rows := [3][]string{}
	for _, v := range vecs {
		for k := 0; k < 3; k++ {
			rows[k] = append(rows[k], fmt.Sprintf("%.6f", v[k]))
		}
	}
	content := strings.Join(rows[0], " ") + "\n" + strings.Join(rows[1], " ") + "\n" + strings.Join(rows[2], " ") + "\n"
	path := strings.TrimSuffix(f.dwi, ".nii.gz") + ".bvec"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// upperHemisphere returns n directions with z of at least 0.1.
func upperHemisphere(n int) [][3]float64 {
	out := make([][3]float64, n)
	golden := math.Pi * (3 - math.Sqrt(5))
	for i := range out {
		z := 0.1 + 0.9*(float64(i)+0.5)/float64(n)
		r := math.Sqrt(1 - z*z)
		th := golden * float64(i)
		out[i] = [3]float64{math.Cos(th) * r, math.Sin(th) * r, z}
	}
	return out
}

func TestBuild_PEPOLARWiresTopup(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	f := newFixture(t, testutil.Shells(5, 64, 1000), nil)
	epi := f.ds.Fmap("01", "", map[string]string{"dir": "PA"}, "epi", 2, map[string]any{
		"PhaseEncodingDirection": "j", "TotalReadoutTime": 0.05, "IntendedFor": f.intendedFor(t),
	})

	// --- Act ---
	g, err := f.build(t, defaultConfig(t))

	// --- Assert ---
	require.NoError(t, err)
	require.Contains(t, g.Nodes, NodeTopup)
	require.Contains(t, g.Nodes, NodeMergeB0s)
	eddy := g.Nodes[NodeEddy]
	assert.Equal(t, dag.FromNode(NodeTopup, "fieldcoef"), eddy.Inputs["fieldcoef"])
	assert.Equal(t, dag.FromNode(NodeTopup, "movpar"), eddy.Inputs["movpar"])
	assert.NotContains(t, eddy.Inputs, "field")

	rows := g.Nodes[NodeEddyFiles].Params["rows"]
	want := [][]float64{{0, -1, 0, 0.05}, {0, 1, 0, 0.05}}
	if diff := cmp.Diff(want, rows); diff != "" {
		t.Errorf("acquisition rows mismatch (-want +got):\n%s", diff)
	}
	// Rows are mapped from the voxel axes of the acquired images at run time.
	files := g.Nodes[NodeEddyFiles].Inputs
	assert.Equal(t, dag.FromPath(f.dwi), files["dwi_source"])
	assert.Equal(t, dag.FromPath(epi), files["opp_source"])
	merge := g.Nodes[NodeMergeB0s].Inputs
	assert.Equal(t, dag.FromPath(f.dwi), merge["same_source"])
	assert.Equal(t, dag.FromPath(epi), merge["opp_source"])
}

func TestBuild_IgnoredTransformsAreIdentity(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	f := newFixture(t, testutil.Shells(5, 64, 1000), nil)
	full, err := f.build(t, defaultConfig(t))
	require.NoError(t, err)
	cfg := defaultConfig(t)
	cfg.Workflow.Ignore = []string{config.IgnoreDenoising, config.IgnoreUnringing}

	// --- Act ---
	g, err := f.build(t, cfg)

	// --- Assert ---
	require.NoError(t, err)
	assert.NotContains(t, g.Nodes, NodeDenoise)
	assert.NotContains(t, g.Nodes, NodeUnring)
	assert.Equal(t, dag.FromNode(NodeReorient, "reoriented"), g.Nodes[NodeEddy].Inputs["dwi"])

	want := slices.DeleteFunc(full.IDs(), func(id string) bool { return id == NodeDenoise || id == NodeUnring })
	assert.Equal(t, want, g.IDs())
}

func TestBuild_DenoiseAndUnringFeedEddy(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testutil.Shells(5, 64, 1000), nil)

	g, err := f.build(t, defaultConfig(t))

	require.NoError(t, err)
	assert.Equal(t, dag.FromNode(NodeReorient, "reoriented"), g.Nodes[NodeDenoise].Inputs["dwi"])
	assert.Equal(t, dag.FromNode(NodeDenoise, "dwi_denoised"), g.Nodes[NodeUnring].Inputs["dwi"])
	assert.Equal(t, dag.FromNode(NodeUnring, "dwi_unringed"), g.Nodes[NodeEddy].Inputs["dwi"])
	assert.NotContains(t, g.Nodes, NodeResample)
}

func TestBuild_ResampleWhenResolutionSet(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testutil.Shells(5, 64, 1000), nil)
	cfg := defaultConfig(t)
	cfg.Workflow.ResampleResolution = 1.5

	g, err := f.build(t, cfg)

	require.NoError(t, err)
	require.Contains(t, g.Nodes, NodeResample)
	assert.Equal(t, 1.5, g.Nodes[NodeResample].Params["voxel_size"])
	assert.Equal(t, dag.FromNode(NodeResample, "resampled"), g.Nodes[NodeEddy].Inputs["dwi"])
}

func TestBuild_PreconditionFailures(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name      string
		bvals     []float64
		meta      map[string]any
		bvecs     [][3]float64
		wantErr   error
		wantField string
	}{
		{
			name:      "missing total readout time",
			bvals:     testutil.Shells(5, 64, 1000),
			meta:      map[string]any{"PhaseEncodingDirection": "j-"},
			wantErr:   ErrMissingMetadata,
			wantField: "TotalReadoutTime",
		},
		{
			name:      "missing phase encoding direction",
			bvals:     testutil.Shells(5, 64, 1000),
			meta:      map[string]any{"TotalReadoutTime": 0.05},
			wantErr:   ErrMissingMetadata,
			wantField: "PhaseEncodingDirection",
		},
		{
			name:    "bvec shorter than bval",
			bvals:   testutil.Shells(1, 64, 1000),
			bvecs:   testutil.Directions(64),
			wantErr: gradients.ErrCorruptGradients,
		},
		{
			name:    "too few directions",
			bvals:   testutil.Shells(2, 8, 1000),
			wantErr: gradients.ErrInsufficientDirections,
		},
		{
			name:    "no diffusion weighting",
			bvals:   testutil.Shells(6, 0),
			wantErr: gradients.ErrNoDiffusionWeighted,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			// --- Arrange ---
			f := newFixture(t, tc.bvals, tc.meta)
			if tc.bvecs != nil {
				f.writeBvec(t, tc.bvecs)
			}

			// --- Act ---
			g, err := f.build(t, defaultConfig(t))

			// --- Assert ---
			require.Error(t, err)
			assert.Nil(t, g)
			assert.ErrorIs(t, err, tc.wantErr)
			if tc.wantField != "" {
				var me *MetadataError
				require.True(t, errors.As(err, &me))
				assert.Equal(t, tc.wantField, me.Field)
			}
		})
	}
}

func TestBuild_SecondLevelModel(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name  string
		bvals []float64
		bvecs [][3]float64
		want  gradients.SLM
	}{
		{
			name:  "full sphere",
			bvals: testutil.Shells(5, 64, 1000),
			want:  gradients.SLMNone,
		},
		{
			name:  "hemispherical",
			bvals: testutil.Shells(5, 30, 1000),
			bvecs: append(make([][3]float64, 5), upperHemisphere(30)...),
			want:  gradients.SLMLinear,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, tc.bvals, nil)
			if tc.bvecs != nil {
				f.writeBvec(t, tc.bvecs)
			}

			g, err := f.build(t, defaultConfig(t))

			require.NoError(t, err)
			eddy := g.Nodes[NodeEddy]
			assert.Equal(t, string(tc.want), eddy.Labels[LabelSLM])
			assert.Equal(t, dag.FromNode(NodeGradients, "slm"), eddy.ParamFrom["slm"])
		})
	}
}

func TestBuild_WithoutFieldmap(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testutil.Shells(5, 64, 1000), nil)

	g, err := f.build(t, defaultConfig(t))

	require.NoError(t, err)
	eddy := g.Nodes[NodeEddy]
	for _, port := range []string{"fieldcoef", "movpar", "field"} {
		assert.NotContains(t, eddy.Inputs, port)
	}
	assert.NotContains(t, g.Nodes, NodeTopup)
	assert.NotContains(t, g.Nodes, NodeFieldHz)
	assert.Len(t, g.Nodes[NodeEddyFiles].Params["rows"], 1)
}

func TestBuild_IgnoredFieldmaps(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testutil.Shells(5, 64, 1000), nil)
	f.ds.Fmap("01", "", map[string]string{"dir": "PA"}, "epi", 2, map[string]any{
		"PhaseEncodingDirection": "j", "TotalReadoutTime": 0.05, "IntendedFor": f.intendedFor(t),
	})
	cfg := defaultConfig(t)
	cfg.Workflow.Ignore = []string{config.IgnoreFieldmaps}

	g, err := f.build(t, cfg)

	require.NoError(t, err)
	assert.NotContains(t, g.Nodes, NodeTopup)
}

func TestBuild_FieldFromMappedFieldmaps(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		wantKind string
		arrange  func(f *fixture, rel string)
	}{
		{
			name:     "phasediff",
			wantKind: kindPhasediffHz,
			arrange: func(f *fixture, rel string) {
				f.ds.Fmap("01", "", nil, "phasediff", 0, map[string]any{"EchoTime1": 0.0049, "EchoTime2": 0.0074, "IntendedFor": rel})
				f.ds.Fmap("01", "", nil, "magnitude1", 0, nil)
			},
		},
		{
			name:     "two phases",
			wantKind: kindPhasesHz,
			arrange: func(f *fixture, rel string) {
				f.ds.Fmap("01", "", nil, "phase1", 0, map[string]any{"EchoTime": 0.0049, "IntendedFor": rel})
				f.ds.Fmap("01", "", nil, "phase2", 0, map[string]any{"EchoTime": 0.0074, "IntendedFor": rel})
			},
		},
		{
			name:     "direct fieldmap",
			wantKind: kindFieldmapHz,
			arrange: func(f *fixture, rel string) {
				f.ds.Fmap("01", "", nil, "fieldmap", 0, map[string]any{"Units": "Hz", "IntendedFor": rel})
				f.ds.Fmap("01", "", nil, "magnitude", 0, nil)
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			// --- Arrange ---
			f := newFixture(t, testutil.Shells(5, 64, 1000), nil)
			tc.arrange(f, f.intendedFor(t))

			// --- Act ---
			g, err := f.build(t, defaultConfig(t))

			// --- Assert ---
			require.NoError(t, err)
			require.Contains(t, g.Nodes, NodeFieldHz)
			assert.Equal(t, tc.wantKind, g.Nodes[NodeFieldHz].Kind)
			eddy := g.Nodes[NodeEddy]
			assert.Equal(t, dag.FromNode(NodeFieldToDWI, "warped"), eddy.Inputs["field"])
			assert.NotContains(t, eddy.Inputs, "fieldcoef")
			assert.Equal(t, dag.FromNode(NodeB0RefPre, "b0_ref"), g.Nodes[NodeFieldToDWI].Inputs["reference"])
		})
	}
}

func TestBuild_Datasinks(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testutil.Shells(5, 64, 1000), nil)

	g, err := f.build(t, defaultConfig(t))

	require.NoError(t, err)
	sink := g.Nodes["ds_dwi"]
	require.NotNil(t, sink)
	assert.Equal(t, kindDatasink, sink.Kind)
	assert.Equal(t, "preproc", sink.Params["desc"])
	assert.Equal(t, "dwi", sink.Params["space"])

	gotStages, ok := sink.Params["stages"].([]string)
	require.True(t, ok)
	assert.Equal(t, []string{
		kindReorient, kindValidate, kindDenoise, kindUnring, kindExtractB0, kindMedianB0, kindSkullstripDWI,
		kindEddyFiles, kindEddy, kindBiasCorrect, kindTensorFit, kindCoreg, kindFSLToRAS, kindApplyAffine,
	}, gotStages)

	for _, id := range []string{"ds_mask", "ds_dwiref", "ds_fa", "ds_md", "ds_ad", "ds_rd", "ds_v1", "ds_xfm_to_t1", "ds_xfm_from_t1", "ds_dwi_t1"} {
		assert.Contains(t, g.Nodes, id)
	}
}

func TestBuild_OutputSpaces(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name        string
		spaces      []string
		wantT1      bool
		wantDWISink bool
	}{
		{"dwi only", []string{config.SpaceDWI}, false, true},
		{"T1w only", []string{config.SpaceT1w}, true, false},
		{"both", []string{config.SpaceDWI, config.SpaceT1w}, true, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, testutil.Shells(5, 64, 1000), nil)
			cfg := defaultConfig(t)
			cfg.Workflow.OutputSpaces = tc.spaces

			g, err := f.build(t, cfg)

			require.NoError(t, err)
			_, hasT1 := g.Nodes[NodeDWIToT1]
			_, hasT1Sink := g.Nodes["ds_dwi_t1"]
			_, hasDWISink := g.Nodes["ds_dwi"]
			assert.Equal(t, tc.wantT1, hasT1)
			assert.Equal(t, tc.wantT1, hasT1Sink)
			assert.Equal(t, tc.wantDWISink, hasDWISink)
			assert.Contains(t, g.Nodes, NodeXfmToT1)
		})
	}
}

func TestBuild_LabelsEveryNode(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testutil.Shells(5, 64, 1000), nil)

	g, err := f.build(t, defaultConfig(t))

	require.NoError(t, err)
	for id, n := range g.Nodes {
		assert.Equal(t, "01", n.Labels[LabelSubject], id)
		assert.Equal(t, "01", n.Labels[LabelSession], id)
		assert.Equal(t, "dir-AP_dwi", n.Labels[LabelRun], id)
	}
}

func TestBuild_CoregistrationReferencesAnat(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testutil.Shells(5, 64, 1000), nil)

	g, err := f.build(t, defaultConfig(t))

	require.NoError(t, err)
	coreg := g.Nodes[NodeCoreg]
	assert.Equal(t, dag.FromNode(AnatPrefix+"."+NodeSkullstripT1, "t1_brain"), coreg.Inputs["t1_brain"])
	assert.Equal(t, dag.FromNode(AnatPrefix+"."+NodeReorientT1, "reoriented"), coreg.Inputs["t1_head"])
	assert.Equal(t, false, coreg.Params["bbr"])
}

func TestRunLabelAndSession(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name        string
		entities    map[string]string
		wantRun     string
		wantSession string
	}{
		{"plain", map[string]string{"sub": "01"}, "dwi", "01"},
		{"with session", map[string]string{"sub": "01", "ses": "pre"}, "dwi", "pre"},
		{"direction and run", map[string]string{"sub": "01", "dir": "AP", "run": "2"}, "dir-AP_run-2_dwi", "01"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := &bids.File{Entities: tc.entities, Suffix: "dwi", Extension: ".nii.gz"}

			assert.Equal(t, tc.wantRun, RunLabel(f))
			assert.Equal(t, tc.wantSession, Session(f))
		})
	}
}
