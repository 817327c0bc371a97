package dag

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/specialistvlad/dmriprepgo/internal/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCatalog map[string]*Signature

func (c fakeCatalog) Signature(kind string) (*Signature, bool) {
	s, ok := c[kind]
	return s, ok
}

var catalog = fakeCatalog{
	"source": {
		Outputs: map[string]ports.Type{"dwi": ports.Image4D, "b0": ports.Image3D, "slm": ports.Text},
		Params:  map[string]bool{},
	},
	"denoise": {
		Inputs:  map[string]PortSpec{"dwi": {Type: ports.Image4D}},
		Outputs: map[string]ports.Type{"dwi": ports.Image4D},
		Params:  map[string]bool{},
	},
	"eddy": {
		Inputs: map[string]PortSpec{
			"dwi":       {Type: ports.Image4D},
			"mask":      {Type: ports.Mask},
			"fieldcoef": {Type: ports.Image3D, Optional: true},
		},
		Outputs: map[string]ports.Type{"dwi": ports.Image4D},
		Params:  map[string]bool{"slm": true, "niter": false},
	},
	"bet": {
		Inputs:  map[string]PortSpec{"in": {Type: ports.Image3D}},
		Outputs: map[string]ports.Type{"mask": ports.Mask},
		Params:  map[string]bool{},
	},
}

// pipeline returns source -> denoise -> eddy <- bet <- source.
func pipeline(t *testing.T) *Graph {
	t.Helper()
	g := New("run")
	require.NoError(t, g.Add(&Node{ID: "src", Kind: "source"}))
	require.NoError(t, g.Add(&Node{ID: "denoise", Kind: "denoise", Inputs: map[string]Handle{"dwi": FromNode("src", "dwi")}}))
	require.NoError(t, g.Add(&Node{ID: "bet", Kind: "bet", Inputs: map[string]Handle{"in": FromNode("src", "b0")}}))
	require.NoError(t, g.Add(&Node{
		ID:   "eddy",
		Kind: "eddy",
		Inputs: map[string]Handle{
			"dwi":  FromNode("denoise", "dwi"),
			"mask": FromNode("bet", "mask"),
		},
		Params:    map[string]any{"niter": 5},
		ParamFrom: map[string]Handle{"slm": FromNode("src", "slm")},
	}))
	return g
}

func TestAdd(t *testing.T) {
	g := New("g")
	require.NoError(t, g.Add(&Node{ID: "a", Kind: "source"}))
	assert.NotNil(t, g.Nodes["a"].Inputs)

	var gerr *GraphError
	err := g.Add(&Node{ID: "a", Kind: "source"})
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, KindDuplicate, gerr.Kind)

	err = g.Add(&Node{Kind: "source"})
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, KindInvalidNode, gerr.Kind)
}

func TestEdgesAndNeighbours(t *testing.T) {
	g := pipeline(t)

	want := []Edge{
		{From: "src", FromPort: "b0", To: "bet", ToPort: "in"},
		{From: "src", FromPort: "dwi", To: "denoise", ToPort: "dwi"},
		{From: "denoise", FromPort: "dwi", To: "eddy", ToPort: "dwi"},
		{From: "bet", FromPort: "mask", To: "eddy", ToPort: "mask"},
		{From: "src", FromPort: "slm", To: "eddy", ToPort: "slm", Param: true},
	}
	if diff := cmp.Diff(want, g.Edges()); diff != "" {
		t.Errorf("edges mismatch (-want +got):\n%s", diff)
	}

	deps, err := g.Dependencies("eddy")
	require.NoError(t, err)
	assert.Equal(t, []string{"bet", "denoise", "src"}, deps)

	dependents, err := g.Dependents("src")
	require.NoError(t, err)
	assert.Equal(t, []string{"bet", "denoise", "eddy"}, dependents)

	assert.Equal(t, []string{"src"}, g.Roots())
	assert.Equal(t, []string{"bet", "denoise", "eddy", "source"}, g.Kinds())

	_, err = g.Dependencies("nope")
	assert.ErrorContains(t, err, "node not found")
}

func TestTopoSort(t *testing.T) {
	t.Run("deterministic order", func(t *testing.T) {
		order, err := pipeline(t).TopoSort()
		require.NoError(t, err)
		assert.Equal(t, []string{"src", "bet", "denoise", "eddy"}, order)
	})

	t.Run("empty graph", func(t *testing.T) {
		order, err := New("e").TopoSort()
		require.NoError(t, err)
		assert.Empty(t, order)
	})

	t.Run("cycle is detected", func(t *testing.T) {
		g := New("c")
		require.NoError(t, g.Add(&Node{ID: "a", Kind: "denoise", Inputs: map[string]Handle{"dwi": FromNode("c", "dwi")}}))
		require.NoError(t, g.Add(&Node{ID: "b", Kind: "denoise", Inputs: map[string]Handle{"dwi": FromNode("a", "dwi")}}))
		require.NoError(t, g.Add(&Node{ID: "c", Kind: "denoise", Inputs: map[string]Handle{"dwi": FromNode("b", "dwi")}}))
		require.NoError(t, g.Add(&Node{ID: "x", Kind: "source"}))

		_, err := g.TopoSort()
		var gerr *GraphError
		require.ErrorAs(t, err, &gerr)
		assert.Equal(t, KindCycle, gerr.Kind)
		assert.Contains(t, gerr.Msg, "a, b, c")
	})
}

func TestValidate(t *testing.T) {
	t.Run("valid pipeline", func(t *testing.T) {
		assert.NoError(t, pipeline(t).Validate(catalog))
	})

	testCases := []struct {
		name   string
		mutate func(g *Graph)
		kind   ErrorKind
	}{
		{"unknown stage", func(g *Graph) { g.Nodes["bet"].Kind = "fsl_bet" }, KindUnknownStage},
		{"unknown port", func(g *Graph) { g.Nodes["denoise"].Inputs["noise"] = FromPath("/x") }, KindUnknownPort},
		{"unbound required input", func(g *Graph) { delete(g.Nodes["eddy"].Inputs, "mask") }, KindUnbound},
		{"empty handle", func(g *Graph) { g.Nodes["eddy"].Inputs["mask"] = Handle{} }, KindUnbound},
		{"both path and ref", func(g *Graph) { g.Nodes["eddy"].Inputs["mask"] = Handle{Path: "/m", Node: "bet", Port: "mask"} }, KindInvalidNode},
		{"dangling node", func(g *Graph) { g.Nodes["eddy"].Inputs["mask"] = FromNode("skullstrip", "mask") }, KindDangling},
		{"dangling port", func(g *Graph) { g.Nodes["eddy"].Inputs["mask"] = FromNode("bet", "brain") }, KindDangling},
		{"4d into 3d", func(g *Graph) { g.Nodes["eddy"].Inputs["fieldcoef"] = FromNode("src", "dwi") }, KindTypeMismatch},
		{"3d into mask", func(g *Graph) { g.Nodes["eddy"].Inputs["mask"] = FromNode("src", "b0") }, KindTypeMismatch},
		{"unknown param", func(g *Graph) { g.Nodes["eddy"].Params["repol"] = true }, KindParam},
		{"missing required param", func(g *Graph) { g.Nodes["eddy"].ParamFrom = nil }, KindParam},
		{"param bound twice", func(g *Graph) { g.Nodes["eddy"].Params["slm"] = "none" }, KindParam},
		{"cycle", func(g *Graph) { g.Nodes["bet"].Inputs["in"] = FromNode("eddy", "dwi") }, KindCycle},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			g := pipeline(t)
			tc.mutate(g)
			err := g.Validate(catalog)
			require.Error(t, err)
			assert.True(t, hasKind(err, tc.kind), "expected a %s error, got: %v", tc.kind, err)
		})
	}

	t.Run("optional input may stay unbound and accepts a mask", func(t *testing.T) {
		g := pipeline(t)
		g.Nodes["eddy"].Inputs["fieldcoef"] = FromNode("bet", "mask")
		assert.NoError(t, g.Validate(catalog))
	})
}

func hasKind(err error, kind ErrorKind) bool {
	var joined interface{ Unwrap() []error }
	errs := []error{err}
	if errors.As(err, &joined) {
		errs = joined.Unwrap()
	}
	for _, e := range errs {
		var gerr *GraphError
		if errors.As(e, &gerr) && gerr.Kind == kind {
			return true
		}
	}
	return false
}

func TestHash(t *testing.T) {
	g := pipeline(t)
	base, err := g.Hash("eddy")
	require.NoError(t, err)
	assert.Len(t, base, 64)

	again, err := pipeline(t).Hash("eddy")
	require.NoError(t, err)
	assert.Equal(t, base, again, "hash must be stable")

	g.Nodes["eddy"].Labels = map[string]string{"subject": "01"}
	labelled, err := g.Hash("eddy")
	require.NoError(t, err)
	assert.Equal(t, base, labelled, "labels must not affect the hash")

	upstream := pipeline(t)
	upstream.Nodes["src"].Params = map[string]any{"b0_threshold": 100}
	changed, err := upstream.Hash("eddy")
	require.NoError(t, err)
	assert.NotEqual(t, base, changed, "upstream changes must propagate")

	betHash, err := upstream.Hash("bet")
	require.NoError(t, err)
	origBet, err := pipeline(t).Hash("bet")
	require.NoError(t, err)
	assert.NotEqual(t, origBet, betHash)

	_, err = g.Hash("missing")
	assert.Error(t, err)
}

func TestAttachAndCompose(t *testing.T) {
	anat := New("anat")
	require.NoError(t, anat.Add(&Node{ID: "t1", Kind: "source"}))

	run := pipeline(t)
	// The skull-strip consumes the subject-level anatomical node.
	run.Nodes["bet"].Inputs["in"] = FromNode("sub-01.anat.t1", "b0")

	g, err := Compose("sub-01", map[string]*Graph{"sub-01.anat": anat, "sub-01.ses-01.dwi": run})
	require.NoError(t, err)

	assert.Len(t, g.Nodes, 5)
	eddy, ok := g.Node("sub-01.ses-01.dwi.eddy")
	require.True(t, ok)
	assert.Equal(t, FromNode("sub-01.ses-01.dwi.denoise", "dwi"), eddy.Inputs["dwi"])
	assert.Equal(t, FromNode("sub-01.ses-01.dwi.src", "slm"), eddy.ParamFrom["slm"])
	assert.Equal(t, FromNode("sub-01.anat.t1", "b0"), g.Nodes["sub-01.ses-01.dwi.bet"].Inputs["in"])
	assert.NoError(t, g.Validate(catalog))

	// Attaching the same run twice collides.
	assert.Error(t, g.Attach("sub-01.ses-01.dwi", run))
}

func TestSaveLoad(t *testing.T) {
	g := pipeline(t)
	g.Nodes["src"].Inputs["raw"] = FromPath("/data/sub-01_dwi.nii.gz")
	g.Nodes["eddy"].Labels = map[string]string{"subject": "01"}

	path := filepath.Join(t.TempDir(), "graph.json")
	require.NoError(t, Save(path, g))
	got, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, g.IDs(), got.IDs())
	assert.Equal(t, g.Edges(), got.Edges())
	assert.Equal(t, g.Nodes["src"].Inputs, got.Nodes["src"].Inputs)

	want, err := g.Hash("eddy")
	require.NoError(t, err)
	have, err := got.Hash("eddy")
	require.NoError(t, err)
	assert.Equal(t, want, have, "hash must survive a JSON round trip")

	_, err = Decode(bytes.NewBufferString(`{"name":"x","nodes":{"a":{"id":"b","kind":"source"}}}`))
	assert.Error(t, err)
}

func TestWriteDOT(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteDOT(&buf, pipeline(t)))
	out := buf.String()
	assert.Contains(t, out, `digraph "run" {`)
	assert.Contains(t, out, `"denoise" -> "eddy" [label="dwi → dwi"];`)
	assert.Contains(t, out, `"src" -> "eddy" [label="slm → slm", style=dashed];`)
}
