package executor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/specialistvlad/dmriprepgo/internal/ctxlog"
	"github.com/specialistvlad/dmriprepgo/internal/dag"
	"github.com/specialistvlad/dmriprepgo/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testStages = `
stage "emit" {
  handler = "emit"
  param "value" {
    type = string
  }
  output "out" {
    type = "text"
    file = "value.txt"
  }
}

stage "echo_param" {
  handler   = "echo_param"
  cacheable = false
  param "word" {
    type = string
  }
  output "out" {
    type = "text"
    file = "word.txt"
  }
}

stage "join" {
  executables = ["sh"]
  input "a" {
    type = "text"
  }
  input "b" {
    type = "text"
  }
  output "joined" {
    type = "text"
    file = "joined.txt"
  }
  run {
    command = [executable, "-c", "cat \"$1\" \"$2\" > \"$3\"", "sh", input.a, input.b, output.joined]
  }
}

stage "fail" {
  executables = ["sh"]
  output "out" {
    type = "text"
    file = "never.txt"
  }
  run {
    command = [executable, "-c", "echo boom >&2; exit 3"]
  }
}

stage "sleep" {
  executables = ["sh"]
  param "seconds" {
    type    = string
    default = "10"
  }
  output "out" {
    type = "text"
    file = "slept.txt"
  }
  run {
    command = [executable, "-c", "sleep ${param.seconds} && touch slept.txt"]
  }
}

stage "forgetful" {
  executables = ["sh"]
  output "out" {
    type = "text"
    file = "missing.txt"
  }
  run {
    command = [executable, "-c", "true"]
  }
}
`

type emitInput struct {
	Value string `cty:"value"`
}

type wordInput struct {
	Word string `cty:"word"`
}

// recorder counts handler calls of one registry.
type recorder struct {
	mu    sync.Mutex
	emits []string
	words []string
}

func (r *recorder) Register(reg *registry.Registry) {
	reg.RegisterHandler("emit", &registry.RegisteredHandler{
		NewInput:  func() any { return new(emitInput) },
		InputType: reflect.TypeOf(emitInput{}),
		Fn: func(ctx context.Context, in *emitInput, env *registry.Env) error {
			r.mu.Lock()
			r.emits = append(r.emits, in.Value)
			r.mu.Unlock()
			return os.WriteFile(env.Output("out"), []byte(in.Value), 0o644)
		},
	})
	reg.RegisterHandler("echo_param", &registry.RegisteredHandler{
		NewInput:  func() any { return new(wordInput) },
		InputType: reflect.TypeOf(wordInput{}),
		Fn: func(ctx context.Context, in *wordInput, env *registry.Env) error {
			r.mu.Lock()
			r.words = append(r.words, in.Word)
			r.mu.Unlock()
			return os.WriteFile(env.Output("out"), []byte(in.Word), 0o644)
		},
	})
	reg.RegisterManifest("executor_test.hcl", []byte(testStages))
}

func setup(t *testing.T) (context.Context, *registry.Registry, *recorder) {
	t.Helper()
	ctx := ctxlog.Discard(context.Background())
	rec := &recorder{}
	reg := registry.New()
	rec.Register(reg)
	require.NoError(t, reg.Load(ctx))
	return ctx, reg, rec
}

func graphOf(t *testing.T, nodes ...*dag.Node) *dag.Graph {
	t.Helper()
	g := dag.New("test")
	for _, n := range nodes {
		require.NoError(t, g.Add(n))
	}
	return g
}

func run(t *testing.T, ctx context.Context, g *dag.Graph, reg *registry.Registry, opts Options) (*Report, error) {
	t.Helper()
	e, err := New(g, reg, opts)
	require.NoError(t, err)
	return e.Execute(ctx)
}

func joinGraph(t *testing.T) *dag.Graph {
	return graphOf(t,
		&dag.Node{ID: "a", Kind: "emit", Params: map[string]any{"value": "hello"}},
		&dag.Node{ID: "b", Kind: "emit", Params: map[string]any{"value": "world"}},
		&dag.Node{ID: "c", Kind: "join", Inputs: map[string]dag.Handle{
			"a": dag.FromNode("a", "out"),
			"b": dag.FromNode("b", "out"),
		}},
	)
}

func TestExecute_DependencyOrder(t *testing.T) {
	t.Parallel()
	// --- Arrange ---
	ctx, reg, rec := setup(t)
	nodes := t.TempDir()

	// --- Act ---
	report, err := run(t, ctx, joinGraph(t), reg, Options{Workers: 2, NodesDir: nodes})

	// --- Assert ---
	require.NoError(t, err)
	assert.Equal(t, 3, report.Count(Done))
	assert.ElementsMatch(t, []string{"hello", "world"}, rec.emits)

	res, ok := report.Result("c")
	require.True(t, ok)
	raw, err := os.ReadFile(res.Outputs["joined"])
	require.NoError(t, err)
	assert.Equal(t, "helloworld", string(raw))
	assert.Equal(t, filepath.Join(nodes, "c", "joined.txt"), res.Outputs["joined"])
	assert.FileExists(t, filepath.Join(nodes, "c", stdoutLog))
	assert.FileExists(t, filepath.Join(nodes, "c", recordFile))
}

func TestExecute_ReusesCachedOutputs(t *testing.T) {
	t.Parallel()
	// --- Arrange ---
	ctx, reg, rec := setup(t)
	opts := Options{Workers: 2, NodesDir: t.TempDir()}
	_, err := run(t, ctx, joinGraph(t), reg, opts)
	require.NoError(t, err)

	// --- Act ---
	report, err := run(t, ctx, joinGraph(t), reg, opts)

	// --- Assert ---
	require.NoError(t, err)
	assert.Equal(t, 3, report.Count(Cached))
	assert.Len(t, rec.emits, 2, "second run must not call the handlers again")
}

func TestExecute_ParameterChangeInvalidatesDownstream(t *testing.T) {
	t.Parallel()
	// --- Arrange ---
	ctx, reg, _ := setup(t)
	opts := Options{Workers: 1, NodesDir: t.TempDir()}
	_, err := run(t, ctx, joinGraph(t), reg, opts)
	require.NoError(t, err)

	g := joinGraph(t)
	g.Nodes["b"].Params["value"] = "there"

	// --- Act ---
	report, err := run(t, ctx, g, reg, opts)

	// --- Assert ---
	require.NoError(t, err)
	states := map[string]State{}
	for _, r := range report.Results {
		states[r.ID] = r.State
	}
	assert.Equal(t, map[string]State{"a": Cached, "b": Done, "c": Done}, states)
	res, _ := report.Result("c")
	raw, err := os.ReadFile(res.Outputs["joined"])
	require.NoError(t, err)
	assert.Equal(t, "hellothere", string(raw))
}

func TestExecute_ParamFromUpstreamText(t *testing.T) {
	t.Parallel()
	// --- Arrange ---
	ctx, reg, rec := setup(t)
	g := graphOf(t,
		&dag.Node{ID: "slm", Kind: "emit", Params: map[string]any{"value": "linear\n"}},
		&dag.Node{ID: "use", Kind: "echo_param", ParamFrom: map[string]dag.Handle{"word": dag.FromNode("slm", "out")}},
	)

	// --- Act ---
	_, err := run(t, ctx, g, reg, Options{NodesDir: t.TempDir()})

	// --- Assert ---
	require.NoError(t, err)
	assert.Equal(t, []string{"linear"}, rec.words)
}

func TestExecute_FailureSkipsDependentsOnly(t *testing.T) {
	t.Parallel()
	// --- Arrange ---
	ctx, reg, _ := setup(t)
	crashDir := t.TempDir()
	g := graphOf(t,
		&dag.Node{ID: "bad", Kind: "fail", Labels: map[string]string{"subject": "01"}},
		&dag.Node{ID: "after", Kind: "join", Inputs: map[string]dag.Handle{
			"a": dag.FromNode("bad", "out"),
			"b": dag.FromNode("ok", "out"),
		}},
		&dag.Node{ID: "ok", Kind: "emit", Params: map[string]any{"value": "x"}},
	)
	opts := Options{
		Workers:  2,
		NodesDir: t.TempDir(),
		CrashDir: func(n *dag.Node) string { return filepath.Join(crashDir, "sub-"+n.Labels["subject"]) },
	}

	// --- Act ---
	report, err := run(t, ctx, g, reg, opts)

	// --- Assert ---
	require.Error(t, err)
	var ne *NodeError
	require.True(t, errors.As(err, &ne))
	assert.Equal(t, "bad", ne.Node)
	assert.Equal(t, KindTool, ne.Kind)

	bad, _ := report.Result("bad")
	after, _ := report.Result("after")
	ok, _ := report.Result("ok")
	assert.Equal(t, Failed, bad.State)
	assert.Equal(t, Skipped, after.State)
	assert.ErrorIs(t, after.Err, ErrSkipped)
	assert.Equal(t, Done, ok.State)
	require.Len(t, report.Failures(), 1)

	require.NotEmpty(t, bad.CrashFile)
	assert.Equal(t, filepath.Join(crashDir, "sub-01"), filepath.Dir(bad.CrashFile))
	crash, err := ReadCrash(bad.CrashFile)
	require.NoError(t, err)
	assert.Equal(t, "bad", crash.Node)
	assert.Equal(t, "fail", crash.Kind)
	assert.Equal(t, string(KindTool), crash.ErrorKind)
	assert.Contains(t, crash.Stderr, "boom")
	assert.Contains(t, crash.Error, "status 3")
	require.Len(t, crash.Commands, 1)
}

func TestExecute_MissingOutputFailsNode(t *testing.T) {
	t.Parallel()
	ctx, reg, _ := setup(t)
	g := graphOf(t, &dag.Node{ID: "f", Kind: "forgetful"})

	_, err := run(t, ctx, g, reg, Options{NodesDir: t.TempDir()})

	var ne *NodeError
	require.True(t, errors.As(err, &ne))
	assert.Equal(t, KindOutput, ne.Kind)
	assert.ErrorIs(t, err, registry.ErrBadOutput)
}

func TestExecute_Timeout(t *testing.T) {
	t.Parallel()
	// --- Arrange ---
	ctx, reg, _ := setup(t)
	g := graphOf(t, &dag.Node{ID: "slow", Kind: "sleep"})
	opts := Options{
		NodesDir: t.TempDir(),
		Timeout: func(kind string) time.Duration {
			if kind == "sleep" {
				return 200 * time.Millisecond
			}
			return 0
		},
	}

	// --- Act ---
	start := time.Now()
	_, err := run(t, ctx, g, reg, opts)

	// --- Assert ---
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	var ne *NodeError
	require.True(t, errors.As(err, &ne))
	assert.Equal(t, KindTimeout, ne.Kind)
	assert.Less(t, time.Since(start), 8*time.Second)
}

func TestExecute_StopOnFirstCrash(t *testing.T) {
	t.Parallel()
	// --- Arrange ---
	ctx, reg, _ := setup(t)
	g := graphOf(t,
		&dag.Node{ID: "bad", Kind: "fail"},
		&dag.Node{ID: "slow", Kind: "sleep"},
		&dag.Node{ID: "later", Kind: "join", Inputs: map[string]dag.Handle{
			"a": dag.FromNode("slow", "out"),
			"b": dag.FromNode("slow", "out"),
		}},
	)

	// --- Act ---
	start := time.Now()
	report, err := run(t, ctx, g, reg, Options{Workers: 2, NodesDir: t.TempDir(), StopOnFirstCrash: true})

	// --- Assert ---
	require.Error(t, err)
	assert.Less(t, time.Since(start), 8*time.Second, "running processes must be terminated")
	slow, _ := report.Result("slow")
	later, _ := report.Result("later")
	assert.NotEqual(t, Done, slow.State)
	assert.Equal(t, Skipped, later.State)
	require.Len(t, report.Failures(), 1)
	assert.Equal(t, "bad", report.Failures()[0].ID)
}

func TestExecute_MissingTool(t *testing.T) {
	t.Parallel()
	ctx, reg, _ := setup(t)
	g := graphOf(t, &dag.Node{ID: "f", Kind: "fail"})
	opts := Options{
		NodesDir: t.TempDir(),
		LookPath: func(string) (string, error) { return "", errors.New("not found") },
	}

	_, err := run(t, ctx, g, reg, opts)

	assert.ErrorIs(t, err, registry.ErrMissingTool)
	var ne *NodeError
	require.True(t, errors.As(err, &ne))
	assert.Equal(t, KindTool, ne.Kind)
}

func TestNew_RejectsDanglingReference(t *testing.T) {
	t.Parallel()
	_, reg, _ := setup(t)
	g := graphOf(t, &dag.Node{ID: "use", Kind: "echo_param", ParamFrom: map[string]dag.Handle{"word": dag.FromNode("gone", "out")}})

	_, err := New(g, reg, Options{})

	assert.ErrorContains(t, err, "gone")
}

func TestIsRootCause(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		name string
		err  error
		want bool
	}{
		{"tool failure", nodeErr("a", KindTool, errors.New("x")), true},
		{"skipped", nodeErr("a", KindSkipped, ErrSkipped), false},
		{"canceled", nodeErr("a", KindCanceled, context.Canceled), false},
		{"plain error", errors.New("x"), true},
		{"nil", nil, false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, IsRootCause(tc.err))
		})
	}
}
