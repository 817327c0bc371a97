package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/specialistvlad/dmriprepgo/internal/ctxlog"
	"github.com/specialistvlad/dmriprepgo/internal/fsutil"
	"github.com/specialistvlad/dmriprepgo/internal/registry"
)

// stderrTailBytes is how much of a failed process's stderr is copied into
// the crash artifact.
const stderrTailBytes = 4096

// Crash is the artifact written for a failed node.
type Crash struct {
	Node      string            `toml:"node"`
	Kind      string            `toml:"kind"`
	ErrorKind string            `toml:"error_kind"`
	Error     string            `toml:"error"`
	Time      time.Time         `toml:"time"`
	WorkDir   string            `toml:"work_dir,omitempty"`
	Labels    map[string]string `toml:"labels,omitempty"`
	Inputs    map[string]string `toml:"inputs,omitempty"`
	Params    map[string]string `toml:"params,omitempty"`
	Commands  []string          `toml:"commands,omitempty"`
	Stderr    string            `toml:"stderr,omitempty"`
}

// ReadCrash loads a crash artifact.
func ReadCrash(path string) (*Crash, error) {
	var c Crash
	if _, err := toml.DecodeFile(path, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// recordCrash writes the crash artifact of nr and returns its path, or ""
// when crash artifacts are disabled or could not be written.
func (e *Executor) recordCrash(ctx context.Context, nr *nodeRun) string {
	logger := ctxlog.FromContext(ctx)
	if e.opts.CrashDir == nil {
		return ""
	}
	dir := e.opts.CrashDir(nr.node)
	if dir == "" {
		return ""
	}

	c := newCrash(nr, time.Now())
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		logger.Error("Could not encode crash artifact.", "error", err)
		return ""
	}
	path := filepath.Join(dir, crashName(nr.node.ID, c.Time))
	if err := fsutil.WriteFileAtomic(path, buf.Bytes()); err != nil {
		logger.Error("Could not write crash artifact.", "error", err)
		return ""
	}
	logger.Info("Crash artifact written.", "path", path)
	return path
}

// crashName follows crash-<date>-<time>-<node>.toml.
func crashName(id string, t time.Time) string {
	return "crash-" + t.Format("20060102-150405") + "-" + id + ".toml"
}

func newCrash(nr *nodeRun, now time.Time) *Crash {
	c := &Crash{
		Node:   nr.node.ID,
		Kind:   nr.node.Kind,
		Error:  nr.err.Error(),
		Time:   now.UTC().Truncate(time.Second),
		Labels: nr.node.Labels,
	}
	var ne *NodeError
	if errors.As(nr.err, &ne) {
		c.ErrorKind = string(ne.Kind)
	}

	if len(nr.node.Params) > 0 {
		c.Params = make(map[string]string, len(nr.node.Params))
		for k, v := range nr.node.Params {
			raw, err := json.Marshal(v)
			if err != nil {
				continue
			}
			c.Params[k] = string(raw)
		}
	}

	inv := nr.inv
	if inv == nil {
		return c
	}
	c.WorkDir = inv.WorkDir
	c.Inputs = inv.Inputs
	if !inv.Stage.IsNative() {
		if cmds, err := registry.RenderCommands(inv); err == nil {
			for _, args := range cmds {
				c.Commands = append(c.Commands, strings.Join(args, " "))
			}
		}
		c.Stderr = tail(filepath.Join(inv.WorkDir, stderrLog), stderrTailBytes)
	}
	return c
}

// tail returns at most n trailing bytes of the file at path.
func tail(path string, n int64) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return ""
	}
	off := max(st.Size()-n, 0)
	buf := make([]byte, st.Size()-off)
	if _, err := f.ReadAt(buf, off); err != nil {
		return ""
	}
	return string(buf)
}
