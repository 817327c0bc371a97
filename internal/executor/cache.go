package executor

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/specialistvlad/dmriprepgo/internal/fsutil"
	"github.com/specialistvlad/dmriprepgo/internal/registry"
)

// record is what a completed node leaves in its working directory.
type record struct {
	Node     string            `toml:"node"`
	Kind     string            `toml:"kind"`
	Key      string            `toml:"key"`
	Finished time.Time         `toml:"finished"`
	Outputs  map[string]string `toml:"outputs"`
}

func readRecord(dir string) (*record, error) {
	var rec record
	if _, err := toml.DecodeFile(filepath.Join(dir, recordFile), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func writeRecord(dir string, rec *record) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(rec); err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(filepath.Join(dir, recordFile), buf.Bytes())
}

// reuse returns the outputs of a previous run of the same invocation when
// they are all still present and well formed.
func reuse(dir, key string, inv *registry.Invocation) (map[string]string, bool) {
	rec, err := readRecord(dir)
	if err != nil || rec.Key != key {
		return nil, false
	}
	outs, err := registry.VerifyOutputs(inv)
	if err != nil {
		return nil, false
	}
	return outs, true
}

// cacheKey identifies what a node computes: its structural hash in the
// graph, the size and modification time of the files it reads from the
// dataset, the keys of its upstream nodes, and the resolved program.
func (e *Executor) cacheKey(nr *nodeRun, inv *registry.Invocation) (string, error) {
	n := nr.node
	structural, err := e.graph.Hash(n.ID)
	if err != nil {
		return "", err
	}

	sum := sha256.New()
	fmt.Fprintf(sum, "%s\x00%s\x00", structural, inv.Executable)

	ports := make([]string, 0, len(n.Inputs)+len(n.ParamFrom))
	handles := map[string]string{}
	for port, h := range n.Inputs {
		ports = append(ports, "in:"+port)
		if h.IsRef() {
			handles["in:"+port] = "node:" + e.runs[h.Node].key
			continue
		}
		st, err := os.Stat(inv.Inputs[port])
		if err != nil {
			return "", fmt.Errorf("input %q: %w", port, err)
		}
		handles["in:"+port] = fmt.Sprintf("file:%d:%d", st.Size(), st.ModTime().UnixNano())
	}
	for param, h := range n.ParamFrom {
		ports = append(ports, "param:"+param)
		if h.IsRef() {
			handles["param:"+param] = "node:" + e.runs[h.Node].key
		}
	}
	sort.Strings(ports)
	for _, p := range ports {
		fmt.Fprintf(sum, "%d:%s=%s\x00", len(p), p, handles[p])
	}
	return hex.EncodeToString(sum.Sum(nil)), nil
}
