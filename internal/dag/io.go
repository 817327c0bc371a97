package dag

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Encode writes g as indented JSON.
func Encode(w io.Writer, g *Graph) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(g)
}

// Decode reads a graph written by Encode.
func Decode(r io.Reader) (*Graph, error) {
	var g Graph
	if err := json.NewDecoder(r).Decode(&g); err != nil {
		return nil, fmt.Errorf("decoding graph: %w", err)
	}
	if g.Nodes == nil {
		g.Nodes = map[string]*Node{}
	}
	for id, n := range g.Nodes {
		if n.ID != id {
			return nil, &GraphError{Kind: KindInvalidNode, Node: id, Msg: fmt.Sprintf("node keyed %q carries id %q", id, n.ID)}
		}
	}
	return &g, nil
}

// Save writes g to path, creating parent directories.
func Save(path string, g *Graph) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := Encode(f, g); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Load reads a graph file written by Save.
func Load(path string) (*Graph, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Decode(f)
}
