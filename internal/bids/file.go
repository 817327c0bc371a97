package bids

import (
	"path/filepath"
	"sort"
	"strings"
)

// EntityOrder is the canonical order of entities in a BIDS filename.
var EntityOrder = []string{
	"sub", "ses", "task", "acq", "ce", "rec", "dir", "run", "mod", "echo",
	"flip", "inv", "mt", "part", "recording", "space", "from", "to", "mode",
	"res", "den", "label", "desc",
}

var datatypes = map[string]bool{
	"anat": true, "dwi": true, "fmap": true, "func": true, "perf": true,
}

// File is one indexed dataset file.
type File struct {
	Path      string            `json:"path"`
	RelPath   string            `json:"relpath"`
	Entities  map[string]string `json:"entities"`
	Suffix    string            `json:"suffix"`
	Extension string            `json:"extension"`
	Datatype  string            `json:"datatype"`
}

// Subject returns the sub entity.
func (f *File) Subject() string { return f.Entities["sub"] }

// Session returns the ses entity, or "".
func (f *File) Session() string { return f.Entities["ses"] }

// IsNifti reports whether the file is a .nii or .nii.gz image.
func (f *File) IsNifti() bool { return f.Extension == ".nii" || f.Extension == ".nii.gz" }

// Stem returns the filename without its extension.
func (f *File) Stem() string {
	base := filepath.Base(f.Path)
	return strings.TrimSuffix(base, f.Extension)
}

// ParseName splits a BIDS filename into entities, suffix and extension.
// It reports false when the name does not follow the key-value convention.
// A bare suffix such as "dwi.json" is a valid top-level sidecar name.
func ParseName(name string) (entities map[string]string, suffix, ext string, ok bool) {
	base := filepath.Base(name)
	if i := strings.IndexByte(base, '.'); i >= 0 {
		base, ext = base[:i], base[i:]
	}
	parts := strings.Split(base, "_")
	suffix = parts[len(parts)-1]
	if suffix == "" || strings.Contains(suffix, "-") {
		return nil, "", "", false
	}
	entities = make(map[string]string, len(parts)-1)
	for _, p := range parts[:len(parts)-1] {
		k, v, found := strings.Cut(p, "-")
		if !found || k == "" || v == "" {
			return nil, "", "", false
		}
		entities[k] = v
	}
	return entities, suffix, ext, true
}

// BuildName assembles a filename from entities in canonical order, then any
// non-canonical entities alphabetically, then the suffix and extension.
func BuildName(entities map[string]string, suffix, ext string) string {
	var parts []string
	seen := make(map[string]bool, len(EntityOrder))
	for _, k := range EntityOrder {
		seen[k] = true
		if v := entities[k]; v != "" {
			parts = append(parts, k+"-"+v)
		}
	}
	var extra []string
	for k, v := range entities {
		if !seen[k] && v != "" {
			extra = append(extra, k)
		}
	}
	sort.Strings(extra)
	for _, k := range extra {
		parts = append(parts, k+"-"+entities[k])
	}
	if suffix != "" {
		parts = append(parts, suffix)
	}
	return strings.Join(parts, "_") + ext
}

func datatypeOf(relPath string) string {
	dir := filepath.Base(filepath.Dir(relPath))
	if datatypes[dir] {
		return dir
	}
	return ""
}
