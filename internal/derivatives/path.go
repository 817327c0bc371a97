package derivatives

import (
	"maps"
	"path/filepath"
	"strings"

	"github.com/specialistvlad/dmriprepgo/internal/bids"
)

// Target describes one derivative file.
type Target struct {
	// Entities are the source file's entities.
	Entities map[string]string
	// Drop lists entities removed from the name; sub is never dropped.
	Drop []string
	// Extra entities such as from, to and mode.
	Extra     map[string]string
	Space     string
	Desc      string
	Suffix    string
	Extension string
}

// Name builds the derivative file name.
func (t Target) Name() string {
	ents := maps.Clone(t.Entities)
	if ents == nil {
		ents = map[string]string{}
	}
	for _, k := range t.Drop {
		if k != "sub" {
			delete(ents, k)
		}
	}
	maps.Copy(ents, t.Extra)
	if t.Space != "" {
		ents["space"] = t.Space
	}
	if t.Desc != "" {
		ents["desc"] = t.Desc
	}
	return bids.BuildName(ents, t.Suffix, t.Extension)
}

// Dir returns <root>/sub-<id>/[ses-<id>/]<datatype> for the given entities.
func Dir(root string, entities map[string]string, datatype string) string {
	parts := []string{root, "sub-" + entities["sub"]}
	if ses := entities["ses"]; ses != "" {
		parts = append(parts, "ses-"+ses)
	}
	return filepath.Join(append(parts, datatype)...)
}

// Extension returns the extension of path, treating ".nii.gz" as one.
func Extension(path string) string {
	base := filepath.Base(path)
	if strings.HasSuffix(base, ".nii.gz") {
		return ".nii.gz"
	}
	return filepath.Ext(base)
}

// IsImage reports whether ext is a NIfTI extension.
func IsImage(ext string) bool { return ext == ".nii" || ext == ".nii.gz" }

// SidecarPath returns the JSON sidecar path of a derivative file.
func SidecarPath(path string) string {
	return strings.TrimSuffix(path, Extension(path)) + ".json"
}
