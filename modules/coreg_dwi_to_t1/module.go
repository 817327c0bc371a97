// Package coreg_dwi_to_t1 registers the b0 reference to the T1w image.
package coreg_dwi_to_t1

import (
	_ "embed"

	"github.com/specialistvlad/dmriprepgo/internal/registry"
)

//go:embed stage.hcl
var manifest []byte

// Module implements the registry.Module interface for this package.
type Module struct{}

// Register registers the manifest with the registry.
func (m *Module) Register(r *registry.Registry) {
	r.RegisterManifest("coreg_dwi_to_t1/stage.hcl", manifest)
}
