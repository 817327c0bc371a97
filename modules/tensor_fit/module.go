// Package tensor_fit wraps FSL dtifit and derives radial diffusivity.
package tensor_fit

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
	r.RegisterManifest("tensor_fit/stage.hcl", manifest)
}
