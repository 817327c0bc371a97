// Package denoise wraps MRtrix's PCA denoising.
package denoise

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
	r.RegisterManifest("denoise/stage.hcl", manifest)
}
