// Package bias_correct wraps MRtrix's dwibiascorrect with the ANTs N4 backend.
package bias_correct

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
	r.RegisterManifest("bias_correct/stage.hcl", manifest)
}
