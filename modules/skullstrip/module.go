// Package skullstrip wraps FSL bet for b0 references and T1w images.
package skullstrip

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
	r.RegisterManifest("skullstrip/stage.hcl", manifest)
}
