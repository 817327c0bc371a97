// Package eddy wraps FSL eddy, preferring a GPU build when one is installed.
package eddy

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
	r.RegisterManifest("eddy/stage.hcl", manifest)
}
