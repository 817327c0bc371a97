package manifest

import (
	"github.com/hashicorp/hcl/v2"
	"github.com/specialistvlad/dmriprepgo/internal/ports"
	"github.com/zclconf/go-cty/cty"
)

// Port is a named, typed input or output of a stage.
type Port struct {
	Name        string
	Type        ports.Type
	Optional    bool
	Description string
	// File is the output's file name inside the node working directory.
	// Empty for inputs.
	File string
}

// Param is a typed stage parameter. Default is cty.NilVal when the
// parameter is required.
type Param struct {
	Name        string
	Type        cty.Type
	Default     cty.Value
	Description string
}

// Required reports whether the parameter has no default.
func (p *Param) Required() bool { return p.Default == cty.NilVal }

// Command is one external invocation. Args evaluates to a list of strings
// and When, when not null, to a bool gating the invocation.
type Command struct {
	Args hcl.Expression
	When hcl.Expression
}

// Stage is the parsed definition of one stage kind.
type Stage struct {
	Name        string
	Description string
	// Handler names the native Go function; empty for external stages.
	Handler string
	// Executables lists candidate programs; the first one found on PATH is
	// bound to the `executable` template variable.
	Executables []string
	// Requires lists further programs the commands call by name.
	Requires []string
	// Uncached stages run every time, even when a previous result exists.
	Uncached bool
	Inputs   []*Port
	Outputs  []*Port
	Params   []*Param
	Commands []*Command
	// Source is the manifest file the stage came from.
	Source string
}

// IsNative reports whether a Go handler implements the stage.
func (s *Stage) IsNative() bool { return s.Handler != "" }

// Input returns the input port called name.
func (s *Stage) Input(name string) (*Port, bool) { return findPort(s.Inputs, name) }

// Output returns the output port called name.
func (s *Stage) Output(name string) (*Port, bool) { return findPort(s.Outputs, name) }

// Param returns the parameter called name.
func (s *Stage) Param(name string) (*Param, bool) {
	for _, p := range s.Params {
		if p.Name == name {
			return p, true
		}
	}
	return nil, false
}

func findPort(ps []*Port, name string) (*Port, bool) {
	for _, p := range ps {
		if p.Name == name {
			return p, true
		}
	}
	return nil, false
}
