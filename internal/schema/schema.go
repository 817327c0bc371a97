package schema

import (
	"github.com/hashicorp/hcl/v2"
)

// --- Stage Manifest Schemas ---

// PortDefinition declares one named input or output port of a stage.
// Output ports name the file, relative to the node's working directory,
// the stage writes the port's value to.
type PortDefinition struct {
	Name        string `hcl:"name,label"`
	Type        string `hcl:"type"`
	Description string `hcl:"description,optional"`
	Optional    bool   `hcl:"optional,optional"`
	File        string `hcl:"file,optional"`
}

// ParamDefinition declares a typed scalar or list parameter. Type is a cty
// type expression such as `string` or `list(number)`.
type ParamDefinition struct {
	Name        string         `hcl:"name,label"`
	Type        hcl.Expression `hcl:"type"`
	Description string         `hcl:"description,optional"`
	Default     hcl.Expression `hcl:"default,optional"`
}

// RunDefinition is one external command of a stage. Command evaluates to a
// list of strings; When, if set, to a bool that gates the command.
type RunDefinition struct {
	Command hcl.Expression `hcl:"command"`
	When    hcl.Expression `hcl:"when,optional"`
}

// StageDefinition represents the HCL manifest of one processing stage.
// A stage is either native (Handler names a registered Go function) or
// external (one or more run blocks).
type StageDefinition struct {
	Name        string             `hcl:"name,label"`
	Description string             `hcl:"description,optional"`
	Handler     string             `hcl:"handler,optional"`
	Executables []string           `hcl:"executables,optional"`
	Requires    []string           `hcl:"requires,optional"`
	Cacheable   *bool              `hcl:"cacheable,optional"`
	Inputs      []*PortDefinition  `hcl:"input,block"`
	Outputs     []*PortDefinition  `hcl:"output,block"`
	Params      []*ParamDefinition `hcl:"param,block"`
	Runs        []*RunDefinition   `hcl:"run,block"`
}

// ManifestFile represents the top-level structure of a stage manifest file.
type ManifestFile struct {
	Stages []*StageDefinition `hcl:"stage,block"`
	Body   hcl.Body           `hcl:",remain"`
}
