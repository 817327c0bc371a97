// Package manifest turns HCL stage manifests into format-agnostic stage
// definitions.
//
// A manifest declares a stage's typed input and output ports, its
// parameters and either the name of a native Go handler or the external
// commands to run. The registry pairs these definitions with the compiled
// handlers and validates that both sides agree.
package manifest
