// Package registry provides the central "glue" for the stage system.
//
// The Registry stores the mapping between the handler names used in stage
// manifests (e.g., "ExtractB0") and the compiled Go functions that
// implement native stages. It also holds the parsed stage definitions, the
// command templates of external stages and the rules for checking what a
// stage wrote.
//
// During application startup, the registry is populated and then validated
// to ensure that the Go code and the manifests are in sync, preventing a
// wide class of runtime errors.
package registry
