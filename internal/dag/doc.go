// Package dag models a processing graph as a plain value: nodes keyed by
// hierarchical id, each naming a stage kind, its parameters and a handle per
// input port. A handle is either a concrete file path or a reference to an
// output port of another node; edges are derived from the references.
//
// The package validates graphs against a catalog of stage signatures,
// orders them topologically, hashes nodes for caching, composes per-run
// graphs into larger ones and serializes graphs to JSON and Graphviz DOT.
package dag
