// Package cli is the command-line surface of dmriprep. It maps positional
// arguments and flags onto the configuration record, layered over an
// optional TOML configuration file, and maps errors to process exit codes.
// It also exposes the hidden build-graph command that runs graph
// construction in a separate process.
package cli
