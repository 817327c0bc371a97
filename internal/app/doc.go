// Package app contains the application lifecycle of one pipeline run. It
// finalizes and snapshots the configuration, constructs the workflow graph
// in a child process, executes it and reports the outcome, decoupled from
// any specific entrypoint like a CLI.
package app
