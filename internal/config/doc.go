// Package config holds the pipeline configuration record: four TOML
// sections (environment, execution, workflow, executor) that are filled from
// the command line and an optional config file, persisted as a snapshot in
// the run's working directory, and reloaded by every process that takes
// part in a run.
//
// There is no package-level instance. A *Config is created by the CLI and
// passed explicitly to graph construction and execution; the TOML snapshot
// is the only thing that crosses the process boundary between the two.
package config
