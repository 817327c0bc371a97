// Package bids indexes a BIDS dataset and answers the queries the pipeline
// needs: files by entity, sidecar metadata with inheritance, IntendedFor
// lookups and companion files (bval, bvec). A built index can be persisted
// to SQLite so that separate processes of one run share it.
package bids
