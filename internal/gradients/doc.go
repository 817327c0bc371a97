// Package gradients parses, normalizes and validates diffusion gradient
// tables (b-values and b-vectors) and serializes them as FSL text files or
// as the canonical tab-separated RAS+B table.
//
// Validation runs once per DWI series, before any stage is scheduled, so a
// malformed table fails the run at construction time. The hemisphere test
// derives the second-level eddy model used by the eddy stage.
package gradients
