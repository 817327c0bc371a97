// Package imaging holds the voxel-level helpers that run natively instead of
// through an external tool: b0 extraction and referencing, reorientation to
// RAS+, resampling, affine application and fieldmap unit conversion.
package imaging
