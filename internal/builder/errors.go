package builder

import "github.com/specialistvlad/dmriprepgo/internal/fieldmap"

// ErrMissingMetadata marks runs whose sidecars lack a field a stage needs.
var ErrMissingMetadata = fieldmap.ErrMissingMetadata

// MetadataError names the file and field that are missing or invalid.
type MetadataError = fieldmap.MetadataError
