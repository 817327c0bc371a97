package registry

import (
	"errors"
	"fmt"
	"os"
	"slices"

	"github.com/specialistvlad/dmriprepgo/internal/nifti"
)

// ErrBadOutput marks a stage output that is missing or malformed.
var ErrBadOutput = errors.New("invalid stage output")

// VerifyOutputs checks that every declared output of inv exists and, for
// image ports, has an admissible dimensionality. Optional outputs may be
// absent. It returns the outputs that were found.
func VerifyOutputs(inv *Invocation) (map[string]string, error) {
	paths := inv.OutputPaths()
	found := make(map[string]string, len(paths))
	var errs []error
	for _, p := range inv.Stage.Outputs {
		path := paths[p.Name]
		st, err := os.Stat(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) && p.Optional {
				continue
			}
			errs = append(errs, fmt.Errorf("%w: output %q (%s) was not produced", ErrBadOutput, p.Name, path))
			continue
		}
		if st.IsDir() {
			errs = append(errs, fmt.Errorf("%w: output %q (%s) is a directory", ErrBadOutput, p.Name, path))
			continue
		}
		if dims := p.Type.Dims(); dims != nil {
			hdr, err := nifti.ReadHeader(path)
			if err != nil {
				errs = append(errs, fmt.Errorf("%w: output %q: %v", ErrBadOutput, p.Name, err))
				continue
			}
			if !slices.Contains(dims, hdr.NDim()) {
				errs = append(errs, fmt.Errorf("%w: output %q has %d dimensions, want %v", ErrBadOutput, p.Name, hdr.NDim(), dims))
				continue
			}
		}
		found[p.Name] = path
	}
	return found, errors.Join(errs...)
}
