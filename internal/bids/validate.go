package bids

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrInvalidDataset marks a dataset that fails validation.
var ErrInvalidDataset = errors.New("invalid BIDS dataset")

// Description is the subset of dataset_description.json the pipeline reads.
type Description struct {
	Name        string `json:"Name"`
	BIDSVersion string `json:"BIDSVersion"`
	DatasetType string `json:"DatasetType,omitempty"`
	DatasetDOI  string `json:"DatasetDOI,omitempty"`
}

// ReadDescription loads dataset_description.json from root.
func ReadDescription(root string) (*Description, error) {
	raw, err := os.ReadFile(filepath.Join(root, "dataset_description.json"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDataset, err)
	}
	var d Description
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("%w: dataset_description.json: %v", ErrInvalidDataset, err)
	}
	return &d, nil
}

// Validate checks the structural rules the pipeline depends on. All
// problems are reported together.
func (l *Layout) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	d, err := ReadDescription(l.Root)
	switch {
	case err != nil:
		errs = append(errs, err)
	case d.Name == "":
		bad("dataset_description.json: Name is required")
	case d.BIDSVersion == "":
		bad("dataset_description.json: BIDSVersion is required")
	}

	if len(l.Subjects()) == 0 {
		bad("no sub-<label> data found")
	}

	for _, f := range l.files {
		if !strings.HasPrefix(f.RelPath, "sub-") {
			continue
		}
		if f.Suffix == "" {
			bad("%s: filename does not follow the entity convention", f.RelPath)
			continue
		}
		top := strings.SplitN(f.RelPath, "/", 2)[0]
		if "sub-"+f.Subject() != top {
			bad("%s: sub entity does not match its directory", f.RelPath)
		}
	}

	for _, f := range l.Query(Filter{Datatype: "dwi", Suffix: "dwi", Extensions: NiftiExtensions}) {
		for _, ext := range []string{".bval", ".bvec"} {
			if _, err := l.Companion(f, ext); err != nil {
				bad("%s: missing %s", f.RelPath, ext)
			}
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidDataset, errors.Join(errs...))
}
