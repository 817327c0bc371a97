package derivatives

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/specialistvlad/dmriprepgo/internal/bids"
	"github.com/specialistvlad/dmriprepgo/internal/config"
	"github.com/specialistvlad/dmriprepgo/internal/fsutil"
)

// PassThrough lists the source sidecar fields copied into derivative
// sidecars.
var PassThrough = []string{
	"PhaseEncodingDirection",
	"TotalReadoutTime",
	"EffectiveEchoSpacing",
	"EchoTime",
	"RepetitionTime",
	"MagneticFieldStrength",
	"Manufacturer",
	"ManufacturersModelName",
	"MultibandAccelerationFactor",
	"SliceTiming",
}

// SelectPassThrough returns the PassThrough fields present in meta.
func SelectPassThrough(meta map[string]any) map[string]any {
	out := map[string]any{}
	for _, k := range PassThrough {
		if v, ok := meta[k]; ok {
			out[k] = v
		}
	}
	return out
}

// GeneratedBy names the pipeline in derivative metadata.
type GeneratedBy struct {
	Name    string `json:"Name"`
	Version string `json:"Version"`
}

func pipeline() []GeneratedBy {
	return []GeneratedBy{{Name: config.PipelineName, Version: config.Version}}
}

// Sidecar is the provenance written next to every image derivative.
type Sidecar struct {
	Source    string
	Stages    []string
	Inherited map[string]any
}

// Fields flattens the sidecar into its JSON object. Provenance keys win
// over inherited ones.
func (s Sidecar) Fields() map[string]any {
	out := map[string]any{}
	for k, v := range s.Inherited {
		out[k] = v
	}
	stages := append([]string{}, s.Stages...)
	out["Sources"] = []string{s.Source}
	out["GeneratedBy"] = pipeline()
	out["StagesRun"] = stages
	return out
}

// Write stores the sidecar as indented JSON at path.
func (s Sidecar) Write(path string) error {
	raw, err := json.MarshalIndent(s.Fields(), "", "  ")
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(path, append(raw, '\n'))
}

// SourceURI renders a dataset-relative path as a bids:raw: URI.
func SourceURI(rel string) string {
	return "bids:raw:" + filepath.ToSlash(rel)
}

// datasetDescription is the dataset_description.json of the derivatives.
type datasetDescription struct {
	Name           string          `json:"Name"`
	BIDSVersion    string          `json:"BIDSVersion"`
	DatasetType    string          `json:"DatasetType"`
	GeneratedBy    []GeneratedBy   `json:"GeneratedBy"`
	SourceDatasets []sourceDataset `json:"SourceDatasets,omitempty"`
}

type sourceDataset struct {
	DOI string `json:"DOI,omitempty"`
	URL string `json:"URL,omitempty"`
}

// bidsVersion is the BIDS release the derivatives follow.
const bidsVersion = "1.8.0"

// WriteDatasetDescription writes dataset_description.json into dir,
// recording the source dataset's DOI when its description declares one.
func WriteDatasetDescription(dir, bidsRoot string) error {
	desc := datasetDescription{
		Name:        fmt.Sprintf("%s output", config.PipelineName),
		BIDSVersion: bidsVersion,
		DatasetType: "derivative",
		GeneratedBy: pipeline(),
	}
	src := sourceDataset{URL: "file://" + filepath.ToSlash(bidsRoot)}
	if d, err := bids.ReadDescription(bidsRoot); err == nil && d.DatasetDOI != "" {
		src.DOI = d.DatasetDOI
	}
	desc.SourceDatasets = []sourceDataset{src}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(desc, "", "  ")
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(filepath.Join(dir, "dataset_description.json"), append(raw, '\n'))
}
