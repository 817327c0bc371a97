package fieldmap

import (
	"errors"
	"fmt"
	"sort"

	"github.com/specialistvlad/dmriprepgo/internal/bids"
)

// ErrMissingMetadata marks a sidecar lacking a field a stage needs.
var ErrMissingMetadata = errors.New("missing sidecar metadata")

// MetadataError names the file and the missing or invalid field.
type MetadataError struct {
	File  string
	Field string
	Err   error
}

func (e *MetadataError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: field %s: %v", e.File, e.Field, e.Err)
	}
	return fmt.Sprintf("%s: required field %s is missing", e.File, e.Field)
}

// Is makes errors.Is(err, ErrMissingMetadata) hold.
func (e *MetadataError) Is(target error) bool { return target == ErrMissingMetadata }

func (e *MetadataError) Unwrap() error { return e.Err }

// Kind identifies a bundle variant. Lower values win when several are
// available for the same run.
type Kind int

const (
	KindEPI Kind = iota
	KindFieldmap
	KindPhasediff
	KindPhase
	KindSyn
)

var kindNames = map[Kind]string{
	KindEPI:       "epi",
	KindFieldmap:  "fieldmap",
	KindPhasediff: "phasediff",
	KindPhase:     "phase",
	KindSyn:       "syn",
}

func (k Kind) String() string { return kindNames[k] }

// Bundle is the field information selected for one run. The concrete type
// is one of *PEPOLAR, *Phasediff, *Phase, *Fieldmap or *Syn.
type Bundle interface {
	Kind() Kind
	bundle()
}

// PEPOLAR pairs the run with an EPI acquired with the opposite polarity.
type PEPOLAR struct {
	EPI          *bids.File
	PE           PhaseEncoding
	TotalReadout float64
}

// Phasediff is a phase-difference map with its echo times in seconds.
type Phasediff struct {
	Phasediff  *bids.File
	Magnitudes []*bids.File
	Echo1      float64
	Echo2      float64
}

// Phase is a pair of phase maps with their echo times in seconds.
type Phase struct {
	Phase1     *bids.File
	Phase2     *bids.File
	Magnitudes []*bids.File
	Echo1      float64
	Echo2      float64
}

// Fieldmap is a precomputed field map. Units is "Hz" or "rad/s".
type Fieldmap struct {
	Fieldmap  *bids.File
	Magnitude *bids.File
	Units     string
}

// Syn requests fieldmap-less correction.
type Syn struct{}

func (*PEPOLAR) Kind() Kind   { return KindEPI }
func (*Phasediff) Kind() Kind { return KindPhasediff }
func (*Phase) Kind() Kind     { return KindPhase }
func (*Fieldmap) Kind() Kind  { return KindFieldmap }
func (*Syn) Kind() Kind       { return KindSyn }

func (*PEPOLAR) bundle()   {}
func (*Phasediff) bundle() {}
func (*Phase) bundle()     {}
func (*Fieldmap) bundle()  {}
func (*Syn) bundle()       {}

// Source is the metadata access Discover needs.
type Source interface {
	IntendedFor(target *bids.File) ([]*bids.File, error)
	Metadata(path string) (map[string]any, error)
	Query(flt bids.Filter) []*bids.File
}

// suffixKind maps fieldmap image suffixes to the variant they belong to.
var suffixKind = map[string]Kind{
	"epi":       KindEPI,
	"fieldmap":  KindFieldmap,
	"phasediff": KindPhasediff,
	"phase1":    KindPhase,
	"phase2":    KindPhase,
}

// Discover selects the bundle for dwi among the fieldmap images whose
// IntendedFor names it, preferring the lowest Kind. It returns nil when
// nothing qualifies and useSyn is false.
func Discover(src Source, dwi *bids.File, dwiPE PhaseEncoding, useSyn bool) (Bundle, error) {
	targets, err := src.IntendedFor(dwi)
	if err != nil {
		return nil, err
	}
	byKind := map[Kind][]*bids.File{}
	for _, f := range targets {
		if k, ok := suffixKind[f.Suffix]; ok {
			byKind[k] = append(byKind[k], f)
		}
	}

	kinds := make([]Kind, 0, len(byKind))
	for k := range byKind {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })

	if len(kinds) == 0 {
		if useSyn {
			return &Syn{}, nil
		}
		return nil, nil
	}

	files := byKind[kinds[0]]
	switch kinds[0] {
	case KindEPI:
		return pepolar(src, files, dwiPE)
	case KindFieldmap:
		return fieldmapBundle(src, files[0])
	case KindPhasediff:
		return phasediff(src, files[0])
	case KindPhase:
		return phases(src, files)
	}
	return nil, fmt.Errorf("unhandled fieldmap kind %s", kinds[0])
}

func pepolar(src Source, epis []*bids.File, dwiPE PhaseEncoding) (*PEPOLAR, error) {
	var lastErr error
	for _, f := range epis {
		meta, err := src.Metadata(f.Path)
		if err != nil {
			return nil, err
		}
		pe, err := PhaseEncodingOf(f, meta)
		if err != nil {
			return nil, err
		}
		if pe.Axis != dwiPE.Axis {
			lastErr = fmt.Errorf("%s: EPI field map encoded along %s but the DWI along %s; only reversed-polarity pairs on the same axis are supported", f.RelPath, pe, dwiPE)
			continue
		}
		if !pe.Opposite(dwiPE) {
			lastErr = fmt.Errorf("%s: EPI field map has the same phase-encoding polarity (%s) as the DWI", f.RelPath, pe)
			continue
		}
		trt, err := TotalReadoutTime(f, meta)
		if err != nil {
			return nil, err
		}
		return &PEPOLAR{EPI: f, PE: pe, TotalReadout: trt}, nil
	}
	return nil, lastErr
}

func fieldmapBundle(src Source, f *bids.File) (*Fieldmap, error) {
	meta, err := src.Metadata(f.Path)
	if err != nil {
		return nil, err
	}
	units, _ := meta["Units"].(string)
	switch units {
	case "Hz", "rad/s":
	case "":
		return nil, &MetadataError{File: f.RelPath, Field: "Units"}
	default:
		return nil, &MetadataError{File: f.RelPath, Field: "Units", Err: fmt.Errorf("unsupported unit %q (want Hz or rad/s)", units)}
	}
	return &Fieldmap{Fieldmap: f, Magnitude: sibling(src, f, "magnitude"), Units: units}, nil
}

func phasediff(src Source, f *bids.File) (*Phasediff, error) {
	meta, err := src.Metadata(f.Path)
	if err != nil {
		return nil, err
	}
	e1, err := Number(f, meta, "EchoTime1")
	if err != nil {
		return nil, err
	}
	e2, err := Number(f, meta, "EchoTime2")
	if err != nil {
		return nil, err
	}
	pd := &Phasediff{Phasediff: f, Echo1: e1, Echo2: e2}
	for _, s := range []string{"magnitude1", "magnitude2"} {
		if m := sibling(src, f, s); m != nil {
			pd.Magnitudes = append(pd.Magnitudes, m)
		}
	}
	return pd, nil
}

func phases(src Source, files []*bids.File) (*Phase, error) {
	var p1, p2 *bids.File
	for _, f := range files {
		switch f.Suffix {
		case "phase1":
			p1 = f
		case "phase2":
			p2 = f
		}
	}
	if p1 == nil || p2 == nil {
		return nil, fmt.Errorf("%s: phase1 and phase2 maps must both be intended for the run", files[0].RelPath)
	}
	m1, err := src.Metadata(p1.Path)
	if err != nil {
		return nil, err
	}
	m2, err := src.Metadata(p2.Path)
	if err != nil {
		return nil, err
	}
	e1, err := Number(p1, m1, "EchoTime")
	if err != nil {
		return nil, err
	}
	e2, err := Number(p2, m2, "EchoTime")
	if err != nil {
		return nil, err
	}
	ph := &Phase{Phase1: p1, Phase2: p2, Echo1: e1, Echo2: e2}
	for _, s := range []string{"magnitude1", "magnitude2"} {
		if m := sibling(src, p1, s); m != nil {
			ph.Magnitudes = append(ph.Magnitudes, m)
		}
	}
	return ph, nil
}

// sibling finds the image next to f with the same entities and another
// suffix.
func sibling(src Source, f *bids.File, suffix string) *bids.File {
	ents := map[string]string{}
	for _, k := range bids.EntityOrder {
		if k == "sub" || k == "ses" {
			continue
		}
		ents[k] = f.Entities[k]
	}
	found := src.Query(bids.Filter{
		Subject:    f.Subject(),
		Session:    f.Session(),
		Datatype:   f.Datatype,
		Suffix:     suffix,
		Extensions: bids.NiftiExtensions,
		Entities:   ents,
	})
	if len(found) == 0 {
		return nil
	}
	return found[0]
}

// Number reads a required numeric field.
func Number(f *bids.File, meta map[string]any, field string) (float64, error) {
	v, ok := meta[field]
	if !ok {
		return 0, &MetadataError{File: f.RelPath, Field: field}
	}
	n, ok := v.(float64)
	if !ok {
		return 0, &MetadataError{File: f.RelPath, Field: field, Err: fmt.Errorf("expected a number, got %T", v)}
	}
	return n, nil
}

// PhaseEncodingOf reads PhaseEncodingDirection from meta.
func PhaseEncodingOf(f *bids.File, meta map[string]any) (PhaseEncoding, error) {
	raw, ok := meta["PhaseEncodingDirection"]
	if !ok {
		return PhaseEncoding{}, &MetadataError{File: f.RelPath, Field: "PhaseEncodingDirection"}
	}
	s, _ := raw.(string)
	pe, err := ParsePhaseEncoding(s)
	if err != nil {
		return PhaseEncoding{}, &MetadataError{File: f.RelPath, Field: "PhaseEncodingDirection", Err: err}
	}
	return pe, nil
}

// TotalReadoutTime reads TotalReadoutTime, deriving it from
// EffectiveEchoSpacing and ReconMatrixPE when only those are present.
func TotalReadoutTime(f *bids.File, meta map[string]any) (float64, error) {
	if _, ok := meta["TotalReadoutTime"]; ok {
		trt, err := Number(f, meta, "TotalReadoutTime")
		if err != nil {
			return 0, err
		}
		if trt <= 0 {
			return 0, &MetadataError{File: f.RelPath, Field: "TotalReadoutTime", Err: fmt.Errorf("must be positive, got %g", trt)}
		}
		return trt, nil
	}
	ees, eesOK := meta["EffectiveEchoSpacing"].(float64)
	lines, linesOK := meta["ReconMatrixPE"].(float64)
	if eesOK && linesOK && ees > 0 && lines > 1 {
		return ees * (lines - 1), nil
	}
	return 0, &MetadataError{File: f.RelPath, Field: "TotalReadoutTime"}
}
