package bids

import (
	"errors"
	"fmt"
	"maps"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// ErrNoCompanion is returned when no companion file applies to a data file.
var ErrNoCompanion = errors.New("no companion file")

// applicable returns the files with extension ext and the same suffix as f
// that apply to f under the inheritance principle: located in f's directory
// or an ancestor of it, with entities that are a subset of f's. The result
// is ordered from the least to the most specific.
func (l *Layout) applicable(f *File, ext string) []*File {
	dir := path.Dir(f.RelPath)
	var out []*File
	for _, c := range l.files {
		if c.Extension != ext || c.Suffix != f.Suffix || c.Path == f.Path {
			continue
		}
		cdir := path.Dir(c.RelPath)
		if cdir != "." && cdir != dir && !strings.HasPrefix(dir, cdir+"/") {
			continue
		}
		if !subset(c.Entities, f.Entities) {
			continue
		}
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		di, dj := depth(out[i].RelPath), depth(out[j].RelPath)
		if di != dj {
			return di < dj
		}
		return len(out[i].Entities) < len(out[j].Entities)
	})
	return out
}

func subset(sub, super map[string]string) bool {
	for k, v := range sub {
		if super[k] != v {
			return false
		}
	}
	return true
}

func depth(rel string) int { return strings.Count(rel, "/") }

// Metadata returns the merged JSON sidecar metadata of the file at path.
// Deeper and more specific sidecars override shallower ones.
func (l *Layout) Metadata(p string) (map[string]any, error) {
	f, ok := l.byPath[p]
	if !ok {
		return nil, fmt.Errorf("%s: not part of the dataset", p)
	}

	l.metaMu.Lock()
	if m, hit := l.metaCache[p]; hit {
		l.metaMu.Unlock()
		return maps.Clone(m), nil
	}
	l.metaMu.Unlock()

	merged := map[string]any{}
	for _, sc := range l.applicable(f, ".json") {
		maps.Copy(merged, l.sidecar[sc.Path])
	}

	l.metaMu.Lock()
	l.metaCache[p] = merged
	l.metaMu.Unlock()
	return maps.Clone(merged), nil
}

// Companion returns the file with extension ext (".bval", ".bvec") that
// belongs to f: the sibling with the same stem if present, otherwise the
// most specific inherited one.
func (l *Layout) Companion(f *File, ext string) (*File, error) {
	sibling := filepath.Join(filepath.Dir(f.Path), f.Stem()+ext)
	if c, ok := l.byPath[sibling]; ok {
		return c, nil
	}
	cands := l.applicable(f, ext)
	if len(cands) == 0 {
		return nil, fmt.Errorf("%w: %s for %s", ErrNoCompanion, ext, f.RelPath)
	}
	return cands[len(cands)-1], nil
}

// IntendedFor returns the fieldmap-directory images whose IntendedFor
// metadata names target. Entries may be relative to the subject directory
// or "bids::" URIs relative to the dataset root.
func (l *Layout) IntendedFor(target *File) ([]*File, error) {
	subDir := "sub-" + target.Subject()
	var out []*File
	for _, f := range l.Query(Filter{Subject: target.Subject(), Datatype: "fmap", Extensions: NiftiExtensions}) {
		meta, err := l.Metadata(f.Path)
		if err != nil {
			return nil, err
		}
		for _, ref := range stringList(meta["IntendedFor"]) {
			rel := ref
			if after, ok := strings.CutPrefix(ref, "bids::"); ok {
				rel = after
			} else {
				rel = path.Join(subDir, ref)
			}
			if path.Clean(rel) == target.RelPath {
				out = append(out, f)
				break
			}
		}
	}
	return out, nil
}

// stringList accepts a JSON string or array of strings.
func stringList(v any) []string {
	switch t := v.(type) {
	case string:
		return []string{t}
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return t
	}
	return nil
}
