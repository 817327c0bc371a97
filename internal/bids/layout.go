package bids

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/specialistvlad/dmriprepgo/internal/ctxlog"
	"golang.org/x/sync/errgroup"
)

// skipDirs are top-level directories that never hold raw data.
var skipDirs = map[string]bool{"derivatives": true, "sourcedata": true, "code": true}

// Layout is an immutable index of one dataset. Safe for concurrent reads.
type Layout struct {
	Root string

	files   []*File
	byPath  map[string]*File
	sidecar map[string]map[string]any // parsed JSON files by absolute path

	// fingerprint identifies the dataset state the index was built from.
	fingerprint string

	metaMu    sync.Mutex
	metaCache map[string]map[string]any
}

// Options tunes Load.
type Options struct {
	// DatabaseDir, when set, holds the persisted index.
	DatabaseDir string
	// Workers bounds concurrent sidecar parsing; zero means GOMAXPROCS.
	Workers int
}

// Load returns the layout of root, reusing a persisted index under
// opts.DatabaseDir when it matches the dataset on disk and persisting a
// freshly built one otherwise.
func Load(ctx context.Context, root string, opts Options) (*Layout, error) {
	logger := ctxlog.FromContext(ctx)
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}

	entries, fp, err := walk(root)
	if err != nil {
		return nil, err
	}

	var dbPath string
	if opts.DatabaseDir != "" {
		dbPath = filepath.Join(opts.DatabaseDir, "layout.sqlite")
		if _, statErr := os.Stat(dbPath); statErr == nil {
			l, openErr := Open(ctx, dbPath)
			switch {
			case openErr != nil:
				logger.Warn("Ignoring unreadable BIDS index.", "path", dbPath, "error", openErr)
			case l.Root == root && l.fingerprint == fp:
				logger.Debug("Reusing persisted BIDS index.", "path", dbPath, "files", len(l.files))
				return l, nil
			default:
				logger.Info("BIDS dataset changed since it was indexed, rebuilding.", "path", dbPath)
			}
		}
	}

	l, err := build(ctx, root, entries, fp, opts.Workers)
	if err != nil {
		return nil, err
	}
	if dbPath != "" {
		if err := l.Save(ctx, dbPath); err != nil {
			return nil, fmt.Errorf("persisting BIDS index: %w", err)
		}
	}
	return l, nil
}

// Index builds a layout without persistence.
func Index(ctx context.Context, root string, workers int) (*Layout, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	entries, fp, err := walk(root)
	if err != nil {
		return nil, err
	}
	return build(ctx, root, entries, fp, workers)
}

// walk lists candidate files below root and derives a fingerprint from
// their names, sizes and modification times.
func walk(root string) ([]*File, string, error) {
	var files []*File
	var count, size, latest int64
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() {
			if path == root {
				return nil
			}
			rel, _ := filepath.Rel(root, path)
			if strings.HasPrefix(name, ".") || (!strings.Contains(rel, string(filepath.Separator)) && skipDirs[name]) {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(name, ".") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		count++
		size += info.Size()
		if mt := info.ModTime().UnixNano(); mt > latest {
			latest = mt
		}

		rel, _ := filepath.Rel(root, path)
		f := &File{Path: path, RelPath: filepath.ToSlash(rel), Datatype: datatypeOf(rel)}
		if ents, suffix, ext, ok := ParseName(name); ok {
			f.Entities, f.Suffix, f.Extension = ents, suffix, ext
		} else {
			f.Entities = map[string]string{}
			if i := strings.IndexByte(name, '.'); i >= 0 {
				f.Extension = name[i:]
			}
		}
		files = append(files, f)
		return nil
	})
	if err != nil {
		return nil, "", fmt.Errorf("indexing %s: %w", root, err)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].RelPath < files[j].RelPath })
	return files, fmt.Sprintf("%d:%d:%d", count, size, latest), nil
}

func build(ctx context.Context, root string, files []*File, fp string, workers int) (*Layout, error) {
	logger := ctxlog.FromContext(ctx)
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	l := newLayout(root, files, fp)

	var jsonFiles []*File
	for _, f := range files {
		if f.Extension == ".json" {
			jsonFiles = append(jsonFiles, f)
		}
	}

	parsed := make([]map[string]any, len(jsonFiles))
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(workers)
	for i, f := range jsonFiles {
		eg.Go(func() error {
			if err := egCtx.Err(); err != nil {
				return err
			}
			raw, err := os.ReadFile(f.Path)
			if err != nil {
				return err
			}
			var m map[string]any
			if err := json.Unmarshal(raw, &m); err != nil {
				return fmt.Errorf("%s: %w", f.RelPath, err)
			}
			parsed[i] = m
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDataset, err)
	}
	for i, f := range jsonFiles {
		l.sidecar[f.Path] = parsed[i]
	}

	logger.Debug("BIDS dataset indexed.", "root", root, "files", len(files), "sidecars", len(jsonFiles))
	return l, nil
}

func newLayout(root string, files []*File, fp string) *Layout {
	l := &Layout{
		Root:        root,
		files:       files,
		byPath:      make(map[string]*File, len(files)),
		sidecar:     make(map[string]map[string]any),
		fingerprint: fp,
		metaCache:   make(map[string]map[string]any),
	}
	for _, f := range files {
		l.byPath[f.Path] = f
	}
	return l
}

// Filter selects files. Empty fields match anything. Entities must all
// match exactly; the value "" requires the entity to be absent.
type Filter struct {
	Subject    string
	Session    string
	Datatype   string
	Suffix     string
	Extensions []string
	Entities   map[string]string
}

func (flt Filter) match(f *File) bool {
	if flt.Subject != "" && f.Entities["sub"] != flt.Subject {
		return false
	}
	if flt.Session != "" && f.Entities["ses"] != flt.Session {
		return false
	}
	if flt.Datatype != "" && f.Datatype != flt.Datatype {
		return false
	}
	if flt.Suffix != "" && f.Suffix != flt.Suffix {
		return false
	}
	if len(flt.Extensions) > 0 {
		ok := false
		for _, e := range flt.Extensions {
			if f.Extension == e {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	for k, v := range flt.Entities {
		got, has := f.Entities[k]
		if v == "" {
			if has {
				return false
			}
			continue
		}
		if got != v {
			return false
		}
	}
	return true
}

// NiftiExtensions matches compressed and uncompressed NIfTI images.
var NiftiExtensions = []string{".nii.gz", ".nii"}

// Query returns the files matching flt, sorted by relative path.
func (l *Layout) Query(flt Filter) []*File {
	var out []*File
	for _, f := range l.files {
		if flt.match(f) {
			out = append(out, f)
		}
	}
	return out
}

// File returns the indexed file at an absolute path.
func (l *Layout) File(path string) (*File, bool) {
	f, ok := l.byPath[path]
	return f, ok
}

// Subjects returns the sorted subject labels present in the dataset.
func (l *Layout) Subjects() []string {
	set := map[string]bool{}
	for _, f := range l.files {
		if s := f.Entities["sub"]; s != "" {
			set[s] = true
		}
	}
	return sortedKeys(set)
}

// Sessions returns the sorted session labels of subject; empty when the
// subject has no session level.
func (l *Layout) Sessions(subject string) []string {
	set := map[string]bool{}
	for _, f := range l.files {
		if f.Entities["sub"] == subject {
			if s := f.Entities["ses"]; s != "" {
				set[s] = true
			}
		}
	}
	return sortedKeys(set)
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
