package datasink

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/specialistvlad/dmriprepgo/internal/ctxlog"
	"github.com/specialistvlad/dmriprepgo/internal/derivatives"
	"github.com/specialistvlad/dmriprepgo/internal/fsutil"
	"github.com/specialistvlad/dmriprepgo/internal/registry"
)

//go:embed stage.hcl
var manifest []byte

// Module implements the registry.Module interface for this package.
type Module struct{}

// Input defines the arguments of the datasink stage.
type Input struct {
	InFile        string            `cty:"in_file"`
	Bvals         *string           `cty:"bvals"`
	Bvecs         *string           `cty:"bvecs"`
	OutDir        string            `cty:"out_dir"`
	Entities      map[string]string `cty:"entities"`
	DropEntities  []string          `cty:"drop_entities"`
	ExtraEntities map[string]string `cty:"extra_entities"`
	Space         string            `cty:"space"`
	Desc          string            `cty:"desc"`
	Suffix        string            `cty:"suffix"`
	Source        string            `cty:"source"`
	Stages        []string          `cty:"stages"`
	Metadata      string            `cty:"metadata"`
}

// Written lists the files a datasink produced.
type Written struct {
	Files []string `json:"files"`
}

// Run copies the input (plus gradient files) under out_dir and writes a
// sidecar for images.
func Run(ctx context.Context, in *Input, env *registry.Env) error {
	logger := ctxlog.FromContext(ctx)
	if in.Entities["sub"] == "" {
		return errors.New("entities must include sub")
	}
	if (in.Bvals == nil) != (in.Bvecs == nil) {
		return errors.New("bvals and bvecs must be given together")
	}
	var inherited map[string]any
	if err := json.Unmarshal([]byte(in.Metadata), &inherited); err != nil {
		return fmt.Errorf("metadata: %w", err)
	}

	ext := derivatives.Extension(in.InFile)
	target := derivatives.Target{
		Entities:  in.Entities,
		Drop:      in.DropEntities,
		Extra:     in.ExtraEntities,
		Space:     in.Space,
		Desc:      in.Desc,
		Suffix:    in.Suffix,
		Extension: ext,
	}
	dst := filepath.Join(in.OutDir, target.Name())
	stem := strings.TrimSuffix(dst, ext)

	copies := [][2]string{{in.InFile, dst}}
	if in.Bvals != nil {
		copies = append(copies, [2]string{*in.Bvals, stem + ".bval"}, [2]string{*in.Bvecs, stem + ".bvec"})
	}
	var written Written
	for _, c := range copies {
		if err := fsutil.CopyFile(c[0], c[1]); err != nil {
			return err
		}
		written.Files = append(written.Files, c[1])
	}

	if derivatives.IsImage(ext) {
		sc := derivatives.Sidecar{
			Source:    derivatives.SourceURI(in.Source),
			Stages:    in.Stages,
			Inherited: derivatives.SelectPassThrough(inherited),
		}
		path := derivatives.SidecarPath(dst)
		if err := sc.Write(path); err != nil {
			return err
		}
		written.Files = append(written.Files, path)
	}
	logger.Info("Derivative written.", "path", dst)

	raw, err := json.MarshalIndent(written, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(env.Output("written"), raw, 0o644)
}

// Register registers the handler and manifest with the registry.
func (m *Module) Register(r *registry.Registry) {
	r.RegisterHandler("datasink", &registry.RegisteredHandler{
		NewInput:  func() any { return new(Input) },
		InputType: reflect.TypeOf(Input{}),
		Fn:        Run,
	})
	r.RegisterManifest("datasink/stage.hcl", manifest)
}
