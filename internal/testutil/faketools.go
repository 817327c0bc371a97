package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/specialistvlad/dmriprepgo/internal/fsutil"
	"github.com/specialistvlad/dmriprepgo/internal/imaging"
	"github.com/specialistvlad/dmriprepgo/internal/nifti"
	"github.com/stretchr/testify/require"
)

// Environment variables understood by the fake tools.
const (
	// FakeLogEnv names a file every fake invocation appends its argv to.
	FakeLogEnv = "DMRIPREP_FAKE_LOG"
	// FakeFailEnv lists tools, comma separated, that exit with status 1.
	FakeFailEnv = "DMRIPREP_FAKE_FAIL"
	// FakeSleepEnv is "tool=duration"; that tool sleeps before working.
	FakeSleepEnv = "DMRIPREP_FAKE_SLEEP"
)

type fakeTool func(args []string) error

// fakeTools emulate the command-line behaviour of the neuroimaging tools the
// stages call, closely enough to produce outputs of the right shape.
var fakeTools = map[string]fakeTool{
	"dwidenoise":            fakeDenoise,
	"mrdegibbs":             fakeCopyFirstTwo,
	"dwibiascorrect":        fakeBiasCorrect,
	"N4BiasFieldCorrection": func([]string) error { return nil },
	"topup":                 fakeTopup,
	"eddy_cpu":              fakeEddy,
	"bet":                   fakeBet,
	"flirt":                 fakeFlirt,
	"convert_xfm":           fakeConvertXfm,
	"dtifit":                fakeDtifit,
	"fslmaths":              fakeFslmaths,
}

// FakeToolNames returns every tool InstallFakeTools can provide.
func FakeToolNames() []string {
	out := make([]string, 0, len(fakeTools))
	for name := range fakeTools {
		out = append(out, name)
	}
	return out
}

// RunFakeTool must be called first in TestMain of packages that install
// fake tools. When the test binary was started through one of the links
// InstallFakeTools creates, it runs the emulated tool and exits.
func RunFakeTool() {
	name := filepath.Base(os.Args[0])
	tool, ok := fakeTools[name]
	if !ok {
		return
	}
	if log := os.Getenv(FakeLogEnv); log != "" {
		if f, err := os.OpenFile(log, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644); err == nil {
			fmt.Fprintln(f, name+" "+strings.Join(os.Args[1:], " "))
			f.Close()
		}
	}
	for _, failing := range strings.Split(os.Getenv(FakeFailEnv), ",") {
		if failing == name {
			fmt.Fprintf(os.Stderr, "%s: simulated failure\n", name)
			os.Exit(1)
		}
	}
	if spec, ok := strings.CutPrefix(os.Getenv(FakeSleepEnv), name+"="); ok {
		if d, err := time.ParseDuration(spec); err == nil {
			time.Sleep(d)
		}
	}
	if err := tool(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", name, err)
		os.Exit(1)
	}
	os.Exit(0)
}

// InstallFakeTools links the named fake tools (all of them when names is
// empty) into a temporary directory and puts it first on PATH. It uses
// t.Setenv, so callers cannot be parallel tests.
func InstallFakeTools(t *testing.T, names ...string) string {
	t.Helper()
	if len(names) == 0 {
		names = FakeToolNames()
	}
	self, err := os.Executable()
	require.NoError(t, err)

	dir := t.TempDir()
	for _, name := range names {
		_, ok := fakeTools[name]
		require.True(t, ok, "no fake for tool %q", name)
		require.NoError(t, os.Symlink(self, filepath.Join(dir, name)))
	}
	t.Setenv("PATH", dir+string(os.PathListSeparator)+os.Getenv("PATH"))
	return dir
}

// flagValue returns the value of a "-name value" or "--name=value" option.
func flagValue(args []string, name string) string {
	for i, a := range args {
		if v, ok := strings.CutPrefix(a, name+"="); ok {
			return v
		}
		if a == name && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func hasFlag(args []string, name string) bool {
	for _, a := range args {
		if a == name {
			return true
		}
	}
	return false
}

// niiPath appends .nii.gz to FSL-style extensionless image names.
func niiPath(p string) string {
	if strings.HasSuffix(p, ".nii") || strings.HasSuffix(p, ".nii.gz") {
		return p
	}
	return p + ".nii.gz"
}

// firstVolume returns a 3-D image holding volume 0 of img scaled by s.
func firstVolume(img *nifti.Image, s float64) *nifti.Image {
	out := nifti.Like(img, img.Shape()[:3])
	for i, v := range img.Volume(0) {
		out.Data[i] = v * s
	}
	return out
}

func copyImage(src, dst string) error {
	img, err := nifti.Read(niiPath(src))
	if err != nil {
		return err
	}
	return nifti.Write(niiPath(dst), img)
}

// dwidenoise in out -noise map ...
func fakeDenoise(args []string) error {
	if err := fakeCopyFirstTwo(args); err != nil {
		return err
	}
	img, err := nifti.Read(args[0])
	if err != nil {
		return err
	}
	return nifti.Write(flagValue(args, "-noise"), firstVolume(img, 0.01))
}

// mrdegibbs in out ...
func fakeCopyFirstTwo(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("expected input and output")
	}
	return copyImage(args[0], args[1])
}

// dwibiascorrect ants in out -mask m -bias b ...
func fakeBiasCorrect(args []string) error {
	if len(args) < 3 || args[0] != "ants" {
		return fmt.Errorf("expected the ants algorithm")
	}
	if err := copyImage(args[1], args[2]); err != nil {
		return err
	}
	img, err := nifti.Read(args[1])
	if err != nil {
		return err
	}
	bias := firstVolume(img, 0)
	for i := range bias.Data {
		bias.Data[i] = 1
	}
	return nifti.Write(flagValue(args, "-bias"), bias)
}

// topup --imain= --datain= --out=base --fout= --iout=
func fakeTopup(args []string) error {
	imain := flagValue(args, "--imain")
	img, err := nifti.Read(niiPath(imain))
	if err != nil {
		return err
	}
	base := flagValue(args, "--out")
	field := firstVolume(img, 0)
	if err := nifti.Write(base+"_fieldcoef.nii.gz", field); err != nil {
		return err
	}
	movpar := strings.Repeat("0 0 0 0 0 0\n", img.NumVolumes())
	if err := os.WriteFile(base+"_movpar.txt", []byte(movpar), 0o644); err != nil {
		return err
	}
	if err := nifti.Write(niiPath(flagValue(args, "--fout")), field); err != nil {
		return err
	}
	return copyImage(imain, flagValue(args, "--iout"))
}

// eddy --imain= --bvecs= --out=base ...
func fakeEddy(args []string) error {
	base := flagValue(args, "--out")
	if err := copyImage(flagValue(args, "--imain"), base); err != nil {
		return err
	}
	if err := fsutil.CopyFile(flagValue(args, "--bvecs"), base+".eddy_rotated_bvecs"); err != nil {
		return err
	}
	texts := map[string]string{
		".eddy_movement_rms":   "0 0\n",
		".eddy_outlier_report": "",
		".eddy_parameters":     "0 0 0 0 0 0\n",
		".eddy_command_txt":    "eddy " + strings.Join(args, " ") + "\n",
	}
	for ext, content := range texts {
		if err := os.WriteFile(base+ext, []byte(content), 0o644); err != nil {
			return err
		}
	}
	return nil
}

// bet in out [-m] [-o] [-R] -f frac
func fakeBet(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("expected input and output")
	}
	img, err := nifti.Read(niiPath(args[0]))
	if err != nil {
		return err
	}
	out := strings.TrimSuffix(args[1], ".nii.gz")
	brain := firstVolume(img, 1)
	if err := nifti.Write(out+".nii.gz", brain); err != nil {
		return err
	}
	if hasFlag(args, "-m") {
		mask := firstVolume(img, 0)
		for i, v := range brain.Data {
			if v > 100 {
				mask.Data[i] = 1
			}
		}
		if err := nifti.Write(out+"_mask.nii.gz", mask); err != nil {
			return err
		}
	}
	if hasFlag(args, "-o") {
		return nifti.Write(out+"_overlay.nii.gz", brain)
	}
	return nil
}

// flirt -in moving -ref reference -omat mat -out warped
func fakeFlirt(args []string) error {
	if err := imaging.WriteAffine(flagValue(args, "-omat"), imaging.Identity()); err != nil {
		return err
	}
	if out := flagValue(args, "-out"); out != "" {
		return copyImage(flagValue(args, "-ref"), out)
	}
	return nil
}

// convert_xfm -omat out -inverse in
func fakeConvertXfm(args []string) error {
	if len(args) == 0 || !hasFlag(args, "-inverse") {
		return fmt.Errorf("only -inverse is emulated")
	}
	a, err := imaging.ReadAffine(args[len(args)-1])
	if err != nil {
		return err
	}
	inv, err := a.Inverse()
	if err != nil {
		return err
	}
	return imaging.WriteAffine(flagValue(args, "-omat"), inv)
}

// dtifit -k dwi -o base -m mask -r bvecs -b bvals [--save_tensor] [--sse]
func fakeDtifit(args []string) error {
	img, err := nifti.Read(niiPath(flagValue(args, "-k")))
	if err != nil {
		return err
	}
	base := flagValue(args, "-o")
	scalars := map[string]float64{"FA": 0.5, "MD": 0.0008, "L1": 0.0012, "L2": 0.0006, "L3": 0.0006, "S0": 1}
	if hasFlag(args, "--sse") {
		scalars["sse"] = 0
	}
	for name, value := range scalars {
		out := firstVolume(img, 0)
		for i := range out.Data {
			out.Data[i] = value
		}
		if err := nifti.Write(base+"_"+name+".nii.gz", out); err != nil {
			return err
		}
	}
	vectors := map[string]int{"V1": 3, "V2": 3, "V3": 3}
	if hasFlag(args, "--save_tensor") {
		vectors["tensor"] = 6
	}
	for name, n := range vectors {
		out := nifti.Like(img, append(append([]int(nil), img.Shape()[:3]...), n))
		if err := nifti.Write(base+"_"+name+".nii.gz", out); err != nil {
			return err
		}
	}
	return nil
}

// fslmaths a -add b -div k out
func fakeFslmaths(args []string) error {
	if len(args) != 6 || args[1] != "-add" || args[3] != "-div" {
		return fmt.Errorf("only 'a -add b -div k out' is emulated")
	}
	a, err := nifti.Read(niiPath(args[0]))
	if err != nil {
		return err
	}
	b, err := nifti.Read(niiPath(args[2]))
	if err != nil {
		return err
	}
	var k float64
	if _, err := fmt.Sscan(args[4], &k); err != nil {
		return err
	}
	for i := range a.Data {
		a.Data[i] = (a.Data[i] + b.Data[i]) / k
	}
	return nifti.Write(niiPath(args[5]), a)
}
