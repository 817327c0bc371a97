package imaging

import (
	"github.com/specialistvlad/dmriprepgo/internal/nifti"
)

// fslScaling returns the matrix taking voxel indices of img to FSL's scaled
// voxel coordinates. FSL flips the first axis when the voxel-to-world
// determinant is positive.
func fslScaling(img *nifti.Image) Affine {
	z := img.Zooms()
	s := Identity()
	for i := 0; i < 3; i++ {
		s[i][i] = z[i]
	}
	if Affine(img.Affine()).Det3() > 0 {
		nx := float64(img.Shape()[0])
		s[0][0] = -z[0]
		s[0][3] = (nx - 1) * z[0]
	}
	return s
}

// FSLToRAS converts a FLIRT matrix estimated from source to reference into
// a world-space (RAS+ mm) transform mapping source points onto reference
// points.
func FSLToRAS(fsl Affine, source, reference *nifti.Image) (Affine, error) {
	srcInv, err := Affine(source.Affine()).Inverse()
	if err != nil {
		return Affine{}, err
	}
	refScaleInv, err := fslScaling(reference).Inverse()
	if err != nil {
		return Affine{}, err
	}
	ref := Affine(reference.Affine())
	return ref.Mul(refScaleInv).Mul(fsl).Mul(fslScaling(source)).Mul(srcInv), nil
}

// RASToFSL is the inverse conversion of FSLToRAS.
func RASToFSL(ras Affine, source, reference *nifti.Image) (Affine, error) {
	refInv, err := Affine(reference.Affine()).Inverse()
	if err != nil {
		return Affine{}, err
	}
	srcScaleInv, err := fslScaling(source).Inverse()
	if err != nil {
		return Affine{}, err
	}
	return fslScaling(reference).Mul(refInv).Mul(ras).Mul(Affine(source.Affine())).Mul(srcScaleInv), nil
}
