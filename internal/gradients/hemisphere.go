package gradients

import "github.com/golang/geo/r3"

const (
	crossNormEpsilon = 1e-4
	// hemisphereSlack lets vectors lying on the bounding great circle count
	// as inside the closed hemisphere despite rounding.
	hemisphereSlack = 1e-6
)

// IsHemispherical reports whether the unit vectors lie in a single closed
// hemisphere. Every ordered pair cross product is a candidate pole; a
// candidate qualifies when no vector is more than 90 degrees away from it.
// When every pair is parallel the vectors themselves and their mean are
// tried instead. The returned pole is the renormalized mean of the
// qualifying candidates, or the zero vector when none qualifies.
func IsHemispherical(vecs []r3.Vector) (bool, r3.Vector) {
	if len(vecs) == 0 {
		return false, r3.Vector{}
	}

	var sum r3.Vector
	found, degenerate := 0, true
	for i := range vecs {
		for j := range vecs {
			if i == j {
				continue
			}
			c := vecs[i].Cross(vecs[j])
			n := c.Norm()
			if n < crossNormEpsilon {
				continue
			}
			degenerate = false
			c = c.Mul(1 / n)
			if coversAll(c, vecs) {
				sum = sum.Add(c)
				found++
			}
		}
	}

	if degenerate {
		return collinear(vecs)
	}
	if found == 0 {
		return false, r3.Vector{}
	}
	if sum.Norm() == 0 {
		// Antipodal candidates cancel out: the vectors sit on a great circle.
		return true, r3.Vector{}
	}
	return true, sum.Normalize()
}

func coversAll(pole r3.Vector, vecs []r3.Vector) bool {
	for _, v := range vecs {
		if pole.Dot(v) < -hemisphereSlack {
			return false
		}
	}
	return true
}

// collinear handles vectors lying on one line. They share a hemisphere
// around their mean direction, or around the equator when they point both
// ways along the line.
func collinear(vecs []r3.Vector) (bool, r3.Vector) {
	var mean r3.Vector
	for _, v := range vecs {
		mean = mean.Add(v.Normalize())
	}
	candidates := append([]r3.Vector{mean.Normalize()}, vecs...)
	for _, c := range candidates {
		if c.Norm() < crossNormEpsilon {
			continue
		}
		c = c.Normalize()
		if coversAll(c, vecs) {
			return true, c
		}
	}
	// Opposite directions: any pole on the great circle orthogonal to the
	// line has every vector on its boundary.
	return true, r3.Vector{}
}
