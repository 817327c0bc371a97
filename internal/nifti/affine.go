package nifti

import "math"

// Affine returns the voxel-to-world (RAS+ mm) matrix. The sform wins when
// its code is set, then the qform, then a plain pixdim scaling.
func (img *Image) Affine() [4][4]float64 {
	h := &img.Header
	switch {
	case h.SformCode > 0:
		var m [4][4]float64
		for j := 0; j < 4; j++ {
			m[0][j] = float64(h.SrowX[j])
			m[1][j] = float64(h.SrowY[j])
			m[2][j] = float64(h.SrowZ[j])
		}
		m[3][3] = 1
		return m
	case h.QformCode > 0:
		return quaternToMat(h)
	}
	var m [4][4]float64
	for i := 0; i < 3; i++ {
		m[i][i] = float64(h.Pixdim[i+1])
		if m[i][i] == 0 {
			m[i][i] = 1
		}
	}
	m[3][3] = 1
	return m
}

// SetAffine stores m in both the sform and the qform (aligned, code 1) and
// updates the spatial pixdims to the column norms of m.
func (img *Image) SetAffine(m [4][4]float64) {
	h := &img.Header
	h.SformCode, h.QformCode = 1, 1
	for j := 0; j < 4; j++ {
		h.SrowX[j] = float32(m[0][j])
		h.SrowY[j] = float32(m[1][j])
		h.SrowZ[j] = float32(m[2][j])
	}
	matToQuatern(h, m)
}

func quaternToMat(h *Header) [4][4]float64 {
	b, c, d := float64(h.QuaternB), float64(h.QuaternC), float64(h.QuaternD)
	a := 1 - (b*b + c*c + d*d)
	if a < 1e-7 {
		s := 1 / math.Sqrt(b*b+c*c+d*d)
		b, c, d = b*s, c*s, d*s
		a = 0
	} else {
		a = math.Sqrt(a)
	}

	dx, dy, dz := float64(h.Pixdim[1]), float64(h.Pixdim[2]), float64(h.Pixdim[3])
	if dx <= 0 {
		dx = 1
	}
	if dy <= 0 {
		dy = 1
	}
	if dz <= 0 {
		dz = 1
	}
	if h.Pixdim[0] < 0 {
		dz = -dz
	}

	var m [4][4]float64
	m[0][0] = (a*a + b*b - c*c - d*d) * dx
	m[0][1] = 2 * (b*c - a*d) * dy
	m[0][2] = 2 * (b*d + a*c) * dz
	m[1][0] = 2 * (b*c + a*d) * dx
	m[1][1] = (a*a + c*c - b*b - d*d) * dy
	m[1][2] = 2 * (c*d - a*b) * dz
	m[2][0] = 2 * (b*d - a*c) * dx
	m[2][1] = 2 * (c*d + a*b) * dy
	m[2][2] = (a*a + d*d - c*c - b*b) * dz
	m[0][3] = float64(h.QoffsetX)
	m[1][3] = float64(h.QoffsetY)
	m[2][3] = float64(h.QoffsetZ)
	m[3][3] = 1
	return m
}

// matToQuatern fills the qform fields from an affine whose 3x3 block is a
// rotation times a diagonal scaling.
func matToQuatern(h *Header, m [4][4]float64) {
	var r [3][3]float64
	var zooms [3]float64
	for j := 0; j < 3; j++ {
		n := math.Sqrt(m[0][j]*m[0][j] + m[1][j]*m[1][j] + m[2][j]*m[2][j])
		if n == 0 {
			n = 1
		}
		zooms[j] = n
		for i := 0; i < 3; i++ {
			r[i][j] = m[i][j] / n
		}
	}

	det := r[0][0]*(r[1][1]*r[2][2]-r[1][2]*r[2][1]) -
		r[0][1]*(r[1][0]*r[2][2]-r[1][2]*r[2][0]) +
		r[0][2]*(r[1][0]*r[2][1]-r[1][1]*r[2][0])
	qfac := 1.0
	if det < 0 {
		qfac = -1
		for i := 0; i < 3; i++ {
			r[i][2] = -r[i][2]
		}
	}

	var a, b, c, d float64
	trace := r[0][0] + r[1][1] + r[2][2] + 1
	if trace > 0.5 {
		a = 0.5 * math.Sqrt(trace)
		b = 0.25 * (r[2][1] - r[1][2]) / a
		c = 0.25 * (r[0][2] - r[2][0]) / a
		d = 0.25 * (r[1][0] - r[0][1]) / a
	} else {
		xd := 1 + r[0][0] - (r[1][1] + r[2][2])
		yd := 1 + r[1][1] - (r[0][0] + r[2][2])
		zd := 1 + r[2][2] - (r[0][0] + r[1][1])
		switch {
		case xd > 1:
			b = 0.5 * math.Sqrt(xd)
			c = 0.25 * (r[0][1] + r[1][0]) / b
			d = 0.25 * (r[0][2] + r[2][0]) / b
			a = 0.25 * (r[2][1] - r[1][2]) / b
		case yd > 1:
			c = 0.5 * math.Sqrt(yd)
			b = 0.25 * (r[0][1] + r[1][0]) / c
			d = 0.25 * (r[1][2] + r[2][1]) / c
			a = 0.25 * (r[0][2] - r[2][0]) / c
		default:
			d = 0.5 * math.Sqrt(zd)
			b = 0.25 * (r[0][2] + r[2][0]) / d
			c = 0.25 * (r[1][2] + r[2][1]) / d
			a = 0.25 * (r[1][0] - r[0][1]) / d
		}
		if a < 0 {
			b, c, d = -b, -c, -d
		}
	}

	h.QuaternB, h.QuaternC, h.QuaternD = float32(b), float32(c), float32(d)
	h.QoffsetX, h.QoffsetY, h.QoffsetZ = float32(m[0][3]), float32(m[1][3]), float32(m[2][3])
	h.Pixdim[0] = float32(qfac)
	for i := 0; i < 3; i++ {
		h.Pixdim[i+1] = float32(zooms[i])
	}
}
