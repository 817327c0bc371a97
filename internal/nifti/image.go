package nifti

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// Image is a decoded NIfTI volume. Data holds scaled voxel values with the
// first axis varying fastest.
type Image struct {
	Header Header
	Data   []float64
}

// New allocates a zero-filled float32 image with the given shape and a 4x4
// voxel-to-world affine.
func New(shape []int, affine [4][4]float64) *Image {
	img := &Image{}
	h := &img.Header
	h.SizeOfHdr = headerSize
	copy(h.Magic[:], magicSingle)
	h.Dim[0] = int16(len(shape))
	n := 1
	for i, s := range shape {
		h.Dim[i+1] = int16(s)
		n *= s
	}
	for i := len(shape) + 1; i < 8; i++ {
		h.Dim[i] = 1
	}
	h.Datatype = DTFloat32
	h.Bitpix = 32
	h.XYZTUnits = UnitsMM | UnitsSec
	h.Pixdim[0] = 1
	for i := 4; i < 8; i++ {
		h.Pixdim[i] = 1
	}
	img.SetAffine(affine)
	img.Data = make([]float64, n)
	return img
}

// Like allocates a zero-filled image sharing ref's geometry but with the
// given shape.
func Like(ref *Image, shape []int) *Image {
	img := New(shape, ref.Affine())
	img.Header.XYZTUnits = ref.Header.XYZTUnits
	if len(shape) > 3 && ref.Header.Dim[0] > 3 {
		img.Header.Pixdim[4] = ref.Header.Pixdim[4]
	}
	return img
}

// Shape returns the extent of each axis.
func (img *Image) Shape() []int { return img.Header.Shape() }

// NumVolumes returns the extent of the fourth axis, or 1.
func (img *Image) NumVolumes() int { return img.Header.NumVolumes() }

// VoxelsPerVolume returns nx*ny*nz.
func (img *Image) VoxelsPerVolume() int {
	s := img.Shape()
	n := 1
	for i := 0; i < 3 && i < len(s); i++ {
		n *= s[i]
	}
	return n
}

// Volume returns the slice of Data backing volume t. The slice aliases Data.
func (img *Image) Volume(t int) []float64 {
	n := img.VoxelsPerVolume()
	return img.Data[t*n : (t+1)*n]
}

// Zooms returns the voxel sizes along the three spatial axes.
func (img *Image) Zooms() [3]float64 {
	return [3]float64{float64(img.Header.Pixdim[1]), float64(img.Header.Pixdim[2]), float64(img.Header.Pixdim[3])}
}

// ReadHeader decodes only the header of a .nii or .nii.gz file.
func ReadHeader(path string) (*Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r, closeFn, err := maybeGunzip(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	defer closeFn()

	h, _, err := decodeHeader(r)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return h, nil
}

// Read decodes a full .nii or .nii.gz image.
func Read(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r, closeFn, err := maybeGunzip(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	defer closeFn()

	h, order, err := decodeHeader(r)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	skip := int64(h.VoxOffset) - headerSize
	if skip < 0 {
		skip = singleOffset - headerSize
	}
	if _, err := io.CopyN(io.Discard, r, skip); err != nil {
		return nil, fmt.Errorf("%s: skipping extensions: %w", path, err)
	}

	nvox := 1
	for _, s := range h.Shape() {
		nvox *= s
	}
	bpv, err := bytesPerVoxel(h.Datatype)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	raw := make([]byte, nvox*bpv)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("%s: reading voxel data: %w", path, err)
	}

	data := decodeVoxels(raw, h.Datatype, order, nvox)
	if slope := float64(h.SclSlope); slope != 0 && !(slope == 1 && h.SclInter == 0) {
		inter := float64(h.SclInter)
		for i := range data {
			data[i] = data[i]*slope + inter
		}
	}
	return &Image{Header: *h, Data: data}, nil
}

// Write encodes the image to path, gzip-compressed when path ends in ".gz".
// Integer datatypes are rounded; extensions are never written.
func Write(path string, img *Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	var w io.Writer = f
	var gz *gzip.Writer
	if strings.HasSuffix(path, ".gz") {
		gz = gzip.NewWriter(f)
		w = gz
	}
	bw := bufio.NewWriter(w)

	werr := encode(bw, img)
	if werr == nil {
		werr = bw.Flush()
	}
	if gz != nil {
		if err := gz.Close(); err != nil && werr == nil {
			werr = err
		}
	}
	if err := f.Close(); err != nil && werr == nil {
		werr = err
	}
	if werr != nil {
		return fmt.Errorf("writing %s: %w", path, werr)
	}
	return nil
}

func encode(w io.Writer, img *Image) error {
	h := img.Header
	if h.Datatype == 0 {
		h.Datatype = DTFloat32
	}
	bpv, err := bytesPerVoxel(h.Datatype)
	if err != nil {
		return err
	}
	h.SizeOfHdr = headerSize
	h.Bitpix = int16(bpv * 8)
	h.VoxOffset = singleOffset
	h.SclSlope, h.SclInter = 1, 0
	copy(h.Magic[:], magicSingle)

	if err := binary.Write(w, binary.LittleEndian, &h); err != nil {
		return err
	}
	// Extension flag: none.
	if _, err := w.Write([]byte{0, 0, 0, 0}); err != nil {
		return err
	}
	return encodeVoxels(w, img.Data, h.Datatype)
}

// SetDatatype changes the on-disk datatype used by Write.
func (img *Image) SetDatatype(dt int16) {
	img.Header.Datatype = dt
}

func maybeGunzip(f *os.File) (io.Reader, func(), error) {
	br := bufio.NewReader(f)
	magic, err := br.Peek(2)
	if err != nil {
		return nil, nil, fmt.Errorf("reading magic: %w", err)
	}
	if magic[0] != 0x1f || magic[1] != 0x8b {
		return br, func() {}, nil
	}
	gz, err := gzip.NewReader(br)
	if err != nil {
		return nil, nil, err
	}
	return gz, func() { gz.Close() }, nil
}

func decodeVoxels(raw []byte, dt int16, order binary.ByteOrder, n int) []float64 {
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		switch dt {
		case DTUint8:
			out[i] = float64(raw[i])
		case DTInt8:
			out[i] = float64(int8(raw[i]))
		case DTInt16:
			out[i] = float64(int16(order.Uint16(raw[i*2:])))
		case DTUint16:
			out[i] = float64(order.Uint16(raw[i*2:]))
		case DTInt32:
			out[i] = float64(int32(order.Uint32(raw[i*4:])))
		case DTUint32:
			out[i] = float64(order.Uint32(raw[i*4:]))
		case DTFloat32:
			out[i] = float64(math.Float32frombits(order.Uint32(raw[i*4:])))
		case DTFloat64:
			out[i] = math.Float64frombits(order.Uint64(raw[i*8:]))
		case DTInt64:
			out[i] = float64(int64(order.Uint64(raw[i*8:])))
		case DTUint64:
			out[i] = float64(order.Uint64(raw[i*8:]))
		}
	}
	return out
}

func encodeVoxels(w io.Writer, data []float64, dt int16) error {
	le := binary.LittleEndian
	bpv, _ := bytesPerVoxel(dt)
	buf := make([]byte, bpv)
	for _, v := range data {
		switch dt {
		case DTUint8:
			buf[0] = byte(clampRound(v, 0, math.MaxUint8))
		case DTInt8:
			buf[0] = byte(int8(clampRound(v, math.MinInt8, math.MaxInt8)))
		case DTInt16:
			le.PutUint16(buf, uint16(int16(clampRound(v, math.MinInt16, math.MaxInt16))))
		case DTUint16:
			le.PutUint16(buf, uint16(clampRound(v, 0, math.MaxUint16)))
		case DTInt32:
			le.PutUint32(buf, uint32(int32(clampRound(v, math.MinInt32, math.MaxInt32))))
		case DTUint32:
			le.PutUint32(buf, uint32(clampRound(v, 0, math.MaxUint32)))
		case DTFloat32:
			le.PutUint32(buf, math.Float32bits(float32(v)))
		case DTFloat64:
			le.PutUint64(buf, math.Float64bits(v))
		case DTInt64:
			le.PutUint64(buf, uint64(int64(math.Round(v))))
		case DTUint64:
			le.PutUint64(buf, uint64(math.Max(0, math.Round(v))))
		}
		if _, err := w.Write(buf); err != nil {
			return err
		}
	}
	return nil
}

func clampRound(v, lo, hi float64) float64 {
	v = math.Round(v)
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
