// Package nifti reads and writes single-file NIfTI-1 images (.nii and .nii.gz).
//
// Only what the pipeline needs is supported: scalar datatypes, sform/qform
// orientation, and no header extensions on write.
package nifti

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Datatype codes (NIFTI_TYPE_*).
const (
	DTUint8   int16 = 2
	DTInt16   int16 = 4
	DTInt32   int16 = 8
	DTFloat32 int16 = 16
	DTFloat64 int16 = 64
	DTInt8    int16 = 256
	DTUint16  int16 = 512
	DTUint32  int16 = 768
	DTInt64   int16 = 1024
	DTUint64  int16 = 1280
)

// Units codes for XYZTUnits.
const (
	UnitsMM  byte = 2
	UnitsSec byte = 8
)

const (
	headerSize    = 348
	singleOffset  = 352
	magicSingle   = "n+1\x00"
	magicPair     = "ni1\x00"
	maxDimensions = 7
)

// ErrNotNifti is returned when a file does not carry a NIfTI-1 header.
var ErrNotNifti = errors.New("not a NIfTI-1 file")

// Header is the on-disk NIfTI-1 header, 348 bytes, field for field.
type Header struct {
	SizeOfHdr      int32
	UnusedDataType [10]byte
	UnusedDbName   [18]byte
	UnusedExtents  int32
	UnusedSession  int16
	UnusedRegular  byte
	DimInfo        byte

	Dim        [8]int16
	IntentP1   float32
	IntentP2   float32
	IntentP3   float32
	IntentCode int16
	Datatype   int16
	Bitpix     int16
	SliceStart int16
	Pixdim     [8]float32
	VoxOffset  float32
	SclSlope   float32
	SclInter   float32
	SliceEnd   int16
	SliceCode  byte
	XYZTUnits  byte
	CalMax     float32
	CalMin     float32
	SliceDur   float32
	TOffset    float32
	UnusedMax  int32
	UnusedMin  int32

	Descrip [80]byte
	AuxFile [24]byte

	QformCode int16
	SformCode int16
	QuaternB  float32
	QuaternC  float32
	QuaternD  float32
	QoffsetX  float32
	QoffsetY  float32
	QoffsetZ  float32

	SrowX [4]float32
	SrowY [4]float32
	SrowZ [4]float32

	IntentName [16]byte
	Magic      [4]byte
}

// decodeHeader reads a header and reports the byte order it was stored in.
// The order is sniffed from SizeOfHdr, which must equal 348.
func decodeHeader(r io.Reader) (*Header, binary.ByteOrder, error) {
	raw := make([]byte, headerSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, nil, fmt.Errorf("reading header: %w", err)
	}

	var order binary.ByteOrder = binary.LittleEndian
	if binary.LittleEndian.Uint32(raw[:4]) != headerSize {
		if binary.BigEndian.Uint32(raw[:4]) != headerSize {
			return nil, nil, ErrNotNifti
		}
		order = binary.BigEndian
	}

	h := &Header{}
	if err := binary.Read(bytes.NewReader(raw), order, h); err != nil {
		return nil, nil, fmt.Errorf("decoding header: %w", err)
	}
	switch string(h.Magic[:]) {
	case magicSingle:
	case magicPair:
		return nil, nil, fmt.Errorf("%w: detached .hdr/.img pairs are not supported", ErrNotNifti)
	default:
		return nil, nil, ErrNotNifti
	}
	if h.Dim[0] < 1 || h.Dim[0] > maxDimensions {
		return nil, nil, fmt.Errorf("invalid dim[0]=%d", h.Dim[0])
	}
	return h, order, nil
}

// NDim returns the number of dimensions, ignoring trailing singleton axes
// beyond the third.
func (h *Header) NDim() int {
	n := int(h.Dim[0])
	for n > 3 && h.Dim[n] <= 1 {
		n--
	}
	return n
}

// Shape returns the extent of each of the dim[0] axes.
func (h *Header) Shape() []int {
	shape := make([]int, h.Dim[0])
	for i := range shape {
		shape[i] = int(h.Dim[i+1])
		if shape[i] < 1 {
			shape[i] = 1
		}
	}
	return shape
}

// NumVolumes returns the extent of the fourth axis, or 1 for 3-D images.
func (h *Header) NumVolumes() int {
	if h.Dim[0] < 4 || h.Dim[4] < 1 {
		return 1
	}
	return int(h.Dim[4])
}

// Description returns the descrip field as a Go string.
func (h *Header) Description() string {
	return strings.TrimRight(string(h.Descrip[:]), "\x00")
}

func bytesPerVoxel(datatype int16) (int, error) {
	switch datatype {
	case DTUint8, DTInt8:
		return 1, nil
	case DTInt16, DTUint16:
		return 2, nil
	case DTInt32, DTUint32, DTFloat32:
		return 4, nil
	case DTFloat64, DTInt64, DTUint64:
		return 8, nil
	}
	return 0, fmt.Errorf("unsupported datatype code %d", datatype)
}
