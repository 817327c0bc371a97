package fieldmap

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// PhaseEncoding is a phase-encoding axis (0=i, 1=j, 2=k) and polarity.
type PhaseEncoding struct {
	Axis int
	Sign int
}

// ParsePhaseEncoding parses a BIDS PhaseEncodingDirection such as "j-".
func ParsePhaseEncoding(s string) (PhaseEncoding, error) {
	axis := strings.TrimSuffix(s, "-")
	pe := PhaseEncoding{Sign: 1}
	if axis != s {
		pe.Sign = -1
	}
	switch axis {
	case "i":
		pe.Axis = 0
	case "j":
		pe.Axis = 1
	case "k":
		pe.Axis = 2
	default:
		return PhaseEncoding{}, fmt.Errorf("invalid phase-encoding direction %q (want one of i, i-, j, j-, k, k-)", s)
	}
	return pe, nil
}

// String returns the BIDS form of pe.
func (pe PhaseEncoding) String() string {
	s := string("ijk"[pe.Axis])
	if pe.Sign < 0 {
		s += "-"
	}
	return s
}

// Opposite reports whether pe and other share an axis with reversed polarity.
func (pe PhaseEncoding) Opposite(other PhaseEncoding) bool {
	return pe.Axis == other.Axis && pe.Sign == -other.Sign
}

// Row is one acquisition-parameter line: the phase-encoding unit vector and
// the total readout time in seconds.
type Row [4]float64

// NewRow builds the row of an acquisition.
func NewRow(pe PhaseEncoding, totalReadout float64) Row {
	var r Row
	r[pe.Axis] = float64(pe.Sign)
	r[3] = totalReadout
	return r
}

// String formats the row as "px py pz t".
func (r Row) String() string {
	return fmt.Sprintf("%d %d %d %s", int(r[0]), int(r[1]), int(r[2]), strconv.FormatFloat(r[3], 'g', -1, 64))
}

// Floats returns the row as a slice, the form stage parameters carry.
func (r Row) Floats() []float64 { return r[:] }

// RowFromFloats converts a stage parameter back into a row, checking its
// shape and the phase-encoding entries.
func RowFromFloats(v []float64) (Row, error) {
	var r Row
	if len(v) != 4 {
		return r, fmt.Errorf("acquisition row needs 4 values, got %d", len(v))
	}
	copy(r[:], v)
	nonzero := 0
	for _, p := range r[:3] {
		switch p {
		case 0:
		case 1, -1:
			nonzero++
		default:
			return r, fmt.Errorf("acquisition row %v: phase-encoding entries must be -1, 0 or 1", v)
		}
	}
	if nonzero != 1 {
		return r, fmt.Errorf("acquisition row %v: exactly one phase-encoding entry must be set", v)
	}
	if r[3] <= 0 {
		return r, fmt.Errorf("acquisition row %v: readout time must be positive", v)
	}
	return r, nil
}

// WriteRows writes rows in the acqp text format, one per line.
func WriteRows(w io.Writer, rows []Row) error {
	bw := bufio.NewWriter(w)
	for _, r := range rows {
		if _, err := fmt.Fprintln(bw, r.String()); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// WriteIndex writes n copies of the 1-based row number on one line.
func WriteIndex(w io.Writer, row, n int) error {
	fields := make([]string, n)
	for i := range fields {
		fields[i] = strconv.Itoa(row)
	}
	_, err := fmt.Fprintln(w, strings.Join(fields, " "))
	return err
}
