package face

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Size is the dimensionality of a face encoding.
const Size = 128

// EncodedSize is the length in bytes of a binary-marshalled encoding.
const EncodedSize = Size * 8

// DefaultTolerance is the conventional Euclidean distance below which two
// encodings are considered to describe the same person. Identity matching is
// always threshold-based and left to the caller; equality between encodings
// stays exact.
const DefaultTolerance = 0.6

// Encoding is a 128-dimensional face embedding produced by an encoding
// model. It is a plain value type: copies are independent, == compares all
// elements exactly, and elements are read by index without copying.
type Encoding [Size]float64

// New builds an encoding from exactly Size elements. It cannot fail; length
// mismatches are impossible by construction.
func New(elements [Size]float64) Encoding {
	return Encoding(elements)
}

// NewFromSlice builds an encoding from a variable-length source. It fails
// with *InvalidDimensionError unless the source holds exactly Size elements.
func NewFromSlice(elements []float64) (Encoding, error) {
	if len(elements) != Size {
		return Encoding{}, &InvalidDimensionError{Len: len(elements)}
	}
	var e Encoding
	copy(e[:], elements)
	return e, nil
}

// NewFromScalar fills every position with the same value. Useful for
// exercising distance math in tests, not for real embeddings.
func NewFromScalar(scalar float64) Encoding {
	var e Encoding
	for i := range e {
		e[i] = scalar
	}
	return e
}

// Distance returns the Euclidean distance between two encodings. It is
// symmetric and zero exactly when the encodings are equal.
func (e Encoding) Distance(other Encoding) float64 {
	var sum float64
	for i := range e {
		d := e[i] - other[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

// Elements returns the ordered element values as a fresh slice.
func (e Encoding) Elements() []float64 {
	out := make([]float64, Size)
	copy(out, e[:])
	return out
}

// MarshalBinary packs the elements as little-endian IEEE-754 bits, the
// format used for the persisted encoding blob.
func (e Encoding) MarshalBinary() ([]byte, error) {
	buf := make([]byte, EncodedSize)
	for i, v := range e {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(v))
	}
	return buf, nil
}

// UnmarshalBinary restores an encoding packed by MarshalBinary.
func (e *Encoding) UnmarshalBinary(data []byte) error {
	if len(data) != EncodedSize {
		return fmt.Errorf("face: encoding blob is %d bytes, want %d", len(data), EncodedSize)
	}
	for i := range e {
		e[i] = math.Float64frombits(binary.LittleEndian.Uint64(data[i*8:]))
	}
	return nil
}
