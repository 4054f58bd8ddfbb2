package face

import (
	"errors"
	"math"
	"testing"
)

func TestScalarEncodingEqualsItself(t *testing.T) {
	for _, scalar := range []float64{0, 1, -3.25, 0.6} {
		enc := NewFromScalar(scalar)
		dup := enc
		if enc != dup {
			t.Fatalf("encoding from scalar %v not equal to its copy", scalar)
		}
		if d := enc.Distance(enc); d != 0 {
			t.Fatalf("self distance for scalar %v: got %v, want 0", scalar, d)
		}
	}
}

func TestScalarEncodingsDiffer(t *testing.T) {
	a := NewFromScalar(0)
	b := NewFromScalar(1)

	if a == b {
		t.Fatal("encodings from different scalars compare equal")
	}
	if got, want := a.Distance(b), math.Sqrt(128); got != want {
		t.Fatalf("distance between scalar 0 and scalar 1: got %v, want %v", got, want)
	}
}

func TestDistanceIsSymmetric(t *testing.T) {
	var elemsA, elemsB [Size]float64
	for i := range elemsA {
		elemsA[i] = float64(i) * 0.01
		elemsB[i] = float64(Size-i) * 0.02
	}
	a := New(elemsA)
	b := New(elemsB)

	if a.Distance(b) != b.Distance(a) {
		t.Fatalf("distance not symmetric: %v vs %v", a.Distance(b), b.Distance(a))
	}
	if d := a.Distance(a); d != 0 {
		t.Fatalf("self distance: got %v, want 0", d)
	}
}

func TestElementRoundTrip(t *testing.T) {
	var elems [Size]float64
	for i := range elems {
		elems[i] = float64(i)
	}

	enc := New(elems)
	got := enc.Elements()
	if len(got) != Size {
		t.Fatalf("expected %d elements, got %d", Size, len(got))
	}
	for i, v := range got {
		if v != elems[i] {
			t.Fatalf("element %d: got %v, want %v", i, v, elems[i])
		}
	}
	if enc[0] != 0 || enc[Size-1] != float64(Size-1) {
		t.Fatalf("indexed lookup mismatch: first=%v last=%v", enc[0], enc[Size-1])
	}
}

func TestSingleElementDifferenceBreaksEquality(t *testing.T) {
	var elems [Size]float64
	a := New(elems)
	elems[73] = 1e-9
	b := New(elems)

	if a == b {
		t.Fatal("encodings differing at one element compare equal")
	}
}

func TestNewFromSliceValidatesLength(t *testing.T) {
	for _, n := range []int{0, 1, 127, 129, 256} {
		_, err := NewFromSlice(make([]float64, n))
		if err == nil {
			t.Fatalf("expected error for length %d, got nil", n)
		}
		var dimErr *InvalidDimensionError
		if !errors.As(err, &dimErr) {
			t.Fatalf("expected InvalidDimensionError, got %T", err)
		}
		if dimErr.Len != n {
			t.Fatalf("error reports length %d, want %d", dimErr.Len, n)
		}
	}

	elems := make([]float64, Size)
	elems[5] = 2.5
	enc, err := NewFromSlice(elems)
	if err != nil {
		t.Fatalf("expected success for length %d, got %v", Size, err)
	}
	if enc[5] != 2.5 {
		t.Fatalf("element 5: got %v, want 2.5", enc[5])
	}
}

func TestBinaryRoundTrip(t *testing.T) {
	var elems [Size]float64
	for i := range elems {
		elems[i] = float64(i) * -1.5
	}
	enc := New(elems)

	data, err := enc.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if len(data) != EncodedSize {
		t.Fatalf("blob is %d bytes, want %d", len(data), EncodedSize)
	}

	var restored Encoding
	if err := restored.UnmarshalBinary(data); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if restored != enc {
		t.Fatal("restored encoding differs from original")
	}

	if err := restored.UnmarshalBinary(data[:EncodedSize-1]); err == nil {
		t.Fatal("expected error for truncated blob, got nil")
	}
}
