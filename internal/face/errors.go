package face

import "fmt"

// InvalidDimensionError reports encoding construction from a source whose
// length is not exactly Size.
type InvalidDimensionError struct {
	Len int
}

// Error implements the error interface.
func (e *InvalidDimensionError) Error() string {
	return fmt.Sprintf("face: encoding requires %d elements, got %d", Size, e.Len)
}

// ModelError wraps a failure reported by an external vision backend. The
// cause is an opaque diagnostic; callers propagate it, they do not interpret
// or recover from it.
type ModelError struct {
	Backend string
	Err     error
}

// Error implements the error interface.
func (e *ModelError) Error() string {
	return fmt.Sprintf("face: %s backend: %v", e.Backend, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *ModelError) Unwrap() error {
	return e.Err
}
