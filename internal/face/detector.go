package face

import (
	"context"
	"image"
)

// Location is the bounding region of a detected face in image coordinates.
type Location = image.Rectangle

// Face pairs a located face with its encoding.
type Face struct {
	Location Location
	Encoding Encoding
}

// Detector locates faces in an encoded image (JPEG bytes). Implementations
// may keep mutable scratch state such as reused inference buffers; whether a
// single instance tolerates concurrent calls is documented per backend.
type Detector interface {
	Detect(ctx context.Context, img []byte) ([]Location, error)
}

// Encoder locates faces and computes an encoding for each. Every returned
// face carries a complete 128-element encoding; partial results are never
// produced. Failures surface as *ModelError.
type Encoder interface {
	Encode(ctx context.Context, img []byte) ([]Face, error)
}
