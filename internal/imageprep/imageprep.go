package imageprep

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"

	"github.com/nfnt/resize"
)

// MaxDimension bounds the longer side of an image fed to inference. Larger
// uploads are downscaled to keep model latency predictable.
const MaxDimension = 1920

// jpegQuality matches the quality used for stored thumbnails.
const jpegQuality = 90

// Prepare decodes an uploaded image, downscales it if either side exceeds
// MaxDimension, and re-encodes it as JPEG. The vision backends accept JPEG
// input only, so even in-bounds images are re-encoded.
func Prepare(data []byte) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	size := img.Bounds().Size()
	if size.X > MaxDimension || size.Y > MaxDimension {
		img = resize.Thumbnail(MaxDimension, MaxDimension, img, resize.Lanczos3)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("encode image: %w", err)
	}
	return buf.Bytes(), nil
}
