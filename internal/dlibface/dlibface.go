package dlibface

import (
	"context"
	"errors"
	"sync"

	goface "github.com/Kagami/go-face"
	"go.uber.org/zap"

	"github.com/example/facematch/internal/face"
)

const backendName = "dlib"

var errClosed = errors.New("recognizer is closed")

// Backend runs detection and encoding in-process through the dlib binding.
// The native recognizer reuses internal inference buffers, so a Backend
// serializes calls on a mutex; callers wanting parallel inference hold one
// Backend per worker.
type Backend struct {
	mu     sync.Mutex
	rec    *goface.Recognizer
	logger *zap.Logger
}

// New loads the pre-trained detection and encoding model artifacts from
// modelsDir.
func New(modelsDir string, logger *zap.Logger) (*Backend, error) {
	rec, err := goface.NewRecognizer(modelsDir)
	if err != nil {
		return nil, &face.ModelError{Backend: backendName, Err: err}
	}
	logger.Info("dlib models loaded", zap.String("models_dir", modelsDir))
	return &Backend{rec: rec, logger: logger.Named("dlibface")}, nil
}

// Close releases the native model handle. The backend is unusable afterwards.
func (b *Backend) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.rec != nil {
		b.rec.Close()
		b.rec = nil
	}
}

// Detect implements face.Detector.
func (b *Backend) Detect(ctx context.Context, img []byte) ([]face.Location, error) {
	found, err := b.recognize(ctx, img)
	if err != nil {
		return nil, err
	}
	locations := make([]face.Location, 0, len(found))
	for _, f := range found {
		locations = append(locations, f.Rectangle)
	}
	return locations, nil
}

// Encode implements face.Encoder. Descriptors come back from dlib as 128
// float32 values and widen to the float64 encoding.
func (b *Backend) Encode(ctx context.Context, img []byte) ([]face.Face, error) {
	found, err := b.recognize(ctx, img)
	if err != nil {
		return nil, err
	}
	faces := make([]face.Face, 0, len(found))
	for _, f := range found {
		var elements [face.Size]float64
		for i, v := range f.Descriptor {
			elements[i] = float64(v)
		}
		faces = append(faces, face.Face{
			Location: f.Rectangle,
			Encoding: face.New(elements),
		})
	}
	return faces, nil
}

func (b *Backend) recognize(ctx context.Context, img []byte) ([]goface.Face, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.rec == nil {
		return nil, &face.ModelError{Backend: backendName, Err: errClosed}
	}
	found, err := b.rec.Recognize(img)
	if err != nil {
		return nil, &face.ModelError{Backend: backendName, Err: err}
	}
	return found, nil
}
