package remoteface

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/facematch/internal/face"
)

const backendName = "remote"

// Indexes into a wire-format bounding region.
const (
	indexTop = iota
	indexRight
	indexBottom
	indexLeft
)

const maxErrorBody = 4 * 1024

// detectionResponse mirrors the detection service's wire format: one
// bounding region per face as [top, right, bottom, left], matched
// index-for-index with a 128-element encoding.
type detectionResponse struct {
	Locations [][4]int    `json:"locations"`
	Encodings [][]float64 `json:"encodings"`
}

// Backend calls an external detection and encoding service over HTTP. It
// holds no mutable inference state and is safe for concurrent use.
type Backend struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

// New builds a backend talking to the service at baseURL.
func New(baseURL string, logger *zap.Logger) *Backend {
	return &Backend{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
		logger:  logger.Named("remoteface"),
	}
}

// Detect implements face.Detector.
func (b *Backend) Detect(ctx context.Context, img []byte) ([]face.Location, error) {
	resp, err := b.post(ctx, img)
	if err != nil {
		return nil, err
	}
	locations := make([]face.Location, 0, len(resp.Locations))
	for _, loc := range resp.Locations {
		locations = append(locations, toRectangle(loc))
	}
	return locations, nil
}

// Encode implements face.Encoder.
func (b *Backend) Encode(ctx context.Context, img []byte) ([]face.Face, error) {
	resp, err := b.post(ctx, img)
	if err != nil {
		return nil, err
	}
	if len(resp.Locations) != len(resp.Encodings) {
		return nil, &face.ModelError{
			Backend: backendName,
			Err:     fmt.Errorf("%d locations but %d encodings", len(resp.Locations), len(resp.Encodings)),
		}
	}

	faces := make([]face.Face, 0, len(resp.Locations))
	for i, loc := range resp.Locations {
		enc, err := face.NewFromSlice(resp.Encodings[i])
		if err != nil {
			return nil, &face.ModelError{Backend: backendName, Err: err}
		}
		faces = append(faces, face.Face{
			Location: toRectangle(loc),
			Encoding: enc,
		})
	}
	return faces, nil
}

func (b *Backend) post(ctx context.Context, img []byte) (*detectionResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/v1/detect", bytes.NewReader(img))
	if err != nil {
		return nil, &face.ModelError{Backend: backendName, Err: err}
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	res, err := b.client.Do(req)
	if err != nil {
		return nil, &face.ModelError{Backend: backendName, Err: err}
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
		b.logger.Warn("detection service returned an error",
			zap.Int("status", res.StatusCode),
			zap.ByteString("body", body))
		return nil, &face.ModelError{
			Backend: backendName,
			Err:     fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body))),
		}
	}

	var parsed detectionResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, &face.ModelError{Backend: backendName, Err: fmt.Errorf("decode response: %w", err)}
	}
	return &parsed, nil
}

func toRectangle(loc [4]int) image.Rectangle {
	return image.Rect(loc[indexLeft], loc[indexTop], loc[indexRight], loc[indexBottom])
}
