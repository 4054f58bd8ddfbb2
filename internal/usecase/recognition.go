package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/facematch/internal/face"
	"github.com/example/facematch/internal/imageprep"
	"github.com/example/facematch/internal/logging"
	"github.com/example/facematch/internal/repository"
)

var (
	// ErrNoFace is returned when an image contains no detectable face.
	ErrNoFace = errors.New("no face found in image")
	// ErrMultipleFaces is returned when an image contains more than one face.
	ErrMultipleFaces = errors.New("more than one face found in image")
	// ErrInvalidImage is returned when an upload cannot be decoded as an image.
	ErrInvalidImage = errors.New("image could not be decoded")
)

// FaceRepository defines the persistence operations needed by the use case.
type FaceRepository interface {
	SaveFace(ctx context.Context, record *repository.FaceRecord) error
	FindByFaceID(ctx context.Context, faceID, userID string) (*repository.FaceRecord, error)
	ListByUser(ctx context.Context, userID string) ([]*repository.FaceRecord, error)
	DeleteFace(ctx context.Context, faceID, userID string) error
	SaveIdentifyLog(ctx context.Context, log *repository.IdentifyLog) error
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// RecognitionUseCase encapsulates business logic for enrollment and
// identification.
type RecognitionUseCase struct {
	repo           FaceRepository
	cache          Cache
	encoder        face.Encoder
	logger         *zap.Logger
	tolerance      float64
	cacheTTL       time.Duration
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewRecognitionUseCase constructs a new use case instance.
func NewRecognitionUseCase(repo FaceRepository, cache Cache, encoder face.Encoder, logger *zap.Logger) *RecognitionUseCase {
	return &RecognitionUseCase{
		repo:           repo,
		cache:          cache,
		encoder:        encoder,
		logger:         logger.Named("recognition_usecase"),
		tolerance:      face.DefaultTolerance,
		cacheTTL:       5 * time.Minute,
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// EnrollResult describes a newly enrolled face.
type EnrollResult struct {
	FaceID    string        `json:"face_id"`
	Label     string        `json:"label"`
	Location  face.Location `json:"location"`
	CreatedAt time.Time     `json:"created_at"`
}

// IdentifyResult describes the outcome of matching a probe image against a
// user's enrolled faces. Distances holds the probe's distance to every
// candidate, in enrollment order.
type IdentifyResult struct {
	RequestID  string    `json:"request_id"`
	Matched    bool      `json:"matched"`
	FaceID     string    `json:"face_id,omitempty"`
	Label      string    `json:"label,omitempty"`
	Distance   float64   `json:"distance"`
	Tolerance  float64   `json:"tolerance"`
	Candidates int       `json:"candidates"`
	Distances  []float64 `json:"distances"`
}

// CompareResult describes the distance between the faces in two images.
type CompareResult struct {
	Distance  float64 `json:"distance"`
	Match     bool    `json:"match"`
	Tolerance float64 `json:"tolerance"`
}

type cachedFace struct {
	FaceID    string    `json:"face_id"`
	UserID    string    `json:"user_id"`
	Label     string    `json:"label"`
	Encoding  []byte    `json:"encoding"`
	RectX1    int       `json:"rect_x1"`
	RectY1    int       `json:"rect_y1"`
	RectX2    int       `json:"rect_x2"`
	RectY2    int       `json:"rect_y2"`
	CreatedAt time.Time `json:"created_at"`
}

// Enroll prepares the images, computes their encodings, and persists the
// face for later identification. Each image must contain exactly one face;
// supplying several shots of the same person averages their encodings into
// the stored one. The recorded bounding box comes from the first shot.
func (uc *RecognitionUseCase) Enroll(ctx context.Context, userID, label string, images [][]byte) (*EnrollResult, error) {
	faceID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.enroll", faceID)

	encodings := make([]face.Encoding, 0, len(images))
	var location face.Location
	for i, imageBytes := range images {
		found, err := uc.encodeSingle(ctx, faceID, imageBytes)
		if err != nil {
			return nil, err
		}
		if i == 0 {
			location = found.Location
		}
		encodings = append(encodings, found.Encoding)
	}

	encoding, err := face.Average(encodings)
	if err != nil {
		return nil, logging.NewOperationError("usecase.enroll", faceID, err)
	}

	record := &repository.FaceRecord{
		FaceID:    faceID,
		UserID:    userID,
		Label:     label,
		RectX1:    location.Min.X,
		RectY1:    location.Min.Y,
		RectX2:    location.Max.X,
		RectY2:    location.Max.Y,
		CreatedAt: time.Now().UTC(),
	}
	record.SetEncoding(encoding)

	if err := uc.repo.SaveFace(ctx, record); err != nil {
		opLogger.Error("failed to persist enrolled face", zap.Error(err))
		return nil, err
	}

	uc.cacheFace(ctx, record)

	opLogger.Info("face enrolled",
		zap.String("user_id", userID),
		zap.String("label", label))

	return &EnrollResult{
		FaceID:    record.FaceID,
		Label:     record.Label,
		Location:  location,
		CreatedAt: record.CreatedAt,
	}, nil
}

// Identify matches a probe image against the user's enrolled faces. A
// non-positive tolerance selects face.DefaultTolerance.
func (uc *RecognitionUseCase) Identify(ctx context.Context, userID string, imageBytes []byte, tolerance float64) (*IdentifyResult, error) {
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.identify", requestID)
	if tolerance <= 0 {
		tolerance = uc.tolerance
	}

	probe, err := uc.encodeSingle(ctx, requestID, imageBytes)
	if err != nil {
		return nil, err
	}

	records, err := uc.repo.ListByUser(ctx, userID)
	if err != nil {
		opLogger.Error("failed to load enrolled faces", zap.Error(err))
		return nil, err
	}

	known := make([]face.Encoding, 0, len(records))
	candidates := make([]*repository.FaceRecord, 0, len(records))
	for _, record := range records {
		enc, err := record.DecodeEncoding()
		if err != nil {
			opLogger.Warn("skipping face with corrupt encoding",
				zap.String("face_id", record.FaceID), zap.Error(err))
			continue
		}
		known = append(known, enc)
		candidates = append(candidates, record)
	}

	distances := face.Distances(known, probe.Encoding)
	idx, distance := face.BestMatch(known, probe.Encoding, tolerance)
	result := &IdentifyResult{
		RequestID:  requestID,
		Matched:    idx >= 0,
		Distance:   distance,
		Tolerance:  tolerance,
		Candidates: len(known),
		Distances:  distances,
	}
	if idx >= 0 {
		result.FaceID = candidates[idx].FaceID
		result.Label = candidates[idx].Label
	}

	log := &repository.IdentifyLog{
		RequestID: requestID,
		UserID:    userID,
		Matched:   result.Matched,
		FaceID:    result.FaceID,
		Distance:  result.Distance,
		CreatedAt: time.Now().UTC(),
	}
	if err := uc.repo.SaveIdentifyLog(ctx, log); err != nil {
		opLogger.Error("failed to persist identify log", zap.Error(err))
		return nil, err
	}

	serialized, err := json.Marshal(result)
	if err != nil {
		opLogger.Error("failed to serialize identify result", zap.Error(err))
		return nil, err
	}
	if err := uc.withRedisRetry(ctx, requestID, "cache.set.identify", func() error {
		return uc.cache.Set(ctx, identifyCacheKey(requestID), string(serialized), uc.cacheTTL)
	}); err != nil {
		opLogger.Warn("failed to cache identify result", zap.Error(err))
	}

	return result, nil
}

// Compare encodes the single face in each image and reports their distance.
// The default tolerance decides the match verdict when tolerance is not
// positive.
func (uc *RecognitionUseCase) Compare(ctx context.Context, imageA, imageB []byte, tolerance float64) (*CompareResult, error) {
	if tolerance <= 0 {
		tolerance = uc.tolerance
	}

	requestID := uuid.NewString()
	a, err := uc.encodeSingle(ctx, requestID, imageA)
	if err != nil {
		return nil, err
	}
	b, err := uc.encodeSingle(ctx, requestID, imageB)
	if err != nil {
		return nil, err
	}

	distance := a.Encoding.Distance(b.Encoding)
	return &CompareResult{
		Distance:  distance,
		Match:     distance <= tolerance,
		Tolerance: tolerance,
	}, nil
}

// GetFace retrieves an enrolled face, preferring the cache.
func (uc *RecognitionUseCase) GetFace(ctx context.Context, userID, faceID string) (*repository.FaceRecord, error) {
	cacheKey := faceCacheKey(faceID)
	if cached, err := uc.withRedisGet(ctx, faceID, "cache.get.face", cacheKey); err == nil {
		var payload cachedFace
		if err := json.Unmarshal([]byte(cached), &payload); err != nil {
			logging.WithOperation(uc.logger, "usecase.get_face", faceID).Warn("failed to decode cached face", zap.Error(err))
		} else if payload.UserID == userID {
			return &repository.FaceRecord{
				FaceID:    payload.FaceID,
				UserID:    payload.UserID,
				Label:     payload.Label,
				Encoding:  payload.Encoding,
				RectX1:    payload.RectX1,
				RectY1:    payload.RectY1,
				RectX2:    payload.RectX2,
				RectY2:    payload.RectY2,
				CreatedAt: payload.CreatedAt,
			}, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		logging.WithOperation(uc.logger, "usecase.get_face", faceID).Warn("failed to read cache", zap.Error(err))
	}

	return uc.repo.FindByFaceID(ctx, faceID, userID)
}

// DeleteFace removes an enrolled face and drops its cache entry.
func (uc *RecognitionUseCase) DeleteFace(ctx context.Context, userID, faceID string) error {
	if err := uc.repo.DeleteFace(ctx, faceID, userID); err != nil {
		return err
	}
	if err := uc.cache.Del(ctx, faceCacheKey(faceID)); err != nil {
		logging.WithOperation(uc.logger, "usecase.delete_face", faceID).Warn("failed to drop cache entry", zap.Error(err))
	}
	return nil
}

// encodeSingle prepares an image, runs the encoder, and enforces the
// exactly-one-face policy shared by enroll, identify, and compare.
func (uc *RecognitionUseCase) encodeSingle(ctx context.Context, requestID string, imageBytes []byte) (*face.Face, error) {
	opLogger := logging.WithOperation(uc.logger, "usecase.encode_image", requestID)

	prepared, err := imageprep.Prepare(imageBytes)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.prepare_image", requestID,
			fmt.Errorf("%w: %v", ErrInvalidImage, err))
		opLogger.Warn("failed to prepare image", zap.Error(wrapped))
		return nil, wrapped
	}

	found, err := uc.encoder.Encode(ctx, prepared)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.encode_face", requestID, err)
		opLogger.Error("encoding backend failed", zap.Error(wrapped))
		return nil, wrapped
	}

	switch len(found) {
	case 0:
		return nil, ErrNoFace
	case 1:
		return &found[0], nil
	default:
		return nil, ErrMultipleFaces
	}
}

func (uc *RecognitionUseCase) cacheFace(ctx context.Context, record *repository.FaceRecord) {
	payload := cachedFace{
		FaceID:    record.FaceID,
		UserID:    record.UserID,
		Label:     record.Label,
		Encoding:  record.Encoding,
		RectX1:    record.RectX1,
		RectY1:    record.RectY1,
		RectX2:    record.RectX2,
		RectY2:    record.RectY2,
		CreatedAt: record.CreatedAt,
	}
	serialized, err := json.Marshal(payload)
	if err != nil {
		uc.logger.Warn("failed to serialize face for cache", zap.Error(err))
		return
	}
	if err := uc.withRedisRetry(ctx, record.FaceID, "cache.set.face", func() error {
		return uc.cache.Set(ctx, faceCacheKey(record.FaceID), string(serialized), uc.cacheTTL)
	}); err != nil {
		uc.logger.Warn("failed to cache enrolled face", zap.Error(err))
	}
}

func faceCacheKey(faceID string) string {
	return fmt.Sprintf("face:%s", faceID)
}

func identifyCacheKey(requestID string) string {
	return fmt.Sprintf("identify:%s", requestID)
}

func (uc *RecognitionUseCase) withRedisRetry(ctx context.Context, requestID, operation string, fn func() error) error {
	if uc.retryAttempts <= 1 {
		return logging.NewOperationError(operation, requestID, fn())
	}

	backoff := uc.initialBackoff
	opLogger := logging.WithOperation(uc.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < uc.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= uc.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("redis operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		// A cache miss is a normal outcome, not a failure worth retrying
		// or logging.
		if errors.Is(err, redis.Nil) {
			return logging.NewOperationError(operation, requestID, err)
		}

		if !logging.IsTransient(err) || attempt == uc.retryAttempts-1 {
			opLogger.Error("redis operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

func (uc *RecognitionUseCase) withRedisGet(ctx context.Context, requestID, operation, cacheKey string) (string, error) {
	var result string
	err := uc.withRedisRetry(ctx, requestID, operation, func() error {
		value, err := uc.cache.Get(ctx, cacheKey)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
}
