package usecase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/jpeg"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/example/facematch/internal/face"
	"github.com/example/facematch/internal/logging"
	"github.com/example/facematch/internal/repository"
)

type stubRepository struct {
	savedFaces   []*repository.FaceRecord
	savedLogs    []*repository.IdentifyLog
	listRecords  []*repository.FaceRecord
	listErr      error
	findRecord   *repository.FaceRecord
	findErr      error
	findCalls    int
	deleteErr    error
	deletedFaces []string
	aggregation  *repository.MetricsAggregation
}

func (s *stubRepository) SaveFace(ctx context.Context, record *repository.FaceRecord) error {
	s.savedFaces = append(s.savedFaces, record)
	return nil
}

func (s *stubRepository) FindByFaceID(ctx context.Context, faceID, userID string) (*repository.FaceRecord, error) {
	s.findCalls++
	if s.findErr != nil {
		return nil, s.findErr
	}
	if s.findRecord != nil {
		return s.findRecord, nil
	}
	return nil, repository.ErrNotFound
}

func (s *stubRepository) ListByUser(ctx context.Context, userID string) ([]*repository.FaceRecord, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.listRecords, nil
}

func (s *stubRepository) DeleteFace(ctx context.Context, faceID, userID string) error {
	if s.deleteErr != nil {
		return s.deleteErr
	}
	s.deletedFaces = append(s.deletedFaces, faceID)
	return nil
}

func (s *stubRepository) SaveIdentifyLog(ctx context.Context, log *repository.IdentifyLog) error {
	s.savedLogs = append(s.savedLogs, log)
	return nil
}

func (s *stubRepository) AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error) {
	if s.aggregation != nil {
		return s.aggregation, nil
	}
	return &repository.MetricsAggregation{}, nil
}

type stubCache struct {
	setErrs   []error
	getErrs   []error
	getValues []string
	setKeys   []string
	getKeys   []string
	delKeys   []string
}

func (s *stubCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	s.setKeys = append(s.setKeys, key)
	if len(s.setErrs) == 0 {
		return nil
	}
	err := s.setErrs[0]
	s.setErrs = s.setErrs[1:]
	return err
}

func (s *stubCache) Get(ctx context.Context, key string) (string, error) {
	s.getKeys = append(s.getKeys, key)
	var value string
	if len(s.getValues) > 0 {
		value = s.getValues[0]
		s.getValues = s.getValues[1:]
	}
	var err error
	if len(s.getErrs) > 0 {
		err = s.getErrs[0]
		s.getErrs = s.getErrs[1:]
	}
	return value, err
}

func (s *stubCache) Del(ctx context.Context, key string) error {
	s.delKeys = append(s.delKeys, key)
	return nil
}

type stubEncoder struct {
	queue [][]face.Face
	err   error
	calls int
}

func (s *stubEncoder) Encode(ctx context.Context, img []byte) ([]face.Face, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	if len(s.queue) == 0 {
		return nil, nil
	}
	next := s.queue[0]
	s.queue = s.queue[1:]
	return next, nil
}

func testJPEG(t *testing.T) []byte {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, 32, 32))
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatalf("failed to encode test jpeg: %v", err)
	}
	return buf.Bytes()
}

func enrolledRecord(t *testing.T, faceID, userID, label string, scalar float64) *repository.FaceRecord {
	t.Helper()

	record := &repository.FaceRecord{FaceID: faceID, UserID: userID, Label: label}
	record.SetEncoding(face.NewFromScalar(scalar))
	return record
}

func singleFace(scalar float64) []face.Face {
	return []face.Face{{
		Location: image.Rect(10, 20, 110, 120),
		Encoding: face.NewFromScalar(scalar),
	}}
}

func TestEnrollStoresEncodedFace(t *testing.T) {
	repo := &stubRepository{}
	cache := &stubCache{}
	encoder := &stubEncoder{queue: [][]face.Face{singleFace(0.5)}}
	uc := NewRecognitionUseCase(repo, cache, encoder, zap.NewNop())

	result, err := uc.Enroll(context.Background(), "user-1", "alice", [][]byte{testJPEG(t)})
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if result.FaceID == "" {
		t.Fatal("expected a face id")
	}
	if result.Label != "alice" {
		t.Fatalf("unexpected label: %s", result.Label)
	}
	if want := image.Rect(10, 20, 110, 120); result.Location != want {
		t.Fatalf("location: got %v, want %v", result.Location, want)
	}

	if len(repo.savedFaces) != 1 {
		t.Fatalf("expected 1 saved face, got %d", len(repo.savedFaces))
	}
	stored, err := repo.savedFaces[0].DecodeEncoding()
	if err != nil {
		t.Fatalf("stored encoding does not decode: %v", err)
	}
	if stored != face.NewFromScalar(0.5) {
		t.Fatal("stored encoding differs from the computed one")
	}

	if len(cache.setKeys) == 0 || !strings.HasPrefix(cache.setKeys[0], "face:") {
		t.Fatalf("expected face cache write, got keys %v", cache.setKeys)
	}
}

func TestEnrollRejectsImagesWithoutFaces(t *testing.T) {
	repo := &stubRepository{}
	encoder := &stubEncoder{queue: [][]face.Face{{}}}
	uc := NewRecognitionUseCase(repo, &stubCache{}, encoder, zap.NewNop())

	_, err := uc.Enroll(context.Background(), "user-1", "alice", [][]byte{testJPEG(t)})
	if !errors.Is(err, ErrNoFace) {
		t.Fatalf("expected ErrNoFace, got %v", err)
	}
	if len(repo.savedFaces) != 0 {
		t.Fatalf("expected no saved faces, got %d", len(repo.savedFaces))
	}
}

func TestEnrollRejectsMultipleFaces(t *testing.T) {
	two := append(singleFace(0.1), singleFace(0.2)...)
	encoder := &stubEncoder{queue: [][]face.Face{two}}
	uc := NewRecognitionUseCase(&stubRepository{}, &stubCache{}, encoder, zap.NewNop())

	_, err := uc.Enroll(context.Background(), "user-1", "alice", [][]byte{testJPEG(t)})
	if !errors.Is(err, ErrMultipleFaces) {
		t.Fatalf("expected ErrMultipleFaces, got %v", err)
	}
}

func TestEnrollPropagatesModelError(t *testing.T) {
	encoder := &stubEncoder{err: &face.ModelError{Backend: "dlib", Err: errors.New("inference failed")}}
	uc := NewRecognitionUseCase(&stubRepository{}, &stubCache{}, encoder, zap.NewNop())

	_, err := uc.Enroll(context.Background(), "user-1", "alice", [][]byte{testJPEG(t)})
	if err == nil {
		t.Fatal("expected error, got nil")
	}

	var opErr *logging.OperationError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected OperationError, got %T", err)
	}
	var modelErr *face.ModelError
	if !errors.As(err, &modelErr) {
		t.Fatalf("expected ModelError in chain, got %v", err)
	}
	if modelErr.Backend != "dlib" {
		t.Fatalf("unexpected backend: %s", modelErr.Backend)
	}
}

func TestEnrollRejectsUndecodableImage(t *testing.T) {
	encoder := &stubEncoder{}
	uc := NewRecognitionUseCase(&stubRepository{}, &stubCache{}, encoder, zap.NewNop())

	_, err := uc.Enroll(context.Background(), "user-1", "alice", [][]byte{[]byte("not an image")})
	if !errors.Is(err, ErrInvalidImage) {
		t.Fatalf("expected ErrInvalidImage, got %v", err)
	}
	if encoder.calls != 0 {
		t.Fatalf("encoder should not run on undecodable input, got %d calls", encoder.calls)
	}
}

func TestEnrollAveragesMultipleImages(t *testing.T) {
	repo := &stubRepository{}
	encoder := &stubEncoder{queue: [][]face.Face{singleFace(0), singleFace(1)}}
	uc := NewRecognitionUseCase(repo, &stubCache{}, encoder, zap.NewNop())

	_, err := uc.Enroll(context.Background(), "user-1", "alice", [][]byte{testJPEG(t), testJPEG(t)})
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if encoder.calls != 2 {
		t.Fatalf("expected 2 encoder calls, got %d", encoder.calls)
	}

	if len(repo.savedFaces) != 1 {
		t.Fatalf("expected 1 saved face, got %d", len(repo.savedFaces))
	}
	stored, err := repo.savedFaces[0].DecodeEncoding()
	if err != nil {
		t.Fatalf("stored encoding does not decode: %v", err)
	}
	if stored != face.NewFromScalar(0.5) {
		t.Fatalf("expected averaged encoding, got element %v", stored[0])
	}
}

func TestIdentifyMatchesEnrolledFace(t *testing.T) {
	repo := &stubRepository{listRecords: []*repository.FaceRecord{
		enrolledRecord(t, "face-a", "user-1", "alice", 0.9),
		enrolledRecord(t, "face-b", "user-1", "bob", 0.1),
	}}
	cache := &stubCache{}
	encoder := &stubEncoder{queue: [][]face.Face{singleFace(0.105)}}
	uc := NewRecognitionUseCase(repo, cache, encoder, zap.NewNop())

	result, err := uc.Identify(context.Background(), "user-1", testJPEG(t), 0)
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if !result.Matched {
		t.Fatal("expected a match")
	}
	if result.FaceID != "face-b" || result.Label != "bob" {
		t.Fatalf("matched wrong face: %s (%s)", result.FaceID, result.Label)
	}
	if result.Candidates != 2 {
		t.Fatalf("expected 2 candidates, got %d", result.Candidates)
	}
	if result.Tolerance != face.DefaultTolerance {
		t.Fatalf("expected default tolerance, got %v", result.Tolerance)
	}
	if len(result.Distances) != 2 {
		t.Fatalf("expected a distance per candidate, got %v", result.Distances)
	}
	if result.Distances[1] != result.Distance {
		t.Fatalf("matched candidate distance %v differs from best distance %v", result.Distances[1], result.Distance)
	}
	if result.Distances[0] <= result.Distances[1] {
		t.Fatalf("distances out of order for candidates: %v", result.Distances)
	}

	if len(repo.savedLogs) != 1 {
		t.Fatalf("expected 1 identify log, got %d", len(repo.savedLogs))
	}
	if !repo.savedLogs[0].Matched || repo.savedLogs[0].FaceID != "face-b" {
		t.Fatalf("unexpected identify log: %+v", repo.savedLogs[0])
	}
	if len(cache.setKeys) == 0 || !strings.HasPrefix(cache.setKeys[0], "identify:") {
		t.Fatalf("expected identify cache write, got keys %v", cache.setKeys)
	}
}

func TestIdentifyReportsNoMatchBeyondTolerance(t *testing.T) {
	repo := &stubRepository{listRecords: []*repository.FaceRecord{
		enrolledRecord(t, "face-a", "user-1", "alice", 1.0),
	}}
	encoder := &stubEncoder{queue: [][]face.Face{singleFace(0)}}
	uc := NewRecognitionUseCase(repo, &stubCache{}, encoder, zap.NewNop())

	result, err := uc.Identify(context.Background(), "user-1", testJPEG(t), 0)
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if result.Matched {
		t.Fatal("expected no match")
	}
	if result.FaceID != "" {
		t.Fatalf("unexpected face id: %s", result.FaceID)
	}
	if result.Distance != math.Sqrt(128) {
		t.Fatalf("distance: got %v, want %v", result.Distance, math.Sqrt(128))
	}
	if len(repo.savedLogs) != 1 || repo.savedLogs[0].Matched {
		t.Fatalf("expected an unmatched identify log, got %+v", repo.savedLogs)
	}
}

func TestIdentifySerializesCandidateDistances(t *testing.T) {
	repo := &stubRepository{listRecords: []*repository.FaceRecord{
		enrolledRecord(t, "face-a", "user-1", "alice", 0.9),
		enrolledRecord(t, "face-b", "user-1", "bob", 0.1),
	}}
	encoder := &stubEncoder{queue: [][]face.Face{singleFace(0.105)}}
	uc := NewRecognitionUseCase(repo, &stubCache{}, encoder, zap.NewNop())

	result, err := uc.Identify(context.Background(), "user-1", testJPEG(t), 0)
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}

	serialized, err := json.Marshal(result)
	if err != nil {
		t.Fatalf("failed to serialize result: %v", err)
	}
	if !strings.Contains(string(serialized), `"distances":[`) {
		t.Fatalf("expected per-candidate distances in payload, got %s", serialized)
	}
}

func TestIdentifySkipsCorruptEncodings(t *testing.T) {
	corrupt := &repository.FaceRecord{FaceID: "face-bad", UserID: "user-1", Encoding: []byte{1, 2, 3}}
	repo := &stubRepository{listRecords: []*repository.FaceRecord{
		corrupt,
		enrolledRecord(t, "face-ok", "user-1", "alice", 0.2),
	}}
	encoder := &stubEncoder{queue: [][]face.Face{singleFace(0.2)}}
	uc := NewRecognitionUseCase(repo, &stubCache{}, encoder, zap.NewNop())

	result, err := uc.Identify(context.Background(), "user-1", testJPEG(t), 0)
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if result.Candidates != 1 {
		t.Fatalf("expected corrupt record to be skipped, got %d candidates", result.Candidates)
	}
	if result.FaceID != "face-ok" {
		t.Fatalf("matched wrong face: %s", result.FaceID)
	}
}

func TestCompareComputesDistance(t *testing.T) {
	encoder := &stubEncoder{queue: [][]face.Face{singleFace(0), singleFace(1)}}
	uc := NewRecognitionUseCase(&stubRepository{}, &stubCache{}, encoder, zap.NewNop())

	result, err := uc.Compare(context.Background(), testJPEG(t), testJPEG(t), 0)
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if result.Distance != math.Sqrt(128) {
		t.Fatalf("distance: got %v, want %v", result.Distance, math.Sqrt(128))
	}
	if result.Match {
		t.Fatal("expected no match at default tolerance")
	}
	if encoder.calls != 2 {
		t.Fatalf("expected 2 encoder calls, got %d", encoder.calls)
	}
}

func TestGetFaceFallsBackToRepositoryWhenCacheMiss(t *testing.T) {
	expected := &repository.FaceRecord{FaceID: "face-a", UserID: "user-1", Label: "alice"}
	repo := &stubRepository{findRecord: expected}
	cache := &stubCache{getErrs: []error{redis.Nil}}
	uc := NewRecognitionUseCase(repo, cache, &stubEncoder{}, zap.NewNop())

	record, err := uc.GetFace(context.Background(), "user-1", "face-a")
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if record != expected {
		t.Fatalf("expected %+v, got %+v", expected, record)
	}
	if repo.findCalls != 1 {
		t.Fatalf("expected repository to be queried once, got %d", repo.findCalls)
	}
}

func TestGetFaceServedFromCache(t *testing.T) {
	enc := face.NewFromScalar(0.3)
	source := &repository.FaceRecord{FaceID: "face-a", UserID: "user-1", Label: "alice"}
	source.SetEncoding(enc)
	cached, err := json.Marshal(cachedFace{
		FaceID:   source.FaceID,
		UserID:   source.UserID,
		Label:    source.Label,
		Encoding: source.Encoding,
	})
	if err != nil {
		t.Fatalf("failed to build cached payload: %v", err)
	}

	repo := &stubRepository{}
	cache := &stubCache{getValues: []string{string(cached)}}
	uc := NewRecognitionUseCase(repo, cache, &stubEncoder{}, zap.NewNop())

	record, err := uc.GetFace(context.Background(), "user-1", "face-a")
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if record.Label != "alice" {
		t.Fatalf("unexpected label: %s", record.Label)
	}
	restored, err := record.DecodeEncoding()
	if err != nil {
		t.Fatalf("cache-served record has no usable encoding: %v", err)
	}
	if restored != enc {
		t.Fatal("cache-served encoding differs from the stored one")
	}
	if repo.findCalls != 0 {
		t.Fatalf("expected no repository query, got %d", repo.findCalls)
	}
}

func TestGetFaceCacheMissIsNotLoggedAsError(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	expected := &repository.FaceRecord{FaceID: "face-a", UserID: "user-1", Label: "alice"}
	repo := &stubRepository{findRecord: expected}
	cache := &stubCache{getErrs: []error{redis.Nil}}
	uc := NewRecognitionUseCase(repo, cache, &stubEncoder{}, zap.New(core))

	record, err := uc.GetFace(context.Background(), "user-1", "face-a")
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if record != expected {
		t.Fatalf("expected %+v, got %+v", expected, record)
	}
	if logs.Len() != 0 {
		t.Fatalf("cache miss produced error logs: %v", logs.All())
	}
}

func TestDeleteFaceDropsCacheEntry(t *testing.T) {
	repo := &stubRepository{}
	cache := &stubCache{}
	uc := NewRecognitionUseCase(repo, cache, &stubEncoder{}, zap.NewNop())

	if err := uc.DeleteFace(context.Background(), "user-1", "face-a"); err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if len(repo.deletedFaces) != 1 || repo.deletedFaces[0] != "face-a" {
		t.Fatalf("unexpected deletions: %v", repo.deletedFaces)
	}
	if len(cache.delKeys) != 1 || cache.delKeys[0] != "face:face-a" {
		t.Fatalf("unexpected cache drops: %v", cache.delKeys)
	}
}

func TestDeleteFaceNotFound(t *testing.T) {
	repo := &stubRepository{deleteErr: repository.ErrNotFound}
	uc := NewRecognitionUseCase(repo, &stubCache{}, &stubEncoder{}, zap.NewNop())

	err := uc.DeleteFace(context.Background(), "user-1", "missing")
	if !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGetMetricsSummary(t *testing.T) {
	repo := &stubRepository{aggregation: &repository.MetricsAggregation{
		EnrolledFaces:        7,
		TotalIdentifies:      10,
		MatchedIdentifies:    4,
		AverageMatchDistance: 0.31,
	}}
	uc := NewRecognitionUseCase(repo, &stubCache{}, &stubEncoder{}, zap.NewNop())

	summary, err := uc.GetMetricsSummary(context.Background())
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if summary.MatchRate != 0.4 {
		t.Fatalf("match rate: got %v, want 0.4", summary.MatchRate)
	}
	if summary.EnrolledFaces != 7 || summary.AverageMatchDistance != 0.31 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
}
