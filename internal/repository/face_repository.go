package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/facematch/internal/face"
	"github.com/example/facematch/internal/logging"
)

// ErrNotFound is returned when a face does not exist or belongs to another
// user.
var ErrNotFound = errors.New("face not found")

// FaceRecord is a persisted enrolled face. The encoding is stored as the
// little-endian packed blob produced by face.Encoding.MarshalBinary.
type FaceRecord struct {
	ID        uint      `gorm:"primaryKey"`
	FaceID    string    `gorm:"column:face_id;uniqueIndex;size:64"`
	UserID    string    `gorm:"column:user_id;index;size:64"`
	Label     string    `gorm:"column:label;size:128"`
	Encoding  []byte    `gorm:"column:encoding;type:bytea"`
	RectX1    int       `gorm:"column:rect_x1"`
	RectY1    int       `gorm:"column:rect_y1"`
	RectX2    int       `gorm:"column:rect_x2"`
	RectY2    int       `gorm:"column:rect_y2"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (FaceRecord) TableName() string {
	return "faces"
}

// SetEncoding stores the packed form of an encoding on the record.
func (r *FaceRecord) SetEncoding(e face.Encoding) {
	blob, _ := e.MarshalBinary()
	r.Encoding = blob
}

// DecodeEncoding unpacks the stored encoding blob.
func (r *FaceRecord) DecodeEncoding() (face.Encoding, error) {
	var e face.Encoding
	if err := e.UnmarshalBinary(r.Encoding); err != nil {
		return face.Encoding{}, err
	}
	return e, nil
}

// IdentifyLog records the outcome of one identification request.
type IdentifyLog struct {
	ID        uint      `gorm:"primaryKey"`
	RequestID string    `gorm:"column:request_id;uniqueIndex;size:64"`
	UserID    string    `gorm:"column:user_id;index;size:64"`
	Matched   bool      `gorm:"column:matched"`
	FaceID    string    `gorm:"column:face_id;size:64"`
	Distance  float64   `gorm:"column:distance"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (IdentifyLog) TableName() string {
	return "identify_logs"
}

// MetricsAggregation holds raw aggregates over persisted records.
type MetricsAggregation struct {
	EnrolledFaces        int64
	TotalIdentifies      int64
	MatchedIdentifies    int64
	AverageMatchDistance float64
}

// FaceRepository provides persistence APIs for enrolled faces and
// identification logs.
type FaceRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewFaceRepository creates a new repository instance.
func NewFaceRepository(db *gorm.DB, logger *zap.Logger) *FaceRepository {
	return &FaceRepository{
		db:             db,
		logger:         logger.Named("face_repository"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// AutoMigrate ensures the schema is available.
func (r *FaceRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&FaceRecord{}, &IdentifyLog{})
}

// SaveFace persists an enrolled face.
func (r *FaceRepository) SaveFace(ctx context.Context, record *FaceRecord) error {
	return r.executeWithRetry(ctx, "repository.save_face", record.FaceID, func() error {
		return r.db.WithContext(ctx).Create(record).Error
	})
}

// FindByFaceID retrieves an enrolled face owned by the given user.
func (r *FaceRepository) FindByFaceID(ctx context.Context, faceID, userID string) (*FaceRecord, error) {
	var record FaceRecord
	err := r.db.WithContext(ctx).First(&record, "face_id = ? AND user_id = ?", faceID, userID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, logging.NewOperationError("repository.find_face", faceID, err)
	}
	return &record, nil
}

// ListByUser retrieves every face enrolled by the given user, oldest first.
func (r *FaceRepository) ListByUser(ctx context.Context, userID string) ([]*FaceRecord, error) {
	var records []*FaceRecord
	err := r.executeWithRetry(ctx, "repository.list_faces", userID, func() error {
		return r.db.WithContext(ctx).Order("id").Find(&records, "user_id = ?", userID).Error
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// DeleteFace removes an enrolled face owned by the given user.
func (r *FaceRepository) DeleteFace(ctx context.Context, faceID, userID string) error {
	result := r.db.WithContext(ctx).Delete(&FaceRecord{}, "face_id = ? AND user_id = ?", faceID, userID)
	if result.Error != nil {
		return logging.NewOperationError("repository.delete_face", faceID, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveIdentifyLog persists an identification outcome.
func (r *FaceRepository) SaveIdentifyLog(ctx context.Context, log *IdentifyLog) error {
	return r.executeWithRetry(ctx, "repository.save_identify_log", log.RequestID, func() error {
		return r.db.WithContext(ctx).Create(log).Error
	})
}

// AggregateMetrics computes aggregates across enrolled faces and
// identification logs.
func (r *FaceRepository) AggregateMetrics(ctx context.Context) (*MetricsAggregation, error) {
	db := r.db.WithContext(ctx)
	var agg MetricsAggregation

	if err := db.Model(&FaceRecord{}).Count(&agg.EnrolledFaces).Error; err != nil {
		return nil, logging.NewOperationError("repository.aggregate_metrics", "", err)
	}
	if err := db.Model(&IdentifyLog{}).Count(&agg.TotalIdentifies).Error; err != nil {
		return nil, logging.NewOperationError("repository.aggregate_metrics", "", err)
	}
	if err := db.Model(&IdentifyLog{}).Where("matched = ?", true).Count(&agg.MatchedIdentifies).Error; err != nil {
		return nil, logging.NewOperationError("repository.aggregate_metrics", "", err)
	}

	var avg sql.NullFloat64
	row := db.Model(&IdentifyLog{}).Where("matched = ?", true).Select("avg(distance)").Row()
	if err := row.Scan(&avg); err != nil {
		return nil, logging.NewOperationError("repository.aggregate_metrics", "", err)
	}
	if avg.Valid {
		agg.AverageMatchDistance = avg.Float64
	}

	return &agg, nil
}

func (r *FaceRepository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	if r.retryAttempts <= 1 {
		return logging.NewOperationError(operation, requestID, fn())
	}

	backoff := r.initialBackoff
	opLogger := logging.WithOperation(r.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < r.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= r.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("database operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !logging.IsTransient(err) || attempt == r.retryAttempts-1 {
			opLogger.Error("database operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient database error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}
