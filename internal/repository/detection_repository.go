package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/face-contour/internal/logging"
)

// DetectionLog is one processed method call, successful or not.
type DetectionLog struct {
	ID              uint      `gorm:"primaryKey"`
	RequestID       string    `gorm:"column:request_id;uniqueIndex;size:64"`
	ClientID        string    `gorm:"column:client_id;index;size:64"`
	SourceType      string    `gorm:"column:source_type;size:16"`
	Width           int       `gorm:"column:width"`
	Height          int       `gorm:"column:height"`
	RotationDegrees int       `gorm:"column:rotation_degrees"`
	Rotated         bool      `gorm:"column:rotated"`
	FaceCount       int       `gorm:"column:face_count"`
	Faces           string    `gorm:"column:faces;type:text"`
	Success         bool      `gorm:"column:success"`
	ErrorCode       string    `gorm:"column:error_code;size:64"`
	LatencyMs       int64     `gorm:"column:latency_ms"`
	CreatedAt       time.Time `gorm:"column:created_at"`
}

func (DetectionLog) TableName() string {
	return "detection_logs"
}

// MetricsAggregation holds raw aggregates over all detection logs.
type MetricsAggregation struct {
	TotalCount       int64
	SuccessCount     int64
	RotatedCount     int64
	AverageFaceCount float64
	AverageLatencyMs float64
}

// DetectionRepository provides persistence APIs for detection logs.
type DetectionRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

func NewDetectionRepository(db *gorm.DB, logger *zap.Logger) *DetectionRepository {
	return &DetectionRepository{
		db:             db,
		logger:         logger.Named("detection_repository"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

func (r *DetectionRepository) AutoMigrate(ctx context.Context) error {
	return r.executeWithRetry(ctx, "repository.auto_migrate", "", func() error {
		return r.db.WithContext(ctx).AutoMigrate(&DetectionLog{})
	})
}

func (r *DetectionRepository) SaveLog(ctx context.Context, log *DetectionLog) error {
	return r.executeWithRetry(ctx, "repository.save_log", log.RequestID, func() error {
		return r.db.WithContext(ctx).Create(log).Error
	})
}

// FindByRequestIDAndClient retrieves a log owned by clientID.
func (r *DetectionRepository) FindByRequestIDAndClient(ctx context.Context, requestID, clientID string) (*DetectionLog, error) {
	var log DetectionLog
	err := r.executeWithRetry(ctx, "repository.find_log", requestID, func() error {
		return r.db.WithContext(ctx).First(&log, "request_id = ? AND client_id = ?", requestID, clientID).Error
	})
	if err != nil {
		return nil, err
	}
	return &log, nil
}

func (r *DetectionRepository) AggregateMetrics(ctx context.Context) (*MetricsAggregation, error) {
	var row struct {
		TotalCount       int64
		SuccessCount     int64
		RotatedCount     int64
		AverageFaceCount float64
		AverageLatencyMs float64
	}
	err := r.executeWithRetry(ctx, "repository.aggregate_metrics", "", func() error {
		return r.db.WithContext(ctx).
			Model(&DetectionLog{}).
			Select(`COUNT(*) AS total_count,
				COALESCE(SUM(CASE WHEN success THEN 1 ELSE 0 END), 0) AS success_count,
				COALESCE(SUM(CASE WHEN rotated THEN 1 ELSE 0 END), 0) AS rotated_count,
				COALESCE(AVG(CASE WHEN success THEN face_count END), 0) AS average_face_count,
				COALESCE(AVG(latency_ms), 0) AS average_latency_ms`).
			Scan(&row).Error
	})
	if err != nil {
		return nil, err
	}
	return &MetricsAggregation{
		TotalCount:       row.TotalCount,
		SuccessCount:     row.SuccessCount,
		RotatedCount:     row.RotatedCount,
		AverageFaceCount: row.AverageFaceCount,
		AverageLatencyMs: row.AverageLatencyMs,
	}, nil
}

// executeWithRetry retries transient failures with exponential backoff.
// gorm.ErrRecordNotFound and other permanent errors return immediately.
func (r *DetectionRepository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	attempts := r.retryAttempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := r.initialBackoff
	opLogger := logging.WithOperation(r.logger, operation, requestID)

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
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
		if errors.Is(err, gorm.ErrRecordNotFound) || !IsTransientError(err) {
			break
		}
		opLogger.Warn("transient database error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

// IsTransientError reports timeouts and errors that declare themselves temporary.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}
	return false
}
