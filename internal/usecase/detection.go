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

	"github.com/example/face-contour/internal/channel"
	"github.com/example/face-contour/internal/detector"
	"github.com/example/face-contour/internal/logging"
	"github.com/example/face-contour/internal/metrics"
	"github.com/example/face-contour/internal/normalizer"
	"github.com/example/face-contour/internal/repository"
)

// DetectionRepository defines the persistence operations needed by the use case.
type DetectionRepository interface {
	SaveLog(ctx context.Context, log *repository.DetectionLog) error
	FindByRequestIDAndClient(ctx context.Context, requestID, clientID string) (*repository.DetectionLog, error)
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// ImageNormalizer is satisfied by *normalizer.Normalizer.
type ImageNormalizer interface {
	Normalize(source normalizer.ImageSource) (*normalizer.NormalizedImage, error)
}

// DetectionUseCase normalizes an image, runs the detector and records the outcome.
type DetectionUseCase struct {
	repo           DetectionRepository
	cache          Cache
	normalizer     ImageNormalizer
	detector       detector.Detector
	recorder       *metrics.Recorder
	backend        string
	logger         *zap.Logger
	resultTTL      time.Duration
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// Option customizes a DetectionUseCase.
type Option func(*DetectionUseCase)

// WithMetrics records normalization and detection metrics, labelling
// detections with backend.
func WithMetrics(recorder *metrics.Recorder, backend string) Option {
	return func(uc *DetectionUseCase) {
		uc.recorder = recorder
		uc.backend = backend
	}
}

func WithResultTTL(ttl time.Duration) Option {
	return func(uc *DetectionUseCase) {
		if ttl > 0 {
			uc.resultTTL = ttl
		}
	}
}

type cachedDetection struct {
	RequestID       string          `json:"request_id"`
	ClientID        string          `json:"client_id"`
	SourceType      string          `json:"source_type"`
	Width           int             `json:"width"`
	Height          int             `json:"height"`
	RotationDegrees int             `json:"rotation_degrees"`
	Rotated         bool            `json:"rotated"`
	Faces           []detector.Face `json:"faces"`
	LatencyMs       int64           `json:"latency_ms"`
	CreatedAt       time.Time       `json:"created_at"`
}

func NewDetectionUseCase(repo DetectionRepository, cache Cache, norm ImageNormalizer, det detector.Detector, logger *zap.Logger, opts ...Option) *DetectionUseCase {
	uc := &DetectionUseCase{
		repo:           repo,
		cache:          cache,
		normalizer:     norm,
		detector:       det,
		logger:         logger.Named("detection_usecase"),
		resultTTL:      5 * time.Minute,
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
	for _, opt := range opts {
		opt(uc)
	}
	return uc
}

func cacheKey(requestID string) string {
	return fmt.Sprintf("detection:%s", requestID)
}

// ProcessImage runs one FaceDetector#processImage request. Normalization
// failures keep their *normalizer.NormalizationError in the chain.
func (uc *DetectionUseCase) ProcessImage(ctx context.Context, clientID string, source normalizer.ImageSource, opts detector.Options) (string, *detector.Result, error) {
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.process_image", requestID)
	started := time.Now()

	key := cacheKey(requestID)
	if err := uc.withRedisRetry(ctx, requestID, "cache.set.processing", func() error {
		return uc.cache.Set(ctx, key, "processing", time.Minute)
	}); err != nil {
		opLogger.Error("failed to set processing flag", zap.Error(err))
		return "", nil, err
	}

	log := &repository.DetectionLog{
		RequestID: requestID,
		ClientID:  clientID,
		CreatedAt: started.UTC(),
	}
	if source != nil {
		log.SourceType = string(source.Kind())
	}

	img, err := uc.normalizer.Normalize(source)
	uc.observeNormalization(source, img, err)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.normalize", requestID, err)
		opLogger.Warn("image normalization failed", logging.ErrorFields(wrapped)...)
		uc.saveFailure(ctx, log, started, err)
		return "", nil, wrapped
	}
	log.Width, log.Height = img.Width, img.Height
	log.RotationDegrees, log.Rotated = img.RotationDegrees, img.Rotated

	detectStart := time.Now()
	result, err := uc.detector.Detect(ctx, img, opts)
	uc.observeDetection(time.Since(detectStart), err)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.detect", requestID, err)
		opLogger.Error("face detection failed", logging.ErrorFields(wrapped)...)
		uc.saveFailure(ctx, log, started, err)
		return "", nil, wrapped
	}
	if result == nil {
		result = &detector.Result{}
	}
	if result.Faces == nil {
		result.Faces = []detector.Face{}
	}

	facesJSON, err := json.Marshal(result.Faces)
	if err != nil {
		opLogger.Error("failed to serialize faces", zap.Error(err))
		return "", nil, logging.NewOperationError("usecase.serialize_faces", requestID, err)
	}
	log.Success = true
	log.FaceCount = len(result.Faces)
	log.Faces = string(facesJSON)
	log.LatencyMs = time.Since(started).Milliseconds()
	if err := uc.repo.SaveLog(ctx, log); err != nil {
		wrapped := logging.NewOperationError("usecase.save_log", requestID, err)
		opLogger.Error("failed to persist detection log", logging.ErrorFields(wrapped)...)
		return "", nil, wrapped
	}

	serialized, err := json.Marshal(cachedDetection{
		RequestID:       requestID,
		ClientID:        clientID,
		SourceType:      log.SourceType,
		Width:           log.Width,
		Height:          log.Height,
		RotationDegrees: log.RotationDegrees,
		Rotated:         log.Rotated,
		Faces:           result.Faces,
		LatencyMs:       log.LatencyMs,
		CreatedAt:       log.CreatedAt,
	})
	if err != nil {
		opLogger.Error("failed to serialize detection result", zap.Error(err))
		return "", nil, err
	}
	if err := uc.withRedisRetry(ctx, requestID, "cache.set.result", func() error {
		return uc.cache.Set(ctx, key, string(serialized), uc.resultTTL)
	}); err != nil {
		opLogger.Error("failed to cache detection result", zap.Error(err))
		return "", nil, err
	}

	opLogger.Info("image processed",
		zap.String("source", log.SourceType),
		zap.Bool("rotated", log.Rotated),
		zap.Int("faces", log.FaceCount),
		zap.Int64("latency_ms", log.LatencyMs))
	return requestID, result, nil
}

// saveFailure records a failed request. Persistence errors are logged only;
// the caller already has a more relevant error to return.
func (uc *DetectionUseCase) saveFailure(ctx context.Context, log *repository.DetectionLog, started time.Time, cause error) {
	log.Success = false
	log.ErrorCode = channel.ErrorFor(cause).Code
	log.LatencyMs = time.Since(started).Milliseconds()
	if err := uc.repo.SaveLog(ctx, log); err != nil {
		logging.WithOperation(uc.logger, "usecase.save_failure", log.RequestID).
			Warn("failed to persist failed detection", zap.Error(err))
	}
}

func (uc *DetectionUseCase) observeNormalization(source normalizer.ImageSource, img *normalizer.NormalizedImage, err error) {
	kind := "unknown"
	if source != nil {
		kind = string(source.Kind())
	}
	if err != nil {
		outcome := "error"
		if k, ok := normalizer.KindOf(err); ok {
			outcome = k.String()
		}
		uc.recorder.ObserveNormalization(kind, metrics.PathFailed, outcome)
		return
	}
	path := metrics.PathUpright
	switch {
	case img.Source == normalizer.SourceBytes:
		path = metrics.PathPassthrough
	case img.Rotated:
		path = metrics.PathRotated
	}
	uc.recorder.ObserveNormalization(kind, path, "ok")
}

func (uc *DetectionUseCase) observeDetection(elapsed time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	uc.recorder.ObserveDetection(uc.backend, outcome, elapsed)
}

// GetResult retrieves a cached detection outcome or loads it from persistence.
func (uc *DetectionUseCase) GetResult(ctx context.Context, clientID, requestID string) (*repository.DetectionLog, error) {
	opLogger := logging.WithOperation(uc.logger, "usecase.get_result", requestID)
	if cached, err := uc.withRedisGet(ctx, requestID, "cache.get.result", cacheKey(requestID)); err == nil {
		if log, ok := decodeCached(cached, clientID); ok {
			return log, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		opLogger.Warn("failed to read cache", zap.Error(err))
	}

	return uc.repo.FindByRequestIDAndClient(ctx, requestID, clientID)
}

// decodeCached returns false for the processing marker, undecodable payloads
// and results owned by another client, so the caller falls back to the database.
func decodeCached(cached, clientID string) (*repository.DetectionLog, bool) {
	var payload cachedDetection
	if err := json.Unmarshal([]byte(cached), &payload); err != nil {
		return nil, false
	}
	if payload.ClientID != clientID {
		return nil, false
	}
	faces, err := json.Marshal(payload.Faces)
	if err != nil {
		return nil, false
	}
	return &repository.DetectionLog{
		RequestID:       payload.RequestID,
		ClientID:        payload.ClientID,
		SourceType:      payload.SourceType,
		Width:           payload.Width,
		Height:          payload.Height,
		RotationDegrees: payload.RotationDegrees,
		Rotated:         payload.Rotated,
		FaceCount:       len(payload.Faces),
		Faces:           string(faces),
		Success:         true,
		LatencyMs:       payload.LatencyMs,
		CreatedAt:       payload.CreatedAt,
	}, true
}

func (uc *DetectionUseCase) withRedisRetry(ctx context.Context, requestID, operation string, fn func() error) error {
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

		if !repository.IsTransientError(err) || attempt == uc.retryAttempts-1 {
			if !errors.Is(err, redis.Nil) {
				opLogger.Error("redis operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			}
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

func (uc *DetectionUseCase) withRedisGet(ctx context.Context, requestID, operation, key string) (string, error) {
	var result string
	err := uc.withRedisRetry(ctx, requestID, operation, func() error {
		value, err := uc.cache.Get(ctx, key)
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
