package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/face-contour/internal/auth"
	"github.com/example/face-contour/internal/channel"
	"github.com/example/face-contour/internal/normalizer"
	"github.com/example/face-contour/internal/repository"
	"github.com/example/face-contour/internal/usecase"
)

// MaxUploadSize is the default limit for /v1/detect uploads.
const MaxUploadSize = 10 << 20

// channelEnvelope covers the JSON around a base64 payload in a channel call.
const channelEnvelope = 64 << 10

// channelBodyLimit is the largest channel call body accepted: an image of
// maxUpload bytes, base64 encoded, plus its arguments.
func channelBodyLimit(maxUpload int64) int64 {
	return (maxUpload+2)/3*4 + channelEnvelope
}

// Service is the read side of the detection use case.
type Service interface {
	channel.ImageProcessor
	GetResult(ctx context.Context, clientID, requestID string) (*repository.DetectionLog, error)
	GetMetricsSummary(ctx context.Context) (*usecase.MetricsSummary, error)
}

// Config carries everything RegisterRoutes needs. Metrics and UploadFs are
// optional.
type Config struct {
	Service       Service
	Dispatcher    *channel.Dispatcher
	Auth          gin.HandlerFunc
	Metrics       http.Handler
	MaxUploadSize int64
	UploadFs      afero.Fs
	UploadDir     string
	Logger        *zap.Logger
}

type routes struct {
	cfg    Config
	logger *zap.Logger
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, cfg Config) {
	if cfg.MaxUploadSize <= 0 {
		cfg.MaxUploadSize = MaxUploadSize
	}
	if cfg.UploadFs == nil {
		cfg.UploadFs = afero.NewOsFs()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Auth == nil {
		cfg.Auth = func(c *gin.Context) { c.Next() }
	}
	r := &routes{cfg: cfg, logger: cfg.Logger.Named("handlers")}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if cfg.Metrics != nil {
		router.GET("/metrics", gin.WrapH(cfg.Metrics))
	}

	v1 := router.Group("/v1", cfg.Auth)
	v1.POST("/channel/:method", r.invoke)
	v1.POST("/detect", r.detect)
	v1.GET("/results/:id", r.result)
	v1.GET("/metrics/summary", r.summary)
}

// invoke runs one method-channel call. The body is the argument map.
func (r *routes) invoke(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, channelBodyLimit(r.cfg.MaxUploadSize))

	var args map[string]any
	if c.Request.ContentLength != 0 {
		if err := json.NewDecoder(c.Request.Body).Decode(&args); err != nil && !errors.Is(err, io.EOF) {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": &channel.Error{
					Code:    channel.CodeInvalidMetadata,
					Message: "arguments exceed upload limit",
				}})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": &channel.Error{
				Code:    channel.CodeInvalidMetadata,
				Message: "arguments must be a JSON object",
			}})
			return
		}
	}

	reply, err := r.cfg.Dispatcher.Dispatch(c.Request.Context(), &channel.Call{
		Method:    c.Param("method"),
		Arguments: args,
	})
	if err != nil {
		r.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": reply})
}

// detect accepts a multipart image upload. The file goes through the
// FilePath variant so its EXIF orientation is honoured.
func (r *routes) detect(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, r.cfg.MaxUploadSize)

	file, err := c.FormFile("image")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image exceeds upload limit"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "image file is required"})
		return
	}

	src, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unable to open image"})
		return
	}
	defer src.Close()

	mtype, err := mimetype.DetectReader(src)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unable to read image"})
		return
	}
	if !strings.HasPrefix(mtype.String(), "image/") {
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "unsupported content type " + mtype.String()})
		return
	}
	if _, err := src.Seek(0, io.SeekStart); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read image"})
		return
	}

	args := map[string]any{}
	if raw := c.PostForm("options"); raw != "" {
		var opts map[string]any
		if err := json.Unmarshal([]byte(raw), &opts); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "options must be a JSON object"})
			return
		}
		args["options"] = opts
	}

	path, cleanup, err := r.spool(src, mtype.Extension())
	if err != nil {
		r.logger.Error("failed to spool upload", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store image"})
		return
	}
	defer cleanup()

	ctx := c.Request.Context()
	requestID, result, err := r.cfg.Service.ProcessImage(ctx, auth.GetClientID(ctx),
		normalizer.FilePath{Path: path}, channel.DecodeDetectorOptions(args))
	if err != nil {
		r.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": &channel.ProcessImageReply{RequestID: requestID, Faces: result.Faces}})
}

func (r *routes) spool(src io.Reader, ext string) (string, func(), error) {
	tmp, err := afero.TempFile(r.cfg.UploadFs, r.cfg.UploadDir, "upload-*"+ext)
	if err != nil {
		return "", nil, err
	}
	cleanup := func() {
		if err := r.cfg.UploadFs.Remove(tmp.Name()); err != nil {
			r.logger.Warn("failed to remove upload", zap.String("path", tmp.Name()), zap.Error(err))
		}
	}
	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		cleanup()
		return "", nil, err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return "", nil, err
	}
	return tmp.Name(), cleanup, nil
}

func (r *routes) result(c *gin.Context) {
	requestID := c.Param("id")
	if requestID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required"})
		return
	}

	ctx := c.Request.Context()
	log, err := r.cfg.Service.GetResult(ctx, auth.GetClientID(ctx), requestID)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			r.logger.Warn("result lookup failed", zap.String("request_id", requestID), zap.Error(err))
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "result not found"})
		return
	}

	faces := json.RawMessage("[]")
	if log.Faces != "" {
		faces = json.RawMessage(log.Faces)
	}
	c.JSON(http.StatusOK, gin.H{
		"request_id":       log.RequestID,
		"client_id":        log.ClientID,
		"source_type":      log.SourceType,
		"width":            log.Width,
		"height":           log.Height,
		"rotation_degrees": log.RotationDegrees,
		"rotated":          log.Rotated,
		"success":          log.Success,
		"error_code":       log.ErrorCode,
		"faces":            faces,
		"latency_ms":       log.LatencyMs,
		"created_at":       log.CreatedAt,
	})
}

func (r *routes) summary(c *gin.Context) {
	summary, err := r.cfg.Service.GetMetricsSummary(c.Request.Context())
	if err != nil {
		r.logger.Error("metrics summary failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to aggregate metrics"})
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (r *routes) fail(c *gin.Context, err error) {
	chErr := channel.ErrorFor(err)
	c.JSON(statusFor(chErr.Code), gin.H{"error": chErr})
}

func statusFor(code string) int {
	switch code {
	case channel.CodeNotImplemented:
		return http.StatusNotImplemented
	case channel.CodeInvalidMetadata, channel.CodeUnsupportedSource:
		return http.StatusBadRequest
	case channel.CodeIOError:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadGateway
	}
}
