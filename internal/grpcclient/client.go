package grpcclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/face-contour/internal/detector"
	"github.com/example/face-contour/internal/logging"
	"github.com/example/face-contour/internal/normalizer"
)

// ProcessImageMethod is the full gRPC method name served by the vendor
// detector. Requests and replies are google.protobuf.Struct messages.
const ProcessImageMethod = "/facecontour.v1.FaceDetector/ProcessImage"

// DialFaceDetector returns a ready-to-use detector backed by the vendor service.
func DialFaceDetector(ctx context.Context, addr string, timeout time.Duration, logger *zap.Logger) (detector.Detector, *grpc.ClientConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := grpc.DialContext(
		dialCtx,
		addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.dial_face_detector", "", err)
		logger.Error("failed to dial face detector", zap.Error(wrapped), zap.String("addr", addr))
		return nil, nil, wrapped
	}
	return NewFaceDetector(conn, logger), conn, nil
}

// NewFaceDetector wraps an existing connection.
func NewFaceDetector(conn grpc.ClientConnInterface, logger *zap.Logger) detector.Detector {
	return &grpcFaceDetector{conn: conn, logger: logger.Named("grpc_face_detector")}
}

type grpcFaceDetector struct {
	conn   grpc.ClientConnInterface
	logger *zap.Logger
}

func (g *grpcFaceDetector) Detect(ctx context.Context, img *normalizer.NormalizedImage, opts detector.Options) (*detector.Result, error) {
	req, err := buildRequest(img, opts.Normalize())
	if err != nil {
		return nil, logging.NewOperationError("grpcclient.build_request", "", err)
	}

	resp := &structpb.Struct{}
	if err := g.conn.Invoke(ctx, ProcessImageMethod, req, resp); err != nil {
		wrapped := logging.NewOperationError("grpcclient.process_image", "", err)
		g.logger.Error("face detector call failed", zap.Error(wrapped),
			zap.String("source", string(img.Source)),
			zap.Int("width", img.Width),
			zap.Int("height", img.Height))
		return nil, wrapped
	}

	result, err := parseResult(resp)
	if err != nil {
		return nil, logging.NewOperationError("grpcclient.parse_result", "", err)
	}
	return result, nil
}

func buildRequest(img *normalizer.NormalizedImage, opts detector.Options) (*structpb.Struct, error) {
	if img == nil {
		return nil, fmt.Errorf("%w: nil image", detector.ErrUnsupportedImage)
	}

	var (
		kind string
		data []byte
	)
	switch img.Format {
	case normalizer.PixelFormatBitmap:
		if img.Image == nil {
			return nil, fmt.Errorf("%w: bitmap without pixels", detector.ErrUnsupportedImage)
		}
		var buf bytes.Buffer
		if err := imaging.Encode(&buf, img.Image, imaging.PNG); err != nil {
			return nil, fmt.Errorf("encode bitmap: %w", err)
		}
		kind, data = "png", buf.Bytes()
	case normalizer.PixelFormatNV21:
		kind, data = "nv21", img.Bytes
	default:
		return nil, fmt.Errorf("%w: pixel format %s", detector.ErrUnsupportedImage, img.Format)
	}

	return structpb.NewStruct(map[string]any{
		"image": map[string]any{
			"type": kind,
			"data": base64.StdEncoding.EncodeToString(data),
			"metadata": map[string]any{
				"width":    img.Width,
				"height":   img.Height,
				"rotation": img.RotationDegrees,
				"format":   int(img.Format),
			},
		},
		"options": map[string]any{
			"enableClassification": opts.EnableClassification,
			"enableLandmarks":      opts.EnableLandmarks,
			"enableContours":       opts.EnableContours,
			"enableTracking":       opts.EnableTracking,
			"minFaceSize":          opts.MinFaceSize,
			"mode":                 string(opts.Mode),
		},
	})
}

func parseResult(resp *structpb.Struct) (*detector.Result, error) {
	raw, err := protojson.Marshal(resp)
	if err != nil {
		return nil, err
	}
	var result detector.Result
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode detector reply: %w", err)
	}
	if result.Faces == nil {
		result.Faces = []detector.Face{}
	}
	return &result, nil
}
