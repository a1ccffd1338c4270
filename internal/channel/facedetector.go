package channel

import (
	"context"

	"github.com/example/face-contour/internal/detector"
	"github.com/example/face-contour/internal/normalizer"
)

// ImageProcessor runs a decoded request end to end.
type ImageProcessor interface {
	ProcessImage(ctx context.Context, clientID string, source normalizer.ImageSource, opts detector.Options) (string, *detector.Result, error)
}

// ClientIDFunc extracts the caller identity from the request context.
type ClientIDFunc func(ctx context.Context) string

// ProcessImageReply is the result payload of FaceDetector#processImage.
type ProcessImageReply struct {
	RequestID string          `json:"requestId"`
	Faces     []detector.Face `json:"faces"`
}

// RegisterFaceDetector wires FaceDetector#processImage to p.
func RegisterFaceDetector(d *Dispatcher, p ImageProcessor, clientID ClientIDFunc) {
	d.Handle(MethodProcessImage, func(ctx context.Context, call *Call) (any, error) {
		source, err := DecodeImageSource(call.Arguments)
		if err != nil {
			return nil, err
		}
		opts := DecodeDetectorOptions(call.Arguments)

		var id string
		if clientID != nil {
			id = clientID(ctx)
		}
		requestID, result, err := p.ProcessImage(ctx, id, source, opts)
		if err != nil {
			return nil, err
		}
		return &ProcessImageReply{RequestID: requestID, Faces: result.Faces}, nil
	})
}
