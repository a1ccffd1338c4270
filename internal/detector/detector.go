// Package detector defines the boundary to the face detector that consumes
// normalized images.
package detector

import (
	"context"
	"errors"

	"github.com/example/face-contour/internal/normalizer"
)

// Mode trades accuracy for latency.
type Mode string

const (
	ModeFast     Mode = "fast"
	ModeAccurate Mode = "accurate"
)

// DefaultMinFaceSize is the smallest face, relative to the image width, that
// detectors report unless told otherwise.
const DefaultMinFaceSize = 0.1

// ErrUnsupportedImage is returned when a backend cannot consume an image's
// pixel format.
var ErrUnsupportedImage = errors.New("detector: unsupported image")

// Options is forwarded to the detector with every call.
type Options struct {
	EnableClassification bool    `json:"enableClassification" mapstructure:"enableClassification"`
	EnableLandmarks      bool    `json:"enableLandmarks" mapstructure:"enableLandmarks"`
	EnableContours       bool    `json:"enableContours" mapstructure:"enableContours"`
	EnableTracking       bool    `json:"enableTracking" mapstructure:"enableTracking"`
	MinFaceSize          float64 `json:"minFaceSize" mapstructure:"minFaceSize"`
	Mode                 Mode    `json:"mode" mapstructure:"mode"`
}

// DefaultOptions mirrors the defaults mobile clients assume.
func DefaultOptions() Options {
	return Options{MinFaceSize: DefaultMinFaceSize, Mode: ModeFast}
}

// Normalize fills zero values with defaults and clamps MinFaceSize to (0, 1].
func (o Options) Normalize() Options {
	if o.MinFaceSize <= 0 || o.MinFaceSize > 1 {
		o.MinFaceSize = DefaultMinFaceSize
	}
	if o.Mode != ModeAccurate {
		o.Mode = ModeFast
	}
	return o
}

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type Rect struct {
	Left   float64 `json:"left"`
	Top    float64 `json:"top"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Face is one detection. Optional fields stay zero when the backend or the
// options did not produce them.
type Face struct {
	BoundingBox        Rect               `json:"boundingBox"`
	Confidence         float64            `json:"confidence,omitempty"`
	HeadEulerAngleY    float64            `json:"headEulerAngleY,omitempty"`
	HeadEulerAngleZ    float64            `json:"headEulerAngleZ,omitempty"`
	SmilingProbability *float64           `json:"smilingProbability,omitempty"`
	TrackingID         *int               `json:"trackingId,omitempty"`
	Landmarks          map[string]Point   `json:"landmarks,omitempty"`
	Contours           map[string][]Point `json:"contours,omitempty"`
}

type Result struct {
	Faces []Face `json:"faces"`
}

// Detector runs face detection on a normalized image.
type Detector interface {
	Detect(ctx context.Context, img *normalizer.NormalizedImage, opts Options) (*Result, error)
}
