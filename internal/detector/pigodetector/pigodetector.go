// Package pigodetector finds face bounding boxes locally with the pigo
// cascade classifier. It does not produce contours or landmarks.
package pigodetector

import (
	"context"
	"fmt"
	"image"

	pigo "github.com/esimov/pigo/core"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/example/face-contour/internal/detector"
	"github.com/example/face-contour/internal/normalizer"
)

const (
	minWindow     = 20
	minQuality    = 5.0
	iouThreshold  = 0.2
	scaleFactor   = 1.1
	fastShift     = 0.15
	accurateShift = 0.1
)

// cascade is the subset of *pigo.Pigo the detector needs.
type cascade interface {
	RunCascade(cp pigo.CascadeParams, angle float64) []pigo.Detection
	ClusterDetections(dets []pigo.Detection, iouThreshold float64) []pigo.Detection
}

// Detector implements detector.Detector on top of a pigo cascade.
type Detector struct {
	classifier cascade
	logger     *zap.Logger
}

// New unpacks a pigo cascade file such as facefinder.
func New(cascadeData []byte, logger *zap.Logger) (*Detector, error) {
	classifier, err := pigo.NewPigo().Unpack(cascadeData)
	if err != nil {
		return nil, fmt.Errorf("unpack cascade: %w", err)
	}
	return &Detector{classifier: classifier, logger: logger.Named("pigo_detector")}, nil
}

// Load reads the cascade from path on fs and calls New.
func Load(fs afero.Fs, path string, logger *zap.Logger) (*Detector, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("read cascade %s: %w", path, err)
	}
	return New(data, logger)
}

// Detect runs the cascade over the luma of img.
func (d *Detector) Detect(ctx context.Context, img *normalizer.NormalizedImage, opts detector.Options) (*detector.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pixels, rows, cols, err := grayscale(img)
	if err != nil {
		return nil, err
	}
	opts = opts.Normalize()

	minSize := int(opts.MinFaceSize * float64(min(rows, cols)))
	if minSize < minWindow {
		minSize = minWindow
	}
	shift := fastShift
	if opts.Mode == detector.ModeAccurate {
		shift = accurateShift
	}

	params := pigo.CascadeParams{
		MinSize:     minSize,
		MaxSize:     max(rows, cols),
		ShiftFactor: shift,
		ScaleFactor: scaleFactor,
		ImageParams: pigo.ImageParams{
			Pixels: pixels,
			Rows:   rows,
			Cols:   cols,
			Dim:    cols,
		},
	}
	dets := d.classifier.RunCascade(params, 0.0)
	dets = d.classifier.ClusterDetections(dets, iouThreshold)

	result := &detector.Result{Faces: make([]detector.Face, 0, len(dets))}
	for _, det := range dets {
		if det.Q < minQuality {
			continue
		}
		half := float64(det.Scale) / 2
		result.Faces = append(result.Faces, detector.Face{
			BoundingBox: detector.Rect{
				Left:   float64(det.Col) - half,
				Top:    float64(det.Row) - half,
				Width:  float64(det.Scale),
				Height: float64(det.Scale),
			},
			Confidence: float64(det.Q),
		})
	}

	d.logger.Debug("pigo detection finished",
		zap.Int("candidates", len(dets)),
		zap.Int("faces", len(result.Faces)),
		zap.Int("rows", rows),
		zap.Int("cols", cols))
	return result, nil
}

// grayscale returns upright 8-bit luma for either kind of normalized image.
// NV21 frames already start with a full-resolution luma plane, which is
// rotated by the declared rotation since the normalizer leaves it as is.
func grayscale(img *normalizer.NormalizedImage) ([]uint8, int, int, error) {
	if img == nil {
		return nil, 0, 0, fmt.Errorf("%w: nil image", detector.ErrUnsupportedImage)
	}
	switch img.Format {
	case normalizer.PixelFormatBitmap:
		if img.Image == nil {
			return nil, 0, 0, fmt.Errorf("%w: bitmap without pixels", detector.ErrUnsupportedImage)
		}
		b := img.Image.Bounds()
		return pigo.RgbToGrayscale(img.Image), b.Dy(), b.Dx(), nil
	case normalizer.PixelFormatNV21:
		lumaLen := img.Width * img.Height
		if img.Width <= 0 || img.Height <= 0 || len(img.Bytes) < lumaLen {
			return nil, 0, 0, fmt.Errorf("%w: nv21 payload of %d bytes too short for %dx%d",
				detector.ErrUnsupportedImage, len(img.Bytes), img.Width, img.Height)
		}
		luma := &image.Gray{
			Pix:    img.Bytes[:lumaLen],
			Stride: img.Width,
			Rect:   image.Rect(0, 0, img.Width, img.Height),
		}
		if img.RotationDegrees == 0 {
			return luma.Pix, img.Height, img.Width, nil
		}
		upright := normalizer.RotateClockwise(luma, img.RotationDegrees)
		b := upright.Bounds()
		return pigo.RgbToGrayscale(upright), b.Dy(), b.Dx(), nil
	default:
		return nil, 0, 0, fmt.Errorf("%w: pixel format %s", detector.ErrUnsupportedImage, img.Format)
	}
}
