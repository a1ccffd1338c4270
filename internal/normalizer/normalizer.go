// Package normalizer turns file references and raw camera buffers into one
// upright in-memory image for the face detector.
package normalizer

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// DefaultMaxFileSize bounds how much of a file is read into memory.
const DefaultMaxFileSize int64 = 32 << 20

// NormalizedImage is the canonical output of Normalize. Decoded files carry
// Image and RotationDegrees 0; raw buffers carry Bytes and the rotation the
// caller declared.
type NormalizedImage struct {
	Image           image.Image
	Bytes           []byte
	Width           int
	Height          int
	Format          PixelFormat
	RotationDegrees int
	Source          SourceKind
	// Rotated is true when pixels were re-rendered to undo an EXIF rotation.
	Rotated bool
	// Orientation is the EXIF tag read from a file source.
	Orientation Orientation
}

// Normalizer is safe for concurrent use; it holds no per-request state.
type Normalizer struct {
	fs          afero.Fs
	rotate      RotateFunc
	logger      *zap.Logger
	maxFileSize int64
}

// Option configures a Normalizer.
type Option func(*Normalizer)

func WithFs(fs afero.Fs) Option {
	return func(n *Normalizer) { n.fs = fs }
}

func WithRotator(fn RotateFunc) Option {
	return func(n *Normalizer) { n.rotate = fn }
}

func WithLogger(logger *zap.Logger) Option {
	return func(n *Normalizer) { n.logger = logger }
}

func WithMaxFileSize(size int64) Option {
	return func(n *Normalizer) {
		if size > 0 {
			n.maxFileSize = size
		}
	}
}

// New returns a Normalizer reading from the OS file system.
func New(opts ...Option) *Normalizer {
	n := &Normalizer{
		fs:          afero.NewOsFs(),
		rotate:      RotateClockwise,
		logger:      zap.NewNop(),
		maxFileSize: DefaultMaxFileSize,
	}
	for _, opt := range opts {
		opt(n)
	}
	n.logger = n.logger.Named("normalizer")
	return n
}

// Normalize converts source into a NormalizedImage. Errors are always
// *NormalizationError.
func (n *Normalizer) Normalize(source ImageSource) (*NormalizedImage, error) {
	switch src := source.(type) {
	case FilePath:
		return n.normalizeFile(src)
	case *FilePath:
		if src == nil {
			return nil, unsupportedSource("normalize", source)
		}
		return n.normalizeFile(*src)
	case RawBuffer:
		return n.normalizeRaw(src)
	case *RawBuffer:
		if src == nil {
			return nil, unsupportedSource("normalize", source)
		}
		return n.normalizeRaw(*src)
	default:
		return nil, unsupportedSource("normalize", source)
	}
}

func (n *Normalizer) normalizeFile(src FilePath) (*NormalizedImage, error) {
	const op = "normalize.file"
	if strings.TrimSpace(src.Path) == "" {
		return nil, unreadable(op, fmt.Errorf("empty path"))
	}

	data, err := n.readFile(src.Path)
	if err != nil {
		return nil, unreadable(op, err)
	}
	if mt := mimetype.Detect(data); !strings.HasPrefix(mt.String(), "image/") {
		return nil, unreadable(op, fmt.Errorf("%s is %s, not an image", src.Path, mt.String()))
	}

	hint, err := ReadOrientation(data)
	if err != nil {
		// Treated as upright; logged so a broken EXIF block is not silent.
		n.logger.Warn("unparseable exif metadata, assuming upright",
			zap.String("path", src.Path), zap.Error(err))
	}
	rotation := hint.RotationDegrees()

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, unreadable(op, fmt.Errorf("decode %s: %w", src.Path, err))
	}

	out := &NormalizedImage{
		Image:       img,
		Format:      PixelFormatBitmap,
		Source:      SourceFile,
		Orientation: hint.Tag,
	}
	if rotation != 0 {
		img = n.rotate(img, rotation)
		out.Image = img
		out.Rotated = true
	}
	bounds := img.Bounds()
	out.Width, out.Height = bounds.Dx(), bounds.Dy()

	n.logger.Debug("file normalized",
		zap.String("path", src.Path),
		zap.String("codec", format),
		zap.Int("exif_orientation", int(hint.Tag)),
		zap.Int("rotation", rotation),
		zap.Int("width", out.Width),
		zap.Int("height", out.Height))
	return out, nil
}

func (n *Normalizer) readFile(path string) ([]byte, error) {
	info, err := n.fs.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}
	if info.Size() > n.maxFileSize {
		return nil, fmt.Errorf("%s is %d bytes, limit is %d", path, info.Size(), n.maxFileSize)
	}
	return afero.ReadFile(n.fs, path)
}

func (n *Normalizer) normalizeRaw(src RawBuffer) (*NormalizedImage, error) {
	const op = "normalize.bytes"
	if src.Width <= 0 || src.Height <= 0 {
		return nil, invalidMetadata(op, "dimensions %dx%d must be positive", src.Width, src.Height)
	}
	if !ValidRotation(src.RotationDegrees) {
		return nil, invalidMetadata(op, "rotation %d not in {0, 90, 180, 270}", src.RotationDegrees)
	}
	if src.Format != PixelFormatNV21 {
		return nil, invalidMetadata(op, "pixel format %s not supported", src.Format)
	}
	if len(src.Bytes) == 0 {
		return nil, invalidMetadata(op, "empty pixel buffer")
	}
	if want := NV21Size(src.Width, src.Height); len(src.Bytes) < want {
		n.logger.Warn("raw buffer shorter than a full nv21 frame",
			zap.Int("width", src.Width),
			zap.Int("height", src.Height),
			zap.Int("bytes", len(src.Bytes)),
			zap.Int("expected", want))
	}

	return &NormalizedImage{
		Bytes:           src.Bytes,
		Width:           src.Width,
		Height:          src.Height,
		Format:          src.Format,
		RotationDegrees: src.RotationDegrees,
		Source:          SourceBytes,
	}, nil
}
