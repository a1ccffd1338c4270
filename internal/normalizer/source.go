package normalizer

import "fmt"

// SourceKind names the ImageSource variant.
type SourceKind string

const (
	SourceFile  SourceKind = "file"
	SourceBytes SourceKind = "bytes"
)

// PixelFormat describes how NormalizedImage pixels are laid out.
type PixelFormat int

const (
	PixelFormatUnknown PixelFormat = 0
	// PixelFormatBitmap marks a decoded image held as an image.Image.
	PixelFormatBitmap PixelFormat = 1
	// PixelFormatNV21 matches android.graphics.ImageFormat.NV21, the value
	// camera clients put on the wire.
	PixelFormatNV21 PixelFormat = 17
)

func (f PixelFormat) String() string {
	switch f {
	case PixelFormatBitmap:
		return "bitmap"
	case PixelFormatNV21:
		return "nv21"
	default:
		return fmt.Sprintf("pixel_format(%d)", int(f))
	}
}

// ImageSource is either a FilePath or a RawBuffer. The unexported method
// keeps the set of variants closed to this package.
type ImageSource interface {
	Kind() SourceKind
	isImageSource()
}

// FilePath references an encoded image on disk.
type FilePath struct {
	Path string
}

func (FilePath) Kind() SourceKind { return SourceFile }
func (FilePath) isImageSource()   {}

// RawBuffer carries camera pixels that are already decoded. Bytes are not
// copied; callers must not mutate them after handing the buffer over.
type RawBuffer struct {
	Bytes           []byte
	Width           int
	Height          int
	Format          PixelFormat
	RotationDegrees int
}

func (RawBuffer) Kind() SourceKind { return SourceBytes }
func (RawBuffer) isImageSource()   {}

// ValidRotation reports whether degrees is one of 0, 90, 180, 270.
func ValidRotation(degrees int) bool {
	switch degrees {
	case 0, 90, 180, 270:
		return true
	}
	return false
}

// NV21Size returns the number of bytes a full NV21 frame of w x h occupies:
// a luma plane followed by interleaved VU samples at quarter resolution.
func NV21Size(w, h int) int {
	if w <= 0 || h <= 0 {
		return 0
	}
	cw, ch := (w+1)/2, (h+1)/2
	return w*h + 2*cw*ch
}
