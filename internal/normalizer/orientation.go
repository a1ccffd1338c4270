package normalizer

import (
	"bytes"
	"fmt"

	"github.com/rwcarlsen/goexif/exif"
)

// Orientation is the value of the EXIF Orientation tag (0x0112).
type Orientation int

const (
	OrientationUndefined      Orientation = 0
	OrientationNormal         Orientation = 1
	OrientationFlipHorizontal Orientation = 2
	OrientationRotate180      Orientation = 3
	OrientationFlipVertical   Orientation = 4
	OrientationTranspose      Orientation = 5
	OrientationRotate90       Orientation = 6
	OrientationTransverse     Orientation = 7
	OrientationRotate270      Orientation = 8
)

// clockwise rotation needed to display each tag upright. Tags missing from
// the table, mirrored variants included, map to 0.
var orientationRotation = map[Orientation]int{
	OrientationRotate90:  90,
	OrientationRotate180: 180,
	OrientationRotate270: 270,
}

// RotationDegrees maps an orientation tag to a clockwise rotation in
// {0, 90, 180, 270}.
func (o Orientation) RotationDegrees() int {
	return orientationRotation[o]
}

// OrientationHint is the orientation found in a file's metadata.
type OrientationHint struct {
	Tag   Orientation
	Found bool
}

// RotationDegrees is 0 when no tag was found.
func (h OrientationHint) RotationDegrees() int {
	if !h.Found {
		return 0
	}
	return h.Tag.RotationDegrees()
}

// APP1 segments sit right after SOI, so the marker is always near the start.
const exifScanLimit = 64 << 10

var (
	exifMarker = []byte("Exif\x00\x00")
	tiffLE     = []byte("II*\x00")
	tiffBE     = []byte("MM\x00*")
)

func hasExif(data []byte) bool {
	if bytes.HasPrefix(data, tiffLE) || bytes.HasPrefix(data, tiffBE) {
		return true
	}
	return bytes.Contains(data[:min(len(data), exifScanLimit)], exifMarker)
}

// ReadOrientation reads only the EXIF block of an encoded image. A file
// without EXIF yields a zero hint and no error; a file whose EXIF block is
// present but cannot be parsed yields a zero hint and the parse error.
func ReadOrientation(data []byte) (OrientationHint, error) {
	if !hasExif(data) {
		return OrientationHint{}, nil
	}

	x, err := exif.Decode(bytes.NewReader(data))
	if x == nil {
		return OrientationHint{}, fmt.Errorf("decode exif: %w", err)
	}
	if err != nil && exif.IsCriticalError(err) {
		return OrientationHint{}, fmt.Errorf("decode exif: %w", err)
	}

	tag, err := x.Get(exif.Orientation)
	if err != nil {
		if exif.IsTagNotPresentError(err) {
			return OrientationHint{}, nil
		}
		return OrientationHint{}, fmt.Errorf("orientation tag: %w", err)
	}
	value, err := tag.Int(0)
	if err != nil {
		return OrientationHint{}, fmt.Errorf("orientation value: %w", err)
	}
	return OrientationHint{Tag: Orientation(value), Found: true}, nil
}
