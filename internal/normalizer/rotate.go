package normalizer

import (
	"image"

	"github.com/disintegration/imaging"
)

// RotateFunc renders img rotated clockwise by degrees into a new image.
type RotateFunc func(img image.Image, degrees int) image.Image

// RotateClockwise is the default RotateFunc. imaging rotates
// counter-clockwise, so 90 and 270 are swapped here.
func RotateClockwise(img image.Image, degrees int) image.Image {
	switch degrees {
	case 90:
		return imaging.Rotate270(img)
	case 180:
		return imaging.Rotate180(img)
	case 270:
		return imaging.Rotate90(img)
	default:
		return img
	}
}
