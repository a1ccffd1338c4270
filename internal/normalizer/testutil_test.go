package normalizer

import (
	"bytes"
	"encoding/binary"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"
)

func solidImage(w, h int, c color.Color) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

// encodeJPEGWithOrientation writes a JPEG whose APP1 segment holds a single
// big-endian IFD entry for the orientation tag.
func encodeJPEGWithOrientation(t *testing.T, img image.Image, orientation uint16) []byte {
	t.Helper()
	var encoded bytes.Buffer
	if err := jpeg.Encode(&encoded, img, &jpeg.Options{Quality: 95}); err != nil {
		t.Fatalf("encode jpeg: %v", err)
	}

	var app1 bytes.Buffer
	app1.WriteString("Exif\x00\x00")
	app1.Write([]byte{'M', 'M', 0x00, 0x2A, 0x00, 0x00, 0x00, 0x08})
	binary.Write(&app1, binary.BigEndian, uint16(1))      // entry count
	binary.Write(&app1, binary.BigEndian, uint16(0x0112)) // orientation
	binary.Write(&app1, binary.BigEndian, uint16(3))      // SHORT
	binary.Write(&app1, binary.BigEndian, uint32(1))
	binary.Write(&app1, binary.BigEndian, orientation)
	binary.Write(&app1, binary.BigEndian, uint16(0))
	binary.Write(&app1, binary.BigEndian, uint32(0)) // no next IFD

	data := encoded.Bytes()
	var out bytes.Buffer
	out.Write(data[:2]) // SOI
	out.Write([]byte{0xFF, 0xE1})
	binary.Write(&out, binary.BigEndian, uint16(app1.Len()+2))
	out.Write(app1.Bytes())
	out.Write(data[2:])
	return out.Bytes()
}

func samePixels(a, b image.Image) bool {
	if a.Bounds().Dx() != b.Bounds().Dx() || a.Bounds().Dy() != b.Bounds().Dy() {
		return false
	}
	ao, bo := a.Bounds().Min, b.Bounds().Min
	for y := 0; y < a.Bounds().Dy(); y++ {
		for x := 0; x < a.Bounds().Dx(); x++ {
			ac := color.NRGBAModel.Convert(a.At(ao.X+x, ao.Y+y))
			bc := color.NRGBAModel.Convert(b.At(bo.X+x, bo.Y+y))
			if ac != bc {
				return false
			}
		}
	}
	return true
}
