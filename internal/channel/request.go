package channel

import (
	"encoding/base64"
	"fmt"
	"math"
	"reflect"

	"github.com/go-viper/mapstructure/v2"

	"github.com/example/face-contour/internal/detector"
	"github.com/example/face-contour/internal/normalizer"
)

// imageRequest is the wire shape of an image argument map:
// {type: "file"|"bytes", path?, bytes?, metadata?: {width, height, rotation}}.
type imageRequest struct {
	Type     string         `mapstructure:"type"`
	Path     string         `mapstructure:"path"`
	Bytes    []byte         `mapstructure:"bytes"`
	Metadata *imageMetadata `mapstructure:"metadata"`
}

type imageMetadata struct {
	Width    int `mapstructure:"width"`
	Height   int `mapstructure:"height"`
	Rotation int `mapstructure:"rotation"`
	// Format defaults to NV21, the only raw format cameras send.
	Format int `mapstructure:"format"`
}

// base64ToBytes lets JSON transports send the payload as a base64 string.
func base64ToBytes(from, to reflect.Type, data any) (any, error) {
	if to != reflect.TypeOf([]byte(nil)) || from.Kind() != reflect.String {
		return data, nil
	}
	decoded, err := base64.StdEncoding.DecodeString(data.(string))
	if err != nil {
		return nil, fmt.Errorf("bytes: %w", err)
	}
	return decoded, nil
}

// exactIntegers stops weak typing from truncating numbers: 90.9 is not a
// rotation and 300 is not a byte. Integral floats such as JSON's 640.0 pass.
func exactIntegers(from, to reflect.Type, data any) (any, error) {
	var lo, hi float64
	switch to.Kind() {
	case reflect.Uint8:
		lo, hi = 0, math.MaxUint8
	case reflect.Int, reflect.Int32, reflect.Int64:
		lo, hi = math.MinInt32, math.MaxInt32
	default:
		return data, nil
	}

	v := reflect.ValueOf(data)
	var f float64
	switch from.Kind() {
	case reflect.Float32, reflect.Float64:
		f = v.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
			return nil, fmt.Errorf("%v is not an integer", data)
		}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		f = float64(v.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		f = float64(v.Uint())
	default:
		return data, nil
	}
	if f < lo || f > hi {
		return nil, fmt.Errorf("%v is out of range for %s", data, to.Kind())
	}
	return data, nil
}

func decode(input, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.DecodeHookFuncType(base64ToBytes),
			mapstructure.DecodeHookFuncType(exactIntegers),
		),
	})
	if err != nil {
		return err
	}
	return dec.Decode(input)
}

// DecodeImageSource turns an argument map into a normalizer.ImageSource.
// Failures are *normalizer.NormalizationError values.
func DecodeImageSource(args map[string]any) (normalizer.ImageSource, error) {
	const op = "channel.decode_image"
	var req imageRequest
	if err := decode(args, &req); err != nil {
		return nil, normalizer.NewError(normalizer.KindInvalidMetadata, op, err.Error())
	}

	switch normalizer.SourceKind(req.Type) {
	case normalizer.SourceFile:
		return normalizer.FilePath{Path: req.Path}, nil
	case normalizer.SourceBytes:
		if req.Metadata == nil {
			return nil, normalizer.NewError(normalizer.KindInvalidMetadata, op, "metadata is required for bytes")
		}
		format := normalizer.PixelFormat(req.Metadata.Format)
		if format == normalizer.PixelFormatUnknown {
			format = normalizer.PixelFormatNV21
		}
		return normalizer.RawBuffer{
			Bytes:           req.Bytes,
			Width:           req.Metadata.Width,
			Height:          req.Metadata.Height,
			Format:          format,
			RotationDegrees: req.Metadata.Rotation,
		}, nil
	default:
		return nil, normalizer.NewError(normalizer.KindUnsupportedSourceType, op, fmt.Sprintf("no image type for: %q", req.Type))
	}
}

// DecodeDetectorOptions reads the optional "options" entry. Keys that are
// missing or malformed keep their defaults.
func DecodeDetectorOptions(args map[string]any) detector.Options {
	opts := detector.DefaultOptions()
	raw, ok := args["options"].(map[string]any)
	if !ok {
		return opts
	}
	if err := decode(raw, &opts); err != nil {
		return detector.DefaultOptions()
	}
	return opts.Normalize()
}
