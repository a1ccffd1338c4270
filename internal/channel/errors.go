package channel

import (
	"errors"

	"github.com/example/face-contour/internal/detector"
	"github.com/example/face-contour/internal/normalizer"
)

// Error codes sent back to clients.
const (
	CodeIOError           = "MLVisionDetectorIOError"
	CodeInvalidMetadata   = "MLVisionDetectorInvalidMetadata"
	CodeUnsupportedSource = "MLVisionDetectorUnsupportedSource"
	CodeDetectorError     = "MLVisionDetectorError"
	CodeNotImplemented    = "notImplemented"
)

// Error is the code/message pair a transport puts in its error envelope.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// unreadableMessage replaces the cause of read failures, which names server
// paths and file types.
const unreadableMessage = "image could not be read"

// ErrorFor classifies err. Anything that is not a caller input problem or
// an unknown method is reported as a detector error.
func ErrorFor(err error) *Error {
	if err == nil {
		return nil
	}
	var chErr *Error
	if errors.As(err, &chErr) {
		return chErr
	}

	switch {
	case errors.Is(err, ErrNotImplemented):
		return &Error{Code: CodeNotImplemented, Message: err.Error()}
	case errors.Is(err, normalizer.ErrUnreadable):
		return &Error{Code: CodeIOError, Message: unreadableMessage}
	case errors.Is(err, normalizer.ErrInvalidMetadata), errors.Is(err, detector.ErrUnsupportedImage):
		return &Error{Code: CodeInvalidMetadata, Message: err.Error()}
	case errors.Is(err, normalizer.ErrUnsupportedSourceType):
		return &Error{Code: CodeUnsupportedSource, Message: err.Error()}
	default:
		return &Error{Code: CodeDetectorError, Message: err.Error()}
	}
}
