package normalizer

import (
	"errors"
	"fmt"
)

// ErrorKind classifies normalization failures.
type ErrorKind int

const (
	// KindUnreadable covers missing, unreadable and corrupt files.
	KindUnreadable ErrorKind = iota + 1
	// KindUnsupportedSourceType is returned for sources that are neither a file nor a raw buffer.
	KindUnsupportedSourceType
	// KindInvalidMetadata is returned when raw buffer metadata is out of range.
	KindInvalidMetadata
)

var (
	ErrUnreadable            = errors.New("image unreadable")
	ErrUnsupportedSourceType = errors.New("unsupported image source type")
	ErrInvalidMetadata       = errors.New("invalid image metadata")
)

func (k ErrorKind) String() string {
	switch k {
	case KindUnreadable:
		return "unreadable"
	case KindUnsupportedSourceType:
		return "unsupported_source_type"
	case KindInvalidMetadata:
		return "invalid_metadata"
	default:
		return "unknown"
	}
}

func (k ErrorKind) sentinel() error {
	switch k {
	case KindUnreadable:
		return ErrUnreadable
	case KindUnsupportedSourceType:
		return ErrUnsupportedSourceType
	case KindInvalidMetadata:
		return ErrInvalidMetadata
	default:
		return nil
	}
}

// NormalizationError is the typed failure returned by Normalize.
type NormalizationError struct {
	Kind   ErrorKind
	Op     string
	Detail string
	Err    error
}

func (e *NormalizationError) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Kind.sentinel()
	if msg == nil {
		msg = errors.New("normalization failed")
	}
	out := fmt.Sprintf("%s: %v", e.Op, msg)
	if e.Detail != "" {
		out += ": " + e.Detail
	}
	if e.Err != nil {
		out += ": " + e.Err.Error()
	}
	return out
}

func (e *NormalizationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is lets errors.Is match the kind sentinels.
func (e *NormalizationError) Is(target error) bool {
	if e == nil {
		return false
	}
	return target != nil && target == e.Kind.sentinel()
}

// KindOf reports the kind of a normalization error anywhere in err's chain.
func KindOf(err error) (ErrorKind, bool) {
	var nerr *NormalizationError
	if errors.As(err, &nerr) {
		return nerr.Kind, true
	}
	return 0, false
}

func unreadable(op string, err error) error {
	return &NormalizationError{Kind: KindUnreadable, Op: op, Err: err}
}

func invalidMetadata(op, format string, args ...any) error {
	return &NormalizationError{Kind: KindInvalidMetadata, Op: op, Detail: fmt.Sprintf(format, args...)}
}

func unsupportedSource(op string, src ImageSource) error {
	return &NormalizationError{Kind: KindUnsupportedSourceType, Op: op, Detail: fmt.Sprintf("%T", src)}
}

// NewError builds a NormalizationError for callers that validate requests
// before a source exists, such as wire decoders.
func NewError(kind ErrorKind, op, detail string) error {
	return &NormalizationError{Kind: kind, Op: op, Detail: detail}
}
