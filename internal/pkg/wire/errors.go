package wire

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrUnknownMessage is returned when encoding a Message implementation the codec does not know.
var ErrUnknownMessage = errors.New("unknown message implementation")

// ErrFieldTooLarge is returned when encoding a message whose fields exceed the codec limits.
var ErrFieldTooLarge = errors.New("field too large")

// DecodeKind classifies a DecodeError.
type DecodeKind uint8

// Decode error kinds.
const (
	KindEmptyFrame DecodeKind = iota + 1
	KindFrameTooLarge
	KindLengthMismatch
	KindTruncated
	KindUnknownType
	KindMissingType
	KindFieldTooLarge
	KindBadField
)

func (k DecodeKind) String() string {
	switch k {
	case KindEmptyFrame:
		return "empty frame"
	case KindFrameTooLarge:
		return "frame too large"
	case KindLengthMismatch:
		return "length mismatch"
	case KindTruncated:
		return "truncated"
	case KindUnknownType:
		return "unknown type"
	case KindMissingType:
		return "missing type"
	case KindFieldTooLarge:
		return "field too large"
	case KindBadField:
		return "bad field"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// DecodeError reports a malformed frame. It never carries a partially decoded message.
type DecodeError struct {
	Kind DecodeKind
	Err  error
}

func (e *DecodeError) Error() string {
	if e.Err == nil {
		return "decode frame failed: " + e.Kind.String()
	}
	return "decode frame failed: " + e.Kind.String() + ": " + e.Err.Error()
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Resync reports whether the stream is still aligned on a frame boundary after this error.
// An oversized length prefix is never followed by a read of its body, so the stream is lost.
func (e *DecodeError) Resync() bool {
	return e.Kind != KindFrameTooLarge
}

func decodeErr(kind DecodeKind, format string, args ...any) *DecodeError {
	return &DecodeError{Kind: kind, Err: fmt.Errorf(format, args...)}
}
