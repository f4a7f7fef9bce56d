package wire

import (
	"errors"
	"fmt"
)

// DecodeError reports a malformed or unrecognized message payload.
// It is structurally distinct from transport I/O errors: a decode
// failure spoils one frame, not the stream.
type DecodeError struct {
	// Kind is the message discriminant, 0 when the failure precedes
	// discriminant recognition.
	Kind uint32
	// Field is the field index under decode, 0 when not field-scoped.
	Field uint16
	Reason string
}

func (e *DecodeError) Error() string {
	if e.Field != 0 || e.Kind != 0 {
		return fmt.Sprintf("wire: decode kind=%d field=%d: %s", e.Kind, e.Field, e.Reason)
	}
	return "wire: decode: " + e.Reason
}

// IsDecodeError reports whether err is (or wraps) a DecodeError.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

func decodeErrf(kind uint32, field uint16, format string, args ...any) error {
	return &DecodeError{Kind: kind, Field: field, Reason: fmt.Sprintf(format, args...)}
}
