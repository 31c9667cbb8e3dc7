package detections

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidImage           = errors.New("invalid image")
	ErrModelNotLoaded         = errors.New("model not loaded")
	ErrUnsupportedOutputShape = errors.New("unsupported output shape")
	ErrInferenceFailed        = errors.New("inference failed")
	ErrRuntimeUnavailable     = errors.New("inference runtime unavailable")
)

// ProcessingError tags a failure with one of the error kinds above so callers
// can match it with errors.Is while keeping the underlying cause.
type ProcessingError struct {
	Kind  error
	Op    string
	Cause error
}

func (e *ProcessingError) Error() string {
	msg := e.Kind.Error()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *ProcessingError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Cause}
}

func newError(kind error, op string, cause error) error {
	return &ProcessingError{Kind: kind, Op: op, Cause: cause}
}

// Kind returns the error kind carried by err, or nil if err has none.
func Kind(err error) error {
	for _, k := range []error{ErrInvalidImage, ErrModelNotLoaded, ErrUnsupportedOutputShape, ErrInferenceFailed, ErrRuntimeUnavailable} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}
