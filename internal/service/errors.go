package service

import (
	"context"
	"errors"
	"fmt"
)

// TransportError reports that a request did not produce a usable response: the
// backend was unreachable, answered with a non-success status, or sent an error
// envelope. A run that the backend reports as failed is never a TransportError.
type TransportError struct {
	Op         string
	StatusCode int
	Message    string
	Err        error
}

func (e *TransportError) Error() string {
	switch {
	case e.Message != "" && e.StatusCode > 0:
		return fmt.Sprintf("%s: backend returned %d: %s", e.Op, e.StatusCode, e.Message)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	case e.StatusCode > 0:
		return fmt.Sprintf("%s: backend returned %d", e.Op, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return e.Op + ": request failed"
	}
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsCanceled reports whether err only reflects a caller-side cancellation.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled)
}

var ErrInvalidArtifactName = errors.New("invalid artifact filename")
