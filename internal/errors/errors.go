// internal/errors/errors.go
package appErrors

import (
	"errors"
	"fmt"
)

var (
	ErrJobNotFound    = errors.New("job not found")
	ErrSenderNotFound = errors.New("sender not found")
	ErrNotCancellable = errors.New("job is no longer scheduled")
)

// ValidationError rejects scheduler input before anything is stored.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// NewValidation is a helper constructor
func NewValidation(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidation reports whether err (or anything it wraps) is a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// TransportError wraps a failed send. Its message is stored on the job verbatim.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

func NewTransport(err error) error {
	if err == nil {
		return nil
	}
	return &TransportError{Err: err}
}
