// Package apperr defines the error taxonomy shared by the dispatch core.
// Callers classify failures with errors.Is / errors.As; the HTTP and
// websocket layers map them onto status codes and error events.
package apperr

import (
	"errors"
	"fmt"
)

var (
	// ErrAcceptConflict signals a lost race for a ride: the request was no
	// longer pending when the conditional accept ran. Expected under
	// concurrency, handled as control flow by callers.
	ErrAcceptConflict = errors.New("ride no longer available")

	// ErrNotAuthorized signals a driver/entity mismatch on a guarded
	// operation.
	ErrNotAuthorized = errors.New("not authorized")

	// ErrNotFound signals a referenced entity that does not exist.
	ErrNotFound = errors.New("not found")
)

// ValidationError reports malformed or missing input. User-correctable,
// never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid input: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func Validation(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// InvalidCoordinateError reports a latitude/longitude outside the valid
// range or a non-finite value.
type InvalidCoordinateError struct {
	Lat, Lon float64
}

func (e *InvalidCoordinateError) Error() string {
	return fmt.Sprintf("invalid coordinate (%v, %v)", e.Lat, e.Lon)
}

// InvalidStateError reports an attempted transition from a state where it
// is not defined. Stored state is left unchanged.
type InvalidStateError struct {
	Entity string // "ride_request" or "ride"
	ID     string
	From   string
	To     string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s %s: illegal transition %s -> %s", e.Entity, e.ID, e.From, e.To)
}

// StoreError wraps a transient backing-store failure. Idempotent reads may
// be retried with backoff; writes must not be blindly retried.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return "store " + e.Op + ": " + e.Err.Error() }

func (e *StoreError) Unwrap() error { return e.Err }

func Store(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}

// IsValidation reports whether err is a ValidationError or
// InvalidCoordinateError.
func IsValidation(err error) bool {
	var ve *ValidationError
	var ce *InvalidCoordinateError
	return errors.As(err, &ve) || errors.As(err, &ce)
}

// IsInvalidState reports whether err is an InvalidStateError.
func IsInvalidState(err error) bool {
	var se *InvalidStateError
	return errors.As(err, &se)
}

// IsStore reports whether err wraps a transient store failure.
func IsStore(err error) bool {
	var se *StoreError
	return errors.As(err, &se)
}
