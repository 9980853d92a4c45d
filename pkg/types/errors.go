package types

import (
	"errors"
	"fmt"
)

// ErrorClass buckets pipeline failures by how the pipeline reacts to them
type ErrorClass string

const (
	// ErrorTransient failures are retried with exponential backoff
	ErrorTransient ErrorClass = "transient"
	// ErrorPermanent failures go straight to a dead-letter queue
	ErrorPermanent ErrorClass = "permanent"
	// ErrorPoison marks payloads that cannot be parsed at all
	ErrorPoison ErrorClass = "poison"
	// ErrorAuth failures trigger credential refresh, then retry
	ErrorAuth ErrorClass = "auth_error"
	// ErrorConfig failures fall back to cached or default values
	ErrorConfig ErrorClass = "config_error"
)

// ClassifiedError attaches an ErrorClass to an underlying error so loop
// code can decide between retry, dead-letter, and quarantine.
type ClassifiedError struct {
	Class ErrorClass
	Err   error
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a retryable failure
func Transient(err error) error {
	return &ClassifiedError{Class: ErrorTransient, Err: err}
}

// Permanent wraps err as a non-retryable failure
func Permanent(err error) error {
	return &ClassifiedError{Class: ErrorPermanent, Err: err}
}

// Poison wraps err as an unparseable-payload failure
func Poison(err error) error {
	return &ClassifiedError{Class: ErrorPoison, Err: err}
}

// AuthError wraps err as a credential failure
func AuthError(err error) error {
	return &ClassifiedError{Class: ErrorAuth, Err: err}
}

// ConfigError wraps err as a config-read failure
func ConfigError(err error) error {
	return &ClassifiedError{Class: ErrorConfig, Err: err}
}

// ClassOf extracts the error class from err. Unclassified errors count as
// transient so unknown failures are retried rather than dropped.
func ClassOf(err error) ErrorClass {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}
	return ErrorTransient
}

// IsTransient reports whether err should be retried
func IsTransient(err error) bool {
	return ClassOf(err) == ErrorTransient || ClassOf(err) == ErrorAuth
}

// IsPermanent reports whether err should be dead-lettered without retry
func IsPermanent(err error) bool {
	return ClassOf(err) == ErrorPermanent
}

// IsPoison reports whether err marks an unparseable payload
func IsPoison(err error) bool {
	return ClassOf(err) == ErrorPoison
}
