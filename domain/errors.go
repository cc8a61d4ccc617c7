package domain

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a referenced board, column or task does not
// exist in the current snapshot.
var ErrNotFound = errors.New("not found")

// ValidationError reports a document or user value that does not conform to
// its schema.
type ValidationError struct {
	DocID      string
	Field      string
	Constraint string
	Err        error
}

func (e *ValidationError) Error() string {
	msg := "invalid value"
	if e.DocID != "" {
		msg = fmt.Sprintf("invalid document %q", e.DocID)
	}
	if e.Field != "" {
		msg += fmt.Sprintf(": field %q", e.Field)
	}
	if e.Constraint != "" {
		msg += fmt.Sprintf(" violates %s", e.Constraint)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ValidationError) Unwrap() error { return e.Err }

// IntegrityError marks a board whose column order record is missing or
// malformed. The board cannot be rendered until the record is repaired.
type IntegrityError struct {
	Reason string
	Err    error
}

func (e *IntegrityError) Error() string {
	if e.Err != nil {
		return "board integrity: " + e.Reason + ": " + e.Err.Error()
	}
	return "board integrity: " + e.Reason
}

func (e *IntegrityError) Unwrap() error { return e.Err }

// IsValidation reports whether err is or wraps a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsIntegrity reports whether err is or wraps an *IntegrityError.
func IsIntegrity(err error) bool {
	var ie *IntegrityError
	return errors.As(err, &ie)
}
