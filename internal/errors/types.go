package errors

import (
	"errors"
	"fmt"
)

// ErrorType represents the classification of errors returned by the engine.
type ErrorType int

const (
	// ErrorTypePermanent - the operation did not complete
	ErrorTypePermanent ErrorType = iota
	// ErrorTypeDegraded - the operation completed but a sink missed a write
	ErrorTypeDegraded
)

// CollaboratorError reports that an external sink (event recorder, ledger,
// memory engine) rejected a call. The workflow that raised it still ran every
// other step.
type CollaboratorError struct {
	Collaborator string
	Op           string
	Err          error
}

func (e *CollaboratorError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Collaborator, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Collaborator, e.Op, e.Err)
}

func (e *CollaboratorError) Unwrap() error {
	return e.Err
}

// Collaborator wraps err as a CollaboratorError. A nil err stays nil.
func Collaborator(collaborator, op string, err error) error {
	if err == nil {
		return nil
	}
	return &CollaboratorError{Collaborator: collaborator, Op: op, Err: err}
}

// IsDegraded checks if err carries a collaborator failure.
func IsDegraded(err error) bool {
	var collabErr *CollaboratorError
	return errors.As(err, &collabErr)
}

// GetErrorType classifies an error. nil is reported as permanent so callers
// never treat success as retryable.
func GetErrorType(err error) ErrorType {
	if err != nil && IsDegraded(err) {
		return ErrorTypeDegraded
	}
	return ErrorTypePermanent
}

// FailedCollaborators lists the collaborators named in err, walking joined
// and wrapped errors, in the order they failed.
func FailedCollaborators(err error) []string {
	var out []string
	var walk func(error)
	walk = func(e error) {
		if e == nil {
			return
		}
		if collabErr, ok := e.(*CollaboratorError); ok {
			out = append(out, collabErr.Collaborator)
			return
		}
		switch unwrapped := e.(type) {
		case interface{ Unwrap() []error }:
			for _, inner := range unwrapped.Unwrap() {
				walk(inner)
			}
		case interface{ Unwrap() error }:
			walk(unwrapped.Unwrap())
		}
	}
	walk(err)
	return out
}
