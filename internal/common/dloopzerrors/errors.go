// Package dloopzerrors contains the typed errors returned by the job queue, server and worker pool.
//
// Callers should use errors.As to look through wrapped error chains for these types. If multiple
// errors occur in some function (e.g., several invalid configuration fields), that function should
// return an error of type multierror.Error from package github.com/hashicorp/go-multierror that
// encapsulates those individual errors.
package dloopzerrors

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrInvalidArgument is returned whenever a parameter is rejected, e.g., a queue capacity of zero or a
// worker count that does not match the number of per-worker queues.
// Message is optional and is omitted from the error message if not provided.
type ErrInvalidArgument struct {
	Name    string      // Name of the field referred to, e.g., "workers"
	Value   interface{} // The invalid value that was provided
	Message string      // An optional message explaining why the value is invalid
}

func (err *ErrInvalidArgument) Error() string {
	if err.Message == "" {
		return fmt.Sprintf("value %v is invalid for field %q", err.Value, err.Name)
	} else {
		return fmt.Sprintf("value %v is invalid for field %q; %s", err.Value, err.Name, err.Message)
	}
}

// ErrNotFound is returned whenever some resource isn't found.
// Type and Message are optional and are omitted from the error message if not provided.
type ErrNotFound struct {
	Type    string // Resource type, e.g., "job"
	Value   string // Resource name, e.g., "42"
	Message string
}

func (err *ErrNotFound) Error() (s string) {
	if err.Type != "" {
		s = fmt.Sprintf("resource %q of type %q does not exist", err.Value, err.Type)
	} else {
		s = fmt.Sprintf("resource %q does not exist", err.Value)
	}
	if err.Message != "" {
		return s + fmt.Sprintf("; %s", err.Message)
	} else {
		return s
	}
}

// ErrContractViolation indicates a job lifecycle transition that must never happen, e.g., a completion
// recorded for a job that was never started. It is a programming error: the operation that detects it
// leaves all aggregates untouched and whoever receives it should stop rather than continue.
type ErrContractViolation struct {
	JobId     uint64 // Id of the job involved
	Operation string // The attempted transition, e.g., "RecordCompletion"
	State     string // The state the job was in when the transition was attempted
	Message   string
}

func (err *ErrContractViolation) Error() string {
	s := fmt.Sprintf("contract violation: %s is not valid for job %d in state %s", err.Operation, err.JobId, err.State)
	if err.Message != "" {
		s = s + fmt.Sprintf("; %s", err.Message)
	}
	return s
}

// IsContractViolation reports whether any error in err's chain is an ErrContractViolation.
func IsContractViolation(err error) bool {
	var e *ErrContractViolation
	return errors.As(err, &e)
}

// IsInvalidArgument reports whether any error in err's chain is an ErrInvalidArgument.
func IsInvalidArgument(err error) bool {
	var e *ErrInvalidArgument
	return errors.As(err, &e)
}

// IsNotFound reports whether any error in err's chain is an ErrNotFound.
func IsNotFound(err error) bool {
	var e *ErrNotFound
	return errors.As(err, &e)
}
