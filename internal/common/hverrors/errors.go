// Package hverrors contains generic errors returned by the hypervisor core. Callers such as the CLI or an API
// layer look for the error types defined in this file (using errors.As) to decide how to report a failure.
//
// If multiple errors occur in some function (e.g., several entries of a sweep failing), that function should
// return an error of type multierror.Error from package github.com/hashicorp/go-multierror that encapsulates
// those individual errors.
package hverrors

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrNotFound is a generic error to be returned whenever some resource isn't found, or is soft-deleted.
// Type and Message are optional and are omitted from the error message if not provided.
type ErrNotFound struct {
	Type    string // Resource type, e.g., "cluster" or "deployment"
	Value   string // Resource identifier, e.g., "42"
	Message string // An optional message to include in the error message
}

func (err *ErrNotFound) Error() (s string) {
	if err.Type != "" {
		s = fmt.Sprintf("resource %q of type %q does not exist", err.Value, err.Type)
	} else {
		s = fmt.Sprintf("resource %q does not exist", err.Value)
	}
	if err.Message != "" {
		return s + fmt.Sprintf("; %s", err.Message)
	}
	return s
}

// ErrAlreadyExists is a generic error to be returned whenever some resource already exists.
type ErrAlreadyExists struct {
	Type    string
	Value   string
	Message string
}

func (err *ErrAlreadyExists) Error() (s string) {
	if err.Type != "" {
		s = fmt.Sprintf("resource %q of type %q already exists", err.Value, err.Type)
	} else {
		s = fmt.Sprintf("resource %q already exists", err.Value)
	}
	if err.Message != "" {
		return s + fmt.Sprintf("; %s", err.Message)
	}
	return s
}

// ErrInvalidArgument is a generic error to be returned on invalid argument.
// Message is optional and is omitted from the error message if not provided.
type ErrInvalidArgument struct {
	Name    string      // Name of the field referred to, e.g., "cpuRequired"
	Value   interface{} // The invalid value that was provided
	Message string      // An optional message explaining why the value is invalid
}

func (err *ErrInvalidArgument) Error() string {
	if err.Message == "" {
		return fmt.Sprintf("value %v is invalid for field %q", err.Value, err.Name)
	}
	return fmt.Sprintf("value %v is invalid for field %q; %s", err.Value, err.Name, err.Message)
}

// ErrInvalidState is returned when an operation is attempted on a resource whose current state doesn't allow it,
// e.g., finalizing a deployment that has already been cleaned up.
type ErrInvalidState struct {
	Type    string
	Value   string
	State   string
	Message string
}

func (err *ErrInvalidState) Error() string {
	s := fmt.Sprintf("resource %q of type %q is in invalid state %s", err.Value, err.Type, err.State)
	if err.Message != "" {
		return s + fmt.Sprintf("; %s", err.Message)
	}
	return s
}

// ErrCapacityInconsistency indicates that the allocations bound to a cluster exceed its total capacity.
// This can only happen if the per-cluster locking discipline has been violated, so it should be surfaced
// loudly rather than repaired.
type ErrCapacityInconsistency struct {
	ClusterId int64
	Resource  string
	Allocated int64
	Total     int64
	Message   string
}

func (err *ErrCapacityInconsistency) Error() string {
	s := fmt.Sprintf(
		"cluster %d is oversubscribed: %d %s allocated out of %d",
		err.ClusterId, err.Allocated, err.Resource, err.Total,
	)
	if err.Message != "" {
		return s + fmt.Sprintf("; %s", err.Message)
	}
	return s
}

// ErrLockNotAcquired is returned when the per-cluster lock couldn't be obtained in time. It is transient.
type ErrLockNotAcquired struct {
	ClusterId int64
}

func (err *ErrLockNotAcquired) Error() string {
	return fmt.Sprintf("could not acquire lock for cluster %d", err.ClusterId)
}

// Kind is a coarse classification of errors used when reporting failures to callers.
type Kind string

const (
	KindNotFound              Kind = "NotFound"
	KindAlreadyExists         Kind = "AlreadyExists"
	KindInvalidArgument       Kind = "InvalidArgument"
	KindInvalidState          Kind = "InvalidState"
	KindCapacityInconsistency Kind = "CapacityInconsistency"
	KindUnavailable           Kind = "Unavailable"
	KindUnknown               Kind = "Unknown"
	KindOK                    Kind = "OK"
)

// KindFromError maps error types to a Kind.
// Uses errors.As to look through the chain of errors, as opposed to just considering the topmost error in the chain.
func KindFromError(err error) Kind {
	if err == nil {
		return KindOK
	}
	{
		var e *ErrNotFound
		if errors.As(err, &e) {
			return KindNotFound
		}
	}
	{
		var e *ErrAlreadyExists
		if errors.As(err, &e) {
			return KindAlreadyExists
		}
	}
	{
		var e *ErrInvalidArgument
		if errors.As(err, &e) {
			return KindInvalidArgument
		}
	}
	{
		var e *ErrInvalidState
		if errors.As(err, &e) {
			return KindInvalidState
		}
	}
	{
		var e *ErrCapacityInconsistency
		if errors.As(err, &e) {
			return KindCapacityInconsistency
		}
	}
	{
		var e *ErrLockNotAcquired
		if errors.As(err, &e) {
			return KindUnavailable
		}
	}
	return KindUnknown
}

func IsNotFound(err error) bool {
	var e *ErrNotFound
	return errors.As(err, &e)
}

func IsLockNotAcquired(err error) bool {
	var e *ErrLockNotAcquired
	return errors.As(err, &e)
}
