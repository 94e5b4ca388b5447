// Package experrors contains the generic errors returned by the orchestration core.
// Callers embedding the core (an API layer, the command consumer) look for the error types defined in
// this file to decide how a failure is surfaced; StatusFromError maps them to HTTP-equivalent codes.
//
// If multiple errors occur in some function (e.g., several jobs fail to stop), that function should
// return an error of type multierror.Error from package github.com/hashicorp/go-multierror that
// encapsulates those individual errors.
package experrors

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/pkg/errors"
)

// FieldError describes a single field of a configuration payload that failed validation.
type FieldError struct {
	Field   string
	Message string
}

func (e FieldError) String() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ErrValidation is returned when an auxiliary service configuration does not match its schema.
// Nothing is persisted when this error is returned.
type ErrValidation struct {
	Service string
	Fields  []FieldError
}

func (err *ErrValidation) Error() string {
	fields := make([]string, len(err.Fields))
	for i, f := range err.Fields {
		fields[i] = f.String()
	}
	if err.Service == "" {
		return fmt.Sprintf("invalid configuration: [%s]", strings.Join(fields, "; "))
	}
	return fmt.Sprintf("invalid %s configuration: [%s]", err.Service, strings.Join(fields, "; "))
}

// ErrStorage is returned by the storage collaborator on I/O problems while copying outputs.
type ErrStorage struct {
	Source string
	Dest   string
	Err    error
}

func (err *ErrStorage) Error() string {
	return fmt.Sprintf("could not copy outputs from %q to %q: %v", err.Source, err.Dest, err.Err)
}

func (err *ErrStorage) Unwrap() error {
	return err.Err
}

// ErrInvalidTransition is returned when a lifecycle change is not allowed from the current state.
type ErrInvalidTransition struct {
	Kind string // "experiment" or "job"
	Id   string
	From string
	To   string
}

func (err *ErrInvalidTransition) Error() string {
	if err.Kind == "" {
		return fmt.Sprintf("cannot change state of %q: %s -> %s", err.Id, err.From, err.To)
	}
	return fmt.Sprintf("cannot change state of %s %q: %s -> %s", err.Kind, err.Id, err.From, err.To)
}

// ErrExhaustedRange is returned when every port of a service type's range is in use.
type ErrExhaustedRange struct {
	ServiceType string
	Low         int
	High        int
}

func (err *ErrExhaustedRange) Error() string {
	return fmt.Sprintf("no free port for %s in range [%d, %d)", err.ServiceType, err.Low, err.High)
}

// ErrInvalidArgument is returned when a name or other identifier of a request is unusable.
// Message is optional and is omitted from the error message if not provided.
type ErrInvalidArgument struct {
	Name    string // Name of the field referred to, e.g., "user"
	Value   string
	Message string
}

func (err *ErrInvalidArgument) Error() string {
	if err.Message == "" {
		return fmt.Sprintf("value %q is invalid for field %q", err.Value, err.Name)
	}
	return fmt.Sprintf("value %q is invalid for field %q; %s", err.Value, err.Name, err.Message)
}

// ErrNotFound is a generic error to be returned whenever some resource isn't found.
// Type and Message are optional and are omitted from the error message if not provided.
type ErrNotFound struct {
	Type    string
	Value   string
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
	}
	return s
}

// ErrAlreadyExists is a generic error to be returned whenever some resource already exists.
//
// See ErrNotFound for more info.
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

// StatusFromError maps error types to HTTP status codes.
// Uses errors.As to look through the chain of errors, as opposed to just considering the topmost error in the chain.
func StatusFromError(err error) int {
	if err == nil {
		return http.StatusOK
	}

	// Using {} scopes just to re-use the "e" variable name for each case.
	{
		var e *ErrValidation
		if errors.As(err, &e) {
			return http.StatusBadRequest
		}
	}
	{
		var e *ErrInvalidArgument
		if errors.As(err, &e) {
			return http.StatusBadRequest
		}
	}
	{
		var e *ErrNotFound
		if errors.As(err, &e) {
			return http.StatusNotFound
		}
	}
	{
		var e *ErrAlreadyExists
		if errors.As(err, &e) {
			return http.StatusConflict
		}
	}
	{
		var e *ErrInvalidTransition
		if errors.As(err, &e) {
			return http.StatusConflict
		}
	}
	{
		var e *ErrExhaustedRange
		if errors.As(err, &e) {
			return http.StatusServiceUnavailable
		}
	}

	return http.StatusInternalServerError
}

// IsNotFound returns true if err, or any error it wraps, is an ErrNotFound.
func IsNotFound(err error) bool {
	var e *ErrNotFound
	return errors.As(err, &e)
}

// IsInvalidArgument returns true if err, or any error it wraps, is an ErrInvalidArgument.
func IsInvalidArgument(err error) bool {
	var e *ErrInvalidArgument
	return errors.As(err, &e)
}

// IsInvalidTransition returns true if err, or any error it wraps, is an ErrInvalidTransition.
func IsInvalidTransition(err error) bool {
	var e *ErrInvalidTransition
	return errors.As(err, &e)
}
