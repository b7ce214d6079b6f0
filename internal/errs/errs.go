// Package errs holds the governance error taxonomy shared by every component.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

// ValidationError is returned for malformed input. The request is rejected
// with no state change.
type ValidationError struct {
	Op         string
	Violations []string
}

func (e *ValidationError) Error() string {
	if e.Op == "" {
		return "validation failed: " + strings.Join(e.Violations, "; ")
	}
	return fmt.Sprintf("%s: validation failed: %s", e.Op, strings.Join(e.Violations, "; "))
}

// Validation builds a ValidationError with one or more violations.
func Validation(op string, violations ...string) *ValidationError {
	return &ValidationError{Op: op, Violations: violations}
}

// NotFoundError reports an unknown workflow, rule or exception id.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// NotFound builds a NotFoundError.
func NotFound(kind, id string) *NotFoundError {
	return &NotFoundError{Kind: kind, ID: id}
}

// ConflictError reports an invalid state transition.
type ConflictError struct {
	Kind    string
	ID      string
	From    string
	Attempt string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %q: cannot %s from state %s", e.Kind, e.ID, e.Attempt, e.From)
}

// Conflict builds a ConflictError.
func Conflict(kind, id, from, attempt string) *ConflictError {
	return &ConflictError{Kind: kind, ID: id, From: from, Attempt: attempt}
}

// IntegrityError reports a hash-chain verification failure. It is never
// auto-repaired and must reach the operator.
type IntegrityError struct {
	BrokenAtSequence uint64
	Reason           string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("audit chain broken at sequence %d: %s", e.BrokenAtSequence, e.Reason)
}

// Integrity builds an IntegrityError.
func Integrity(seq uint64, reason string) *IntegrityError {
	return &IntegrityError{BrokenAtSequence: seq, Reason: reason}
}

// DetectorUnavailableError is internal to risk scoring: it is converted into
// a fail-closed risk factor and never returned to callers.
type DetectorUnavailableError struct {
	Detector string
	Err      error
}

func (e *DetectorUnavailableError) Error() string {
	return fmt.Sprintf("detector %s unavailable: %v", e.Detector, e.Err)
}

func (e *DetectorUnavailableError) Unwrap() error { return e.Err }

func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

func IsConflict(err error) bool {
	var target *ConflictError
	return errors.As(err, &target)
}

func IsIntegrity(err error) bool {
	var target *IntegrityError
	return errors.As(err, &target)
}
