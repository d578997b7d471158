// Package errs is the error taxonomy shared by the conversation engine, the
// server and the remote client.
package errs

import (
	"errors"
	"fmt"
)

// ErrTerminalConnection is reported once the reconnect budget is exhausted.
var ErrTerminalConnection = errors.New("connection lost, manual refresh required")

// ErrNotFound is wrapped by lookups of records that do not exist.
var ErrNotFound = errors.New("not found")

// Error codes used on the wire
const (
	CodeValidation   = "validation"
	CodeAccessDenied = "access_denied"
	CodePermission   = "permission"
	CodeTransient    = "transient"
	CodeNotFound     = "not_found"
)

// ValidationError rejects malformed input before it reaches the network.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s %s", e.Field, e.Reason)
}

// AccessDeniedError carries the reason the reservation window forbids sending.
type AccessDeniedError struct {
	Reason string
}

func (e *AccessDeniedError) Error() string {
	return "access denied: " + e.Reason
}

// PermissionError rejects an operation the viewer is not allowed to perform.
type PermissionError struct {
	Op     string
	Reason string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("permission: %s: %s", e.Op, e.Reason)
}

// TransientError wraps a failure of the remote store that may succeed if resubmitted.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

func Validation(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

func AccessDenied(reason string) error {
	return &AccessDeniedError{Reason: reason}
}

func Permission(op, reason string) error {
	return &PermissionError{Op: op, Reason: reason}
}

// Transient wraps err unless it is already classified.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	if Classified(err) {
		return err
	}
	return &TransientError{Op: op, Err: err}
}

// NotFound reports that what does not exist.
func NotFound(what string) error {
	return fmt.Errorf("%s: %w", what, ErrNotFound)
}

func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

func IsAccessDenied(err error) bool {
	var target *AccessDeniedError
	return errors.As(err, &target)
}

func IsPermission(err error) bool {
	var target *PermissionError
	return errors.As(err, &target)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsTransient(err error) bool {
	var target *TransientError
	return errors.As(err, &target)
}

// Classified reports whether err already belongs to the taxonomy.
func Classified(err error) bool {
	return IsValidation(err) || IsAccessDenied(err) || IsPermission(err) || IsTransient(err) || IsNotFound(err) ||
		errors.Is(err, ErrTerminalConnection)
}

// Code returns the wire code for err.
func Code(err error) string {
	switch {
	case IsValidation(err):
		return CodeValidation
	case IsAccessDenied(err):
		return CodeAccessDenied
	case IsPermission(err):
		return CodePermission
	case IsNotFound(err):
		return CodeNotFound
	default:
		return CodeTransient
	}
}

// Reason returns the user-facing reason of an access or permission error, or err's text.
func Reason(err error) string {
	var denied *AccessDeniedError
	if errors.As(err, &denied) {
		return denied.Reason
	}
	var perm *PermissionError
	if errors.As(err, &perm) {
		return perm.Reason
	}
	var val *ValidationError
	if errors.As(err, &val) {
		return val.Reason
	}
	return err.Error()
}
