package store

import (
	"errors"
	"fmt"
)

// NotFoundError indicates the resource was not found.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ValidationError indicates a caller-side validation failure.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on %s: %s", e.Field, e.Message)
}

// ConflictError indicates a uniqueness violation or a lost concurrent update.
type ConflictError struct {
	Message string
	Code    string
	Details map[string]interface{}
}

func (e *ConflictError) Error() string {
	return e.Message
}

// Conflict codes.
const (
	ConflictDuplicate     = "duplicate"
	ConflictSerialization = "serialization"

	// The user already holds a different reference for the entry.
	ConflictReferenceExists = "reference_exists"
)

// TransientError wraps a backend failure that may succeed on retry
// (network, timeouts, connection loss).
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient failure: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// QuotaExceededError is returned when a copy would push a user past their quota.
type QuotaExceededError struct {
	UserID    string
	Requested int64
	Used      int64
	Limit     int64
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota exceeded for user %s: requested %d bytes with %d of %d used", e.UserID, e.Requested, e.Used, e.Limit)
}

// CorruptStateError flags a record that violates a storage invariant, such as
// an unmodified reference whose shared object no longer exists.
type CorruptStateError struct {
	Resource string
	ID       string
	Reason   string
}

func (e *CorruptStateError) Error() string {
	return fmt.Sprintf("corrupt %s %s: %s", e.Resource, e.ID, e.Reason)
}

// IsNotFound reports whether err is or wraps a *NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsConflict reports whether err is or wraps a *ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}
