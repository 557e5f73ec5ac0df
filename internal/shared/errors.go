package shared

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate indicates a uniqueness conflict.
	ErrDuplicate = errors.New("duplicate entry")
	// ErrValidation is matched by every ValidationError.
	ErrValidation = errors.New("validation failed")
	// ErrPersistence is matched by every PersistenceError.
	ErrPersistence = errors.New("persistence unavailable")
	// ErrRoleInUse indicates a role still assigned to at least one actor.
	ErrRoleInUse = errors.New("role in use")

	// ErrInvalidCredential indicates login failure.
	ErrInvalidCredential = errors.New("invalid credential")
	// ErrAccountLocked indicates the actor is inside a lockout window.
	ErrAccountLocked = errors.New("account locked")
	// ErrTwoFactorRequired indicates a second factor must be enrolled or presented.
	ErrTwoFactorRequired = errors.New("two-factor required")
	// ErrTwoFactorExpired indicates an unknown, consumed or expired challenge.
	ErrTwoFactorExpired = errors.New("two-factor challenge expired")

	// ErrSessionExpired indicates the idle timeout elapsed.
	ErrSessionExpired = errors.New("session expired")
	// ErrSessionNotFound indicates an unknown session.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionRevoked indicates a session ended by revocation, eviction or logout.
	ErrSessionRevoked = errors.New("session revoked")

	// ErrActorSuspended indicates the actor may not hold sessions.
	ErrActorSuspended = errors.New("actor suspended")
	// ErrIPBlocked indicates the source address is refused by the IP rules.
	ErrIPBlocked = errors.New("source address blocked")
)

// ValidationError carries per-field messages for rejected input.
type ValidationError struct {
	Fields map[string]string
}

// NewValidationError builds a ValidationError for a single field.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: message}}
}

// Add records another field failure.
func (e *ValidationError) Add(field, message string) {
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}
	e.Fields[field] = message
}

// Empty reports whether no failures were recorded.
func (e *ValidationError) Empty() bool {
	return e == nil || len(e.Fields) == 0
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Is reports ErrValidation equivalence.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// PersistenceError wraps a storage failure.
type PersistenceError struct {
	Op  string
	Err error
}

// Persistence wraps err as a PersistenceError unless it already is one or is nil.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
}

// Unwrap exposes the storage error.
func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Is reports ErrPersistence equivalence.
func (e *PersistenceError) Is(target error) bool {
	return target == ErrPersistence
}

// UserSafeMessage returns a message that can be shown to API consumers.
func UserSafeMessage(err error) string {
	var ve *ValidationError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ve):
		return ve.Error()
	case errors.Is(err, ErrPersistence):
		return "storage unavailable"
	case errors.Is(err, ErrInvalidCredential),
		errors.Is(err, ErrAccountLocked),
		errors.Is(err, ErrTwoFactorRequired),
		errors.Is(err, ErrTwoFactorExpired),
		errors.Is(err, ErrSessionExpired),
		errors.Is(err, ErrSessionNotFound),
		errors.Is(err, ErrSessionRevoked),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrDuplicate),
		errors.Is(err, ErrRoleInUse),
		errors.Is(err, ErrActorSuspended),
		errors.Is(err, ErrIPBlocked):
		return err.Error()
	default:
		return "internal error"
	}
}
