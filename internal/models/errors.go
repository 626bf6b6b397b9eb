package models

import (
	"errors"
	"fmt"
)

// The registry distinguishes three failure kinds. UserError carries a
// message safe to relay verbatim to the person who issued the command and
// is never retried. ConsistencyError marks stored data violating an
// invariant the registry itself enforces; it must never be presented as a
// user mistake. Everything else is operational and subject to the
// connection manager's retry policy.

// UserError is a validation failure caused by caller input.
type UserError struct {
	Message string
}

func (e *UserError) Error() string { return e.Message }

// NewUserError builds a UserError from a format string.
func NewUserError(format string, args ...any) *UserError {
	return &UserError{Message: fmt.Sprintf(format, args...)}
}

// IsUserError reports whether err is (or wraps) a UserError.
func IsUserError(err error) bool {
	var ue *UserError
	return errors.As(err, &ue)
}

// ConsistencyError reports stored state that violates a registry invariant,
// e.g. two characters active for the same account.
type ConsistencyError struct {
	Message string
}

func (e *ConsistencyError) Error() string { return "consistency violation: " + e.Message }

// NewConsistencyError builds a ConsistencyError from a format string.
func NewConsistencyError(format string, args ...any) *ConsistencyError {
	return &ConsistencyError{Message: fmt.Sprintf(format, args...)}
}

// IsConsistencyError reports whether err is (or wraps) a ConsistencyError.
func IsConsistencyError(err error) bool {
	var ce *ConsistencyError
	return errors.As(err, &ce)
}
