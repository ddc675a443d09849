package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the engine.
var (
	// ErrNotFound is returned when a session or outcome does not exist.
	ErrNotFound = errors.New("not found")

	// ErrModelNotFound is returned by a model store whose slot is empty.
	// Callers react by bootstrap-training a fresh model.
	ErrModelNotFound = errors.New("model not found")

	// ErrModelUnavailable is returned when no model could be loaded or
	// trained. Prediction must fail with this error rather than fall back to
	// a default label.
	ErrModelUnavailable = errors.New("classifier model unavailable")

	// ErrInvalidTransition is returned when a lifecycle event is applied to
	// a session whose status does not admit it.
	ErrInvalidTransition = errors.New("invalid session state transition")
)

// ValidationError rejects malformed or out-of-range input before it reaches
// storage.
type ValidationError struct {
	Field   string      `json:"field"`
	Message string      `json:"message"`
	Value   interface{} `json:"value,omitempty"`
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

// DenyReason is the machine-readable reason attached to an authorization
// denial.
type DenyReason string

const (
	DenyNotOwner         DenyReason = "not_owner"
	DenyAlreadyCompleted DenyReason = "already_completed"
	DenyGameNotAssigned  DenyReason = "game_not_assigned"
	DenyRoleForbidden    DenyReason = "role_forbidden"
)

// AuthzError is an authorization denial with a reason code. It carries no
// side effects: a denied operation must leave no trace in storage.
type AuthzError struct {
	Reason  DenyReason `json:"reason"`
	Message string     `json:"message"`
}

// Error implements the error interface.
func (e *AuthzError) Error() string {
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

// NewAuthzError creates an authorization denial with the given reason.
func NewAuthzError(reason DenyReason, message string) *AuthzError {
	return &AuthzError{Reason: reason, Message: message}
}

// IsDenied reports whether err is an authorization denial and, if so,
// returns its reason.
func IsDenied(err error) (DenyReason, bool) {
	var authz *AuthzError
	if errors.As(err, &authz) {
		return authz.Reason, true
	}
	return "", false
}
