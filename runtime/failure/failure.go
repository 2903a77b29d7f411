// Package failure provides the stable error taxonomy shared by the runtime
// components. Errors carry a Kind that survives wrapping so edges (transport,
// HTTP) can report a user-safe classification without leaking collaborator
// internals.
package failure

import (
	"errors"
	"fmt"
)

// Kind classifies a runtime failure. Kinds are stable wire values.
type Kind string

const (
	// KindDefinitionNotFound indicates a missing workflow manifest.
	KindDefinitionNotFound Kind = "definition_not_found"
	// KindDefinitionInvalid indicates a manifest that failed validation.
	KindDefinitionInvalid Kind = "definition_invalid"
	// KindSchemaViolation indicates structured output that did not match its
	// declared schema after all retries.
	KindSchemaViolation Kind = "schema_violation"
	// KindExternalCallTimeout indicates an agent, tool or lookup call that
	// kept timing out after all retries.
	KindExternalCallTimeout Kind = "external_call_timeout"
	// KindTurnBudgetExceeded indicates a session that ran out of turns.
	KindTurnBudgetExceeded Kind = "turn_budget_exceeded"
	// KindTenantMismatch indicates an access across tenant boundaries.
	KindTenantMismatch Kind = "tenant_mismatch"
	// KindConnectionLost indicates a dropped client connection. Non-fatal.
	KindConnectionLost Kind = "connection_lost"
	// KindCanceled indicates a session canceled by its tenant.
	KindCanceled Kind = "canceled"
	// KindInternal is used for everything else.
	KindInternal Kind = "internal"
)

// Error is a classified runtime error.
type Error struct {
	// Kind is the stable classification.
	Kind Kind
	// Message describes the failure for logs.
	Message string
	// Cause is the underlying error, if any.
	Cause error
}

var (
	// ErrDefinitionNotFound matches any error of kind KindDefinitionNotFound.
	ErrDefinitionNotFound = &Error{Kind: KindDefinitionNotFound, Message: "workflow definition not found"}
	// ErrDefinitionInvalid matches any error of kind KindDefinitionInvalid.
	ErrDefinitionInvalid = &Error{Kind: KindDefinitionInvalid, Message: "workflow definition invalid"}
	// ErrSchemaViolation matches any error of kind KindSchemaViolation.
	ErrSchemaViolation = &Error{Kind: KindSchemaViolation, Message: "structured output schema violation"}
	// ErrExternalCallTimeout matches any error of kind KindExternalCallTimeout.
	ErrExternalCallTimeout = &Error{Kind: KindExternalCallTimeout, Message: "external call timed out"}
	// ErrTurnBudgetExceeded matches any error of kind KindTurnBudgetExceeded.
	ErrTurnBudgetExceeded = &Error{Kind: KindTurnBudgetExceeded, Message: "turn budget exceeded"}
	// ErrTenantMismatch matches any error of kind KindTenantMismatch.
	ErrTenantMismatch = &Error{Kind: KindTenantMismatch, Message: "tenant mismatch"}
	// ErrConnectionLost matches any error of kind KindConnectionLost.
	ErrConnectionLost = &Error{Kind: KindConnectionLost, Message: "connection lost"}
	// ErrCanceled matches any error of kind KindCanceled.
	ErrCanceled = &Error{Kind: KindCanceled, Message: "session canceled"}
)

// New returns an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Errorf formats a message and returns an error of the given kind.
func Errorf(kind Kind, format string, args ...any) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap returns an error of the given kind wrapping cause. Returns nil when
// cause is nil.
func Wrap(kind Kind, cause error, message string) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Error implements error.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Cause == nil {
		return e.Message
	}
	if e.Message == "" {
		return e.Cause.Error()
	}
	return e.Message + ": " + e.Cause.Error()
}

// Unwrap returns the cause.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is reports whether target is a failure error with the same kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) || e == nil {
		return false
	}
	return e.Kind == t.Kind
}

// KindOf returns the kind of the first failure error in err's chain, or
// KindInternal when there is none. Returns the empty kind for nil.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Retryable reports whether the engine retries the turn on this kind.
func (k Kind) Retryable() bool {
	return k == KindSchemaViolation || k == KindExternalCallTimeout
}

// Summary returns the human-readable summary shown to end users for a kind.
// It never includes collaborator details.
func Summary(k Kind) string {
	switch k {
	case "":
		return "completed"
	case KindDefinitionNotFound:
		return "The requested workflow does not exist."
	case KindDefinitionInvalid:
		return "The workflow definition is invalid."
	case KindSchemaViolation:
		return "An agent produced output that did not match the expected format."
	case KindExternalCallTimeout:
		return "An external service did not respond in time."
	case KindTurnBudgetExceeded:
		return "The conversation reached its maximum number of turns."
	case KindTenantMismatch:
		return "Access denied."
	case KindConnectionLost:
		return "The connection was lost."
	case KindCanceled:
		return "The session was canceled."
	default:
		return "An internal error occurred."
	}
}
