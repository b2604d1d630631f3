// Package runtime holds the value model and error taxonomy for capability execution.
//
// Every capability-level failure surfaces as a *Error carrying a Kind so
// callers (marketplace, orchestrator, CLI) can branch on the category
// without string matching.
package runtime

import (
	"errors"
	"fmt"
)

// ErrorKind classifies capability execution failures.
type ErrorKind string

const (
	KindAuthorization     ErrorKind = "AUTHORIZATION"      // unknown capability, policy denial, hard resource limit
	KindArityMismatch     ErrorKind = "ARITY_MISMATCH"     // wrong number of arguments
	KindType              ErrorKind = "TYPE_ERROR"         // argument type mismatch
	KindIsolationRouting  ErrorKind = "ISOLATION_ROUTING"  // dangerous built-in called outside the MicroVM path
	KindIntegrity         ErrorKind = "INTEGRITY"          // ledger hash chain mismatch
	KindProvider          ErrorKind = "PROVIDER"           // remote or sandboxed provider failure
	KindSecurityViolation ErrorKind = "SECURITY_VIOLATION" // runtime context forbids the capability
	KindNotFound          ErrorKind = "NOT_FOUND"
	KindInvalidArgument   ErrorKind = "INVALID_ARGUMENT"
)

// Error is the typed error returned across the capability boundary.
type Error struct {
	Kind       ErrorKind `json:"kind"`
	Code       string    `json:"code,omitempty"`
	Message    string    `json:"message"`
	Capability string    `json:"capability,omitempty"`
	Retryable  bool      `json:"retryable"`
	Cause      error     `json:"-"`
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Capability != "" {
		msg = fmt.Sprintf("%s (capability %s)", msg, e.Capability)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error of the same kind, so errors.Is(err, &Error{Kind: K}) works.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && (t.Code == "" || t.Code == e.Code)
}

// IsKind reports whether err (or anything it wraps) is a *Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf returns the kind of err, or "" if err is not a *Error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func NewError(kind ErrorKind, capability, format string, args ...any) *Error {
	return &Error{Kind: kind, Capability: capability, Message: fmt.Sprintf(format, args...)}
}

// AuthorizationError reports a capability that may not run.
func AuthorizationError(capability, reason string) *Error {
	return &Error{Kind: KindAuthorization, Code: "CAPABILITY_DENIED", Capability: capability, Message: reason}
}

// ArityMismatch reports a wrong argument count. expected is free-form ("1", ">=1").
func ArityMismatch(function, expected string, actual int) *Error {
	return &Error{
		Kind:       KindArityMismatch,
		Code:       "ARITY_MISMATCH",
		Capability: function,
		Message:    fmt.Sprintf("expected %s arguments, got %d", expected, actual),
	}
}

// TypeError reports an argument of the wrong type.
func TypeError(operation, expected string, actual any) *Error {
	return &Error{
		Kind:       KindType,
		Code:       "TYPE_MISMATCH",
		Capability: operation,
		Message:    fmt.Sprintf("expected %s, got %s", expected, TypeName(actual)),
	}
}

// IsolationRoutingError is returned by dangerous built-ins invoked directly.
func IsolationRoutingError(capability string) *Error {
	return &Error{
		Kind:       KindIsolationRouting,
		Code:       "MICROVM_REQUIRED",
		Capability: capability,
		Message:    "operation requires isolated execution; use ExecuteCapabilityWithMicroVM",
	}
}

// IntegrityError reports a broken hash chain at the given index.
func IntegrityError(index int, detail string) *Error {
	return &Error{
		Kind:    KindIntegrity,
		Code:    "CHAIN_MISMATCH",
		Message: fmt.Sprintf("ledger integrity violated at index %d: %s", index, detail),
	}
}

// ProviderError wraps a failure from a remote or sandboxed provider.
func ProviderError(capability string, cause error) *Error {
	return &Error{
		Kind:       KindProvider,
		Code:       "PROVIDER_FAILURE",
		Capability: capability,
		Message:    "provider call failed",
		Retryable:  true,
		Cause:      cause,
	}
}

// SecurityViolation reports a capability forbidden by the runtime context.
func SecurityViolation(capability, reason string) *Error {
	return &Error{
		Kind:       KindSecurityViolation,
		Code:       "SECURITY_VIOLATION",
		Capability: capability,
		Message:    reason,
	}
}

// NotFound reports an unknown capability or record.
func NotFound(capability, what string) *Error {
	return &Error{Kind: KindNotFound, Code: "NOT_FOUND", Capability: capability, Message: what + " not found"}
}
