package bundle

import (
	"errors"
	"fmt"
)

// Kind classifies every failure the execution core can surface. The
// gateway maps kinds to HTTP statuses; nothing else about an internal
// error crosses the tenant boundary.
type Kind string

const (
	KindInstallNotFound     Kind = "install_not_found"
	KindVersionInactive     Kind = "version_inactive"
	KindHashMismatch        Kind = "hash_mismatch"
	KindSignatureInvalid    Kind = "signature_invalid"
	KindInvalidEntrypoint   Kind = "invalid_entrypoint"
	KindCapabilityDenied    Kind = "capability_denied"
	KindEgressDenied        Kind = "egress_denied"
	KindResourceExceeded    Kind = "resource_exceeded"
	KindConcurrencyExceeded Kind = "concurrency_exceeded"
	KindQuotaExceeded       Kind = "quota_exceeded"
	KindUpstreamUnavailable Kind = "upstream_unavailable"
	KindInternal            Kind = "internal"
)

// Error is the structured failure type shared across the execution
// core. Message is safe to log; it never carries secret values.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

// NewError builds a classified error.
func NewError(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// WrapError classifies an underlying error.
func WrapError(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, cause: cause}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is allows errors.Is against a bare *Error carrying only a Kind.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Kind == other.Kind
}

// KindOf extracts the Kind from an error chain, defaulting to
// KindInternal for unclassified failures.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Retryable reports whether a failure may succeed on retry.
// Verification and capability failures are deterministic; only store
// unavailability qualifies.
func Retryable(err error) bool {
	return KindOf(err) == KindUpstreamUnavailable
}
